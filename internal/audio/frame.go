package audio

// Format describes raw PCM16LE audio.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat is 16 kHz mono, the rate every backend in the pipeline speaks.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1}

func (f Format) normalized() Format {
	if f.SampleRate <= 0 {
		f.SampleRate = DefaultFormat.SampleRate
	}
	if f.Channels <= 0 {
		f.Channels = DefaultFormat.Channels
	}
	return f
}

// BytesPerSecond returns the PCM16 byte rate of f.
func (f Format) BytesPerSecond() int {
	f = f.normalized()
	return f.SampleRate * f.Channels * 2
}

// Frame is one captured buffer of PCM16LE samples. Frames are not mutated
// after they are handed to a FrameQueue.
type Frame struct {
	PCM    []byte
	Format Format
	Seq    uint64
}

// NewFrame copies pcm so the caller may reuse its buffer.
func NewFrame(pcm []byte, format Format, seq uint64) Frame {
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	return Frame{PCM: buf, Format: format.normalized(), Seq: seq}
}
