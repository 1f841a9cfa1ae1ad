package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/ent0n29/talkback/internal/audio"
	"github.com/ent0n29/talkback/internal/pipeline"
)

// Playback is a speaker sink. Emit returns once the chunk has been handed to
// the device in full, so chunks play back to back in emission order.
type Playback struct {
	dev    *malgo.Device
	format audio.Format
	queue  *pcmQueue

	// OnChunk, when set, is called as each chunk is queued on the device.
	OnChunk func(pipeline.AudioChunk)
}

func NewPlayback(ctx *Context, format audio.Format) (*Playback, error) {
	if format.SampleRate <= 0 {
		format = audio.DefaultFormat
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	p := &Playback{format: format, queue: &pcmQueue{}}
	dev, err := malgo.InitDevice(ctx.mal.Context, deviceConfig(malgo.Playback, format), malgo.DeviceCallbacks{
		Data: func(output, _ []byte, frameCount uint32) {
			p.queue.fill(output[:int(frameCount)*bytesPerFrame(format)])
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("start playback device: %w", err)
	}
	p.dev = dev
	return p, nil
}

func (p *Playback) Emit(ctx context.Context, chunk pipeline.AudioChunk) error {
	pcm, format, err := audio.DecodeWAV(chunk.Audio)
	if err != nil {
		return fmt.Errorf("decode chunk %d: %w", chunk.Seq, err)
	}
	if format.SampleRate != p.format.SampleRate || format.Channels != p.format.Channels {
		return fmt.Errorf("chunk %d is %d Hz/%d ch, device plays %d Hz/%d ch",
			chunk.Seq, format.SampleRate, format.Channels, p.format.SampleRate, p.format.Channels)
	}
	if p.OnChunk != nil {
		p.OnChunk(chunk)
	}

	played := p.queue.enqueue(pcm)
	select {
	case <-played:
		return nil
	case <-ctx.Done():
		p.queue.clear()
		return ctx.Err()
	}
}

func (p *Playback) Close() {
	if p.dev == nil {
		return
	}
	_ = p.dev.Stop()
	p.dev.Uninit()
	p.dev = nil
}

// pcmQueue feeds the device callback. Each enqueued buffer carries a channel
// closed once its last byte has been copied out.
type pcmQueue struct {
	mu      sync.Mutex
	pending []pcmBuffer
}

type pcmBuffer struct {
	data []byte
	done chan struct{}
}

func (q *pcmQueue) enqueue(pcm []byte) <-chan struct{} {
	done := make(chan struct{})
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(pcm) == 0 {
		close(done)
		return done
	}
	q.pending = append(q.pending, pcmBuffer{data: pcm, done: done})
	return done
}

// fill copies queued audio into out and pads the rest with silence.
func (q *pcmQueue) fill(out []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for n < len(out) && len(q.pending) > 0 {
		head := &q.pending[0]
		c := copy(out[n:], head.data)
		n += c
		head.data = head.data[c:]
		if len(head.data) == 0 {
			close(head.done)
			q.pending = q.pending[1:]
		}
	}
	clear(out[n:])
}

// clear drops queued audio. Waiters are released.
func (q *pcmQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, b := range q.pending {
		close(b.done)
	}
	q.pending = nil
}
