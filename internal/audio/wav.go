package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const wavHeaderSize = 44

var ErrNotWAV = errors.New("not a RIFF/WAVE PCM16 payload")

// EncodeWAV wraps raw PCM16LE samples in a canonical 44-byte WAV header so a
// client can play the buffer on its own.
func EncodeWAV(pcm []byte, format Format) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + len(pcm))
	if err := WriteWAVTo(&buf, pcm, format); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVTo writes pcm as a WAV stream to out.
func WriteWAVTo(out io.Writer, pcm []byte, format Format) error {
	const (
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)
	format = format.normalized()

	dataSize := uint32(len(pcm))
	byteRate := uint32(format.BytesPerSecond())
	blockAlign := uint16(format.Channels * bitsPerSample / 8)

	w := bufio.NewWriter(out)
	fields := []any{
		[4]byte{'R', 'I', 'F', 'F'},
		uint32(36) + dataSize,
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16),
		uint16(audioFormat),
		uint16(format.Channels),
		uint32(format.SampleRate),
		byteRate,
		blockAlign,
		uint16(bitsPerSample),
		[4]byte{'d', 'a', 't', 'a'},
		dataSize,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// DecodeWAV extracts PCM16 samples and their format from a WAV payload. It
// walks the chunk list, so files with LIST or fact chunks are accepted.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, Format{}, ErrNotWAV
	}
	var (
		format   Format
		haveFmt  bool
		position = 12
	)
	for position+8 <= len(data) {
		id := string(data[position : position+4])
		size := int(binary.LittleEndian.Uint32(data[position+4 : position+8]))
		body := position + 8
		if size < 0 || body+size > len(data) {
			// Streaming encoders write a placeholder size for data; take the rest.
			if id == "data" && haveFmt {
				return data[body:], format, nil
			}
			return nil, Format{}, fmt.Errorf("%w: truncated %q chunk", ErrNotWAV, id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, Format{}, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			if tag := binary.LittleEndian.Uint16(data[body : body+2]); tag != 1 {
				return nil, Format{}, fmt.Errorf("%w: format tag %d", ErrNotWAV, tag)
			}
			if bits := binary.LittleEndian.Uint16(data[body+14 : body+16]); bits != 16 {
				return nil, Format{}, fmt.Errorf("%w: %d bits per sample", ErrNotWAV, bits)
			}
			format.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, Format{}, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			return data[body : body+size], format, nil
		}
		position = body + size + size%2
	}
	return nil, Format{}, fmt.Errorf("%w: missing data chunk", ErrNotWAV)
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}
