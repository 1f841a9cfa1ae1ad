package tts

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ent0n29/talkback/internal/audio"
)

// Mock returns silence sized to the text length, standing in for a real
// voice when no synthesis key is configured.
type Mock struct {
	Format audio.Format
	// PerRune is the audio duration produced per character.
	PerRune time.Duration
}

func NewMock() *Mock {
	return &Mock{Format: audio.DefaultFormat, PerRune: 20 * time.Millisecond}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Synthesize(ctx context.Context, text string, _ VoiceConfig) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	format := m.Format
	if format.SampleRate <= 0 {
		format = audio.DefaultFormat
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	d := time.Duration(utf8.RuneCountInString(text)) * m.PerRune
	samples := int(d.Seconds()*float64(format.SampleRate)) * format.Channels
	return audio.EncodeWAV(make([]byte, samples*2), format)
}
