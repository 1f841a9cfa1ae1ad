// Package tts turns text chunks into self-describing audio buffers.
package tts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/talkback/internal/reliability"
)

// VoiceConfig selects the voice and its expressiveness for one request.
type VoiceConfig struct {
	VoiceID    string
	ModelID    string
	Stability  float64
	Similarity float64
}

// Synthesizer performs one blocking synthesis round trip. The returned buffer
// is a WAV container that a sink can play without extra metadata.
// Implementations must be safe for concurrent use.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text string, voice VoiceConfig) ([]byte, error)
}

// TimedSynthesizer is implemented by synthesizers that admit calls before
// running them and start the per-call timeout only once a call is admitted.
type TimedSynthesizer interface {
	SynthesizeWithin(ctx context.Context, text string, voice VoiceConfig, timeout time.Duration) ([]byte, error)
}

// SynthesizeWithin runs one synthesis call bounded by timeout. A zero
// timeout leaves ctx as the only bound.
func SynthesizeWithin(ctx context.Context, s Synthesizer, text string, voice VoiceConfig, timeout time.Duration) ([]byte, error) {
	if t, ok := s.(TimedSynthesizer); ok {
		return t.SynthesizeWithin(ctx, text, voice, timeout)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.Synthesize(ctx, text, voice)
}

var ErrEmptyText = errors.New("synthesis text is empty")

// StatusError is a non-2xx answer from a synthesis backend.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s http status %d: %s", e.Provider, e.Status, e.Body)
}

func (e *StatusError) Retryable() bool { return reliability.IsRetryableHTTPStatus(e.Status) }

func clamp01(v, fallback float64) float64 {
	if v <= 0 {
		v = fallback
	}
	if v > 1 {
		return 1
	}
	return v
}
