package tts

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// Limited bounds the number of concurrent calls into a Synthesizer across
// every session that shares it.
type Limited struct {
	next Synthesizer
	sem  *semaphore.Weighted
}

func NewLimited(next Synthesizer, concurrency int) *Limited {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Limited{next: next, sem: semaphore.NewWeighted(int64(concurrency))}
}

func (l *Limited) Name() string { return l.next.Name() }

func (l *Limited) Synthesize(ctx context.Context, text string, voice VoiceConfig) ([]byte, error) {
	return l.SynthesizeWithin(ctx, text, voice, 0)
}

// SynthesizeWithin waits for a free slot and then gives the backend call
// timeout. Time spent waiting for the slot is not charged to the call.
func (l *Limited) SynthesizeWithin(ctx context.Context, text string, voice VoiceConfig, timeout time.Duration) ([]byte, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return SynthesizeWithin(ctx, l.next, text, voice, timeout)
}
