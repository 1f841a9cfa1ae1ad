// Package pipeline coordinates one spoken conversation: captured audio is
// transcribed, each final utterance drives a generation turn, and the reply
// is chunked, synthesized concurrently and played back in order.
package pipeline

import (
	"context"
	"time"

	"github.com/ent0n29/talkback/internal/audio"
)

// AudioSource produces captured frames into q until its transport ends.
// Run returns nil or ErrDisconnected on a normal end and any other error on
// a device or transport failure. It must not close q.
type AudioSource interface {
	Run(ctx context.Context, q *audio.FrameQueue) error
}

// AudioChunk is the synthesized audio for exactly one text chunk of a turn.
type AudioChunk struct {
	TurnID string
	Seq    int
	Text   string
	// Audio is a WAV buffer.
	Audio []byte
}

// PlaybackSink receives audio chunks in turn order. Emit must honor ctx.
type PlaybackSink interface {
	Emit(ctx context.Context, chunk AudioChunk) error
}

// TranscriptEvent is a decoded transcription update.
type TranscriptEvent struct {
	Text    string
	IsFinal bool
}

type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeGenerationFailed Outcome = "generation_failed"
	OutcomePlaybackFailed   Outcome = "playback_failed"
	OutcomeCancelled        Outcome = "cancelled"
)

// TurnSummary describes a finished turn.
type TurnSummary struct {
	SessionID  string
	TurnID     string
	Transcript string
	Response   string
	Outcome    Outcome
	Chunks     int
	Played     int
	Skipped    int
	StartedAt  time.Time
	FirstText  time.Duration
	FirstAudio time.Duration
	Total      time.Duration
}

// TurnRecorder persists finished turns.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, summary TurnSummary) error
}
