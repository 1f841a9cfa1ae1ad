// Package stt holds the transcription backends used by the conversation
// pipeline: a persistent streaming connection for live audio and a one-shot
// file transcriber for uploads.
package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/talkback/internal/audio"
	"github.com/ent0n29/talkback/internal/reliability"
)

// Event is one transcript update. Partial events (IsFinal=false) are
// informational; a final event with text starts a response turn.
type Event struct {
	Text    string
	IsFinal bool
	// SpeechFinal is set when the backend also detected end of speech.
	SpeechFinal bool
	// Err carries a backend message that could not be decoded. Such events
	// have no transcript and do not end the stream.
	Err error
}

// Stream is one live transcription connection.
type Stream interface {
	// SendAudio forwards PCM16 samples. Calls must not be concurrent.
	SendAudio(ctx context.Context, pcm []byte) error
	// Finish tells the backend no more audio follows; it flushes pending
	// transcripts and then closes Events.
	Finish(ctx context.Context) error
	// Events is closed when the connection ends.
	Events() <-chan Event
	// Err reports why Events closed; nil for a clean close.
	Err() error
	Close() error
}

// Provider opens live transcription connections.
type Provider interface {
	Name() string
	Start(ctx context.Context, format audio.Format) (Stream, error)
}

// FileTranscriber transcribes a complete uploaded recording.
type FileTranscriber interface {
	TranscribeFile(ctx context.Context, data []byte, contentType string) (string, error)
}

var ErrDecode = errors.New("malformed transcription message")

// DialError reports a failed connection attempt, with the HTTP status of the
// handshake response when there was one.
type DialError struct {
	Status int
	Err    error
}

func (e *DialError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transcription dial failed with status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transcription dial failed: %v", e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// Retryable is false for handshake rejections such as bad credentials.
func (e *DialError) Retryable() bool {
	if e.Status == 0 {
		return true
	}
	return reliability.IsRetryableHTTPStatus(e.Status)
}

// IsPermanent reports whether err is a dial failure that a reconnect cannot fix.
func IsPermanent(err error) bool {
	var dialErr *DialError
	return errors.As(err, &dialErr) && !dialErr.Retryable()
}
