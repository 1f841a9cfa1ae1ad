package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure by the scope it affects.
type Kind string

const (
	// KindIngestion and KindTranscription end the session.
	KindIngestion     Kind = "ingestion"
	KindTranscription Kind = "transcription"
	// KindGeneration aborts the current turn.
	KindGeneration Kind = "generation"
	// KindSynthesis skips one chunk.
	KindSynthesis Kind = "synthesis"
	// KindPlayback aborts the rest of the current turn's emission.
	KindPlayback Kind = "playback"
	// KindProtocolDecode drops one backend message.
	KindProtocolDecode Kind = "protocol_decode"
)

// Error is a classified pipeline failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s failure: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s failure: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether any error in err's chain is a pipeline Error of kind.
func IsKind(err error, kind Kind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}

// ErrDisconnected is returned by an AudioSource when its transport closed
// normally. The controller treats it as a clean session end.
var ErrDisconnected = errors.New("transport disconnected")
