package reliability

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// IsRetryableHTTPStatus reports whether a backend answer (or a websocket
// handshake rejection) may succeed on another attempt.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 425, 429:
		return true
	case 501, 505:
		return false
	}
	return code >= 500 && code <= 599
}

// IsTransientNetError reports network failures that a fresh request can
// recover from. Context cancellation and deadlines are never transient.
func IsTransientNetError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

type transientError struct {
	err error
}

func (e transientError) Error() string   { return e.err.Error() }
func (e transientError) Unwrap() error   { return e.err }
func (e transientError) Retryable() bool { return true }

// MarkTransient wraps err so Do retries it when IsTransientNetError holds.
// Other errors are returned unchanged.
func MarkTransient(err error) error {
	if IsTransientNetError(err) {
		return transientError{err: err}
	}
	return err
}
