package llm

import (
	"context"
	"errors"
	"fmt"
)

// Fallback tries the primary generator and switches to the secondary one when
// the primary fails before producing any text. Once a delta has been handed
// to the caller the turn is committed to the primary.
type Fallback struct {
	primary   Generator
	secondary Generator
}

func NewFallback(primary, secondary Generator) *Fallback {
	return &Fallback{primary: primary, secondary: secondary}
}

func (f *Fallback) Name() string {
	if f.secondary == nil {
		return f.primary.Name()
	}
	return f.primary.Name() + "+" + f.secondary.Name()
}

func (f *Fallback) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (string, error) {
	if f.primary == nil {
		if f.secondary == nil {
			return "", errors.New("fallback generator misconfigured")
		}
		return f.secondary.StreamResponse(ctx, req, onDelta)
	}

	var emitted bool
	text, err := f.primary.StreamResponse(ctx, req, func(delta string) error {
		emitted = true
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	})
	if err == nil || emitted || f.secondary == nil {
		return text, err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrEmptyPrompt) {
		return "", err
	}

	logger().Warn("primary generator failed, using secondary",
		"primary", f.primary.Name(), "secondary", f.secondary.Name(), "turn_id", req.TurnID, "error", err)
	text, fallbackErr := f.secondary.StreamResponse(ctx, req, onDelta)
	if fallbackErr != nil {
		return text, fmt.Errorf("primary generator error: %w; secondary generator error: %v", err, fallbackErr)
	}
	return text, nil
}
