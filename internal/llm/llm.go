// Package llm streams assistant replies from text-generation backends.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Request is one generation call for a finalized user utterance.
type Request struct {
	SessionID string
	TurnID    string
	Prompt    string
}

// DeltaHandler receives text fragments in arrival order. A non-nil error
// stops the stream and is returned from StreamResponse.
type DeltaHandler func(delta string) error

// Generator streams a reply for req, calling onDelta for every fragment, and
// returns the concatenated text.
type Generator interface {
	Name() string
	StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (string, error)
}

// Options are the sampling settings shared by every backend.
type Options struct {
	SystemPrompt    string
	Temperature     float64
	MaxOutputTokens int
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.SystemPrompt) == "" {
		o.SystemPrompt = "You are a concise voice assistant."
	}
	if o.Temperature <= 0 {
		o.Temperature = 0.7
	}
	if o.MaxOutputTokens <= 0 {
		o.MaxOutputTokens = 300
	}
	return o
}

var ErrEmptyPrompt = errors.New("prompt is empty")

// Backend selects a generator for the non-streaming API.
type Backend string

const (
	BackendPrimary   Backend = "primary"
	BackendSecondary Backend = "secondary"
)

// ParseBackend accepts primary/secondary and the vendor aliases openai/gemini.
// An empty value selects the primary backend.
func ParseBackend(v string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "primary", "openai", "azure":
		return BackendPrimary, nil
	case "secondary", "gemini":
		return BackendSecondary, nil
	default:
		return "", fmt.Errorf("unsupported generation backend %q", v)
	}
}

// collector concatenates deltas in order while forwarding them.
type collector struct {
	sb      strings.Builder
	onDelta DeltaHandler
}

func (c *collector) add(delta string) error {
	if delta == "" {
		return nil
	}
	c.sb.WriteString(delta)
	if c.onDelta == nil {
		return nil
	}
	return c.onDelta(delta)
}

func (c *collector) text() string { return c.sb.String() }
