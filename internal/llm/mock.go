package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MockGenerator replies deterministically when no generation backend is
// configured. The reply is streamed word by word.
type MockGenerator struct {
	// Delay is slept between deltas.
	Delay time.Duration
}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) Name() string { return "mock" }

func (g *MockGenerator) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (string, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	reply := fmt.Sprintf("I heard you say: %s. Is there anything else?", strings.TrimRight(prompt, ".!?"))

	out := &collector{onDelta: onDelta}
	words := strings.SplitAfter(reply, " ")
	for _, w := range words {
		select {
		case <-ctx.Done():
			return out.text(), ctx.Err()
		default:
		}
		if g.Delay > 0 {
			t := time.NewTimer(g.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return out.text(), ctx.Err()
			case <-t.C:
			}
		}
		if err := out.add(w); err != nil {
			return out.text(), err
		}
	}
	return out.text(), nil
}
