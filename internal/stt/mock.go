package stt

import (
	"context"
	"errors"
	"sync"

	"github.com/ent0n29/talkback/internal/audio"
)

// MockProvider is a local fallback used when no transcription key is set.
// Every FramesPerUtterance frames it commits Utterance as a final transcript.
type MockProvider struct {
	Utterance          string
	FramesPerUtterance int
}

func NewMockProvider() *MockProvider {
	return &MockProvider{Utterance: "simulated voice input", FramesPerUtterance: 100}
}

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) Start(_ context.Context, _ audio.Format) (Stream, error) {
	every := p.FramesPerUtterance
	if every <= 0 {
		every = 100
	}
	return &mockStream{events: make(chan Event, 64), every: every, utterance: p.Utterance}, nil
}

type mockStream struct {
	mu        sync.Mutex
	events    chan Event
	every     int
	frames    int
	utterance string
	closed    bool
}

var errMockClosed = errors.New("mock transcription stream closed")

func (s *mockStream) SendAudio(ctx context.Context, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errMockClosed
	}
	s.frames++
	if s.frames%s.every != 0 {
		return nil
	}
	for _, ev := range []Event{{Text: "..."}, {Text: s.utterance, IsFinal: true, SpeechFinal: true}} {
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *mockStream) Finish(context.Context) error { return s.Close() }

func (s *mockStream) Events() <-chan Event { return s.events }

func (s *mockStream) Err() error { return nil }

func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// MockFileTranscriber returns a fixed transcript for any upload.
type MockFileTranscriber struct {
	Transcript string
}

func (t MockFileTranscriber) TranscribeFile(_ context.Context, data []byte, _ string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty audio upload")
	}
	if t.Transcript == "" {
		return "simulated voice input", nil
	}
	return t.Transcript, nil
}
