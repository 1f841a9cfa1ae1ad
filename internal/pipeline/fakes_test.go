package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/talkback/internal/audio"
	"github.com/ent0n29/talkback/internal/llm"
	"github.com/ent0n29/talkback/internal/stt"
	"github.com/ent0n29/talkback/internal/tts"
)

// scriptGenerator streams fixed deltas. When gate is set every call waits
// for a value on it before streaming.
type scriptGenerator struct {
	deltas []string
	err    error
	gate   chan struct{}

	mu      sync.Mutex
	prompts []string
	active  atomic.Int32
	peak    atomic.Int32
}

func (g *scriptGenerator) Name() string { return "script" }

func (g *scriptGenerator) StreamResponse(ctx context.Context, req llm.Request, onDelta llm.DeltaHandler) (string, error) {
	n := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	g.mu.Lock()
	g.prompts = append(g.prompts, req.Prompt)
	g.mu.Unlock()

	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	var sb strings.Builder
	for _, d := range g.deltas {
		if err := ctx.Err(); err != nil {
			return sb.String(), err
		}
		sb.WriteString(d)
		if err := onDelta(d); err != nil {
			return sb.String(), err
		}
	}
	return sb.String(), g.err
}

func (g *scriptGenerator) seen() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

// delaySynth echoes text back as audio after delay(text). Texts listed in
// fail return an error instead.
type delaySynth struct {
	delay func(text string) time.Duration
	fail  map[string]bool
}

func (s *delaySynth) Name() string { return "delay" }

func (s *delaySynth) Synthesize(ctx context.Context, text string, _ tts.VoiceConfig) ([]byte, error) {
	if s.delay != nil {
		t := time.NewTimer(s.delay(text))
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if s.fail[strings.TrimSpace(text)] {
		return nil, errors.New("synthesis backend 500")
	}
	return []byte(text), nil
}

type recordingSink struct {
	mu     sync.Mutex
	chunks []AudioChunk
	err    error
}

func (s *recordingSink) Emit(ctx context.Context, c AudioChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.chunks = append(s.chunks, c)
	return nil
}

func (s *recordingSink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.chunks))
	for _, c := range s.chunks {
		out = append(out, strings.TrimSpace(c.Text))
	}
	return out
}

type summaryRecorder struct {
	mu        sync.Mutex
	summaries []TurnSummary
	notify    chan TurnSummary
}

func newSummaryRecorder() *summaryRecorder {
	return &summaryRecorder{notify: make(chan TurnSummary, 64)}
}

func (r *summaryRecorder) RecordTurn(_ context.Context, s TurnSummary) error {
	r.mu.Lock()
	r.summaries = append(r.summaries, s)
	r.mu.Unlock()
	r.notify <- s
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Notify(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(t EventType, reason string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t && (reason == "" || e.Reason == reason) {
			n++
		}
	}
	return n
}

// frameSource pushes n frames whose first byte is the frame index, then
// either returns or waits for ctx.
type frameSource struct {
	n        int
	block    bool
	returned atomic.Bool
}

func (s *frameSource) Run(ctx context.Context, q *audio.FrameQueue) error {
	defer s.returned.Store(true)
	for i := 0; i < s.n; i++ {
		if err := q.Push(ctx, audio.NewFrame([]byte{byte(i), 0}, audio.DefaultFormat, uint64(i))); err != nil {
			return err
		}
	}
	if s.block {
		<-ctx.Done()
	}
	return nil
}

// scriptedStream is a transcription connection driven by the test.
type scriptedStream struct {
	mu        sync.Mutex
	events    chan stt.Event
	sent      [][]byte
	failAfter int
	err       error
	closed    bool
	onSend    func(s *scriptedStream, n int)
}

func newScriptedStream(failAfter int) *scriptedStream {
	return &scriptedStream{events: make(chan stt.Event, 16), failAfter: failAfter}
}

func (s *scriptedStream) SendAudio(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("send on closed stream")
	}
	if s.failAfter > 0 && len(s.sent) >= s.failAfter {
		s.err = errors.New("connection reset by peer")
		s.mu.Unlock()
		_ = s.Close()
		return s.err
	}
	s.sent = append(s.sent, append([]byte(nil), pcm...))
	n := len(s.sent)
	hook := s.onSend
	s.mu.Unlock()
	if hook != nil {
		hook(s, n)
	}
	return nil
}

func (s *scriptedStream) Finish(context.Context) error { return s.Close() }

func (s *scriptedStream) Events() <-chan stt.Event { return s.events }

func (s *scriptedStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *scriptedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *scriptedStream) frames() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, 0, len(s.sent))
	for _, p := range s.sent {
		out = append(out, p[0])
	}
	return out
}

// scriptedProvider hands out prepared streams, then fails every dial.
type scriptedProvider struct {
	mu      sync.Mutex
	streams []*scriptedStream
	dialErr error
	dials   int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Start(context.Context, audio.Format) (stt.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dials++
	if len(p.streams) == 0 {
		if p.dialErr != nil {
			return nil, p.dialErr
		}
		return nil, &stt.DialError{Status: 503, Err: errors.New("unavailable")}
	}
	s := p.streams[0]
	p.streams = p.streams[1:]
	return s, nil
}

func (s *scriptedStream) push(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- ev
	}
}
