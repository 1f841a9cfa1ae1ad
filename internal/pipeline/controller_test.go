package pipeline

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/talkback/internal/audio"
	"github.com/ent0n29/talkback/internal/llm"
	"github.com/ent0n29/talkback/internal/stt"
	"github.com/ent0n29/talkback/internal/tts"
)

func testEngine(provider stt.Provider, reconnects int) *Engine {
	return NewEngine(EngineConfig{
		Transcriber:             provider,
		Generator:               llm.NewMockGenerator(),
		Synthesizer:             tts.NewMock(),
		Chunking:                DefaultChunkPolicy(),
		QueueSize:               8,
		Overflow:                audio.OverflowBlock,
		TranscriptionReconnects: reconnects,
	})
}

func TestControllerPlaysReplyAndEndsWhenSourceDrains(t *testing.T) {
	provider := &stt.MockProvider{Utterance: "what's the weather", FramesPerUtterance: 5}
	sink := &recordingSink{}
	events := &eventLog{}
	c := testEngine(provider, 0).NewController("s-1", &frameSource{n: 5}, sink, events, "")

	var closedWith error
	closed := make(chan struct{})
	c.OnClose = func(err error) { closedWith = err; close(closed) }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	<-closed
	if closedWith != nil {
		t.Fatalf("OnClose error = %v, want nil", closedWith)
	}
	if len(sink.texts()) == 0 {
		t.Fatalf("no audio played for the final transcript")
	}
	if events.count(EventTurnEnded, string(OutcomeCompleted)) != 1 {
		t.Fatalf("turn_ended completed events = %d, want 1", events.count(EventTurnEnded, string(OutcomeCompleted)))
	}
	if !audio.IsWAV(sink.chunks[0].Audio) {
		t.Fatalf("played chunk is not a WAV buffer")
	}
}

func TestTranscriptionDropClosesSessionWithoutLeak(t *testing.T) {
	before := runtime.NumGoroutine()

	stream := newScriptedStream(2)
	provider := &scriptedProvider{streams: []*scriptedStream{stream}}
	source := &frameSource{n: 4, block: true}
	c := testEngine(provider, 1).NewController("s-2", source, &recordingSink{}, nil, "")
	c.bridge.cfg.BackoffBase = time.Millisecond
	c.bridge.cfg.BackoffCap = time.Millisecond

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	var err error
	select {
	case err = <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("session did not close after transcription loss")
	}
	if !IsKind(err, KindTranscription) {
		t.Fatalf("Run() error = %v, want transcription failure", err)
	}
	if !source.returned.Load() {
		t.Fatalf("audio source still running after session close")
	}
	if provider.dials != 2 {
		t.Fatalf("dials = %d, want 1 + 1 reconnect", provider.dials)
	}

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := runtime.NumGoroutine(); n > before {
		t.Fatalf("goroutines = %d after close, want <= %d", n, before)
	}
}

// droppingProvider accepts every dial and hands out a connection that is
// already gone.
type droppingProvider struct {
	dials atomic.Int32
}

func (p *droppingProvider) Name() string { return "dropping" }

func (p *droppingProvider) Start(context.Context, audio.Format) (stt.Stream, error) {
	p.dials.Add(1)
	s := newScriptedStream(0)
	s.err = errors.New("connection reset by peer")
	_ = s.Close()
	return s, nil
}

func TestConnectionsDroppingRightAfterDialEndSession(t *testing.T) {
	provider := &droppingProvider{}
	c := testEngine(provider, 2).NewController("s-8", &frameSource{block: true}, &recordingSink{}, nil, "")
	c.bridge.cfg.BackoffBase = time.Millisecond
	c.bridge.cfg.BackoffCap = time.Millisecond

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case err := <-done:
		if !IsKind(err, KindTranscription) {
			t.Fatalf("Run() error = %v, want transcription failure", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("session kept reconnecting, dials = %d", provider.dials.Load())
	}
	if n := provider.dials.Load(); n != 3 {
		t.Fatalf("dials = %d, want 1 + 2 reconnects", n)
	}
}

func TestRelayingConnectionResetsReconnectBudget(t *testing.T) {
	// Each connection forwards one frame and then fails; every drop after
	// progress starts a fresh budget, so all four connections are used.
	streams := []*scriptedStream{newScriptedStream(1), newScriptedStream(1), newScriptedStream(1), newScriptedStream(0)}
	provider := &scriptedProvider{streams: streams}

	q := audio.NewFrameQueue(8, audio.OverflowBlock)
	for i := 0; i < 4; i++ {
		_ = q.Push(context.Background(), audio.NewFrame([]byte{byte(i), 0}, audio.DefaultFormat, uint64(i)))
	}
	q.Close()

	b := NewTranscriptionBridge("s-9", TranscriptionConfig{Provider: provider, Reconnects: 1, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond})
	if err := b.Run(context.Background(), q, make(chan TranscriptEvent, 8)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if provider.dials != 4 {
		t.Fatalf("dials = %d, want 4", provider.dials)
	}
}

// gatedProvider delays every dial until gate is closed.
type gatedProvider struct {
	gate chan struct{}
	next stt.Provider
}

func (p *gatedProvider) Name() string { return p.next.Name() }

func (p *gatedProvider) Start(ctx context.Context, format audio.Format) (stt.Stream, error) {
	select {
	case <-p.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.next.Start(ctx, format)
}

// burstSource pushes n frames without waiting for the consumer, then opens
// the gate.
type burstSource struct {
	n    int
	gate chan struct{}
}

func (s burstSource) Run(ctx context.Context, q *audio.FrameQueue) error {
	defer close(s.gate)
	for i := 0; i < s.n; i++ {
		if err := q.Push(ctx, audio.NewFrame([]byte{byte(i), 0}, audio.DefaultFormat, uint64(i))); err != nil {
			return err
		}
	}
	return nil
}

func TestControllerCountsDroppedFrames(t *testing.T) {
	gate := make(chan struct{})
	provider := &gatedProvider{gate: gate, next: &stt.MockProvider{FramesPerUtterance: 1000}}
	c := testEngine(provider, 0).NewController("s-10", burstSource{n: 12, gate: gate}, &recordingSink{}, nil, audio.OverflowDropOldest)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := c.FramesDropped(); got != 4 {
		t.Fatalf("FramesDropped() = %d, want 4", got)
	}
}

func TestPermanentDialErrorEndsSessionImmediately(t *testing.T) {
	provider := &scriptedProvider{dialErr: &stt.DialError{Status: 401, Err: errors.New("bad key")}}
	c := testEngine(provider, 5).NewController("s-3", &frameSource{block: true}, &recordingSink{}, nil, "")

	err := c.Run(context.Background())
	if !IsKind(err, KindTranscription) {
		t.Fatalf("Run() error = %v, want transcription failure", err)
	}
	if provider.dials != 1 {
		t.Fatalf("dials = %d, want 1", provider.dials)
	}
}

func TestReconnectResendsUnsentFrameInOrder(t *testing.T) {
	first := newScriptedStream(2)
	second := newScriptedStream(0)
	provider := &scriptedProvider{streams: []*scriptedStream{first, second}}

	q := audio.NewFrameQueue(8, audio.OverflowBlock)
	for i := 0; i < 5; i++ {
		_ = q.Push(context.Background(), audio.NewFrame([]byte{byte(i), 0}, audio.DefaultFormat, uint64(i)))
	}
	q.Close()

	b := NewTranscriptionBridge("s-4", TranscriptionConfig{Provider: provider, Reconnects: 1, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond})
	out := make(chan TranscriptEvent, 8)
	if err := b.Run(context.Background(), q, out); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := first.frames(); !bytes.Equal(got, []byte{0, 1}) {
		t.Fatalf("first connection frames = %v, want [0 1]", got)
	}
	if got := second.frames(); !bytes.Equal(got, []byte{2, 3, 4}) {
		t.Fatalf("second connection frames = %v, want [2 3 4]", got)
	}
}

func TestMalformedMessageIsSkipped(t *testing.T) {
	stream := newScriptedStream(0)
	stream.onSend = func(s *scriptedStream, n int) {
		if n == 1 {
			s.push(stt.Event{Err: stt.ErrDecode})
			s.push(stt.Event{Text: "hello", IsFinal: true})
		}
	}
	provider := &scriptedProvider{streams: []*scriptedStream{stream}}

	q := audio.NewFrameQueue(4, audio.OverflowBlock)
	_ = q.Push(context.Background(), audio.NewFrame([]byte{0, 0}, audio.DefaultFormat, 0))
	q.Close()

	b := NewTranscriptionBridge("s-5", TranscriptionConfig{Provider: provider})
	out := make(chan TranscriptEvent, 8)
	if err := b.Run(context.Background(), q, out); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	var got []TranscriptEvent
	for ev := range out {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].Text != "hello" || !got[0].IsFinal {
		t.Fatalf("events = %+v, want only the final transcript", got)
	}
}

func TestIngestionFailureIsClassified(t *testing.T) {
	provider := &stt.MockProvider{FramesPerUtterance: 1000}
	c := testEngine(provider, 0).NewController("s-6", failingSource{}, &recordingSink{}, nil, "")
	if err := c.Run(context.Background()); !IsKind(err, KindIngestion) {
		t.Fatalf("Run() error = %v, want ingestion failure", err)
	}
}

func TestDisconnectIsCleanEnd(t *testing.T) {
	provider := &stt.MockProvider{FramesPerUtterance: 1000}
	c := testEngine(provider, 0).NewController("s-7", disconnectSource{}, &recordingSink{}, nil, "")
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
}

type failingSource struct{}

func (failingSource) Run(context.Context, *audio.FrameQueue) error {
	return errors.New("device unplugged")
}

type disconnectSource struct{}

func (disconnectSource) Run(context.Context, *audio.FrameQueue) error { return ErrDisconnected }

func TestEngineWithBusyLeavesOriginal(t *testing.T) {
	base := NewEngine(EngineConfig{Busy: BusyQueue})
	drop := base.WithBusy(BusyDrop)

	if got := drop.NewResponder("s-11", &recordingSink{}, nil).cfg.Busy; got != BusyDrop {
		t.Fatalf("WithBusy responder policy = %q, want drop", got)
	}
	if got := base.NewResponder("s-12", &recordingSink{}, nil).cfg.Busy; got != BusyQueue {
		t.Fatalf("original responder policy = %q, want queue", got)
	}
}
