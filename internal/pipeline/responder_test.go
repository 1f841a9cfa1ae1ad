package pipeline

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/talkback/internal/tts"
)

func newTestResponder(gen *scriptGenerator, synth *delaySynth, sink *recordingSink, busy BusyPolicy) (*Responder, *summaryRecorder, *eventLog) {
	rec := newSummaryRecorder()
	log := &eventLog{}
	r := NewResponder("s-1", ResponderConfig{
		Generator:         gen,
		Synthesizer:       synth,
		Chunking:          DefaultChunkPolicy(),
		Busy:              busy,
		GenerationTimeout: 5 * time.Second,
		SynthesisTimeout:  5 * time.Second,
		Recorder:          rec,
	}, sink, log)
	return r, rec, log
}

func newTimedResponder(gen *scriptGenerator, synth tts.Synthesizer, sink *recordingSink, genTimeout, synthTimeout time.Duration) (*Responder, *eventLog) {
	log := &eventLog{}
	r := NewResponder("s-1", ResponderConfig{
		Generator:         gen,
		Synthesizer:       synth,
		Chunking:          DefaultChunkPolicy(),
		Busy:              BusyQueue,
		GenerationTimeout: genTimeout,
		SynthesisTimeout:  synthTimeout,
	}, sink, log)
	return r, log
}

func lockFree(r *Responder) bool {
	if !r.Lock().TryAcquire() {
		return false
	}
	r.Lock().Release()
	return true
}

func waitSummary(t *testing.T, rec *summaryRecorder) TurnSummary {
	t.Helper()
	select {
	case s := <-rec.notify:
		return s
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for turn summary")
		return TurnSummary{}
	}
}

func TestRespondPlaysInChunkOrderDespiteReversedSynthesis(t *testing.T) {
	gen := &scriptGenerator{deltas: []string{"One. ", "Two. ", "Three. ", "Four."}}
	delays := map[string]time.Duration{"One. ": 80 * time.Millisecond, "Two. ": 50 * time.Millisecond, "Three. ": 20 * time.Millisecond}
	synth := &delaySynth{delay: func(text string) time.Duration { return delays[text] }}
	sink := &recordingSink{}
	r, _, _ := newTestResponder(gen, synth, sink, BusyQueue)

	summary, err := r.Respond(context.Background(), "count to four")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	want := []string{"One.", "Two.", "Three.", "Four."}
	if got := sink.texts(); !reflect.DeepEqual(got, want) {
		t.Fatalf("played = %q, want %q", got, want)
	}
	for i, c := range sink.chunks {
		if c.Seq != i {
			t.Fatalf("chunk %d has seq %d", i, c.Seq)
		}
	}
	if summary.Outcome != OutcomeCompleted || summary.Chunks != 4 || summary.Played != 4 {
		t.Fatalf("summary = %+v, want completed 4/4", summary)
	}
	if summary.Response != "One. Two. Three. Four." {
		t.Fatalf("response = %q", summary.Response)
	}
	if !lockFree(r) {
		t.Fatalf("turn lock still held after Respond")
	}
}

func TestSynthesisFailureSkipsOnlyThatChunk(t *testing.T) {
	gen := &scriptGenerator{deltas: []string{"One. ", "Two. ", "Three."}}
	synth := &delaySynth{fail: map[string]bool{"Two.": true}}
	sink := &recordingSink{}
	r, _, _ := newTestResponder(gen, synth, sink, BusyQueue)

	summary, err := r.Respond(context.Background(), "go")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if got, want := sink.texts(), []string{"One.", "Three."}; !reflect.DeepEqual(got, want) {
		t.Fatalf("played = %q, want %q", got, want)
	}
	if summary.Outcome != OutcomeCompleted || summary.Skipped != 1 {
		t.Fatalf("summary = %+v, want completed with 1 skipped", summary)
	}
}

func TestSynthesisTimeoutSkipsOnlyThatChunk(t *testing.T) {
	gen := &scriptGenerator{deltas: []string{"One. ", "Two. ", "Three."}}
	synth := &delaySynth{delay: func(text string) time.Duration {
		if strings.TrimSpace(text) == "Two." {
			return 2 * time.Second
		}
		return 0
	}}
	sink := &recordingSink{}
	r, _ := newTimedResponder(gen, synth, sink, 5*time.Second, 100*time.Millisecond)

	summary, err := r.Respond(context.Background(), "go")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if got, want := sink.texts(), []string{"One.", "Three."}; !reflect.DeepEqual(got, want) {
		t.Fatalf("played = %q, want %q", got, want)
	}
	if summary.Outcome != OutcomeCompleted || summary.Skipped != 1 {
		t.Fatalf("summary = %+v, want completed with 1 skipped", summary)
	}
}

func TestSynthesisTimeoutExcludesLimiterWait(t *testing.T) {
	gen := &scriptGenerator{deltas: []string{"One. ", "Two. ", "Three. ", "Four. ", "Five."}}
	synth := tts.NewLimited(&delaySynth{delay: func(string) time.Duration { return 100 * time.Millisecond }}, 1)
	sink := &recordingSink{}
	r, _ := newTimedResponder(gen, synth, sink, 5*time.Second, 250*time.Millisecond)

	summary, err := r.Respond(context.Background(), "count to five")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	want := []string{"One.", "Two.", "Three.", "Four.", "Five."}
	if got := sink.texts(); !reflect.DeepEqual(got, want) {
		t.Fatalf("played = %q, want %q", got, want)
	}
	if summary.Skipped != 0 {
		t.Fatalf("skipped = %d, want 0", summary.Skipped)
	}
}

func TestGenerationTimeoutAbortsTurnAndReleasesLock(t *testing.T) {
	gen := &scriptGenerator{deltas: []string{"Never sent."}, gate: make(chan struct{})}
	sink := &recordingSink{}
	r, log := newTimedResponder(gen, &delaySynth{}, sink, 100*time.Millisecond, 5*time.Second)

	start := time.Now()
	summary, err := r.Respond(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Respond() took %v, want the generation timeout to end it", elapsed)
	}
	if summary.Outcome != OutcomeGenerationFailed {
		t.Fatalf("outcome = %q, want generation_failed", summary.Outcome)
	}
	if len(sink.texts()) != 0 {
		t.Fatalf("played = %q, want nothing", sink.texts())
	}
	if log.count(EventError, string(KindGeneration)) != 1 {
		t.Fatalf("generation error event not emitted")
	}
	if !lockFree(r) {
		t.Fatalf("turn lock still held after timed out turn")
	}
}

func TestGenerationFailureAbortsTurnAndReleasesLock(t *testing.T) {
	gen := &scriptGenerator{deltas: []string{"Partial "}, err: errors.New("upstream 502")}
	sink := &recordingSink{}
	r, _, log := newTestResponder(gen, &delaySynth{}, sink, BusyQueue)

	summary, err := r.Respond(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if summary.Outcome != OutcomeGenerationFailed {
		t.Fatalf("outcome = %q, want generation_failed", summary.Outcome)
	}
	if len(sink.texts()) != 0 {
		t.Fatalf("played = %q, want nothing after generation failure", sink.texts())
	}
	if log.count(EventError, string(KindGeneration)) != 1 {
		t.Fatalf("generation error event not emitted")
	}
	if !lockFree(r) {
		t.Fatalf("turn lock still held after failed turn")
	}
}

func TestPlaybackFailureAbandonsTurn(t *testing.T) {
	gen := &scriptGenerator{deltas: []string{"One. ", "Two."}}
	sink := &recordingSink{err: errors.New("broken pipe")}
	r, _, _ := newTestResponder(gen, &delaySynth{}, sink, BusyQueue)

	summary, _ := r.Respond(context.Background(), "hello")
	if summary.Outcome != OutcomePlaybackFailed {
		t.Fatalf("outcome = %q, want playback_failed", summary.Outcome)
	}
}

func runResponder(t *testing.T, r *Responder, events chan TranscriptEvent) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, events) }()
	return cancel, done
}

func TestBusyQueueKeepsNewestPending(t *testing.T) {
	gen := &scriptGenerator{deltas: []string{"Ok."}, gate: make(chan struct{})}
	sink := &recordingSink{}
	r, rec, log := newTestResponder(gen, &delaySynth{}, sink, BusyQueue)

	events := make(chan TranscriptEvent)
	cancel, done := runResponder(t, r, events)
	defer cancel()

	events <- TranscriptEvent{Text: "first", IsFinal: true}
	events <- TranscriptEvent{Text: "second", IsFinal: true}
	events <- TranscriptEvent{Text: "third", IsFinal: true}
	close(events)

	gen.gate <- struct{}{}
	if s := waitSummary(t, rec); s.Transcript != "first" || s.Outcome != OutcomeCompleted {
		t.Fatalf("first turn = %+v", s)
	}
	gen.gate <- struct{}{}
	if s := waitSummary(t, rec); s.Transcript != "third" {
		t.Fatalf("queued turn transcript = %q, want third", s.Transcript)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := gen.seen(); !reflect.DeepEqual(got, []string{"first", "third"}) {
		t.Fatalf("prompts = %q, want [first third]", got)
	}
	if n := log.count(EventTurnBusy, "queued"); n != 2 {
		t.Fatalf("busy queued events = %d, want 2", n)
	}
}

func TestBusyDropDiscardsWhileActive(t *testing.T) {
	gen := &scriptGenerator{deltas: []string{"Ok."}, gate: make(chan struct{})}
	r, rec, log := newTestResponder(gen, &delaySynth{}, &recordingSink{}, BusyDrop)

	events := make(chan TranscriptEvent)
	cancel, done := runResponder(t, r, events)
	defer cancel()

	events <- TranscriptEvent{Text: "first", IsFinal: true}
	events <- TranscriptEvent{Text: "second", IsFinal: true}
	close(events)
	gen.gate <- struct{}{}
	waitSummary(t, rec)
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := gen.seen(); !reflect.DeepEqual(got, []string{"first"}) {
		t.Fatalf("prompts = %q, want [first]", got)
	}
	if log.count(EventTurnBusy, "dropped") != 1 {
		t.Fatalf("busy dropped event not emitted")
	}
}

func TestAtMostOneTurnActive(t *testing.T) {
	gen := &scriptGenerator{deltas: []string{"Sure. ", "Done."}}
	synth := &delaySynth{delay: func(string) time.Duration { return time.Millisecond }}
	r, _, _ := newTestResponder(gen, synth, &recordingSink{}, BusyQueue)

	events := make(chan TranscriptEvent, 64)
	cancel, done := runResponder(t, r, events)
	defer cancel()
	for i := 0; i < 50; i++ {
		events <- TranscriptEvent{Text: "again", IsFinal: true}
	}
	close(events)
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if peak := gen.peak.Load(); peak != 1 {
		t.Fatalf("peak concurrent turns = %d, want 1", peak)
	}
}

func TestPartialAndEmptyFinalsDoNotStartTurns(t *testing.T) {
	gen := &scriptGenerator{deltas: []string{"Ok."}}
	r, _, log := newTestResponder(gen, &delaySynth{}, &recordingSink{}, BusyQueue)

	events := make(chan TranscriptEvent, 4)
	events <- TranscriptEvent{Text: "hel"}
	events <- TranscriptEvent{Text: "   ", IsFinal: true}
	close(events)
	cancel, done := runResponder(t, r, events)
	defer cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(gen.seen()) != 0 {
		t.Fatalf("prompts = %q, want none", gen.seen())
	}
	if log.count(EventTranscriptPartial, "") != 1 {
		t.Fatalf("partial event not forwarded")
	}
}

func TestCancelMidTurnReleasesLock(t *testing.T) {
	gen := &scriptGenerator{deltas: []string{"Never."}, gate: make(chan struct{})}
	r, rec, _ := newTestResponder(gen, &delaySynth{}, &recordingSink{}, BusyQueue)

	events := make(chan TranscriptEvent)
	cancel, done := runResponder(t, r, events)
	events <- TranscriptEvent{Text: "hello", IsFinal: true}
	for len(gen.seen()) == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run() did not return after cancel")
	}
	if s := waitSummary(t, rec); s.Outcome != OutcomeCancelled {
		t.Fatalf("outcome = %q, want cancelled", s.Outcome)
	}
	if !lockFree(r) {
		t.Fatalf("turn lock held after cancellation")
	}
}

func TestParseBusyPolicy(t *testing.T) {
	if p, err := ParseBusyPolicy(""); err != nil || p != BusyQueue {
		t.Fatalf("ParseBusyPolicy(\"\") = (%q, %v), want queue", p, err)
	}
	if _, err := ParseBusyPolicy("cancel"); err == nil {
		t.Fatalf("ParseBusyPolicy(cancel) error = nil, want error")
	}
}
