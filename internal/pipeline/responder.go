package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ent0n29/talkback/internal/llm"
	"github.com/ent0n29/talkback/internal/observability"
	"github.com/ent0n29/talkback/internal/tts"
)

// BusyPolicy decides what happens to a final transcript that arrives while
// a turn holds the TurnLock. The active turn is never cancelled.
type BusyPolicy string

const (
	// BusyQueue keeps the transcript in a single pending slot. A newer
	// transcript overwrites an older pending one.
	BusyQueue BusyPolicy = "queue"
	// BusyDrop discards the transcript.
	BusyDrop BusyPolicy = "drop"
)

func ParseBusyPolicy(v string) (BusyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "queue":
		return BusyQueue, nil
	case "drop":
		return BusyDrop, nil
	default:
		return "", fmt.Errorf("unsupported busy policy %q", v)
	}
}

const recordTimeout = 2 * time.Second

// ResponderConfig holds the collaborators shared by every turn of a session.
type ResponderConfig struct {
	Generator         llm.Generator
	Synthesizer       tts.Synthesizer
	Voice             tts.VoiceConfig
	Chunking          ChunkPolicy
	Busy              BusyPolicy
	GenerationTimeout time.Duration
	SynthesisTimeout  time.Duration
	Metrics           *observability.Metrics
	Recorder          TurnRecorder
}

// Responder turns final transcripts into spoken replies for one session.
type Responder struct {
	cfg       ResponderConfig
	sessionID string
	lock      *TurnLock
	sink      PlaybackSink
	notify    Notifier

	// OnTurnStart and OnTurnEnd let the session registry track the active turn.
	OnTurnStart func(turnID string)
	OnTurnEnd   func(turnID string)
}

func NewResponder(sessionID string, cfg ResponderConfig, sink PlaybackSink, notify Notifier) *Responder {
	if notify == nil {
		notify = nopNotifier{}
	}
	if cfg.Busy == "" {
		cfg.Busy = BusyQueue
	}
	return &Responder{
		cfg:       cfg,
		sessionID: sessionID,
		lock:      NewTurnLock(),
		sink:      sink,
		notify:    notify,
	}
}

// Lock exposes the session's turn lock.
func (r *Responder) Lock() *TurnLock { return r.lock }

func (r *Responder) emit(e Event) {
	e.SessionID = r.sessionID
	r.notify.Notify(e)
}

// Run consumes transcript events until events is closed or ctx is done. When
// events closes, an active turn and a queued transcript are still played out.
// Run never returns while a turn goroutine is alive.
func (r *Responder) Run(ctx context.Context, events <-chan TranscriptEvent) error {
	var (
		active     bool
		pending    string
		hasPending bool
		turnDone   = make(chan struct{}, 1)
	)
	start := func(text string) {
		active = true
		go func() {
			defer func() {
				r.lock.Release()
				turnDone <- struct{}{}
			}()
			r.runTurn(ctx, text)
		}()
	}

	for {
		if events == nil && !active {
			if hasPending && ctx.Err() == nil && r.lock.TryAcquire() {
				hasPending = false
				start(pending)
				continue
			}
			return nil
		}

		select {
		case <-ctx.Done():
			if active {
				<-turnDone
			}
			return nil

		case <-turnDone:
			active = false
			if hasPending && r.lock.TryAcquire() {
				hasPending = false
				start(pending)
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			text := strings.TrimSpace(ev.Text)
			if !ev.IsFinal {
				if text != "" {
					r.emit(Event{Type: EventTranscriptPartial, Text: text})
				}
				continue
			}
			if text == "" {
				continue
			}
			r.emit(Event{Type: EventTranscriptFinal, Text: text})

			if r.lock.TryAcquire() {
				start(text)
				continue
			}
			r.busy(text, &pending, &hasPending)
		}
	}
}

// ErrTurnBusy is returned by Respond when another turn holds the lock.
var ErrTurnBusy = errors.New("a turn is already active")

// Respond runs a single turn for text outside of Run, for callers that
// already have a final utterance. It fails fast when a turn is active.
func (r *Responder) Respond(ctx context.Context, text string) (TurnSummary, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return TurnSummary{}, llm.ErrEmptyPrompt
	}
	if !r.lock.TryAcquire() {
		return TurnSummary{}, ErrTurnBusy
	}
	defer r.lock.Release()
	return r.runTurn(ctx, text), nil
}

func (r *Responder) busy(text string, pending *string, hasPending *bool) {
	action := "dropped"
	if r.cfg.Busy == BusyQueue {
		action = "queued"
		if *hasPending {
			logger().Debug("replacing queued transcript", "session_id", r.sessionID, "replaced", *pending)
		}
		*pending = text
		*hasPending = true
	}
	logger().Info("turn busy", "session_id", r.sessionID, "action", action)
	r.cfg.Metrics.ObserveBusy(action)
	r.emit(Event{Type: EventTurnBusy, Text: text, Reason: action})
}

type synthResult struct {
	seq   int
	chunk AudioChunk
	err   error
}

type playStats struct {
	played     int
	skipped    int
	firstAudio time.Duration
	err        error
}

var errGenerationAborted = errors.New("generation failed")

// runTurn drives one turn from generation to the last emitted chunk. A chunk
// whose synthesis fails is skipped and the rest of the turn still plays.
func (r *Responder) runTurn(ctx context.Context, transcript string) TurnSummary {
	turnID := uuid.NewString()
	started := time.Now()

	ctx, span := tracer.Start(ctx, "turn")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", r.sessionID),
		attribute.String("turn.id", turnID),
	)

	if r.OnTurnStart != nil {
		r.OnTurnStart(turnID)
	}
	r.emit(Event{Type: EventTurnStarted, TurnID: turnID, Text: transcript})
	log := logger().With("session_id", r.sessionID, "turn_id", turnID)

	turnCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	results := make(chan synthResult)
	total := make(chan int, 1)
	played := make(chan playStats, 1)
	go r.play(turnCtx, cancel, started, results, total, played)

	var (
		wg  sync.WaitGroup
		seq int
	)
	dispatch := func(text string) {
		// Whitespace-only chunks carry nothing to speak and take no sequence number.
		if strings.TrimSpace(text) == "" {
			return
		}
		n := seq
		seq++
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.synthesize(turnCtx, turnID, n, text, results)
		}()
	}

	genCtx := turnCtx
	if r.cfg.GenerationTimeout > 0 {
		var genCancel context.CancelFunc
		genCtx, genCancel = context.WithTimeout(turnCtx, r.cfg.GenerationTimeout)
		defer genCancel()
	}

	var firstText time.Duration
	chunker := NewChunker(r.cfg.Chunking)
	response, genErr := r.cfg.Generator.StreamResponse(genCtx, llm.Request{
		SessionID: r.sessionID,
		TurnID:    turnID,
		Prompt:    transcript,
	}, func(delta string) error {
		if firstText == 0 {
			firstText = time.Since(started)
			r.cfg.Metrics.ObserveStage(observability.StageFinalToFirstText, firstText)
		}
		r.emit(Event{Type: EventTextDelta, TurnID: turnID, Text: delta})
		if chunk, ok := chunker.Push(delta); ok {
			dispatch(chunk)
		}
		return nil
	})

	if genErr == nil {
		if chunk, ok := chunker.Flush(); ok {
			dispatch(chunk)
		}
	} else if turnCtx.Err() == nil {
		failure := newError(KindGeneration, "stream response", genErr)
		log.Warn("generation failed, aborting turn", "error", genErr)
		span.RecordError(failure)
		r.cfg.Metrics.ObserveProviderError(r.cfg.Generator.Name(), "generation")
		r.emit(Event{Type: EventError, TurnID: turnID, Reason: string(KindGeneration), Detail: genErr.Error()})
		cancel(errGenerationAborted)
	}
	total <- seq

	wg.Wait()
	stats := <-played

	summary := TurnSummary{
		SessionID:  r.sessionID,
		TurnID:     turnID,
		Transcript: transcript,
		Response:   response,
		Chunks:     seq,
		Played:     stats.played,
		Skipped:    stats.skipped,
		StartedAt:  started,
		FirstText:  firstText,
		FirstAudio: stats.firstAudio,
		Total:      time.Since(started),
	}
	switch {
	case stats.err != nil:
		summary.Outcome = OutcomePlaybackFailed
		log.Warn("playback failed, abandoning turn", "error", stats.err)
		r.emit(Event{Type: EventError, TurnID: turnID, Reason: string(KindPlayback), Detail: stats.err.Error()})
	case ctx.Err() != nil:
		summary.Outcome = OutcomeCancelled
	case genErr != nil:
		summary.Outcome = OutcomeGenerationFailed
	default:
		summary.Outcome = OutcomeCompleted
	}
	if summary.Outcome != OutcomeCompleted {
		span.SetStatus(codes.Error, string(summary.Outcome))
	}
	span.SetAttributes(
		attribute.Int("turn.chunks", summary.Chunks),
		attribute.Int("turn.skipped", summary.Skipped),
	)

	r.cfg.Metrics.ObserveTurn(string(summary.Outcome))
	r.cfg.Metrics.ObserveStage(observability.StageTurnTotal, summary.Total)
	log.Info("turn ended",
		"outcome", summary.Outcome,
		"chunks", summary.Chunks,
		"skipped", summary.Skipped,
		"total_ms", summary.Total.Milliseconds(),
	)
	r.emit(Event{Type: EventTurnEnded, TurnID: turnID, Reason: string(summary.Outcome)})
	if r.OnTurnEnd != nil {
		r.OnTurnEnd(turnID)
	}
	r.record(ctx, summary)
	return summary
}

func (r *Responder) record(ctx context.Context, summary TurnSummary) {
	if r.cfg.Recorder == nil {
		return
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := r.cfg.Recorder.RecordTurn(recordCtx, summary); err != nil {
		logger().Warn("record turn failed", "session_id", r.sessionID, "turn_id", summary.TurnID, "error", err)
	}
}

// synthesize performs one synthesis call and hands the result to the play
// loop. A failed chunk is still delivered so the play loop can move past
// its sequence number.
func (r *Responder) synthesize(ctx context.Context, turnID string, seq int, text string, out chan<- synthResult) {
	started := time.Now()
	wav, err := tts.SynthesizeWithin(ctx, r.cfg.Synthesizer, text, r.cfg.Voice, r.cfg.SynthesisTimeout)
	res := synthResult{seq: seq}
	if err != nil {
		res.err = newError(KindSynthesis, "synthesize", err)
		if ctx.Err() == nil {
			logger().Warn("synthesis failed, skipping chunk",
				"session_id", r.sessionID, "turn_id", turnID, "seq", seq, "error", err)
			r.cfg.Metrics.ObserveChunkSkipped()
			r.cfg.Metrics.ObserveProviderError(r.cfg.Synthesizer.Name(), "synthesis")
		}
	} else {
		r.cfg.Metrics.ObserveStage(observability.StageSynthesis, time.Since(started))
		res.chunk = AudioChunk{TurnID: turnID, Seq: seq, Text: text, Audio: wav}
	}

	select {
	case out <- res:
	case <-ctx.Done():
	}
}

// play emits synthesized chunks in sequence order. It returns once every
// dispatched chunk has been emitted or skipped, or when ctx is done. A sink
// failure cancels the turn.
func (r *Responder) play(
	ctx context.Context,
	cancel context.CancelCauseFunc,
	started time.Time,
	results <-chan synthResult,
	total <-chan int,
	done chan<- playStats,
) {
	var st playStats
	defer func() { done <- st }()

	order := newSequencer[synthResult]()
	expected := -1
	for expected < 0 || order.released() < expected {
		select {
		case <-ctx.Done():
			return
		case n := <-total:
			expected = n
			total = nil
		case res := <-results:
			for _, ready := range order.add(res.seq, res) {
				if ready.err != nil {
					st.skipped++
					continue
				}
				if err := r.sink.Emit(ctx, ready.chunk); err != nil {
					if ctx.Err() != nil {
						return
					}
					st.err = newError(KindPlayback, "emit", err)
					cancel(st.err)
					return
				}
				st.played++
				if st.played == 1 {
					st.firstAudio = time.Since(started)
					r.cfg.Metrics.ObserveFirstAudioLatency(st.firstAudio)
					r.cfg.Metrics.ObserveStage(observability.StageFinalToFirstAudio, st.firstAudio)
				}
			}
		}
	}
}
