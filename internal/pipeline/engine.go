package pipeline

import (
	"time"

	"github.com/ent0n29/talkback/internal/audio"
	"github.com/ent0n29/talkback/internal/llm"
	"github.com/ent0n29/talkback/internal/observability"
	"github.com/ent0n29/talkback/internal/stt"
	"github.com/ent0n29/talkback/internal/tts"
)

// EngineConfig carries the process-wide collaborators and policies every
// session is built from.
type EngineConfig struct {
	Transcriber stt.Provider
	Generator   llm.Generator
	Synthesizer tts.Synthesizer
	Voice       tts.VoiceConfig
	Chunking    ChunkPolicy
	Busy        BusyPolicy
	Format      audio.Format

	QueueSize int
	Overflow  audio.OverflowPolicy

	GenerationTimeout        time.Duration
	SynthesisTimeout         time.Duration
	TranscriptionDialTimeout time.Duration
	TranscriptionReconnects  int

	Metrics  *observability.Metrics
	Recorder TurnRecorder
}

// Engine builds session controllers over a shared configuration.
type Engine struct {
	cfg EngineConfig
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Format.SampleRate <= 0 {
		cfg.Format = audio.DefaultFormat
	}
	if cfg.Chunking.MaxChars <= 0 {
		cfg.Chunking = DefaultChunkPolicy()
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) Format() audio.Format { return e.cfg.Format }

// WithChunking returns a copy of the engine that cuts text with p.
func (e *Engine) WithChunking(p ChunkPolicy) *Engine {
	cfg := e.cfg
	cfg.Chunking = p
	return &Engine{cfg: cfg}
}

// WithBusy returns a copy of the engine whose sessions apply p to final
// transcripts that arrive during an active turn.
func (e *Engine) WithBusy(p BusyPolicy) *Engine {
	cfg := e.cfg
	cfg.Busy = p
	return &Engine{cfg: cfg}
}

// NewController wires one session. overflow overrides the configured queue
// policy when non-empty; device capture passes OverflowDropOldest because its
// callback cannot block.
func (e *Engine) NewController(
	sessionID string,
	source AudioSource,
	sink PlaybackSink,
	notify Notifier,
	overflow audio.OverflowPolicy,
) *Controller {
	if notify == nil {
		notify = nopNotifier{}
	}
	if overflow == "" {
		overflow = e.cfg.Overflow
	}
	queue := audio.NewFrameQueue(e.cfg.QueueSize, overflow)
	queue.OnDrop = func(audio.Frame) { e.cfg.Metrics.ObserveFrameDropped() }

	return &Controller{
		sessionID: sessionID,
		source:    source,
		queue:     queue,
		bridge: NewTranscriptionBridge(sessionID, TranscriptionConfig{
			Provider:    e.cfg.Transcriber,
			Format:      e.cfg.Format,
			DialTimeout: e.cfg.TranscriptionDialTimeout,
			Reconnects:  e.cfg.TranscriptionReconnects,
			Metrics:     e.cfg.Metrics,
		}),
		responder: e.NewResponder(sessionID, sink, notify),
		notify:    notify,
	}
}

// NewResponder builds a standalone orchestrator, used directly by the
// single-prompt CLI path.
func (e *Engine) NewResponder(sessionID string, sink PlaybackSink, notify Notifier) *Responder {
	return NewResponder(sessionID, ResponderConfig{
		Generator:         e.cfg.Generator,
		Synthesizer:       e.cfg.Synthesizer,
		Voice:             e.cfg.Voice,
		Chunking:          e.cfg.Chunking,
		Busy:              e.cfg.Busy,
		GenerationTimeout: e.cfg.GenerationTimeout,
		SynthesisTimeout:  e.cfg.SynthesisTimeout,
		Metrics:           e.cfg.Metrics,
		Recorder:          e.cfg.Recorder,
	}, sink, notify)
}
