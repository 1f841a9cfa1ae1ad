// Package oneshot serves non-streaming requests: one prompt or one uploaded
// recording in, one complete reply out, with a per-stage timing breakdown.
package oneshot

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ent0n29/talkback/internal/llm"
	"github.com/ent0n29/talkback/internal/observability"
	"github.com/ent0n29/talkback/internal/pipeline"
	"github.com/ent0n29/talkback/internal/stt"
	"github.com/ent0n29/talkback/internal/tts"
)

const scopeName = "github.com/ent0n29/talkback/internal/oneshot"

var tracer = otel.Tracer(scopeName)

var ErrEmptyAudio = errors.New("audio upload is empty")

type Config struct {
	Router      *llm.Router
	Transcriber stt.FileTranscriber
	Synthesizer tts.Synthesizer
	Voice       tts.VoiceConfig

	TranscriptionTimeout time.Duration
	GenerationTimeout    time.Duration
	SynthesisTimeout     time.Duration

	Metrics *observability.Metrics
}

// Timing is the stage breakdown in seconds, rounded to hundredths.
type Timing struct {
	Transcription float64 `json:"transcription"`
	Generation    float64 `json:"generation"`
	Synthesis     float64 `json:"synthesis"`
	Total         float64 `json:"total"`
}

type Result struct {
	Transcript string
	Response   string
	// Audio is the synthesized reply as WAV.
	Audio  []byte
	Timing Timing
}

type Service struct {
	cfg Config
}

func NewService(cfg Config) *Service {
	if cfg.TranscriptionTimeout <= 0 {
		cfg.TranscriptionTimeout = 30 * time.Second
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 60 * time.Second
	}
	if cfg.SynthesisTimeout <= 0 {
		cfg.SynthesisTimeout = 30 * time.Second
	}
	return &Service{cfg: cfg}
}

// Text answers prompt with the selected backend and synthesizes the reply.
func (s *Service) Text(ctx context.Context, prompt string, backend llm.Backend) (Result, error) {
	ctx, span := tracer.Start(ctx, "oneshot text")
	defer span.End()
	span.SetAttributes(attribute.String("llm.backend", string(backend)))

	start := time.Now()
	res, err := s.respond(ctx, prompt, backend)
	res.Timing.Total = seconds(time.Since(start))
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

// Audio transcribes an uploaded recording and answers the transcript.
func (s *Service) Audio(ctx context.Context, data []byte, contentType string, backend llm.Backend) (Result, error) {
	ctx, span := tracer.Start(ctx, "oneshot audio")
	defer span.End()
	span.SetAttributes(attribute.String("llm.backend", string(backend)), attribute.Int("audio.bytes", len(data)))

	if len(data) == 0 {
		return Result{}, ErrEmptyAudio
	}
	if s.cfg.Transcriber == nil {
		return Result{}, &pipeline.Error{Kind: pipeline.KindTranscription, Op: "transcribe upload", Err: errors.New("no file transcriber configured")}
	}

	start := time.Now()
	sttCtx, cancel := context.WithTimeout(ctx, s.cfg.TranscriptionTimeout)
	transcript, err := s.cfg.Transcriber.TranscribeFile(sttCtx, data, contentType)
	cancel()
	sttTime := time.Since(start)
	s.cfg.Metrics.ObserveStage(observability.StageOneshotTranscription, sttTime)
	if err != nil {
		span.RecordError(err)
		return Result{Timing: Timing{Transcription: seconds(sttTime)}}, &pipeline.Error{Kind: pipeline.KindTranscription, Op: "transcribe upload", Err: err}
	}

	res, err := s.respond(ctx, transcript, backend)
	res.Transcript = transcript
	res.Timing.Transcription = seconds(sttTime)
	res.Timing.Total = seconds(time.Since(start))
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

func (s *Service) respond(ctx context.Context, prompt string, backend llm.Backend) (Result, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Result{}, llm.ErrEmptyPrompt
	}
	gen, err := s.cfg.Router.Select(backend)
	if err != nil {
		return Result{}, err
	}

	var res Result
	genStart := time.Now()
	genCtx, cancel := context.WithTimeout(ctx, s.cfg.GenerationTimeout)
	text, err := gen.StreamResponse(genCtx, llm.Request{Prompt: prompt}, func(string) error { return nil })
	cancel()
	genTime := time.Since(genStart)
	res.Timing.Generation = seconds(genTime)
	s.cfg.Metrics.ObserveStage(observability.StageOneshotGeneration, genTime)
	if err != nil {
		s.cfg.Metrics.ObserveProviderError(gen.Name(), "generation")
		return res, &pipeline.Error{Kind: pipeline.KindGeneration, Op: gen.Name(), Err: err}
	}
	res.Response = strings.TrimSpace(text)
	if res.Response == "" {
		return res, nil
	}

	synthStart := time.Now()
	res.Audio, err = tts.SynthesizeWithin(ctx, s.cfg.Synthesizer, res.Response, s.cfg.Voice, s.cfg.SynthesisTimeout)
	synthTime := time.Since(synthStart)
	res.Timing.Synthesis = seconds(synthTime)
	s.cfg.Metrics.ObserveStage(observability.StageOneshotSynthesis, synthTime)
	if err != nil {
		s.cfg.Metrics.ObserveProviderError(s.cfg.Synthesizer.Name(), "synthesis")
		return res, &pipeline.Error{Kind: pipeline.KindSynthesis, Op: s.cfg.Synthesizer.Name(), Err: err}
	}
	return res, nil
}

func seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*100) / 100
}
