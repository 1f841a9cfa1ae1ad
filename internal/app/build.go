package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/ent0n29/talkback/internal/audio"
	"github.com/ent0n29/talkback/internal/config"
	"github.com/ent0n29/talkback/internal/httpapi"
	"github.com/ent0n29/talkback/internal/llm"
	"github.com/ent0n29/talkback/internal/observability"
	"github.com/ent0n29/talkback/internal/oneshot"
	"github.com/ent0n29/talkback/internal/pipeline"
	"github.com/ent0n29/talkback/internal/session"
	"github.com/ent0n29/talkback/internal/turnlog"
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Sessions  *session.Manager
	Engine    *pipeline.Engine
	Router    *llm.Router
	OneShot   *oneshot.Service
	Turns     turnlog.Store
	Metrics   *observability.Metrics
	Providers ProviderInfo

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	turns, err := turnlog.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("turn log init failed: %w", err)
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Printf("turn log: in-memory (DATABASE_URL not set)")
	} else {
		log.Printf("turn log: postgres")
	}

	providers, err := resolveProviders(ctx, cfg)
	if err != nil {
		_ = turns.Close()
		return nil, err
	}

	engineCfg, err := engineConfig(cfg, providers)
	if err != nil {
		_ = turns.Close()
		return nil, err
	}
	engineCfg.Metrics = metrics
	engineCfg.Recorder = turnlog.NewRecorder(turns)
	engine := pipeline.NewEngine(engineCfg)

	oneshotSvc := oneshot.NewService(oneshot.Config{
		Router:            providers.router,
		Transcriber:       providers.files,
		Synthesizer:       providers.synth,
		Voice:             providers.liveVoice,
		GenerationTimeout: cfg.GenerationTimeout,
		SynthesisTimeout:  cfg.SynthesisTimeout,
		Metrics:           metrics,
	})

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		log.Printf("session %s expired after inactivity", s.ID)
		metrics.ObserveSessionEvent("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
	})

	api := httpapi.New(cfg, sessions, engine, oneshotSvc, turns, metrics)

	return &BuildResult{
		Config:    cfg,
		API:       api,
		Sessions:  sessions,
		Engine:    engine,
		Router:    providers.router,
		OneShot:   oneshotSvc,
		Turns:     turns,
		Metrics:   metrics,
		Providers: providers.info,
		Cleanup:   turns.Close,
	}, nil
}

func engineConfig(cfg config.Config, p providerSetup) (pipeline.EngineConfig, error) {
	busy, err := pipeline.ParseBusyPolicy(cfg.BusyPolicy)
	if err != nil {
		return pipeline.EngineConfig{}, err
	}
	overflow, err := audio.ParseOverflowPolicy(cfg.FrameOverflowPolicy)
	if err != nil {
		return pipeline.EngineConfig{}, err
	}
	return pipeline.EngineConfig{
		Transcriber: p.live,
		Generator:   p.router.Live(),
		Synthesizer: p.synth,
		Voice:       p.liveVoice,
		Chunking:    ChunkPolicy(cfg),
		Busy:        busy,
		Format:      audio.Format{SampleRate: cfg.AudioSampleRate, Channels: 1},

		QueueSize: cfg.FrameQueueSize,
		Overflow:  overflow,

		GenerationTimeout:        cfg.GenerationTimeout,
		SynthesisTimeout:         cfg.SynthesisTimeout,
		TranscriptionDialTimeout: cfg.TranscriptionDialTimeout,
		TranscriptionReconnects:  cfg.TranscriptionReconnects,
	}, nil
}

// ChunkPolicy derives the chunking rule from cfg.
func ChunkPolicy(cfg config.Config) pipeline.ChunkPolicy {
	return pipeline.ChunkPolicy{
		MaxChars:    cfg.ChunkMaxChars,
		MinChars:    cfg.ChunkMinChars,
		Terminators: cfg.ChunkTerminators,
	}
}

// Describe renders the resolved providers for the startup log.
func (i ProviderInfo) Describe() string {
	return strings.Join([]string{
		"stt=" + i.Transcription,
		"llm=" + i.Primary,
		"llm_secondary=" + i.Secondary,
		"tts=" + i.Synthesis,
	}, " ")
}
