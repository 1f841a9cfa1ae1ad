package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ent0n29/talkback/internal/audio"
	"github.com/ent0n29/talkback/internal/config"
	"github.com/ent0n29/talkback/internal/llm"
	"github.com/ent0n29/talkback/internal/stt"
	"github.com/ent0n29/talkback/internal/tts"
)

// ProviderInfo names the backend resolved for each concern.
type ProviderInfo struct {
	Transcription string
	Primary       string
	Secondary     string
	Synthesis     string
}

type providerSetup struct {
	live      stt.Provider
	files     stt.FileTranscriber
	router    *llm.Router
	synth     tts.Synthesizer
	info      ProviderInfo
	liveVoice tts.VoiceConfig
}

func normalizedMode(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "auto"
	}
	return v
}

func resolveProviders(ctx context.Context, cfg config.Config) (providerSetup, error) {
	var setup providerSetup
	var err error

	if setup.live, setup.files, setup.info.Transcription, err = resolveTranscription(cfg); err != nil {
		return providerSetup{}, err
	}
	if setup.router, setup.info.Primary, setup.info.Secondary, err = resolveGeneration(ctx, cfg); err != nil {
		return providerSetup{}, err
	}
	if setup.synth, setup.info.Synthesis, err = resolveSynthesis(cfg); err != nil {
		return providerSetup{}, err
	}
	setup.liveVoice = voiceConfig(cfg)
	return setup, nil
}

// NewSynthesizer resolves only the synthesis backend and its voice, for
// tools that need speech output without a full pipeline.
func NewSynthesizer(cfg config.Config) (tts.Synthesizer, tts.VoiceConfig, error) {
	synth, _, err := resolveSynthesis(cfg)
	if err != nil {
		return nil, tts.VoiceConfig{}, err
	}
	return synth, voiceConfig(cfg), nil
}

func voiceConfig(cfg config.Config) tts.VoiceConfig {
	return tts.VoiceConfig{
		VoiceID:    cfg.ElevenLabsVoiceID,
		ModelID:    cfg.ElevenLabsModelID,
		Stability:  cfg.ElevenLabsStability,
		Similarity: cfg.ElevenLabsSimilarity,
	}
}

func resolveTranscription(cfg config.Config) (stt.Provider, stt.FileTranscriber, string, error) {
	hasKey := strings.TrimSpace(cfg.DeepgramAPIKey) != ""
	deepgram := func() (stt.Provider, stt.FileTranscriber, string, error) {
		live := stt.NewDeepgramProvider(stt.DeepgramConfig{
			APIKey:   cfg.DeepgramAPIKey,
			URL:      cfg.DeepgramWSURL,
			Language: cfg.DeepgramLanguage,
			Model:    cfg.DeepgramModel,
		})
		files := stt.NewDeepgramFileTranscriber(stt.DeepgramConfig{
			APIKey:   cfg.DeepgramAPIKey,
			URL:      cfg.DeepgramHTTPURL,
			Language: cfg.DeepgramLanguage,
		}, &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: 60 * time.Second})
		return live, files, "deepgram", nil
	}

	switch normalizedMode(cfg.STTProvider) {
	case "deepgram":
		if !hasKey {
			return nil, nil, "", fmt.Errorf("STT_PROVIDER=deepgram but DEEPGRAM_API_KEY is not set")
		}
		return deepgram()
	case "mock":
		return stt.NewMockProvider(), stt.MockFileTranscriber{}, "mock", nil
	case "auto":
		if hasKey {
			return deepgram()
		}
		return stt.NewMockProvider(), stt.MockFileTranscriber{}, "mock (no deepgram key)", nil
	default:
		return nil, nil, "", fmt.Errorf("invalid STT_PROVIDER: %q (expected auto|deepgram|mock)", cfg.STTProvider)
	}
}

func resolveGeneration(ctx context.Context, cfg config.Config) (*llm.Router, string, string, error) {
	opts := llm.Options{
		SystemPrompt:    cfg.SystemPrompt,
		Temperature:     cfg.Temperature,
		MaxOutputTokens: cfg.MaxOutputTokens,
	}

	azureReady := strings.TrimSpace(cfg.AzureOpenAIEndpoint) != "" && strings.TrimSpace(cfg.AzureOpenAIAPIKey) != ""
	openAIReady := strings.TrimSpace(cfg.OpenAIAPIKey) != ""
	geminiReady := strings.TrimSpace(cfg.GeminiAPIKey) != ""

	newOpenAI := func() (llm.Generator, error) {
		if azureReady {
			return llm.NewOpenAIGenerator(llm.OpenAIConfig{
				APIKey:     cfg.AzureOpenAIAPIKey,
				Model:      cfg.AzureOpenAIDeployment,
				Endpoint:   cfg.AzureOpenAIEndpoint,
				APIVersion: cfg.AzureOpenAIAPIVersion,
				Options:    opts,
			})
		}
		return llm.NewOpenAIGenerator(llm.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			Options: opts,
		})
	}
	newGemini := func() (llm.Generator, error) {
		return llm.NewGeminiGenerator(ctx, llm.GeminiConfig{
			APIKey:  cfg.GeminiAPIKey,
			Model:   cfg.GeminiModel,
			Options: opts,
		})
	}

	var primary, secondary llm.Generator
	var err error
	switch normalizedMode(cfg.LLMProvider) {
	case "openai", "azure":
		if !azureReady && !openAIReady {
			return nil, "", "", fmt.Errorf("LLM_PROVIDER=%s but no Azure OpenAI or OpenAI credentials are set", cfg.LLMProvider)
		}
		if primary, err = newOpenAI(); err != nil {
			return nil, "", "", fmt.Errorf("openai generator init failed: %w", err)
		}
	case "gemini":
		if !geminiReady {
			return nil, "", "", fmt.Errorf("LLM_PROVIDER=gemini but GEMINI_API_KEY is not set")
		}
		if primary, err = newGemini(); err != nil {
			return nil, "", "", fmt.Errorf("gemini generator init failed: %w", err)
		}
	case "mock":
		primary = llm.NewMockGenerator()
	case "auto":
		if azureReady || openAIReady {
			if primary, err = newOpenAI(); err != nil {
				return nil, "", "", fmt.Errorf("openai generator init failed: %w", err)
			}
		}
		if geminiReady {
			if secondary, err = newGemini(); err != nil {
				return nil, "", "", fmt.Errorf("gemini generator init failed: %w", err)
			}
		}
		if primary == nil {
			primary, secondary = secondary, nil
		}
		if primary == nil {
			primary = llm.NewMockGenerator()
		}
	default:
		return nil, "", "", fmt.Errorf("invalid LLM_PROVIDER: %q (expected auto|openai|azure|gemini|mock)", cfg.LLMProvider)
	}

	secondaryName := "none"
	if secondary != nil {
		secondaryName = secondary.Name()
	}
	return llm.NewRouter(primary, secondary), primary.Name(), secondaryName, nil
}

func resolveSynthesis(cfg config.Config) (tts.Synthesizer, string, error) {
	hasKey := strings.TrimSpace(cfg.ElevenLabsAPIKey) != ""
	eleven := func() tts.Synthesizer {
		return tts.NewLimited(tts.NewElevenLabs(tts.ElevenLabsConfig{
			APIKey:     cfg.ElevenLabsAPIKey,
			BaseURL:    cfg.ElevenLabsBaseURL,
			SampleRate: cfg.AudioSampleRate,
			MaxRetries: cfg.ElevenLabsMaxRetries,
		}), cfg.SynthesisConcurrency)
	}
	mock := func() tts.Synthesizer {
		m := tts.NewMock()
		m.Format = audio.Format{SampleRate: cfg.AudioSampleRate, Channels: 1}
		return tts.NewLimited(m, cfg.SynthesisConcurrency)
	}

	switch normalizedMode(cfg.TTSProvider) {
	case "elevenlabs":
		if !hasKey {
			return nil, "", fmt.Errorf("TTS_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
		}
		return eleven(), "elevenlabs", nil
	case "mock":
		return mock(), "mock", nil
	case "auto":
		if hasKey {
			return eleven(), "elevenlabs", nil
		}
		return mock(), "mock (no elevenlabs key)", nil
	default:
		return nil, "", fmt.Errorf("invalid TTS_PROVIDER: %q (expected auto|elevenlabs|mock)", cfg.TTSProvider)
	}
}
