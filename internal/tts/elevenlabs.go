package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ent0n29/talkback/internal/audio"
	"github.com/ent0n29/talkback/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey  string
	BaseURL string
	// SampleRate picks the pcm_<rate> output format.
	SampleRate int
	MaxRetries int
	Client     *http.Client
}

// ElevenLabs calls the streaming text-to-speech HTTP endpoint and buffers
// the raw PCM response into a WAV container.
type ElevenLabs struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

func NewElevenLabs(cfg ElevenLabsConfig) *ElevenLabs {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultFormat.SampleRate
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &ElevenLabs{cfg: cfg, client: client}
}

func (e *ElevenLabs) Name() string { return "elevenlabs" }

type elevenRequest struct {
	Text          string              `json:"text"`
	ModelID       string              `json:"model_id"`
	VoiceSettings elevenVoiceSettings `json:"voice_settings"`
}

type elevenVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

func (e *ElevenLabs) Synthesize(ctx context.Context, text string, voice VoiceConfig) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	if strings.TrimSpace(voice.VoiceID) == "" {
		return nil, fmt.Errorf("voice_id is required")
	}
	modelID := voice.ModelID
	if strings.TrimSpace(modelID) == "" {
		modelID = "eleven_multilingual_v2"
	}

	ctx, span := tracer.Start(ctx, "elevenlabs synthesize")
	defer span.End()
	span.SetAttributes(
		attribute.String("tts.voice_id", voice.VoiceID),
		attribute.Int("tts.text_chars", len(text)),
	)

	payload, err := json.Marshal(elevenRequest{
		Text:    text,
		ModelID: modelID,
		VoiceSettings: elevenVoiceSettings{
			Stability:       clamp01(voice.Stability, 0.4),
			SimilarityBoost: clamp01(voice.Similarity, 0.6),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	u, err := url.Parse(strings.TrimRight(e.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voice.VoiceID) + "/stream")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("output_format", fmt.Sprintf("pcm_%d", e.cfg.SampleRate))
	u.RawQuery = q.Encode()

	var pcm []byte
	policy := reliability.Policy{Retries: e.cfg.MaxRetries, Base: 200 * time.Millisecond, Cap: 2 * time.Second}
	err = reliability.Do(ctx, policy, func(attempt int) error {
		if attempt > 0 {
			logger().Debug("retrying synthesis", "attempt", attempt)
		}
		var reqErr error
		pcm, reqErr = e.post(ctx, u.String(), payload)
		return reqErr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("elevenlabs returned no audio")
	}
	return audio.EncodeWAV(pcm, audio.Format{SampleRate: e.cfg.SampleRate, Channels: 1})
}

func (e *ElevenLabs) post(ctx context.Context, target string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/pcm")
	req.Header.Set("xi-api-key", e.cfg.APIKey)

	res, err := e.client.Do(req)
	if err != nil {
		return nil, reliability.MarkTransient(fmt.Errorf("send request: %w", err))
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, &StatusError{Provider: "elevenlabs", Status: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	pcm, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, reliability.MarkTransient(fmt.Errorf("read audio: %w", err))
	}
	// PCM16 samples are two bytes; a dangling byte means a cut stream.
	if len(pcm)%2 == 1 {
		pcm = pcm[:len(pcm)-1]
	}
	return pcm, nil
}
