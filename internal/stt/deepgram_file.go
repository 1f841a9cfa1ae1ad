package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ent0n29/talkback/internal/reliability"
)

// DeepgramFileTranscriber calls the prerecorded listen endpoint.
type DeepgramFileTranscriber struct {
	apiKey   string
	endpoint string
	language string
	client   *http.Client
}

func NewDeepgramFileTranscriber(cfg DeepgramConfig, client *http.Client) *DeepgramFileTranscriber {
	endpoint := strings.TrimSpace(cfg.URL)
	if endpoint == "" {
		endpoint = "https://api.deepgram.com/v1/listen"
	}
	language := cfg.Language
	if language == "" {
		language = "en"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &DeepgramFileTranscriber{apiKey: cfg.APIKey, endpoint: endpoint, language: language, client: client}
}

type prerecordedResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// StatusError is a non-2xx answer from a transcription endpoint.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("deepgram http status %d: %s", e.Status, e.Body)
}

func (e *StatusError) Retryable() bool { return reliability.IsRetryableHTTPStatus(e.Status) }

func (t *DeepgramFileTranscriber) TranscribeFile(ctx context.Context, data []byte, contentType string) (string, error) {
	ctx, span := tracer.Start(ctx, "deepgram prerecorded")
	defer span.End()
	span.SetAttributes(attribute.Int("audio.bytes", len(data)))

	u, err := url.Parse(t.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse deepgram url: %w", err)
	}
	q := u.Query()
	q.Set("punctuate", "true")
	q.Set("language", t.language)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if strings.TrimSpace(contentType) == "" {
		contentType = "audio/wav"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Token "+t.apiKey)

	res, err := t.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		statusErr := &StatusError{Status: res.StatusCode, Body: strings.TrimSpace(string(body))}
		span.SetStatus(codes.Error, statusErr.Error())
		return "", statusErr
	}

	var parsed prerecordedResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(parsed.Results.Channels) == 0 || len(parsed.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	return strings.TrimSpace(parsed.Results.Channels[0].Alternatives[0].Transcript), nil
}
