package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/genai"
)

type GeminiConfig struct {
	APIKey     string
	Model      string
	HTTPClient *http.Client
	// BaseURL points the client at a different API host.
	BaseURL string
	Options Options
}

// GeminiGenerator streams replies from the Gemini API.
type GeminiGenerator struct {
	client *genai.Client
	model  string
	opts   Options
}

func NewGeminiGenerator(ctx context.Context, cfg GeminiConfig) (*GeminiGenerator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-1.5-flash"
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = tracedHTTPClient()
	}
	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: hc,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiGenerator{client: client, model: model, opts: cfg.Options.withDefaults()}, nil
}

func (g *GeminiGenerator) Name() string { return "gemini" }

func (g *GeminiGenerator) config() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(g.opts.SystemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr(float32(g.opts.Temperature)),
		MaxOutputTokens:   int32(g.opts.MaxOutputTokens),
	}
}

func (g *GeminiGenerator) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (string, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	ctx, span := tracer.Start(ctx, "gemini stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.backend", "gemini"),
		attribute.String("llm.model", g.model),
		attribute.String("turn.id", req.TurnID),
	)

	out := &collector{onDelta: onDelta}
	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, genai.Text(prompt), g.config()) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return out.text(), fmt.Errorf("gemini stream: %w", err)
		}
		if err := out.add(geminiDelta(resp)); err != nil {
			return out.text(), err
		}
	}
	return out.text(), nil
}

// geminiDelta returns the text parts of the first candidate.
func geminiDelta(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	c := resp.Candidates[0]
	if c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p == nil || p.Thought {
			continue
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}
