package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// OpenAIConfig configures the chat completions backend. When Endpoint is set
// the client talks to an Azure OpenAI deployment and Model names the
// deployment.
type OpenAIConfig struct {
	APIKey     string
	Model      string
	Endpoint   string
	APIVersion string
	// BaseURL overrides the public OpenAI endpoint; ignored for Azure.
	BaseURL    string
	MaxRetries int
	HTTPClient *http.Client
	Options    Options
}

// OpenAIGenerator streams chat completions.
type OpenAIGenerator struct {
	client openai.Client
	model  string
	name   string
	opts   Options
}

func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("openai model or deployment is required")
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = tracedHTTPClient()
	}

	name := "openai"
	opts := []option.RequestOption{option.WithHTTPClient(hc), option.WithMaxRetries(cfg.MaxRetries)}
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		apiVersion := cfg.APIVersion
		if apiVersion == "" {
			apiVersion = "2024-06-01"
		}
		opts = append(opts, azure.WithEndpoint(endpoint, apiVersion), azure.WithAPIKey(cfg.APIKey))
		name = "azure-openai"
	} else {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
	}

	return &OpenAIGenerator{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		name:   name,
		opts:   cfg.Options.withDefaults(),
	}, nil
}

func (g *OpenAIGenerator) Name() string { return g.name }

func (g *OpenAIGenerator) params(prompt string) openai.ChatCompletionNewParams {
	return openai.ChatCompletionNewParams{
		Model: g.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(g.opts.SystemPrompt),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(g.opts.Temperature),
		MaxTokens:   openai.Int(int64(g.opts.MaxOutputTokens)),
	}
}

func (g *OpenAIGenerator) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (string, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	ctx, span := tracer.Start(ctx, "openai stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.backend", g.name),
		attribute.String("llm.model", g.model),
		attribute.String("turn.id", req.TurnID),
	)

	stream := g.client.Chat.Completions.NewStreaming(ctx, g.params(prompt))
	defer stream.Close()

	out := &collector{onDelta: onDelta}
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if err := out.add(chunk.Choices[0].Delta.Content); err != nil {
			span.RecordError(err)
			return out.text(), err
		}
	}
	if err := stream.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out.text(), fmt.Errorf("%s stream: %w", g.name, err)
	}
	return out.text(), nil
}
