// Package langchain adapts langchaingo models (OpenAI, Anthropic, Google AI)
// to the llms client surface.
package langchain

import (
	"context"
	"errors"
	"fmt"

	"github.com/koscakluka/ema-live/core/llms"
	lc "github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Backend string

const (
	BackendOpenAI    Backend = "openai"
	BackendAnthropic Backend = "anthropic"
	BackendGoogleAI  Backend = "googleai"
)

var ErrUnsupportedBackend = errors.New("unsupported langchain backend")

type Config struct {
	Backend Backend
	Model   string
	APIKey  string
	BaseURL string
}

type Client struct {
	model   lc.Model
	backend Backend
}

// New builds a langchaingo model for the configured backend.
func New(ctx context.Context, cfg Config) (*Client, error) {
	var (
		model lc.Model
		err   error
	)

	switch cfg.Backend {
	case BackendOpenAI:
		opts := []openai.Option{openai.WithToken(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err = openai.New(opts...)
	case BackendAnthropic:
		opts := []anthropic.Option{anthropic.WithToken(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, anthropic.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		model, err = anthropic.New(opts...)
	case BackendGoogleAI:
		opts := []googleai.Option{googleai.WithAPIKey(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, googleai.WithDefaultModel(cfg.Model))
		}
		model, err = googleai.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s model: %w", cfg.Backend, err)
	}

	return NewFromModel(model, cfg.Backend), nil
}

// NewFromModel wraps an existing langchaingo model.
func NewFromModel(model lc.Model, backend Backend) *Client {
	return &Client{model: model, backend: backend}
}

func (c *Client) Chat(ctx context.Context, prompt string, opts ...llms.PromptOption) (string, error) {
	ctx, span := tracer.Start(ctx, "prompt llm", trace.WithAttributes(attribute.String("backend", string(c.backend))))
	defer span.End()

	options := llms.ApplyOptions(opts...)
	content, err := c.generate(ctx, options.Conversation(prompt), callOptions(options))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return content, nil
}

func (c *Client) PromptWithStructure(ctx context.Context, prompt string, target any, opts ...llms.PromptOption) error {
	ctx, span := tracer.Start(ctx, "prompt llm structured", trace.WithAttributes(attribute.String("backend", string(c.backend))))
	defer span.End()

	schema, _ := llms.SchemaFor(target)
	schemaJSON, err := schema.MarshalJSON()
	if err != nil {
		return fmt.Errorf("error marshalling schema: %w", err)
	}

	options := llms.ApplyOptions(opts...)
	options.Instructions += "\n\nRespond only with a JSON object matching this JSON schema:\n" + string(schemaJSON)

	callOpts := append(callOptions(options), lc.WithJSONMode())
	content, err := c.generate(ctx, options.Conversation(prompt), callOpts)
	if err == nil {
		err = llms.DecodeStructured(content, target)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (c *Client) generate(ctx context.Context, conversation []llms.Message, opts []lc.CallOption) (string, error) {
	contents := make([]lc.MessageContent, 0, len(conversation))
	for _, msg := range conversation {
		contents = append(contents, lc.TextParts(messageType(msg.Role), msg.Content))
	}

	response, err := c.model.GenerateContent(ctx, contents, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}
	if len(response.Choices) == 0 || response.Choices[0].Content == "" {
		return "", llms.ErrEmptyResponse
	}
	return response.Choices[0].Content, nil
}

func callOptions(options llms.PromptOptions) []lc.CallOption {
	var opts []lc.CallOption
	if options.Temperature != nil {
		opts = append(opts, lc.WithTemperature(*options.Temperature))
	}
	if options.MaxTokens > 0 {
		opts = append(opts, lc.WithMaxTokens(options.MaxTokens))
	}
	return opts
}

func messageType(role llms.Role) lc.ChatMessageType {
	switch role {
	case llms.RoleSystem:
		return lc.ChatMessageTypeSystem
	case llms.RoleAssistant:
		return lc.ChatMessageTypeAI
	default:
		return lc.ChatMessageTypeHuman
	}
}
