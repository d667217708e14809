// Package groq talks to the Groq OpenAI-compatible chat completions API.
package groq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/invopop/jsonschema"
	"github.com/koscakluka/ema-live/core/llms"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBaseURL = "https://api.groq.com/openai/v1/chat/completions"
	DefaultModel   = "llama-3.3-70b-versatile"
)

type Client struct {
	apiKey     string
	model      string
	url        string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithModel(model string) ClientOption {
	return func(c *Client) { c.model = model }
}

// WithBaseURL points the client at another OpenAI-compatible endpoint.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.url = url }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func NewClient(apiKey string, opts ...ClientOption) *Client {
	client := &Client{
		apiKey:     apiKey,
		model:      DefaultModel,
		url:        DefaultBaseURL,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

func (c *Client) Chat(ctx context.Context, prompt string, opts ...llms.PromptOption) (string, error) {
	ctx, span := tracer.Start(ctx, "prompt llm")
	defer span.End()

	options := llms.ApplyOptions(opts...)
	content, err := c.complete(ctx, span, requestBody{
		Model:       c.model,
		Messages:    toMessages(options.Conversation(prompt)),
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	if content == "" {
		return "", llms.ErrEmptyResponse
	}
	return content, nil
}

func (c *Client) PromptWithStructure(ctx context.Context, prompt string, target any, opts ...llms.PromptOption) error {
	ctx, span := tracer.Start(ctx, "prompt llm structured")
	defer span.End()

	schema, name := llms.SchemaFor(target)
	if schemaString, err := schema.MarshalJSON(); err == nil {
		span.SetAttributes(attribute.String("request.schema", string(schemaString)))
	}

	options := llms.ApplyOptions(opts...)
	content, err := c.complete(ctx, span, requestBody{
		Model:       c.model,
		Messages:    toMessages(options.Conversation(prompt)),
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
		ResponseFormat: &responseFormat{
			Type: "json_schema",
			JSONSchema: &jsonSchema{
				Name:   name,
				Schema: *schema,
				Strict: true,
			},
		},
	})
	if err != nil {
		return err
	}

	if err := llms.DecodeStructured(content, target); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (c *Client) complete(ctx context.Context, span trace.Span, body requestBody) (string, error) {
	fail := func(err error) (string, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	span.SetAttributes(attribute.String("request.model", body.Model))

	requestBodyBytes, err := json.Marshal(body)
	if err != nil {
		return fail(fmt.Errorf("error marshalling JSON: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBuffer(requestBodyBytes))
	if err != nil {
		return fail(fmt.Errorf("error creating HTTP request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fail(fmt.Errorf("error sending request: %w", err))
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		if errorBody, err := io.ReadAll(resp.Body); err == nil {
			span.SetAttributes(attribute.String("response.error", string(errorBody)))
			logger.DebugContext(ctx, "groq request rejected", "status", resp.Status, "body", string(errorBody))
		}
		// TODO: Retry on 429 and 503 honouring the retry-after header
		return fail(fmt.Errorf("non-OK HTTP status: %s", resp.Status))
	}

	var response responseBody
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return fail(fmt.Errorf("error decoding response body: %w", err))
	}
	if len(response.Choices) == 0 {
		return fail(llms.ErrEmptyResponse)
	}
	if response.Usage != nil {
		span.SetAttributes(
			attribute.Int("response.prompt_tokens", response.Usage.PromptTokens),
			attribute.Int("response.completion_tokens", response.Usage.CompletionTokens),
		)
	}
	return response.Choices[0].Message.Content, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func toMessages(conversation []llms.Message) []message {
	messages := make([]message, 0, len(conversation))
	for _, msg := range conversation {
		messages = append(messages, message{Role: string(msg.Role), Content: msg.Content})
	}
	return messages
}

type requestBody struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_completion_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	// Name identifies the schema in the response.
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Schema      jsonschema.Schema `json:"schema"`
	// Strict makes the API enforce the schema on generated content.
	Strict bool `json:"strict"`
}

type responseBody struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content,omitempty"`
		} `json:"message"`
		FinishReason *string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
