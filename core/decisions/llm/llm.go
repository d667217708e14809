// Package llm is a decision provider that asks a chat model for a reply and
// turns the reply into an intent through the intent parser.
package llm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/koscakluka/ema-live/core/decision"
	"github.com/koscakluka/ema-live/core/intents"
	"github.com/koscakluka/ema-live/core/llms"
	"github.com/koscakluka/ema-live/core/llms/groq"
	"github.com/koscakluka/ema-live/core/llms/langchain"
	"github.com/koscakluka/ema-live/core/messages"
	"github.com/koscakluka/ema-live/core/providers"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const Name = "llm"

const BackendGroq = "groq"

const defaultSystemPrompt = `You are a cheerful virtual streamer chatting with your live audience.
Answer the latest viewer message in one or two short sentences, in the language it was written in.`

var backends = []string{
	BackendGroq,
	string(langchain.BackendOpenAI),
	string(langchain.BackendAnthropic),
	string(langchain.BackendGoogleAI),
}

type Options struct {
	Backend      string                  `yaml:"backend"`
	Model        string                  `yaml:"model"`
	APIKey       string                  `yaml:"api_key"`
	BaseURL      string                  `yaml:"base_url"`
	SystemPrompt string                  `yaml:"system_prompt"`
	Temperature  *float64                `yaml:"temperature"`
	MaxTokens    int                     `yaml:"max_tokens"`
	HistorySize  int                     `yaml:"history_size"`
	ParseTimeout time.Duration           `yaml:"parse_timeout"`
	Concurrent   bool                    `yaml:"concurrent"`
	Lexicon      []decision.LexiconEntry `yaml:"lexicon"`
}

func DefaultOptions() Options {
	return Options{
		Backend:      BackendGroq,
		SystemPrompt: defaultSystemPrompt,
		HistorySize:  20,
		ParseTimeout: decision.DefaultParseTimeout,
	}
}

func (o Options) Validate() error {
	var errs []error
	if !slices.Contains(backends, o.Backend) {
		errs = append(errs, fmt.Errorf("backend must be one of %s", strings.Join(backends, ", ")))
	}
	if o.APIKey == "" {
		errs = append(errs, fmt.Errorf("api_key is required"))
	}
	if o.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("history_size must not be negative"))
	}
	if o.ParseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("parse_timeout must be positive"))
	}
	if o.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("max_tokens must not be negative"))
	}
	if err := decision.Lexicon(o.Lexicon).Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type Decider struct {
	options Options
	client  llms.Client
	parser  *decision.IntentParser

	mu      sync.Mutex
	history map[string][]llms.Message
}

func New(options Options) *Decider {
	return &Decider{options: options, history: make(map[string][]llms.Message)}
}

// NewWithClient builds a decider on an existing client.
func NewWithClient(options Options, client llms.Client) *Decider {
	d := New(options)
	d.client = client
	return d
}

func Factory(opts providers.Options) (providers.DecisionProvider, error) {
	options := DefaultOptions()
	if err := opts.Decode(&options); err != nil {
		return nil, err
	}
	return New(options), nil
}

func (d *Decider) Info() providers.Info {
	return providers.Info{
		Name:        Name,
		Version:     "1.0.0",
		Category:    providers.CategoryDecision,
		Description: "Chat model reply parsed into an intent",
	}
}

func (d *Decider) Setup(ctx context.Context, _ providers.Dependencies) ([]providers.Provider, error) {
	if d.client == nil {
		client, err := newClient(ctx, d.options)
		if err != nil {
			return nil, err
		}
		d.client = client
	}

	var rules *decision.RuleEngine
	if len(d.options.Lexicon) > 0 {
		rules = decision.NewRuleEngine(d.options.Lexicon)
	}
	d.parser = decision.NewIntentParser(rules,
		decision.WithStructuredLLM(d.client),
		decision.WithParseTimeout(d.options.ParseTimeout),
	)
	return []providers.Provider{d}, nil
}

func newClient(ctx context.Context, options Options) (llms.Client, error) {
	if options.Backend == BackendGroq {
		groqOpts := []groq.ClientOption{}
		if options.Model != "" {
			groqOpts = append(groqOpts, groq.WithModel(options.Model))
		}
		if options.BaseURL != "" {
			groqOpts = append(groqOpts, groq.WithBaseURL(options.BaseURL))
		}
		return groq.NewClient(options.APIKey, groqOpts...), nil
	}
	return langchain.New(ctx, langchain.Config{
		Backend: langchain.Backend(options.Backend),
		Model:   options.Model,
		APIKey:  options.APIKey,
		BaseURL: options.BaseURL,
	})
}

func (d *Decider) Cleanup(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.history)
	return nil
}

func (d *Decider) Concurrent() bool { return d.options.Concurrent }

// Decide asks the model for a reply to message and parses the reply into an
// intent. When the model cannot be reached the rule engine reacts to the
// message itself, without a spoken response.
func (d *Decider) Decide(ctx context.Context, message messages.NormalizedMessage) (intents.Intent, error) {
	ctx, span := tracer.Start(ctx, "decide with llm",
		trace.WithAttributes(
			attribute.String("backend", d.options.Backend),
			attribute.String("room", message.Room),
		))
	defer span.End()

	if d.parser == nil {
		return intents.Intent{}, fmt.Errorf("llm decider used before setup")
	}

	prompt := formatPrompt(message)
	reply, err := d.client.Chat(ctx, prompt, d.promptOptions(message.Room)...)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = llms.ErrEmptyResponse
	}
	if err != nil {
		span.RecordError(err)
		logger.WarnContext(ctx, "chat failed, reacting with rules", "message_id", message.ID, "error", err)
		intent := d.parser.Rules().Intent(message.Text())
		intent.ResponseText = ""
		return intent, nil
	}

	d.remember(message.Room, prompt, reply)

	intent, source := d.parser.ParseWithSource(ctx, reply)
	span.SetAttributes(attribute.String("source", string(source)))
	if intent.ResponseText == "" {
		intent.ResponseText = reply
	}
	return intent, nil
}

func (d *Decider) promptOptions(room string) []llms.PromptOption {
	opts := []llms.PromptOption{
		llms.WithSystemPrompt(d.options.SystemPrompt),
		llms.WithHistory(d.History(room)),
	}
	if d.options.Temperature != nil {
		opts = append(opts, llms.WithTemperature(*d.options.Temperature))
	}
	if d.options.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(d.options.MaxTokens))
	}
	return opts
}

// History returns the remembered conversation of room, oldest first.
func (d *Decider) History(room string) []llms.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.history[room])
}

func (d *Decider) remember(room, prompt, reply string) {
	if d.options.HistorySize == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	history := append(d.history[room],
		llms.Message{Role: llms.RoleUser, Content: prompt},
		llms.Message{Role: llms.RoleAssistant, Content: reply},
	)
	if excess := len(history) - d.options.HistorySize; excess > 0 {
		history = slices.Delete(history, 0, excess)
	}
	d.history[room] = history
}

func formatPrompt(message messages.NormalizedMessage) string {
	sender := message.Sender.Nickname
	if sender == "" {
		sender = message.Sender.ID
	}
	if sender == "" {
		return message.Text()
	}
	return sender + ": " + message.Text()
}
