package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/koscakluka/ema-live/core/intents"
	"github.com/koscakluka/ema-live/core/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrDecisionTimeout is returned when the structured LLM call did not finish
// within the parse timeout.
var ErrDecisionTimeout = errors.New("decision timed out")

const DefaultParseTimeout = 10 * time.Second

const defaultParseInstructions = `You turn an assistant's reply into a structured intent for a virtual avatar.
Pick the emotion that best matches the reply, keep the reply text as response_text,
and list avatar actions (expression, hotkey, emoji, blink, nod, shake, wave, clap)
with a priority between 0 and 100. Use an empty action list when nothing fits.`

// Source tells where a parsed intent came from.
type Source string

const (
	SourceLLM      Source = "llm"
	SourceFallback Source = "fallback"
)

type IntentParser struct {
	llm          llms.StructuredPrompter
	rules        *RuleEngine
	timeout      time.Duration
	instructions string
}

type ParserOption func(*IntentParser)

// WithStructuredLLM enables the primary parse path. Without it every parse
// goes through the rule engine.
func WithStructuredLLM(llm llms.StructuredPrompter) ParserOption {
	return func(p *IntentParser) { p.llm = llm }
}

func WithParseTimeout(timeout time.Duration) ParserOption {
	return func(p *IntentParser) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

func WithInstructions(instructions string) ParserOption {
	return func(p *IntentParser) {
		if instructions != "" {
			p.instructions = instructions
		}
	}
}

func NewIntentParser(rules *RuleEngine, opts ...ParserOption) *IntentParser {
	if rules == nil {
		rules = NewRuleEngine(DefaultLexicon())
	}
	parser := &IntentParser{
		rules:        rules,
		timeout:      DefaultParseTimeout,
		instructions: defaultParseInstructions,
	}
	for _, opt := range opts {
		opt(parser)
	}
	return parser
}

// Parse turns a raw response into an Intent. It never fails: malformed,
// invalid or late LLM output falls back to the rule engine.
func (p *IntentParser) Parse(ctx context.Context, raw string) intents.Intent {
	intent, _ := p.ParseWithSource(ctx, raw)
	return intent
}

// ParseWithSource is Parse that also reports which path produced the intent.
func (p *IntentParser) ParseWithSource(ctx context.Context, raw string) (intents.Intent, Source) {
	ctx, span := tracer.Start(ctx, "parse intent", trace.WithAttributes(attribute.Bool("llm", p.llm != nil)))
	defer span.End()

	if p.llm != nil {
		intent, err := p.parseStructured(ctx, raw)
		if err == nil {
			span.SetAttributes(attribute.String("source", string(SourceLLM)))
			return intent, SourceLLM
		}
		span.RecordError(err)
		logger.WarnContext(ctx, "falling back to rule engine", "error", err)
	}

	span.SetAttributes(attribute.String("source", string(SourceFallback)))
	return p.rules.Intent(raw), SourceFallback
}

func (p *IntentParser) parseStructured(ctx context.Context, raw string) (intent intents.Intent, err error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("structured prompt panicked: %v", r)
		}
	}()

	var candidate intents.Intent
	err = p.llm.PromptWithStructure(ctx, raw, &candidate, llms.WithSystemPrompt(p.instructions))
	if ctx.Err() == context.DeadlineExceeded {
		return intents.Intent{}, fmt.Errorf("%w after %s", ErrDecisionTimeout, p.timeout)
	}
	if err != nil {
		return intents.Intent{}, fmt.Errorf("structured prompt failed: %w", err)
	}
	if err := candidate.Validate(); err != nil {
		return intents.Intent{}, fmt.Errorf("invalid structured intent: %w", err)
	}
	return candidate.Clone(), nil
}

// Rules returns the fallback rule engine.
func (p *IntentParser) Rules() *RuleEngine { return p.rules }

func setSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
