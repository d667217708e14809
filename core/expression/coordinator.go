// Package expression maps intents to output-agnostic render parameters and
// dispatches them to the output fan-out.
package expression

import (
	"context"
	"maps"

	"github.com/koscakluka/ema-live/core/events"
	"github.com/koscakluka/ema-live/core/intents"
	"github.com/koscakluka/ema-live/core/output"
	"github.com/koscakluka/ema-live/core/render"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// EmotionTable maps an intent emotion to an avatar expression name.
type EmotionTable map[intents.Emotion]string

func DefaultEmotionTable() EmotionTable {
	return EmotionTable{
		intents.EmotionNeutral:   "neutral",
		intents.EmotionHappy:     "smile",
		intents.EmotionSad:       "sad",
		intents.EmotionAngry:     "angry",
		intents.EmotionSurprised: "surprised",
		intents.EmotionLove:      "heart_eyes",
	}
}

// Renderer renders parameters on every output provider.
type Renderer interface {
	RenderAll(ctx context.Context, params render.Parameters) []output.Outcome
}

type Coordinator struct {
	emotions  EmotionTable
	threshold int
	bus       *events.Bus
	renderer  Renderer
}

type Option func(*Coordinator)

// WithEmotionTable replaces the emotion to expression mapping. Emotions
// missing from the table produce no expression directive.
func WithEmotionTable(table EmotionTable) Option {
	return func(c *Coordinator) { c.emotions = maps.Clone(table) }
}

// WithThreshold sets the priority an action must exceed to be rendered.
func WithThreshold(threshold int) Option {
	return func(c *Coordinator) { c.threshold = threshold }
}

// WithBus emits every present directive on its render.<kind> topic.
func WithBus(bus *events.Bus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

func NewCoordinator(renderer Renderer, opts ...Option) *Coordinator {
	c := &Coordinator{emotions: DefaultEmotionTable(), renderer: renderer}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ToRenderParameters maps an intent deterministically. The response text
// becomes the TTS and subtitle text and the emotion an expression. Actions
// above the threshold are applied in priority order and the first action
// to set a directive wins it. An expression action overrides the emotion's
// expression.
func (c *Coordinator) ToRenderParameters(intent intents.Intent) render.Parameters {
	params := render.Parameters{
		TTSText:      intent.ResponseText,
		SubtitleText: intent.ResponseText,
		Expression:   c.emotions[intent.Emotion],
		Emotion:      intent.Emotion,
	}

	claimed := map[render.Kind]bool{}
	for _, action := range intent.OrderedActions() {
		if action.Priority <= c.threshold {
			continue
		}
		kind, value, ok := directive(action)
		if !ok || claimed[kind] {
			continue
		}
		claimed[kind] = true
		set(&params, kind, value)
		if len(action.Params) > 0 {
			if params.Extra == nil {
				params.Extra = map[render.Kind]map[string]string{}
			}
			params.Extra[kind] = maps.Clone(action.Params)
		}
	}
	return params
}

// directive resolves the render field an action targets and its value.
func directive(action intents.Action) (render.Kind, string, bool) {
	switch {
	case action.Type == intents.ActionExpression:
		value := param(action.Params, "name", "expression")
		return render.KindExpression, value, value != ""
	case action.Type == intents.ActionHotkey:
		value := param(action.Params, "name", "key", "hotkey")
		return render.KindHotkey, value, value != ""
	case action.Type == intents.ActionEmoji:
		value := param(action.Params, "glyph", "emoji", "name")
		return render.KindEmoji, value, value != ""
	case action.Type.IsMotion():
		return render.KindMotion, string(action.Type), true
	}
	return "", "", false
}

func param(params map[string]string, keys ...string) string {
	for _, key := range keys {
		if value := params[key]; value != "" {
			return value
		}
	}
	return ""
}

func set(params *render.Parameters, kind render.Kind, value string) {
	switch kind {
	case render.KindExpression:
		params.Expression = value
	case render.KindHotkey:
		params.Hotkey = value
	case render.KindEmoji:
		params.Emoji = value
	case render.KindMotion:
		params.Motion = value
	}
}

// Dispatch maps a decided intent, announces each directive on its render
// topic and renders the parameters on every output provider.
func (c *Coordinator) Dispatch(ctx context.Context, decided events.IntentDecided) []output.Outcome {
	params := c.ToRenderParameters(decided.Intent)
	params.MessageID = decided.Message.ID
	params.Room = decided.Message.Room

	ctx, span := tracer.Start(ctx, "dispatch intent",
		trace.WithAttributes(
			attribute.String("message.id", params.MessageID),
			attribute.String("emotion", string(params.Emotion)),
		))
	defer span.End()

	if params.Empty() {
		logger.DebugContext(ctx, "intent has nothing to render", "message_id", params.MessageID)
		return nil
	}

	if c.bus != nil {
		for _, kind := range params.Present() {
			events.Emit(ctx, c.bus, events.Render(kind), params, "expression")
		}
	}

	if c.renderer == nil {
		return nil
	}
	outcomes := c.renderer.RenderAll(ctx, params)
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			span.RecordError(outcome.Err)
		}
	}
	return outcomes
}

// Subscribe dispatches every intent on the decision.intent topic.
func (c *Coordinator) Subscribe(bus *events.Bus) (events.Subscription, error) {
	return events.On(bus, events.DecisionIntent, func(ctx context.Context, event events.Event[events.IntentDecided]) error {
		c.Dispatch(ctx, event.Payload)
		return nil
	}, events.WithName("expression coordinator"))
}
