package events

import (
	"github.com/koscakluka/ema-live/core/intents"
	"github.com/koscakluka/ema-live/core/messages"
	"github.com/koscakluka/ema-live/core/render"
)

// Topic is a typed topic name. A topic name is bound to exactly one payload
// type; the bus rejects handlers registered with a different one.
type Topic[T any] struct {
	name Kind
}

func NewTopic[T any](name Kind) Topic[T] { return Topic[T]{name: name} }

func (t Topic[T]) Name() Kind { return t.name }

const (
	// KindRawInput identifies raw data pushed by input providers.
	KindRawInput Kind = "input.raw"
	// KindCanonicalMessage identifies normalized messages that passed the
	// message pipeline.
	KindCanonicalMessage Kind = "canonical.message"
	// KindDecisionIntent identifies intents produced by the decision
	// coordinator.
	KindDecisionIntent Kind = "decision.intent"
	// KindProviderConnected identifies a provider finishing setup.
	KindProviderConnected Kind = "provider.connected"
	// KindProviderDisconnected identifies a provider being cleaned up.
	KindProviderDisconnected Kind = "provider.disconnected"
	// KindOutputAudio identifies synthesized speech frames.
	KindOutputAudio Kind = "output.audio"

	renderPrefix = "render."
)

var (
	RawInput             = NewTopic[messages.RawData](KindRawInput)
	CanonicalMessage     = NewTopic[messages.NormalizedMessage](KindCanonicalMessage)
	DecisionIntent       = NewTopic[IntentDecided](KindDecisionIntent)
	ProviderConnected    = NewTopic[ProviderStatus](KindProviderConnected)
	ProviderDisconnected = NewTopic[ProviderStatus](KindProviderDisconnected)
	OutputAudio          = NewTopic[AudioFrame](KindOutputAudio)
)

// Render returns the render.<kind> topic. Every render topic carries the
// complete parameters; subscribers read the directive they care about.
func Render(kind render.Kind) Topic[render.Parameters] {
	return NewTopic[render.Parameters](Kind(renderPrefix + string(kind)))
}

// IntentDecided pairs an intent with the message it was decided for.
type IntentDecided struct {
	Intent  intents.Intent
	Message messages.NormalizedMessage
}

// ProviderStatus is the payload of provider lifecycle topics.
type ProviderStatus struct {
	ID       string
	Name     string
	Category string
	Err      error
}

// AudioFrame is a chunk of synthesized speech.
type AudioFrame struct {
	Provider  string
	MessageID string
	Audio     []byte
	Encoding  string
	Rate      int
}
