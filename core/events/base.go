package events

import "time"

// Kind is a topic name, e.g. "input.raw".
type Kind string

type Base struct {
	kind      Kind
	timestamp time.Time
}

func NewBase(kind Kind) Base {
	return Base{kind: kind, timestamp: time.Now()}
}

func (b Base) Kind() Kind {
	return b.kind
}

func (b Base) Timestamp() time.Time {
	return b.timestamp
}

// Event is a single delivery of a payload on a topic.
type Event[T any] struct {
	Base
	// Source identifies the emitter, usually a provider name.
	Source string
	// CorrelationID is set for request/response deliveries and must be passed
	// to [Respond] by the handler that answers.
	CorrelationID string
	Payload       T
}
