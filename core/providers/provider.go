// Package providers holds the provider contract shared by the input, decision
// and output domains, the per-domain registries that construct providers by
// name, and the lifecycle manager that sets them up and tears them down.
package providers

import (
	"context"

	"github.com/koscakluka/ema-live/core/events"
	"github.com/koscakluka/ema-live/core/intents"
	"github.com/koscakluka/ema-live/core/messages"
	"github.com/koscakluka/ema-live/core/render"
)

type Category string

const (
	CategoryInput    Category = "input"
	CategoryDecision Category = "decision"
	CategoryOutput   Category = "output"
)

type Info struct {
	Name        string
	Version     string
	Category    Category
	Description string
}

// Dependencies are handed to a provider during setup.
type Dependencies struct {
	Bus *events.Bus
	// Tasks runs the provider's background work. Tasks are cancelled and
	// awaited when the provider is cleaned up; use its context, not the setup
	// context, for anything that outlives Setup.
	Tasks *Supervisor
}

// Provider is a pluggable unit of one domain.
//
// Setup is called once and returns the concrete providers it yields, which
// may be the provider itself, several instances, or none. Cleanup must
// release everything acquired in Setup.
type Provider interface {
	Info() Info
	Setup(ctx context.Context, deps Dependencies) ([]Provider, error)
	Cleanup(ctx context.Context) error
}

// Sink receives raw data produced by an input provider.
type Sink func(ctx context.Context, raw messages.RawData)

type InputProvider interface {
	Provider
	// Run produces raw data until ctx is cancelled or the source is
	// exhausted.
	Run(ctx context.Context, sink Sink) error
}

type DecisionProvider interface {
	Provider
	Decide(ctx context.Context, message messages.NormalizedMessage) (intents.Intent, error)
}

// ConcurrentDecider is implemented by decision providers that can decide
// several messages at once.
type ConcurrentDecider interface {
	Concurrent() bool
}

type OutputProvider interface {
	Provider
	Render(ctx context.Context, params render.Parameters) error
}

// SupportsConcurrentDecisions reports whether the provider declared itself
// safe for concurrent Decide calls.
func SupportsConcurrentDecisions(provider DecisionProvider) bool {
	concurrent, ok := provider.(ConcurrentDecider)
	return ok && concurrent.Concurrent()
}
