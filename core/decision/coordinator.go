// Package decision turns canonical messages into intents. The Coordinator
// drives exactly one active decision provider; the IntentParser and
// RuleEngine are the parsing tools LLM-backed providers build on.
package decision

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koscakluka/ema-live/core/events"
	"github.com/koscakluka/ema-live/core/intents"
	"github.com/koscakluka/ema-live/core/messages"
	"github.com/koscakluka/ema-live/core/metrics"
	"github.com/koscakluka/ema-live/core/providers"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateDeciding
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateDeciding:
		return "deciding"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	ErrNoActiveProvider    = errors.New("no active decision provider")
	ErrCoordinatorStopped  = errors.New("decision coordinator stopped")
	ErrAlreadyStarted      = errors.New("decision coordinator already started")
	ErrNoDecisionInstances = errors.New("decision provider produced no instances")
)

type activeProvider struct {
	name       string
	provider   providers.DecisionProvider
	concurrent bool

	// serial serializes Decide for providers that are not concurrent.
	serial   sync.Mutex
	inflight sync.WaitGroup
}

type Coordinator struct {
	manager *providers.Manager[providers.DecisionProvider]
	metrics *metrics.Metrics
	grace   time.Duration

	// switchMu orders Start, SwitchProvider and Stop.
	switchMu sync.Mutex

	mu      sync.RWMutex
	active  *activeProvider
	stopped bool

	deciding atomic.Int64
}

type CoordinatorOption func(*Coordinator)

func WithMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithDrainTimeout bounds how long a switch or stop waits for in-flight
// decisions of the outgoing provider.
func WithDrainTimeout(grace time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if grace > 0 {
			c.grace = grace
		}
	}
}

func NewCoordinator(manager *providers.Manager[providers.DecisionProvider], opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{manager: manager, grace: providers.DefaultGracePeriod}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case c.stopped:
		return StateStopped
	case c.active == nil:
		return StateUninitialized
	case c.deciding.Load() > 0:
		return StateDeciding
	}
	return StateReady
}

// Active returns the name of the active provider, or "" when there is none.
func (c *Coordinator) Active() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return ""
	}
	return c.active.name
}

// Start sets up the first active provider.
func (c *Coordinator) Start(ctx context.Context, spec providers.Spec) error {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.RLock()
	stopped, started := c.stopped, c.active != nil
	c.mu.RUnlock()
	if stopped {
		return ErrCoordinatorStopped
	}
	if started {
		return ErrAlreadyStarted
	}

	next, err := c.setUp(ctx, spec)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.active = next
	c.mu.Unlock()
	c.metrics.ProvidersLoaded(string(providers.CategoryDecision), 1)

	logger.InfoContext(ctx, "decision provider active", "provider", next.name, "concurrent", next.concurrent)
	return nil
}

// SwitchProvider makes spec the active provider. The new provider is set up
// before the old one is swapped out, so every message always has a provider.
// The old provider is torn down after its in-flight decisions finish or the
// drain timeout passes. Switching to the active provider is a no-op.
func (c *Coordinator) SwitchProvider(ctx context.Context, spec providers.Spec) error {
	ctx, span := tracer.Start(ctx, "switch decision provider", trace.WithAttributes(attribute.String("provider", spec.Name)))
	defer span.End()

	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.RLock()
	stopped, current := c.stopped, c.active
	c.mu.RUnlock()
	if stopped {
		return ErrCoordinatorStopped
	}
	if current != nil && current.name == spec.Name {
		return nil
	}

	next, err := c.setUp(ctx, spec)
	if err != nil {
		setSpanError(span, err)
		return err
	}

	c.mu.Lock()
	previous := c.active
	c.active = next
	c.mu.Unlock()
	c.metrics.ProvidersLoaded(string(providers.CategoryDecision), 1)

	logger.InfoContext(ctx, "decision provider switched", "from", nameOf(previous), "to", next.name)

	if previous != nil {
		c.drain(ctx, previous)
		if err := c.manager.Remove(ctx, previous.name); err != nil {
			logger.WarnContext(ctx, "failed to clean up previous decision provider", "provider", previous.name, "error", err)
		}
	}
	return nil
}

func (c *Coordinator) setUp(ctx context.Context, spec providers.Spec) (*activeProvider, error) {
	instances, err := c.manager.Add(ctx, spec)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		_ = c.manager.Remove(ctx, spec.Name)
		return nil, &providers.ProviderSetupError{Provider: spec.Name, Category: providers.CategoryDecision, Err: ErrNoDecisionInstances}
	}
	if len(instances) > 1 {
		logger.WarnContext(ctx, "decision provider produced several instances, using the first", "provider", spec.Name, "count", len(instances))
	}
	return &activeProvider{
		name:       spec.Name,
		provider:   instances[0],
		concurrent: providers.SupportsConcurrentDecisions(instances[0]),
	}, nil
}

func (c *Coordinator) drain(ctx context.Context, provider *activeProvider) {
	done := make(chan struct{})
	go func() {
		provider.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(c.grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		logger.WarnContext(ctx, "decisions still in flight after drain timeout", "provider", provider.name, "grace", c.grace)
	}
}

// Stop tears down the active provider. Decide fails with
// [ErrCoordinatorStopped] afterwards.
func (c *Coordinator) Stop(ctx context.Context) {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	previous := c.active
	c.active = nil
	c.mu.Unlock()

	if previous != nil {
		c.drain(ctx, previous)
	}
	c.manager.Cleanup(ctx)
	c.metrics.ProvidersLoaded(string(providers.CategoryDecision), 0)
}

// Decide asks the active provider for an intent. A provider failure is
// logged and returned as a [providers.ProviderRuntimeError]; callers emit no
// intent for the message.
func (c *Coordinator) Decide(ctx context.Context, message messages.NormalizedMessage) (intents.Intent, error) {
	c.mu.RLock()
	if c.stopped {
		c.mu.RUnlock()
		return intents.Intent{}, ErrCoordinatorStopped
	}
	active := c.active
	if active == nil {
		c.mu.RUnlock()
		return intents.Intent{}, ErrNoActiveProvider
	}
	active.inflight.Add(1)
	c.mu.RUnlock()
	defer active.inflight.Done()

	ctx, span := tracer.Start(ctx, "decide",
		trace.WithAttributes(
			attribute.String("provider", active.name),
			attribute.String("message.id", message.ID),
		))
	defer span.End()

	if !active.concurrent {
		active.serial.Lock()
		defer active.serial.Unlock()
	}

	c.deciding.Add(1)
	defer c.deciding.Add(-1)

	start := time.Now()
	intent, err := safeDecide(ctx, active.provider, message)
	c.metrics.DecideDuration(time.Since(start))
	if err == nil {
		err = intent.Validate()
	}
	if err != nil {
		err = &providers.ProviderRuntimeError{Provider: active.name, Op: "decide", Err: err}
		setSpanError(span, err)
		logger.ErrorContext(ctx, "decision failed, no intent emitted", "provider", active.name, "message_id", message.ID, "error", err)
		c.metrics.Intent("error")
		return intents.Intent{}, err
	}

	c.metrics.Intent(active.name)
	return intent.Clone(), nil
}

func safeDecide(ctx context.Context, provider providers.DecisionProvider, message messages.NormalizedMessage) (intent intents.Intent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decide panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return provider.Decide(ctx, message)
}

// Subscribe decides every canonical message on bus and emits the resulting
// intents on the decision.intent topic.
func (c *Coordinator) Subscribe(bus *events.Bus) (events.Subscription, error) {
	return events.On(bus, events.CanonicalMessage, func(ctx context.Context, event events.Event[messages.NormalizedMessage]) error {
		intent, err := c.Decide(ctx, event.Payload)
		if errors.Is(err, ErrNoActiveProvider) || errors.Is(err, ErrCoordinatorStopped) {
			logger.WarnContext(ctx, "message not decided", "message_id", event.Payload.ID, "error", err)
		}
		if err != nil {
			return nil
		}
		events.Emit(ctx, bus, events.DecisionIntent, events.IntentDecided{Intent: intent, Message: event.Payload}, c.Active())
		return nil
	}, events.WithName("decision coordinator"))
}

func nameOf(provider *activeProvider) string {
	if provider == nil {
		return ""
	}
	return provider.name
}
