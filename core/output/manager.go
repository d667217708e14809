// Package output fans render parameters out to every enabled output
// provider concurrently, isolating each provider's failures.
package output

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"github.com/koscakluka/ema-live/core/metrics"
	"github.com/koscakluka/ema-live/core/providers"
	"github.com/koscakluka/ema-live/core/render"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrStopped = errors.New("output manager stopped")

// Outcome is the result of one provider's render.
type Outcome struct {
	Provider string
	Err      error
	Duration time.Duration
}

func (o Outcome) OK() bool { return o.Err == nil }

type Manager struct {
	lifecycle *providers.Manager[providers.OutputProvider]
	metrics   *metrics.Metrics

	grace         time.Duration
	renderTimeout time.Duration

	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup
	nextID   uint64
	running  map[uint64]string
}

type Option func(*Manager)

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Manager) { o.metrics = m }
}

// WithGracePeriod bounds how long StopAll waits for in-flight renders.
func WithGracePeriod(grace time.Duration) Option {
	return func(o *Manager) {
		if grace > 0 {
			o.grace = grace
		}
	}
}

// WithRenderTimeout cancels the context of a single provider render after
// timeout. Zero leaves renders bounded only by the caller's context.
func WithRenderTimeout(timeout time.Duration) Option {
	return func(o *Manager) { o.renderTimeout = timeout }
}

func NewManager(lifecycle *providers.Manager[providers.OutputProvider], opts ...Option) *Manager {
	m := &Manager{
		lifecycle: lifecycle,
		grace:     providers.DefaultGracePeriod,
		running:   make(map[uint64]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load sets up the enabled output providers.
func (m *Manager) Load(ctx context.Context, specs []providers.Spec) error {
	_, err := m.lifecycle.Load(ctx, specs)
	m.metrics.ProvidersLoaded(string(providers.CategoryOutput), len(m.lifecycle.Instances()))
	return err
}

// Add sets up another output provider while renders continue.
func (m *Manager) Add(ctx context.Context, spec providers.Spec) error {
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	_, err := m.lifecycle.Add(ctx, spec)
	m.metrics.ProvidersLoaded(string(providers.CategoryOutput), len(m.lifecycle.Instances()))
	return err
}

// Remove tears down an output provider. Renders already started on it run
// to completion or until their context ends.
func (m *Manager) Remove(ctx context.Context, name string) error {
	err := m.lifecycle.Remove(ctx, name)
	m.metrics.ProvidersLoaded(string(providers.CategoryOutput), len(m.lifecycle.Instances()))
	return err
}

func (m *Manager) Providers() []string { return m.lifecycle.Names() }

// RenderAll renders params on every output provider concurrently and
// returns one outcome per provider, in load order. A failing or panicking
// provider only affects its own outcome. Each provider gets its own deep
// copy of params.
func (m *Manager) RenderAll(ctx context.Context, params render.Parameters) []Outcome {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	instances := m.lifecycle.Instances()
	m.inflight.Add(len(instances))
	m.mu.Unlock()

	ctx, span := tracer.Start(ctx, "render all",
		trace.WithAttributes(
			attribute.Int("providers", len(instances)),
			attribute.String("message.id", params.MessageID),
		))
	defer span.End()

	outcomes := make([]Outcome, len(instances))
	var wg sync.WaitGroup
	for i, instance := range instances {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer m.inflight.Done()
			outcomes[i] = m.render(ctx, instance, params)
		}()
	}
	wg.Wait()

	for _, outcome := range outcomes {
		if outcome.Err != nil {
			span.RecordError(outcome.Err)
		}
	}
	return outcomes
}

func (m *Manager) render(ctx context.Context, provider providers.OutputProvider, params render.Parameters) Outcome {
	name := provider.Info().Name
	id := m.track(name)
	defer m.untrack(id)

	if m.renderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.renderTimeout)
		defer cancel()
	}

	start := time.Now()
	err := safeRender(ctx, provider, cloneParameters(ctx, params))
	outcome := Outcome{Provider: name, Duration: time.Since(start)}
	if err != nil {
		outcome.Err = &providers.ProviderRuntimeError{Provider: name, Op: "render", Err: err}
		logger.WarnContext(ctx, "output provider failed", "provider", name, "message_id", params.MessageID, "error", err)
	}
	m.metrics.Render(name, err)
	return outcome
}

func safeRender(ctx context.Context, provider providers.OutputProvider, params render.Parameters) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("render panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return provider.Render(ctx, params)
}

func cloneParameters(ctx context.Context, params render.Parameters) render.Parameters {
	var clone render.Parameters
	if err := copier.CopyWithOption(&clone, &params, copier.Option{DeepCopy: true}); err != nil {
		logger.WarnContext(ctx, "failed to deep copy render parameters", "error", err)
		clone = params
		clone.Extra = make(map[render.Kind]map[string]string, len(params.Extra))
		for kind, extra := range params.Extra {
			clone.Extra[kind] = maps.Clone(extra)
		}
	}
	return clone
}

func (m *Manager) track(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.running[m.nextID] = name
	return m.nextID
}

func (m *Manager) untrack(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.running, id)
}

// StopAll stops accepting renders, waits up to the grace period for
// in-flight renders, then cleans up every provider regardless. Providers
// still rendering when the grace period ends are logged and returned.
func (m *Manager) StopAll(ctx context.Context) []string {
	ctx, span := tracer.Start(ctx, "stop outputs")
	defer span.End()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()

	var stragglers []string
	timer := time.NewTimer(m.grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		m.mu.Lock()
		for _, name := range m.running {
			stragglers = append(stragglers, name)
		}
		m.mu.Unlock()
		slices.Sort(stragglers)
		stragglers = slices.Compact(stragglers)
		err := fmt.Errorf("%d render(s) still running after %s", len(stragglers), m.grace)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WarnContext(ctx, "abandoning in-flight renders", "providers", stragglers, "grace", m.grace)
	}

	m.lifecycle.Cleanup(ctx)
	m.metrics.ProvidersLoaded(string(providers.CategoryOutput), 0)
	return stragglers
}
