package providers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-live/core/events"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultGracePeriod = 5 * time.Second

var (
	ErrAlreadyLoaded = errors.New("provider already loaded")
	ErrNotLoaded     = errors.New("provider not loaded")
)

// Spec names an enabled provider and its option block.
type Spec struct {
	Name    string
	Options Options
}

type loaded[P Provider] struct {
	id        string
	name      string
	plugin    P
	instances []P
	tasks     *Supervisor
}

type managerOptions struct {
	grace time.Duration
}

type ManagerOption func(*managerOptions)

// WithGracePeriod bounds how long cleanup waits for a provider's background
// tasks.
func WithGracePeriod(grace time.Duration) ManagerOption {
	return func(o *managerOptions) {
		if grace > 0 {
			o.grace = grace
		}
	}
}

// Manager owns the lifecycle of the providers of one domain.
type Manager[P Provider] struct {
	registry *Registry[P]
	bus      *events.Bus
	grace    time.Duration

	onInstance func(instance P, tasks *Supervisor)

	mu     sync.Mutex
	loaded []*loaded[P]
}

func NewManager[P Provider](registry *Registry[P], bus *events.Bus, opts ...ManagerOption) *Manager[P] {
	options := managerOptions{grace: DefaultGracePeriod}
	for _, opt := range opts {
		opt(&options)
	}
	return &Manager[P]{registry: registry, bus: bus, grace: options.grace}
}

// OnInstance registers a hook called for every provider instance right after
// its setup, with the supervisor of the provider that produced it.
func (m *Manager[P]) OnInstance(hook func(instance P, tasks *Supervisor)) {
	m.onInstance = hook
}

func (m *Manager[P]) Category() Category { return m.registry.Category() }

func (m *Manager[P]) Registry() *Registry[P] { return m.registry }

// Load creates and sets up every spec in order. A provider that fails is
// excluded and its error collected; the others still load. When specs is
// non-empty and nothing loaded, the returned error wraps
// [ErrNoProvidersLoaded].
func (m *Manager[P]) Load(ctx context.Context, specs []Spec) ([]P, error) {
	ctx, span := tracer.Start(ctx, "load providers",
		trace.WithAttributes(
			attribute.String("category", string(m.Category())),
			attribute.Int("count", len(specs)),
		))
	defer span.End()

	var (
		instances []P
		errs      []error
		succeeded int
	)
	for _, spec := range specs {
		produced, err := m.Add(ctx, spec)
		if err != nil {
			span.RecordError(err)
			logger.ErrorContext(ctx, "excluding provider", "category", string(m.Category()), "provider", spec.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		succeeded++
		instances = append(instances, produced...)
	}

	if len(specs) > 0 && succeeded == 0 {
		err := fmt.Errorf("%w for %s", ErrNoProvidersLoaded, m.Category())
		span.SetStatus(codes.Error, err.Error())
		return nil, errors.Join(append([]error{err}, errs...)...)
	}
	return instances, errors.Join(errs...)
}

// Add creates and sets up a single provider while others keep running.
func (m *Manager[P]) Add(ctx context.Context, spec Spec) ([]P, error) {
	m.mu.Lock()
	if m.indexOf(spec.Name) >= 0 {
		m.mu.Unlock()
		return nil, &ProviderSetupError{Provider: spec.Name, Category: m.Category(), Err: ErrAlreadyLoaded}
	}
	m.mu.Unlock()

	entry, err := m.setup(ctx, spec)
	if err != nil {
		return nil, &ProviderSetupError{Provider: spec.Name, Category: m.Category(), Err: err}
	}

	m.mu.Lock()
	if m.indexOf(spec.Name) >= 0 {
		m.mu.Unlock()
		m.teardown(ctx, entry)
		return nil, &ProviderSetupError{Provider: spec.Name, Category: m.Category(), Err: ErrAlreadyLoaded}
	}
	m.loaded = append(m.loaded, entry)
	m.mu.Unlock()

	if m.onInstance != nil {
		for _, instance := range entry.instances {
			m.onInstance(instance, entry.tasks)
		}
	}

	m.emitStatus(ctx, events.ProviderConnected, entry, nil)
	return slices.Clone(entry.instances), nil
}

func (m *Manager[P]) setup(ctx context.Context, spec Spec) (*loaded[P], error) {
	ctx, span := tracer.Start(ctx, "setup provider",
		trace.WithAttributes(
			attribute.String("category", string(m.Category())),
			attribute.String("provider", spec.Name),
		))
	defer span.End()

	plugin, err := m.registry.Create(spec.Name, spec.Options)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	tasks := NewSupervisor(ctx, spec.Name)
	produced, err := safeSetup(ctx, plugin, Dependencies{Bus: m.bus, Tasks: tasks})
	if err != nil {
		tasks.Stop(m.grace)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	entry := &loaded[P]{id: uuid.NewString(), name: spec.Name, plugin: plugin, tasks: tasks}
	for _, provider := range produced {
		instance, ok := provider.(P)
		if !ok {
			err := fmt.Errorf("%w: %T", ErrCapabilityMismatch, provider)
			m.teardown(ctx, entry)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		entry.instances = append(entry.instances, instance)
	}
	return entry, nil
}

func safeSetup(ctx context.Context, provider Provider, deps Dependencies) (produced []Provider, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("setup panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return provider.Setup(ctx, deps)
}

// Remove cleans up a single loaded provider.
func (m *Manager[P]) Remove(ctx context.Context, name string) error {
	m.mu.Lock()
	idx := m.indexOf(name)
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s provider %q", ErrNotLoaded, m.Category(), name)
	}
	entry := m.loaded[idx]
	m.loaded = slices.Delete(m.loaded, idx, idx+1)
	m.mu.Unlock()

	err := m.teardown(ctx, entry)
	m.emitStatus(ctx, events.ProviderDisconnected, entry, err)
	return err
}

// Cleanup tears down every loaded provider in reverse load order. Failures
// are logged and do not stop the remaining cleanups.
func (m *Manager[P]) Cleanup(ctx context.Context) {
	m.mu.Lock()
	entries := m.loaded
	m.loaded = nil
	m.mu.Unlock()

	for _, entry := range slices.Backward(entries) {
		err := m.teardown(ctx, entry)
		if err != nil {
			logger.WarnContext(ctx, "provider cleanup failed",
				"category", string(m.Category()),
				"provider", entry.name,
				"error", err)
		}
		m.emitStatus(ctx, events.ProviderDisconnected, entry, err)
	}
}

func (m *Manager[P]) teardown(ctx context.Context, entry *loaded[P]) (err error) {
	ctx, span := tracer.Start(ctx, "cleanup provider",
		trace.WithAttributes(
			attribute.String("category", string(m.Category())),
			attribute.String("provider", entry.name),
		))
	defer span.End()

	entry.tasks.Cancel()
	defer entry.tasks.Wait(m.grace)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup panicked: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.grace)
	defer cancel()
	return entry.plugin.Cleanup(cleanupCtx)
}

func (m *Manager[P]) emitStatus(ctx context.Context, topic events.Topic[events.ProviderStatus], entry *loaded[P], err error) {
	if m.bus == nil {
		return
	}
	events.Emit(ctx, m.bus, topic, events.ProviderStatus{
		ID:       entry.id,
		Name:     entry.name,
		Category: string(m.Category()),
		Err:      err,
	}, entry.name)
}

// Instances returns every loaded provider instance in load order.
func (m *Manager[P]) Instances() []P {
	m.mu.Lock()
	defer m.mu.Unlock()
	var instances []P
	for _, entry := range m.loaded {
		instances = append(instances, entry.instances...)
	}
	return instances
}

// Get returns the instances produced by the named provider.
func (m *Manager[P]) Get(name string) ([]P, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.indexOf(name)
	if idx < 0 {
		return nil, false
	}
	return slices.Clone(m.loaded[idx].instances), true
}

// Names returns the loaded provider names in load order.
func (m *Manager[P]) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.loaded))
	for _, entry := range m.loaded {
		names = append(names, entry.name)
	}
	return names
}

func (m *Manager[P]) indexOf(name string) int {
	return slices.IndexFunc(m.loaded, func(entry *loaded[P]) bool { return entry.name == name })
}
