package events

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultPriority       = 0
	DefaultHandlerTimeout = 30 * time.Second
	DefaultRequestTimeout = 5 * time.Second
)

var (
	ErrTopicTypeMismatch = errors.New("topic already bound to a different payload type")
	ErrNilHandler        = errors.New("handler is nil")
)

// Handler handles a single delivery on a topic. A returned error is logged by
// the bus and does not affect other handlers.
type Handler[T any] func(ctx context.Context, event Event[T]) error

// Subscription identifies a registered handler; pass it to [Bus.Off].
type Subscription struct {
	topic Kind
	id    uint64
}

func (s Subscription) Topic() Kind { return s.topic }

type registration struct {
	id       uint64
	priority int
	name     string
	call     func(ctx context.Context, event any) error
}

type Bus struct {
	mu         sync.RWMutex
	handlers   map[Kind][]registration
	topicTypes map[Kind]reflect.Type

	nextID atomic.Uint64

	pendingMu sync.Mutex
	pending   map[string]chan any

	handlerTimeout time.Duration
	requestTimeout time.Duration
}

type BusOption func(*Bus)

// WithHandlerTimeout bounds how long Emit waits for a single handler. Zero or
// negative waits indefinitely.
func WithHandlerTimeout(timeout time.Duration) BusOption {
	return func(b *Bus) { b.handlerTimeout = timeout }
}

// WithRequestTimeout sets the default reply window of [Request].
func WithRequestTimeout(timeout time.Duration) BusOption {
	return func(b *Bus) {
		if timeout > 0 {
			b.requestTimeout = timeout
		}
	}
}

func NewBus(opts ...BusOption) *Bus {
	bus := &Bus{
		handlers:       make(map[Kind][]registration),
		topicTypes:     make(map[Kind]reflect.Type),
		pending:        make(map[string]chan any),
		handlerTimeout: DefaultHandlerTimeout,
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(bus)
	}
	return bus
}

type handlerOptions struct {
	priority int
	name     string
}

type HandlerOption func(*handlerOptions)

// WithPriority orders the handler relative to others on the same topic;
// higher runs first.
func WithPriority(priority int) HandlerOption {
	return func(o *handlerOptions) { o.priority = priority }
}

// WithName labels the handler in logs and spans.
func WithName(name string) HandlerOption {
	return func(o *handlerOptions) { o.name = name }
}

// On registers handler for topic.
func On[T any](b *Bus, topic Topic[T], handler Handler[T], opts ...HandlerOption) (Subscription, error) {
	if handler == nil {
		return Subscription{}, ErrNilHandler
	}

	options := handlerOptions{priority: DefaultPriority, name: string(topic.Name())}
	for _, opt := range opts {
		opt(&options)
	}

	payloadType := reflect.TypeFor[T]()

	b.mu.Lock()
	defer b.mu.Unlock()

	if bound, ok := b.topicTypes[topic.name]; ok && bound != payloadType {
		return Subscription{}, fmt.Errorf("%w: %s carries %s, got %s", ErrTopicTypeMismatch, topic.name, bound, payloadType)
	}
	b.topicTypes[topic.name] = payloadType

	reg := registration{
		id:       b.nextID.Add(1),
		priority: options.priority,
		name:     options.name,
		call: func(ctx context.Context, event any) error {
			return handler(ctx, event.(Event[T]))
		},
	}

	// Copy on write: emits in flight keep iterating their own snapshot.
	handlers := slices.Clone(b.handlers[topic.name])
	idx := len(handlers)
	for i, existing := range handlers {
		if existing.priority < reg.priority {
			idx = i
			break
		}
	}
	b.handlers[topic.name] = slices.Insert(handlers, idx, reg)

	return Subscription{topic: topic.name, id: reg.id}, nil
}

// Off removes a handler. It reports whether the subscription was registered.
func (b *Bus) Off(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := b.handlers[sub.topic]
	idx := slices.IndexFunc(handlers, func(r registration) bool { return r.id == sub.id })
	if idx < 0 {
		return false
	}

	b.handlers[sub.topic] = slices.Delete(slices.Clone(handlers), idx, idx+1)
	return true
}

// HandlerCount returns the number of handlers registered for topic.
func (b *Bus) HandlerCount(topic Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}

func (b *Bus) snapshot(topic Kind, payloadType reflect.Type) ([]registration, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if bound, ok := b.topicTypes[topic]; ok && bound != payloadType {
		return nil, fmt.Errorf("%w: %s carries %s, got %s", ErrTopicTypeMismatch, topic, bound, payloadType)
	}
	// The slice is never mutated in place, so sharing it is safe.
	return b.handlers[topic], nil
}

type emitOptions struct {
	handlerTimeout *time.Duration
	correlationID  string
}

type EmitOption func(*emitOptions)

// WithEmitHandlerTimeout overrides the bus handler timeout for one emit.
func WithEmitHandlerTimeout(timeout time.Duration) EmitOption {
	return func(o *emitOptions) { o.handlerTimeout = &timeout }
}

func withCorrelationID(id string) EmitOption {
	return func(o *emitOptions) { o.correlationID = id }
}

// Emit delivers payload to every handler of topic in priority order.
func Emit[T any](ctx context.Context, b *Bus, topic Topic[T], payload T, source string, opts ...EmitOption) {
	options := emitOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	timeout := b.handlerTimeout
	if options.handlerTimeout != nil {
		timeout = *options.handlerTimeout
	}

	handlers, err := b.snapshot(topic.name, reflect.TypeFor[T]())
	if err != nil {
		logger.ErrorContext(ctx, "dropping event", "topic", string(topic.name), "source", source, "error", err)
		return
	}
	if len(handlers) == 0 {
		return
	}

	ctx, span := tracer.Start(ctx, "emit",
		trace.WithAttributes(
			attribute.String("topic", string(topic.name)),
			attribute.String("source", source),
			attribute.Int("handlers", len(handlers)),
		))
	defer span.End()

	event := Event[T]{
		Base:          NewBase(topic.name),
		Source:        source,
		CorrelationID: options.correlationID,
		Payload:       payload,
	}

	for _, handler := range handlers {
		if err := b.invoke(ctx, handler, event, timeout); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.WarnContext(ctx, "event handler failed",
				"topic", string(topic.name),
				"handler", handler.name,
				"source", source,
				"error", err)
		}
	}
}

// ErrHandlerTimeout is reported when Emit stops waiting for a handler.
var ErrHandlerTimeout = errors.New("event handler exceeded timeout")

func (b *Bus) invoke(ctx context.Context, handler registration, event any, timeout time.Duration) error {
	if timeout <= 0 {
		return safeCall(ctx, handler, event)
	}

	done := make(chan error, 1)
	go func() { done <- safeCall(ctx, handler, event) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrHandlerTimeout, timeout)
	}
}

func safeCall(ctx context.Context, handler registration, event any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return handler.call(ctx, event)
}
