// Package orchestration wires the event bus, normalizers, pipelines and the
// provider managers of the three domains into a running assistant.
//
// Raw input pushed by input providers is published on input.raw and queued
// for a pool of workers. A worker normalizes it, runs the pipelines and
// publishes the surviving message on canonical.message, where the decision
// coordinator picks it up. Intents on decision.intent are mapped to render
// parameters by the expression coordinator and fanned out to every output.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koscakluka/ema-live/core/builtin"
	"github.com/koscakluka/ema-live/core/config"
	"github.com/koscakluka/ema-live/core/decision"
	"github.com/koscakluka/ema-live/core/events"
	"github.com/koscakluka/ema-live/core/expression"
	"github.com/koscakluka/ema-live/core/messages"
	"github.com/koscakluka/ema-live/core/metrics"
	"github.com/koscakluka/ema-live/core/normalization"
	"github.com/koscakluka/ema-live/core/output"
	"github.com/koscakluka/ema-live/core/pipelines"
	"github.com/koscakluka/ema-live/core/providers"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrAlreadyStarted = errors.New("orchestrator already started")
	ErrClosed         = errors.New("orchestrator closed")
)

type Orchestrator struct {
	config      config.Config
	bus         *events.Bus
	registries  *providers.Registries
	normalizers *normalization.Registry
	metrics     *metrics.Metrics

	inputs     *providers.Manager[providers.InputProvider]
	decision   *decision.Coordinator
	outputs    *output.Manager
	expression *expression.Coordinator
	pipelines  *pipelines.Manager

	runtime       *inputRuntime
	subscriptions []events.Subscription

	mu        sync.Mutex
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func NewOrchestrator(cfg *config.Config, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{config: config.Default()}
	if cfg != nil {
		o.config = *cfg
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registries == nil {
		o.registries = builtin.NewRegistries()
	}
	if o.normalizers == nil {
		o.normalizers = normalization.NewDefaultRegistry()
	}

	grace := o.config.Shutdown.GracePeriod
	o.bus = events.NewBus(
		events.WithHandlerTimeout(o.config.Bus.HandlerTimeout),
		events.WithRequestTimeout(o.config.Bus.RequestTimeout),
	)

	o.inputs = providers.NewManager(o.registries.Input, o.bus, providers.WithGracePeriod(grace))
	o.inputs.OnInstance(o.runInput)

	o.decision = decision.NewCoordinator(
		providers.NewManager(o.registries.Decision, o.bus, providers.WithGracePeriod(grace)),
		decision.WithMetrics(o.metrics),
		decision.WithDrainTimeout(grace),
	)
	o.outputs = output.NewManager(
		providers.NewManager(o.registries.Output, o.bus, providers.WithGracePeriod(grace)),
		output.WithMetrics(o.metrics),
		output.WithGracePeriod(grace),
	)

	emotions := expression.DefaultEmotionTable()
	for emotion, name := range o.config.Expression.Emotions {
		emotions[emotion] = name
	}
	o.expression = expression.NewCoordinator(o.outputs,
		expression.WithEmotionTable(emotions),
		expression.WithThreshold(o.config.Expression.Threshold),
		expression.WithBus(o.bus),
	)

	o.runtime = newInputRuntime(o.config.Orchestrator.Workers, o.config.Orchestrator.QueueSize, o.process)
	return o
}

// Bus returns the event bus shared by the core and every provider.
func (o *Orchestrator) Bus() *events.Bus { return o.bus }

func (o *Orchestrator) Registries() *providers.Registries { return o.registries }

// Start builds the pipelines, subscribes the coordinators and loads the
// providers of every domain: outputs first, then the decision provider, then
// inputs, so nothing is produced before it can be consumed.
//
// A domain with providers enabled where none could be loaded fails Start
// with an error wrapping [providers.ErrNoProvidersLoaded]; individual
// provider failures are only logged. Everything started so far is closed
// when Start fails.
func (o *Orchestrator) Start(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "start orchestrator")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if o.closed.Load() {
		return ErrClosed
	}
	if !o.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	defer func() {
		if err != nil {
			if closeErr := o.Close(context.WithoutCancel(ctx)); closeErr != nil {
				logger.WarnContext(ctx, "failed to close after failed start", "error", closeErr)
			}
		}
	}()

	pipes, err := newPipelines(ctx, o.config.Pipelines)
	if err != nil {
		return fmt.Errorf("failed to build pipelines: %w", err)
	}
	o.mu.Lock()
	o.pipelines = pipes
	o.mu.Unlock()

	if err := o.subscribe(); err != nil {
		return err
	}
	o.runtime.start(context.WithoutCancel(ctx))

	if err := o.outputs.Load(ctx, o.config.Providers.Output.Specs()); err != nil {
		if errors.Is(err, providers.ErrNoProvidersLoaded) {
			return err
		}
		logger.WarnContext(ctx, "some output providers failed to load", "error", err)
	}

	if spec, ok := o.config.Providers.Decision.ActiveSpec(); ok {
		if err := o.decision.Start(ctx, spec); err != nil {
			return fmt.Errorf("%w for %s: %w", providers.ErrNoProvidersLoaded, providers.CategoryDecision, err)
		}
	} else {
		logger.WarnContext(ctx, "no decision provider configured; messages will not be answered")
	}

	loaded, err := o.inputs.Load(ctx, o.config.Providers.Input.Specs())
	o.metrics.ProvidersLoaded(string(providers.CategoryInput), len(o.inputs.Instances()))
	if err != nil {
		if errors.Is(err, providers.ErrNoProvidersLoaded) {
			return err
		}
		logger.WarnContext(ctx, "some input providers failed to load", "error", err)
	}

	span.SetAttributes(
		attribute.StringSlice("inputs", o.inputs.Names()),
		attribute.String("decision", o.decision.Active()),
		attribute.StringSlice("outputs", o.outputs.Providers()),
	)
	logger.InfoContext(ctx, "orchestrator started",
		"inputs", len(loaded),
		"decision", o.decision.Active(),
		"outputs", o.outputs.Providers())
	return nil
}

func (o *Orchestrator) subscribe() error {
	rawSub, err := events.On(o.bus, events.RawInput, func(ctx context.Context, event events.Event[messages.RawData]) error {
		if !o.runtime.enqueue(ctx, event.Payload, event.Source) {
			o.metrics.Message("dropped")
			logger.WarnContext(ctx, "raw input not queued", "source", event.Source, "kind", string(event.Payload.Kind))
		}
		return nil
	}, events.WithName("input queue"))
	if err != nil {
		return fmt.Errorf("failed to subscribe input queue: %w", err)
	}

	decisionSub, err := o.decision.Subscribe(o.bus)
	if err != nil {
		o.bus.Off(rawSub)
		return fmt.Errorf("failed to subscribe decision coordinator: %w", err)
	}

	expressionSub, err := o.expression.Subscribe(o.bus)
	if err != nil {
		o.bus.Off(rawSub)
		o.bus.Off(decisionSub)
		return fmt.Errorf("failed to subscribe expression coordinator: %w", err)
	}

	o.mu.Lock()
	o.subscriptions = append(o.subscriptions, rawSub, decisionSub, expressionSub)
	o.mu.Unlock()
	return nil
}

// runInput starts the read loop of a freshly set up input provider under its
// supervisor, so cleanup of the provider stops the loop.
func (o *Orchestrator) runInput(input providers.InputProvider, tasks *providers.Supervisor) {
	name := input.Info().Name
	tasks.Go("run", func(ctx context.Context) error {
		logger.InfoContext(ctx, "input running", "provider", name)
		return input.Run(ctx, o.sink(name))
	})
}

func (o *Orchestrator) sink(provider string) providers.Sink {
	return func(ctx context.Context, raw messages.RawData) {
		source := raw.SourceID
		if source == "" {
			source = provider
			raw.SourceID = provider
		}
		if raw.Timestamp.IsZero() {
			raw.Timestamp = time.Now()
		}
		o.metrics.RawInput(source, string(raw.Kind))
		events.Emit(ctx, o.bus, events.RawInput, raw, source)
	}
}

// process carries one raw input through normalization and the pipelines
// and publishes the result. Decision and output run synchronously inside
// the publish as bus handlers.
func (o *Orchestrator) process(ctx context.Context, item inputQueueItem) {
	ctx, span := tracer.Start(ctx, "process input",
		trace.WithNewRoot(),
		trace.WithAttributes(
			attribute.String("source", item.source),
			attribute.String("kind", string(item.raw.Kind)),
		))
	defer span.End()
	span.AddEvent("taken out of queue",
		trace.WithAttributes(attribute.String("queued_time", time.Since(item.queuedAt).String())))

	message, err := o.normalizers.Normalize(item.raw)
	if err != nil {
		result := "invalid"
		if errors.Is(err, normalization.ErrUnsupportedKind) {
			result = "unsupported"
		}
		o.metrics.Message(result)
		span.RecordError(err)
		logger.WarnContext(ctx, "dropping raw input", "source", item.source, "kind", string(item.raw.Kind), "error", err)
		return
	}
	o.metrics.Message("normalized")
	span.SetAttributes(attribute.String("message_id", message.ID))

	o.mu.Lock()
	pipes := o.pipelines
	o.mu.Unlock()

	message, ok := pipes.Run(ctx, message)
	if !ok {
		o.metrics.Message("dropped")
		span.AddEvent("dropped by pipeline")
		return
	}

	events.Emit(ctx, o.bus, events.CanonicalMessage, message, item.source)
}

// SwitchDecisionProvider makes name the active decision provider using its
// configured options. The new provider is set up before the old one is
// removed.
func (o *Orchestrator) SwitchDecisionProvider(ctx context.Context, name string) error {
	if o.closed.Load() {
		return ErrClosed
	}
	spec := providers.Spec{Name: name, Options: o.config.Providers.Decision.Options(name)}
	return o.decision.SwitchProvider(ctx, spec)
}

// AddOutput sets up a configured output provider while the orchestrator
// runs.
func (o *Orchestrator) AddOutput(ctx context.Context, name string) error {
	if o.closed.Load() {
		return ErrClosed
	}
	return o.outputs.Add(ctx, providers.Spec{Name: name, Options: o.config.Providers.Output.Options(name)})
}

func (o *Orchestrator) RemoveOutput(ctx context.Context, name string) error {
	return o.outputs.Remove(ctx, name)
}

// Status reports what is currently loaded.
type Status struct {
	Inputs        []string
	Decision      string
	DecisionState decision.State
	Outputs       []string
	Queued        int
}

func (o *Orchestrator) Status() Status {
	return Status{
		Inputs:        o.inputs.Names(),
		Decision:      o.decision.Active(),
		DecisionState: o.decision.State(),
		Outputs:       o.outputs.Providers(),
		Queued:        o.runtime.queued(),
	}
}

// Close shuts down in flow order: inputs stop producing, queued input drains
// within the grace period, then the decision provider, the outputs and the
// pipelines are torn down. Close is safe to call more than once.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closeOnce.Do(func() {
		o.closed.Store(true)
		o.closeErr = o.close(ctx)
	})
	return o.closeErr
}

func (o *Orchestrator) close(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "close orchestrator")
	defer span.End()

	grace := o.config.Shutdown.GracePeriod
	if grace <= 0 {
		grace = providers.DefaultGracePeriod
	}

	o.inputs.Cleanup(ctx)

	if unprocessed := o.runtime.close(grace); unprocessed > 0 {
		logger.WarnContext(ctx, "queued input dropped on shutdown", "count", unprocessed)
		span.SetAttributes(attribute.Int("unprocessed", unprocessed))
	}

	o.decision.Stop(ctx)
	if stragglers := o.outputs.StopAll(ctx); len(stragglers) > 0 {
		span.SetAttributes(attribute.StringSlice("stragglers", stragglers))
	}

	o.mu.Lock()
	subscriptions := o.subscriptions
	o.subscriptions = nil
	pipes := o.pipelines
	o.mu.Unlock()

	for _, sub := range subscriptions {
		o.bus.Off(sub)
	}

	if pipes != nil {
		if err := pipes.Close(ctx); err != nil {
			err = fmt.Errorf("failed to close pipelines: %w", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	return nil
}
