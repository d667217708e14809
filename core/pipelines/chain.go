// Package pipelines runs priority-ordered middleware chains over canonical
// messages and their text before they reach the decision stage.
package pipelines

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Stage transforms or filters a value. Returning keep=false drops the value
// and halts the chain. A returned error is logged and the stage is skipped,
// the value continuing unchanged.
type Stage[T any] interface {
	Name() string
	Process(ctx context.Context, value T) (result T, keep bool, err error)
}

// StageFunc adapts a function to [Stage].
type StageFunc[T any] struct {
	StageName string
	Fn        func(ctx context.Context, value T) (T, bool, error)
}

func (f StageFunc[T]) Name() string { return f.StageName }

func (f StageFunc[T]) Process(ctx context.Context, value T) (T, bool, error) {
	return f.Fn(ctx, value)
}

type entry[T any] struct {
	stage    Stage[T]
	priority int
}

// Chain is a priority-ordered list of stages. Stages with higher priority run
// first; equal priorities keep registration order.
type Chain[T any] struct {
	name string

	mu     sync.Mutex
	stages []entry[T]
}

func NewChain[T any](name string) *Chain[T] {
	return &Chain[T]{name: name}
}

// Register adds stage to the chain.
func (c *Chain[T]) Register(stage Stage[T], priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stages := slices.Clone(c.stages)
	idx := len(stages)
	for i, existing := range stages {
		if existing.priority < priority {
			idx = i
			break
		}
	}
	c.stages = slices.Insert(stages, idx, entry[T]{stage: stage, priority: priority})
}

// Stages returns the stages in run order.
func (c *Chain[T]) Stages() []Stage[T] {
	snapshot := c.snapshot()
	stages := make([]Stage[T], 0, len(snapshot))
	for _, entry := range snapshot {
		stages = append(stages, entry.stage)
	}
	return stages
}

func (c *Chain[T]) snapshot() []entry[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stages
}

// Run passes value through every stage. It reports false when a stage
// dropped the value.
func (c *Chain[T]) Run(ctx context.Context, value T) (T, bool) {
	stages := c.snapshot()
	if len(stages) == 0 {
		return value, true
	}

	ctx, span := tracer.Start(ctx, "run pipeline",
		trace.WithAttributes(
			attribute.String("pipeline", c.name),
			attribute.Int("stages", len(stages)),
		))
	defer span.End()

	for _, entry := range stages {
		result, keep, err := process(ctx, entry.stage, value)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.WarnContext(ctx, "pipeline stage failed, passing message through",
				"pipeline", c.name,
				"stage", entry.stage.Name(),
				"error", err)
			continue
		}
		if !keep {
			span.SetAttributes(attribute.String("dropped_by", entry.stage.Name()))
			var zero T
			return zero, false
		}
		value = result
	}
	return value, true
}

func process[T any](ctx context.Context, stage Stage[T], value T) (result T, keep bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %s panicked: %v\n%s", stage.Name(), r, debug.Stack())
		}
	}()
	return stage.Process(ctx, value)
}
