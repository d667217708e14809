package output

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/ema-live/core/providers"
	"github.com/koscakluka/ema-live/core/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutput struct {
	name  string
	delay time.Duration
	err   error
	panic bool
	// mutate scribbles over the received parameters.
	mutate bool

	mu       sync.Mutex
	rendered []render.Parameters
	cleaned  bool
}

func (f *fakeOutput) Info() providers.Info {
	return providers.Info{Name: f.name, Category: providers.CategoryOutput}
}

func (f *fakeOutput) Setup(context.Context, providers.Dependencies) ([]providers.Provider, error) {
	return []providers.Provider{f}, nil
}

func (f *fakeOutput) Cleanup(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = true
	return nil
}

func (f *fakeOutput) Render(ctx context.Context, params render.Parameters) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.panic {
		panic("overlay crashed")
	}
	if f.mutate {
		params.Extra[render.KindHotkey]["name"] = "scribbled"
	}
	f.mu.Lock()
	f.rendered = append(f.rendered, params)
	f.mu.Unlock()
	return f.err
}

func (f *fakeOutput) renders() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rendered)
}

func newTestManager(t *testing.T, outputs []*fakeOutput, opts ...Option) *Manager {
	t.Helper()
	registry := providers.NewRegistry[providers.OutputProvider](providers.CategoryOutput)
	var specs []providers.Spec
	for _, output := range outputs {
		registry.RegisterBuiltin(output.name, func(providers.Options) (providers.OutputProvider, error) {
			return output, nil
		})
		specs = append(specs, providers.Spec{Name: output.name})
	}
	manager := NewManager(providers.NewManager(registry, nil, providers.WithGracePeriod(time.Second)), opts...)
	require.NoError(t, manager.Load(context.Background(), specs))
	return manager
}

func TestRenderAllIsolatesFailingProviders(t *testing.T) {
	outputs := []*fakeOutput{
		{name: "subtitle"},
		{name: "tts", err: errors.New("synthesis failed")},
		{name: "avatar", panic: true},
		{name: "console"},
	}
	manager := newTestManager(t, outputs)

	outcomes := manager.RenderAll(context.Background(), render.Parameters{SubtitleText: "hi"})

	require.Len(t, outcomes, 4)
	assert.Equal(t, []string{"subtitle", "tts", "avatar", "console"},
		[]string{outcomes[0].Provider, outcomes[1].Provider, outcomes[2].Provider, outcomes[3].Provider})
	assert.True(t, outcomes[0].OK())
	assert.True(t, outcomes[3].OK())

	var runtimeErr *providers.ProviderRuntimeError
	require.ErrorAs(t, outcomes[1].Err, &runtimeErr)
	assert.Equal(t, "tts", runtimeErr.Provider)
	assert.ErrorContains(t, outcomes[2].Err, "render panicked")

	assert.Equal(t, 1, outputs[0].renders())
	assert.Equal(t, 1, outputs[3].renders())
}

func TestRenderAllRunsProvidersConcurrently(t *testing.T) {
	outputs := []*fakeOutput{
		{name: "a", delay: 100 * time.Millisecond},
		{name: "b", delay: 100 * time.Millisecond},
		{name: "c", delay: 100 * time.Millisecond},
	}
	manager := newTestManager(t, outputs)

	start := time.Now()
	outcomes := manager.RenderAll(context.Background(), render.Parameters{TTSText: "hi"})

	assert.Less(t, time.Since(start), 250*time.Millisecond)
	for _, outcome := range outcomes {
		assert.NoError(t, outcome.Err)
	}
}

func TestRenderAllGivesEachProviderItsOwnCopy(t *testing.T) {
	scribbler := &fakeOutput{name: "scribbler", mutate: true}
	reader := &fakeOutput{name: "reader", delay: 20 * time.Millisecond}
	manager := newTestManager(t, []*fakeOutput{scribbler, reader})

	params := render.Parameters{
		Hotkey: "wave",
		Extra:  map[render.Kind]map[string]string{render.KindHotkey: {"name": "wave"}},
	}
	manager.RenderAll(context.Background(), params)

	assert.Equal(t, "wave", params.Extra[render.KindHotkey]["name"])
	require.Equal(t, 1, reader.renders())
	assert.Equal(t, "wave", reader.rendered[0].Extra[render.KindHotkey]["name"])
}

func TestRenderTimeoutCancelsSlowProvider(t *testing.T) {
	slow := &fakeOutput{name: "slow", delay: time.Second}
	fast := &fakeOutput{name: "fast"}
	manager := newTestManager(t, []*fakeOutput{slow, fast}, WithRenderTimeout(20*time.Millisecond))

	outcomes := manager.RenderAll(context.Background(), render.Parameters{TTSText: "hi"})

	assert.ErrorIs(t, outcomes[0].Err, context.DeadlineExceeded)
	assert.NoError(t, outcomes[1].Err)
}

func TestStopAllAbandonsStragglersAfterGrace(t *testing.T) {
	slow := &fakeOutput{name: "slow", delay: 2 * time.Second}
	fast := &fakeOutput{name: "fast"}
	manager := newTestManager(t, []*fakeOutput{slow, fast}, WithGracePeriod(50*time.Millisecond))

	go manager.RenderAll(context.Background(), render.Parameters{TTSText: "hi"})
	require.Eventually(t, func() bool { return fast.renders() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	stragglers := manager.StopAll(context.Background())

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"slow"}, stragglers)
	assert.True(t, fast.cleaned)
	assert.Nil(t, manager.RenderAll(context.Background(), render.Parameters{TTSText: "late"}))
}

func TestAddAndRemoveProvidersAtRuntime(t *testing.T) {
	first := &fakeOutput{name: "first"}
	manager := newTestManager(t, []*fakeOutput{first})
	second := &fakeOutput{name: "second"}
	manager.lifecycle.Registry().RegisterBuiltin("second", func(providers.Options) (providers.OutputProvider, error) {
		return second, nil
	})

	require.NoError(t, manager.Add(context.Background(), providers.Spec{Name: "second"}))
	assert.Len(t, manager.RenderAll(context.Background(), render.Parameters{TTSText: "hi"}), 2)

	require.NoError(t, manager.Remove(context.Background(), "first"))
	outcomes := manager.RenderAll(context.Background(), render.Parameters{TTSText: "hi"})
	require.Len(t, outcomes, 1)
	assert.Equal(t, "second", outcomes[0].Provider)
	assert.True(t, first.cleaned)
	assert.Equal(t, []string{"second"}, manager.Providers())
}
