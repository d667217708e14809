package decision

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koscakluka/ema-live/core/events"
	"github.com/koscakluka/ema-live/core/intents"
	"github.com/koscakluka/ema-live/core/messages"
	"github.com/koscakluka/ema-live/core/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeDecider struct {
	name       string
	concurrent bool
	delay      time.Duration
	err        error
	panic      bool
	journal    *journal

	running    atomic.Int32
	maxRunning atomic.Int32
}

func (f *fakeDecider) Info() providers.Info {
	return providers.Info{Name: f.name, Category: providers.CategoryDecision}
}

func (f *fakeDecider) Setup(context.Context, providers.Dependencies) ([]providers.Provider, error) {
	f.journal.add("setup:" + f.name)
	return []providers.Provider{f}, nil
}

func (f *fakeDecider) Cleanup(context.Context) error {
	f.journal.add("cleanup:" + f.name)
	return nil
}

func (f *fakeDecider) Concurrent() bool { return f.concurrent }

func (f *fakeDecider) Decide(_ context.Context, message messages.NormalizedMessage) (intents.Intent, error) {
	running := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		peak := f.maxRunning.Load()
		if running <= peak || f.maxRunning.CompareAndSwap(peak, running) {
			break
		}
	}

	time.Sleep(f.delay)
	if f.panic {
		panic("decider exploded")
	}
	if f.err != nil {
		return intents.Intent{}, f.err
	}
	return intents.New(intents.EmotionNeutral, f.name+":"+message.Text()), nil
}

func newTestCoordinator(t *testing.T, bus *events.Bus, deciders ...*fakeDecider) *Coordinator {
	t.Helper()
	registry := providers.NewRegistry[providers.DecisionProvider](providers.CategoryDecision)
	for _, decider := range deciders {
		registry.RegisterBuiltin(decider.name, func(providers.Options) (providers.DecisionProvider, error) {
			return decider, nil
		})
	}
	manager := providers.NewManager(registry, bus, providers.WithGracePeriod(time.Second))
	coordinator := NewCoordinator(manager, WithDrainTimeout(time.Second))
	t.Cleanup(func() { coordinator.Stop(context.Background()) })
	return coordinator
}

func textMessage(id, text string) messages.NormalizedMessage {
	return messages.NormalizedMessage{ID: id, Content: messages.TextContent{Text: text}}
}

func TestCoordinatorStateMachine(t *testing.T) {
	decider := &fakeDecider{name: "a", delay: 50 * time.Millisecond, journal: &journal{}}
	coordinator := newTestCoordinator(t, nil, decider)
	ctx := context.Background()

	assert.Equal(t, StateUninitialized, coordinator.State())
	_, err := coordinator.Decide(ctx, textMessage("1", "hi"))
	assert.ErrorIs(t, err, ErrNoActiveProvider)

	require.NoError(t, coordinator.Start(ctx, providers.Spec{Name: "a"}))
	assert.Equal(t, StateReady, coordinator.State())
	assert.ErrorIs(t, coordinator.Start(ctx, providers.Spec{Name: "a"}), ErrAlreadyStarted)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = coordinator.Decide(ctx, textMessage("2", "hi"))
	}()
	assert.Eventually(t, func() bool { return coordinator.State() == StateDeciding }, time.Second, time.Millisecond)
	<-done
	assert.Equal(t, StateReady, coordinator.State())

	coordinator.Stop(ctx)
	assert.Equal(t, StateStopped, coordinator.State())
	_, err = coordinator.Decide(ctx, textMessage("3", "hi"))
	assert.ErrorIs(t, err, ErrCoordinatorStopped)
	assert.Equal(t, []string{"setup:a", "cleanup:a"}, decider.journal.list())
}

func TestCoordinatorSerializesNonConcurrentProvider(t *testing.T) {
	tests := map[string]struct {
		concurrent bool
		wantPeak   int32
	}{
		"serial":     {concurrent: false, wantPeak: 1},
		"concurrent": {concurrent: true, wantPeak: 5},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			decider := &fakeDecider{name: "a", concurrent: tt.concurrent, delay: 30 * time.Millisecond, journal: &journal{}}
			coordinator := newTestCoordinator(t, nil, decider)
			require.NoError(t, coordinator.Start(context.Background(), providers.Spec{Name: "a"}))

			var wg sync.WaitGroup
			for range 5 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := coordinator.Decide(context.Background(), textMessage("m", "hi"))
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			assert.Equal(t, tt.wantPeak, decider.maxRunning.Load())
		})
	}
}

func TestCoordinatorContainsProviderFailures(t *testing.T) {
	tests := map[string]*fakeDecider{
		"error": {name: "a", err: errors.New("llm unreachable"), journal: &journal{}},
		"panic": {name: "a", panic: true, journal: &journal{}},
	}
	for name, decider := range tests {
		t.Run(name, func(t *testing.T) {
			bus := events.NewBus()
			coordinator := newTestCoordinator(t, bus, decider)
			require.NoError(t, coordinator.Start(context.Background(), providers.Spec{Name: "a"}))
			_, err := coordinator.Subscribe(bus)
			require.NoError(t, err)

			var emitted atomic.Int32
			_, err = events.On(bus, events.DecisionIntent, func(context.Context, events.Event[events.IntentDecided]) error {
				emitted.Add(1)
				return nil
			})
			require.NoError(t, err)

			_, err = coordinator.Decide(context.Background(), textMessage("1", "hi"))
			var runtimeErr *providers.ProviderRuntimeError
			require.ErrorAs(t, err, &runtimeErr)
			assert.Equal(t, "a", runtimeErr.Provider)

			events.Emit(context.Background(), bus, events.CanonicalMessage, textMessage("2", "hi"), "test")
			assert.Zero(t, emitted.Load())
			assert.Equal(t, StateReady, coordinator.State())
		})
	}
}

func TestCoordinatorEmitsDecidedIntent(t *testing.T) {
	bus := events.NewBus()
	coordinator := newTestCoordinator(t, bus, &fakeDecider{name: "a", journal: &journal{}})
	require.NoError(t, coordinator.Start(context.Background(), providers.Spec{Name: "a"}))
	_, err := coordinator.Subscribe(bus)
	require.NoError(t, err)

	var got []events.Event[events.IntentDecided]
	_, err = events.On(bus, events.DecisionIntent, func(_ context.Context, event events.Event[events.IntentDecided]) error {
		got = append(got, event)
		return nil
	})
	require.NoError(t, err)

	events.Emit(context.Background(), bus, events.CanonicalMessage, textMessage("1", "hello"), "test")

	require.Len(t, got, 1)
	assert.Equal(t, "a:hello", got[0].Payload.Intent.ResponseText)
	assert.Equal(t, "1", got[0].Payload.Message.ID)
	assert.Equal(t, "a", got[0].Source)
}

func TestSwitchProviderLeavesNoDecisionGap(t *testing.T) {
	log := &journal{}
	a := &fakeDecider{name: "a", concurrent: true, delay: time.Millisecond, journal: log}
	b := &fakeDecider{name: "b", concurrent: true, delay: time.Millisecond, journal: log}
	coordinator := newTestCoordinator(t, nil, a, b)
	require.NoError(t, coordinator.Start(context.Background(), providers.Spec{Name: "a"}))

	ctx, cancel := context.WithCancel(context.Background())
	var (
		wg       sync.WaitGroup
		failures atomic.Int32
		decided  atomic.Int32
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				if _, err := coordinator.Decide(context.Background(), textMessage("m", "hi")); err != nil {
					failures.Add(1)
				}
				decided.Add(1)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, coordinator.SwitchProvider(context.Background(), providers.Spec{Name: "b"}))
	time.Sleep(20 * time.Millisecond)
	cancel()
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Positive(t, decided.Load())
	assert.Equal(t, "b", coordinator.Active())
	assert.Equal(t, []string{"setup:a", "setup:b", "cleanup:a"}, log.list())
}

func TestSwitchToActiveProviderIsNoop(t *testing.T) {
	log := &journal{}
	coordinator := newTestCoordinator(t, nil, &fakeDecider{name: "a", journal: log})
	require.NoError(t, coordinator.Start(context.Background(), providers.Spec{Name: "a"}))

	require.NoError(t, coordinator.SwitchProvider(context.Background(), providers.Spec{Name: "a"}))

	assert.Equal(t, []string{"setup:a"}, log.list())
}

func TestSwitchToUnknownProviderKeepsCurrent(t *testing.T) {
	coordinator := newTestCoordinator(t, nil, &fakeDecider{name: "a", journal: &journal{}})
	require.NoError(t, coordinator.Start(context.Background(), providers.Spec{Name: "a"}))

	err := coordinator.SwitchProvider(context.Background(), providers.Spec{Name: "missing"})

	assert.ErrorIs(t, err, providers.ErrUnknownProvider)
	assert.Equal(t, "a", coordinator.Active())
	_, err = coordinator.Decide(context.Background(), textMessage("1", "hi"))
	assert.NoError(t, err)
}
