package orchestration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/ema-live/core/config"
	"github.com/koscakluka/ema-live/core/decisions/rules"
	"github.com/koscakluka/ema-live/core/events"
	"github.com/koscakluka/ema-live/core/intents"
	"github.com/koscakluka/ema-live/core/messages"
	"github.com/koscakluka/ema-live/core/providers"
	"github.com/koscakluka/ema-live/core/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedInput struct {
	name string
	raws []messages.RawData

	mu      sync.Mutex
	running bool
}

func (i *scriptedInput) Info() providers.Info {
	return providers.Info{Name: i.name, Version: "test", Category: providers.CategoryInput}
}

func (i *scriptedInput) Setup(context.Context, providers.Dependencies) ([]providers.Provider, error) {
	return []providers.Provider{i}, nil
}

func (i *scriptedInput) Cleanup(context.Context) error { return nil }

func (i *scriptedInput) Run(ctx context.Context, sink providers.Sink) error {
	i.mu.Lock()
	i.running = true
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		i.running = false
		i.mu.Unlock()
	}()

	for _, raw := range i.raws {
		sink(ctx, raw)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (i *scriptedInput) isRunning() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.running
}

type recordingOutput struct {
	name     string
	setupErr error
	// gate, when set, holds every render until it is closed; entered
	// receives a value as each render starts waiting.
	gate    chan struct{}
	entered chan struct{}

	mu      sync.Mutex
	renders []render.Parameters
	cleaned bool
}

func (r *recordingOutput) Info() providers.Info {
	return providers.Info{Name: r.name, Version: "test", Category: providers.CategoryOutput}
}

func (r *recordingOutput) Setup(context.Context, providers.Dependencies) ([]providers.Provider, error) {
	if r.setupErr != nil {
		return nil, r.setupErr
	}
	return []providers.Provider{r}, nil
}

func (r *recordingOutput) Cleanup(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleaned = true
	return nil
}

func (r *recordingOutput) Render(ctx context.Context, params render.Parameters) error {
	if r.gate != nil {
		r.entered <- struct{}{}
		select {
		case <-r.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renders = append(r.renders, params)
	return nil
}

func (r *recordingOutput) cleanedUp() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cleaned
}

func (r *recordingOutput) rendered() []render.Parameters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]render.Parameters(nil), r.renders...)
}

func textInput(user, text string) messages.RawData {
	return messages.NewRawData(messages.KindText, messages.TextPayload{
		User: messages.User{ID: user, Nickname: user},
		Room: "room",
		Text: text,
	}, "")
}

func newTestRegistries(input *scriptedInput, outputs ...*recordingOutput) *providers.Registries {
	registries := providers.NewRegistries()
	registries.Input.RegisterBuiltin(input.name, func(providers.Options) (providers.InputProvider, error) {
		return input, nil
	})
	registries.Decision.RegisterBuiltin(rules.Name, rules.Factory)
	registries.Decision.RegisterBuiltin("quiet", func(opts providers.Options) (providers.DecisionProvider, error) {
		return rules.New(rules.Options{}), nil
	})
	for _, output := range outputs {
		registries.Output.RegisterBuiltin(output.name, func(providers.Options) (providers.OutputProvider, error) {
			return output, nil
		})
	}
	return registries
}

const testConfig = `
shutdown:
  grace_period: 1s
providers:
  input:
    enabled_inputs: [scripted]
  decision:
    active_provider: rules
    rules:
      echo: true
    quiet: {}
  output:
    enabled_outputs: [recorder]
`

func newTestOrchestrator(t *testing.T, yaml string, registries *providers.Registries) *Orchestrator {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	return NewOrchestrator(cfg, WithRegistries(registries))
}

func TestMessageFlowsFromInputToOutput(t *testing.T) {
	input := &scriptedInput{name: "scripted", raws: []messages.RawData{textInput("u1", "哈哈")}}
	output := &recordingOutput{name: "recorder"}
	o := newTestOrchestrator(t, testConfig, newTestRegistries(input, output))

	var canonical []messages.NormalizedMessage
	var mu sync.Mutex
	_, err := events.On(o.Bus(), events.CanonicalMessage, func(_ context.Context, event events.Event[messages.NormalizedMessage]) error {
		mu.Lock()
		defer mu.Unlock()
		canonical = append(canonical, event.Payload)
		return nil
	}, events.WithPriority(-1))
	require.NoError(t, err)

	require.NoError(t, o.Start(context.Background()))
	defer o.Close(context.Background())

	require.Eventually(t, func() bool { return len(output.rendered()) == 1 }, 2*time.Second, 10*time.Millisecond)
	params := output.rendered()[0]
	assert.Equal(t, intents.EmotionHappy, params.Emotion)
	assert.Equal(t, "smile", params.Expression)
	assert.Equal(t, "哈哈", params.SubtitleText)
	assert.Equal(t, "room", params.Room)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, canonical, 1)
	assert.Equal(t, canonical[0].ID, params.MessageID)
	assert.Equal(t, "scripted", canonical[0].SourcePlatform)
}

func TestUnsupportedKindIsDropped(t *testing.T) {
	input := &scriptedInput{name: "scripted", raws: []messages.RawData{
		messages.NewRawData("sticker", map[string]any{"id": 1}, "scripted"),
		textInput("u1", "哈哈"),
	}}
	output := &recordingOutput{name: "recorder"}
	o := newTestOrchestrator(t, testConfig, newTestRegistries(input, output))

	require.NoError(t, o.Start(context.Background()))
	defer o.Close(context.Background())

	require.Eventually(t, func() bool { return len(output.rendered()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return len(output.rendered()) > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestStartFailsWhenNoOutputLoads(t *testing.T) {
	input := &scriptedInput{name: "scripted"}
	output := &recordingOutput{name: "recorder", setupErr: errors.New("device busy")}
	o := newTestOrchestrator(t, testConfig, newTestRegistries(input, output))

	err := o.Start(context.Background())
	require.ErrorIs(t, err, providers.ErrNoProvidersLoaded)
	assert.False(t, input.isRunning(), "inputs are not started after a fatal load error")

	assert.ErrorIs(t, o.Start(context.Background()), ErrClosed)
}

func TestStartToleratesPartialOutputFailure(t *testing.T) {
	input := &scriptedInput{name: "scripted", raws: []messages.RawData{textInput("u1", "哈哈")}}
	good := &recordingOutput{name: "recorder"}
	broken := &recordingOutput{name: "broken", setupErr: errors.New("no display")}
	o := newTestOrchestrator(t, `
providers:
  input:
    enabled_inputs: [scripted]
  decision:
    active_provider: rules
  output:
    enabled_outputs: [broken, recorder]
`, newTestRegistries(input, good, broken))

	require.NoError(t, o.Start(context.Background()))
	defer o.Close(context.Background())

	assert.Equal(t, []string{"recorder"}, o.Status().Outputs)
	require.Eventually(t, func() bool { return len(good.rendered()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestStartFailsOnUnknownDecisionProvider(t *testing.T) {
	input := &scriptedInput{name: "scripted"}
	output := &recordingOutput{name: "recorder"}
	o := newTestOrchestrator(t, `
providers:
  input:
    enabled_inputs: [scripted]
  decision:
    active_provider: oracle
  output:
    enabled_outputs: [recorder]
`, newTestRegistries(input, output))

	err := o.Start(context.Background())
	require.ErrorIs(t, err, providers.ErrNoProvidersLoaded)
	assert.ErrorIs(t, err, providers.ErrUnknownProvider)
	assert.True(t, output.cleanedUp(), "loaded outputs are cleaned up")
}

func TestSwitchDecisionProvider(t *testing.T) {
	input := &scriptedInput{name: "scripted"}
	output := &recordingOutput{name: "recorder"}
	o := newTestOrchestrator(t, testConfig, newTestRegistries(input, output))

	require.NoError(t, o.Start(context.Background()))
	defer o.Close(context.Background())
	require.Equal(t, "rules", o.Status().Decision)

	require.NoError(t, o.SwitchDecisionProvider(context.Background(), "quiet"))
	assert.Equal(t, "quiet", o.Status().Decision)

	events.Emit(context.Background(), o.Bus(), events.RawInput, textInput("u2", "哈哈"), "test")
	require.Eventually(t, func() bool { return len(output.rendered()) == 1 }, 2*time.Second, 10*time.Millisecond)
	params := output.rendered()[0]
	assert.Empty(t, params.SubtitleText, "the quiet provider does not echo")
	assert.Equal(t, "smile", params.Expression)
}

func TestCloseStopsInputsAndIsIdempotent(t *testing.T) {
	input := &scriptedInput{name: "scripted"}
	output := &recordingOutput{name: "recorder"}
	o := newTestOrchestrator(t, testConfig, newTestRegistries(input, output))

	require.NoError(t, o.Start(context.Background()))
	require.Eventually(t, input.isRunning, time.Second, 10*time.Millisecond)

	require.NoError(t, o.Close(context.Background()))
	assert.False(t, input.isRunning())
	assert.True(t, output.cleanedUp())
	assert.NoError(t, o.Close(context.Background()))
	assert.ErrorIs(t, o.SwitchDecisionProvider(context.Background(), "quiet"), ErrClosed)
}

func TestBannedWordsAreMaskedBeforeDecision(t *testing.T) {
	input := &scriptedInput{name: "scripted", raws: []messages.RawData{textInput("u1", "哈哈 spoiler")}}
	output := &recordingOutput{name: "recorder"}
	o := newTestOrchestrator(t, testConfig+`
pipelines:
  text:
    banned_words: [spoiler]
    mask: "***"
`, newTestRegistries(input, output))

	require.NoError(t, o.Start(context.Background()))
	defer o.Close(context.Background())

	require.Eventually(t, func() bool { return len(output.rendered()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "哈哈 ***", output.rendered()[0].SubtitleText)
}

func TestOutputsCanBeAddedAndRemovedWhileRunning(t *testing.T) {
	input := &scriptedInput{name: "scripted"}
	output := &recordingOutput{name: "recorder"}
	late := &recordingOutput{name: "late"}
	o := newTestOrchestrator(t, testConfig, newTestRegistries(input, output, late))

	require.NoError(t, o.Start(context.Background()))
	defer o.Close(context.Background())

	require.NoError(t, o.AddOutput(context.Background(), "late"))
	assert.Equal(t, []string{"recorder", "late"}, o.Status().Outputs)

	events.Emit(context.Background(), o.Bus(), events.RawInput, textInput("u1", "哈哈"), "test")
	require.Eventually(t, func() bool { return len(late.rendered()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, o.RemoveOutput(context.Background(), "late"))
	assert.True(t, late.cleanedUp())
	assert.Equal(t, []string{"recorder"}, o.Status().Outputs)

	events.Emit(context.Background(), o.Bus(), events.RawInput, textInput("u1", "哈哈"), "test")
	require.Eventually(t, func() bool { return len(output.rendered()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, late.rendered(), 1)
	assert.Error(t, o.RemoveOutput(context.Background(), "late"))
}

func TestFullInputQueueDropsWithoutBlocking(t *testing.T) {
	input := &scriptedInput{name: "scripted"}
	output := &recordingOutput{name: "recorder", gate: make(chan struct{}), entered: make(chan struct{}, 3)}
	o := newTestOrchestrator(t, testConfig+`
orchestrator:
  workers: 1
  queue_size: 1
`, newTestRegistries(input, output))

	require.NoError(t, o.Start(context.Background()))
	defer o.Close(context.Background())
	defer close(output.gate)

	ctx := context.Background()
	events.Emit(ctx, o.Bus(), events.RawInput, textInput("u1", "哈哈"), "test")
	select {
	case <-output.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("the worker never reached the output")
	}

	events.Emit(ctx, o.Bus(), events.RawInput, textInput("u2", "哈哈"), "test")
	require.Equal(t, 1, o.Status().Queued)

	done := make(chan struct{})
	go func() {
		events.Emit(ctx, o.Bus(), events.RawInput, textInput("u3", "哈哈"), "test")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("emitting into a full queue blocked")
	}
	assert.Equal(t, 1, o.Status().Queued)
}

func TestOnlyFinalTranscriptsReachDecision(t *testing.T) {
	speech := func(transcript string, final bool) messages.RawData {
		return messages.NewRawData(messages.KindAudio, messages.AudioPayload{
			User:       messages.User{ID: "streamer", Nickname: "streamer"},
			Room:       "voice",
			Transcript: transcript,
			Final:      final,
		}, "")
	}
	input := &scriptedInput{name: "scripted", raws: []messages.RawData{
		speech("good", false),
		speech("good morning", true),
	}}
	output := &recordingOutput{name: "recorder"}
	o := newTestOrchestrator(t, testConfig, newTestRegistries(input, output))

	require.NoError(t, o.Start(context.Background()))
	defer o.Close(context.Background())

	require.Eventually(t, func() bool { return len(output.rendered()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return len(output.rendered()) > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, "good morning", output.rendered()[0].SubtitleText)
}
