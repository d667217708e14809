package speaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/ema-live/core/events"
	"github.com/koscakluka/ema-live/core/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlayer struct {
	mu      sync.Mutex
	played  [][]byte
	cleared bool
	closed  bool
}

func (f *fakePlayer) Enqueue(chunk []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played = append(f.played, chunk)
}

func (f *fakePlayer) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
}

func (f *fakePlayer) Drain(context.Context) error { return nil }

func (f *fakePlayer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newTestOutput(t *testing.T, options Options) (*Output, *fakePlayer, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	player := &fakePlayer{}
	output := New(options)
	output.player = player
	_, err := output.Setup(context.Background(), providers.Dependencies{Bus: bus})
	require.NoError(t, err)
	return output, player, bus
}

func frame(provider string, audio []byte, rate int) events.AudioFrame {
	return events.AudioFrame{Provider: provider, Audio: audio, Encoding: "linear16", Rate: rate}
}

func TestPlaysMatchingFrames(t *testing.T) {
	options := DefaultOptions()
	options.Providers = []string{"tts"}
	_, player, bus := newTestOutput(t, options)

	ctx := context.Background()
	events.Emit(ctx, bus, events.OutputAudio, frame("tts", []byte{1, 2}, 16000), "test")
	events.Emit(ctx, bus, events.OutputAudio, frame("other", []byte{3, 4}, 16000), "test")
	events.Emit(ctx, bus, events.OutputAudio, frame("tts", []byte{5, 6}, 24000), "test")
	events.Emit(ctx, bus, events.OutputAudio, events.AudioFrame{Provider: "tts", Audio: []byte{7}, Encoding: "mulaw", Rate: 16000}, "test")

	assert.Equal(t, [][]byte{{1, 2}}, player.played)
}

func TestCleanupUnsubscribesAndClosesPlayer(t *testing.T) {
	output, player, bus := newTestOutput(t, DefaultOptions())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, output.Cleanup(ctx))
	events.Emit(context.Background(), bus, events.OutputAudio, frame("tts", []byte{1}, 16000), "test")

	assert.Empty(t, player.played)
	assert.True(t, player.closed)
	assert.False(t, player.cleared)
	assert.Zero(t, bus.HandlerCount(events.KindOutputAudio))
}

func TestFactoryRejectsInvalidSampleRate(t *testing.T) {
	opts, err := providers.ParseOptions("sample_rate: -1\n")
	require.NoError(t, err)
	_, err = Factory(opts)
	assert.ErrorIs(t, err, providers.ErrInvalidOptions)
}
