package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/koscakluka/ema-live/core/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDropsWhenQueueIsFull(t *testing.T) {
	release := make(chan struct{})
	taken := make(chan string, 3)
	runtime := newInputRuntime(1, 1, func(ctx context.Context, item inputQueueItem) {
		taken <- item.source
		<-release
	})
	require.True(t, runtime.start(context.Background()))

	raw := messages.NewRawData(messages.KindText, messages.TextPayload{Text: "hi"}, "test")
	require.True(t, runtime.enqueue(context.Background(), raw, "a"))
	assert.Equal(t, "a", <-taken)
	require.True(t, runtime.enqueue(context.Background(), raw, "b"))

	start := time.Now()
	assert.False(t, runtime.enqueue(context.Background(), raw, "c"))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(release)
	assert.Equal(t, "b", <-taken)
	assert.Zero(t, runtime.close(time.Second))
	assert.False(t, runtime.enqueue(context.Background(), raw, "d"))
}
