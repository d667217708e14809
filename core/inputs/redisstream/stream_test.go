package redisstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/ema-live/core/messages"
	"github.com/koscakluka/ema-live/core/providers"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	mu        sync.Mutex
	groupErr  error
	pingErr   error
	reads     []redis.XStream
	readErrs  []error
	acked     []string
	closed    bool
	lastGroup string
}

func (f *fakeStream) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", f.pingErr)
}

func (f *fakeStream) XGroupCreateMkStream(_ context.Context, _, group, _ string) *redis.StatusCmd {
	f.lastGroup = group
	return redis.NewStatusResult("OK", f.groupErr)
}

func (f *fakeStream) XReadGroup(ctx context.Context, _ *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	f.mu.Lock()
	if len(f.readErrs) > 0 {
		err := f.readErrs[0]
		f.readErrs = f.readErrs[1:]
		f.mu.Unlock()
		return redis.NewXStreamSliceCmdResult(nil, err)
	}
	if len(f.reads) > 0 {
		stream := f.reads[0]
		f.reads = f.reads[1:]
		f.mu.Unlock()
		return redis.NewXStreamSliceCmdResult([]redis.XStream{stream}, nil)
	}
	f.mu.Unlock()

	<-ctx.Done()
	return redis.NewXStreamSliceCmdResult(nil, ctx.Err())
}

func (f *fakeStream) XAck(_ context.Context, _, _ string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	return redis.NewIntResult(int64(len(ids)), nil)
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

func (f *fakeStream) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

func newTestInput(client *fakeStream) *Input {
	input := New(DefaultOptions())
	input.client = client
	input.retry = time.Millisecond
	return input
}

func TestRunDeliversAndAcknowledges(t *testing.T) {
	client := &fakeStream{
		readErrs: []error{redis.Nil, errors.New("connection reset")},
		reads: []redis.XStream{{
			Stream: "ema:input",
			Messages: []redis.XMessage{
				{ID: "1-0", Values: map[string]any{"envelope": `{"kind":"text","payload":{"user":{"id":"u"},"text":"hi"}}`}},
				{ID: "2-0", Values: map[string]any{"other": "field"}},
				{ID: "3-0", Values: map[string]any{"envelope": `{"kind":"enter","payload":{"user":{"id":"u"}},"source_id":"bridge"}`}},
			},
		}},
	}
	input := newTestInput(client)
	_, err := input.Setup(context.Background(), providers.Dependencies{})
	require.NoError(t, err)

	received := make(chan messages.RawData, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- input.Run(ctx, func(_ context.Context, raw messages.RawData) { received <- raw })
	}()

	first := <-received
	assert.Equal(t, messages.KindText, first.Kind)
	assert.Equal(t, Name, first.SourceID)
	second := <-received
	assert.Equal(t, messages.KindEnter, second.Kind)
	assert.Equal(t, "bridge", second.SourceID)

	require.Eventually(t, func() bool { return len(client.ackedIDs()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"1-0", "2-0", "3-0"}, client.ackedIDs())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, input.Cleanup(context.Background()))
	assert.True(t, client.closed)
}

func TestSetupToleratesExistingGroup(t *testing.T) {
	client := &fakeStream{groupErr: errors.New("BUSYGROUP Consumer Group name already exists")}
	_, err := newTestInput(client).Setup(context.Background(), providers.Dependencies{})
	require.NoError(t, err)
	assert.Equal(t, "ema-live", client.lastGroup)
}

func TestSetupFailures(t *testing.T) {
	client := &fakeStream{pingErr: errors.New("connection refused")}
	_, err := newTestInput(client).Setup(context.Background(), providers.Dependencies{})
	assert.Error(t, err)
	assert.True(t, client.closed)

	client = &fakeStream{groupErr: errors.New("WRONGTYPE")}
	_, err = newTestInput(client).Setup(context.Background(), providers.Dependencies{})
	assert.Error(t, err)
}

func TestFactoryValidatesOptions(t *testing.T) {
	opts, err := providers.ParseOptions("url: mysql://nope\n")
	require.NoError(t, err)
	_, err = Factory(opts)
	assert.ErrorIs(t, err, providers.ErrInvalidOptions)

	opts, err = providers.ParseOptions("stream: chat\nconsumer: worker-1\n")
	require.NoError(t, err)
	provider, err := Factory(opts)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", provider.(*Input).options.Consumer)
}
