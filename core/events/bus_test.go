package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTopic = NewTopic[string]("test.topic")

func record(mu *sync.Mutex, calls *[]string, name string) Handler[string] {
	return func(_ context.Context, _ Event[string]) error {
		mu.Lock()
		defer mu.Unlock()
		*calls = append(*calls, name)
		return nil
	}
}

func TestEmitRunsHandlersByDescendingPriorityStable(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	var calls []string

	_, err := On(bus, testTopic, record(&mu, &calls, "low"), WithPriority(1))
	require.NoError(t, err)
	_, err = On(bus, testTopic, record(&mu, &calls, "high-a"), WithPriority(10))
	require.NoError(t, err)
	_, err = On(bus, testTopic, record(&mu, &calls, "default"))
	require.NoError(t, err)
	_, err = On(bus, testTopic, record(&mu, &calls, "high-b"), WithPriority(10))
	require.NoError(t, err)

	Emit(context.Background(), bus, testTopic, "payload", "test")

	assert.Equal(t, []string{"high-a", "high-b", "low", "default"}, calls)
}

func TestEmitIsolatesHandlerErrorsAndPanics(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	var calls []string

	_, err := On(bus, testTopic, func(context.Context, Event[string]) error {
		return errors.New("boom")
	}, WithPriority(3))
	require.NoError(t, err)
	_, err = On(bus, testTopic, func(context.Context, Event[string]) error {
		panic("handler panic")
	}, WithPriority(2))
	require.NoError(t, err)
	_, err = On(bus, testTopic, record(&mu, &calls, "survivor"), WithPriority(1))
	require.NoError(t, err)

	Emit(context.Background(), bus, testTopic, "payload", "test")

	assert.Equal(t, []string{"survivor"}, calls)
}

func TestEmitDoesNotWaitForSlowHandlerPastTimeout(t *testing.T) {
	bus := NewBus(WithHandlerTimeout(20 * time.Millisecond))
	release := make(chan struct{})
	defer close(release)

	var mu sync.Mutex
	var calls []string

	_, err := On(bus, testTopic, func(context.Context, Event[string]) error {
		<-release
		return nil
	}, WithPriority(2))
	require.NoError(t, err)
	_, err = On(bus, testTopic, record(&mu, &calls, "next"), WithPriority(1))
	require.NoError(t, err)

	started := time.Now()
	Emit(context.Background(), bus, testTopic, "payload", "test")

	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, []string{"next"}, calls)
}

func TestEmitPassesPayloadAndSource(t *testing.T) {
	bus := NewBus()
	received := make(chan Event[string], 1)
	_, err := On(bus, testTopic, func(_ context.Context, event Event[string]) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	Emit(context.Background(), bus, testTopic, "hello", "unit")

	event := <-received
	assert.Equal(t, "hello", event.Payload)
	assert.Equal(t, "unit", event.Source)
	assert.Equal(t, testTopic.Name(), event.Kind())
	assert.False(t, event.Timestamp().IsZero())
}

func TestOffRemovesHandler(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	var calls []string

	sub, err := On(bus, testTopic, record(&mu, &calls, "removed"))
	require.NoError(t, err)
	_, err = On(bus, testTopic, record(&mu, &calls, "kept"))
	require.NoError(t, err)

	assert.True(t, bus.Off(sub))
	assert.False(t, bus.Off(sub))

	Emit(context.Background(), bus, testTopic, "payload", "test")
	assert.Equal(t, []string{"kept"}, calls)
	assert.Equal(t, 1, bus.HandlerCount(testTopic.Name()))
}

func TestRegistrationDuringEmitAppliesToNextEmit(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	var calls []string

	_, err := On(bus, testTopic, func(ctx context.Context, event Event[string]) error {
		mu.Lock()
		calls = append(calls, "first")
		mu.Unlock()
		_, err := On(bus, testTopic, record(&mu, &calls, "added"))
		return err
	}, WithPriority(1))
	require.NoError(t, err)

	Emit(context.Background(), bus, testTopic, "one", "test")
	assert.Equal(t, []string{"first"}, calls)
}

func TestOnRejectsTopicBoundToAnotherType(t *testing.T) {
	bus := NewBus()
	_, err := On(bus, testTopic, func(context.Context, Event[string]) error { return nil })
	require.NoError(t, err)

	_, err = On(bus, NewTopic[int](testTopic.Name()), func(context.Context, Event[int]) error { return nil })
	assert.ErrorIs(t, err, ErrTopicTypeMismatch)

	_, err = On[string](bus, testTopic, nil)
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestRequestReturnsFirstResponse(t *testing.T) {
	bus := NewBus()
	_, err := On(bus, testTopic, func(_ context.Context, event Event[string]) error {
		Respond(bus, event.CorrelationID, "pong:"+event.Payload)
		return nil
	}, WithPriority(2))
	require.NoError(t, err)
	lateAccepted := make(chan bool, 1)
	_, err = On(bus, testTopic, func(_ context.Context, event Event[string]) error {
		lateAccepted <- Respond(bus, event.CorrelationID, "late")
		return nil
	}, WithPriority(1))
	require.NoError(t, err)

	resp, err := Request[string](context.Background(), bus, testTopic, "ping", "test")
	require.NoError(t, err)
	assert.Equal(t, "pong:ping", resp)
	assert.False(t, <-lateAccepted)
}

func TestRequestTimesOutWithoutResponder(t *testing.T) {
	bus := NewBus()
	_, err := On(bus, testTopic, func(context.Context, Event[string]) error { return nil })
	require.NoError(t, err)

	_, err = Request[string](context.Background(), bus, testTopic, "ping", "test", WithTimeout(20*time.Millisecond))
	require.ErrorIs(t, err, ErrRequestTimeout)

	var timeoutErr *RequestTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, testTopic.Name(), timeoutErr.Topic)
	assert.NotEmpty(t, timeoutErr.CorrelationID)
}

func TestRequestRejectsWrongResponseType(t *testing.T) {
	bus := NewBus()
	_, err := On(bus, testTopic, func(_ context.Context, event Event[string]) error {
		Respond(bus, event.CorrelationID, 42)
		return nil
	})
	require.NoError(t, err)

	_, err = Request[string](context.Background(), bus, testTopic, "ping", "test")
	assert.ErrorIs(t, err, ErrResponseType)
}

func TestRespondWithoutPendingRequest(t *testing.T) {
	bus := NewBus()
	assert.False(t, Respond(bus, "", "x"))
	assert.False(t, Respond(bus, "missing", "x"))
}
