package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrRequestTimeout = errors.New("request timed out")
	ErrResponseType   = errors.New("unexpected response type")
)

// RequestTimeoutError is returned by [Request] when no handler responded in
// time.
type RequestTimeoutError struct {
	Topic         Kind
	CorrelationID string
	After         time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("no response on %s for %s within %s", e.Topic, e.CorrelationID, e.After)
}

func (e *RequestTimeoutError) Is(target error) bool { return target == ErrRequestTimeout }

type requestOptions struct {
	timeout time.Duration
}

type RequestOption func(*requestOptions)

// WithTimeout overrides the bus request timeout for one request.
func WithTimeout(timeout time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = timeout }
}

// Request emits payload on topic and waits for the first [Respond] carrying
// the generated correlation id. Later responses are discarded.
func Request[Resp any, Req any](ctx context.Context, b *Bus, topic Topic[Req], payload Req, source string, opts ...RequestOption) (Resp, error) {
	var zero Resp

	options := requestOptions{timeout: b.requestTimeout}
	for _, opt := range opts {
		opt(&options)
	}

	correlationID := uuid.NewString()
	replies := make(chan any, 1)

	b.pendingMu.Lock()
	b.pending[correlationID] = replies
	b.pendingMu.Unlock()
	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, correlationID)
		b.pendingMu.Unlock()
	}()

	// Emit runs detached so a slow handler cannot hold the caller past the
	// reply window.
	go Emit(context.WithoutCancel(ctx), b, topic, payload, source, withCorrelationID(correlationID))

	timer := time.NewTimer(options.timeout)
	defer timer.Stop()

	select {
	case reply := <-replies:
		resp, ok := reply.(Resp)
		if !ok {
			return zero, fmt.Errorf("%w: got %T", ErrResponseType, reply)
		}
		return resp, nil
	case <-timer.C:
		return zero, &RequestTimeoutError{Topic: topic.name, CorrelationID: correlationID, After: options.timeout}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Respond delivers a reply for correlationID. It reports whether the reply
// was accepted; it is not when the request already has a reply or is gone.
func Respond[Resp any](b *Bus, correlationID string, resp Resp) bool {
	if correlationID == "" {
		return false
	}

	b.pendingMu.Lock()
	replies, ok := b.pending[correlationID]
	if ok {
		delete(b.pending, correlationID)
	}
	b.pendingMu.Unlock()
	if !ok {
		return false
	}

	// Only the first responder reaches here and the channel is buffered.
	replies <- resp
	return true
}
