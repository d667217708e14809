package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSupervisorCancelsAndAwaitsTasks(t *testing.T) {
	supervisor := NewSupervisor(context.Background(), "test")
	finished := make(chan struct{})

	assert.True(t, supervisor.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		close(finished)
		return ctx.Err()
	}))

	stragglers := supervisor.Stop(time.Second)

	assert.Empty(t, stragglers)
	select {
	case <-finished:
	default:
		t.Fatal("task did not finish before Stop returned")
	}
	assert.False(t, supervisor.Go("late", func(context.Context) error { return nil }))
}

func TestSupervisorAbandonsStragglers(t *testing.T) {
	supervisor := NewSupervisor(context.Background(), "test")
	release := make(chan struct{})
	defer close(release)

	supervisor.Go("stubborn", func(context.Context) error {
		<-release
		return nil
	})

	started := time.Now()
	stragglers := supervisor.Stop(20 * time.Millisecond)

	assert.Equal(t, []string{"stubborn"}, stragglers)
	assert.Less(t, time.Since(started), time.Second)
}

func TestSupervisorContainsFailingTasks(t *testing.T) {
	supervisor := NewSupervisor(context.Background(), "test")

	supervisor.Go("error", func(context.Context) error { return errors.New("boom") })
	supervisor.Go("panic", func(context.Context) error { panic("boom") })

	assert.Empty(t, supervisor.Stop(time.Second))
}

func TestSupervisorIgnoresParentCancellationUntilStopped(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	supervisor := NewSupervisor(parent, "test")
	cancel()

	assert.NoError(t, supervisor.Context().Err())
	supervisor.Stop(time.Second)
	assert.ErrorIs(t, supervisor.Context().Err(), context.Canceled)
}
