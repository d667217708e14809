package providers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"
)

// Supervisor tracks the background tasks of one provider.
type Supervisor struct {
	owner string

	ctx    context.Context
	cancel context.CancelFunc

	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[uint64]string
	nextID  uint64
	stopped bool
}

// NewSupervisor creates a supervisor for owner. Task contexts carry the
// values of parent but are only cancelled by [Supervisor.Cancel].
func NewSupervisor(parent context.Context, owner string) *Supervisor {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &Supervisor{
		owner:   owner,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[uint64]string),
	}
}

// Context is cancelled when the supervisor stops.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Go starts task in a goroutine. It reports false and does not start the task
// once the supervisor has stopped.
//
// A task returning an error other than context cancellation, or panicking,
// is logged as a runtime error of the owning provider.
func (s *Supervisor) Go(name string, task func(ctx context.Context) error) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.nextID++
	id := s.nextID
	s.running[id] = name
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, id)
			s.mu.Unlock()
		}()

		if err := s.run(task); err != nil && !errors.Is(err, context.Canceled) {
			logger.ErrorContext(s.ctx, "provider task failed",
				"error", &ProviderRuntimeError{Provider: s.owner, Op: name, Err: err})
		}
	}()
	return true
}

func (s *Supervisor) run(task func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return task(s.ctx)
}

// Running returns the names of tasks that have not returned yet.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.running))
	for _, name := range s.running {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Cancel signals every task to stop and refuses new ones.
func (s *Supervisor) Cancel() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
}

// Wait waits up to grace for running tasks to return. Tasks still running
// afterwards are abandoned, logged and returned by name.
func (s *Supervisor) Wait(grace time.Duration) []string {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
	}

	stragglers := s.Running()
	if len(stragglers) > 0 {
		logger.Warn("abandoning provider tasks after grace period",
			"provider", s.owner,
			"tasks", stragglers,
			"grace", grace.String())
	}
	return stragglers
}

// Stop cancels all tasks and waits for them up to grace.
func (s *Supervisor) Stop(grace time.Duration) []string {
	s.Cancel()
	return s.Wait(grace)
}
