package orchestration

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koscakluka/ema-live/core/messages"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
)

type inputQueueItem struct {
	raw      messages.RawData
	source   string
	queuedAt time.Time
}

// inputRuntime is a bounded queue of raw inputs drained by a fixed pool of
// workers. Each item is processed start to finish by one worker, so a single
// message moves through normalization, pipelines, decision and output in
// order while other messages are in flight on other workers.
type inputRuntime struct {
	workers int
	process func(ctx context.Context, item inputQueueItem)

	queue chan inputQueueItem
	// closeCh stops new items from being queued; drainCh tells workers to
	// finish what is queued and exit. enqueueMu separates the two so an
	// enqueue racing with close never lands after the workers drained.
	closeCh   chan struct{}
	drainCh   chan struct{}
	enqueueMu sync.RWMutex

	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	endOnce   sync.Once

	started atomic.Bool
}

func newInputRuntime(workers, capacity int, process func(ctx context.Context, item inputQueueItem)) *inputRuntime {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &inputRuntime{
		workers: workers,
		process: process,
		queue:   make(chan inputQueueItem, capacity),
		closeCh: make(chan struct{}),
		drainCh: make(chan struct{}),
	}
}

func (r *inputRuntime) start(ctx context.Context) bool {
	started := false
	r.startOnce.Do(func() {
		if r.isClosed() {
			return
		}
		started = true
		r.started.Store(true)

		ctx, r.cancel = context.WithCancel(ctx)
		for range r.workers {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.work(ctx)
			}()
		}
	})
	return started
}

func (r *inputRuntime) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-r.queue:
			r.process(ctx, item)
		case <-r.drainCh:
			for {
				select {
				case <-ctx.Done():
					return
				case item := <-r.queue:
					r.process(ctx, item)
				default:
					return
				}
			}
		}
	}
}

// enqueue queues the item without waiting. It reports false when the queue
// is full, the runtime is closed or ctx has ended.
func (r *inputRuntime) enqueue(ctx context.Context, raw messages.RawData, source string) bool {
	r.enqueueMu.RLock()
	defer r.enqueueMu.RUnlock()

	if r.isClosed() {
		return false
	}

	if ctx.Err() != nil {
		return false
	}
	item := inputQueueItem{raw: raw, source: source, queuedAt: time.Now()}
	select {
	case r.queue <- item:
		return true
	default:
		return false
	}
}

func (r *inputRuntime) isClosed() bool {
	select {
	case <-r.closeCh:
		return true
	default:
		return false
	}
}

func (r *inputRuntime) queued() int { return len(r.queue) }

// close stops accepting input and lets the workers drain the queue for up to
// grace. Workers still busy after that have their context cancelled. It
// returns the number of queued items that were never processed.
func (r *inputRuntime) close(grace time.Duration) int {
	r.endOnce.Do(func() {
		close(r.closeCh)
		// Wait out enqueues that passed the closed check.
		r.enqueueMu.Lock()
		r.enqueueMu.Unlock()
		close(r.drainCh)
	})

	if !r.started.Load() {
		return r.queued()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		r.cancel()
		<-done
	}
	r.cancel()

	return r.queued()
}
