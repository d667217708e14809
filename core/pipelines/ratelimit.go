package pipelines

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/koscakluka/ema-live/core/messages"
)

const (
	DefaultRateWindow         = 60 * time.Second
	DefaultGlobalRateLimit    = 100
	DefaultPerSenderRateLimit = 60
)

var ErrInvalidRateLimit = errors.New("rate limit window and limits must be positive")

type RateLimiterConfig struct {
	Window         time.Duration
	GlobalLimit    int
	PerSenderLimit int
}

// timestamps is kept sorted so expired entries sit at the front.
type timestamps []time.Time

// purge drops entries older than cutoff. An entry exactly at cutoff stays.
func (q *timestamps) purge(cutoff time.Time) {
	idx := 0
	for idx < len(*q) && (*q)[idx].Before(cutoff) {
		idx++
	}
	*q = slices.Delete(*q, 0, idx)
}

func (q *timestamps) add(at time.Time) {
	idx, _ := slices.BinarySearchFunc(*q, at, func(existing, target time.Time) int {
		if existing.After(target) {
			return 1
		}
		return -1
	})
	*q = slices.Insert(*q, idx, at)
}

// RateLimiter drops messages over a sliding window limit, globally and per
// sender.
type RateLimiter struct {
	window         time.Duration
	globalLimit    int
	perSenderLimit int
	now            func() time.Time

	mu        sync.Mutex
	global    timestamps
	senders   map[string]*timestamps
	lastSweep time.Time
}

func NewRateLimiter(config RateLimiterConfig) (*RateLimiter, error) {
	if config.Window <= 0 || config.GlobalLimit <= 0 || config.PerSenderLimit <= 0 {
		return nil, ErrInvalidRateLimit
	}
	return &RateLimiter{
		window:         config.Window,
		globalLimit:    config.GlobalLimit,
		perSenderLimit: config.PerSenderLimit,
		now:            time.Now,
		senders:        make(map[string]*timestamps),
	}, nil
}

func (r *RateLimiter) Name() string { return "rate_limiter" }

// Check records a message from sender at now and reports whether it is
// within both limits. Entries older than now-window are expired, so the
// window is closed at both ends. A rejected
// message is not recorded.
func (r *RateLimiter) Check(sender string, now time.Time) bool {
	cutoff := now.Add(-r.window)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.global.purge(cutoff)
	queue, ok := r.senders[sender]
	if !ok {
		queue = &timestamps{}
		r.senders[sender] = queue
	}
	queue.purge(cutoff)

	if now.Sub(r.lastSweep) >= r.window {
		r.sweep(cutoff, sender)
		r.lastSweep = now
	}

	if len(r.global) >= r.globalLimit || len(*queue) >= r.perSenderLimit {
		return false
	}

	r.global.add(now)
	queue.add(now)
	return true
}

// sweep forgets senders with nothing left in the window.
func (r *RateLimiter) sweep(cutoff time.Time, keep string) {
	for sender, queue := range r.senders {
		if sender == keep {
			continue
		}
		queue.purge(cutoff)
		if len(*queue) == 0 {
			delete(r.senders, sender)
		}
	}
}

// Senders returns the number of senders currently tracked.
func (r *RateLimiter) Senders() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.senders)
}

func (r *RateLimiter) Process(ctx context.Context, message messages.NormalizedMessage) (messages.NormalizedMessage, bool, error) {
	if r.Check(message.Sender.ID, r.now()) {
		return message, true, nil
	}
	logger.DebugContext(ctx, "rate limited message",
		"sender", message.Sender.ID,
		"message_id", message.ID)
	return message, false, nil
}
