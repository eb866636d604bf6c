package relay

import (
	"context"
	"sync"
	"time"
)

// Default admission limits: 30 requests per caller per trailing minute.
const (
	DefaultRateLimit  = 30
	DefaultRateWindow = time.Minute
)

// Limiter is a per-caller sliding-window log.
//
// Each caller key maps to the timestamps of its admitted requests. Before a
// count is taken the sequence is pruned to entries younger than the window.
// Concurrent calls for the same key may interleave between checks but never
// corrupt the table.
type Limiter struct {
	mu      sync.Mutex
	clients map[string][]time.Time
	limit   int
	window  time.Duration
	clock   func() time.Time
}

// Decision reports the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// LimiterOption customizes a Limiter.
type LimiterOption func(*Limiter)

// WithClock overrides the time source, mainly for tests.
func WithClock(clock func() time.Time) LimiterOption {
	return func(l *Limiter) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// NewLimiter returns a limiter admitting limit requests per window per key.
// Non-positive arguments fall back to the defaults.
func NewLimiter(limit int, window time.Duration, opts ...LimiterOption) *Limiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	l := &Limiter{
		clients: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow prunes the caller's log, rejects when it already holds limit entries,
// and otherwise records the current time. Rejected attempts are not recorded.
func (l *Limiter) Allow(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	log := l.prune(key, now)

	if len(log) >= l.limit {
		retry := log[0].Add(l.window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retry}
	}

	log = append(log, now)
	l.clients[key] = log
	return Decision{Allowed: true, Remaining: l.limit - len(log)}
}

// Count returns the number of live entries for key.
func (l *Limiter) Count(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prune(key, l.clock()))
}

// Len returns the number of tracked caller keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Limit returns the configured requests per window.
func (l *Limiter) Limit() int { return l.limit }

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Sweep drops callers whose log is empty after pruning and returns how many
// keys were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	removed := 0
	for key := range l.clients {
		if len(l.prune(key, now)) == 0 {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}

// Run sweeps idle callers every interval until ctx is done. onSweep, when
// non-nil, receives the number of removed and remaining keys.
func (l *Limiter) Run(ctx context.Context, interval time.Duration, onSweep func(removed, remaining int)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := l.Sweep()
			if onSweep != nil {
				onSweep(removed, l.Len())
			}
		}
	}
}

// prune drops entries at least one window old. Must be called with l.mu held.
func (l *Limiter) prune(key string, now time.Time) []time.Time {
	log, ok := l.clients[key]
	if !ok {
		return nil
	}

	i := 0
	for ; i < len(log); i++ {
		if now.Sub(log[i]) < l.window {
			break
		}
	}
	if i > 0 {
		log = append(log[:0:0], log[i:]...)
		l.clients[key] = log
	}
	return log
}
