package shared

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
)

// UserLimiter is a per-user token bucket. The key is the user ID, not the
// session, so clients cannot bypass throttling by opening more sessions.
type UserLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	clock    clock.PassiveClock
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewUserLimiter allows perSecond events per user with the given burst.
func NewUserLimiter(perSecond float64, burst int, clk clock.PassiveClock) *UserLimiter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &UserLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		clock:    clk,
	}
}

// Allow reports whether key may proceed now and consumes a token if so.
func (l *UserLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	e, ok := l.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Evict drops buckets idle for longer than idle and returns how many.
func (l *UserLimiter) Evict(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock.Now().Add(-idle)
	n := 0
	for key, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked users.
func (l *UserLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// RunEviction evicts idle buckets every interval until ctx is cancelled,
// keeping the map from growing without bound.
func (l *UserLimiter) RunEviction(ctx context.Context, clk clock.WithTicker, interval time.Duration) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			l.Evict(interval)
		}
	}
}
