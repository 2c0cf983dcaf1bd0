package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// rateLimiter is a token bucket refilled lazily from elapsed time.
type rateLimiter struct {
	lastRefill time.Time
	now        func() time.Time
	interval   time.Duration
	tokens     int
	capacity   int
	mu         sync.Mutex
}

// newRateLimiter creates a limiter allowing requestsPerMinute oracle calls.
func newRateLimiter(requestsPerMinute int) *rateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return &rateLimiter{
		tokens:     requestsPerMinute,
		capacity:   requestsPerMinute,
		interval:   time.Minute / time.Duration(requestsPerMinute),
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// wait blocks until a token is available or the context is canceled.
func (rl *rateLimiter) wait(ctx context.Context) error {
	for {
		delay, ok := rl.tryAcquire()
		if ok {
			return nil
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limiter canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// tryAcquire takes a token, or reports how long until the next one.
func (rl *rateLimiter) tryAcquire() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if elapsed := now.Sub(rl.lastRefill); elapsed >= rl.interval {
		refill := int(elapsed / rl.interval)
		rl.tokens = min(rl.capacity, rl.tokens+refill)
		rl.lastRefill = rl.lastRefill.Add(time.Duration(refill) * rl.interval)
	}

	if rl.tokens > 0 {
		rl.tokens--
		return 0, true
	}
	return rl.interval - now.Sub(rl.lastRefill), false
}
