package agent

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter throttles model calls per course with one token bucket each.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rates    map[string]rate.Limit // per-course overrides
	burst    int
	limit    rate.Limit
}

func NewRateLimiter(maxBurst int, ratePerMinute float64) *RateLimiter {
	if maxBurst <= 0 {
		maxBurst = 10
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 30 // 30 requests per minute default
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rates:    make(map[string]rate.Limit),
		burst:    maxBurst,
		limit:    rate.Limit(ratePerMinute / 60.0),
	}
}

func (rl *RateLimiter) limiter(course string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[course]
	if !ok {
		limit, custom := rl.rates[course]
		if !custom {
			limit = rl.limit
		}
		l = rate.NewLimiter(limit, rl.burst)
		rl.limiters[course] = l
	}
	return l
}

// SetRate overrides the rate of one course. Zero or less keeps the default.
func (rl *RateLimiter) SetRate(course string, ratePerMinute float64) {
	if ratePerMinute <= 0 {
		return
	}
	limit := rate.Limit(ratePerMinute / 60.0)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.rates[course] = limit
	if l, ok := rl.limiters[course]; ok {
		l.SetLimit(limit)
	}
}

// Wait blocks until course may make another call. A nil limiter never waits.
func (rl *RateLimiter) Wait(ctx context.Context, course string) error {
	if rl == nil {
		return nil
	}
	return rl.limiter(course).Wait(ctx)
}

// Allow reports whether course may call now without waiting.
func (rl *RateLimiter) Allow(course string) bool {
	if rl == nil {
		return true
	}
	return rl.limiter(course).Allow()
}
