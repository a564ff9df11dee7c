package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedKeys bounds the limiter map; idle keys are swept past it.
const maxTrackedKeys = 10000

// Limiter throttles login attempts per key with a token bucket.
type Limiter struct {
	mu      sync.Mutex
	burst   int
	every   rate.Limit
	buckets map[string]*rate.Limiter
}

func NewLimiter(burst int, refill time.Duration) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	every := rate.Inf
	if refill > 0 {
		every = rate.Every(refill)
	}
	return &Limiter{
		burst:   burst,
		every:   every,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= maxTrackedKeys {
			l.sweep()
		}
		b = rate.NewLimiter(l.every, l.burst)
		l.buckets[key] = b
	}
	return b.Allow()
}

// Reset forgets a key, e.g. after a successful login.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// sweep drops buckets that have refilled completely. Caller holds mu.
func (l *Limiter) sweep() {
	for k, b := range l.buckets {
		if b.Tokens() >= float64(l.burst) {
			delete(l.buckets, k)
		}
	}
}
