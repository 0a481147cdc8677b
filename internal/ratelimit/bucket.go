package ratelimit

import (
	"math"
	"sync"
	"time"
)

// BucketConfig sizes one provider's token bucket.
type BucketConfig struct {
	Capacity     float64 // burst size
	RefillPerSec float64 // sustained rate
}

// Decision is the outcome of a bucket admission check.
type Decision struct {
	Allowed      bool
	RetryAfterMs int64   // only set on denial
	Remaining    float64 // tokens left after the check
}

type bucket struct {
	capacity     float64
	refillPerSec float64
	tokens       float64
	last         time.Time
}

func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillPerSec)
		b.last = now
	}
}

// Limiter holds one token bucket per configured provider. Buckets start full.
// Providers without a configured bucket are denied (fail closed).
// State is per gateway instance; the Redis RPM limiter is the shared layer.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewLimiter creates a limiter from per-provider bucket configs. Entries with
// non-positive capacity or refill rate are ignored, which denies that
// provider's traffic.
func NewLimiter(configs map[string]BucketConfig) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket, len(configs)),
		now:     time.Now,
	}
	start := l.now()
	for name, cfg := range configs {
		if cfg.Capacity <= 0 || cfg.RefillPerSec <= 0 {
			continue
		}
		l.buckets[name] = &bucket{
			capacity:     cfg.Capacity,
			refillPerSec: cfg.RefillPerSec,
			tokens:       cfg.Capacity,
			last:         start,
		}
	}
	return l
}

// TryAcquire consumes one token from the provider's bucket. On denial the
// decision carries the time until a full token accumulates.
func (l *Limiter) TryAcquire(provider string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[provider]
	if !ok {
		return Decision{}
	}
	b.refill(l.now())
	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: b.tokens}
	}
	deficit := 1 - b.tokens
	return Decision{
		RetryAfterMs: int64(math.Ceil(deficit / b.refillPerSec * 1000)),
		Remaining:    b.tokens,
	}
}

// Headroom reports the whole tokens currently available for a provider.
func (l *Limiter) Headroom(provider string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[provider]
	if !ok {
		return 0
	}
	b.refill(l.now())
	return int(b.tokens)
}
