// Package ratelimit counts requests per key in a cache-backed window.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dhima/ledger-bus/internal/cache"
	"github.com/spaolacci/murmur3"
)

const (
	// KeyPrefix namespaces every counter in the shared cache.
	KeyPrefix = "rate:"
	// lockStripes is the number of mutexes keys hash onto.
	lockStripes = 64
)

// Limiter allows up to limit calls per key within a window. Every allowed call
// rewrites the counter with a fresh window TTL, so a key that keeps being hit
// only resets once it has been quiet for a full window.
//
// The read and the write are separate cache calls. Calls for the same key in
// one process are serialized on a striped lock, so unrelated keys only wait on
// each other when they share a stripe. Limiters in different processes sharing
// a cache can overshoot.
type Limiter struct {
	cache   cache.Cache
	stripes [lockStripes]sync.Mutex
}

// New creates a Limiter over c.
func New(c cache.Cache) *Limiter {
	return &Limiter{cache: c}
}

// Allow reports whether another call for key fits within limit and, if so,
// counts it.
func (l *Limiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	mu := l.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	count, err := l.count(ctx, key)
	if err != nil {
		return false, err
	}
	if count >= limit {
		return false, nil
	}
	if err := l.cache.Set(ctx, KeyPrefix+key, count+1, window); err != nil {
		return false, fmt.Errorf("rate limit %q: %w", key, err)
	}
	return true, nil
}

// Remaining returns how many more calls key may make in its current window.
func (l *Limiter) Remaining(ctx context.Context, key string, limit int) (int, error) {
	count, err := l.count(ctx, key)
	if err != nil {
		return 0, err
	}
	if count >= limit {
		return 0, nil
	}
	return limit - count, nil
}

// Reset clears the counter for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	mu := l.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	if _, err := l.cache.Del(ctx, KeyPrefix+key); err != nil {
		return fmt.Errorf("rate limit reset %q: %w", key, err)
	}
	return nil
}

func (l *Limiter) lockFor(key string) *sync.Mutex {
	return &l.stripes[stripeOf(key)]
}

func stripeOf(key string) uint32 {
	return murmur3.Sum32([]byte(key)) % lockStripes
}

func (l *Limiter) count(ctx context.Context, key string) (int, error) {
	var count int
	if _, err := cache.GetJSON(ctx, l.cache, KeyPrefix+key, &count); err != nil {
		return 0, fmt.Errorf("rate limit %q: %w", key, err)
	}
	return count, nil
}
