// Package cache provides a TTL key-value cache. LedgerCache keeps entries as
// rows of the shared ledger table; MemoryCache keeps them in process. Both
// satisfy Cache so the rate limiter and session store work on either.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Cache is a TTL keyed store. Absence is reported as nil/false, never as an error.
type Cache interface {
	// Get returns the JSON value for key, or nil if it is absent or expired.
	Get(ctx context.Context, key string) (json.RawMessage, error)
	// Set stores value for ttl. A ttl of zero or less expires immediately.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Del removes the key and returns how many underlying entries were removed.
	Del(ctx context.Context, key string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Expire gives a live key a new ttl; false when there is no such key.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Keys lists keys matching a glob where * means any run of characters.
	Keys(ctx context.Context, pattern string) ([]string, error)
	// Cleanup physically removes expired entries and returns how many.
	Cleanup(ctx context.Context) (int64, error)
}

// GetJSON decodes the value stored at key into dst. It reports false when the
// key is absent.
func GetJSON(ctx context.Context, c Cache, key string, dst any) (bool, error) {
	raw, err := c.Get(ctx, key)
	if err != nil || raw == nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode cache value %q: %w", key, err)
	}
	return true, nil
}

func encodeValue(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("cache value is not valid JSON")
		}
		return raw, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode cache value: %w", err)
	}
	return raw, nil
}

// expired reports whether an entry expiring at expiresAt is dead at now.
func expired(expiresAt, now time.Time) bool {
	return !now.Before(expiresAt)
}
