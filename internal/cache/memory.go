package cache

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/dhima/ledger-bus/pkg/clock"
)

type memoryEntry struct {
	value     json.RawMessage
	expiresAt time.Time
}

// MemoryCache is an in-process Cache with the same expiry rules as LedgerCache.
// It is useful for single-node deployments and for tests of Cache consumers.
type MemoryCache struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]memoryEntry
}

// NewMemoryCache creates an empty MemoryCache. A nil clock uses wall time.
func NewMemoryCache(clk clock.Clock) *MemoryCache {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MemoryCache{clock: clk, entries: make(map[string]memoryEntry)}
}

func (m *MemoryCache) Get(_ context.Context, key string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	if expired(e.expiresAt, m.clock.Now()) {
		delete(m.entries, key)
		return nil, nil
	}
	return e.value, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: raw, expiresAt: m.clock.Now().Add(ttl)}
	return nil
}

func (m *MemoryCache) Del(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return 0, nil
	}
	delete(m.entries, key)
	return 1, nil
}

func (m *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	v, err := m.Get(ctx, key)
	return v != nil, err
}

func (m *MemoryCache) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	e, ok := m.entries[key]
	if !ok || expired(e.expiresAt, now) {
		return false, nil
	}
	if ttl < 0 {
		ttl = 0
	}
	e.expiresAt = now.Add(ttl)
	m.entries[key] = e
	return true, nil
}

func (m *MemoryCache) Keys(_ context.Context, pattern string) ([]string, error) {
	re := compilePattern(pattern)
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	keys := []string{}
	for k, e := range m.entries {
		if !expired(e.expiresAt, now) && re.MatchString(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryCache) Cleanup(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	var n int64
	for k, e := range m.entries {
		if expired(e.expiresAt, now) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}
