package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dhima/ledger-bus/internal/ledger"
	"github.com/dhima/ledger-bus/internal/logging"
	"github.com/dhima/ledger-bus/pkg/clock"
	"go.uber.org/zap"
)

const (
	// DefaultPrefix namespaces cache rows away from event types.
	DefaultPrefix = "cache"
	// DefaultLookback bounds how far back reads scan for a key.
	DefaultLookback = 24 * time.Hour

	recordSource = "cache"
)

// entryData is the Data payload of a cache row.
type entryData struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// entryMeta is the Metadata payload of a cache row.
type entryMeta struct {
	ExpiresAt time.Time `json:"expiresAt"`
	TTL       float64   `json:"ttl"`
}

// LedgerCache stores every Set as a new ledger row of type "<prefix>.<key>"
// and resolves reads to the newest row for the key. Rows older than the
// lookback window are invisible to reads even before Cleanup removes them.
type LedgerCache struct {
	store    ledger.Store
	prefix   string
	lookback time.Duration
	clock    clock.Clock
	logger   logging.Logger
}

// Option configures a LedgerCache.
type Option func(*LedgerCache)

func WithPrefix(prefix string) Option {
	return func(c *LedgerCache) { c.prefix = strings.TrimSuffix(prefix, ".") }
}

func WithLookback(d time.Duration) Option {
	return func(c *LedgerCache) { c.lookback = d }
}

func WithClock(clk clock.Clock) Option {
	return func(c *LedgerCache) { c.clock = clk }
}

func WithLogger(l logging.Logger) Option {
	return func(c *LedgerCache) { c.logger = l }
}

// NewLedgerCache creates a cache over store.
func NewLedgerCache(store ledger.Store, opts ...Option) *LedgerCache {
	c := &LedgerCache{
		store:    store,
		prefix:   DefaultPrefix,
		lookback: DefaultLookback,
		clock:    clock.RealClock{},
		logger:   logging.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "cache"))
	return c
}

// TypePrefix returns the ledger type prefix owned by this cache, e.g. "cache.".
func (c *LedgerCache) TypePrefix() string {
	return c.prefix + "."
}

func (c *LedgerCache) recordType(key string) string {
	return c.TypePrefix() + key
}

func (c *LedgerCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	data, err := json.Marshal(entryData{Key: key, Value: raw})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	if ttl < 0 {
		ttl = 0
	}
	expiresAt := c.clock.Now().UTC().Add(ttl)
	meta, err := json.Marshal(entryMeta{ExpiresAt: expiresAt, TTL: ttl.Seconds()})
	if err != nil {
		return fmt.Errorf("encode cache metadata: %w", err)
	}

	_, err = c.store.Insert(ctx, ledger.Record{
		Type:      c.recordType(key),
		Source:    recordSource,
		Data:      data,
		Metadata:  meta,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

// latest returns the newest row for key inside the lookback window.
func (c *LedgerCache) latest(ctx context.Context, key string, now time.Time) (*ledger.Record, error) {
	records, err := c.store.FindMany(ctx, ledger.Filter{
		Type:         c.recordType(key),
		CreatedAfter: now.Add(-c.lookback),
		Order:        ledger.OrderDesc,
		Limit:        1,
	})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (c *LedgerCache) Get(ctx context.Context, key string) (json.RawMessage, error) {
	now := c.clock.Now().UTC()
	rec, err := c.latest(ctx, key, now)
	if err != nil {
		return nil, fmt.Errorf("cache get %q: %w", key, err)
	}
	if rec == nil {
		return nil, nil
	}

	if expired(expiresAt(*rec), now) {
		// Lazy expiry: the key reads as absent whether or not the delete lands.
		// Rows written after the expired one belong to a newer Set and stay.
		if _, err := c.store.DeleteMany(ctx, ledger.Filter{
			Type:          rec.Type,
			CreatedBefore: rec.CreatedAt.Add(time.Nanosecond),
		}); err != nil {
			c.logger.Warn("failed to delete expired cache entry",
				zap.String("key", key),
				zap.Error(err))
		}
		return nil, nil
	}

	var entry entryData
	if err := json.Unmarshal(rec.Data, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry %q: %w", key, err)
	}
	return entry.Value, nil
}

func (c *LedgerCache) Del(ctx context.Context, key string) (int64, error) {
	n, err := c.store.DeleteMany(ctx, ledger.Filter{Type: c.recordType(key)})
	if err != nil {
		return 0, fmt.Errorf("cache del %q: %w", key, err)
	}
	return n, nil
}

func (c *LedgerCache) Exists(ctx context.Context, key string) (bool, error) {
	v, err := c.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// Expire moves the expiry of the newest row for key to now+ttl. An entry that
// has already expired counts as absent and is not revived.
func (c *LedgerCache) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := c.clock.Now().UTC()
	rec, err := c.latest(ctx, key, now)
	if err != nil {
		return false, fmt.Errorf("cache expire %q: %w", key, err)
	}
	if rec == nil || expired(expiresAt(*rec), now) {
		return false, nil
	}

	if ttl < 0 {
		ttl = 0
	}
	newExpiry := now.Add(ttl)
	meta, err := json.Marshal(entryMeta{ExpiresAt: newExpiry, TTL: ttl.Seconds()})
	if err != nil {
		return false, fmt.Errorf("encode cache metadata: %w", err)
	}

	_, err = c.store.Update(ctx, rec.ID, ledger.Patch{Metadata: meta, ExpiresAt: &newExpiry})
	if errors.Is(err, ledger.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache expire %q: %w", key, err)
	}
	return true, nil
}

// Keys lists distinct keys written inside the lookback window that match
// pattern. Keys whose newest row has expired are skipped, but a key set
// earlier than the window is not listed even if it has not expired yet.
func (c *LedgerCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	now := c.clock.Now().UTC()
	records, err := c.store.FindMany(ctx, ledger.Filter{
		TypePrefix:   c.TypePrefix(),
		CreatedAfter: now.Add(-c.lookback),
		Order:        ledger.OrderDesc,
	})
	if err != nil {
		return nil, fmt.Errorf("cache keys %q: %w", pattern, err)
	}

	re := compilePattern(pattern)
	seen := make(map[string]bool, len(records))
	keys := []string{}
	for _, rec := range records {
		key := strings.TrimPrefix(rec.Type, c.TypePrefix())
		if seen[key] {
			continue
		}
		seen[key] = true
		if expired(expiresAt(rec), now) || !re.MatchString(key) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Cleanup removes rows older than the lookback window or past their expiry.
func (c *LedgerCache) Cleanup(ctx context.Context) (int64, error) {
	now := c.clock.Now().UTC()
	n, err := c.store.DeleteMany(ctx, ledger.Filter{
		TypePrefix:    c.TypePrefix(),
		CreatedBefore: now.Add(-c.lookback),
		OrExpiredBy:   now,
	})
	if err != nil {
		return 0, fmt.Errorf("cache cleanup: %w", err)
	}
	if n > 0 {
		c.logger.Debug("removed stale cache entries", zap.Int64("count", n))
	}
	return n, nil
}

// expiresAt prefers the mirrored column and falls back to the metadata.
func expiresAt(rec ledger.Record) time.Time {
	if !rec.ExpiresAt.IsZero() {
		return rec.ExpiresAt
	}
	var meta entryMeta
	if err := json.Unmarshal(rec.Metadata, &meta); err != nil || meta.ExpiresAt.IsZero() {
		// Without an expiry the row cannot be trusted as live.
		return rec.CreatedAt
	}
	return meta.ExpiresAt
}
