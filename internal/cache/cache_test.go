package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dhima/ledger-bus/internal/ledger"
	"github.com/dhima/ledger-bus/internal/storage"
	"github.com/dhima/ledger-bus/internal/testutil/fakes"
	"github.com/dhima/ledger-bus/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 1, 2, 3, 0, 0, 0, time.UTC)

type backend struct {
	name  string
	build func(t *testing.T, clk *clock.ManualClock) Cache
}

func backends() []backend {
	return []backend{
		{
			name: "ledger over fake store",
			build: func(t *testing.T, clk *clock.ManualClock) Cache {
				return NewLedgerCache(fakes.NewFakeLedgerStore(clk), WithClock(clk))
			},
		},
		{
			name: "ledger over sqlite",
			build: func(t *testing.T, clk *clock.ManualClock) Cache {
				return NewLedgerCache(newSQLiteStore(t, clk), WithClock(clk))
			},
		},
		{
			name: "memory",
			build: func(t *testing.T, clk *clock.ManualClock) Cache {
				return NewMemoryCache(clk)
			},
		},
	}
}

func newSQLiteStore(t *testing.T, clk clock.Clock) *storage.SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store := storage.New(db, storage.DialectSQLite, clk)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func forEachBackend(t *testing.T, fn func(t *testing.T, c Cache, clk *clock.ManualClock)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			clk := clock.NewManual(baseTime)
			fn(t, b.build(t, clk), clk)
		})
	}
}

func TestGet_WhenSetTwice_ThenReturnsLatest(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Cache, clk *clock.ManualClock) {
		// Arrange
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "k", "v1", time.Minute))
		require.NoError(t, c.Set(ctx, "k", "v2", time.Minute))

		// Act
		raw, err := c.Get(ctx, "k")

		// Assert
		require.NoError(t, err)
		assert.JSONEq(t, `"v2"`, string(raw))
	})
}

func TestGet_WhenTTLElapsed_ThenReturnsNilAndKeyIsNotListed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Cache, clk *clock.ManualClock) {
		// Arrange
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "k", "v", time.Second))
		clk.Advance(time.Second)

		// Act
		raw, err := c.Get(ctx, "k")
		keys, keysErr := c.Keys(ctx, "k")

		// Assert
		require.NoError(t, err)
		assert.Nil(t, raw)
		require.NoError(t, keysErr)
		assert.NotContains(t, keys, "k")
	})
}

func TestSet_WhenTTLNotPositive_ThenExpiresImmediately(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Cache, clk *clock.ManualClock) {
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "zero", 1, 0))
		require.NoError(t, c.Set(ctx, "negative", 1, -time.Minute))

		zero, err := c.Get(ctx, "zero")
		require.NoError(t, err)
		negative, err := c.Get(ctx, "negative")
		require.NoError(t, err)

		assert.Nil(t, zero)
		assert.Nil(t, negative)
	})
}

func TestDel_WhenKeyAbsent_ThenReturnsZero(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Cache, clk *clock.ManualClock) {
		n, err := c.Del(context.Background(), "missing")

		assert.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})
}

func TestDel_WhenKeyPresent_ThenRemovesIt(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Cache, clk *clock.ManualClock) {
		// Arrange
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "k", "v", time.Minute))

		// Act
		n, err := c.Del(ctx, "k")

		// Assert
		require.NoError(t, err)
		assert.Positive(t, n)
		exists, err := c.Exists(ctx, "k")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestExists_WhenLive_ThenTrue(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Cache, clk *clock.ManualClock) {
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "k", map[string]int{"a": 1}, time.Minute))

		exists, err := c.Exists(ctx, "k")

		require.NoError(t, err)
		assert.True(t, exists)
	})
}

func TestExpire_WhenKeyAbsent_ThenFalse(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Cache, clk *clock.ManualClock) {
		ok, err := c.Expire(context.Background(), "missing", time.Minute)

		assert.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestExpire_WhenKeyLive_ThenExtendsLifetime(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Cache, clk *clock.ManualClock) {
		// Arrange
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "k", "v", time.Minute))

		// Act
		ok, err := c.Expire(ctx, "k", 2*time.Minute)
		clk.Advance(90 * time.Second)

		// Assert
		require.NoError(t, err)
		assert.True(t, ok)
		raw, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.JSONEq(t, `"v"`, string(raw))

		clk.Advance(30 * time.Second)
		raw, err = c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Nil(t, raw)
	})
}

func TestExpire_WhenKeyAlreadyExpired_ThenFalse(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Cache, clk *clock.ManualClock) {
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "k", "v", time.Second))
		clk.Advance(2 * time.Second)

		ok, err := c.Expire(ctx, "k", time.Hour)

		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestKeys_WhenPatternHasWildcard_ThenMatchesPrefix(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Cache, clk *clock.ManualClock) {
		// Arrange
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "user:1", "a", time.Minute))
		require.NoError(t, c.Set(ctx, "user:2", "b", time.Minute))
		require.NoError(t, c.Set(ctx, "product:1", "c", time.Minute))
		require.NoError(t, c.Set(ctx, "user:1", "a2", time.Minute))

		// Act
		users, err := c.Keys(ctx, "user:*")
		all, allErr := c.Keys(ctx, "*")
		exact, exactErr := c.Keys(ctx, "product:1")

		// Assert
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"user:1", "user:2"}, users)
		require.NoError(t, allErr)
		assert.ElementsMatch(t, []string{"user:1", "user:2", "product:1"}, all)
		require.NoError(t, exactErr)
		assert.Equal(t, []string{"product:1"}, exact)
	})
}

func TestCleanup_WhenEntriesExpired_ThenRemovesOnlyExpired(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Cache, clk *clock.ManualClock) {
		// Arrange
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "short", 1, time.Second))
		require.NoError(t, c.Set(ctx, "long", 1, time.Hour))
		clk.Advance(time.Minute)

		// Act
		n, err := c.Cleanup(ctx)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		keys, err := c.Keys(ctx, "*")
		require.NoError(t, err)
		assert.Equal(t, []string{"long"}, keys)
	})
}

func TestGetJSON_WhenPresent_ThenDecodes(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Cache, clk *clock.ManualClock) {
		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "profile", map[string]any{"name": "ada", "age": 36}, time.Minute))

		var dst struct {
			Name string `json:"name"`
			Age  int    `json:"age"`
		}
		found, err := GetJSON(ctx, c, "profile", &dst)
		missing, missingErr := GetJSON(ctx, c, "nobody", &dst)

		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "ada", dst.Name)
		assert.Equal(t, 36, dst.Age)
		require.NoError(t, missingErr)
		assert.False(t, missing)
	})
}

func TestSet_WhenRawMessageInvalid_ThenFails(t *testing.T) {
	forEachBackend(t, func(t *testing.T, c Cache, clk *clock.ManualClock) {
		err := c.Set(context.Background(), "k", json.RawMessage(`{nope`), time.Minute)

		assert.Error(t, err)
	})
}

func TestLedgerCache_Get_WhenOlderThanLookback_ThenAbsent(t *testing.T) {
	// Arrange
	clk := clock.NewManual(baseTime)
	c := NewLedgerCache(fakes.NewFakeLedgerStore(clk), WithClock(clk), WithLookback(time.Hour))
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", "v", 48*time.Hour))
	clk.Advance(2 * time.Hour)

	// Act
	raw, err := c.Get(ctx, "k")
	keys, keysErr := c.Keys(ctx, "*")

	// Assert
	require.NoError(t, err)
	assert.Nil(t, raw)
	require.NoError(t, keysErr)
	assert.Empty(t, keys)
}

func TestLedgerCache_Get_WhenExpired_ThenDeletesAllRowsForKey(t *testing.T) {
	// Arrange
	clk := clock.NewManual(baseTime)
	store := fakes.NewFakeLedgerStore(clk)
	c := NewLedgerCache(store, WithClock(clk))
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", "v1", time.Second))
	require.NoError(t, c.Set(ctx, "k", "v2", time.Second))
	require.NoError(t, c.Set(ctx, "other", "x", time.Hour))
	clk.Advance(time.Second)

	// Act
	raw, err := c.Get(ctx, "k")

	// Assert
	require.NoError(t, err)
	assert.Nil(t, raw)
	assert.Equal(t, 1, store.Len())
}

// interleavingStore runs beforeDelete once, just ahead of the first DeleteMany,
// to model another writer racing a lazy expiry.
type interleavingStore struct {
	ledger.Store
	once         sync.Once
	beforeDelete func()
}

func (s *interleavingStore) DeleteMany(ctx context.Context, f ledger.Filter) (int64, error) {
	s.once.Do(s.beforeDelete)
	return s.Store.DeleteMany(ctx, f)
}

func TestLedgerCache_Get_WhenSetRacesLazyExpiry_ThenNewerValueSurvives(t *testing.T) {
	stores := map[string]func(t *testing.T, clk clock.Clock) ledger.Store{
		"fake":   func(t *testing.T, clk clock.Clock) ledger.Store { return fakes.NewFakeLedgerStore(clk) },
		"sqlite": func(t *testing.T, clk clock.Clock) ledger.Store { return newSQLiteStore(t, clk) },
	}
	for name, build := range stores {
		t.Run(name, func(t *testing.T) {
			// Arrange
			clk := clock.NewManual(baseTime)
			ctx := context.Background()
			shared := build(t, clk)
			other := NewLedgerCache(shared, WithClock(clk))
			store := &interleavingStore{Store: shared}
			store.beforeDelete = func() {
				require.NoError(t, other.Set(ctx, "k", "fresh", time.Hour))
			}
			c := NewLedgerCache(store, WithClock(clk))
			require.NoError(t, c.Set(ctx, "k", "stale", time.Second))
			clk.Advance(time.Second)

			// Act
			expiredRead, err := c.Get(ctx, "k")
			require.NoError(t, err)
			var got string
			found, err := GetJSON(ctx, c, "k", &got)

			// Assert
			require.NoError(t, err)
			assert.Nil(t, expiredRead)
			assert.True(t, found)
			assert.Equal(t, "fresh", got)
		})
	}
}

func TestLedgerCache_Get_WhenExpiryDeleteFails_ThenStillReturnsNil(t *testing.T) {
	// Arrange
	clk := clock.NewManual(baseTime)
	store := fakes.NewFakeLedgerStore(clk)
	c := NewLedgerCache(store, WithClock(clk))
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", "v", time.Second))
	clk.Advance(time.Second)
	store.FailDelete = true

	// Act
	raw, err := c.Get(ctx, "k")

	// Assert
	assert.NoError(t, err)
	assert.Nil(t, raw)
	assert.Equal(t, 1, store.Len())
}

func TestLedgerCache_WhenStoreDown_ThenReturnsPersistenceError(t *testing.T) {
	// Arrange
	clk := clock.NewManual(baseTime)
	store := fakes.NewFakeLedgerStore(clk)
	store.FailInsert = true
	store.FailFind = true
	c := NewLedgerCache(store, WithClock(clk))
	ctx := context.Background()

	// Act
	setErr := c.Set(ctx, "k", "v", time.Minute)
	_, getErr := c.Get(ctx, "k")
	_, keysErr := c.Keys(ctx, "*")

	// Assert
	assert.True(t, ledger.IsPersistence(setErr))
	assert.True(t, ledger.IsPersistence(getErr))
	assert.True(t, ledger.IsPersistence(keysErr))
}

func TestLedgerCache_Cleanup_WhenRowsOlderThanLookback_ThenRemoved(t *testing.T) {
	// Arrange
	clk := clock.NewManual(baseTime)
	store := fakes.NewFakeLedgerStore(clk)
	c := NewLedgerCache(store, WithClock(clk), WithLookback(time.Hour))
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "stale", "v", 48*time.Hour))
	clk.Advance(2 * time.Hour)
	require.NoError(t, c.Set(ctx, "fresh", "v", 48*time.Hour))

	// Act
	n, err := c.Cleanup(ctx)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, store.Len())
}

func TestLedgerCache_Set_WhenCalled_ThenWritesNamespacedRow(t *testing.T) {
	// Arrange
	clk := clock.NewManual(baseTime)
	store := fakes.NewFakeLedgerStore(clk)
	c := NewLedgerCache(store, WithClock(clk), WithPrefix("kv."))

	// Act
	require.NoError(t, c.Set(context.Background(), "user:1", "ada", time.Minute))

	// Assert
	records, err := store.FindMany(context.Background(), ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "kv.user:1", rec.Type)
	assert.Equal(t, "cache", rec.Source)
	assert.JSONEq(t, `{"key":"user:1","value":"ada"}`, string(rec.Data))
	assert.JSONEq(t, `{"expiresAt":"2025-01-02T03:01:00Z","ttl":60}`, string(rec.Metadata))
	assert.Equal(t, baseTime.Add(time.Minute), rec.ExpiresAt)
}

func TestLedgerCache_WhenConcurrentSetThenExpire_ThenLatestRowCarriesExpiry(t *testing.T) {
	// Arrange
	clk := clock.NewManual(baseTime)
	store := fakes.NewFakeLedgerStore(clk)
	c := NewLedgerCache(store, WithClock(clk))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Set(ctx, "ctr", 0, time.Minute))
		}()
	}
	wg.Wait()

	// Act
	ok, err := c.Expire(ctx, "ctr", 2*time.Minute)

	// Assert
	require.NoError(t, err)
	require.True(t, ok)

	records, err := store.FindMany(ctx, ledger.Filter{Type: "cache.ctr"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, baseTime.Add(2*time.Minute), records[0].ExpiresAt, "newest row must carry the new expiry")
	assert.Equal(t, baseTime.Add(time.Minute), records[1].ExpiresAt)

	clk.Advance(90 * time.Second)
	raw, err := c.Get(ctx, "ctr")
	require.NoError(t, err)
	assert.JSONEq(t, `0`, string(raw))
}
