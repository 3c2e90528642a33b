package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dhima/ledger-bus/internal/cache"
	"github.com/dhima/ledger-bus/internal/ledger"
	"github.com/dhima/ledger-bus/internal/testutil/fakes"
	"github.com/dhima/ledger-bus/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newLedgerLimiter(clk *clock.ManualClock) (*Limiter, *fakes.FakeLedgerStore) {
	store := fakes.NewFakeLedgerStore(clk)
	return New(cache.NewLedgerCache(store, cache.WithClock(clk))), store
}

func TestAllow_WhenUnderLimit_ThenAllowsUpToLimit(t *testing.T) {
	// Arrange
	clk := clock.NewManual(start)
	limiter, _ := newLedgerLimiter(clk)
	ctx := context.Background()

	// Act
	var results []bool
	for i := 0; i < 4; i++ {
		ok, err := limiter.Allow(ctx, "client-a", 3, time.Minute)
		require.NoError(t, err)
		results = append(results, ok)
	}

	// Assert
	assert.Equal(t, []bool{true, true, true, false}, results)
}

func TestAllow_WhenWindowElapses_ThenAllowsAgain(t *testing.T) {
	// Arrange
	clk := clock.NewManual(start)
	limiter, _ := newLedgerLimiter(clk)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := limiter.Allow(ctx, "client-a", 2, time.Minute)
		require.NoError(t, err)
	}
	denied, err := limiter.Allow(ctx, "client-a", 2, time.Minute)
	require.NoError(t, err)
	require.False(t, denied)

	// Act
	clk.Advance(time.Minute)
	ok, err := limiter.Allow(ctx, "client-a", 2, time.Minute)

	// Assert
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllow_WhenAllowed_ThenWindowRestarts(t *testing.T) {
	// Arrange
	clk := clock.NewManual(start)
	limiter, _ := newLedgerLimiter(clk)
	ctx := context.Background()
	_, err := limiter.Allow(ctx, "client-a", 2, time.Minute)
	require.NoError(t, err)
	clk.Advance(50 * time.Second)
	_, err = limiter.Allow(ctx, "client-a", 2, time.Minute)
	require.NoError(t, err)

	// Act
	clk.Advance(50 * time.Second)
	ok, err := limiter.Allow(ctx, "client-a", 2, time.Minute)

	// Assert
	require.NoError(t, err)
	assert.False(t, ok, "second allowed call renewed the window")
}

func TestAllow_WhenDenied_ThenDoesNotWrite(t *testing.T) {
	// Arrange
	clk := clock.NewManual(start)
	limiter, store := newLedgerLimiter(clk)
	ctx := context.Background()
	_, err := limiter.Allow(ctx, "client-a", 1, time.Minute)
	require.NoError(t, err)
	before := store.Len()

	// Act
	ok, err := limiter.Allow(ctx, "client-a", 1, time.Minute)

	// Assert
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, store.Len())
}

func TestAllow_WhenKeysDiffer_ThenCountedSeparately(t *testing.T) {
	clk := clock.NewManual(start)
	limiter := New(cache.NewMemoryCache(clk))
	ctx := context.Background()

	a, err := limiter.Allow(ctx, "a", 1, time.Minute)
	require.NoError(t, err)
	b, err := limiter.Allow(ctx, "b", 1, time.Minute)
	require.NoError(t, err)

	assert.True(t, a)
	assert.True(t, b)
}

func TestAllow_WhenStoreDown_ThenReturnsError(t *testing.T) {
	clk := clock.NewManual(start)
	limiter, store := newLedgerLimiter(clk)
	store.FailFind = true

	ok, err := limiter.Allow(context.Background(), "client-a", 5, time.Minute)

	assert.False(t, ok)
	assert.True(t, ledger.IsPersistence(err))
}

func TestRemaining_WhenPartiallyUsed_ThenReturnsDifference(t *testing.T) {
	// Arrange
	clk := clock.NewManual(start)
	limiter := New(cache.NewMemoryCache(clk))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := limiter.Allow(ctx, "k", 5, time.Minute)
		require.NoError(t, err)
	}

	// Act
	remaining, err := limiter.Remaining(ctx, "k", 5)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 3, remaining)
}

func TestReset_WhenCalled_ThenCounterCleared(t *testing.T) {
	// Arrange
	clk := clock.NewManual(start)
	limiter, _ := newLedgerLimiter(clk)
	ctx := context.Background()
	_, err := limiter.Allow(ctx, "k", 1, time.Minute)
	require.NoError(t, err)

	// Act
	require.NoError(t, limiter.Reset(ctx, "k"))
	ok, err := limiter.Allow(ctx, "k", 1, time.Minute)

	// Assert
	require.NoError(t, err)
	assert.True(t, ok)
}

// stallingCache holds Get for one key until release is closed.
type stallingCache struct {
	cache.Cache
	key     string
	entered chan struct{}
	release chan struct{}
}

func (s *stallingCache) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if key == s.key {
		close(s.entered)
		<-s.release
	}
	return s.Cache.Get(ctx, key)
}

func TestAllow_WhenOneKeyStalls_ThenKeyOnOtherStripeProceeds(t *testing.T) {
	// Arrange
	clk := clock.NewManual(start)
	slow := "client-slow"
	fast := ""
	for i := 0; fast == ""; i++ {
		candidate := fmt.Sprintf("client-%d", i)
		if stripeOf(candidate) != stripeOf(slow) {
			fast = candidate
		}
	}
	stalled := &stallingCache{
		Cache:   cache.NewMemoryCache(clk),
		key:     KeyPrefix + slow,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	limiter := New(stalled)
	ctx := context.Background()

	slowDone := make(chan error, 1)
	go func() {
		_, err := limiter.Allow(ctx, slow, 5, time.Minute)
		slowDone <- err
	}()
	<-stalled.entered

	// Act
	fastDone := make(chan bool, 1)
	go func() {
		ok, _ := limiter.Allow(ctx, fast, 5, time.Minute)
		fastDone <- ok
	}()

	// Assert
	select {
	case ok := <-fastDone:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("allow on an unrelated key waited for the stalled key")
	}
	close(stalled.release)
	require.NoError(t, <-slowDone)
}

func TestAllow_WhenSameKeyHitConcurrently_ThenNeverExceedsLimit(t *testing.T) {
	// Arrange
	clk := clock.NewManual(start)
	limiter := New(cache.NewMemoryCache(clk))
	ctx := context.Background()
	var allowed atomic.Int32
	var wg sync.WaitGroup

	// Act
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := limiter.Allow(ctx, "burst", 10, time.Minute)
			if err == nil && ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	// Assert
	assert.Equal(t, int32(10), allowed.Load())
	remaining, err := limiter.Remaining(ctx, "burst", 10)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}
