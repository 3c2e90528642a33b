package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/dhima/ledger-bus/internal/ledger"
	"github.com/dhima/ledger-bus/internal/logging"
	"github.com/dhima/ledger-bus/internal/storage"
	"github.com/dhima/ledger-bus/internal/testutil/fakes"
	"github.com/dhima/ledger-bus/pkg/clock"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func remote(eventType string) ledger.Record {
	return ledger.Record{Type: eventType, Source: "other-node", Data: json.RawMessage(`{}`)}
}

func TestPoll_WhenOtherProcessAppends_ThenDeliversOldestFirst(t *testing.T) {
	// Arrange
	bus, store, _ := newTestBus(t, Config{})
	rec := &recorder{}
	bus.Subscribe(Wildcard, rec.handle)
	later := store.InsertAt(remote("factory.alert"), busStart.Add(2*time.Second))
	earlier := store.InsertAt(remote("factory.alert"), busStart.Add(time.Second))

	// Act
	err := bus.Poll(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []string{earlier.ID, later.ID}, rec.ids())
	assert.Equal(t, later.CreatedAt, bus.Cursor())
}

func TestPoll_WhenRecordsPredateBus_ThenNotDelivered(t *testing.T) {
	// Arrange
	bus, store, _ := newTestBus(t, Config{})
	rec := &recorder{}
	bus.Subscribe(Wildcard, rec.handle)
	store.InsertAt(remote("factory.alert"), busStart.Add(-time.Second))

	// Act
	err := bus.Poll(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Empty(t, rec.got())
}

func TestPoll_WhenTimestampRepeatsAcrossCycles_ThenNeitherSkippedNorRepeated(t *testing.T) {
	// Arrange
	bus, store, _ := newTestBus(t, Config{})
	rec := &recorder{}
	bus.Subscribe(Wildcard, rec.handle)
	at := busStart.Add(time.Second)
	first := store.InsertAt(remote("factory.alert"), at)
	require.NoError(t, bus.Poll(context.Background()))

	// Act
	second := store.InsertAt(remote("factory.alert"), at)
	require.NoError(t, bus.Poll(context.Background()))
	require.NoError(t, bus.Poll(context.Background()))

	// Assert
	assert.Equal(t, []string{first.ID, second.ID}, rec.ids())
}

func TestPoll_WhenRemoteRowLandsBelowCursor_ThenDeliveredOnce(t *testing.T) {
	// Arrange
	bus, store, _ := newTestBus(t, Config{SettleLag: time.Second})
	rec := &recorder{}
	bus.Subscribe(Wildcard, rec.handle)
	newer := store.InsertAt(remote("factory.alert"), busStart.Add(2*time.Second))
	require.NoError(t, bus.Poll(context.Background()))

	// Act
	late := store.InsertAt(remote("factory.alert"), busStart.Add(1500*time.Millisecond))
	require.NoError(t, bus.Poll(context.Background()))
	require.NoError(t, bus.Poll(context.Background()))

	// Assert
	assert.Equal(t, []string{newer.ID, late.ID}, rec.ids())
	assert.Equal(t, newer.CreatedAt, bus.Cursor())
}

func TestPoll_WhenRowsLeaveSettleWindow_ThenSeenIDsForgotten(t *testing.T) {
	// Arrange
	bus, store, _ := newTestBus(t, Config{SettleLag: time.Second})
	rec := &recorder{}
	bus.Subscribe(Wildcard, rec.handle)
	store.InsertAt(remote("factory.alert"), busStart.Add(time.Second))
	require.NoError(t, bus.Poll(context.Background()))

	// Act
	store.InsertAt(remote("factory.alert"), busStart.Add(5*time.Second))
	require.NoError(t, bus.Poll(context.Background()))

	// Assert
	assert.Len(t, rec.got(), 2)
	bus.cursorMu.Lock()
	defer bus.cursorMu.Unlock()
	assert.Len(t, bus.cursor.seen, 1)
}

func openSharedSQLite(t *testing.T, path string, clk clock.Clock) *storage.SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store := storage.New(db, storage.DialectSQLite, clk)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestPoll_WhenOtherInstanceClockLags_ThenItsEventStillDelivered(t *testing.T) {
	// Arrange
	path := filepath.Join(t.TempDir(), "ledger.db")
	clkA := clock.NewManual(busStart)
	clkB := clock.NewManual(busStart.Add(-200 * time.Millisecond))
	storeA := openSharedSQLite(t, path, clkA)
	storeB := openSharedSQLite(t, path, clkB)

	bus := NewBusWithClock(storeA, Config{PollInterval: 100 * time.Millisecond}, logging.NewNoOpLogger(), clkA)
	rec := &recorder{}
	bus.Subscribe(Wildcard, rec.handle)

	clkA.Advance(time.Second)
	clkB.Advance(time.Second)
	local, err := bus.Publish(context.Background(), "factory.alert", "node-a", map[string]int{"n": 1}, nil)
	require.NoError(t, err)
	require.NoError(t, bus.Poll(context.Background()))

	// Act
	lagging, err := storeB.Insert(context.Background(), remote("factory.alert"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Poll(context.Background()))
	}

	// Assert
	require.True(t, lagging.CreatedAt.Before(bus.Cursor()))
	assert.Equal(t, []string{local.ID, lagging.ID}, rec.ids())
}

func TestPoll_WhenBatchFullOfSameInstant_ThenStillProgresses(t *testing.T) {
	// Arrange
	bus, store, _ := newTestBus(t, Config{PollBatch: 2})
	rec := &recorder{}
	bus.Subscribe(Wildcard, rec.handle)
	at := busStart.Add(time.Second)
	var want []string
	for i := 0; i < 5; i++ {
		want = append(want, store.InsertAt(remote("factory.alert"), at).ID)
	}

	// Act
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Poll(context.Background()))
	}

	// Assert
	assert.Equal(t, want, rec.ids())
}

func TestPoll_WhenStoreFails_ThenCursorKeptAndRetried(t *testing.T) {
	// Arrange
	bus, store, _ := newTestBus(t, Config{})
	rec := &recorder{}
	bus.Subscribe(Wildcard, rec.handle)
	pending := store.InsertAt(remote("factory.alert"), busStart.Add(time.Second))
	store.FailFind = true

	// Act
	failErr := bus.Poll(context.Background())
	cursorAfterFailure := bus.Cursor()
	store.FailFind = false
	retryErr := bus.Poll(context.Background())

	// Assert
	assert.True(t, ledger.IsPersistence(failErr))
	assert.Equal(t, busStart, cursorAfterFailure)
	require.NoError(t, retryErr)
	assert.Equal(t, []string{pending.ID}, rec.ids())
	assert.Equal(t, int64(1), bus.Stats().PollFailures)
}

func TestPoll_WhenCacheRowsPresent_ThenIgnored(t *testing.T) {
	// Arrange
	bus, store, _ := newTestBus(t, Config{})
	rec := &recorder{}
	bus.Subscribe(Wildcard, rec.handle)
	store.InsertAt(ledger.Record{Type: "cache.user:1", Source: "cache"}, busStart.Add(time.Second))

	// Act
	err := bus.Poll(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Empty(t, rec.got())
}

func TestPoll_WhenTypePrefixSet_ThenOnlyThatFamilyDelivered(t *testing.T) {
	// Arrange
	bus, store, _ := newTestBus(t, Config{TypePrefix: "factory."})
	rec := &recorder{}
	bus.Subscribe(Wildcard, rec.handle)
	want := store.InsertAt(remote("factory.alert"), busStart.Add(time.Second))
	store.InsertAt(remote("mcp.chat.completed"), busStart.Add(2*time.Second))

	// Act
	err := bus.Poll(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []string{want.ID}, rec.ids())
}

func TestStartStop_WhenRunning_ThenPollsUntilStopped(t *testing.T) {
	// Arrange
	bus, store, _ := newTestBus(t, Config{PollInterval: 5 * time.Millisecond})
	rec := &recorder{}
	bus.Subscribe(Wildcard, rec.handle)
	store.InsertAt(remote("factory.alert"), busStart.Add(time.Second))

	// Act
	bus.Start()
	bus.Start()

	// Assert
	assert.Eventually(t, func() bool { return len(rec.got()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, bus.Stats().PollerRunning)

	bus.Stop()
	bus.Stop()
	assert.False(t, bus.Stats().PollerRunning)

	calls := store.FindCalls
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, store.FindCalls, "no poll may run after Stop returns")
}

func TestRun_WhenContextCancelled_ThenReturnsNil(t *testing.T) {
	bus, _, _ := newTestBus(t, Config{PollInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestProperty_PollDeliversEachRecordOnceInChronologicalOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every appended record is delivered once, oldest first", prop.ForAll(
		func(offsets []int, batch int) bool {
			clk := clock.NewManual(busStart)
			store := fakes.NewFakeLedgerStore(clk)
			bus := NewBusWithClock(store, Config{PollBatch: batch}, logging.NewNoOpLogger(), clk)
			rec := &recorder{}
			bus.Subscribe(Wildcard, rec.handle)

			type stored struct {
				id string
				at time.Time
			}
			var all []stored
			for _, off := range offsets {
				r := store.InsertAt(remote("factory.alert"), busStart.Add(time.Duration(off)*time.Millisecond))
				all = append(all, stored{id: r.ID, at: r.CreatedAt})
			}
			for i := 0; i <= len(offsets); i++ {
				if err := bus.Poll(context.Background()); err != nil {
					return false
				}
			}

			sort.SliceStable(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
			got := rec.got()
			if len(got) != len(all) {
				return false
			}
			for i := range all {
				if got[i].ID != all[i].id {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 4)),
		gen.IntRange(1, 3),
	))

	properties.TestingRun(t)
}
