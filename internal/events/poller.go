package events

import (
	"context"
	"errors"
	"time"

	"github.com/dhima/ledger-bus/internal/ledger"
	"go.uber.org/zap"
)

// cursor is the poller watermark. at is the creation time of the newest
// record processed. Every poll rescans the settle window below at, because
// other processes stamp CreatedAt with their own clocks and may commit a row
// older than one already seen; seen holds the IDs processed inside that window
// so a rescan neither skips nor repeats them. Nothing before floor, the bus
// construction time, is delivered.
type cursor struct {
	floor time.Time
	at    time.Time
	seen  map[string]time.Time
}

func newCursor(at time.Time) cursor {
	return cursor{floor: at, at: at, seen: make(map[string]time.Time)}
}

// scanFrom is the inclusive lower bound of the next scan.
func (c *cursor) scanFrom(lag time.Duration) time.Time {
	from := c.at.Add(-lag)
	if from.Before(c.floor) {
		return c.floor
	}
	return from
}

func (c *cursor) processed(rec ledger.Record) bool {
	_, ok := c.seen[rec.ID]
	return ok
}

func (c *cursor) advance(rec ledger.Record) {
	if rec.CreatedAt.After(c.at) {
		c.at = rec.CreatedAt
	}
	c.seen[rec.ID] = rec.CreatedAt
}

// prune forgets IDs that have fallen below the settle window.
func (c *cursor) prune(lag time.Duration) {
	from := c.scanFrom(lag)
	for id, at := range c.seen {
		if at.Before(from) {
			delete(c.seen, id)
		}
	}
}

// Cursor returns the poller watermark.
func (b *Bus) Cursor() time.Time {
	b.cursorMu.Lock()
	defer b.cursorMu.Unlock()
	return b.cursor.at
}

// Poll runs one poll cycle: it reads up to PollBatch unseen records from the
// settle window below the cursor onwards, oldest first, and delivers the ones
// this bus did not publish itself. On a read failure the cursor is left where
// it was so the next cycle retries.
func (b *Bus) Poll(ctx context.Context) error {
	b.pollMu.Lock()
	defer b.pollMu.Unlock()

	started := time.Now()
	defer func() { b.lastPoll.Store(time.Since(started).Milliseconds()) }()

	b.cursorMu.Lock()
	from, skip := b.cursor.scanFrom(b.cfg.SettleLag), len(b.cursor.seen)
	b.cursorMu.Unlock()

	// Widen the batch by the records already processed inside the window; a
	// batch of nothing but repeats would never move the cursor.
	records, err := b.store.FindMany(ctx, ledger.Filter{
		TypePrefix:        b.cfg.TypePrefix,
		ExcludeTypePrefix: b.cacheNamespace(),
		CreatedAtOrAfter:  from,
		Order:             ledger.OrderAsc,
		Limit:             b.cfg.PollBatch + skip,
	})
	if err != nil {
		b.pollFailures.Add(1)
		return ledger.Persistence("poll", err)
	}

	// Local publishes still between insert and seen.add may own some of
	// these records; wait for them before checking the seen set.
	b.publishMu.Lock()
	b.publishMu.Unlock()

	now := b.clock.Now()
	for _, rec := range records {
		b.cursorMu.Lock()
		if b.cursor.processed(rec) {
			b.cursorMu.Unlock()
			continue
		}
		b.cursor.advance(rec)
		b.cursorMu.Unlock()

		if b.seen.take(rec.ID, now) {
			b.suppressed.Add(1)
			continue
		}
		b.emit(ctx, fromRecord(rec))
	}

	b.cursorMu.Lock()
	b.cursor.prune(b.cfg.SettleLag)
	b.cursorMu.Unlock()
	return nil
}

// Run polls every PollInterval until ctx is done. Poll failures are logged
// and retried on the next tick.
func (b *Bus) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return errors.New("event bus poller already running")
	}
	defer b.running.Store(false)

	b.logger.Info("event poller started",
		zap.Duration("interval", b.cfg.PollInterval),
		zap.Int("batch", b.cfg.PollBatch),
		zap.Duration("settle_lag", b.cfg.SettleLag),
		zap.Time("cursor", b.Cursor()))

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("event poller stopped", zap.Time("cursor", b.Cursor()))
			return nil
		case <-ticker.C:
			if err := b.Poll(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				b.logger.Warn("event poll failed, retrying next tick",
					zap.Time("cursor", b.Cursor()),
					zap.Error(err))
			}
		}
	}
}

// Start runs the poller in the background. Calling Start on a running bus
// does nothing.
func (b *Bus) Start() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.cancel = cancel
	b.done = done
	go func() {
		defer close(done)
		if err := b.Run(ctx); err != nil {
			b.logger.Warn("event poller not started", zap.Error(err))
		}
	}()
}

// Stop halts a poller started with Start and waits for an in-flight cycle
// to finish. It is safe to call when the poller is not running.
func (b *Bus) Stop() {
	b.runMu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
