package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dhima/ledger-bus/internal/ledger"
	"github.com/dhima/ledger-bus/internal/logging"
	"github.com/dhima/ledger-bus/pkg/clock"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultPollBatch    = 100
	DefaultDedupTTL     = time.Minute
	// DefaultSettleIntervals sizes the default settle window in poll intervals.
	DefaultSettleIntervals = 4
	DefaultCachePrefix     = "cache"
)

// Config tunes a Bus. Zero fields take the defaults above.
type Config struct {
	// Source is stamped on events published without one.
	Source string
	// CachePrefix is the type namespace owned by the cache. Events may not
	// use it and the bus never reads it.
	CachePrefix string
	// TypePrefix restricts the poller to one event family. Empty means every
	// non-cache type.
	TypePrefix   string
	PollInterval time.Duration
	PollBatch    int
	// SettleLag is how far below the cursor each poll rescans, to pick up
	// rows from processes whose clocks lag or whose inserts commit late.
	// Zero means DefaultSettleIntervals poll intervals.
	SettleLag time.Duration
	DedupTTL  time.Duration
	Schemas   *SchemaRegistry
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Published          int64 `json:"published"`
	Delivered          int64 `json:"delivered"`
	HandlerFailures    int64 `json:"handler_failures"`
	PollFailures       int64 `json:"poll_failures"`
	SuppressedRepeats  int64 `json:"suppressed_repeats"`
	Subscribers        int64 `json:"subscribers"`
	PollerRunning      bool  `json:"poller_running"`
	LastPollDurationMS int64 `json:"last_poll_duration_ms"`
}

type subscription struct {
	id      uint64
	pattern string
	handler Handler
}

// Bus publishes events into a ledger.Store and fans them out to subscribers.
type Bus struct {
	store  ledger.Store
	cfg    Config
	clock  clock.Clock
	logger logging.Logger

	subsMu sync.RWMutex
	subs   map[string]map[uint64]subscription
	nextID uint64

	seen *seenSet

	publishMu sync.RWMutex
	pollMu    sync.Mutex
	cursorMu  sync.Mutex
	cursor    cursor

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool

	published    atomic.Int64
	delivered    atomic.Int64
	failures     atomic.Int64
	pollFailures atomic.Int64
	suppressed   atomic.Int64
	lastPoll     atomic.Int64
}

// NewBus creates a bus over store. The poller starts at the current time, so
// records written before construction are history, not deliveries.
func NewBus(store ledger.Store, cfg Config, logger logging.Logger) *Bus {
	return NewBusWithClock(store, cfg, logger, clock.RealClock{})
}

// NewBusWithClock is NewBus with an injected clock, used by tests.
func NewBusWithClock(store ledger.Store, cfg Config, logger logging.Logger, clk clock.Clock) *Bus {
	if cfg.CachePrefix == "" {
		cfg.CachePrefix = DefaultCachePrefix
	}
	cfg.CachePrefix = strings.TrimSuffix(cfg.CachePrefix, ".")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = DefaultPollBatch
	}
	if cfg.SettleLag <= 0 {
		cfg.SettleLag = DefaultSettleIntervals * cfg.PollInterval
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Bus{
		store:  store,
		cfg:    cfg,
		clock:  clk,
		logger: logger.With(zap.String("component", "event_bus")),
		subs:   make(map[string]map[uint64]subscription),
		seen:   newSeenSet(cfg.DedupTTL),
		cursor: newCursor(clk.Now().UTC()),
	}
}

func (b *Bus) cacheNamespace() string {
	return b.cfg.CachePrefix + "."
}

func (b *Bus) validate(eventType string, payload []byte) error {
	if strings.TrimSpace(eventType) == "" {
		return &ValidationError{Type: eventType, Reason: "type is required"}
	}
	if eventType == Wildcard {
		return &ValidationError{Type: eventType, Reason: "type may not be the wildcard"}
	}
	if strings.HasPrefix(eventType, b.cacheNamespace()) {
		return &ValidationError{Type: eventType, Reason: fmt.Sprintf("type may not use the %q namespace", b.cacheNamespace())}
	}
	if b.cfg.Schemas != nil {
		return b.cfg.Schemas.Validate(eventType, payload)
	}
	return nil
}

// Publish stores an event and then delivers it to handlers subscribed to its
// type or to the wildcard, in the caller's goroutine. When the store rejects
// the write nothing is delivered and the error is a *ledger.PersistenceError.
func (b *Bus) Publish(ctx context.Context, eventType, source string, data any, metadata map[string]any) (Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Event{}, &ValidationError{Type: eventType, Reason: fmt.Sprintf("data is not serializable: %v", err)}
	}
	if err := b.validate(eventType, payload); err != nil {
		return Event{}, err
	}

	var meta json.RawMessage
	if len(metadata) > 0 {
		meta, err = json.Marshal(metadata)
		if err != nil {
			return Event{}, &ValidationError{Type: eventType, Reason: fmt.Sprintf("metadata is not serializable: %v", err)}
		}
	}
	if source == "" {
		source = b.cfg.Source
	}

	b.publishMu.RLock()
	rec, err := b.store.Insert(ctx, ledger.Record{
		Type:     eventType,
		Source:   source,
		Data:     payload,
		Metadata: meta,
	})
	if err == nil {
		b.seen.add(rec.ID, b.clock.Now())
	}
	b.publishMu.RUnlock()
	if err != nil {
		b.logger.Error("failed to append event",
			zap.String("type", eventType),
			zap.String("source", source),
			zap.Error(err))
		return Event{}, fmt.Errorf("publish %s: %w", eventType, ledger.Persistence("insert", err))
	}

	b.published.Add(1)

	ev := fromRecord(rec)
	b.emit(ctx, ev)
	return ev, nil
}

// Subscribe registers h for events of type pattern, or for all events when
// pattern is Wildcard. The returned function removes the subscription and is
// safe to call more than once.
func (b *Bus) Subscribe(pattern string, h Handler) (unsubscribe func()) {
	b.subsMu.Lock()
	b.nextID++
	sub := subscription{id: b.nextID, pattern: pattern, handler: h}
	if b.subs[pattern] == nil {
		b.subs[pattern] = make(map[uint64]subscription)
	}
	b.subs[pattern][sub.id] = sub
	b.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.subsMu.Lock()
			defer b.subsMu.Unlock()
			delete(b.subs[pattern], sub.id)
			if len(b.subs[pattern]) == 0 {
				delete(b.subs, pattern)
			}
		})
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	n := 0
	for _, m := range b.subs {
		n += len(m)
	}
	return n
}

// handlersFor snapshots the subscriptions matching eventType in
// registration order.
func (b *Bus) handlersFor(eventType string) []subscription {
	b.subsMu.RLock()
	out := make([]subscription, 0, len(b.subs[Wildcard])+len(b.subs[eventType]))
	for _, s := range b.subs[Wildcard] {
		out = append(out, s)
	}
	if eventType != Wildcard {
		for _, s := range b.subs[eventType] {
			out = append(out, s)
		}
	}
	b.subsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (b *Bus) emit(ctx context.Context, ev Event) {
	for _, sub := range b.handlersFor(ev.Type) {
		if err := b.invoke(ctx, sub, ev); err != nil {
			b.failures.Add(1)
			b.logger.Error("event handler failed",
				zap.String("event_id", ev.ID),
				zap.String("type", ev.Type),
				zap.String("pattern", sub.pattern),
				zap.Error(err))
			continue
		}
		b.delivered.Add(1)
	}
}

func (b *Bus) invoke(ctx context.Context, sub subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &SubscriberError{Pattern: sub.pattern, EventID: ev.ID, EventType: ev.Type, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if herr := sub.handler(ctx, ev); herr != nil {
		return &SubscriberError{Pattern: sub.pattern, EventID: ev.ID, EventType: ev.Type, Err: herr}
	}
	return nil
}

// GetEvents returns stored events newest first. It is a point-in-time read
// for history and backfill; it does not affect delivery.
func (b *Bus) GetEvents(ctx context.Context, q Query) ([]Event, error) {
	if strings.HasPrefix(q.Type, b.cacheNamespace()) {
		return []Event{}, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	records, err := b.store.FindMany(ctx, ledger.Filter{
		Type:              q.Type,
		Source:            q.Source,
		ExcludeTypePrefix: b.cacheNamespace(),
		Order:             ledger.OrderDesc,
		Limit:             limit,
	})
	if err != nil {
		b.logger.Error("failed to query events",
			zap.String("type", q.Type),
			zap.String("source", q.Source),
			zap.Error(err))
		return nil, fmt.Errorf("get events: %w", ledger.Persistence("find", err))
	}

	events := make([]Event, 0, len(records))
	for _, rec := range records {
		events = append(events, fromRecord(rec))
	}
	return events, nil
}

// Stats returns the current counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:          b.published.Load(),
		Delivered:          b.delivered.Load(),
		HandlerFailures:    b.failures.Load(),
		PollFailures:       b.pollFailures.Load(),
		SuppressedRepeats:  b.suppressed.Load(),
		Subscribers:        int64(b.SubscriberCount()),
		PollerRunning:      b.running.Load(),
		LastPollDurationMS: b.lastPoll.Load(),
	}
}
