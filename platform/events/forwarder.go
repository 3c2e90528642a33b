package events

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventPublisher abstracts the Kafka publisher for testability.
type EventPublisher interface {
	Publish(ctx context.Context, event LedgerEvent) error
	Close() error
}

// DefaultQueueSize bounds events waiting to be forwarded.
const DefaultQueueSize = 1024

// Forwarder mirrors bus events to an EventPublisher. Enqueue never blocks,
// so a slow broker never blocks bus delivery; when the queue is full the
// event is dropped and counted.
type Forwarder struct {
	publisher EventPublisher
	logger    *zap.Logger
	queue     chan LedgerEvent

	forwarded atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewForwarder creates a forwarder. A non-positive queueSize uses DefaultQueueSize.
func NewForwarder(publisher EventPublisher, logger *zap.Logger, queueSize int) *Forwarder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		publisher: publisher,
		logger:    logger.With(zap.String("component", "kafka_forwarder")),
		queue:     make(chan LedgerEvent, queueSize),
	}
}

// Enqueue schedules msg for publishing and reports whether it was accepted.
func (f *Forwarder) Enqueue(msg LedgerEvent) bool {
	select {
	case f.queue <- msg:
		return true
	default:
		f.dropped.Add(1)
		f.logger.Warn("forward queue full, dropping event",
			zap.String("event_id", msg.EventID),
			zap.String("type", msg.Type))
		return false
	}
}

// Run publishes queued events until ctx is done, then drains what is left
// with a short grace period and closes the publisher.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-f.queue:
			f.forward(ctx, msg)
		case <-ctx.Done():
			f.drain()
			return f.publisher.Close()
		}
	}
}

func (f *Forwarder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case msg := <-f.queue:
			f.forward(ctx, msg)
		default:
			return
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, msg LedgerEvent) {
	if err := f.publisher.Publish(ctx, msg); err != nil {
		f.failed.Add(1)
		f.logger.Error("failed to forward event",
			zap.String("event_id", msg.EventID),
			zap.Error(err))
		return
	}
	f.forwarded.Add(1)
}

// ForwarderStats is a snapshot of forwarder counters.
type ForwarderStats struct {
	Forwarded int64 `json:"forwarded"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Queued    int   `json:"queued"`
}

func (f *Forwarder) Stats() ForwarderStats {
	return ForwarderStats{
		Forwarded: f.forwarded.Load(),
		Failed:    f.failed.Load(),
		Dropped:   f.dropped.Load(),
		Queued:    len(f.queue),
	}
}
