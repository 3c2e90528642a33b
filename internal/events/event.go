// Package events distributes application events through the ledger table.
//
// Publish appends a record and delivers it to local subscribers at once. A
// poller picks up records appended by other processes and delivers those too,
// oldest first. Delivery is at-least-once across processes; within one
// process each event reaches a subscriber once.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dhima/ledger-bus/internal/ledger"
)

// Event is the read view of a non-cache ledger record.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

func fromRecord(rec ledger.Record) Event {
	return Event{
		ID:        rec.ID,
		Type:      rec.Type,
		Source:    rec.Source,
		Timestamp: rec.CreatedAt,
		Data:      rec.Data,
		Metadata:  rec.Metadata,
	}
}

// Handler receives events. A returned error is logged and does not stop
// delivery to other handlers.
type Handler func(ctx context.Context, ev Event) error

// Wildcard subscribes to every event type.
const Wildcard = "*"

// Query narrows GetEvents. A zero Limit means DefaultQueryLimit.
type Query struct {
	Type   string
	Source string
	Limit  int
}

// DefaultQueryLimit caps GetEvents when the query sets no limit.
const DefaultQueryLimit = 100

// ValidationError reports an event that was rejected before it was stored.
type ValidationError struct {
	Type   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event %q: %s", e.Type, e.Reason)
}

// SubscriberError wraps a failure or panic raised by a handler.
type SubscriberError struct {
	Pattern   string
	EventID   string
	EventType string
	Err       error
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("subscriber %q failed on event %s (%s): %v", e.Pattern, e.EventID, e.EventType, e.Err)
}

func (e *SubscriberError) Unwrap() error { return e.Err }
