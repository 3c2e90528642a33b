package ledger

import (
	"context"
	"time"
)

// Store is the data-access contract over the ledger table. Implementations
// assign ID and a strictly increasing CreatedAt on Insert and must be safe for
// concurrent use.
type Store interface {
	Insert(ctx context.Context, rec Record) (Record, error)
	FindMany(ctx context.Context, f Filter) ([]Record, error)
	// FindUnique returns nil, nil when no record has the ID.
	FindUnique(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, id string, p Patch) (Record, error)
	DeleteMany(ctx context.Context, f Filter) (int64, error)
}

// NextRev returns now if it is after last, otherwise the smallest instant after
// last. Stores use it to keep CreatedAt strictly increasing within a process
// even when the wall clock stalls or steps backwards.
func NextRev(last, now time.Time) time.Time {
	if now.After(last) {
		return now
	}
	return last.Add(time.Nanosecond)
}
