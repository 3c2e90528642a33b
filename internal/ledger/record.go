package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Store.Update when no record has the given ID.
var ErrNotFound = errors.New("ledger record not found")

// Record is one row of the ledger table.
type Record struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	CreatedAt time.Time       `json:"createdAt"`
	Data      json.RawMessage `json:"data,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`

	// ExpiresAt mirrors metadata.expiresAt for records that carry one so the
	// store can compare it without parsing JSON. Zero means no expiry.
	ExpiresAt time.Time `json:"-"`
}

// Order selects the CreatedAt direction of FindMany results.
type Order int

const (
	// OrderDesc returns the newest records first; ties by reverse insertion order.
	OrderDesc Order = iota
	// OrderAsc returns the oldest records first; ties by insertion order.
	OrderAsc
)

// Filter narrows FindMany and DeleteMany. Zero fields are ignored; set fields
// are combined with AND, except OrExpiredBy which is OR-ed with the
// CreatedBefore bound (the cleanup sweep needs "too old OR expired").
type Filter struct {
	Type              string
	TypePrefix        string
	ExcludeTypePrefix string
	Source            string

	CreatedAfter     time.Time
	CreatedAtOrAfter time.Time
	CreatedBefore    time.Time

	// ExpiredBy matches records whose expiry is set and not after the bound.
	ExpiredBy time.Time
	// OrExpiredBy widens CreatedBefore: created before CreatedBefore OR
	// expired by OrExpiredBy.
	OrExpiredBy time.Time

	Order Order
	Limit int
}

// Patch replaces the non-nil parts of a record.
type Patch struct {
	Data     json.RawMessage
	Metadata json.RawMessage
	// ExpiresAt replaces the mirrored expiry when non-nil.
	ExpiresAt *time.Time
}

// PersistenceError reports that the store was unreachable or rejected an operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err as a PersistenceError unless it already is one or is nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistence reports whether err is (or wraps) a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
