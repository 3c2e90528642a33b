package fakes

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dhima/ledger-bus/internal/ledger"
	"github.com/dhima/ledger-bus/pkg/clock"
	"github.com/google/uuid"
)

// ErrUnavailable is the default error returned by injected store failures.
var ErrUnavailable = errors.New("store unavailable")

// FakeLedgerStore is an in-memory ledger.Store that mirrors the SQL store's
// ordering and filter semantics. Set the Fail* fields to simulate outages.
type FakeLedgerStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	seq     int64
	last    time.Time
	records []fakeRow

	FailInsert bool
	FailFind   bool
	FailUpdate bool
	FailDelete bool

	FindCalls int
}

type fakeRow struct {
	seq int64
	rec ledger.Record
}

// NewFakeLedgerStore creates an empty store stamping records with clk.
func NewFakeLedgerStore(clk clock.Clock) *FakeLedgerStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &FakeLedgerStore{clock: clk}
}

func (f *FakeLedgerStore) Insert(_ context.Context, rec ledger.Record) (ledger.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailInsert {
		return ledger.Record{}, ledger.Persistence("insert", ErrUnavailable)
	}
	f.seq++
	rec.ID = uuid.New().String()
	rec.CreatedAt = ledger.NextRev(f.last, f.clock.Now().UTC())
	f.last = rec.CreatedAt
	f.records = append(f.records, fakeRow{seq: f.seq, rec: rec})
	return rec, nil
}

// InsertAt appends a record with an explicit CreatedAt, bypassing the
// monotonic stamp. Tests use it to simulate rows written by other processes.
func (f *FakeLedgerStore) InsertAt(rec ledger.Record, createdAt time.Time) ledger.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.CreatedAt = createdAt.UTC()
	f.records = append(f.records, fakeRow{seq: f.seq, rec: rec})
	return rec
}

func (f *FakeLedgerStore) FindMany(_ context.Context, flt ledger.Filter) ([]ledger.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FindCalls++
	if f.FailFind {
		return nil, ledger.Persistence("find", ErrUnavailable)
	}

	rows := make([]fakeRow, 0)
	for _, r := range f.records {
		if matches(flt, r.rec) {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
			if flt.Order == ledger.OrderAsc {
				return a.rec.CreatedAt.Before(b.rec.CreatedAt)
			}
			return a.rec.CreatedAt.After(b.rec.CreatedAt)
		}
		if flt.Order == ledger.OrderAsc {
			return a.seq < b.seq
		}
		return a.seq > b.seq
	})
	if flt.Limit > 0 && len(rows) > flt.Limit {
		rows = rows[:flt.Limit]
	}

	out := make([]ledger.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.rec)
	}
	return out, nil
}

func (f *FakeLedgerStore) FindUnique(_ context.Context, id string) (*ledger.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailFind {
		return nil, ledger.Persistence("find unique", ErrUnavailable)
	}
	for _, r := range f.records {
		if r.rec.ID == id {
			cpy := r.rec
			return &cpy, nil
		}
	}
	return nil, nil
}

func (f *FakeLedgerStore) Update(_ context.Context, id string, p ledger.Patch) (ledger.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailUpdate {
		return ledger.Record{}, ledger.Persistence("update", ErrUnavailable)
	}
	for i := range f.records {
		rec := &f.records[i].rec
		if rec.ID != id {
			continue
		}
		if p.Data != nil {
			rec.Data = p.Data
		}
		if p.Metadata != nil {
			rec.Metadata = p.Metadata
		}
		if p.ExpiresAt != nil {
			rec.ExpiresAt = *p.ExpiresAt
		}
		return *rec, nil
	}
	return ledger.Record{}, ledger.ErrNotFound
}

func (f *FakeLedgerStore) DeleteMany(_ context.Context, flt ledger.Filter) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailDelete {
		return 0, ledger.Persistence("delete", ErrUnavailable)
	}
	if flt == (ledger.Filter{}) {
		return 0, errors.New("refusing to delete ledger records without a filter")
	}
	kept := f.records[:0]
	var n int64
	for _, r := range f.records {
		if matches(flt, r.rec) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	f.records = kept
	return n, nil
}

// Len returns the number of stored records.
func (f *FakeLedgerStore) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func matches(f ledger.Filter, r ledger.Record) bool {
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.TypePrefix != "" && !strings.HasPrefix(r.Type, f.TypePrefix) {
		return false
	}
	if f.ExcludeTypePrefix != "" && strings.HasPrefix(r.Type, f.ExcludeTypePrefix) {
		return false
	}
	if f.Source != "" && r.Source != f.Source {
		return false
	}
	if !f.CreatedAfter.IsZero() && !r.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedAtOrAfter.IsZero() && r.CreatedAt.Before(f.CreatedAtOrAfter) {
		return false
	}

	expiredBy := func(bound time.Time) bool {
		return !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(bound)
	}
	switch {
	case !f.CreatedBefore.IsZero() && !f.OrExpiredBy.IsZero():
		if !r.CreatedAt.Before(f.CreatedBefore) && !expiredBy(f.OrExpiredBy) {
			return false
		}
	case !f.CreatedBefore.IsZero():
		if !r.CreatedAt.Before(f.CreatedBefore) {
			return false
		}
	case !f.OrExpiredBy.IsZero():
		if !expiredBy(f.OrExpiredBy) {
			return false
		}
	}
	if !f.ExpiredBy.IsZero() && !expiredBy(f.ExpiredBy) {
		return false
	}
	return true
}
