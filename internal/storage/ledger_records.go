package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dhima/ledger-bus/internal/ledger"
	"github.com/google/uuid"
)

const recordColumns = `id, type, source, created_at, expires_at, data, metadata`

// Insert appends a record, assigning its ID and CreatedAt.
func (s *SQLStore) Insert(ctx context.Context, rec ledger.Record) (ledger.Record, error) {
	s.insertMu.Lock()
	defer s.insertMu.Unlock()

	rec.ID = uuid.New().String()
	rec.CreatedAt = ledger.NextRev(s.last, s.clock.Now().UTC())

	query := `
		INSERT INTO ledger_records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Type,
		rec.Source,
		rec.CreatedAt.UnixNano(),
		nullableNanos(rec.ExpiresAt),
		nullableJSON(rec.Data),
		nullableJSON(rec.Metadata),
	)
	if err != nil {
		return ledger.Record{}, ledger.Persistence("insert", fmt.Errorf("failed to insert ledger record: %w", err))
	}

	s.last = rec.CreatedAt
	return rec, nil
}

// FindMany returns the records matching f in the requested order.
func (s *SQLStore) FindMany(ctx context.Context, f ledger.Filter) ([]ledger.Record, error) {
	where, args := buildWhere(f)

	direction := "DESC"
	if f.Order == ledger.OrderAsc {
		direction = "ASC"
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM ledger_records
		%s
		ORDER BY created_at %s, seq %s
	`, recordColumns, where, direction, direction)
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ledger.Persistence("find", fmt.Errorf("failed to query ledger records: %w", err))
	}
	defer rows.Close()

	records := []ledger.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, ledger.Persistence("find", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.Persistence("find", fmt.Errorf("error iterating ledger records: %w", err))
	}
	return records, nil
}

// FindUnique returns the record with the given ID, or nil if there is none.
func (s *SQLStore) FindUnique(ctx context.Context, id string) (*ledger.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM ledger_records WHERE id = ?`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, ledger.Persistence("find unique", err)
	}
	return &rec, nil
}

// Update patches Data, Metadata and the mirrored expiry of one record.
func (s *SQLStore) Update(ctx context.Context, id string, p ledger.Patch) (ledger.Record, error) {
	current, err := s.FindUnique(ctx, id)
	if err != nil {
		return ledger.Record{}, err
	}
	if current == nil {
		return ledger.Record{}, ledger.ErrNotFound
	}

	sets := []string{}
	args := []any{}
	if p.Data != nil {
		sets = append(sets, "data = ?")
		args = append(args, nullableJSON(p.Data))
		current.Data = p.Data
	}
	if p.Metadata != nil {
		sets = append(sets, "metadata = ?")
		args = append(args, nullableJSON(p.Metadata))
		current.Metadata = p.Metadata
	}
	if p.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		args = append(args, nullableNanos(*p.ExpiresAt))
		current.ExpiresAt = *p.ExpiresAt
	}
	if len(sets) == 0 {
		return *current, nil
	}

	query := fmt.Sprintf(`UPDATE ledger_records SET %s WHERE id = ?`, strings.Join(sets, ", "))
	args = append(args, id)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return ledger.Record{}, ledger.Persistence("update", fmt.Errorf("failed to update ledger record: %w", err))
	}
	return *current, nil
}

// DeleteMany removes the records matching f and returns how many were removed.
// An empty filter is rejected rather than truncating the table.
func (s *SQLStore) DeleteMany(ctx context.Context, f ledger.Filter) (int64, error) {
	where, args := buildWhere(f)
	if where == "" {
		return 0, fmt.Errorf("refusing to delete ledger records without a filter")
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM ledger_records `+where, args...)
	if err != nil {
		return 0, ledger.Persistence("delete", fmt.Errorf("failed to delete ledger records: %w", err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, ledger.Persistence("delete", fmt.Errorf("failed to get rows affected: %w", err))
	}
	return n, nil
}

// buildWhere translates a filter into a WHERE clause with positional args.
// Prefixes are compared with SUBSTR so keys containing % or _ stay literal and
// matching is case-sensitive on both dialects.
func buildWhere(f ledger.Filter) (string, []any) {
	whereClauses := []string{}
	args := []any{}

	if f.Type != "" {
		whereClauses = append(whereClauses, "type = ?")
		args = append(args, f.Type)
	}
	if f.TypePrefix != "" {
		whereClauses = append(whereClauses, "SUBSTR(type, 1, ?) = ?")
		args = append(args, utf8.RuneCountInString(f.TypePrefix), f.TypePrefix)
	}
	if f.ExcludeTypePrefix != "" {
		whereClauses = append(whereClauses, "SUBSTR(type, 1, ?) <> ?")
		args = append(args, utf8.RuneCountInString(f.ExcludeTypePrefix), f.ExcludeTypePrefix)
	}
	if f.Source != "" {
		whereClauses = append(whereClauses, "source = ?")
		args = append(args, f.Source)
	}
	if !f.CreatedAfter.IsZero() {
		whereClauses = append(whereClauses, "created_at > ?")
		args = append(args, f.CreatedAfter.UnixNano())
	}
	if !f.CreatedAtOrAfter.IsZero() {
		whereClauses = append(whereClauses, "created_at >= ?")
		args = append(args, f.CreatedAtOrAfter.UnixNano())
	}

	switch {
	case !f.CreatedBefore.IsZero() && !f.OrExpiredBy.IsZero():
		whereClauses = append(whereClauses, "(created_at < ? OR (expires_at IS NOT NULL AND expires_at <= ?))")
		args = append(args, f.CreatedBefore.UnixNano(), f.OrExpiredBy.UnixNano())
	case !f.CreatedBefore.IsZero():
		whereClauses = append(whereClauses, "created_at < ?")
		args = append(args, f.CreatedBefore.UnixNano())
	case !f.OrExpiredBy.IsZero():
		whereClauses = append(whereClauses, "(expires_at IS NOT NULL AND expires_at <= ?)")
		args = append(args, f.OrExpiredBy.UnixNano())
	}

	if !f.ExpiredBy.IsZero() {
		whereClauses = append(whereClauses, "(expires_at IS NOT NULL AND expires_at <= ?)")
		args = append(args, f.ExpiredBy.UnixNano())
	}

	if len(whereClauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(whereClauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (ledger.Record, error) {
	var rec ledger.Record
	var createdAt int64
	var expiresAt sql.NullInt64
	var data, metadata sql.NullString

	err := row.Scan(
		&rec.ID,
		&rec.Type,
		&rec.Source,
		&createdAt,
		&expiresAt,
		&data,
		&metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, err
	}
	if err != nil {
		return rec, fmt.Errorf("failed to scan ledger record: %w", err)
	}

	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	if expiresAt.Valid {
		rec.ExpiresAt = time.Unix(0, expiresAt.Int64).UTC()
	}
	if data.Valid {
		rec.Data = json.RawMessage(data.String)
	}
	if metadata.Valid {
		rec.Metadata = json.RawMessage(metadata.String)
	}
	return rec, nil
}

// nullableJSON sends JSON as text; MySQL refuses JSON built from binary strings.
func nullableJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullableNanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
