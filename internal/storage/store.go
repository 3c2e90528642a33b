package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dhima/ledger-bus/pkg/clock"
	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Dialect names the SQL flavour behind a SQLStore. Queries are written to be
// portable across both; only the schema differs.
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// SQLStore implements ledger.Store on a single ledger_records table.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	clock   clock.Clock

	// insertMu serializes inserts so CreatedAt order equals commit order for
	// everything this process writes. Rows from other processes carry their
	// own clocks; pollers cover those with a settle window.
	insertMu sync.Mutex
	last     time.Time
}

// Open connects to the database, configures the pool and applies the schema.
func Open(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	switch dialect {
	case DialectMySQL:
		db.SetMaxIdleConns(5)
		db.SetMaxOpenConns(20)
		db.SetConnMaxLifetime(60 * time.Minute)
	case DialectSQLite:
		// SQLite has a single writer, and an in-memory database lives only as
		// long as its one connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	default:
		db.Close()
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := New(db, dialect, clock.RealClock{})
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wires an already configured sql.DB. The clock stamps CreatedAt.
func New(db *sql.DB, dialect Dialect, clk clock.Clock) *SQLStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &SQLStore{db: db, dialect: dialect, clock: clk}
}

// Migrate creates the ledger table and indexes if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if s.dialect == DialectSQLite {
		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA busy_timeout = 5000",
		} {
			if _, err := s.db.ExecContext(ctx, pragma); err != nil {
				return fmt.Errorf("failed to execute %q: %w", pragma, err)
			}
		}
	}

	raw, err := schemaFS.ReadFile("schema/" + string(s.dialect) + ".sql")
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	// The MySQL driver rejects multi-statement strings unless the DSN opts in.
	for _, stmt := range strings.Split(string(raw), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
