/*
Package sqlite provides a SQLite-backed implementation of billing.TxStore.

PURPOSE:
  Persists hostels, rooms, residents, calendar periods, payments and
  historical residents. In production, the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  billing.TxStore: units of work
  billing.Tx:      record reads/writes inside one unit of work

KEY TABLES:
  hostels, users, rooms, residents: live state
  calendar_periods:                 academic periods (one active per hostel)
  payments:                         charges and top-ups
  historical_residents:             frozen snapshots, insert-only

CONSTRAINTS:
  - idx_payments_reference:     payment references are unique
  - idx_periods_one_active:     at most one active period per hostel
  - rooms CHECK:                occupancy never exceeds max capacity
  - payments CHECK:             never linked to both a resident and a snapshot

CONCURRENCY:
  One connection, immediate transactions, plus a sync.Mutex around WithTx.
  A unit of work therefore holds the write lock from its first read, and the
  conditional occupancy update cannot race another confirmation. In
  production with PostgreSQL, SELECT ... FOR UPDATE covers the same ground.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better crash recovery.

MONEY AND TIME:
  Decimals are stored as TEXT through shopspring/decimal's Scanner/Valuer.
  Times are stored as fixed-width UTC TEXT so string order is time order.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := billing.NewEngine(store, gateway, logger)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/hostel-billing/billing"
)

// Store implements billing.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serializes
	// writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Wrap returns a Store over an already opened database without migrating it.
func Wrap(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS hostels (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		partial_payment_threshold TEXT
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		hostel_id TEXT
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		hostel_id TEXT NOT NULL REFERENCES hostels(id),
		number TEXT NOT NULL DEFAULT '',
		max_capacity INTEGER NOT NULL CHECK (max_capacity >= 1),
		current_occupancy INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		price TEXT NOT NULL,
		CHECK (current_occupancy >= 0 AND current_occupancy <= max_capacity)
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_hostel ON rooms(hostel_id);

	CREATE TABLE IF NOT EXISTS residents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		hostel_id TEXT,
		room_id TEXT REFERENCES rooms(id),
		status TEXT NOT NULL,
		access_code TEXT,
		access_code_expires_at TEXT,
		deleted_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_residents_room ON residents(room_id) WHERE room_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_residents_access_code
		ON residents(access_code COLLATE NOCASE) WHERE access_code IS NOT NULL;

	CREATE TABLE IF NOT EXISTS calendar_periods (
		id TEXT PRIMARY KEY,
		hostel_id TEXT NOT NULL REFERENCES hostels(id),
		name TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT,
		is_active INTEGER NOT NULL DEFAULT 0
	);

	-- At most one active period per hostel
	CREATE UNIQUE INDEX IF NOT EXISTS idx_periods_one_active
		ON calendar_periods(hostel_id) WHERE is_active = 1;

	CREATE TABLE IF NOT EXISTS historical_residents (
		id TEXT PRIMARY KEY,
		resident_id TEXT NOT NULL,
		room_id TEXT NOT NULL,
		calendar_period_id TEXT NOT NULL REFERENCES calendar_periods(id),
		amount_paid TEXT NOT NULL,
		room_price TEXT NOT NULL,
		archived_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_historical_room_period
		ON historical_residents(room_id, calendar_period_id, archived_at);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		reference TEXT NOT NULL,
		amount_paid TEXT NOT NULL DEFAULT '0',
		balance_owed TEXT,
		resident_id TEXT REFERENCES residents(id),
		historical_resident_id TEXT REFERENCES historical_residents(id),
		calendar_period_id TEXT NOT NULL,
		room_id TEXT NOT NULL,
		channel TEXT NOT NULL DEFAULT '',
		resolution_note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		paid_at TEXT,
		CHECK (resident_id IS NULL OR historical_resident_id IS NULL)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_reference ON payments(reference);
	CREATE INDEX IF NOT EXISTS idx_payments_resident_period
		ON payments(resident_id, calendar_period_id) WHERE resident_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_payments_room_period_created
		ON payments(room_id, calendar_period_id, created_at);

	-- For the orphan scan
	CREATE INDEX IF NOT EXISTS idx_payments_orphaned
		ON payments(created_at) WHERE resident_id IS NULL AND historical_resident_id IS NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(billing.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore is the billing.Tx view of one open transaction. It must never
// touch Store.db: the only connection is held by tx.
type txStore struct {
	tx *sql.Tx
}

// Helper functions

// timeLayout is fixed width so lexical order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return nullString(*s)
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func isCheckConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "CHECK constraint failed")
}

// noRows maps sql.ErrNoRows to the store sentinel.
func noRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return billing.ErrRecordNotFound
	}
	return err
}
