// Package sqlitedb is the embedded single-file store of the delivery
// scheduler, used for local runs and SQL-level tests. It implements the
// same scheduler interfaces as internal/db.
//
// The database is opened with a single connection. A transaction therefore
// owns the database until it ends, which serializes every writer; the row
// locks of the PostgreSQL store are plain reads here. Timestamps are stored
// as UTC unix milliseconds and local dates as YYYY-MM-DD text.
package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"dailyprompt/internal/scheduler"
	"dailyprompt/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS recipients (
  id TEXT PRIMARY KEY,
  phone_number TEXT NOT NULL,
  active INTEGER NOT NULL DEFAULT 1,
  delivery_time TEXT NOT NULL,
  timezone TEXT NOT NULL,
  interaction_count INTEGER NOT NULL DEFAULT 0,
  last_delivery_at INTEGER,
  created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS content (
  id TEXT PRIMARY KEY,
  category TEXT NOT NULL DEFAULT '',
  body TEXT NOT NULL,
  answer TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS delivery_queue (
  id TEXT PRIMARY KEY,
  recipient_id TEXT NOT NULL REFERENCES recipients(id) ON DELETE CASCADE,
  scheduled_for INTEGER NOT NULL,
  local_date TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','sent','failed')) DEFAULT 'pending',
  attempts INTEGER NOT NULL CHECK(attempts IN (0,1)) DEFAULT 0,
  content_id TEXT REFERENCES content(id),
  sent_at INTEGER,
  error_message TEXT,
  created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_one_per_day ON delivery_queue(recipient_id, local_date) WHERE status <> 'failed';
CREATE INDEX IF NOT EXISTS idx_queue_due ON delivery_queue(scheduled_for) WHERE status = 'pending' AND attempts = 0;
CREATE TABLE IF NOT EXISTS interactions (
  id TEXT PRIMARY KEY,
  recipient_id TEXT NOT NULL REFERENCES recipients(id) ON DELETE CASCADE,
  content_id TEXT NOT NULL REFERENCES content(id),
  queue_entry_id TEXT REFERENCES delivery_queue(id) ON DELETE SET NULL,
  response TEXT,
  correct INTEGER,
  points INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  answered_at INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_interactions_one_open ON interactions(recipient_id) WHERE response IS NULL;
CREATE TABLE IF NOT EXISTS job_locks (
  id TEXT PRIMARY KEY,
  worker_id TEXT NOT NULL,
  locked_at INTEGER NOT NULL,
  expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS job_history (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  job_type TEXT NOT NULL,
  started_at INTEGER NOT NULL,
  finished_at INTEGER,
  status TEXT NOT NULL,
  items_count INTEGER,
  error TEXT
);
`

// Open opens (creating if needed) the database file at path and applies the
// schema.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	// _txlock=immediate takes the write lock at BEGIN, so a second process
	// on the same file waits instead of reading an entry this one is about
	// to send.
	dsn := fmt.Sprintf("file:%s?mode=rwc&_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to sqlite %s: %w", path, err)
	}
	if err := EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// EnsureSchema creates the tables if they don't exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return dbError("failed to apply schema", err)
	}
	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements scheduler.Store, scheduler.ContentSelector and the job
// lock and history interfaces.
type Store struct {
	conn
	db *sql.DB
}

// NewStore creates a Store on db, which must come from Open.
func NewStore(db *sql.DB) *Store {
	return &Store{conn: conn{q: db, now: time.Now}, db: db}
}

// BeginTx starts a BEGIN IMMEDIATE transaction. It blocks while another
// transaction holds the connection or, in another process, the database
// write lock.
func (s *Store) BeginTx(ctx context.Context) (scheduler.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbError("failed to begin transaction", err)
	}
	return &storeTx{conn: conn{q: tx, now: s.now}, tx: tx}, nil
}

type storeTx struct {
	conn
	tx *sql.Tx
}

func (t *storeTx) Commit(context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return dbError("failed to commit transaction", err)
	}
	return nil
}

// Rollback is a no-op on a finished transaction.
func (t *storeTx) Rollback(context.Context) error {
	err := t.tx.Rollback()
	if err == nil || errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return dbError("failed to roll back transaction", err)
}

var (
	_ scheduler.Store           = (*Store)(nil)
	_ scheduler.ContentSelector = (*Store)(nil)
	_ scheduler.JobLocker       = (*Store)(nil)
	_ scheduler.JobHistorian    = (*Store)(nil)
	_ scheduler.Tx              = (*storeTx)(nil)
)

func dbError(msg string, err error) error {
	return types.NewAppError(types.ErrCodeInternalDB, msg, err)
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func strPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	s := n.String
	return &s
}

func dateString(t time.Time) string { return t.Format(time.DateOnly) }
