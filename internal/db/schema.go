package db

import (
	"context"
)

// Schema is the PostgreSQL DDL of the scheduler tables. Every statement is
// idempotent.
//
// The two partial unique indexes carry the scheduler's invariants: one
// non-failed queue entry per recipient and local date, and one unanswered
// interaction per recipient.
const Schema = `
CREATE TABLE IF NOT EXISTS recipients (
	id                TEXT PRIMARY KEY,
	phone_number      TEXT NOT NULL,
	active            BOOLEAN NOT NULL DEFAULT TRUE,
	delivery_time     TEXT NOT NULL,
	timezone          TEXT NOT NULL,
	interaction_count INTEGER NOT NULL DEFAULT 0,
	last_delivery_at  TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS content (
	id       TEXT PRIMARY KEY,
	category TEXT NOT NULL DEFAULT '',
	body     TEXT NOT NULL,
	answer   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS delivery_queue (
	id             TEXT PRIMARY KEY,
	recipient_id   TEXT NOT NULL REFERENCES recipients(id) ON DELETE CASCADE,
	scheduled_for  TIMESTAMPTZ NOT NULL,
	local_date     DATE NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'sent', 'failed')),
	attempts       SMALLINT NOT NULL DEFAULT 0 CHECK (attempts IN (0, 1)),
	content_id     TEXT REFERENCES content(id),
	sent_at        TIMESTAMPTZ,
	error_message  TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS delivery_queue_one_per_day
	ON delivery_queue (recipient_id, local_date) WHERE status <> 'failed';
CREATE INDEX IF NOT EXISTS delivery_queue_due
	ON delivery_queue (scheduled_for) WHERE status = 'pending' AND attempts = 0;

CREATE TABLE IF NOT EXISTS interactions (
	id             TEXT PRIMARY KEY,
	recipient_id   TEXT NOT NULL REFERENCES recipients(id) ON DELETE CASCADE,
	content_id     TEXT NOT NULL REFERENCES content(id),
	queue_entry_id TEXT REFERENCES delivery_queue(id) ON DELETE SET NULL,
	response       TEXT,
	correct        BOOLEAN,
	points         INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	answered_at    TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS interactions_one_open
	ON interactions (recipient_id) WHERE response IS NULL;

CREATE TABLE IF NOT EXISTS job_locks (
	id         TEXT PRIMARY KEY,
	worker_id  TEXT NOT NULL,
	locked_at  TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS job_history (
	id          BIGSERIAL PRIMARY KEY,
	job_type    TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	status      TEXT NOT NULL,
	items_count INTEGER,
	error       TEXT
);
`

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return dbError("failed to apply schema", err)
	}
	return nil
}
