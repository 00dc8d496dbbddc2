package db

import (
	"context"
	"fmt"
	"time"

	"dailyprompt/internal/types"
)

// queueSelect joins the assigned content so entries carry their body.
const queueSelect = `SELECT q.id, q.recipient_id, q.scheduled_for, q.local_date, q.status,
	q.attempts, q.content_id, COALESCE(c.body, ''), q.sent_at, q.error_message, q.created_at
	FROM delivery_queue q
	LEFT JOIN content c ON c.id = q.content_id`

// QueueRepository provides data access for delivery_queue.
//
// At most one non-failed row exists per recipient and local date; the
// partial unique index delivery_queue_one_per_day enforces it and
// InsertEntry reports a conflict as false.
type QueueRepository struct {
	db DBTX
}

// NewQueueRepository creates a new QueueRepository backed by the given
// database connection (pool or transaction).
func NewQueueRepository(db DBTX) *QueueRepository {
	return &QueueRepository{db: db}
}

func scanEntry(row interface{ Scan(...any) error }) (*types.QueueEntry, error) {
	var (
		e      types.QueueEntry
		status string
	)
	err := row.Scan(
		&e.ID,
		&e.RecipientID,
		&e.ScheduledFor,
		&e.LocalDate,
		&status,
		&e.Attempts,
		&e.ContentID,
		&e.Body,
		&e.SentAt,
		&e.ErrorMessage,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = types.QueueStatus(status)
	e.ScheduledFor = e.ScheduledFor.UTC()
	return &e, nil
}

func (r *QueueRepository) queryEntries(ctx context.Context, what, sql string, args ...any) ([]types.QueueEntry, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, dbError("failed to query "+what, err)
	}
	defer rows.Close()

	var out []types.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, dbError("failed to scan queue entry", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("error iterating "+what, err)
	}
	return out, nil
}

// HasActiveEntry reports whether a non-failed entry exists for the
// recipient on localDate.
func (r *QueueRepository) HasActiveEntry(ctx context.Context, recipientID string, localDate time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM delivery_queue
		   WHERE recipient_id = $1 AND local_date = $2 AND status <> 'failed'
		 )`,
		recipientID,
		localDate,
	).Scan(&exists)
	if err != nil {
		return false, dbError("failed to check existing entry", err)
	}
	return exists, nil
}

// ListConsumedContentIDs returns content assigned to the recipient's
// non-failed entries or referenced by its interactions.
func (r *QueueRepository) ListConsumedContentIDs(ctx context.Context, recipientID string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT content_id FROM delivery_queue
		 WHERE recipient_id = $1 AND status <> 'failed' AND content_id IS NOT NULL
		 UNION
		 SELECT content_id FROM interactions WHERE recipient_id = $1`,
		recipientID,
	)
	if err != nil {
		return nil, dbError("failed to list consumed content", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dbError("failed to scan content id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("error iterating consumed content", err)
	}
	return ids, nil
}

// ListDueEntries returns pending, unattempted entries scheduled within
// [from, to], ascending by scheduled time.
func (r *QueueRepository) ListDueEntries(ctx context.Context, from, to time.Time, limit int) ([]types.QueueEntry, error) {
	return r.queryEntries(ctx, "due entries",
		queueSelect+`
		 WHERE q.status = 'pending' AND q.attempts = 0
		   AND q.scheduled_for >= $1 AND q.scheduled_for <= $2
		 ORDER BY q.scheduled_for, q.id
		 LIMIT $3`,
		from,
		to,
		limit,
	)
}

// ListEntries returns every entry scheduled within [from, to).
func (r *QueueRepository) ListEntries(ctx context.Context, from, to time.Time) ([]types.QueueEntry, error) {
	return r.queryEntries(ctx, "queue entries",
		queueSelect+`
		 WHERE q.scheduled_for >= $1 AND q.scheduled_for < $2
		 ORDER BY q.scheduled_for, q.id`,
		from,
		to,
	)
}

// FindEntry returns the non-failed entry of the recipient's local date, or
// nil.
func (r *QueueRepository) FindEntry(ctx context.Context, recipientID string, localDate time.Time) (*types.QueueEntry, error) {
	e, err := scanEntry(r.db.QueryRow(ctx,
		queueSelect+`
		 WHERE q.recipient_id = $1 AND q.local_date = $2 AND q.status <> 'failed'`,
		recipientID,
		localDate,
	))
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("failed to find queue entry", err)
	}
	return e, nil
}

// InsertEntry inserts a pending entry. It returns false when the
// one-per-day index already holds a row for the recipient's local date.
func (r *QueueRepository) InsertEntry(ctx context.Context, entry *types.QueueEntry) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO delivery_queue
		   (id, recipient_id, scheduled_for, local_date, status, attempts, content_id, created_at)
		 VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6)
		 ON CONFLICT DO NOTHING`,
		entry.ID,
		entry.RecipientID,
		entry.ScheduledFor,
		entry.LocalDate,
		entry.ContentID,
		entry.CreatedAt,
	)
	if err != nil {
		return false, dbError("failed to insert queue entry", err)
	}
	return tag.RowsAffected() == 1, nil
}

// LockPendingEntry locks an unattempted pending entry. Rows locked by
// another transaction are skipped, so concurrent ticks never claim the same
// entry. Returns nil when nothing is claimable.
func (r *QueueRepository) LockPendingEntry(ctx context.Context, entryID string) (*types.QueueEntry, error) {
	e, err := scanEntry(r.db.QueryRow(ctx,
		queueSelect+`
		 WHERE q.id = $1 AND q.status = 'pending' AND q.attempts = 0
		 FOR UPDATE OF q SKIP LOCKED`,
		entryID,
	))
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("failed to lock queue entry", err)
	}
	return e, nil
}

// FinalizeEntry moves an unattempted entry to its terminal status.
func (r *QueueRepository) FinalizeEntry(ctx context.Context, entryID string, status types.QueueStatus, sentAt *time.Time, reason *string) error {
	if !status.IsTerminal() {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("cannot finalize entry with status %q", status), nil)
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_queue
		 SET status = $2, attempts = 1, sent_at = $3, error_message = $4
		 WHERE id = $1 AND attempts = 0`,
		entryID,
		string(status),
		sentAt,
		reason,
	)
	if err != nil {
		return dbError("failed to finalize queue entry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("queue entry %s already attempted", entryID), nil)
	}
	return nil
}

// ForceFailEntry marks an unattempted entry failed in its own statement.
// An entry that was already finalized is left untouched.
func (r *QueueRepository) ForceFailEntry(ctx context.Context, entryID, reason string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE delivery_queue
		 SET status = 'failed', attempts = 1, error_message = $2
		 WHERE id = $1 AND attempts = 0`,
		entryID,
		reason,
	)
	if err != nil {
		return dbError("failed to force-fail queue entry", err)
	}
	return nil
}

// PurgeEntries deletes pending and failed entries scheduled before cutoff.
func (r *QueueRepository) PurgeEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM delivery_queue WHERE status <> 'sent' AND scheduled_for < $1`,
		cutoff,
	)
	if err != nil {
		return 0, dbError("failed to purge queue", err)
	}
	return tag.RowsAffected(), nil
}
