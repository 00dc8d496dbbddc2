package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"dailyprompt/internal/types"
)

// conn holds the queries shared by Store and storeTx.
type conn struct {
	q   querier
	now func() time.Time
}

type scanner interface{ Scan(...any) error }

// ============================================================
// Recipients
// ============================================================

const recipientColumns = `id, phone_number, active, delivery_time, timezone,
  interaction_count, last_delivery_at, created_at`

func scanRecipient(row scanner) (*types.Recipient, error) {
	var (
		r            types.Recipient
		lastDelivery sql.NullInt64
		createdAt    int64
	)
	if err := row.Scan(&r.ID, &r.PhoneNumber, &r.Active, &r.DeliveryTime, &r.Timezone,
		&r.InteractionCount, &lastDelivery, &createdAt); err != nil {
		return nil, err
	}
	r.LastDeliveryAt = timePtr(lastDelivery)
	r.CreatedAt = fromMillis(createdAt)
	return &r, nil
}

func (c conn) ListActiveRecipients(ctx context.Context, afterID string, limit int) ([]types.Recipient, error) {
	rows, err := c.q.QueryContext(ctx, `
SELECT `+recipientColumns+`
FROM recipients
WHERE active = 1 AND id > ?
ORDER BY id
LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, dbError("failed to list active recipients", err)
	}
	defer rows.Close()

	var out []types.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, dbError("failed to scan recipient", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("error iterating recipients", err)
	}
	return out, nil
}

func (c conn) GetRecipient(ctx context.Context, id string) (*types.Recipient, error) {
	r, err := scanRecipient(c.q.QueryRowContext(ctx, `SELECT `+recipientColumns+` FROM recipients WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundRecipient, fmt.Sprintf("recipient %s not found", id), nil)
	}
	if err != nil {
		return nil, dbError("failed to get recipient", err)
	}
	return r, nil
}

// LockRecipient reads the recipient. The open transaction already holds
// the only connection.
func (c conn) LockRecipient(ctx context.Context, recipientID string) (*types.Recipient, error) {
	r, err := scanRecipient(c.q.QueryRowContext(ctx, `SELECT `+recipientColumns+` FROM recipients WHERE id = ?`, recipientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("failed to lock recipient", err)
	}
	return r, nil
}

func (c conn) TouchLastDelivery(ctx context.Context, recipientID string, at time.Time) error {
	if _, err := c.q.ExecContext(ctx, `UPDATE recipients SET last_delivery_at = ? WHERE id = ?`, toMillis(at), recipientID); err != nil {
		return dbError("failed to update last delivery", err)
	}
	return nil
}

// UpsertRecipient inserts or replaces a recipient. The scheduler never
// writes recipients; this serves seeding and tests.
func (c conn) UpsertRecipient(ctx context.Context, r types.Recipient) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = c.now()
	}
	_, err := c.q.ExecContext(ctx, `
INSERT INTO recipients (id, phone_number, active, delivery_time, timezone, interaction_count, last_delivery_at, created_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  phone_number = excluded.phone_number,
  active = excluded.active,
  delivery_time = excluded.delivery_time,
  timezone = excluded.timezone,
  interaction_count = excluded.interaction_count`,
		r.ID, r.PhoneNumber, r.Active, r.DeliveryTime, r.Timezone, r.InteractionCount,
		nullMillis(r.LastDeliveryAt), toMillis(r.CreatedAt))
	if err != nil {
		return dbError("failed to upsert recipient", err)
	}
	return nil
}

// ============================================================
// Content
// ============================================================

// UpsertContent inserts or replaces a content item. Seeding and tests only.
func (c conn) UpsertContent(ctx context.Context, item types.Content) error {
	_, err := c.q.ExecContext(ctx, `
INSERT INTO content (id, category, body, answer) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET category = excluded.category, body = excluded.body, answer = excluded.answer`,
		item.ID, item.Category, item.Body, item.Answer)
	if err != nil {
		return dbError("failed to upsert content", err)
	}
	return nil
}

func (c conn) GetContent(ctx context.Context, contentID string) (*types.Content, error) {
	var item types.Content
	err := c.q.QueryRowContext(ctx, `SELECT id, category, body, answer FROM content WHERE id = ?`, contentID).
		Scan(&item.ID, &item.Category, &item.Body, &item.Answer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundContent, fmt.Sprintf("content %s not found", contentID), nil)
	}
	if err != nil {
		return nil, dbError("failed to get content", err)
	}
	return &item, nil
}

// SelectContent returns the first content item, in id order, that is not
// excluded and matches categoryHint when set.
func (c conn) SelectContent(ctx context.Context, _ string, excluded []string, categoryHint string) (*types.Content, error) {
	query := `SELECT id, category, body, answer FROM content WHERE (? = '' OR category = ?)`
	args := []any{categoryHint, categoryHint}
	if len(excluded) > 0 {
		query += ` AND id NOT IN (?` + strings.Repeat(",?", len(excluded)-1) + `)`
		for _, id := range excluded {
			args = append(args, id)
		}
	}
	query += ` ORDER BY id LIMIT 1`

	var item types.Content
	err := c.q.QueryRowContext(ctx, query, args...).Scan(&item.ID, &item.Category, &item.Body, &item.Answer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("failed to select content", err)
	}
	return &item, nil
}

// ============================================================
// Queue
// ============================================================

const queueSelect = `
SELECT q.id, q.recipient_id, q.scheduled_for, q.local_date, q.status, q.attempts,
  q.content_id, COALESCE(c.body, ''), q.sent_at, q.error_message, q.created_at
FROM delivery_queue q
LEFT JOIN content c ON c.id = q.content_id`

func scanEntry(row scanner) (*types.QueueEntry, error) {
	var (
		e                       types.QueueEntry
		scheduledFor, createdAt int64
		localDate, status       string
		contentID, errMsg       sql.NullString
		sentAt                  sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.RecipientID, &scheduledFor, &localDate, &status, &e.Attempts,
		&contentID, &e.Body, &sentAt, &errMsg, &createdAt); err != nil {
		return nil, err
	}
	d, err := time.Parse(time.DateOnly, localDate)
	if err != nil {
		return nil, fmt.Errorf("parsing local_date %q: %w", localDate, err)
	}
	e.ScheduledFor = fromMillis(scheduledFor)
	e.LocalDate = d
	e.Status = types.QueueStatus(status)
	e.ContentID = strPtr(contentID)
	e.SentAt = timePtr(sentAt)
	e.ErrorMessage = strPtr(errMsg)
	e.CreatedAt = fromMillis(createdAt)
	return &e, nil
}

func (c conn) queryEntries(ctx context.Context, what, query string, args ...any) ([]types.QueueEntry, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
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

func (c conn) HasActiveEntry(ctx context.Context, recipientID string, localDate time.Time) (bool, error) {
	var exists bool
	err := c.q.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM delivery_queue WHERE recipient_id = ? AND local_date = ? AND status <> 'failed')`,
		recipientID, dateString(localDate)).Scan(&exists)
	if err != nil {
		return false, dbError("failed to check existing entry", err)
	}
	return exists, nil
}

func (c conn) ListConsumedContentIDs(ctx context.Context, recipientID string) ([]string, error) {
	rows, err := c.q.QueryContext(ctx, `
SELECT content_id FROM delivery_queue WHERE recipient_id = ? AND status <> 'failed' AND content_id IS NOT NULL
UNION
SELECT content_id FROM interactions WHERE recipient_id = ?`, recipientID, recipientID)
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

func (c conn) ListDueEntries(ctx context.Context, from, to time.Time, limit int) ([]types.QueueEntry, error) {
	return c.queryEntries(ctx, "due entries", queueSelect+`
WHERE q.status = 'pending' AND q.attempts = 0 AND q.scheduled_for >= ? AND q.scheduled_for <= ?
ORDER BY q.scheduled_for, q.id
LIMIT ?`, toMillis(from), toMillis(to), limit)
}

func (c conn) ListEntries(ctx context.Context, from, to time.Time) ([]types.QueueEntry, error) {
	return c.queryEntries(ctx, "queue entries", queueSelect+`
WHERE q.scheduled_for >= ? AND q.scheduled_for < ?
ORDER BY q.scheduled_for, q.id`, toMillis(from), toMillis(to))
}

func (c conn) FindEntry(ctx context.Context, recipientID string, localDate time.Time) (*types.QueueEntry, error) {
	e, err := scanEntry(c.q.QueryRowContext(ctx, queueSelect+`
WHERE q.recipient_id = ? AND q.local_date = ? AND q.status <> 'failed'`, recipientID, dateString(localDate)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("failed to find queue entry", err)
	}
	return e, nil
}

func (c conn) InsertEntry(ctx context.Context, entry *types.QueueEntry) (bool, error) {
	res, err := c.q.ExecContext(ctx, `
INSERT INTO delivery_queue (id, recipient_id, scheduled_for, local_date, status, attempts, content_id, created_at)
VALUES (?, ?, ?, ?, 'pending', 0, ?, ?)
ON CONFLICT DO NOTHING`,
		entry.ID, entry.RecipientID, toMillis(entry.ScheduledFor), dateString(entry.LocalDate),
		entry.ContentID, toMillis(entry.CreatedAt))
	if err != nil {
		return false, dbError("failed to insert queue entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbError("failed to read insert result", err)
	}
	return n == 1, nil
}

func (c conn) LockPendingEntry(ctx context.Context, entryID string) (*types.QueueEntry, error) {
	e, err := scanEntry(c.q.QueryRowContext(ctx, queueSelect+`
WHERE q.id = ? AND q.status = 'pending' AND q.attempts = 0`, entryID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("failed to lock queue entry", err)
	}
	return e, nil
}

func (c conn) FinalizeEntry(ctx context.Context, entryID string, status types.QueueStatus, sentAt *time.Time, reason *string) error {
	if !status.IsTerminal() {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("cannot finalize entry with status %q", status), nil)
	}
	res, err := c.q.ExecContext(ctx, `
UPDATE delivery_queue SET status = ?, attempts = 1, sent_at = ?, error_message = ?
WHERE id = ? AND attempts = 0`, string(status), nullMillis(sentAt), reason, entryID)
	if err != nil {
		return dbError("failed to finalize queue entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("queue entry %s already attempted", entryID), nil)
	}
	return nil
}

func (c conn) ForceFailEntry(ctx context.Context, entryID, reason string) error {
	_, err := c.q.ExecContext(ctx, `
UPDATE delivery_queue SET status = 'failed', attempts = 1, error_message = ?
WHERE id = ? AND attempts = 0`, reason, entryID)
	if err != nil {
		return dbError("failed to force-fail queue entry", err)
	}
	return nil
}

func (c conn) PurgeEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.q.ExecContext(ctx, `DELETE FROM delivery_queue WHERE status <> 'sent' AND scheduled_for < ?`, toMillis(cutoff))
	if err != nil {
		return 0, dbError("failed to purge queue", err)
	}
	return res.RowsAffected()
}

// ============================================================
// Interactions
// ============================================================

func (c conn) CountOpenInteractions(ctx context.Context, recipientID string) (int, error) {
	var n int
	err := c.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions WHERE recipient_id = ? AND response IS NULL`, recipientID).Scan(&n)
	if err != nil {
		return 0, dbError("failed to count open interactions", err)
	}
	return n, nil
}

func (c conn) InsertInteraction(ctx context.Context, in *types.OpenInteraction) (bool, error) {
	res, err := c.q.ExecContext(ctx, `
INSERT INTO interactions (id, recipient_id, content_id, queue_entry_id, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`, in.ID, in.RecipientID, in.ContentID, in.QueueEntryID, toMillis(in.CreatedAt))
	if err != nil {
		return false, dbError("failed to insert interaction", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbError("failed to read insert result", err)
	}
	return n == 1, nil
}

func (c conn) LockOpenInteraction(ctx context.Context, recipientID string) (*types.OpenInteraction, error) {
	var (
		in                 types.OpenInteraction
		queueEntryID, resp sql.NullString
		correct            sql.NullBool
		createdAt          int64
		answeredAt         sql.NullInt64
	)
	err := c.q.QueryRowContext(ctx, `
SELECT id, recipient_id, content_id, queue_entry_id, response, correct, points, created_at, answered_at
FROM interactions WHERE recipient_id = ? AND response IS NULL`, recipientID).
		Scan(&in.ID, &in.RecipientID, &in.ContentID, &queueEntryID, &resp, &correct, &in.Points, &createdAt, &answeredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("failed to lock open interaction", err)
	}
	in.QueueEntryID = strPtr(queueEntryID)
	in.Response = strPtr(resp)
	if correct.Valid {
		in.Correct = &correct.Bool
	}
	in.CreatedAt = fromMillis(createdAt)
	in.AnsweredAt = timePtr(answeredAt)
	return &in, nil
}

func (c conn) CloseInteraction(ctx context.Context, in *types.OpenInteraction) error {
	res, err := c.q.ExecContext(ctx, `
UPDATE interactions SET response = ?, correct = ?, points = ?, answered_at = ?
WHERE id = ? AND response IS NULL`, in.Response, in.Correct, in.Points, nullMillis(in.AnsweredAt), in.ID)
	if err != nil {
		return dbError("failed to close interaction", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("interaction %s is not open", in.ID), nil)
	}
	return nil
}

func (c conn) DeleteStaleInteractions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.q.ExecContext(ctx, `DELETE FROM interactions WHERE response IS NULL AND created_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, dbError("failed to delete stale interactions", err)
	}
	return res.RowsAffected()
}

// ============================================================
// Job locks and history
// ============================================================

func (c conn) Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error) {
	now := c.now().UTC()
	res, err := c.q.ExecContext(ctx, `
INSERT INTO job_locks (id, worker_id, locked_at, expires_at) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  worker_id = excluded.worker_id,
  locked_at = excluded.locked_at,
  expires_at = excluded.expires_at
WHERE job_locks.expires_at < excluded.locked_at`,
		lockID, workerID, toMillis(now), toMillis(now.Add(ttl)))
	if err != nil {
		return false, dbError("failed to acquire job lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, dbError("failed to read lock result", err)
	}
	return n > 0, nil
}

func (c conn) Start(ctx context.Context, jobType string) (int64, error) {
	res, err := c.q.ExecContext(ctx, `
INSERT INTO job_history (job_type, started_at, status) VALUES (?, ?, 'running')`,
		jobType, toMillis(c.now()))
	if err != nil {
		return 0, dbError("failed to start job history entry", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, dbError("failed to read job history id", err)
	}
	return id, nil
}

func (c conn) Finish(ctx context.Context, id int64, status string, items int, jobErr error) error {
	var errMsg *string
	if jobErr != nil {
		s := jobErr.Error()
		errMsg = &s
	}
	res, err := c.q.ExecContext(ctx, `
UPDATE job_history SET finished_at = ?, status = ?, items_count = ?, error = ? WHERE id = ?`,
		toMillis(c.now()), status, items, errMsg, id)
	if err != nil {
		return dbError("failed to finish job history entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "job history entry not found", nil)
	}
	return nil
}
