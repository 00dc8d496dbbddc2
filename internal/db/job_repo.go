package db

import (
	"context"
	"time"

	"dailyprompt/internal/types"
)

// Lock rows are keyed by task and time bucket, for example
// "deliver_due:2026-03-08T07:05". An existing row is only taken over once it
// has expired, so a crashed worker blocks its bucket for at most one TTL.
const acquireJobLockSQL = `
INSERT INTO job_locks AS l (id, worker_id, locked_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
SET worker_id  = EXCLUDED.worker_id,
    locked_at  = EXCLUDED.locked_at,
    expires_at = EXCLUDED.expires_at
WHERE l.expires_at < EXCLUDED.locked_at`

const startJobSQL = `
INSERT INTO job_history (job_type, started_at, status)
VALUES ($1, $2, 'running')
RETURNING id`

const finishJobSQL = `
UPDATE job_history
SET finished_at = $2,
    status      = $3,
    items_count = $4,
    error       = $5
WHERE id = $1`

// JobRepository implements scheduler.JobLocker and scheduler.JobHistorian.
type JobRepository struct {
	db  DBTX
	now func() time.Time
}

// NewJobRepository creates a JobRepository on db.
func NewJobRepository(db DBTX) *JobRepository {
	return &JobRepository{db: db, now: time.Now}
}

// Acquire reports whether workerID now holds lockID until ttl from now.
// Timestamps come from the process clock; ttl is never rendered as a SQL
// interval.
func (r *JobRepository) Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error) {
	now := r.now().UTC()
	tag, err := r.db.Exec(ctx, acquireJobLockSQL, lockID, workerID, now, now.Add(ttl))
	if err != nil {
		return false, dbError("failed to acquire job lock", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Start records a running job and returns its history id.
func (r *JobRepository) Start(ctx context.Context, jobType string) (int64, error) {
	var id int64
	if err := r.db.QueryRow(ctx, startJobSQL, jobType, r.now().UTC()).Scan(&id); err != nil {
		return 0, dbError("failed to start job history entry", err)
	}
	return id, nil
}

// Finish closes a history row. jobErr, when set, is stored as text.
func (r *JobRepository) Finish(ctx context.Context, id int64, status string, items int, jobErr error) error {
	var errText *string
	if jobErr != nil {
		msg := jobErr.Error()
		errText = &msg
	}

	tag, err := r.db.Exec(ctx, finishJobSQL, id, r.now().UTC(), status, items, errText)
	if err != nil {
		return dbError("failed to finish job history entry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "job history entry not found", nil).
			WithDetails(map[string]any{"job_id": id})
	}
	return nil
}
