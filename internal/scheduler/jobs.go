package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultLockTTL covers the longest expected job with margin.
const DefaultLockTTL = 15 * time.Minute

// JobLocker abstracts the job lock table.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
}

// JobHistorian abstracts the job history table.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, err error) error
}

// JobResult describes one job execution.
type JobResult struct {
	Task     TaskType
	LockID   string
	Items    int
	Skipped  bool
	Duration time.Duration
}

// JobRunner wraps a job with a lock keyed by task and time bucket and a
// history row. With nil locks or history those steps are skipped.
type JobRunner struct {
	locks    JobLocker
	history  JobHistorian
	workerID string
	lockTTL  time.Duration
	metrics  Metrics
	logger   *slog.Logger
}

// NewJobRunner creates a JobRunner.
func NewJobRunner(locks JobLocker, history JobHistorian, workerID string, lockTTL time.Duration, metrics Metrics, logger *slog.Logger) *JobRunner {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	if metrics == nil {
		metrics = NoopMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobRunner{
		locks:    locks,
		history:  history,
		workerID: workerID,
		lockTTL:  lockTTL,
		metrics:  metrics,
		logger:   logger,
	}
}

// LockBucket is the window a job lock covers. Delivery runs every few
// minutes so its lock is per minute; everything else is per hour.
func LockBucket(task TaskType) time.Duration {
	if task == TaskDeliverDue {
		return time.Minute
	}
	return time.Hour
}

// LockID returns the lock key for a task at now.
func LockID(task TaskType, now time.Time) string {
	return fmt.Sprintf("%s:%s", task, now.UTC().Truncate(LockBucket(task)).Format("2006-01-02T15:04"))
}

// Run executes fn under the job lock. When another worker holds the lock the
// result is marked Skipped and fn does not run.
func (r *JobRunner) Run(ctx context.Context, task TaskType, now time.Time, fn func(context.Context) (int, error)) (JobResult, error) {
	result := JobResult{Task: task, LockID: LockID(task, now)}

	if r.locks != nil {
		acquired, err := r.locks.Acquire(ctx, result.LockID, r.workerID, r.lockTTL)
		if err != nil {
			return result, fmt.Errorf("acquiring job lock %s: %w", result.LockID, err)
		}
		if !acquired {
			r.logger.InfoContext(ctx, "job lock held by another worker",
				"lock_id", result.LockID,
			)
			result.Skipped = true
			return result, nil
		}
	}

	var jobID int64
	if r.history != nil {
		id, err := r.history.Start(ctx, string(task))
		if err != nil {
			// History is best effort; the job still runs.
			r.logger.ErrorContext(ctx, "failed to start job history",
				"task", task,
				"error", err,
			)
		} else {
			jobID = id
		}
	}

	started := time.Now()
	items, execErr := fn(ctx)
	result.Items = items
	result.Duration = time.Since(started)
	r.metrics.RecordJob(ctx, string(task), result.Duration, items, execErr)

	if jobID != 0 {
		status := "success"
		if execErr != nil {
			status = "failed"
		}
		if err := r.history.Finish(context.WithoutCancel(ctx), jobID, status, items, execErr); err != nil {
			r.logger.ErrorContext(ctx, "failed to finish job history",
				"job_id", jobID,
				"task", task,
				"error", err,
			)
		}
	}

	if execErr != nil {
		r.logger.ErrorContext(ctx, "job failed",
			"task", task,
			"items_before_error", items,
			"error", execErr,
		)
		return result, fmt.Errorf("task %s failed: %w", task, execErr)
	}

	r.logger.InfoContext(ctx, "job complete",
		"task", task,
		"items", items,
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result, nil
}
