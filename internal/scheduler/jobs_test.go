package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================
// Mock: JobLocker / JobHistorian
// ============================================================

type mockLocker struct {
	mu       sync.Mutex
	held     map[string]string
	err      error
	acquired []string
}

func (m *mockLocker) Acquire(_ context.Context, lockID, workerID string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.held == nil {
		m.held = map[string]string{}
	}
	if owner, ok := m.held[lockID]; ok && owner != workerID {
		return false, nil
	}
	m.held[lockID] = workerID
	m.acquired = append(m.acquired, lockID)
	return true, nil
}

type historyRow struct {
	jobType string
	status  string
	items   int
	err     error
}

type mockHistorian struct {
	mu       sync.Mutex
	rows     map[int64]*historyRow
	nextID   int64
	startErr error
}

func (m *mockHistorian) Start(_ context.Context, jobType string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return 0, m.startErr
	}
	if m.rows == nil {
		m.rows = map[int64]*historyRow{}
	}
	m.nextID++
	m.rows[m.nextID] = &historyRow{jobType: jobType, status: "running"}
	return m.nextID, nil
}

func (m *mockHistorian) Finish(_ context.Context, id int64, status string, items int, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.rows[id]
	row.status = status
	row.items = items
	row.err = err
	return nil
}

var jobNow = time.Date(2026, 7, 11, 4, 5, 33, 0, time.UTC)

func TestLockID(t *testing.T) {
	assert.Equal(t, "deliver_due:2026-07-11T04:05", LockID(TaskDeliverDue, jobNow))
	assert.Equal(t, "populate_queue:2026-07-11T04:00", LockID(TaskPopulateQueue, jobNow))
	assert.Equal(t, "purge_queue:2026-07-11T04:00", LockID(TaskPurgeQueue, jobNow))
}

func TestTaskType_Valid(t *testing.T) {
	for _, task := range []TaskType{TaskPopulateQueue, TaskDeliverDue, TaskSweepInteractions, TaskPurgeQueue, TaskResetBreaker} {
		assert.True(t, task.Valid(), task)
	}
	assert.False(t, TaskType("").Valid())
	assert.False(t, TaskType("Populate_Queue").Valid())
}

func TestJobRunner_Success(t *testing.T) {
	locks := &mockLocker{}
	history := &mockHistorian{}
	metrics := newRecordingMetrics()
	r := NewJobRunner(locks, history, "worker-1", 0, metrics, testLogger())

	result, err := r.Run(context.Background(), TaskDeliverDue, jobNow, func(context.Context) (int, error) {
		return 4, nil
	})
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, 4, result.Items)
	assert.Equal(t, "deliver_due:2026-07-11T04:05", result.LockID)

	require.Len(t, history.rows, 1)
	assert.Equal(t, "deliver_due", history.rows[1].jobType)
	assert.Equal(t, "success", history.rows[1].status)
	assert.Equal(t, 4, history.rows[1].items)
	assert.Equal(t, []string{"deliver_due"}, metrics.jobs)
}

func TestJobRunner_LockHeldElsewhere(t *testing.T) {
	locks := &mockLocker{held: map[string]string{LockID(TaskPopulateQueue, jobNow): "worker-2"}}
	history := &mockHistorian{}
	r := NewJobRunner(locks, history, "worker-1", time.Minute, nil, testLogger())

	called := false
	result, err := r.Run(context.Background(), TaskPopulateQueue, jobNow, func(context.Context) (int, error) {
		called = true
		return 0, nil
	})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.False(t, called)
	assert.Empty(t, history.rows)
}

func TestJobRunner_JobFailure(t *testing.T) {
	history := &mockHistorian{}
	metrics := newRecordingMetrics()
	r := NewJobRunner(nil, history, "worker-1", 0, metrics, testLogger())

	_, err := r.Run(context.Background(), TaskPurgeQueue, jobNow, func(context.Context) (int, error) {
		return 2, errStoreDown
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errStoreDown)
	assert.Contains(t, err.Error(), "task purge_queue failed")

	assert.Equal(t, "failed", history.rows[1].status)
	assert.Equal(t, 2, history.rows[1].items)
	assert.Equal(t, 1, metrics.jobErrs)
}

func TestJobRunner_LockError(t *testing.T) {
	r := NewJobRunner(&mockLocker{err: errStoreDown}, nil, "worker-1", 0, nil, testLogger())

	_, err := r.Run(context.Background(), TaskDeliverDue, jobNow, func(context.Context) (int, error) {
		t.Fatal("job must not run without the lock")
		return 0, nil
	})
	assert.ErrorIs(t, err, errStoreDown)
}

func TestJobRunner_HistoryFailureDoesNotBlockJob(t *testing.T) {
	r := NewJobRunner(nil, &mockHistorian{startErr: errors.New("history table missing")}, "worker-1", 0, nil, testLogger())

	result, err := r.Run(context.Background(), TaskSweepInteractions, jobNow, func(context.Context) (int, error) {
		return 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Items)
}
