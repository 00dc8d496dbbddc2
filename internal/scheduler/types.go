// Package scheduler implements the daily delivery engine: the queue
// populator, the delivery executor, the pending-answer tracker and the
// driver that runs them on a schedule.
//
// The package owns no storage. Each component declares the narrow store
// interface it needs here; internal/db (Postgres) and internal/sqlitedb
// implement them. Every state transition that guards an invariant runs in a
// transaction obtained from Store.BeginTx.
package scheduler

import (
	"context"
	"time"

	"dailyprompt/internal/types"
)

// TaskType identifies a scheduler job. The same names are used for job locks,
// job history rows, metrics and the dispatcher payload.
type TaskType string

const (
	TaskPopulateQueue     TaskType = "populate_queue"
	TaskDeliverDue        TaskType = "deliver_due"
	TaskSweepInteractions TaskType = "sweep_interactions"
	TaskPurgeQueue        TaskType = "purge_queue"
	TaskResetBreaker      TaskType = "reset_breaker"
)

// Valid reports whether t names a known task.
func (t TaskType) Valid() bool {
	switch t {
	case TaskPopulateQueue, TaskDeliverDue, TaskSweepInteractions, TaskPurgeQueue, TaskResetBreaker:
		return true
	}
	return false
}

// TaskPayload is the event accepted by the dispatcher binary.
//
//	{
//	  "task": "populate_queue",
//	  "reference_time": "2026-03-08T00:05:00Z"  // optional
//	}
type TaskPayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides "now" for manual invocation and backfills.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// Clock returns the current time. Components take one so tests can pin it.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }

// Store is the non-transactional surface of the durable store.
type Store interface {
	// ListActiveRecipients returns up to limit active recipients with
	// id > afterID, ordered by id.
	ListActiveRecipients(ctx context.Context, afterID string, limit int) ([]types.Recipient, error)

	// GetRecipient returns the recipient or a not_found_recipient AppError.
	GetRecipient(ctx context.Context, id string) (*types.Recipient, error)

	// HasActiveEntry reports whether a non-failed entry exists for the
	// recipient on the given local date.
	HasActiveEntry(ctx context.Context, recipientID string, localDate time.Time) (bool, error)

	// ListConsumedContentIDs returns content already assigned to a
	// non-failed entry of the recipient or referenced by one of its
	// interactions.
	ListConsumedContentIDs(ctx context.Context, recipientID string) ([]string, error)

	// ListDueEntries returns pending, unattempted entries scheduled within
	// [from, to], ascending by scheduled time.
	ListDueEntries(ctx context.Context, from, to time.Time, limit int) ([]types.QueueEntry, error)

	// ListEntries returns every entry scheduled within [from, to).
	ListEntries(ctx context.Context, from, to time.Time) ([]types.QueueEntry, error)

	// FindEntry returns the entry for the recipient's local date that is not
	// failed, or nil.
	FindEntry(ctx context.Context, recipientID string, localDate time.Time) (*types.QueueEntry, error)

	// ForceFailEntry marks an unattempted entry failed outside any
	// transaction. Used when a send succeeded but the delivery transaction
	// could not commit.
	ForceFailEntry(ctx context.Context, entryID, reason string) error

	// PurgeEntries deletes pending and failed entries scheduled before
	// cutoff. Sent entries are kept.
	PurgeEntries(ctx context.Context, cutoff time.Time) (int64, error)

	// DeleteStaleInteractions deletes unanswered interactions created
	// before cutoff.
	DeleteStaleInteractions(ctx context.Context, cutoff time.Time) (int64, error)

	BeginTx(ctx context.Context) (Tx, error)
}

// InteractionWriter is the transactional surface the tracker needs. It is
// satisfied by Tx so the executor can open an interaction inside its own
// delivery transaction.
type InteractionWriter interface {
	// LockRecipient locks and returns the recipient row, or nil when it
	// does not exist.
	LockRecipient(ctx context.Context, recipientID string) (*types.Recipient, error)
	CountOpenInteractions(ctx context.Context, recipientID string) (int, error)
	// InsertInteraction returns false when the unique open-interaction
	// index rejected the row.
	InsertInteraction(ctx context.Context, in *types.OpenInteraction) (bool, error)
}

// Tx is a store transaction. Rollback after Commit is a no-op.
type Tx interface {
	InteractionWriter

	HasActiveEntry(ctx context.Context, recipientID string, localDate time.Time) (bool, error)

	// InsertEntry returns false when the one-entry-per-local-day index
	// rejected the row.
	InsertEntry(ctx context.Context, entry *types.QueueEntry) (bool, error)

	// LockPendingEntry locks an unattempted pending entry, skipping rows
	// locked by another transaction. Returns nil when there is nothing to
	// claim.
	LockPendingEntry(ctx context.Context, entryID string) (*types.QueueEntry, error)

	// FinalizeEntry moves a locked entry to its terminal status and sets
	// attempts to 1.
	FinalizeEntry(ctx context.Context, entryID string, status types.QueueStatus, sentAt *time.Time, reason *string) error

	TouchLastDelivery(ctx context.Context, recipientID string, at time.Time) error

	// LockOpenInteraction locks the recipient's unanswered interaction, or
	// returns nil when there is none.
	LockOpenInteraction(ctx context.Context, recipientID string) (*types.OpenInteraction, error)
	CloseInteraction(ctx context.Context, in *types.OpenInteraction) error

	GetContent(ctx context.Context, contentID string) (*types.Content, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ContentSelector picks the next content item for a recipient. It returns
// nil without error when nothing eligible is left.
type ContentSelector interface {
	SelectContent(ctx context.Context, recipientID string, excluded []string, categoryHint string) (*types.Content, error)
}

// Transport delivers a message body to a recipient address. A nil error
// means the gateway accepted the message. It is called at most once per
// queue entry.
type Transport interface {
	Send(ctx context.Context, to, body string) error
}

// CircuitBreaker gates the transport.
type CircuitBreaker interface {
	IsHealthy() bool
	RecordSuccess()
	RecordFailure()
	ForceReset()
	Status() types.BreakerStatus
}

// Grader scores a reply against the content it answers.
type Grader interface {
	Grade(ctx context.Context, content *types.Content, response string) (correct bool, points int)
}

// Metrics receives scheduler telemetry. Implementations live in
// internal/telemetry.
type Metrics interface {
	RecordDelivery(ctx context.Context, result types.DeliveryResult)
	RecordPopulate(ctx context.Context, created, skipped, failed int)
	RecordJob(ctx context.Context, task string, duration time.Duration, items int, err error)
	RecordBreakerTransition(from, to string)
}

type noopMetrics struct{}

func (noopMetrics) RecordDelivery(context.Context, types.DeliveryResult)         {}
func (noopMetrics) RecordPopulate(context.Context, int, int, int)                {}
func (noopMetrics) RecordJob(context.Context, string, time.Duration, int, error) {}
func (noopMetrics) RecordBreakerTransition(string, string)                       {}

// NoopMetrics returns a Metrics that discards everything.
func NoopMetrics() Metrics { return noopMetrics{} }
