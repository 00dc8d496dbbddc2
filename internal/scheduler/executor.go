package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dailyprompt/internal/types"
)

// ExecutorConfig tunes the delivery executor.
type ExecutorConfig struct {
	// Grace is how late an entry may be processed and still be sent.
	Grace time.Duration
	// Lookahead admits entries due slightly after now, absorbing tick jitter.
	Lookahead time.Duration
	// Lookbehind bounds how far back the selection reaches. Entries between
	// Lookbehind and Grace are selected only to be marked missed.
	Lookbehind time.Duration
	// BatchSize caps the entries processed per run.
	BatchSize int
	// SendSpacing is slept between consecutive sends.
	SendSpacing time.Duration
	// SendTimeout bounds a single transport call.
	SendTimeout time.Duration
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.Grace <= 0 {
		c.Grace = 5 * time.Minute
	}
	if c.Lookbehind < c.Grace {
		c.Lookbehind = 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	return c
}

// ExecutorStore is the store surface the Executor uses.
type ExecutorStore interface {
	ListDueEntries(ctx context.Context, from, to time.Time, limit int) ([]types.QueueEntry, error)
	ForceFailEntry(ctx context.Context, entryID, reason string) error
	BeginTx(ctx context.Context) (Tx, error)
}

// Executor sends due queue entries, each exactly once.
//
// Every entry is claimed with a row lock inside its own transaction, and
// its terminal status is written in that same transaction together with
// attempts = 1. Writes after the transport call use a context detached from
// the caller's cancellation, so a send cut short by a deadline is still
// recorded as failed.
type Executor struct {
	store     ExecutorStore
	transport Transport
	breaker   CircuitBreaker
	tracker   *Tracker
	cfg       ExecutorConfig
	clock     Clock
	metrics   Metrics
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an Executor. A nil clock means the system clock; it
// stamps sent_at and last_delivery_at.
func NewExecutor(
	store ExecutorStore,
	transport Transport,
	breaker CircuitBreaker,
	tracker *Tracker,
	cfg ExecutorConfig,
	clock Clock,
	metrics Metrics,
	logger *slog.Logger,
) *Executor {
	if clock == nil {
		clock = systemClock
	}
	if metrics == nil {
		metrics = NoopMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:     store,
		transport: transport,
		breaker:   breaker,
		tracker:   tracker,
		cfg:       cfg.withDefaults(),
		clock:     clock,
		metrics:   metrics,
		logger:    logger,
		sleep:     sleepContext,
	}
}

// Run processes the entries due around now in ascending scheduled order and
// returns how many reached a terminal state. A store failure aborts the run;
// entries finalized before it stay finalized.
func (e *Executor) Run(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	entries, err := e.store.ListDueEntries(ctx,
		now.Add(-e.cfg.Lookbehind),
		now.Add(e.cfg.Lookahead),
		e.cfg.BatchSize,
	)
	if err != nil {
		return 0, fmt.Errorf("listing due entries: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	e.logger.InfoContext(ctx, "delivery tick started",
		"due", len(entries),
		"now", now.Format(time.RFC3339),
	)

	processed := 0
	pace := &pacer{spacing: e.cfg.SendSpacing, sleep: e.sleep}

	for i := range entries {
		if err := ctx.Err(); err != nil {
			e.logger.WarnContext(ctx, "delivery tick interrupted",
				"processed", processed,
				"remaining", len(entries)-i,
			)
			return processed, err
		}

		result, err := e.deliver(ctx, entries[i].ID, now, pace)
		if err != nil {
			return processed, fmt.Errorf("delivering entry %s: %w", entries[i].ID, err)
		}
		if result == types.DeliverySkipped {
			continue
		}
		processed++
		e.metrics.RecordDelivery(ctx, result)
	}

	e.logger.InfoContext(ctx, "delivery tick complete",
		"processed", processed,
	)
	return processed, nil
}

// DeliverEntry processes a single entry outside the batch selection. It is
// used for manual sends; the same checks apply as in Run.
func (e *Executor) DeliverEntry(ctx context.Context, entryID string, now time.Time) (types.DeliveryResult, error) {
	result, err := e.deliver(ctx, entryID, now.UTC(), nil)
	if err != nil {
		return "", err
	}
	if result != types.DeliverySkipped {
		e.metrics.RecordDelivery(ctx, result)
	}
	return result, nil
}

// deliver claims one entry and drives it to a terminal state. It returns
// DeliverySkipped when the entry was not claimable (already terminal or
// locked by a concurrent caller). pace, when set, waits out the send spacing
// before the transaction opens; an error from it leaves the entry unclaimed.
func (e *Executor) deliver(ctx context.Context, entryID string, now time.Time, pace *pacer) (types.DeliveryResult, error) {
	if err := pace.wait(ctx); err != nil {
		return "", err
	}
	dctx := context.WithoutCancel(ctx)

	tx, err := e.store.BeginTx(dctx)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(dctx)

	entry, err := tx.LockPendingEntry(dctx, entryID)
	if err != nil {
		return "", fmt.Errorf("claiming entry: %w", err)
	}
	if entry == nil {
		return types.DeliverySkipped, nil
	}

	fail := func(result types.DeliveryResult, reason string) (types.DeliveryResult, error) {
		if err := tx.FinalizeEntry(dctx, entry.ID, types.QueueStatusFailed, nil, &reason); err != nil {
			return "", fmt.Errorf("marking entry failed: %w", err)
		}
		if err := tx.Commit(dctx); err != nil {
			return "", fmt.Errorf("committing failed entry: %w", err)
		}
		e.logger.WarnContext(ctx, "delivery failed",
			"entry_id", entry.ID,
			"recipient_id", entry.RecipientID,
			"reason", reason,
		)
		return result, nil
	}

	if entry.ScheduledFor.Before(now.Add(-e.cfg.Grace)) {
		return fail(types.DeliveryMissed, types.ReasonMissedWindow)
	}

	recipient, err := tx.LockRecipient(dctx, entry.RecipientID)
	if err != nil {
		return "", fmt.Errorf("locking recipient: %w", err)
	}
	if recipient == nil || !recipient.Active {
		return fail(types.DeliveryInactive, types.ReasonRecipientInactive)
	}

	if !e.breaker.IsHealthy() {
		return fail(types.DeliveryBlocked, types.ReasonCircuitOpen)
	}

	if entry.ContentID == nil || entry.Body == "" {
		return fail(types.DeliveryFailed, types.ReasonNoContent)
	}

	pace.markSent()
	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	sendErr := e.transport.Send(sendCtx, recipient.PhoneNumber, entry.Body)
	cancel()
	if sendErr != nil {
		e.breaker.RecordFailure()
		return fail(types.DeliveryFailed, sendErrorMessage(sendErr))
	}
	e.breaker.RecordSuccess()

	sentAt := e.clock().UTC()
	opened, err := e.tracker.OpenWithin(dctx, tx, entry.RecipientID, *entry.ContentID, &entry.ID)
	if err != nil {
		return "", e.abandonSent(ctx, tx, entry, fmt.Errorf("opening interaction: %w", err))
	}
	if !opened {
		return fail(types.DeliveryDuplicate, types.ReasonDuplicatePrevented)
	}

	if err := tx.TouchLastDelivery(dctx, entry.RecipientID, sentAt); err != nil {
		return "", e.abandonSent(ctx, tx, entry, fmt.Errorf("updating last delivery: %w", err))
	}
	if err := tx.FinalizeEntry(dctx, entry.ID, types.QueueStatusSent, &sentAt, nil); err != nil {
		return "", e.abandonSent(ctx, tx, entry, fmt.Errorf("marking entry sent: %w", err))
	}
	if err := tx.Commit(dctx); err != nil {
		return "", e.abandonSent(ctx, tx, entry, fmt.Errorf("committing sent entry: %w", err))
	}

	e.logger.InfoContext(ctx, "delivery sent",
		"entry_id", entry.ID,
		"recipient_id", entry.RecipientID,
		"content_id", *entry.ContentID,
	)
	return types.DeliverySent, nil
}

// abandonSent handles a store failure after the message already went out.
// The transaction is rolled back first to release the row, then the entry is
// marked failed directly so no later tick can send it again.
func (e *Executor) abandonSent(ctx context.Context, tx Tx, entry *types.QueueEntry, cause error) error {
	dctx := context.WithoutCancel(ctx)
	_ = tx.Rollback(dctx)

	if err := e.store.ForceFailEntry(dctx, entry.ID, types.ReasonTrackingUnavailable); err != nil {
		e.logger.ErrorContext(ctx, "entry sent but could not be finalized",
			"entry_id", entry.ID,
			"recipient_id", entry.RecipientID,
			"error", err,
			"cause", cause,
		)
		return errors.Join(cause, err)
	}
	e.logger.ErrorContext(ctx, "entry sent but tracking failed; marked failed",
		"entry_id", entry.ID,
		"recipient_id", entry.RecipientID,
		"error", cause,
	)
	return cause
}

func sendErrorMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "send timed out: " + err.Error()
	}
	return err.Error()
}

// pacer spaces transport calls within one tick. The wait happens before an
// entry's transaction is opened, never while rows are locked.
type pacer struct {
	spacing time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	sent    bool
}

func (p *pacer) wait(ctx context.Context) error {
	if p == nil || !p.sent || p.spacing <= 0 {
		return nil
	}
	p.sent = false
	return p.sleep(ctx, p.spacing)
}

func (p *pacer) markSent() {
	if p != nil {
		p.sent = true
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
