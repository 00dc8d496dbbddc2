package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"dailyprompt/internal/timeconv"
	"dailyprompt/internal/types"
)

// PopulateBatchLimit is the page size used when walking active recipients.
const PopulateBatchLimit = 100

// PopulatorStore is the store surface the Populator uses.
type PopulatorStore interface {
	ListActiveRecipients(ctx context.Context, afterID string, limit int) ([]types.Recipient, error)
	HasActiveEntry(ctx context.Context, recipientID string, localDate time.Time) (bool, error)
	ListConsumedContentIDs(ctx context.Context, recipientID string) ([]string, error)
	BeginTx(ctx context.Context) (Tx, error)
}

// PopulatorConfig tunes the Populator.
type PopulatorConfig struct {
	// Grace is how far in the past a computed send instant may lie and still
	// be queued. Older instants are skipped rather than queued as missed.
	Grace time.Duration

	// Categories rotate with the recipient's interaction count to produce a
	// content category hint. Empty disables hints.
	Categories []string
}

// Populator creates the day's queue entries, one per active recipient and
// local calendar day.
type Populator struct {
	store    PopulatorStore
	selector ContentSelector
	cfg      PopulatorConfig
	clock    Clock
	metrics  Metrics
	logger   *slog.Logger
}

// NewPopulator creates a Populator. Nil clock, metrics and logger select the
// defaults.
func NewPopulator(store PopulatorStore, selector ContentSelector, cfg PopulatorConfig, clock Clock, metrics Metrics, logger *slog.Logger) *Populator {
	if clock == nil {
		clock = systemClock
	}
	if metrics == nil {
		metrics = NoopMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Populator{
		store:    store,
		selector: selector,
		cfg:      cfg,
		clock:    clock,
		metrics:  metrics,
		logger:   logger,
	}
}

// Populate queues one entry for every active recipient that has none for the
// local calendar day matching targetDate's calendar date. Only the date fields
// of targetDate are used. Returns the number of entries created.
//
// Per-recipient input problems (bad timezone, malformed delivery time,
// exhausted content) are logged and skipped. Store failures abort the run;
// entries already created stay committed and a rerun skips them.
func (p *Populator) Populate(ctx context.Context, targetDate time.Time) (int, error) {
	date := timeconv.DateOf(targetDate)
	now := p.clock().UTC()

	var created, skipped, failed int
	defer func() {
		p.metrics.RecordPopulate(ctx, created, skipped, failed)
	}()

	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return created, err
		}

		recipients, err := p.store.ListActiveRecipients(ctx, afterID, PopulateBatchLimit)
		if err != nil {
			return created, fmt.Errorf("listing active recipients: %w", err)
		}
		if len(recipients) == 0 {
			break
		}

		for i := range recipients {
			r := &recipients[i]
			ok, err := p.populateRecipient(ctx, r, date, now)
			switch {
			case err != nil && types.IsInfrastructure(err):
				failed++
				return created, fmt.Errorf("populating recipient %s: %w", r.ID, err)
			case err != nil:
				failed++
				p.logger.WarnContext(ctx, "skipping recipient",
					"recipient_id", r.ID,
					"timezone", r.Timezone,
					"delivery_time", r.DeliveryTime,
					"error", err,
				)
			case ok:
				created++
			default:
				skipped++
			}
		}

		afterID = recipients[len(recipients)-1].ID
		if len(recipients) < PopulateBatchLimit {
			break
		}
	}

	p.logger.InfoContext(ctx, "queue population complete",
		"date", date.Format(time.DateOnly),
		"created", created,
		"skipped", skipped,
		"failed", failed,
	)
	return created, nil
}

// populateRecipient returns true when an entry was inserted.
func (p *Populator) populateRecipient(ctx context.Context, r *types.Recipient, date, now time.Time) (bool, error) {
	exists, err := p.store.HasActiveEntry(ctx, r.ID, date)
	if err != nil {
		return false, fmt.Errorf("checking existing entry: %w", err)
	}
	if exists {
		return false, nil
	}

	scheduledFor, err := timeconv.ToUTC(r.DeliveryTime, r.Timezone, date)
	if err != nil {
		return false, err
	}
	if scheduledFor.Before(now.Add(-p.cfg.Grace)) {
		p.logger.DebugContext(ctx, "send instant already passed",
			"recipient_id", r.ID,
			"scheduled_for", scheduledFor.Format(time.RFC3339),
		)
		return false, nil
	}

	entry, err := p.enqueueAt(ctx, r, date, scheduledFor, now)
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

// enqueueAt selects content for the recipient and inserts an entry for date
// scheduled at scheduledFor. It returns nil when no content is left or the
// day already has an entry.
func (p *Populator) enqueueAt(ctx context.Context, r *types.Recipient, date, scheduledFor, now time.Time) (*types.QueueEntry, error) {
	consumed, err := p.store.ListConsumedContentIDs(ctx, r.ID)
	if err != nil {
		return nil, fmt.Errorf("listing consumed content: %w", err)
	}
	content, err := p.selectContent(ctx, r, consumed)
	if err != nil {
		return nil, fmt.Errorf("selecting content: %w", err)
	}
	if content == nil {
		p.logger.WarnContext(ctx, "no content available for recipient",
			"recipient_id", r.ID,
			"consumed", len(consumed),
		)
		return nil, nil
	}

	entry := &types.QueueEntry{
		ID:           uuid.NewString(),
		RecipientID:  r.ID,
		ScheduledFor: scheduledFor.UTC(),
		LocalDate:    date,
		Status:       types.QueueStatusPending,
		ContentID:    &content.ID,
		Body:         content.Body,
		CreatedAt:    now,
	}
	inserted, err := p.insert(ctx, entry)
	if err != nil || !inserted {
		return nil, err
	}
	return entry, nil
}

func (p *Populator) selectContent(ctx context.Context, r *types.Recipient, consumed []string) (*types.Content, error) {
	hint := CategoryHint(p.cfg.Categories, r.InteractionCount)
	content, err := p.selector.SelectContent(ctx, r.ID, consumed, hint)
	if err != nil || content != nil || hint == "" {
		return content, err
	}
	return p.selector.SelectContent(ctx, r.ID, consumed, "")
}

// insert re-checks the one-per-day rule under the recipient lock and inserts.
func (p *Populator) insert(ctx context.Context, entry *types.QueueEntry) (bool, error) {
	tx, err := p.store.BeginTx(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	recipient, err := tx.LockRecipient(ctx, entry.RecipientID)
	if err != nil {
		return false, fmt.Errorf("locking recipient: %w", err)
	}
	if recipient == nil || !recipient.Active {
		return false, nil
	}

	exists, err := tx.HasActiveEntry(ctx, entry.RecipientID, entry.LocalDate)
	if err != nil {
		return false, fmt.Errorf("re-checking existing entry: %w", err)
	}
	if exists {
		return false, nil
	}

	inserted, err := tx.InsertEntry(ctx, entry)
	if err != nil {
		return false, fmt.Errorf("inserting queue entry: %w", err)
	}
	if !inserted {
		return false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing queue entry: %w", err)
	}

	p.logger.DebugContext(ctx, "queue entry created",
		"recipient_id", entry.RecipientID,
		"entry_id", entry.ID,
		"scheduled_for", entry.ScheduledFor.Format(time.RFC3339),
	)
	return true, nil
}

// CategoryHint rotates through categories by interaction count.
func CategoryHint(categories []string, interactionCount int) string {
	if len(categories) == 0 {
		return ""
	}
	if interactionCount < 0 {
		interactionCount = -interactionCount
	}
	return categories[interactionCount%len(categories)]
}
