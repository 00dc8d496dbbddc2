package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"dailyprompt/internal/types"
)

// PointsForCorrectAnswer is awarded by AnswerGrader for a matching reply.
const PointsForCorrectAnswer = 10

// TrackerStore is the store surface the Tracker uses.
type TrackerStore interface {
	BeginTx(ctx context.Context) (Tx, error)
	DeleteStaleInteractions(ctx context.Context, cutoff time.Time) (int64, error)
}

// Tracker enforces "at most one open interaction per recipient".
//
// The check and the insert always run in one transaction that first locks
// the recipient row, so concurrent callers for the same recipient serialize
// on that lock. The partial unique index on open interactions backs this up:
// a caller that loses a race gets false, never a second row.
type Tracker struct {
	store  TrackerStore
	grader Grader
	clock  Clock
	logger *slog.Logger
}

// NewTracker creates a Tracker. A nil grader selects AnswerGrader and a nil
// clock selects the system clock.
func NewTracker(store TrackerStore, grader Grader, clock Clock, logger *slog.Logger) *Tracker {
	if grader == nil {
		grader = AnswerGrader{}
	}
	if clock == nil {
		clock = systemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, grader: grader, clock: clock, logger: logger}
}

// CreateIfNone opens an interaction for the recipient unless one is already
// open. It returns true when a row was created.
func (t *Tracker) CreateIfNone(ctx context.Context, recipientID, contentID string) (bool, error) {
	tx, err := t.store.BeginTx(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := t.OpenWithin(ctx, tx, recipientID, contentID, nil)
	if err != nil {
		return false, err
	}
	if !created {
		return false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing interaction: %w", err)
	}
	return true, nil
}

// OpenWithin performs CreateIfNone on a transaction owned by the caller.
// The caller commits or rolls back.
func (t *Tracker) OpenWithin(ctx context.Context, w InteractionWriter, recipientID, contentID string, queueEntryID *string) (bool, error) {
	recipient, err := w.LockRecipient(ctx, recipientID)
	if err != nil {
		return false, fmt.Errorf("locking recipient: %w", err)
	}
	if recipient == nil {
		return false, types.NewAppError(types.ErrCodeNotFoundRecipient,
			fmt.Sprintf("recipient %s not found", recipientID), nil)
	}

	open, err := w.CountOpenInteractions(ctx, recipientID)
	if err != nil {
		return false, fmt.Errorf("counting open interactions: %w", err)
	}
	if open > 0 {
		t.logger.InfoContext(ctx, "open interaction already exists",
			"recipient_id", recipientID,
			"open_count", open,
		)
		return false, nil
	}

	created, err := w.InsertInteraction(ctx, &types.OpenInteraction{
		ID:           uuid.NewString(),
		RecipientID:  recipientID,
		ContentID:    contentID,
		QueueEntryID: queueEntryID,
		CreatedAt:    t.clock().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("inserting interaction: %w", err)
	}
	return created, nil
}

// RecordResponse closes the recipient's open interaction with the graded
// reply. It fails with not_found_open_interaction when nothing is open.
func (t *Tracker) RecordResponse(ctx context.Context, recipientID, response string) (*types.InteractionOutcome, error) {
	response = strings.TrimSpace(response)
	if response == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "response is required", nil)
	}

	tx, err := t.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	in, err := tx.LockOpenInteraction(ctx, recipientID)
	if err != nil {
		return nil, fmt.Errorf("locking open interaction: %w", err)
	}
	if in == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundOpenInteraction,
			fmt.Sprintf("recipient %s has no open interaction", recipientID), nil)
	}

	content, err := tx.GetContent(ctx, in.ContentID)
	if err != nil {
		return nil, fmt.Errorf("loading content: %w", err)
	}
	correct, points := t.grader.Grade(ctx, content, response)

	now := t.clock().UTC()
	in.Response = &response
	in.Correct = &correct
	in.Points = points
	in.AnsweredAt = &now
	if err := tx.CloseInteraction(ctx, in); err != nil {
		return nil, fmt.Errorf("closing interaction: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing response: %w", err)
	}

	t.logger.InfoContext(ctx, "response recorded",
		"recipient_id", recipientID,
		"interaction_id", in.ID,
		"correct", correct,
		"points", points,
	)
	return &types.InteractionOutcome{
		InteractionID: in.ID,
		ContentID:     in.ContentID,
		Correct:       correct,
		Points:        points,
	}, nil
}

// SweepStale deletes interactions left unanswered for longer than maxAge so
// that a silent recipient does not block future deliveries forever.
func (t *Tracker) SweepStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := t.clock().UTC().Add(-maxAge)
	n, err := t.store.DeleteStaleInteractions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting stale interactions: %w", err)
	}
	if n > 0 {
		t.logger.InfoContext(ctx, "swept stale interactions",
			"count", n,
			"cutoff", cutoff.Format(time.RFC3339),
		)
	}
	return n, nil
}

// AnswerGrader compares the normalized reply with Content.Answer. Content
// without an answer key accepts any reply.
type AnswerGrader struct{}

func (AnswerGrader) Grade(_ context.Context, content *types.Content, response string) (bool, int) {
	if content == nil {
		return false, 0
	}
	if content.Answer == "" {
		return true, PointsForCorrectAnswer
	}
	if normalizeAnswer(content.Answer) == normalizeAnswer(response) {
		return true, PointsForCorrectAnswer
	}
	return false, 0
}

func normalizeAnswer(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	return strings.TrimRight(s, ".!?")
}
