package db

import (
	"context"
	"fmt"
	"time"

	"dailyprompt/internal/types"
)

// InteractionRepository provides data access for interactions. The partial
// unique index interactions_one_open allows one unanswered row per
// recipient; InsertInteraction reports a conflict as false.
type InteractionRepository struct {
	db DBTX
}

// NewInteractionRepository creates a new InteractionRepository backed by the
// given database connection (pool or transaction).
func NewInteractionRepository(db DBTX) *InteractionRepository {
	return &InteractionRepository{db: db}
}

// CountOpenInteractions counts the recipient's unanswered interactions.
func (r *InteractionRepository) CountOpenInteractions(ctx context.Context, recipientID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM interactions WHERE recipient_id = $1 AND response IS NULL`,
		recipientID,
	).Scan(&n)
	if err != nil {
		return 0, dbError("failed to count open interactions", err)
	}
	return n, nil
}

// InsertInteraction inserts an open interaction.
func (r *InteractionRepository) InsertInteraction(ctx context.Context, in *types.OpenInteraction) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO interactions (id, recipient_id, content_id, queue_entry_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT DO NOTHING`,
		in.ID,
		in.RecipientID,
		in.ContentID,
		in.QueueEntryID,
		in.CreatedAt,
	)
	if err != nil {
		return false, dbError("failed to insert interaction", err)
	}
	return tag.RowsAffected() == 1, nil
}

// LockOpenInteraction locks the recipient's unanswered interaction, or
// returns nil when there is none.
func (r *InteractionRepository) LockOpenInteraction(ctx context.Context, recipientID string) (*types.OpenInteraction, error) {
	var in types.OpenInteraction
	err := r.db.QueryRow(ctx,
		`SELECT id, recipient_id, content_id, queue_entry_id, response, correct,
		        points, created_at, answered_at
		 FROM interactions
		 WHERE recipient_id = $1 AND response IS NULL
		 FOR UPDATE`,
		recipientID,
	).Scan(
		&in.ID,
		&in.RecipientID,
		&in.ContentID,
		&in.QueueEntryID,
		&in.Response,
		&in.Correct,
		&in.Points,
		&in.CreatedAt,
		&in.AnsweredAt,
	)
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("failed to lock open interaction", err)
	}
	return &in, nil
}

// CloseInteraction stores the graded response of an open interaction.
func (r *InteractionRepository) CloseInteraction(ctx context.Context, in *types.OpenInteraction) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE interactions
		 SET response = $2, correct = $3, points = $4, answered_at = $5
		 WHERE id = $1 AND response IS NULL`,
		in.ID,
		in.Response,
		in.Correct,
		in.Points,
		in.AnsweredAt,
	)
	if err != nil {
		return dbError("failed to close interaction", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("interaction %s is not open", in.ID), nil)
	}
	return nil
}

// DeleteStaleInteractions deletes unanswered interactions created before
// cutoff.
func (r *InteractionRepository) DeleteStaleInteractions(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM interactions WHERE response IS NULL AND created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, dbError("failed to delete stale interactions", err)
	}
	return tag.RowsAffected(), nil
}
