package db

import (
	"context"
	"fmt"
	"time"

	"dailyprompt/internal/types"
)

const recipientColumns = `id, phone_number, active, delivery_time, timezone,
	interaction_count, last_delivery_at, created_at`

// RecipientRepository reads recipients and stamps their last delivery.
// Recipients are owned by the signup component; the scheduler never creates
// or deletes them.
type RecipientRepository struct {
	db DBTX
}

// NewRecipientRepository creates a new RecipientRepository backed by the
// given database connection (pool or transaction).
func NewRecipientRepository(db DBTX) *RecipientRepository {
	return &RecipientRepository{db: db}
}

func scanRecipient(row interface{ Scan(...any) error }) (*types.Recipient, error) {
	var r types.Recipient
	err := row.Scan(
		&r.ID,
		&r.PhoneNumber,
		&r.Active,
		&r.DeliveryTime,
		&r.Timezone,
		&r.InteractionCount,
		&r.LastDeliveryAt,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListActiveRecipients returns up to limit active recipients with an id
// greater than afterID, ordered by id (keyset pagination).
func (r *RecipientRepository) ListActiveRecipients(ctx context.Context, afterID string, limit int) ([]types.Recipient, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+recipientColumns+`
		 FROM recipients
		 WHERE active AND id > $1
		 ORDER BY id
		 LIMIT $2`,
		afterID,
		limit,
	)
	if err != nil {
		return nil, dbError("failed to list active recipients", err)
	}
	defer rows.Close()

	var out []types.Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, dbError("failed to scan recipient", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("error iterating recipients", err)
	}
	return out, nil
}

// GetRecipient returns the recipient or a not_found_recipient error.
func (r *RecipientRepository) GetRecipient(ctx context.Context, id string) (*types.Recipient, error) {
	rec, err := scanRecipient(r.db.QueryRow(ctx,
		`SELECT `+recipientColumns+` FROM recipients WHERE id = $1`,
		id,
	))
	if noRows(err) {
		return nil, types.NewAppError(types.ErrCodeNotFoundRecipient,
			fmt.Sprintf("recipient %s not found", id), nil)
	}
	if err != nil {
		return nil, dbError("failed to get recipient", err)
	}
	return rec, nil
}

// LockRecipient locks the recipient row for the rest of the transaction.
// Concurrent writers for the same recipient serialize here. Returns nil when
// the recipient does not exist.
func (r *RecipientRepository) LockRecipient(ctx context.Context, recipientID string) (*types.Recipient, error) {
	rec, err := scanRecipient(r.db.QueryRow(ctx,
		`SELECT `+recipientColumns+` FROM recipients WHERE id = $1 FOR UPDATE`,
		recipientID,
	))
	if noRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, dbError("failed to lock recipient", err)
	}
	return rec, nil
}

// TouchLastDelivery records a successful send.
func (r *RecipientRepository) TouchLastDelivery(ctx context.Context, recipientID string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE recipients SET last_delivery_at = $2 WHERE id = $1`,
		recipientID,
		at,
	)
	if err != nil {
		return dbError("failed to update last delivery", err)
	}
	return nil
}
