package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"dailyprompt/internal/scheduler"
)

// Store implements scheduler.Store, scheduler.ContentSelector and the job
// lock and history interfaces over a connection pool.
//
// Transactions run at READ COMMITTED. Correctness under concurrent callers
// comes from row locks (recipient rows, FOR UPDATE SKIP LOCKED on queue
// entries) and the partial unique indexes, not from the isolation level.
type Store struct {
	pool Pool

	*RecipientRepository
	*QueueRepository
	*InteractionRepository
	*ContentRepository
	*JobRepository
}

// NewStore creates a Store on pool.
func NewStore(pool Pool) *Store {
	return &Store{
		pool:                  pool,
		RecipientRepository:   NewRecipientRepository(pool),
		QueueRepository:       NewQueueRepository(pool),
		InteractionRepository: NewInteractionRepository(pool),
		ContentRepository:     NewContentRepository(pool),
		JobRepository:         NewJobRepository(pool),
	}
}

// BeginTx opens a transaction whose repositories run on it.
func (s *Store) BeginTx(ctx context.Context) (scheduler.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, dbError("failed to begin transaction", err)
	}
	return newStoreTx(tx), nil
}

type storeTx struct {
	tx pgx.Tx

	*RecipientRepository
	*QueueRepository
	*InteractionRepository
	*ContentRepository
}

func newStoreTx(tx pgx.Tx) *storeTx {
	return &storeTx{
		tx:                    tx,
		RecipientRepository:   NewRecipientRepository(tx),
		QueueRepository:       NewQueueRepository(tx),
		InteractionRepository: NewInteractionRepository(tx),
		ContentRepository:     NewContentRepository(tx),
	}
}

func (t *storeTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return dbError("failed to commit transaction", err)
	}
	return nil
}

// Rollback is a no-op on a finished transaction.
func (t *storeTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err == nil || errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return dbError("failed to roll back transaction", err)
}

var (
	_ scheduler.Store           = (*Store)(nil)
	_ scheduler.ContentSelector = (*Store)(nil)
	_ scheduler.Tx              = (*storeTx)(nil)
	_ scheduler.JobLocker       = (*Store)(nil)
	_ scheduler.JobHistorian    = (*Store)(nil)
)
