package scheduler

import (
	"context"
	"fmt"
	"time"
)

// SweepInteractions deletes interactions left unanswered longer than the
// configured maximum age.
func (s *Service) SweepInteractions(ctx context.Context) (int, error) {
	n, err := s.tracker.SweepStale(ctx, s.cfg.InteractionMaxAge)
	return int(n), err
}

// PurgeQueue deletes pending and failed entries scheduled before the
// retention window. Sent entries are kept because they exclude content from
// future selection.
func (s *Service) PurgeQueue(ctx context.Context) (int, error) {
	cutoff := s.clock().UTC().Add(-s.cfg.QueueRetention)
	n, err := s.store.PurgeEntries(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging queue: %w", err)
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "purged orphaned queue entries",
			"count", n,
			"cutoff", cutoff.Format(time.RFC3339),
		)
	}
	return int(n), nil
}

// RunMaintenance sweeps stale interactions and purges the queue.
func (s *Service) RunMaintenance(ctx context.Context) (int, error) {
	total := 0

	swept, err := s.SweepInteractions(ctx)
	if err != nil {
		return total, fmt.Errorf("sweeping interactions: %w", err)
	}
	total += swept

	purged, err := s.PurgeQueue(ctx)
	if err != nil {
		return total, err
	}
	total += purged

	return total, nil
}
