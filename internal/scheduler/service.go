package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"dailyprompt/internal/timeconv"
	"dailyprompt/internal/types"
)

// ServiceConfig holds the retention and horizon settings of the Service.
type ServiceConfig struct {
	// PopulateHorizonDays is how many calendar dates, starting today (UTC),
	// a populate task covers.
	PopulateHorizonDays int
	InteractionMaxAge   time.Duration
	QueueRetention      time.Duration
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.PopulateHorizonDays <= 0 {
		c.PopulateHorizonDays = 2
	}
	if c.InteractionMaxAge <= 0 {
		c.InteractionMaxAge = 72 * time.Hour
	}
	if c.QueueRetention <= 0 {
		c.QueueRetention = 90 * 24 * time.Hour
	}
	return c
}

// Service is the operational surface of the scheduler. The driver, the admin
// API and the dispatcher all go through it; every method is safe to call
// while the driver is running.
type Service struct {
	store     Store
	populator *Populator
	executor  *Executor
	tracker   *Tracker
	breaker   CircuitBreaker
	cfg       ServiceConfig
	clock     Clock
	logger    *slog.Logger
}

// NewService wires the components into a Service.
func NewService(
	store Store,
	populator *Populator,
	executor *Executor,
	tracker *Tracker,
	breaker CircuitBreaker,
	cfg ServiceConfig,
	clock Clock,
	logger *slog.Logger,
) *Service {
	if clock == nil {
		clock = systemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		populator: populator,
		executor:  executor,
		tracker:   tracker,
		breaker:   breaker,
		cfg:       cfg.withDefaults(),
		clock:     clock,
		logger:    logger,
	}
}

// Now returns the service clock's current time.
func (s *Service) Now() time.Time { return s.clock().UTC() }

// PopulateNow populates the queue for one calendar date.
func (s *Service) PopulateNow(ctx context.Context, date time.Time) (int, error) {
	actor := types.GetActor(ctx)
	s.logger.InfoContext(ctx, "populate requested",
		"date", timeconv.DateOf(date).Format(time.DateOnly),
		"actor", actor.ID,
	)
	return s.populator.Populate(ctx, date)
}

// PopulateHorizon populates every date of the configured horizon starting at
// the UTC date of now. Dates are independent; the first store failure stops
// the run.
func (s *Service) PopulateHorizon(ctx context.Context, now time.Time) (int, error) {
	start := timeconv.DateOf(now.UTC())
	total := 0
	for i := 0; i < s.cfg.PopulateHorizonDays; i++ {
		n, err := s.populator.Populate(ctx, start.AddDate(0, 0, i))
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// RunDeliveryTick runs the executor once. A zero now uses the service clock.
func (s *Service) RunDeliveryTick(ctx context.Context, now time.Time) (int, error) {
	if now.IsZero() {
		now = s.Now()
	}
	return s.executor.Run(ctx, now)
}

// GetQueueStatus reports the entries scheduled within [from, to) with
// per-status counts and the breaker state.
func (s *Service) GetQueueStatus(ctx context.Context, from, to time.Time) (*types.QueueStatusReport, error) {
	if !from.Before(to) {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidRange, "from must be before to", nil)
	}
	entries, err := s.store.ListEntries(ctx, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}

	counts := map[types.QueueStatus]int{
		types.QueueStatusPending: 0,
		types.QueueStatusSent:    0,
		types.QueueStatusFailed:  0,
	}
	for _, e := range entries {
		counts[e.Status]++
	}
	if entries == nil {
		entries = []types.QueueEntry{}
	}

	return &types.QueueStatusReport{
		From:    from.UTC(),
		To:      to.UTC(),
		Counts:  counts,
		Entries: entries,
		Breaker: s.breaker.Status(),
	}, nil
}

// ForceResetCircuitBreaker closes the transport breaker.
func (s *Service) ForceResetCircuitBreaker(ctx context.Context) types.BreakerStatus {
	before := s.breaker.Status()
	s.breaker.ForceReset()
	s.logger.WarnContext(ctx, "circuit breaker force reset",
		"previous_state", before.State,
		"previous_failures", before.ConsecutiveFailures,
		"actor", types.GetActor(ctx).ID,
	)
	return s.breaker.Status()
}

// RecordResponse closes the recipient's open interaction.
func (s *Service) RecordResponse(ctx context.Context, recipientID, response string) (*types.InteractionOutcome, error) {
	return s.tracker.RecordResponse(ctx, recipientID, response)
}

// SendNowResult describes a manual send.
type SendNowResult struct {
	Entry  *types.QueueEntry    `json:"entry"`
	Result types.DeliveryResult `json:"result"`
}

// SendNow delivers today's message to one recipient immediately. Today is
// the recipient's local date. When the day has no entry, one is created
// scheduled at now; a pending entry is delivered early. A day already sent
// is a conflict. The delivery goes through the executor, so every executor
// check and the single-attempt rule apply.
func (s *Service) SendNow(ctx context.Context, recipientID string) (*SendNowResult, error) {
	recipient, err := s.store.GetRecipient(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	if !recipient.Active {
		return nil, types.NewAppError(types.ErrCodeConflictInactive,
			fmt.Sprintf("recipient %s is inactive", recipientID), nil)
	}
	loc, err := timeconv.LoadLocation(recipient.Timezone)
	if err != nil {
		return nil, err
	}

	now := s.Now()
	localDate := timeconv.LocalDate(now, loc)

	entry, err := s.store.FindEntry(ctx, recipientID, localDate)
	if err != nil {
		return nil, fmt.Errorf("finding today's entry: %w", err)
	}
	switch {
	case entry == nil:
		entry, err = s.populator.enqueueAt(ctx, recipient, localDate, now, now)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, types.NewAppError(types.ErrCodeNotFoundContent,
				fmt.Sprintf("no content available for recipient %s", recipientID), nil)
		}
	case entry.Status != types.QueueStatusPending || entry.Attempts != 0:
		return nil, types.NewAppError(types.ErrCodeConflictAlreadyScheduled,
			fmt.Sprintf("recipient %s already has a %s entry for %s", recipientID, entry.Status, localDate.Format(time.DateOnly)), nil)
	}

	s.logger.InfoContext(ctx, "manual send requested",
		"recipient_id", recipientID,
		"entry_id", entry.ID,
		"actor", types.GetActor(ctx).ID,
	)

	result, err := s.executor.DeliverEntry(ctx, entry.ID, now)
	if err != nil {
		return nil, err
	}
	if result == types.DeliverySkipped {
		return nil, types.NewAppError(types.ErrCodeConflictAlreadyScheduled,
			fmt.Sprintf("entry %s is being processed by another caller", entry.ID), nil)
	}
	entry.Attempts = 1
	entry.Status = types.QueueStatusFailed
	if result == types.DeliverySent {
		entry.Status = types.QueueStatusSent
	}
	return &SendNowResult{Entry: entry, Result: result}, nil
}

// RunTask dispatches a scheduler task by name. It is the single switch used
// by the driver and the dispatcher binary.
func (s *Service) RunTask(ctx context.Context, task TaskType, now time.Time) (int, error) {
	switch task {
	case TaskPopulateQueue:
		return s.PopulateHorizon(ctx, now)
	case TaskDeliverDue:
		return s.RunDeliveryTick(ctx, now)
	case TaskSweepInteractions:
		return s.SweepInteractions(ctx)
	case TaskPurgeQueue:
		return s.PurgeQueue(ctx)
	case TaskResetBreaker:
		s.ForceResetCircuitBreaker(ctx)
		return 1, nil
	default:
		return 0, fmt.Errorf("unknown task type: %q", task)
	}
}
