package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TaskRunner executes scheduler tasks. *Service implements it.
type TaskRunner interface {
	RunTask(ctx context.Context, task TaskType, now time.Time) (int, error)
	Now() time.Time
}

// DriverConfig holds the driver's schedules.
type DriverConfig struct {
	// PopulateSpec and MaintenanceSpec are standard five-field cron
	// expressions evaluated in UTC.
	PopulateSpec    string
	MaintenanceSpec string
	// DeliveryInterval is the period of the delivery tick.
	DeliveryInterval time.Duration
	// TickTimeout bounds every tick.
	TickTimeout time.Duration
	// RunOnStart runs one populate and one delivery tick before waiting.
	RunOnStart bool
}

// Driver is the periodic trigger: a cron schedule for population and
// maintenance, and a ticker for delivery. Ticks of the same kind never
// overlap; a tick that finds its predecessor still running is skipped.
type Driver struct {
	tasks  TaskRunner
	runner *JobRunner
	cfg    DriverConfig
	logger *slog.Logger

	populateMu    sync.Mutex
	deliverMu     sync.Mutex
	maintenanceMu sync.Mutex
}

// NewDriver validates the schedules and creates a Driver.
func NewDriver(tasks TaskRunner, runner *JobRunner, cfg DriverConfig, logger *slog.Logger) (*Driver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = NewJobRunner(nil, nil, "", 0, nil, logger)
	}
	if _, err := cron.ParseStandard(cfg.PopulateSpec); err != nil {
		return nil, fmt.Errorf("invalid populate schedule %q: %w", cfg.PopulateSpec, err)
	}
	if cfg.MaintenanceSpec != "" {
		if _, err := cron.ParseStandard(cfg.MaintenanceSpec); err != nil {
			return nil, fmt.Errorf("invalid maintenance schedule %q: %w", cfg.MaintenanceSpec, err)
		}
	}
	if cfg.DeliveryInterval <= 0 {
		return nil, fmt.Errorf("delivery interval must be positive, got %s", cfg.DeliveryInterval)
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 10 * time.Minute
	}
	return &Driver{tasks: tasks, runner: runner, cfg: cfg, logger: logger}, nil
}

// Run blocks until ctx is cancelled, then waits for running ticks to finish.
func (d *Driver) Run(ctx context.Context) error {
	cl := cronLogger{logger: d.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	if _, err := c.AddFunc(d.cfg.PopulateSpec, func() {
		d.tick(ctx, TaskPopulateQueue, &d.populateMu)
	}); err != nil {
		return fmt.Errorf("scheduling populate: %w", err)
	}
	if d.cfg.MaintenanceSpec != "" {
		if _, err := c.AddFunc(d.cfg.MaintenanceSpec, func() {
			d.tick(ctx, TaskSweepInteractions, &d.maintenanceMu)
			d.tick(ctx, TaskPurgeQueue, &d.maintenanceMu)
		}); err != nil {
			return fmt.Errorf("scheduling maintenance: %w", err)
		}
	}

	d.logger.InfoContext(ctx, "scheduler driver started",
		"populate_schedule", d.cfg.PopulateSpec,
		"maintenance_schedule", d.cfg.MaintenanceSpec,
		"delivery_interval", d.cfg.DeliveryInterval.String(),
	)

	c.Start()
	defer func() {
		<-c.Stop().Done()
		d.logger.Info("scheduler driver stopped")
	}()

	if d.cfg.RunOnStart {
		d.tick(ctx, TaskPopulateQueue, &d.populateMu)
		d.tick(ctx, TaskDeliverDue, &d.deliverMu)
	}

	ticker := time.NewTicker(d.cfg.DeliveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.tick(ctx, TaskDeliverDue, &d.deliverMu)
		}
	}
}

// tick runs one task under its kind's mutex and the tick timeout. Errors are
// logged; the next tick runs regardless.
func (d *Driver) tick(ctx context.Context, task TaskType, mu *sync.Mutex) {
	if ctx.Err() != nil {
		return
	}
	if !mu.TryLock() {
		d.logger.WarnContext(ctx, "previous tick still running, skipping",
			"task", task,
		)
		return
	}
	defer mu.Unlock()

	tctx, cancel := context.WithTimeout(ctx, d.cfg.TickTimeout)
	defer cancel()

	now := d.tasks.Now()
	// JobRunner logs failures with their context.
	_, _ = d.runner.Run(tctx, task, now, func(ctx context.Context) (int, error) {
		return d.tasks.RunTask(ctx, task, now)
	})
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
