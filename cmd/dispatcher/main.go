// Package main is the entrypoint for the dispatcher Lambda function.
//
// EventBridge rules invoke the dispatcher with a TaskPayload naming one
// scheduler task. The handler runs the task under the distributed job lock and
// records it in job history, so a retried or duplicated event inside the same
// lock bucket is a no-op.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"

	"dailyprompt/internal/app"
	"dailyprompt/internal/config"
	"dailyprompt/internal/scheduler"
)

// JobRunner runs a task under the job lock.
type JobRunner interface {
	Run(ctx context.Context, task scheduler.TaskType, now time.Time, fn func(context.Context) (int, error)) (scheduler.JobResult, error)
}

// Handler holds the dependencies for the dispatcher Lambda handler.
type Handler struct {
	Tasks  scheduler.TaskRunner
	Jobs   JobRunner
	Logger *slog.Logger
}

// Handle runs the task named in payload. The reference time defaults to the
// service clock. A lock held by another worker is reported as skipped, not as
// an error, so EventBridge does not retry it.
func (h *Handler) Handle(ctx context.Context, payload scheduler.TaskPayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := h.Tasks.Now()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	logger.InfoContext(ctx, "dispatcher invoked",
		"task", payload.Task,
		"reference_time", now.Format(time.RFC3339),
	)

	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in payload")
	}
	if !payload.Task.Valid() {
		return "", fmt.Errorf("unknown task type: %q", payload.Task)
	}

	res, err := h.Jobs.Run(ctx, payload.Task, now, func(ctx context.Context) (int, error) {
		return h.Tasks.RunTask(ctx, payload.Task, now)
	})
	if err != nil {
		return "", err
	}
	if res.Skipped {
		return fmt.Sprintf("skipped: lock %s held by another worker", res.LockID), nil
	}
	return fmt.Sprintf("task %s complete: %d items processed", payload.Task, res.Items), nil
}

func main() {
	logger := app.NewLogger(os.Getenv("LOG_LEVEL"), os.Stdout)
	logger.Info("dispatcher initializing (cold start)")

	provider := config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL"))
	if err := config.ResolveSecrets(provider); err != nil {
		logger.Error("failed to resolve SSM secrets", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Lambda hostnames are not unique per instance; each instance owns its
	// locks under its own worker ID.
	if os.Getenv("WORKER_ID") == "" {
		cfg.WorkerID = uuid.NewString()
	}
	logger = app.NewLogger(cfg.LogLevel, os.Stdout).With("service", cfg.Service, "worker_id", cfg.WorkerID)
	slog.SetDefault(logger)

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to initialize scheduler", "error", err)
		os.Exit(1)
	}

	handler := &Handler{
		Tasks:  a.Service,
		Jobs:   a.Jobs,
		Logger: logger,
	}

	logger.Info("dispatcher initialized",
		"store", cfg.Database.Driver,
		"transport", cfg.Transport.Kind,
	)
	lambda.Start(handler.Handle)
}
