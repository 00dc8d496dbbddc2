// Package main is the long-running scheduler daemon.
//
// It runs the periodic driver (cron-scheduled population and maintenance,
// ticker-driven delivery) and the admin/reply HTTP server side by side. A
// SIGINT or SIGTERM stops both: the HTTP server drains in-flight requests
// and the driver waits for the running tick to finish.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata" // recipient timezones must resolve on minimal images

	"golang.org/x/sync/errgroup"

	"dailyprompt/internal/api/handlers"
	"dailyprompt/internal/app"
	"dailyprompt/internal/config"
	"dailyprompt/internal/core"
	"dailyprompt/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := app.NewLogger(cfg.LogLevel, os.Stdout).With("service", cfg.Service, "worker_id", cfg.WorkerID)
	slog.SetDefault(logger)
	logger.Info("dailyprompt scheduler starting",
		"environment", cfg.Environment,
		"build", cfg.Build,
		"store", cfg.Database.Driver,
		"transport", cfg.Transport.Kind,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	driver, err := scheduler.NewDriver(a.Service, a.Jobs, scheduler.DriverConfig{
		PopulateSpec:     cfg.Scheduler.PopulateCron,
		MaintenanceSpec:  cfg.Scheduler.MaintenanceCron,
		DeliveryInterval: cfg.Scheduler.DeliveryInterval,
		TickTimeout:      cfg.Scheduler.TickTimeout,
		RunOnStart:       cfg.Scheduler.RunOnStart,
	}, logger.With("component", "driver"))
	if err != nil {
		return fmt.Errorf("creating driver: %w", err)
	}

	srv, err := newServer(a)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              ":" + cfg.Admin.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return driver.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("dailyprompt scheduler stopped")
	return nil
}

// newServer builds the HTTP surface: health and metrics, the operator routes
// when an operator key hash is configured, and the reply webhook.
func newServer(a *app.App) (*core.Server, error) {
	cfg := a.Config
	srv, err := core.NewServer(a.Logger.With("component", "http"))
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = a.Probes
	srv.MetricsHandler = a.MetricsHandler
	srv.WebhookSecret = cfg.Admin.WebhookSecret.Unmask()

	if cfg.Admin.APIKeyHash.IsSet() {
		auth, err := core.NewBcryptAuthenticator(cfg.Admin.APIKeyHash.Unmask(), "operator")
		if err != nil {
			return nil, fmt.Errorf("ADMIN_API_KEY_HASH: %w", err)
		}
		srv.Authenticator = auth
	}
	if srv.WebhookSecret == "" && cfg.Environment != "local" {
		a.Logger.Warn("reply webhook is unauthenticated: REPLY_WEBHOOK_SECRET is not set")
	}

	admin := handlers.NewAdminHandler(a.Service, srv.Validator, a.Logger.With("component", "admin"))
	replies := handlers.NewResponseHandler(a.Service, srv.Validator, a.Logger.With("component", "replies"))
	srv.AdminRoutes = append(srv.AdminRoutes, admin.RegisterRoutes)
	srv.ReplyRoutes = append(srv.ReplyRoutes, replies.RegisterRoutes)

	srv.MountRoutes()
	return srv, nil
}
