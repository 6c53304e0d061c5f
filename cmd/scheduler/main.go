// Package main is the entrypoint for the scheduler service.
//
// The scheduler owns the write side of the reminder subsystem: it runs the
// daily catch-up sweeps (overdue invoices at 09:00 UTC, tomorrow's bookings
// at 08:00 UTC) and hosts the ops diagnostic HTTP surface. Event-driven
// scheduling (invoice sent, booking created) is invoked by the platform's
// API processes through the same scheduler.Service; this process guarantees
// that nothing is missed between those events.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"bizflow/internal/broker"
	"bizflow/internal/config"
	"bizflow/internal/db"
	"bizflow/internal/ops"
	"bizflow/internal/scheduler"
	"bizflow/internal/types"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "scheduler: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg)
	logger.Info("starting scheduler", "environment", cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := types.RealClock{}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	b, err := broker.NewRedisBroker(ctx, cfg.Redis, clock, logger.With("component", "broker"))
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer b.Close()

	jobRepo := db.NewScheduledJobRepository(pool)
	invoiceRepo := db.NewInvoiceRepository(pool)
	bookingRepo := db.NewBookingRepository(pool)
	msgLogRepo := db.NewMessageLogRepository(pool)

	svc := scheduler.NewService(jobRepo, b, cfg.Scheduler, clock, logger.With("component", "scheduler"))

	overdueSweep := scheduler.NewOverdueInvoiceSweep(invoiceRepo, svc, logger.With("sweep", "overdue_invoices"))
	bookingSweep := scheduler.NewUpcomingBookingSweep(bookingRepo, svc, logger.With("sweep", "upcoming_bookings"))

	cronRunner, err := scheduler.NewCronRunner(cfg.Scheduler, overdueSweep, bookingSweep, clock, logger.With("component", "cron"))
	if err != nil {
		return fmt.Errorf("register sweeps: %w", err)
	}

	opsHandler := ops.NewHandler(pool, b, jobRepo, msgLogRepo, logger.With("component", "ops"))
	opsServer := ops.NewServer(cfg.Ops.Port, opsHandler, logger.With("component", "ops"))

	cronRunner.Start()
	defer cronRunner.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return opsServer.Run(gctx)
	})

	err = g.Wait()
	logger.Info("scheduler stopped")
	return err
}

func newLogger(cfg *config.Config) types.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return types.NewSlogLogger(slog.New(handler).With("service", "scheduler"))
}
