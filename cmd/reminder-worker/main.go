// Package main is the entrypoint for the reminder worker.
//
// The worker consumes delivery tasks from the three reminder queues, runs
// each through the precondition re-check / render / send pipeline, and
// settles the owning job record. One consumer goroutine per queue, each with
// its own bounded-concurrency pool and outbound rate limit.
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
	"bizflow/internal/messaging"
	"bizflow/internal/ops"
	"bizflow/internal/types"
	"bizflow/internal/worker"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "reminder-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg)
	logger.Info("starting reminder worker",
		"environment", cfg.Environment,
		"provider", cfg.Messaging.Provider,
	)

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

	sender, err := messaging.NewSender(cfg.Messaging, logger.With("component", "messaging"))
	if err != nil {
		return fmt.Errorf("init messaging provider: %w", err)
	}

	jobRepo := db.NewScheduledJobRepository(pool)
	msgLogRepo := db.NewMessageLogRepository(pool)

	w := worker.New(
		jobRepo,
		db.NewInvoiceRepository(pool),
		db.NewBookingRepository(pool),
		db.NewLeadRepository(pool),
		sender,
		msgLogRepo,
		cfg.Messaging.SendTimeout,
		clock,
		logger.With("component", "worker"),
	)

	opsHandler := ops.NewHandler(pool, b, jobRepo, msgLogRepo, logger.With("component", "ops"))
	opsServer := ops.NewServer(cfg.Ops.Port, opsHandler, logger.With("component", "ops"))

	queues := []string{
		types.QueuePaymentReminders,
		types.QueueFollowUps,
		types.QueueBookingReminders,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return opsServer.Run(gctx)
	})
	for _, queue := range queues {
		consumer := broker.NewConsumer(b, queue, w.Handle, w.OnDeadLetter, cfg.Worker, logger)
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}

	err = g.Wait()
	logger.Info("reminder worker stopped")
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
	return types.NewSlogLogger(slog.New(handler).With("service", "reminder-worker"))
}
