package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"bizflow/internal/config"
	"bizflow/internal/types"
)

// Sweep is one catch-up pass; both sweeps implement it.
type Sweep interface {
	Run(ctx context.Context, now time.Time) SweepResult
}

// CronRunner drives the daily sweeps on their configured cron specs. Each
// sweep carries an in-flight guard so a slow run is skipped rather than
// overlapped; the next day's run covers whatever the skipped one would have.
type CronRunner struct {
	cron   *cron.Cron
	clock  types.Clock
	logger types.Logger
}

// NewCronRunner registers both sweeps and returns the runner. Specs are
// 5-field cron expressions evaluated in UTC.
func NewCronRunner(
	cfg config.SchedulerConfig,
	overdue *OverdueInvoiceSweep,
	upcoming *UpcomingBookingSweep,
	clock types.Clock,
	logger types.Logger,
) (*CronRunner, error) {
	r := &CronRunner{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		clock:  clock,
		logger: logger,
	}

	if _, err := r.cron.AddFunc(cfg.OverdueInvoiceSweepSpec, r.guarded("overdue_invoices", overdue)); err != nil {
		return nil, err
	}
	if _, err := r.cron.AddFunc(cfg.UpcomingBookingSweepSpec, r.guarded("upcoming_bookings", upcoming)); err != nil {
		return nil, err
	}
	return r, nil
}

// guarded wraps a sweep with the skip-if-running guard and run logging.
func (r *CronRunner) guarded(name string, sweep Sweep) func() {
	var running atomic.Bool
	return func() {
		if !running.CompareAndSwap(false, true) {
			r.logger.Warn("sweep still running, skipping tick", "sweep", name)
			return
		}
		defer running.Store(false)

		// Each run carries its own trace ID so its log lines correlate.
		ctx := types.WithRequestID(context.Background(), uuid.New().String())

		start := r.clock.Now()
		result := sweep.Run(ctx, start)
		r.logger.Info("sweep run complete",
			"sweep", name,
			"duration", r.clock.Now().Sub(start).String(),
			"examined", result.Examined,
			"scheduled", result.Scheduled,
			"errors", result.Errors,
		)
	}
}

// Start begins cron evaluation in its own goroutine.
func (r *CronRunner) Start() {
	r.cron.Start()
	r.logger.Info("sweep cron started")
}

// Stop halts scheduling and waits for in-flight sweeps to finish.
func (r *CronRunner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("sweep cron stopped")
}
