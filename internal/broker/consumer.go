package broker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"bizflow/internal/config"
	"bizflow/internal/types"
)

// Handler processes one delivered task. A nil return acks the task. A non-nil
// return is treated as a transient failure: the task is failed back to the
// broker for backoff redelivery or dead-lettering. Permanent failures must be
// resolved inside the handler (record the outcome, return nil).
type Handler func(ctx context.Context, task *Task) error

// DeadLetterFunc is invoked after a task exhausts its attempts and moves to
// the dead-letter state, so the owning job record can be marked failed.
type DeadLetterFunc func(ctx context.Context, task *Task, reason string)

// Consumer polls one queue and dispatches due tasks to a Handler with bounded
// concurrency and an optional outbound rate limit.
type Consumer struct {
	broker       Broker
	queue        string
	handler      Handler
	onDeadLetter DeadLetterFunc
	logger       types.Logger

	pollInterval time.Duration
	claimLimit   int
	concurrency  int
	limiter      *rate.Limiter
}

// NewConsumer creates a Consumer for the named queue. onDeadLetter may be nil.
func NewConsumer(b Broker, queue string, handler Handler, onDeadLetter DeadLetterFunc, cfg config.WorkerConfig, logger types.Logger) *Consumer {
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Consumer{
		broker:       b,
		queue:        queue,
		handler:      handler,
		onDeadLetter: onDeadLetter,
		logger:       logger.With("queue", queue),
		pollInterval: cfg.PollInterval,
		claimLimit:   cfg.ClaimLimit,
		concurrency:  cfg.Concurrency,
		limiter:      limiter,
	}
}

// Run polls until ctx is cancelled. It blocks; callers start one goroutine
// per queue. Poll errors are logged and retried on the next tick rather than
// stopping the consumer.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started",
		"concurrency", c.concurrency,
		"poll_interval", c.pollInterval.String(),
	)

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := c.poll(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("poll failed", "error", err)
			}
		}
	}
}

// poll claims one batch of due tasks and processes them concurrently,
// returning once the whole batch has been resolved.
func (c *Consumer) poll(ctx context.Context) error {
	tasks, err := c.broker.Receive(ctx, c.queue, c.claimLimit)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			c.process(gctx, task)
			return nil
		})
	}
	return g.Wait()
}

// process runs the handler for one task and settles it with the broker.
func (c *Consumer) process(ctx context.Context, task *Task) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			// Shutdown mid-batch: leave the claim to expire and redeliver.
			return
		}
	}

	// The task ID doubles as the trace ID for everything this delivery does.
	ctx = types.WithRequestID(ctx, task.ID)

	log := c.logger.With("task_id", task.ID, "job_type", string(task.Payload.JobType), "attempt", task.Attempt)

	if err := c.handler(ctx, task); err != nil {
		dead, failErr := c.broker.Fail(ctx, c.queue, task.ID, err.Error())
		if failErr != nil {
			log.Error("failed to settle task after handler error", "error", failErr, "handler_error", err)
			return
		}
		if dead && c.onDeadLetter != nil {
			c.onDeadLetter(ctx, task, err.Error())
		}
		return
	}

	if err := c.broker.Ack(ctx, c.queue, task.ID); err != nil {
		// The claim will expire and the task will redeliver; the handler's
		// job-status check makes the redelivery a no-op.
		log.Error("ack failed", "error", err)
	}
}
