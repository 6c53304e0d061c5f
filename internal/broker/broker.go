// Package broker provides the delay-queue abstraction the scheduler core is
// built on: durable enqueue with a not-before delivery time, at-least-once
// delivery to consumers, retry with exponential backoff, and a dead-letter
// state once attempts are exhausted.
//
// Two implementations exist: RedisBroker (production, sorted-set scored by
// delivery time) and MemoryBroker (tests and local development). Both share
// the single Broker contract so producers and consumers never know which one
// they hold.
package broker

import (
	"context"
	"errors"
	"math"
	"time"

	"bizflow/internal/types"
)

// ErrTaskExists is returned by Enqueue when a task with the same ID is
// already queued. Task IDs are the ScheduledJob IDs, so this is a second
// idempotency layer behind the job store's unique index.
var ErrTaskExists = errors.New("broker: task already enqueued")

// RetryPolicy defines the exponential backoff parameters for task redelivery.
// It is an explicit parameter object passed on every Enqueue rather than
// broker-wide configuration, so tests and callers can see exactly what policy
// a task carries.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseDelay   time.Duration `json:"base_delay"`
	Multiplier  float64       `json:"multiplier"`
}

// DefaultRetryPolicy matches the policy used on all three reminder queues:
// three attempts, 5s base delay, doubling per attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Second, Multiplier: 2.0}
}

// Delay computes the wait before redelivering a task that has completed
// `attempt` delivery attempts (attempt >= 1). The first retry waits BaseDelay,
// each subsequent retry multiplies: BaseDelay * Multiplier^(attempt-1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
}

// Task is the broker-internal representation of one queued delivery. The
// payload identifies what to do; it never carries renderable content.
type Task struct {
	// ID equals the ScheduledJob ID it references.
	ID        string            `json:"id"`
	Queue     string            `json:"queue"`
	Payload   types.TaskPayload `json:"payload"`
	NotBefore time.Time         `json:"not_before"`
	// Attempt is the number of delivery attempts completed, including the
	// one in flight when the task is held by a consumer.
	Attempt    int         `json:"attempt"`
	Policy     RetryPolicy `json:"policy"`
	LastError  string      `json:"last_error,omitempty"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// Broker is the delay-queue contract.
//
// Delivery guarantees: a task is never delivered before NotBefore; delivery
// is at-least-once (a consumer crash between Receive and Ack causes
// redelivery); no ordering is guaranteed between independent tasks.
type Broker interface {
	// Enqueue durably persists a task for delivery at or after notBefore.
	// The task ID is the payload's JobID. Returns ErrTaskExists if a task
	// with that ID is already queued.
	Enqueue(ctx context.Context, queue string, payload types.TaskPayload, notBefore time.Time, policy RetryPolicy) (string, error)

	// Receive claims up to limit due tasks from the queue. A claimed task is
	// invisible to other consumers until it is Acked, Failed, or its claim
	// expires (crash recovery, Redis implementation only).
	Receive(ctx context.Context, queue string, limit int) ([]*Task, error)

	// Ack permanently removes a delivered task.
	Ack(ctx context.Context, queue string, taskID string) error

	// Fail reschedules a delivered task after its policy backoff, or moves it
	// to the dead-letter state when attempts are exhausted. Returns dead=true
	// in the latter case so the caller can surface the failure to the job
	// record.
	Fail(ctx context.Context, queue string, taskID string, reason string) (dead bool, err error)

	// Remove best-effort deletes a queued (undelivered) task. Used by the
	// explicit cancellation path; losing the race with delivery is fine
	// because the worker's precondition re-check is the backstop.
	Remove(ctx context.Context, queue string, taskID string) error

	// DeadLetters lists tasks in the queue's dead-letter state, newest first.
	DeadLetters(ctx context.Context, queue string, limit int) ([]*Task, error)

	// Ping verifies broker connectivity.
	Ping(ctx context.Context) error
}
