package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"bizflow/internal/config"
	"bizflow/internal/types"
)

// claimTimeout is how long a consumer may hold a claimed task before it is
// considered abandoned and requeued (crash recovery). Must comfortably exceed
// the worker's send timeout.
const claimTimeout = 5 * time.Minute

// RedisBroker is the production Broker backed by Redis, mirroring the shape
// of the platform's original queueing layer. Per queue it keeps:
//
//   - {prefix}:queue:{name}:scheduled  ZSET, member = task ID, score = the
//     not-before delivery time in unix milliseconds. ZRem on claim makes a
//     single consumer the winner, so a task is delivered to one consumer at
//     a time even with concurrent pollers.
//   - {prefix}:queue:{name}:claimed    ZSET of in-flight tasks, score = claim
//     deadline. Expired claims are swept back to scheduled on the next poll.
//   - {prefix}:queue:{name}:dlq        LIST of dead-lettered task IDs.
//   - {prefix}:task:{name}:{id}        HASH with the task fields.
type RedisBroker struct {
	client *goredis.Client
	prefix string
	clock  types.Clock
	logger types.Logger
}

// NewRedisBroker opens a Redis connection from config and verifies it with a
// ping. The returned broker owns the connection; Close releases it.
func NewRedisBroker(ctx context.Context, cfg config.RedisConfig, clock types.Clock, logger types.Logger) (*RedisBroker, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password.Unmask(),
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, types.NewAppError(types.ErrCodeBrokerUnavailable, "redis ping failed", err)
	}

	return &RedisBroker{
		client: client,
		prefix: cfg.KeyPrefix,
		clock:  clock,
		logger: logger,
	}, nil
}

// Close releases the underlying Redis connection.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func (b *RedisBroker) scheduledKey(queue string) string {
	return fmt.Sprintf("%s:queue:%s:scheduled", b.prefix, queue)
}

func (b *RedisBroker) claimedKey(queue string) string {
	return fmt.Sprintf("%s:queue:%s:claimed", b.prefix, queue)
}

func (b *RedisBroker) dlqKey(queue string) string {
	return fmt.Sprintf("%s:queue:%s:dlq", b.prefix, queue)
}

func (b *RedisBroker) taskKey(queue, id string) string {
	return fmt.Sprintf("%s:task:%s:%s", b.prefix, queue, id)
}

// Enqueue implements Broker.
func (b *RedisBroker) Enqueue(ctx context.Context, queue string, payload types.TaskPayload, notBefore time.Time, policy RetryPolicy) (string, error) {
	id := payload.JobID
	key := b.taskKey(queue, id)

	exists, err := b.client.Exists(ctx, key).Result()
	if err != nil {
		return "", types.NewAppError(types.ErrCodeBrokerUnavailable, "enqueue exists check failed", err)
	}
	if exists > 0 {
		return "", ErrTaskExists
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("broker: failed to marshal payload: %w", err)
	}

	now := b.clock.Now()
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, key,
		"payload", string(payloadJSON),
		"not_before", notBefore.UTC().Format(time.RFC3339Nano),
		"attempt", 0,
		"max_attempts", policy.MaxAttempts,
		"base_delay_ms", policy.BaseDelay.Milliseconds(),
		"multiplier", policy.Multiplier,
		"last_error", "",
		"enqueued_at", now.Format(time.RFC3339Nano),
	)
	pipe.ZAdd(ctx, b.scheduledKey(queue), goredis.Z{Score: float64(notBefore.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", types.NewAppError(types.ErrCodeBrokerUnavailable, "enqueue failed", err)
	}

	b.logger.Debug("task enqueued",
		"queue", queue,
		"task_id", id,
		"not_before", notBefore.UTC().Format(time.RFC3339),
	)
	return id, nil
}

// Receive implements Broker. It first requeues expired claims, then claims up
// to limit due tasks. ZRem is the claim: only the caller that removes the
// member gets the task.
func (b *RedisBroker) Receive(ctx context.Context, queue string, limit int) ([]*Task, error) {
	now := b.clock.Now()

	if err := b.requeueExpiredClaims(ctx, queue, now); err != nil {
		return nil, err
	}

	ids, err := b.client.ZRangeByScore(ctx, b.scheduledKey(queue), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeBrokerUnavailable, "receive poll failed", err)
	}

	var tasks []*Task
	for _, id := range ids {
		removed, err := b.client.ZRem(ctx, b.scheduledKey(queue), id).Result()
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeBrokerUnavailable, "receive claim failed", err)
		}
		if removed == 0 {
			// Another consumer won the claim.
			continue
		}

		key := b.taskKey(queue, id)
		pipe := b.client.TxPipeline()
		pipe.HIncrBy(ctx, key, "attempt", 1)
		pipe.ZAdd(ctx, b.claimedKey(queue), goredis.Z{
			Score:  float64(now.Add(claimTimeout).UnixMilli()),
			Member: id,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, types.NewAppError(types.ErrCodeBrokerUnavailable, "receive mark claimed failed", err)
		}

		task, err := b.readTask(ctx, queue, id)
		if err != nil {
			if types.IsCode(err, types.ErrCodeNotFoundTask) {
				continue // removed concurrently
			}
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Ack implements Broker.
func (b *RedisBroker) Ack(ctx context.Context, queue string, taskID string) error {
	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.claimedKey(queue), taskID)
	pipe.Del(ctx, b.taskKey(queue, taskID))
	if _, err := pipe.Exec(ctx); err != nil {
		return types.NewAppError(types.ErrCodeBrokerUnavailable, "ack failed", err)
	}
	return nil
}

// Fail implements Broker.
func (b *RedisBroker) Fail(ctx context.Context, queue string, taskID string, reason string) (bool, error) {
	task, err := b.readTask(ctx, queue, taskID)
	if err != nil {
		return false, err
	}

	if task.Attempt >= task.Policy.MaxAttempts {
		// Attempts exhausted: keep the hash for DLQ inspection, stop delivery.
		pipe := b.client.TxPipeline()
		pipe.ZRem(ctx, b.claimedKey(queue), taskID)
		pipe.HSet(ctx, b.taskKey(queue, taskID), "last_error", reason)
		pipe.LPush(ctx, b.dlqKey(queue), taskID)
		if _, err := pipe.Exec(ctx); err != nil {
			return false, types.NewAppError(types.ErrCodeBrokerUnavailable, "dead-letter failed", err)
		}
		b.logger.Warn("task dead-lettered",
			"queue", queue,
			"task_id", taskID,
			"attempts", task.Attempt,
			"reason", reason,
		)
		return true, nil
	}

	delay := task.Policy.Delay(task.Attempt)
	retryAt := b.clock.Now().Add(delay)

	pipe := b.client.TxPipeline()
	pipe.ZRem(ctx, b.claimedKey(queue), taskID)
	pipe.HSet(ctx, b.taskKey(queue, taskID), "last_error", reason)
	pipe.ZAdd(ctx, b.scheduledKey(queue), goredis.Z{Score: float64(retryAt.UnixMilli()), Member: taskID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, types.NewAppError(types.ErrCodeBrokerUnavailable, "retry reschedule failed", err)
	}

	b.logger.Warn("task delivery failed, retrying",
		"queue", queue,
		"task_id", taskID,
		"attempt", task.Attempt,
		"max_attempts", task.Policy.MaxAttempts,
		"retry_in", delay.String(),
		"reason", reason,
	)
	return false, nil
}

// Remove implements Broker. Only undelivered (scheduled) tasks are removed;
// an in-flight task keeps its claim and resolves through the worker's
// precondition re-check.
func (b *RedisBroker) Remove(ctx context.Context, queue string, taskID string) error {
	removed, err := b.client.ZRem(ctx, b.scheduledKey(queue), taskID).Result()
	if err != nil {
		return types.NewAppError(types.ErrCodeBrokerUnavailable, "remove failed", err)
	}
	if removed > 0 {
		if err := b.client.Del(ctx, b.taskKey(queue, taskID)).Err(); err != nil {
			return types.NewAppError(types.ErrCodeBrokerUnavailable, "remove delete failed", err)
		}
	}
	return nil
}

// DeadLetters implements Broker.
func (b *RedisBroker) DeadLetters(ctx context.Context, queue string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := b.client.LRange(ctx, b.dlqKey(queue), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeBrokerUnavailable, "dead-letter list failed", err)
	}

	var tasks []*Task
	for _, id := range ids {
		task, err := b.readTask(ctx, queue, id)
		if err != nil {
			if types.IsCode(err, types.ErrCodeNotFoundTask) {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Ping implements Broker.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return types.NewAppError(types.ErrCodeBrokerUnavailable, "redis unreachable", err)
	}
	return nil
}

// requeueExpiredClaims sweeps abandoned claims back to the scheduled set.
func (b *RedisBroker) requeueExpiredClaims(ctx context.Context, queue string, now time.Time) error {
	ids, err := b.client.ZRangeByScore(ctx, b.claimedKey(queue), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return types.NewAppError(types.ErrCodeBrokerUnavailable, "claim sweep failed", err)
	}

	for _, id := range ids {
		pipe := b.client.TxPipeline()
		pipe.ZRem(ctx, b.claimedKey(queue), id)
		pipe.ZAdd(ctx, b.scheduledKey(queue), goredis.Z{Score: float64(now.UnixMilli()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return types.NewAppError(types.ErrCodeBrokerUnavailable, "claim requeue failed", err)
		}
		b.logger.Warn("requeued abandoned task", "queue", queue, "task_id", id)
	}
	return nil
}

// readTask loads a task hash into a Task.
func (b *RedisBroker) readTask(ctx context.Context, queue, id string) (*Task, error) {
	fields, err := b.client.HGetAll(ctx, b.taskKey(queue, id)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, types.NewAppError(types.ErrCodeNotFoundTask, "task not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeBrokerUnavailable, "task read failed", err)
	}
	if len(fields) == 0 {
		return nil, types.NewAppError(types.ErrCodeNotFoundTask, "task not found", nil)
	}
	return taskFromFields(queue, id, fields)
}

// taskFromFields decodes the Redis hash representation of a task.
func taskFromFields(queue, id string, fields map[string]string) (*Task, error) {
	task := &Task{ID: id, Queue: queue, LastError: fields["last_error"]}

	if err := json.Unmarshal([]byte(fields["payload"]), &task.Payload); err != nil {
		return nil, fmt.Errorf("broker: corrupt task payload for %s: %w", id, err)
	}

	notBefore, err := time.Parse(time.RFC3339Nano, fields["not_before"])
	if err != nil {
		return nil, fmt.Errorf("broker: corrupt not_before for %s: %w", id, err)
	}
	task.NotBefore = notBefore

	if enqueuedAt, err := time.Parse(time.RFC3339Nano, fields["enqueued_at"]); err == nil {
		task.EnqueuedAt = enqueuedAt
	}

	task.Attempt, _ = strconv.Atoi(fields["attempt"])
	task.Policy.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	if ms, err := strconv.ParseInt(fields["base_delay_ms"], 10, 64); err == nil {
		task.Policy.BaseDelay = time.Duration(ms) * time.Millisecond
	}
	task.Policy.Multiplier, _ = strconv.ParseFloat(fields["multiplier"], 64)

	return task, nil
}
