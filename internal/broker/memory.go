package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	"bizflow/internal/types"
)

// MemoryBroker is an in-process Broker for tests and local development. It
// implements the full contract (delay visibility, claim exclusivity, backoff,
// dead-lettering) against an injected clock so tests can drive time without
// sleeping.
type MemoryBroker struct {
	mu     sync.Mutex
	clock  types.Clock
	queues map[string]*memoryQueue
}

type memoryQueue struct {
	scheduled map[string]*Task // taskID -> task, due at task.NotBefore
	claimed   map[string]*Task
	dead      []*Task // newest first
}

// NewMemoryBroker creates an empty MemoryBroker using the given clock.
func NewMemoryBroker(clock types.Clock) *MemoryBroker {
	return &MemoryBroker{
		clock:  clock,
		queues: make(map[string]*memoryQueue),
	}
}

func (b *MemoryBroker) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{
			scheduled: make(map[string]*Task),
			claimed:   make(map[string]*Task),
		}
		b.queues[name] = q
	}
	return q
}

// Enqueue implements Broker.
func (b *MemoryBroker) Enqueue(_ context.Context, queue string, payload types.TaskPayload, notBefore time.Time, policy RetryPolicy) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	id := payload.JobID
	if _, ok := q.scheduled[id]; ok {
		return "", ErrTaskExists
	}
	if _, ok := q.claimed[id]; ok {
		return "", ErrTaskExists
	}

	q.scheduled[id] = &Task{
		ID:         id,
		Queue:      queue,
		Payload:    payload,
		NotBefore:  notBefore,
		Policy:     policy,
		EnqueuedAt: b.clock.Now(),
	}
	return id, nil
}

// Receive implements Broker. Due tasks are returned in NotBefore order.
func (b *MemoryBroker) Receive(_ context.Context, queue string, limit int) ([]*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	now := b.clock.Now()

	var due []*Task
	for _, task := range q.scheduled {
		if !task.NotBefore.After(now) {
			due = append(due, task)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NotBefore.Before(due[j].NotBefore) })
	if len(due) > limit {
		due = due[:limit]
	}

	var claimed []*Task
	for _, task := range due {
		delete(q.scheduled, task.ID)
		task.Attempt++
		q.claimed[task.ID] = task
		cp := *task
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

// Ack implements Broker.
func (b *MemoryBroker) Ack(_ context.Context, queue string, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.queue(queue).claimed, taskID)
	return nil
}

// Fail implements Broker.
func (b *MemoryBroker) Fail(_ context.Context, queue string, taskID string, reason string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queue)
	task, ok := q.claimed[taskID]
	if !ok {
		return false, types.NewAppError(types.ErrCodeNotFoundTask, "task not claimed", nil)
	}
	delete(q.claimed, taskID)
	task.LastError = reason

	if task.Attempt >= task.Policy.MaxAttempts {
		q.dead = append([]*Task{task}, q.dead...)
		return true, nil
	}

	task.NotBefore = b.clock.Now().Add(task.Policy.Delay(task.Attempt))
	q.scheduled[task.ID] = task
	return false, nil
}

// Remove implements Broker.
func (b *MemoryBroker) Remove(_ context.Context, queue string, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.queue(queue).scheduled, taskID)
	return nil
}

// DeadLetters implements Broker.
func (b *MemoryBroker) DeadLetters(_ context.Context, queue string, limit int) ([]*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dead := b.queue(queue).dead
	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}
	out := make([]*Task, 0, len(dead))
	for _, task := range dead {
		cp := *task
		out = append(out, &cp)
	}
	return out, nil
}

// Ping implements Broker.
func (b *MemoryBroker) Ping(context.Context) error { return nil }

// ScheduledCount reports queued (not claimed, not dead) tasks. Test helper.
func (b *MemoryBroker) ScheduledCount(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue(queue).scheduled)
}

// ScheduledTask returns the queued task with the given ID, or nil. Test helper.
func (b *MemoryBroker) ScheduledTask(queue, taskID string) *Task {
	b.mu.Lock()
	defer b.mu.Unlock()

	task, ok := b.queue(queue).scheduled[taskID]
	if !ok {
		return nil
	}
	cp := *task
	return &cp
}
