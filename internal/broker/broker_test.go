package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizflow/internal/types"
)

// --- Test Doubles ---

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testPayload(jobID string) types.TaskPayload {
	return types.TaskPayload{
		JobID:          jobID,
		BusinessID:     "biz-1",
		JobType:        types.JobTypePaymentReminder,
		TargetEntityID: "inv-1",
		Variant:        types.StageSameDay,
	}
}

// --- RetryPolicy ---

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.Equal(t, 5*time.Second, p.Delay(1))
	assert.Equal(t, 10*time.Second, p.Delay(2))
	assert.Equal(t, 20*time.Second, p.Delay(3))

	// Out-of-range attempts clamp to the first retry delay.
	assert.Equal(t, 5*time.Second, p.Delay(0))
	assert.Equal(t, 5*time.Second, p.Delay(-3))
}

func TestRetryPolicyDelayIsMonotonic(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, Multiplier: 1.5}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Delay(attempt)
		assert.Greater(t, d, prev, "attempt %d", attempt)
		prev = d
	}
}

// --- MemoryBroker ---

func TestMemoryBrokerDelayVisibility(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC))
	b := NewMemoryBroker(clock)
	ctx := context.Background()

	notBefore := clock.Now().Add(time.Hour)
	_, err := b.Enqueue(ctx, types.QueuePaymentReminders, testPayload("job-1"), notBefore, DefaultRetryPolicy())
	require.NoError(t, err)

	// Not due yet.
	tasks, err := b.Receive(ctx, types.QueuePaymentReminders, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	clock.Advance(time.Hour)

	tasks, err = b.Receive(ctx, types.QueuePaymentReminders, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "job-1", tasks[0].ID)
	assert.Equal(t, 1, tasks[0].Attempt)
}

func TestMemoryBrokerEnqueueDuplicate(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC))
	b := NewMemoryBroker(clock)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, types.QueuePaymentReminders, testPayload("job-1"), clock.Now(), DefaultRetryPolicy())
	require.NoError(t, err)

	_, err = b.Enqueue(ctx, types.QueuePaymentReminders, testPayload("job-1"), clock.Now(), DefaultRetryPolicy())
	assert.ErrorIs(t, err, ErrTaskExists)
}

func TestMemoryBrokerClaimedTaskInvisible(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC))
	b := NewMemoryBroker(clock)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, types.QueuePaymentReminders, testPayload("job-1"), clock.Now(), DefaultRetryPolicy())
	require.NoError(t, err)

	tasks, err := b.Receive(ctx, types.QueuePaymentReminders, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	// Claimed: invisible to a second receive.
	tasks, err = b.Receive(ctx, types.QueuePaymentReminders, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestMemoryBrokerAckRemovesTask(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC))
	b := NewMemoryBroker(clock)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, types.QueuePaymentReminders, testPayload("job-1"), clock.Now(), DefaultRetryPolicy())
	require.NoError(t, err)

	tasks, err := b.Receive(ctx, types.QueuePaymentReminders, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	require.NoError(t, b.Ack(ctx, types.QueuePaymentReminders, "job-1"))

	// Gone for good, even after time passes.
	clock.Advance(24 * time.Hour)
	tasks, err = b.Receive(ctx, types.QueuePaymentReminders, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	// Tuple is free again.
	_, err = b.Enqueue(ctx, types.QueuePaymentReminders, testPayload("job-1"), clock.Now(), DefaultRetryPolicy())
	assert.NoError(t, err)
}

func TestMemoryBrokerFailSchedulesBackoff(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC))
	b := NewMemoryBroker(clock)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, types.QueuePaymentReminders, testPayload("job-1"), clock.Now(), DefaultRetryPolicy())
	require.NoError(t, err)

	tasks, err := b.Receive(ctx, types.QueuePaymentReminders, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	dead, err := b.Fail(ctx, types.QueuePaymentReminders, "job-1", "provider 503")
	require.NoError(t, err)
	assert.False(t, dead)

	// First retry waits the base delay (5s). Not visible at 4s.
	clock.Advance(4 * time.Second)
	tasks, err = b.Receive(ctx, types.QueuePaymentReminders, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	clock.Advance(time.Second)
	tasks, err = b.Receive(ctx, types.QueuePaymentReminders, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 2, tasks[0].Attempt)
	assert.Equal(t, "provider 503", tasks[0].LastError)
}

func TestMemoryBrokerDeadLetterAfterMaxAttempts(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC))
	b := NewMemoryBroker(clock)
	ctx := context.Background()

	policy := DefaultRetryPolicy() // 3 attempts

	_, err := b.Enqueue(ctx, types.QueuePaymentReminders, testPayload("job-1"), clock.Now(), policy)
	require.NoError(t, err)

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		tasks, err := b.Receive(ctx, types.QueuePaymentReminders, 10)
		require.NoError(t, err)
		require.Len(t, tasks, 1, "attempt %d", attempt)
		assert.Equal(t, attempt, tasks[0].Attempt)

		dead, err := b.Fail(ctx, types.QueuePaymentReminders, "job-1", "provider 503")
		require.NoError(t, err)
		assert.Equal(t, attempt == policy.MaxAttempts, dead, "attempt %d", attempt)

		clock.Advance(time.Hour)
	}

	// No further delivery.
	tasks, err := b.Receive(ctx, types.QueuePaymentReminders, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	dlq, err := b.DeadLetters(ctx, types.QueuePaymentReminders, 10)
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, "job-1", dlq[0].ID)
	assert.Equal(t, 3, dlq[0].Attempt)
}

func TestMemoryBrokerRemove(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC))
	b := NewMemoryBroker(clock)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, types.QueuePaymentReminders, testPayload("job-1"), clock.Now().Add(time.Hour), DefaultRetryPolicy())
	require.NoError(t, err)

	require.NoError(t, b.Remove(ctx, types.QueuePaymentReminders, "job-1"))

	clock.Advance(2 * time.Hour)
	tasks, err := b.Receive(ctx, types.QueuePaymentReminders, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestMemoryBrokerReceiveHonorsLimitAndOrder(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC))
	b := NewMemoryBroker(clock)
	ctx := context.Background()

	base := clock.Now()
	for i, id := range []string{"job-c", "job-a", "job-b"} {
		p := testPayload(id)
		_, err := b.Enqueue(ctx, types.QueuePaymentReminders, p, base.Add(-time.Duration(i)*time.Minute), DefaultRetryPolicy())
		require.NoError(t, err)
	}

	// Oldest NotBefore first, capped at limit.
	tasks, err := b.Receive(ctx, types.QueuePaymentReminders, 2)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "job-b", tasks[0].ID)
	assert.Equal(t, "job-a", tasks[1].ID)
}

func TestMemoryBrokerQueuesAreIsolated(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC))
	b := NewMemoryBroker(clock)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, types.QueuePaymentReminders, testPayload("job-1"), clock.Now(), DefaultRetryPolicy())
	require.NoError(t, err)

	tasks, err := b.Receive(ctx, types.QueueBookingReminders, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}
