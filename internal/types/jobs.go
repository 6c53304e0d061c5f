package types

import "time"

// JobType identifies the kind of deferred side effect a ScheduledJob performs.
type JobType string

const (
	JobTypePaymentReminder JobType = "payment_reminder"
	JobTypeFollowUp        JobType = "follow_up"
	JobTypeBookingReminder JobType = "booking_reminder"
)

// Reminder stage variants for payment reminders. The variant is part of the
// idempotency tuple, so each stage fires at most once per invoice.
const (
	StageSameDay = "same_day"
	StageDay1    = "day_1"
	StageDay7    = "day_7"
)

// VariantDefault is the variant for job types with a single stage
// (booking reminders).
const VariantDefault = "default"

// JobStatus represents the lifecycle state of a ScheduledJob.
//
// Transitions: pending -> sent (worker success), pending -> failed (attempts
// exhausted or permanent upstream error), pending -> cancelled (precondition
// invalidated or explicit cancellation).
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusSent      JobStatus = "sent"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Queue names, one logical delay queue per job type.
const (
	QueuePaymentReminders = "payment-reminders"
	QueueFollowUps        = "follow-ups"
	QueueBookingReminders = "booking-reminders"
)

// QueueForJobType maps a job type to its logical queue name.
func QueueForJobType(jt JobType) string {
	switch jt {
	case JobTypeFollowUp:
		return QueueFollowUps
	case JobTypeBookingReminder:
		return QueueBookingReminders
	default:
		return QueuePaymentReminders
	}
}

// ScheduledJob is the durable record of the intent to perform one future side
// effect exactly once. It exists independently of the broker's transient queue
// state: the row is the source of truth for idempotency, the queued task is
// merely the delivery mechanism.
//
// Invariant: at most one row per (BusinessID, JobType, TargetEntityID,
// Variant) tuple may be in pending or sent status. The scheduled_jobs table
// enforces this with a partial unique index, so a concurrent duplicate insert
// is rejected by the store rather than guarded by application locks.
type ScheduledJob struct {
	ID             string    `json:"id"`
	BusinessID     string    `json:"business_id"`
	JobType        JobType   `json:"job_type"`
	TargetEntityID string    `json:"target_entity_id"`
	Variant        string    `json:"variant"`
	ScheduledFor   time.Time `json:"scheduled_for"`
	Status         JobStatus `json:"status"`
	// Message holds the body for follow-up jobs, captured when the follow-up
	// sequence step was authored. Other job types render from entity state at
	// delivery time and leave it empty.
	Message   string     `json:"message,omitempty"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TaskPayload is the small broker payload identifying what a delivered task
// should do. It deliberately carries no renderable content: workers re-read
// the ScheduledJob and the target entity at delivery time so messages are
// built from current state, never from state captured at enqueue time.
type TaskPayload struct {
	JobID          string  `json:"job_id"`
	BusinessID     string  `json:"business_id"`
	JobType        JobType `json:"job_type"`
	TargetEntityID string  `json:"target_entity_id"`
	Variant        string  `json:"variant"`
}

// JobStatusCounts aggregates ScheduledJob rows by type and status for the
// operator diagnostic surface.
type JobStatusCounts struct {
	JobType JobType   `json:"job_type"`
	Status  JobStatus `json:"status"`
	Count   int       `json:"count"`
}
