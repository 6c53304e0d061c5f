// Package scheduler implements the scheduling core of the reminder subsystem:
// computing delivery times for reminder sequences, creating durable job
// records exactly once per idempotency tuple, enqueuing the matching broker
// tasks, and the daily catch-up sweeps that keep long-running sequences
// honest against changing entity state.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"bizflow/internal/broker"
	"bizflow/internal/config"
	"bizflow/internal/types"
)

// JobStore is the scheduled-job persistence the Service needs, satisfied by
// db.ScheduledJobRepository.
type JobStore interface {
	CreateIfAbsent(ctx context.Context, job *types.ScheduledJob) (bool, error)
	FindPending(ctx context.Context, businessID string, jobType types.JobType, targetEntityID, variant string) (*types.ScheduledJob, error)
	CancelPending(ctx context.Context, jobType types.JobType, targetEntityID string) ([]string, error)
}

// Service creates scheduled jobs and their broker tasks. All delivery-time
// computation lives here so callers (API event handlers, sweeps) share one
// set of rules.
type Service struct {
	jobs   JobStore
	broker broker.Broker
	clock  types.Clock
	logger types.Logger

	reminderHour int
	retryPolicy  broker.RetryPolicy
}

// NewService creates a Service.
func NewService(jobs JobStore, b broker.Broker, cfg config.SchedulerConfig, clock types.Clock, logger types.Logger) *Service {
	return &Service{
		jobs:         jobs,
		broker:       b,
		clock:        clock,
		logger:       logger,
		reminderHour: cfg.ReminderHour,
		retryPolicy: broker.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BackoffBaseDelay,
			Multiplier:  cfg.BackoffMultiplier,
		},
	}
}

// ScheduleRequest describes one job to schedule.
type ScheduleRequest struct {
	BusinessID     string
	JobType        types.JobType
	TargetEntityID string
	Variant        string
	ScheduledFor   time.Time
	// Message is stored on the job for follow-ups; empty otherwise.
	Message string
}

// Schedule creates the durable job record and enqueues its delivery task.
// It is idempotent on (BusinessID, JobType, TargetEntityID, Variant): when an
// active (pending or sent) job already holds the tuple, Schedule returns
// created=false and makes sure the pending holder's task is queued rather
// than creating a new one. Losing the store race and losing the broker race
// are both treated as the duplicate outcome.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (created bool, err error) {
	if req.Variant == "" {
		req.Variant = types.VariantDefault
	}

	job := &types.ScheduledJob{
		ID:             uuid.New().String(),
		BusinessID:     req.BusinessID,
		JobType:        req.JobType,
		TargetEntityID: req.TargetEntityID,
		Variant:        req.Variant,
		ScheduledFor:   req.ScheduledFor.UTC(),
		Status:         types.JobStatusPending,
		Message:        req.Message,
	}

	created, err = s.jobs.CreateIfAbsent(ctx, job)
	if err != nil {
		return false, err
	}
	if !created {
		return false, s.repairExisting(ctx, req)
	}

	if err := s.enqueue(ctx, job); err != nil {
		// The row exists but its task does not. It stays pending, and the
		// next Schedule call for the tuple (event or sweep) lands on the
		// duplicate path above, which re-enqueues it.
		return true, err
	}

	s.logger.Info("job scheduled",
		"job_id", job.ID,
		"business_id", job.BusinessID,
		"job_type", string(job.JobType),
		"target_entity_id", job.TargetEntityID,
		"variant", job.Variant,
		"scheduled_for", job.ScheduledFor.Format(time.RFC3339),
	)
	return true, nil
}

// repairExisting handles the duplicate-schedule path. The tuple is held by an
// active job; when that job is still pending, re-enqueue its task so a crash
// or broker outage between row insert and enqueue does not strand the row
// forever. ErrTaskExists inside enqueue is the common case and means nothing
// was lost.
func (s *Service) repairExisting(ctx context.Context, req ScheduleRequest) error {
	existing, err := s.jobs.FindPending(ctx, req.BusinessID, req.JobType, req.TargetEntityID, req.Variant)
	if err != nil {
		if types.IsNotFound(err) {
			// Held by a sent job; this stage already delivered.
			return nil
		}
		return err
	}

	s.logger.Debug("schedule skipped, tuple already active",
		"business_id", req.BusinessID,
		"job_type", string(req.JobType),
		"target_entity_id", req.TargetEntityID,
		"variant", req.Variant,
	)
	return s.enqueue(ctx, existing)
}

// enqueue creates the broker task for a pending job. A task already queued
// under the job's ID counts as success.
func (s *Service) enqueue(ctx context.Context, job *types.ScheduledJob) error {
	payload := types.TaskPayload{
		JobID:          job.ID,
		BusinessID:     job.BusinessID,
		JobType:        job.JobType,
		TargetEntityID: job.TargetEntityID,
		Variant:        job.Variant,
	}
	queue := types.QueueForJobType(job.JobType)

	if _, err := s.broker.Enqueue(ctx, queue, payload, job.ScheduledFor, s.retryPolicy); err != nil {
		if errors.Is(err, broker.ErrTaskExists) {
			return nil
		}
		return err
	}
	return nil
}

// ScheduleReminderSequence schedules the three payment reminder stages for an
// invoice: due day, one day overdue, seven days overdue, each at the
// configured reminder hour. Stages whose delivery time is already past are
// skipped; the overdue sweep is the catch-up path for those. Returns the
// number of newly created jobs.
func (s *Service) ScheduleReminderSequence(ctx context.Context, invoice *types.Invoice) (int, error) {
	if invoice.DueDate == nil {
		return 0, nil
	}

	now := s.clock.Now()
	stages := []struct {
		variant   string
		daysAfter int
	}{
		{types.StageSameDay, 0},
		{types.StageDay1, 1},
		{types.StageDay7, 7},
	}

	var createdCount int
	for _, stage := range stages {
		at := s.AtReminderHour(invoice.DueDate.AddDate(0, 0, stage.daysAfter))
		if !at.After(now) {
			continue
		}

		created, err := s.Schedule(ctx, ScheduleRequest{
			BusinessID:     invoice.BusinessID,
			JobType:        types.JobTypePaymentReminder,
			TargetEntityID: invoice.ID,
			Variant:        stage.variant,
			ScheduledFor:   at,
		})
		if err != nil {
			return createdCount, err
		}
		if created {
			createdCount++
		}
	}
	return createdCount, nil
}

// ScheduleFollowUp schedules one follow-up message for a lead at the given
// time, with the message body captured on the job record. The variant
// distinguishes steps of a multi-step sequence.
func (s *Service) ScheduleFollowUp(ctx context.Context, lead *types.Lead, variant, message string, at time.Time) (bool, error) {
	return s.Schedule(ctx, ScheduleRequest{
		BusinessID:     lead.BusinessID,
		JobType:        types.JobTypeFollowUp,
		TargetEntityID: lead.ID,
		Variant:        variant,
		ScheduledFor:   at,
		Message:        message,
	})
}

// ScheduleBookingReminder schedules the 24-hours-before reminder for a
// booking. Bookings less than a day away get no reminder.
func (s *Service) ScheduleBookingReminder(ctx context.Context, booking *types.Booking) (bool, error) {
	at := booking.BookingDate.Add(-24 * time.Hour)
	if !at.After(s.clock.Now()) {
		return false, nil
	}

	return s.Schedule(ctx, ScheduleRequest{
		BusinessID:     booking.BusinessID,
		JobType:        types.JobTypeBookingReminder,
		TargetEntityID: booking.ID,
		Variant:        types.VariantDefault,
		ScheduledFor:   at,
	})
}

// CancelPendingJobs cancels all pending jobs for a target entity and removes
// their queued tasks. Called when the reason for the reminders goes away
// (invoice paid, booking cancelled, lead converted or unsubscribed). Task
// removal is best-effort: a task that slips through delivers into the
// worker's precondition re-check and acks without sending.
func (s *Service) CancelPendingJobs(ctx context.Context, jobType types.JobType, targetEntityID string) (int, error) {
	ids, err := s.jobs.CancelPending(ctx, jobType, targetEntityID)
	if err != nil {
		return 0, err
	}

	queue := types.QueueForJobType(jobType)
	for _, id := range ids {
		if err := s.broker.Remove(ctx, queue, id); err != nil {
			s.logger.Warn("failed to remove queued task for cancelled job",
				"job_id", id, "queue", queue, "error", err)
		}
	}

	if len(ids) > 0 {
		s.logger.Info("pending jobs cancelled",
			"job_type", string(jobType),
			"target_entity_id", targetEntityID,
			"count", len(ids),
		)
	}
	return len(ids), nil
}

// AtReminderHour returns the reminder delivery time on t's calendar day:
// the configured hour, UTC.
func (s *Service) AtReminderHour(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), s.reminderHour, 0, 0, 0, time.UTC)
}
