// Package worker consumes delivery tasks from the delay queues and performs
// the deferred side effect: re-check the precondition against current entity
// state, render the message fresh, send it, and settle the job record.
//
// Error contract: a transient failure (network, rate limit, provider 5xx)
// propagates out of Handle so the broker retries with backoff; a permanent
// failure marks the job failed and acks; an invalidated precondition marks
// the job cancelled and acks. Only the happy path marks the job sent.
package worker

import (
	"context"
	"fmt"
	"time"

	"bizflow/internal/broker"
	"bizflow/internal/messaging"
	"bizflow/internal/types"
)

// JobStore is the scheduled-job persistence the worker needs, satisfied by
// db.ScheduledJobRepository.
type JobStore interface {
	Get(ctx context.Context, id string) (*types.ScheduledJob, error)
	MarkSent(ctx context.Context, id string, sentAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, reason string) error
	MarkCancelled(ctx context.Context, id string) error
}

// InvoiceStore loads current invoice state and performs the overdue status
// writeback, satisfied by db.InvoiceRepository.
type InvoiceStore interface {
	GetInvoice(ctx context.Context, id string) (*types.Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, id string, status types.InvoiceStatus) error
}

// BookingReader loads current booking state, satisfied by db.BookingRepository.
type BookingReader interface {
	GetBooking(ctx context.Context, id string) (*types.Booking, error)
}

// LeadReader loads current lead state, satisfied by db.LeadRepository.
type LeadReader interface {
	GetLead(ctx context.Context, id string) (*types.Lead, error)
}

// MessageLog records send outcomes, satisfied by db.MessageLogRepository.
type MessageLog interface {
	Record(ctx context.Context, entry *types.MessageLogEntry) error
}

// Worker handles delivery tasks for all three job types.
type Worker struct {
	jobs     JobStore
	invoices InvoiceStore
	bookings BookingReader
	leads    LeadReader
	sender   messaging.Sender
	log      MessageLog
	clock    types.Clock
	logger   types.Logger

	sendTimeout time.Duration
}

// New creates a Worker.
func New(
	jobs JobStore,
	invoices InvoiceStore,
	bookings BookingReader,
	leads LeadReader,
	sender messaging.Sender,
	log MessageLog,
	sendTimeout time.Duration,
	clock types.Clock,
	logger types.Logger,
) *Worker {
	return &Worker{
		jobs:        jobs,
		invoices:    invoices,
		bookings:    bookings,
		leads:       leads,
		sender:      sender,
		log:         log,
		clock:       clock,
		logger:      logger,
		sendTimeout: sendTimeout,
	}
}

// delivery is the resolved plan for one send: who gets what, plus any entity
// writeback that follows a successful send.
type delivery struct {
	recipient string
	body      string
	postSend  func(ctx context.Context)
}

// Handle implements broker.Handler. A nil return acks the task.
func (w *Worker) Handle(ctx context.Context, task *broker.Task) error {
	log := w.logger.With(
		"job_id", task.Payload.JobID,
		"business_id", task.Payload.BusinessID,
		"job_type", string(task.Payload.JobType),
		"attempt", task.Attempt,
	)

	job, err := w.jobs.Get(ctx, task.Payload.JobID)
	if err != nil {
		if types.IsNotFound(err) {
			// Row deleted out of band; nothing left to do.
			log.Warn("job record missing, dropping task")
			return nil
		}
		return err
	}

	// Redelivery guard: a previous attempt already settled this job (sent,
	// failed, or cancelled). Ack without sending, so at-least-once delivery
	// never produces a duplicate message.
	if job.Status != types.JobStatusPending {
		log.Info("job already settled, skipping", "status", string(job.Status))
		return nil
	}

	d, err := w.resolve(ctx, job)
	if err != nil {
		if types.IsCode(err, types.ErrCodePreconditionInvalidated) || types.IsNotFound(err) {
			// The reason for this message no longer holds. Cancel, ack.
			log.Info("precondition invalidated, cancelling job", "reason", err.Error())
			if err := w.jobs.MarkCancelled(ctx, job.ID); err != nil {
				return err
			}
			return nil
		}
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	providerMsgID, sendErr := w.sender.SendText(sendCtx, d.recipient, d.body, job.ID)
	cancel()

	if sendErr != nil {
		if types.IsPermanentUpstream(sendErr) {
			// Retrying cannot help. Record the outcome and settle the job.
			log.Error("permanent send failure, marking job failed", "error", sendErr)
			w.record(ctx, job, d, types.MessageLogFailed, "", sendErr.Error())
			if err := w.jobs.MarkFailed(ctx, job.ID, sendErr.Error()); err != nil {
				return err
			}
			return nil
		}
		// Transient: let the broker's backoff policy drive the retry.
		log.Warn("transient send failure, will retry", "error", sendErr)
		return sendErr
	}

	if d.postSend != nil {
		d.postSend(ctx)
	}

	w.record(ctx, job, d, types.MessageLogSent, providerMsgID, "")

	marked, err := w.jobs.MarkSent(ctx, job.ID, w.clock.Now())
	if err != nil {
		return err
	}
	if !marked {
		// Settled concurrently between our status check and now. The message
		// went out; nothing to roll back, just ack.
		log.Warn("job settled concurrently after send")
		return nil
	}

	log.Info("message delivered", "recipient", d.recipient, "provider_message_id", providerMsgID)
	return nil
}

// OnDeadLetter implements broker.DeadLetterFunc: when a task exhausts its
// attempts the owning job record is marked failed so operators see the
// outcome without digging through queue state.
func (w *Worker) OnDeadLetter(ctx context.Context, task *broker.Task, reason string) {
	if err := w.jobs.MarkFailed(ctx, task.Payload.JobID, reason); err != nil {
		w.logger.Error("failed to mark dead-lettered job failed",
			"job_id", task.Payload.JobID, "error", err)
	}
}

// resolve loads the target entity fresh and re-checks that the reminder still
// applies, returning the delivery plan. An ErrCodePreconditionInvalidated or
// not-found error means the job should be cancelled.
func (w *Worker) resolve(ctx context.Context, job *types.ScheduledJob) (delivery, error) {
	switch job.JobType {
	case types.JobTypePaymentReminder:
		inv, err := w.invoices.GetInvoice(ctx, job.TargetEntityID)
		if err != nil {
			return delivery{}, err
		}
		if inv.Status != types.InvoiceStatusSent && inv.Status != types.InvoiceStatusOverdue {
			return delivery{}, types.NewAppError(types.ErrCodePreconditionInvalidated,
				fmt.Sprintf("invoice is %s", inv.Status), nil)
		}
		d := delivery{recipient: inv.CustomerPhone, body: renderPaymentReminder(inv, job.Variant)}
		pastDue := job.Variant == types.StageDay1 || job.Variant == types.StageDay7
		if pastDue && inv.Status == types.InvoiceStatusSent {
			// A past-due reminder going out against a still-"sent" invoice.
			// The daily sweep normally flips the status, but a pre-scheduled
			// stage can fire first; the sent -> overdue transition happens
			// here in that case. Best effort, never blocks settlement.
			d.postSend = func(ctx context.Context) {
				if err := w.invoices.UpdateInvoiceStatus(ctx, inv.ID, types.InvoiceStatusOverdue); err != nil {
					w.logger.Error("failed to mark invoice overdue",
						"invoice_id", inv.ID, "error", err)
				}
			}
		}
		return d, nil

	case types.JobTypeBookingReminder:
		b, err := w.bookings.GetBooking(ctx, job.TargetEntityID)
		if err != nil {
			return delivery{}, err
		}
		if b.Status != types.BookingStatusPending && b.Status != types.BookingStatusConfirmed {
			return delivery{}, types.NewAppError(types.ErrCodePreconditionInvalidated,
				fmt.Sprintf("booking is %s", b.Status), nil)
		}
		return delivery{recipient: b.CustomerPhone, body: renderBookingReminder(b)}, nil

	case types.JobTypeFollowUp:
		lead, err := w.leads.GetLead(ctx, job.TargetEntityID)
		if err != nil {
			return delivery{}, err
		}
		switch lead.Status {
		case types.LeadStatusConverted, types.LeadStatusLost, types.LeadStatusUnsubscribed:
			return delivery{}, types.NewAppError(types.ErrCodePreconditionInvalidated,
				fmt.Sprintf("lead is %s", lead.Status), nil)
		}
		if job.Message == "" {
			return delivery{}, types.NewAppError(types.ErrCodePreconditionInvalidated,
				"follow-up job has no message body", nil)
		}
		return delivery{recipient: lead.Phone, body: job.Message}, nil

	default:
		return delivery{}, types.NewAppError(types.ErrCodePreconditionInvalidated,
			fmt.Sprintf("unknown job type %q", job.JobType), nil)
	}
}

// record appends the send outcome to the message log. Log failures are
// logged, not propagated: the audit trail never blocks delivery settlement.
func (w *Worker) record(ctx context.Context, job *types.ScheduledJob, d delivery, status types.MessageLogStatus, providerMsgID, failureReason string) {
	now := w.clock.Now()
	entry := &types.MessageLogEntry{
		BusinessID:     job.BusinessID,
		Direction:      types.DirectionOutbound,
		JobType:        job.JobType,
		TargetEntityID: job.TargetEntityID,
		Recipient:      d.recipient,
		Content:        d.body,
		Status:         status,
		ProviderMsgID:  providerMsgID,
		FailureReason:  failureReason,
		SentAt:         &now,
	}
	if err := w.log.Record(ctx, entry); err != nil {
		w.logger.Error("failed to record message log entry", "job_id", job.ID, "error", err)
	}
}
