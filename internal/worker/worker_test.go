package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizflow/internal/broker"
	"bizflow/internal/messaging"
	"bizflow/internal/types"
)

// --- Test Doubles ---

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeJobStore struct {
	jobs map[string]*types.ScheduledJob

	markSentCalls      []string
	markFailedCalls    map[string]string
	markCancelledCalls []string
}

func newFakeJobStore(jobs ...*types.ScheduledJob) *fakeJobStore {
	s := &fakeJobStore{
		jobs:            make(map[string]*types.ScheduledJob),
		markFailedCalls: make(map[string]string),
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeJobStore) Get(_ context.Context, id string) (*types.ScheduledJob, error) {
	job, ok := s.jobs[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundJob, "scheduled job not found", nil)
	}
	cp := *job
	return &cp, nil
}

func (s *fakeJobStore) MarkSent(_ context.Context, id string, sentAt time.Time) (bool, error) {
	job, ok := s.jobs[id]
	if !ok || job.Status != types.JobStatusPending {
		return false, nil
	}
	job.Status = types.JobStatusSent
	job.SentAt = &sentAt
	s.markSentCalls = append(s.markSentCalls, id)
	return true, nil
}

func (s *fakeJobStore) MarkFailed(_ context.Context, id string, reason string) error {
	if job, ok := s.jobs[id]; ok {
		job.Status = types.JobStatusFailed
		job.LastError = reason
	}
	s.markFailedCalls[id] = reason
	return nil
}

func (s *fakeJobStore) MarkCancelled(_ context.Context, id string) error {
	if job, ok := s.jobs[id]; ok {
		job.Status = types.JobStatusCancelled
	}
	s.markCancelledCalls = append(s.markCancelledCalls, id)
	return nil
}

type fakeInvoices struct {
	invoice       *types.Invoice
	statusUpdates []types.InvoiceStatus
}

func (f *fakeInvoices) GetInvoice(_ context.Context, id string) (*types.Invoice, error) {
	if f.invoice == nil || f.invoice.ID != id {
		return nil, types.NewAppError(types.ErrCodeNotFoundInvoice, "invoice not found", nil)
	}
	return f.invoice, nil
}

func (f *fakeInvoices) UpdateInvoiceStatus(_ context.Context, id string, status types.InvoiceStatus) error {
	if f.invoice != nil && f.invoice.ID == id {
		f.invoice.Status = status
	}
	f.statusUpdates = append(f.statusUpdates, status)
	return nil
}

type fakeBookings struct{ booking *types.Booking }

func (f *fakeBookings) GetBooking(_ context.Context, id string) (*types.Booking, error) {
	if f.booking == nil || f.booking.ID != id {
		return nil, types.NewAppError(types.ErrCodeNotFoundBooking, "booking not found", nil)
	}
	return f.booking, nil
}

type fakeLeads struct{ lead *types.Lead }

func (f *fakeLeads) GetLead(_ context.Context, id string) (*types.Lead, error) {
	if f.lead == nil || f.lead.ID != id {
		return nil, types.NewAppError(types.ErrCodeNotFoundLead, "lead not found", nil)
	}
	return f.lead, nil
}

type fakeMessageLog struct{ entries []*types.MessageLogEntry }

func (f *fakeMessageLog) Record(_ context.Context, entry *types.MessageLogEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

// --- Fixtures ---

type workerFixture struct {
	worker   *Worker
	jobs     *fakeJobStore
	invoices *fakeInvoices
	bookings *fakeBookings
	leads    *fakeLeads
	sender   *messaging.StubSender
	msgLog   *fakeMessageLog
	clock    *fakeClock
}

func newFixture(jobs ...*types.ScheduledJob) *workerFixture {
	f := &workerFixture{
		jobs:     newFakeJobStore(jobs...),
		invoices: &fakeInvoices{},
		bookings: &fakeBookings{},
		leads:    &fakeLeads{},
		sender:   messaging.NewStubSender(types.NopLogger{}),
		msgLog:   &fakeMessageLog{},
		clock:    &fakeClock{now: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)},
	}
	f.worker = New(f.jobs, f.invoices, f.bookings, f.leads, f.sender, f.msgLog,
		10*time.Second, f.clock, types.NopLogger{})
	return f
}

func paymentJob(variant string) *types.ScheduledJob {
	return &types.ScheduledJob{
		ID:             "job-1",
		BusinessID:     "biz-1",
		JobType:        types.JobTypePaymentReminder,
		TargetEntityID: "inv-1",
		Variant:        variant,
		Status:         types.JobStatusPending,
	}
}

func taskFor(job *types.ScheduledJob, attempt int) *broker.Task {
	return &broker.Task{
		ID:    job.ID,
		Queue: types.QueueForJobType(job.JobType),
		Payload: types.TaskPayload{
			JobID:          job.ID,
			BusinessID:     job.BusinessID,
			JobType:        job.JobType,
			TargetEntityID: job.TargetEntityID,
			Variant:        job.Variant,
		},
		Attempt: attempt,
		Policy:  broker.DefaultRetryPolicy(),
	}
}

func sentInvoice() *types.Invoice {
	due := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	return &types.Invoice{
		ID:            "inv-1",
		BusinessID:    "biz-1",
		InvoiceNumber: "INV-0042",
		CustomerName:  "Amina",
		CustomerPhone: "+2348012345678",
		Currency:      "NGN",
		TotalAmount:   150000,
		Status:        types.InvoiceStatusSent,
		DueDate:       &due,
	}
}

// --- Payment reminders ---

func TestHandleSendsPaymentReminder(t *testing.T) {
	job := paymentJob(types.StageSameDay)
	f := newFixture(job)
	f.invoices.invoice = sentInvoice()

	err := f.worker.Handle(context.Background(), taskFor(job, 1))
	require.NoError(t, err)

	calls := f.sender.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "+2348012345678", calls[0].To)
	assert.Contains(t, calls[0].Body, "INV-0042")
	assert.Contains(t, calls[0].Body, "due today")
	assert.Equal(t, "job-1", calls[0].ClientRef)

	assert.Equal(t, []string{"job-1"}, f.jobs.markSentCalls)
	assert.Equal(t, types.JobStatusSent, f.jobs.jobs["job-1"].Status)

	require.Len(t, f.msgLog.entries, 1)
	assert.Equal(t, types.MessageLogSent, f.msgLog.entries[0].Status)
	assert.Equal(t, "stub-1", f.msgLog.entries[0].ProviderMsgID)
}

func TestHandleRendersStageFromCurrentVariant(t *testing.T) {
	job := paymentJob(types.StageDay7)
	f := newFixture(job)
	inv := sentInvoice()
	inv.Status = types.InvoiceStatusOverdue
	f.invoices.invoice = inv

	require.NoError(t, f.worker.Handle(context.Background(), taskFor(job, 1)))

	calls := f.sender.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Body, "Final reminder")
	assert.Contains(t, calls[0].Body, "7 days overdue")
}

func TestHandleDayOneReminderMarksInvoiceOverdue(t *testing.T) {
	// The sweep has not run yet: the invoice is still "sent" when the
	// pre-scheduled day-1 stage fires. Delivery performs the sent -> overdue
	// transition itself.
	job := paymentJob(types.StageDay1)
	f := newFixture(job)
	f.invoices.invoice = sentInvoice()

	require.NoError(t, f.worker.Handle(context.Background(), taskFor(job, 1)))

	require.Len(t, f.sender.Calls(), 1)
	assert.Equal(t, []types.InvoiceStatus{types.InvoiceStatusOverdue}, f.invoices.statusUpdates)
	assert.Equal(t, types.InvoiceStatusOverdue, f.invoices.invoice.Status)
	assert.Equal(t, []string{"job-1"}, f.jobs.markSentCalls)
}

func TestHandleSameDayReminderLeavesInvoiceStatus(t *testing.T) {
	job := paymentJob(types.StageSameDay)
	f := newFixture(job)
	f.invoices.invoice = sentInvoice()

	require.NoError(t, f.worker.Handle(context.Background(), taskFor(job, 1)))

	require.Len(t, f.sender.Calls(), 1)
	assert.Empty(t, f.invoices.statusUpdates)
}

func TestHandleSkipsWritebackWhenAlreadyOverdue(t *testing.T) {
	job := paymentJob(types.StageDay7)
	f := newFixture(job)
	inv := sentInvoice()
	inv.Status = types.InvoiceStatusOverdue
	f.invoices.invoice = inv

	require.NoError(t, f.worker.Handle(context.Background(), taskFor(job, 1)))
	assert.Empty(t, f.invoices.statusUpdates)
}

func TestHandleRedeliveryOfSettledJobIsNoop(t *testing.T) {
	// At-least-once delivery: a crash after send but before ack causes
	// redelivery. The settled job status absorbs it without a second send.
	job := paymentJob(types.StageSameDay)
	job.Status = types.JobStatusSent
	f := newFixture(job)
	f.invoices.invoice = sentInvoice()

	err := f.worker.Handle(context.Background(), taskFor(job, 2))
	require.NoError(t, err)

	assert.Empty(t, f.sender.Calls())
	assert.Empty(t, f.jobs.markSentCalls)
}

func TestHandleCancelsWhenInvoicePaid(t *testing.T) {
	job := paymentJob(types.StageDay1)
	f := newFixture(job)
	inv := sentInvoice()
	inv.Status = types.InvoiceStatusPaid
	f.invoices.invoice = inv

	err := f.worker.Handle(context.Background(), taskFor(job, 1))
	require.NoError(t, err)

	assert.Empty(t, f.sender.Calls())
	assert.Equal(t, []string{"job-1"}, f.jobs.markCancelledCalls)
	assert.Equal(t, types.JobStatusCancelled, f.jobs.jobs["job-1"].Status)
}

func TestHandleCancelsWhenEntityMissing(t *testing.T) {
	job := paymentJob(types.StageSameDay)
	f := newFixture(job)
	// No invoice configured: the entity is gone.

	err := f.worker.Handle(context.Background(), taskFor(job, 1))
	require.NoError(t, err)

	assert.Empty(t, f.sender.Calls())
	assert.Equal(t, []string{"job-1"}, f.jobs.markCancelledCalls)
}

func TestHandleDropsTaskForMissingJob(t *testing.T) {
	f := newFixture() // no jobs at all
	job := paymentJob(types.StageSameDay)

	err := f.worker.Handle(context.Background(), taskFor(job, 1))
	require.NoError(t, err)
	assert.Empty(t, f.sender.Calls())
}

// --- Send failures ---

func TestHandlePropagatesTransientSendFailure(t *testing.T) {
	job := paymentJob(types.StageDay1)
	f := newFixture(job)
	f.invoices.invoice = sentInvoice()
	f.sender.Err = types.NewAppError(types.ErrCodeUpstreamTransient, "provider 503", nil)

	err := f.worker.Handle(context.Background(), taskFor(job, 1))
	require.Error(t, err)
	assert.True(t, types.IsTransientUpstream(err))

	// Job stays pending for the broker retry; nothing marked, and the
	// overdue writeback waits for a send that actually goes out.
	assert.Equal(t, types.JobStatusPending, f.jobs.jobs["job-1"].Status)
	assert.Empty(t, f.jobs.markFailedCalls)
	assert.Empty(t, f.invoices.statusUpdates)
}

func TestHandleMarksJobFailedOnPermanentSendFailure(t *testing.T) {
	job := paymentJob(types.StageSameDay)
	f := newFixture(job)
	f.invoices.invoice = sentInvoice()
	f.sender.Err = types.NewAppError(types.ErrCodeUpstreamPermanent, "invalid recipient", nil)

	err := f.worker.Handle(context.Background(), taskFor(job, 1))
	require.NoError(t, err) // acked: retrying cannot help

	assert.Equal(t, types.JobStatusFailed, f.jobs.jobs["job-1"].Status)
	assert.Contains(t, f.jobs.markFailedCalls["job-1"], "invalid recipient")

	require.Len(t, f.msgLog.entries, 1)
	assert.Equal(t, types.MessageLogFailed, f.msgLog.entries[0].Status)
}

func TestOnDeadLetterMarksJobFailed(t *testing.T) {
	job := paymentJob(types.StageSameDay)
	f := newFixture(job)

	f.worker.OnDeadLetter(context.Background(), taskFor(job, 3), "provider 503")

	assert.Equal(t, types.JobStatusFailed, f.jobs.jobs["job-1"].Status)
	assert.Equal(t, "provider 503", f.jobs.markFailedCalls["job-1"])
}

// --- Booking reminders ---

func TestHandleSendsBookingReminder(t *testing.T) {
	job := &types.ScheduledJob{
		ID:             "job-2",
		BusinessID:     "biz-1",
		JobType:        types.JobTypeBookingReminder,
		TargetEntityID: "book-1",
		Variant:        types.VariantDefault,
		Status:         types.JobStatusPending,
	}
	f := newFixture(job)
	f.bookings.booking = &types.Booking{
		ID:            "book-1",
		BusinessID:    "biz-1",
		CustomerName:  "Tunde",
		CustomerPhone: "+2347011112222",
		ServiceName:   "Haircut",
		BookingDate:   time.Date(2026, 1, 11, 14, 0, 0, 0, time.UTC),
		Status:        types.BookingStatusConfirmed,
	}

	require.NoError(t, f.worker.Handle(context.Background(), taskFor(job, 1)))

	calls := f.sender.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "+2347011112222", calls[0].To)
	assert.Contains(t, calls[0].Body, "Haircut")
	assert.Contains(t, calls[0].Body, "January 11, 2026")
}

func TestHandleCancelsBookingReminderWhenCancelled(t *testing.T) {
	job := &types.ScheduledJob{
		ID:             "job-2",
		BusinessID:     "biz-1",
		JobType:        types.JobTypeBookingReminder,
		TargetEntityID: "book-1",
		Variant:        types.VariantDefault,
		Status:         types.JobStatusPending,
	}
	f := newFixture(job)
	f.bookings.booking = &types.Booking{
		ID:     "book-1",
		Status: types.BookingStatusCancelled,
	}

	require.NoError(t, f.worker.Handle(context.Background(), taskFor(job, 1)))

	assert.Empty(t, f.sender.Calls())
	assert.Equal(t, []string{"job-2"}, f.jobs.markCancelledCalls)
}

// --- Follow-ups ---

func TestHandleSendsFollowUpFromJobMessage(t *testing.T) {
	job := &types.ScheduledJob{
		ID:             "job-3",
		BusinessID:     "biz-1",
		JobType:        types.JobTypeFollowUp,
		TargetEntityID: "lead-1",
		Variant:        "step_1",
		Status:         types.JobStatusPending,
		Message:        "Hi! Still interested in a demo?",
	}
	f := newFixture(job)
	f.leads.lead = &types.Lead{
		ID:         "lead-1",
		BusinessID: "biz-1",
		Name:       "Ngozi",
		Phone:      "+2348033334444",
		Status:     types.LeadStatusContacted,
	}

	require.NoError(t, f.worker.Handle(context.Background(), taskFor(job, 1)))

	calls := f.sender.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Hi! Still interested in a demo?", calls[0].Body)
}

func TestHandleCancelsFollowUpForClosedLead(t *testing.T) {
	for _, status := range []types.LeadStatus{
		types.LeadStatusConverted,
		types.LeadStatusLost,
		types.LeadStatusUnsubscribed,
	} {
		t.Run(string(status), func(t *testing.T) {
			job := &types.ScheduledJob{
				ID:             "job-3",
				BusinessID:     "biz-1",
				JobType:        types.JobTypeFollowUp,
				TargetEntityID: "lead-1",
				Variant:        "step_1",
				Status:         types.JobStatusPending,
				Message:        "Hello again",
			}
			f := newFixture(job)
			f.leads.lead = &types.Lead{ID: "lead-1", Status: status}

			require.NoError(t, f.worker.Handle(context.Background(), taskFor(job, 1)))
			assert.Empty(t, f.sender.Calls())
			assert.Equal(t, []string{"job-3"}, f.jobs.markCancelledCalls)
		})
	}
}
