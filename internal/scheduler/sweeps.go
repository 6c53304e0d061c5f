package scheduler

import (
	"context"
	"time"

	"bizflow/internal/types"
)

// InvoiceStore is the invoice access the overdue sweep needs, satisfied by
// db.InvoiceRepository.
type InvoiceStore interface {
	ListRemindable(ctx context.Context) ([]*types.Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, id string, status types.InvoiceStatus) error
}

// BookingStore is the booking access the upcoming-booking sweep needs,
// satisfied by db.BookingRepository.
type BookingStore interface {
	ListBetween(ctx context.Context, from, to time.Time) ([]*types.Booking, error)
}

// SweepResult summarizes one sweep run for logging and the ops surface.
type SweepResult struct {
	Examined  int
	Scheduled int
	Errors    int
}

// OverdueInvoiceSweep is the daily catch-up pass over unpaid invoices. It
// exists because reminder stages are only pre-scheduled when the invoice is
// sent; invoices created before this subsystem, or whose stage jobs were
// lost, still get their reminders from here. Stage selection matches on the
// exact day offset (0, 1, 7 days overdue), so an invoice is examined on the
// days that matter and silently passed over in between.
type OverdueInvoiceSweep struct {
	invoices InvoiceStore
	service  *Service
	logger   types.Logger
}

// NewOverdueInvoiceSweep creates an OverdueInvoiceSweep.
func NewOverdueInvoiceSweep(invoices InvoiceStore, service *Service, logger types.Logger) *OverdueInvoiceSweep {
	return &OverdueInvoiceSweep{invoices: invoices, service: service, logger: logger}
}

// Run examines every remindable invoice as of now. For an invoice exactly N
// days past due (N in {0, 1, 7}) it schedules the matching reminder stage for
// immediate delivery; the job store's idempotency tuple makes this a no-op
// when the pre-scheduled stage job already exists. At one day overdue the
// invoice status moves sent -> overdue.
func (s *OverdueInvoiceSweep) Run(ctx context.Context, now time.Time) SweepResult {
	var result SweepResult

	invoices, err := s.invoices.ListRemindable(ctx)
	if err != nil {
		s.logger.Error("overdue sweep: failed to list invoices", "error", err)
		result.Errors++
		return result
	}

	for _, inv := range invoices {
		if inv.DueDate == nil {
			continue
		}
		result.Examined++

		days := daysBetween(*inv.DueDate, now)

		var variant string
		switch days {
		case 0:
			variant = types.StageSameDay
		case 1:
			variant = types.StageDay1
		case 7:
			variant = types.StageDay7
		default:
			continue
		}

		if days == 1 && inv.Status == types.InvoiceStatusSent {
			if err := s.invoices.UpdateInvoiceStatus(ctx, inv.ID, types.InvoiceStatusOverdue); err != nil {
				s.logger.Error("overdue sweep: failed to mark invoice overdue",
					"invoice_id", inv.ID, "error", err)
				result.Errors++
			}
		}

		created, err := s.service.Schedule(ctx, ScheduleRequest{
			BusinessID:     inv.BusinessID,
			JobType:        types.JobTypePaymentReminder,
			TargetEntityID: inv.ID,
			Variant:        variant,
			ScheduledFor:   now,
		})
		if err != nil {
			s.logger.Error("overdue sweep: failed to schedule reminder",
				"invoice_id", inv.ID, "variant", variant, "error", err)
			result.Errors++
			continue
		}
		if created {
			result.Scheduled++
		}
	}

	s.logger.Info("overdue invoice sweep finished",
		"examined", result.Examined,
		"scheduled", result.Scheduled,
		"errors", result.Errors,
	)
	return result
}

// UpcomingBookingSweep schedules reminders for bookings happening tomorrow.
// The catch-up counterpart to event-driven booking reminder scheduling, in
// the same way the overdue sweep backs the invoice sequence.
type UpcomingBookingSweep struct {
	bookings BookingStore
	service  *Service
	logger   types.Logger
}

// NewUpcomingBookingSweep creates an UpcomingBookingSweep.
func NewUpcomingBookingSweep(bookings BookingStore, service *Service, logger types.Logger) *UpcomingBookingSweep {
	return &UpcomingBookingSweep{bookings: bookings, service: service, logger: logger}
}

// Run schedules an immediate reminder for every pending or confirmed booking
// whose date falls within tomorrow's UTC calendar day. Bookings already
// covered by an active reminder job are skipped by the idempotency tuple.
func (s *UpcomingBookingSweep) Run(ctx context.Context, now time.Time) SweepResult {
	var result SweepResult

	from := startOfDay(now.UTC()).AddDate(0, 0, 1)
	to := from.AddDate(0, 0, 1)

	bookings, err := s.bookings.ListBetween(ctx, from, to)
	if err != nil {
		s.logger.Error("booking sweep: failed to list bookings", "error", err)
		result.Errors++
		return result
	}

	for _, b := range bookings {
		result.Examined++

		created, err := s.service.Schedule(ctx, ScheduleRequest{
			BusinessID:     b.BusinessID,
			JobType:        types.JobTypeBookingReminder,
			TargetEntityID: b.ID,
			Variant:        types.VariantDefault,
			ScheduledFor:   now,
		})
		if err != nil {
			s.logger.Error("booking sweep: failed to schedule reminder",
				"booking_id", b.ID, "error", err)
			result.Errors++
			continue
		}
		if created {
			result.Scheduled++
		}
	}

	s.logger.Info("upcoming booking sweep finished",
		"window_from", from.Format(time.RFC3339),
		"examined", result.Examined,
		"scheduled", result.Scheduled,
		"errors", result.Errors,
	)
	return result
}

// daysBetween returns the whole UTC calendar days from `from` to `to`,
// negative when `to` precedes `from`.
func daysBetween(from, to time.Time) int {
	f := startOfDay(from.UTC())
	t := startOfDay(to.UTC())
	return int(t.Sub(f) / (24 * time.Hour))
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
