package db

import (
	"context"
	"time"

	"bizflow/internal/types"
)

// Entity repositories give the scheduler core read access to the target
// entities owned by other subsystems (invoicing, booking, CRM), plus the one
// writeback this subsystem performs (invoice sent -> overdue). Workers load
// entities fresh at delivery time, so these reads are the re-check-before-send
// source of truth.

// InvoiceRepository reads invoices and performs the overdue status writeback.
//
// Columns referenced: id, business_id, invoice_number, customer_name,
// customer_phone, currency, total_amount, status, due_date, paid_at.
type InvoiceRepository struct {
	db DBTX
}

// NewInvoiceRepository creates an InvoiceRepository.
func NewInvoiceRepository(db DBTX) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

// GetInvoice retrieves the current invoice row.
func (r *InvoiceRepository) GetInvoice(ctx context.Context, id string) (*types.Invoice, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, business_id, invoice_number, customer_name, customer_phone,
		        currency, total_amount, status, due_date, paid_at
		 FROM invoices WHERE id = $1`,
		id,
	)

	var inv types.Invoice
	var status string
	err := row.Scan(&inv.ID, &inv.BusinessID, &inv.InvoiceNumber, &inv.CustomerName,
		&inv.CustomerPhone, &inv.Currency, &inv.TotalAmount, &status, &inv.DueDate, &inv.PaidAt)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundInvoice, "invoice not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get invoice", err)
	}
	inv.Status = types.InvoiceStatus(status)
	return &inv, nil
}

// UpdateInvoiceStatus sets the invoice status. Used by the overdue sweep and
// the past-due delivery path for the sent -> overdue transition only.
func (r *InvoiceRepository) UpdateInvoiceStatus(ctx context.Context, id string, status types.InvoiceStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE invoices SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(status), id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update invoice status", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundInvoice, "invoice not found", nil)
	}
	return nil
}

// ListRemindable returns invoices eligible for overdue reminder sweeping:
// status sent or overdue with a due date set.
func (r *InvoiceRepository) ListRemindable(ctx context.Context) ([]*types.Invoice, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, business_id, invoice_number, customer_name, customer_phone,
		        currency, total_amount, status, due_date, paid_at
		 FROM invoices
		 WHERE status IN ('sent', 'overdue') AND due_date IS NOT NULL
		 ORDER BY due_date`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list remindable invoices", err)
	}
	defer rows.Close()

	var invoices []*types.Invoice
	for rows.Next() {
		var inv types.Invoice
		var status string
		if err := rows.Scan(&inv.ID, &inv.BusinessID, &inv.InvoiceNumber, &inv.CustomerName,
			&inv.CustomerPhone, &inv.Currency, &inv.TotalAmount, &status, &inv.DueDate, &inv.PaidAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan invoice row", err)
		}
		inv.Status = types.InvoiceStatus(status)
		invoices = append(invoices, &inv)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating invoices", err)
	}
	return invoices, nil
}

// BookingRepository reads bookings for reminder scheduling and delivery-time
// precondition checks.
type BookingRepository struct {
	db DBTX
}

// NewBookingRepository creates a BookingRepository.
func NewBookingRepository(db DBTX) *BookingRepository {
	return &BookingRepository{db: db}
}

// GetBooking retrieves the current booking row.
func (r *BookingRepository) GetBooking(ctx context.Context, id string) (*types.Booking, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, business_id, customer_name, customer_phone, service_name,
		        booking_date, status
		 FROM bookings WHERE id = $1`,
		id,
	)

	var b types.Booking
	var status string
	err := row.Scan(&b.ID, &b.BusinessID, &b.CustomerName, &b.CustomerPhone,
		&b.ServiceName, &b.BookingDate, &status)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundBooking, "booking not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get booking", err)
	}
	b.Status = types.BookingStatus(status)
	return &b, nil
}

// ListBetween returns bookings whose booking_date falls in [from, to) with
// status pending or confirmed. The upcoming-booking sweep calls this with
// tomorrow's 24-hour window.
func (r *BookingRepository) ListBetween(ctx context.Context, from, to time.Time) ([]*types.Booking, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, business_id, customer_name, customer_phone, service_name,
		        booking_date, status
		 FROM bookings
		 WHERE booking_date >= $1 AND booking_date < $2
		   AND status IN ('pending', 'confirmed')
		 ORDER BY booking_date`,
		from, to,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list bookings", err)
	}
	defer rows.Close()

	var bookings []*types.Booking
	for rows.Next() {
		var b types.Booking
		var status string
		if err := rows.Scan(&b.ID, &b.BusinessID, &b.CustomerName, &b.CustomerPhone,
			&b.ServiceName, &b.BookingDate, &status); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan booking row", err)
		}
		b.Status = types.BookingStatus(status)
		bookings = append(bookings, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating bookings", err)
	}
	return bookings, nil
}

// LeadRepository reads leads for follow-up precondition checks.
type LeadRepository struct {
	db DBTX
}

// NewLeadRepository creates a LeadRepository.
func NewLeadRepository(db DBTX) *LeadRepository {
	return &LeadRepository{db: db}
}

// GetLead retrieves the current lead row.
func (r *LeadRepository) GetLead(ctx context.Context, id string) (*types.Lead, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, business_id, name, phone, status FROM leads WHERE id = $1`,
		id,
	)

	var l types.Lead
	var status string
	err := row.Scan(&l.ID, &l.BusinessID, &l.Name, &l.Phone, &status)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundLead, "lead not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get lead", err)
	}
	l.Status = types.LeadStatus(status)
	return &l, nil
}
