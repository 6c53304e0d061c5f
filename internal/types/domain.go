package types

import "time"

// InvoiceStatus is the lifecycle state of an invoice. Owned by the invoicing
// subsystem; the scheduler core reads it for precondition checks and writes
// only the sent -> overdue transition.
type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "draft"
	InvoiceStatusSent      InvoiceStatus = "sent"
	InvoiceStatusOverdue   InvoiceStatus = "overdue"
	InvoiceStatusPaid      InvoiceStatus = "paid"
	InvoiceStatusCancelled InvoiceStatus = "cancelled"
)

// Invoice is the subset of the invoice row the scheduler core reads.
type Invoice struct {
	ID            string        `json:"id"`
	BusinessID    string        `json:"business_id"`
	InvoiceNumber string        `json:"invoice_number"`
	CustomerName  string        `json:"customer_name"`
	CustomerPhone string        `json:"customer_phone"`
	Currency      string        `json:"currency"`
	TotalAmount   float64       `json:"total_amount"`
	Status        InvoiceStatus `json:"status"`
	DueDate       *time.Time    `json:"due_date,omitempty"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`
}

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCancelled BookingStatus = "cancelled"
	BookingStatusCompleted BookingStatus = "completed"
	BookingStatusNoShow    BookingStatus = "no_show"
)

// Booking is the subset of the booking row the scheduler core reads.
type Booking struct {
	ID            string        `json:"id"`
	BusinessID    string        `json:"business_id"`
	CustomerName  string        `json:"customer_name"`
	CustomerPhone string        `json:"customer_phone"`
	ServiceName   string        `json:"service_name"`
	BookingDate   time.Time     `json:"booking_date"`
	Status        BookingStatus `json:"status"`
}

// LeadStatus is the pipeline state of a CRM lead.
type LeadStatus string

const (
	LeadStatusNew          LeadStatus = "new"
	LeadStatusContacted    LeadStatus = "contacted"
	LeadStatusQualified    LeadStatus = "qualified"
	LeadStatusConverted    LeadStatus = "converted"
	LeadStatusLost         LeadStatus = "lost"
	LeadStatusUnsubscribed LeadStatus = "unsubscribed"
)

// Lead is the subset of the lead row the scheduler core reads.
type Lead struct {
	ID         string     `json:"id"`
	BusinessID string     `json:"business_id"`
	Name       string     `json:"name"`
	Phone      string     `json:"phone"`
	Status     LeadStatus `json:"status"`
}

// MessageDirection distinguishes inbound from outbound entries in the
// message log.
type MessageDirection string

const (
	DirectionOutbound MessageDirection = "outbound"
	DirectionInbound  MessageDirection = "inbound"
)

// MessageLogStatus records the outcome of a logged message.
type MessageLogStatus string

const (
	MessageLogSent   MessageLogStatus = "sent"
	MessageLogFailed MessageLogStatus = "failed"
)

// MessageLogEntry is one row in the append-only outbound message log. Workers
// write an entry for every send attempt outcome before updating the job record.
type MessageLogEntry struct {
	ID             string           `json:"id"`
	BusinessID     string           `json:"business_id"`
	Direction      MessageDirection `json:"direction"`
	JobType        JobType          `json:"job_type"`
	TargetEntityID string           `json:"target_entity_id"`
	Recipient      string           `json:"recipient"`
	Content        string           `json:"content"`
	Status         MessageLogStatus `json:"status"`
	ProviderMsgID  string           `json:"provider_message_id,omitempty"`
	FailureReason  string           `json:"failure_reason,omitempty"`
	SentAt         *time.Time       `json:"sent_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}
