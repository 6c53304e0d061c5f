package worker

import (
	"fmt"

	"bizflow/internal/types"
)

// Message rendering happens at delivery time from freshly loaded entity
// state, never from state captured when the job was scheduled.

func renderPaymentReminder(inv *types.Invoice, variant string) string {
	amount := fmt.Sprintf("%s %.2f", inv.Currency, inv.TotalAmount)

	switch variant {
	case types.StageDay1:
		return fmt.Sprintf(
			"Hi %s,\n\nYour invoice #%s is now 1 day overdue. Please make payment at your earliest convenience.\n\nAmount: %s",
			inv.CustomerName, inv.InvoiceNumber, amount)
	case types.StageDay7:
		return fmt.Sprintf(
			"Hi %s,\n\nFinal reminder: Your invoice #%s is 7 days overdue.\n\nAmount: %s\n\nPlease contact us if you have any questions.",
			inv.CustomerName, inv.InvoiceNumber, amount)
	default:
		return fmt.Sprintf(
			"Hi %s,\n\nReminder: Your invoice #%s for %s is due today.\n\nThank you!",
			inv.CustomerName, inv.InvoiceNumber, amount)
	}
}

func renderBookingReminder(b *types.Booking) string {
	return fmt.Sprintf(
		"Hi %s,\n\nThis is a reminder for your upcoming appointment:\n\nService: %s\nDate: %s\n\nLooking forward to seeing you!",
		b.CustomerName, b.ServiceName, b.BookingDate.UTC().Format("January 2, 2006 at 15:04"))
}
