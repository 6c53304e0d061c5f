// Package messaging provides the outbound message delivery port and its
// provider implementations (Meta WhatsApp Cloud API, Twilio, and a local
// stub). Workers depend only on the Sender interface; provider selection
// happens once at startup.
//
// Every provider classifies failures into the shared upstream error codes:
// transient (network, 5xx, rate limit) errors propagate so the broker can
// retry, permanent (bad recipient, revoked credentials) errors mark the job
// failed with no retry.
package messaging

import "context"

// Sender delivers one text message to a phone number in E.164 format.
// clientRef is the caller's correlation ID (the ScheduledJob ID) and is
// attached to the provider request where the provider supports it. The
// returned ID is the provider's message identifier, recorded in the message
// log for delivery reconciliation.
type Sender interface {
	SendText(ctx context.Context, to string, body string, clientRef string) (providerMsgID string, err error)
}
