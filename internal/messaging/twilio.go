package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"bizflow/internal/config"
	"bizflow/internal/types"
)

// TwilioSender delivers text messages over WhatsApp through the Twilio
// Messaging API. Used by tenants whose WhatsApp numbers are provisioned via
// Twilio instead of Meta directly.
type TwilioSender struct {
	client *twilio.RestClient
	from   string
	logger types.Logger
}

// NewTwilioSender creates a TwilioSender from config.
func NewTwilioSender(cfg config.MessagingConfig, logger types.Logger) *TwilioSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.TwilioAccountSID,
		Password: cfg.TwilioAuthToken.Unmask(),
	})
	return &TwilioSender{
		client: client,
		from:   cfg.TwilioFromNumber,
		logger: logger,
	}
}

// SendText implements Sender. Twilio addresses WhatsApp recipients with a
// "whatsapp:" prefix on the E.164 number.
func (s *TwilioSender) SendText(ctx context.Context, to string, body string, clientRef string) (string, error) {
	params := &twilioapi.CreateMessageParams{}
	params.SetTo("whatsapp:" + to)
	params.SetFrom("whatsapp:" + s.from)
	params.SetBody(body)

	msg, err := s.client.Api.CreateMessage(params)
	if err != nil {
		return "", classifyTwilioError(err)
	}

	var msgID string
	if msg.Sid != nil {
		msgID = *msg.Sid
	}

	s.logger.Debug("twilio message sent", "to", to, "provider_message_id", msgID, "client_ref", clientRef)
	return msgID, nil
}

// classifyTwilioError maps a Twilio API failure into the upstream error
// taxonomy. Rate limits and server-side failures are transient; everything
// else from the API (invalid number, auth failure) is permanent.
func classifyTwilioError(err error) error {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		switch {
		case restErr.Status == http.StatusTooManyRequests:
			return types.NewAppError(types.ErrCodeUpstreamRateLimited, "twilio rate limit exceeded", err)
		case restErr.Status >= 500:
			return types.NewAppError(types.ErrCodeUpstreamTransient,
				fmt.Sprintf("twilio returned %d", restErr.Status), err)
		default:
			return types.NewAppError(types.ErrCodeUpstreamPermanent,
				fmt.Sprintf("twilio rejected message: %s (code %d)", restErr.Message, restErr.Code), err)
		}
	}
	// Network-level failure before an API response.
	return types.NewAppError(types.ErrCodeUpstreamTransient, "twilio request failed", err)
}
