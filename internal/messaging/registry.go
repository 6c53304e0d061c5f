package messaging

import (
	"fmt"

	"bizflow/internal/config"
	"bizflow/internal/types"
)

// NewSender selects and constructs the configured provider. Credential
// presence is validated by the config loader; this only dispatches.
func NewSender(cfg config.MessagingConfig, logger types.Logger) (Sender, error) {
	switch cfg.Provider {
	case "whatsapp":
		return NewWhatsAppSender(cfg, "", logger.With("provider", "whatsapp")), nil
	case "twilio":
		return NewTwilioSender(cfg, logger.With("provider", "twilio")), nil
	case "stub":
		return NewStubSender(logger.With("provider", "stub")), nil
	default:
		return nil, fmt.Errorf("messaging: unknown provider %q", cfg.Provider)
	}
}

var (
	_ Sender = (*WhatsAppSender)(nil)
	_ Sender = (*TwilioSender)(nil)
	_ Sender = (*StubSender)(nil)
)
