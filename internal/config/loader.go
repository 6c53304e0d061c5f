// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs in delay computation.
//  2. Load a .env file via godotenv (non-fatal if absent).
//  3. Use envconfig to process struct tags and populate the Config struct.
//  4. Validate the struct using go-playground/validator.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// LoadConfig loads and validates the process configuration. It fails fast:
// any missing required value or invalid format returns an error and the
// caller is expected to exit.
func LoadConfig() (*Config, error) {
	// All delay arithmetic (fire times, daysOverdue) assumes UTC.
	os.Setenv("TZ", "UTC")
	time.Local = time.UTC

	// A .env file is a local development convenience only.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to process environment: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate applies struct-tag validation plus the cross-field rules that
// tags cannot express.
func validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}

	// Provider credentials are conditionally required.
	switch cfg.Messaging.Provider {
	case "whatsapp":
		if cfg.Messaging.WhatsAppPhoneNumberID == "" || cfg.Messaging.WhatsAppAccessToken.Unmask() == "" {
			return fmt.Errorf("config: WHATSAPP_PHONE_NUMBER_ID and WHATSAPP_ACCESS_TOKEN are required when MESSAGING_PROVIDER=whatsapp")
		}
	case "twilio":
		if cfg.Messaging.TwilioAccountSID == "" || cfg.Messaging.TwilioAuthToken.Unmask() == "" || cfg.Messaging.TwilioFromNumber == "" {
			return fmt.Errorf("config: TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER are required when MESSAGING_PROVIDER=twilio")
		}
	}

	if cfg.Scheduler.BackoffMultiplier < 1 {
		return fmt.Errorf("config: JOB_BACKOFF_MULTIPLIER must be >= 1, got %v", cfg.Scheduler.BackoffMultiplier)
	}

	return nil
}
