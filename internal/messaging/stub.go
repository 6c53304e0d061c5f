package messaging

import (
	"context"
	"fmt"
	"sync"

	"bizflow/internal/types"
)

// StubSender logs messages instead of delivering them and records every call.
// It backs local development (provider "stub") and worker tests.
type StubSender struct {
	logger types.Logger

	mu    sync.Mutex
	calls []StubCall
	// Err, when set, is returned by every SendText.
	Err error
}

// StubCall records one SendText invocation.
type StubCall struct {
	To        string
	Body      string
	ClientRef string
}

// NewStubSender creates a StubSender.
func NewStubSender(logger types.Logger) *StubSender {
	return &StubSender{logger: logger}
}

// SendText implements Sender.
func (s *StubSender) SendText(_ context.Context, to string, body string, clientRef string) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, StubCall{To: to, Body: body, ClientRef: clientRef})
	n := len(s.calls)
	err := s.Err
	s.mu.Unlock()

	if err != nil {
		return "", err
	}

	s.logger.Info("stub send", "to", to, "body", body, "client_ref", clientRef)
	return fmt.Sprintf("stub-%d", n), nil
}

// Calls returns a copy of the recorded calls.
func (s *StubSender) Calls() []StubCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StubCall, len(s.calls))
	copy(out, s.calls)
	return out
}
