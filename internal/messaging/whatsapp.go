package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"bizflow/internal/config"
	"bizflow/internal/types"
)

const defaultGraphBaseURL = "https://graph.facebook.com"

// WhatsAppSender delivers text messages through the Meta WhatsApp Cloud API.
type WhatsAppSender struct {
	client        *resilientClient
	baseURL       string
	apiVersion    string
	phoneNumberID string
	accessToken   types.SecretString
	logger        types.Logger
}

// NewWhatsAppSender creates a WhatsAppSender from config. baseURL overrides
// the Graph API host when non-empty (tests point it at a local server).
func NewWhatsAppSender(cfg config.MessagingConfig, baseURL string, logger types.Logger, opts ...clientOption) *WhatsAppSender {
	if baseURL == "" {
		baseURL = defaultGraphBaseURL
	}
	return &WhatsAppSender{
		client:        newResilientClient(&http.Client{}, "whatsapp", DefaultBackoffPolicy(), opts...),
		baseURL:       baseURL,
		apiVersion:    cfg.WhatsAppAPIVersion,
		phoneNumberID: cfg.WhatsAppPhoneNumberID,
		accessToken:   cfg.WhatsAppAccessToken,
		logger:        logger,
	}
}

type waTextPayload struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
	// BizOpaqueCallbackData is echoed back on delivery-status webhooks,
	// tying them to the originating job.
	BizOpaqueCallbackData string `json:"biz_opaque_callback_data,omitempty"`
}

type waSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type waErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendText implements Sender.
func (s *WhatsAppSender) SendText(ctx context.Context, to string, body string, clientRef string) (string, error) {
	payload := waTextPayload{
		MessagingProduct:      "whatsapp",
		RecipientType:         "individual",
		To:                    to,
		Type:                  "text",
		BizOpaqueCallbackData: clientRef,
	}
	payload.Text.Body = body

	data, err := json.Marshal(payload)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamPermanent, "failed to encode message payload", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", s.baseURL, s.apiVersion, s.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamPermanent, "failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken.Unmask())
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// Already classified (transient / rate limited) by the client.
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamTransient, "failed to read provider response", err)
	}

	if resp.StatusCode >= 400 {
		// Remaining 4xx after the client's retry filter: bad recipient,
		// revoked token, malformed template. Not retryable.
		var waErr waErrorResponse
		msg := fmt.Sprintf("whatsapp api returned %d", resp.StatusCode)
		if json.Unmarshal(respBody, &waErr) == nil && waErr.Error.Message != "" {
			msg = fmt.Sprintf("whatsapp api returned %d: %s (code %d)", resp.StatusCode, waErr.Error.Message, waErr.Error.Code)
		}
		return "", types.NewAppError(types.ErrCodeUpstreamPermanent, msg, nil)
	}

	var sendResp waSendResponse
	if err := json.Unmarshal(respBody, &sendResp); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamTransient, "unparseable provider response", err)
	}

	var msgID string
	if len(sendResp.Messages) > 0 {
		msgID = sendResp.Messages[0].ID
	}

	s.logger.Debug("whatsapp message sent", "to", to, "provider_message_id", msgID, "client_ref", clientRef)
	return msgID, nil
}
