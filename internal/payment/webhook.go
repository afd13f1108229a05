package payment

import (
	"encoding/json"
	"fmt"
	"net/http"

	standardwebhooks "github.com/standard-webhooks/standard-webhooks/libraries/go"
)

// WebhookEvent is the envelope the provider posts to us.
type WebhookEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// CheckoutCompleted is the payload of a checkout.completed event.
type CheckoutCompleted struct {
	ID         string            `json:"id"`
	Status     string            `json:"status"`
	CustomerID string            `json:"customer_id"`
	Metadata   map[string]string `json:"metadata"`
}

// WebhookVerifier authenticates provider callbacks carrying standard-webhooks
// signatures (webhook-id, webhook-timestamp and webhook-signature headers).
type WebhookVerifier struct {
	wh *standardwebhooks.Webhook
}

// NewWebhookVerifier accepts the secret with or without its whsec_ prefix.
func NewWebhookVerifier(secret string) (*WebhookVerifier, error) {
	wh, err := standardwebhooks.NewWebhook(secret)
	if err != nil {
		return nil, fmt.Errorf("webhook secret: %w", err)
	}
	return &WebhookVerifier{wh: wh}, nil
}

// Verify authenticates the raw body against the request headers and returns
// the decoded event. Any failure means the request must be rejected.
func (v *WebhookVerifier) Verify(header http.Header, body []byte) (*WebhookEvent, error) {
	if err := v.wh.Verify(body, header); err != nil {
		return nil, fmt.Errorf("webhook verification: %w", err)
	}
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("webhook body: %w", err)
	}
	return &ev, nil
}
