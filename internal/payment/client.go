// Package payment is the client for the subscription provider: checkout
// sessions, webhook verification, and the usage-meter bridge. The provider
// charges the customer; we only create sessions and react to its events.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	sandboxBaseURL    = "https://sandbox-api.polar.sh"
	productionBaseURL = "https://api.polar.sh"

	// MeterName is the usage counter events are ingested against.
	MeterName = "ai_usage"
)

// Checkout is a checkout session at the payment provider.
type Checkout struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Status     string            `json:"status"` // open | succeeded | expired
	CustomerID string            `json:"customer_id"`
	Metadata   map[string]string `json:"metadata"`
}

// Open reports whether the session can still be paid.
func (c *Checkout) Open() bool { return c != nil && c.Status == "open" }

type Meter struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Client is an authenticated payment-provider REST client.
type Client struct {
	baseURL     string
	accessToken string
	http        *http.Client
}

// NewClient selects the sandbox or production server. An explicit http base
// URL (tests) wins over the server name.
func NewClient(server, accessToken string) *Client {
	baseURL := sandboxBaseURL
	if server == "production" {
		baseURL = productionBaseURL
	}
	return NewClientWithBaseURL(baseURL, accessToken)
}

func NewClientWithBaseURL(baseURL, accessToken string) *Client {
	return &Client{
		baseURL:     baseURL,
		accessToken: accessToken,
		http:        &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

// CreateCheckoutInput binds a new session to a deployment via metadata, so
// the completed-checkout webhook can find its way back.
type CreateCheckoutInput struct {
	ProductID     string
	CustomerEmail string
	DeploymentID  string
	SuccessURL    string
}

func (c *Client) CreateCheckout(ctx context.Context, in CreateCheckoutInput) (*Checkout, error) {
	body := map[string]any{
		"product_id":     in.ProductID,
		"customer_email": in.CustomerEmail,
		"success_url":    in.SuccessURL,
		"metadata":       map[string]string{"deploymentId": in.DeploymentID},
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/checkouts", body)
	if err != nil {
		return nil, fmt.Errorf("payment createCheckout: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("payment createCheckout: status %d", resp.StatusCode)
	}
	var out Checkout
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("payment createCheckout: decode: %w", err)
	}
	if out.ID == "" || out.URL == "" {
		return nil, fmt.Errorf("payment createCheckout: response missing id or url")
	}
	return &out, nil
}

// GetCheckout returns nil, nil for an unknown session.
func (c *Client) GetCheckout(ctx context.Context, id string) (*Checkout, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/checkouts/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("payment getCheckout %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("payment getCheckout %s: status %d", id, resp.StatusCode)
	}
	var out Checkout
	return &out, json.NewDecoder(resp.Body).Decode(&out)
}

// ListMeters returns the usage meters visible for a customer.
func (c *Client) ListMeters(ctx context.Context, customerID string) ([]Meter, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/meters?customer_id="+customerID, nil)
	if err != nil {
		return nil, fmt.Errorf("payment listMeters: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("payment listMeters: status %d", resp.StatusCode)
	}
	var out struct {
		Items []Meter `json:"items"`
	}
	return out.Items, json.NewDecoder(resp.Body).Decode(&out)
}

// IngestEvent submits one usage event.
func (c *Client) IngestEvent(ctx context.Context, customerID, name string, amount float64) error {
	body := map[string]any{
		"events": []map[string]any{{
			"name":        name,
			"customer_id": customerID,
			"metadata":    map[string]any{"amount": amount},
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
		}},
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/events/ingest", body)
	if err != nil {
		return fmt.Errorf("payment ingestEvent: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("payment ingestEvent: status %d", resp.StatusCode)
	}
	return nil
}
