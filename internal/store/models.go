package store

import "time"

// Status is the deployment lifecycle state. Transitions only move forward:
// pending → deploying → active | failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDeploying Status = "deploying"
	StatusActive    Status = "active"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition may leave this status.
func (s Status) Terminal() bool {
	return s == StatusActive || s == StatusFailed
}

// User is the paying actor. Created on first authenticated touch; the core
// never destroys it.
type User struct {
	ID                string  `db:"id"`
	ExternalAuthID    *string `db:"external_auth_id"`
	Email             string  `db:"email"`
	BillingCustomerID *string `db:"billing_customer_id"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Deployment is one attempt to put a bot onto the marketplace for a user.
// ChannelToken and LLMAPIKey are encrypted at rest; the struct carries the
// decrypted values.
type Deployment struct {
	ID     string `db:"id"`
	UserID string `db:"user_id"`

	Model        string `db:"model"`
	Channel      string `db:"channel"`
	ChannelToken string `db:"channel_token"`
	LLMAPIKey    string `db:"llm_api_key"`

	Status Status `db:"status"`

	CheckoutSessionID       *string `db:"checkout_session_id"`
	MarketplaceDeploymentID *string `db:"marketplace_deployment_id"`
	MarketplaceLeaseID      *string `db:"marketplace_lease_id"`
	ProviderURL             *string `db:"provider_url"`
	ErrorMessage            *string `db:"error_message"`

	// InternalAPIKey is shared with the container via the manifest so the
	// bot's management plane can authenticate calls back to us.
	InternalAPIKey string  `db:"internal_api_key"`
	ChannelLink    *string `db:"channel_link"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// StatusDetails carries the optional fields of a status update; only non-nil
// fields are written.
type StatusDetails struct {
	MarketplaceDeploymentID *string
	MarketplaceLeaseID      *string
	ProviderURL             *string
	ErrorMessage            *string

	// ClearErrorMessage nulls the column; activation uses it so an error
	// from an earlier attempt does not outlive the success.
	ClearErrorMessage bool
}

// BlacklistedProvider is an operator-curated provider to skip during bid
// iteration.
type BlacklistedProvider struct {
	ProviderAddress string    `db:"provider_address"`
	Reason          *string   `db:"reason"`
	CreatedAt       time.Time `db:"created_at"`
}

func ptr[T any](v T) *T { return &v }

// StringPtr is a convenience for building StatusDetails.
func StringPtr(s string) *string { return ptr(s) }
