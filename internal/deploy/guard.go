package deploy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/openclaw/deployer/internal/payment"
	"github.com/openclaw/deployer/internal/store"
)

// CheckoutStore is the slice of the store the guard writes through.
type CheckoutStore interface {
	FindPendingDuplicate(ctx context.Context, userID, model, channel, channelToken string) (*store.Deployment, error)
	CreateDeployment(ctx context.Context, in store.CreateDeploymentInput) (*store.Deployment, error)
	SetCheckoutSession(ctx context.Context, deploymentID, sessionID string) error
}

// CheckoutSessions is what the guard needs from the payment provider.
type CheckoutSessions interface {
	CreateCheckout(ctx context.Context, in payment.CreateCheckoutInput) (*payment.Checkout, error)
	GetCheckout(ctx context.Context, id string) (*payment.Checkout, error)
}

// CheckoutGuard keeps at most one in-flight pending payment per
// (user, model, channel, token) tuple. A repeated checkout request while the
// first session is still open gets the same session URL back instead of a
// second deployment row. The provider's session state is authoritative: a
// stale pending row with an expired session does not block a fresh checkout.
type CheckoutGuard struct {
	store    CheckoutStore
	payments CheckoutSessions

	productID  string
	successURL string
	llmAPIKey  string

	log *zap.Logger
}

func NewCheckoutGuard(s CheckoutStore, p CheckoutSessions, productID, successURL, llmAPIKey string, log *zap.Logger) *CheckoutGuard {
	return &CheckoutGuard{
		store:      s,
		payments:   p,
		productID:  productID,
		successURL: successURL,
		llmAPIKey:  llmAPIKey,
		log:        log,
	}
}

type CheckoutRequest struct {
	Model        string
	Channel      string
	ChannelToken string
	ChannelLink  string
}

type CheckoutResult struct {
	SessionURL   string
	DeploymentID string
	Reused       bool
}

// CreateOrReuse resolves the duplicate guard and returns a payable session.
func (g *CheckoutGuard) CreateOrReuse(ctx context.Context, user *store.User, req CheckoutRequest) (*CheckoutResult, error) {
	dup, err := g.store.FindPendingDuplicate(ctx, user.ID, req.Model, req.Channel, req.ChannelToken)
	if err != nil {
		return nil, fmt.Errorf("duplicate lookup: %w", err)
	}
	if dup != nil && dup.CheckoutSessionID != nil {
		co, err := g.payments.GetCheckout(ctx, *dup.CheckoutSessionID)
		if err != nil {
			g.log.Warn("checkout session lookup failed, treating as stale",
				zap.String("deployment", dup.ID), zap.Error(err))
		}
		if co.Open() {
			g.log.Info("reusing open checkout session",
				zap.String("deployment", dup.ID), zap.String("session", co.ID))
			return &CheckoutResult{SessionURL: co.URL, DeploymentID: dup.ID, Reused: true}, nil
		}
	}

	d, err := g.store.CreateDeployment(ctx, store.CreateDeploymentInput{
		UserID:       user.ID,
		Model:        req.Model,
		Channel:      req.Channel,
		ChannelToken: req.ChannelToken,
		LLMAPIKey:    g.llmAPIKey,
		ChannelLink:  req.ChannelLink,
	})
	if err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}

	co, err := g.payments.CreateCheckout(ctx, payment.CreateCheckoutInput{
		ProductID:     g.productID,
		CustomerEmail: user.Email,
		DeploymentID:  d.ID,
		SuccessURL:    g.successURL,
	})
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	if err := g.store.SetCheckoutSession(ctx, d.ID, co.ID); err != nil {
		return nil, fmt.Errorf("bind checkout session: %w", err)
	}
	return &CheckoutResult{SessionURL: co.URL, DeploymentID: d.ID}, nil
}
