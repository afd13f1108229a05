package api

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/openclaw/deployer/internal/deploy"
	"github.com/openclaw/deployer/internal/payment"
	"github.com/openclaw/deployer/internal/store"
	"github.com/openclaw/deployer/internal/telegram"
)

// Repository is the slice of the store the ingress needs.
type Repository interface {
	UpsertUser(ctx context.Context, externalAuthID, email string) (*store.User, error)
	FindUser(ctx context.Context, id string) (*store.User, error)
	FindDeployment(ctx context.Context, id string) (*store.Deployment, error)
	FindDeploymentByInternalKey(ctx context.Context, key string) (*store.Deployment, error)
	SetBillingCustomer(ctx context.Context, userID, customerID string) error
}

// Guard is satisfied by deploy.CheckoutGuard.
type Guard interface {
	CreateOrReuse(ctx context.Context, user *store.User, req deploy.CheckoutRequest) (*deploy.CheckoutResult, error)
}

// Starter is satisfied by deploy.Manager.
type Starter interface {
	Begin(ctx context.Context, id, userID string) (bool, error)
}

// BotValidator is satisfied by telegram.Validator.
type BotValidator interface {
	Validate(token string) (*telegram.Bot, error)
}

// Meter is satisfied by payment.MeterBridge.
type Meter interface {
	RecordUsageSafe(ctx context.Context, customerID, event string, amount float64, fallbackToLocal bool) payment.UsageResult
}

// Handler wires up all ingress routes onto a Gin engine.
type Handler struct {
	repo     Repository
	guard    Guard
	starter  Starter
	verifier *payment.WebhookVerifier
	bots     BotValidator
	meter    Meter
	sessions *SessionCodec

	// marketplaceBaseURL is scrubbed from user-visible error strings.
	marketplaceBaseURL string

	log *zap.Logger
}

func NewHandler(repo Repository, guard Guard, starter Starter, verifier *payment.WebhookVerifier,
	bots BotValidator, meter Meter, sessions *SessionCodec, marketplaceBaseURL string, log *zap.Logger) *Handler {
	return &Handler{
		repo:               repo,
		guard:              guard,
		starter:            starter,
		verifier:           verifier,
		bots:               bots,
		meter:              meter,
		sessions:           sessions,
		marketplaceBaseURL: marketplaceBaseURL,
		log:                log,
	}
}

// Register mounts all routes. The rate limiter is applied to checkout only;
// webhooks are authenticated by signature, and status polling is cheap. It
// runs after authentication so admission is keyed by user, not by address.
func (h *Handler) Register(r *gin.Engine, limiter gin.HandlerFunc) {
	r.POST("/checkout", h.Authenticate(), limiter, h.handleCheckout)
	r.POST("/webhook/payment", h.handleWebhook)
	r.GET("/status", h.handleStatus)
	r.POST("/usage", h.handleUsage)
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// ── Checkout ──────────────────────────────────────────────────────────────────

type checkoutRequest struct {
	Model        string `json:"model" binding:"required"`
	Channel      string `json:"channel" binding:"required"`
	ChannelToken string `json:"channelToken" binding:"required"`
	Tier         string `json:"tier"`
}

func (h *Handler) handleCheckout(c *gin.Context) {
	user := c.MustGet("user").(*store.User)

	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model, channel and channelToken are required"})
		return
	}
	if req.Channel != "telegram" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported channel"})
		return
	}

	bot, err := h.bots.Validate(req.ChannelToken)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "the bot token was rejected, check it with BotFather"})
		return
	}

	res, err := h.guard.CreateOrReuse(c.Request.Context(), user, deploy.CheckoutRequest{
		Model:        req.Model,
		Channel:      req.Channel,
		ChannelToken: req.ChannelToken,
		ChannelLink:  bot.Link(),
	})
	if err != nil {
		h.log.Error("checkout failed", zap.String("user", user.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "payment could not be started"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionUrl": res.SessionURL})
}

// ── Payment webhook ───────────────────────────────────────────────────────────

func (h *Handler) handleWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	ev, err := h.verifier.Verify(c.Request.Header, body)
	if err != nil {
		h.log.Warn("webhook rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	if ev.Type == "checkout.completed" {
		h.onCheckoutCompleted(c.Request.Context(), ev.Data)
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handler) onCheckoutCompleted(ctx context.Context, data json.RawMessage) {
	var co payment.CheckoutCompleted
	if err := json.Unmarshal(data, &co); err != nil {
		h.log.Warn("checkout.completed payload unreadable", zap.Error(err))
		return
	}
	deploymentID := co.Metadata["deploymentId"]
	if deploymentID == "" {
		h.log.Warn("checkout.completed without deploymentId", zap.String("session", co.ID))
		return
	}
	d, err := h.repo.FindDeployment(ctx, deploymentID)
	if err != nil {
		h.log.Error("deployment lookup failed", zap.String("deployment", deploymentID), zap.Error(err))
		return
	}
	if d == nil {
		h.log.Warn("checkout.completed for unknown deployment", zap.String("deployment", deploymentID))
		return
	}

	if co.CustomerID != "" {
		if err := h.repo.SetBillingCustomer(ctx, d.UserID, co.CustomerID); err != nil {
			h.log.Warn("billing customer not linked", zap.String("user", d.UserID), zap.Error(err))
		}
	}

	// Begin's pending-only guard makes webhook replays a no-op.
	if _, err := h.starter.Begin(ctx, d.ID, d.UserID); err != nil {
		h.log.Error("deployment start failed", zap.String("deployment", d.ID), zap.Error(err))
	}
}

// ── Status ────────────────────────────────────────────────────────────────────

func (h *Handler) handleStatus(c *gin.Context) {
	id := c.Query("id")
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.Version() != 4 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a valid deployment id"})
		return
	}

	d, err := h.repo.FindDeployment(c.Request.Context(), id)
	if err != nil {
		h.log.Error("status lookup failed", zap.String("deployment", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "an error occurred"})
		return
	}
	if d == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "deployment not found"})
		return
	}

	resp := gin.H{"status": d.Status}
	if d.Channel != "" {
		resp["channel"] = d.Channel
	}
	if d.ChannelLink != nil {
		resp["channelLink"] = *d.ChannelLink
	}
	if d.ProviderURL != nil {
		resp["providerUrl"] = *d.ProviderURL
	}
	if d.MarketplaceDeploymentID != nil {
		resp["marketplaceDeploymentId"] = *d.MarketplaceDeploymentID
	}
	if d.MarketplaceLeaseID != nil {
		resp["marketplaceLeaseId"] = *d.MarketplaceLeaseID
	}
	if d.ErrorMessage != nil {
		resp["errorMessage"] = h.redact(*d.ErrorMessage)
	}
	c.JSON(http.StatusOK, resp)
}

// sensitiveError matches fragments that must never reach a user: key
// material, stack traces, filesystem paths, upstream status codes and call
// sites, infrastructure vocabulary.
var sensitiveError = regexp.MustCompile(`(?i)sk_live|sk_test|api key|stack|status \d+|marketplace \w+:|database|connection pool|query|[a-z]:\\|(^|\s)/[a-z0-9_.-]+/`)

// redact keeps the attempt-counter prefix readable and drops anything that
// looks like a technical detail.
func (h *Handler) redact(msg string) string {
	scrubbed := msg
	if h.marketplaceBaseURL != "" {
		scrubbed = strings.ReplaceAll(scrubbed, h.marketplaceBaseURL, "the marketplace")
	}
	if sensitiveError.MatchString(scrubbed) {
		if i := strings.Index(scrubbed, ":"); i > 0 && strings.Contains(scrubbed[:i], "failed") {
			return scrubbed[:i+1] + " an error occurred"
		}
		return "an error occurred"
	}
	return scrubbed
}

// ── Usage callback ────────────────────────────────────────────────────────────

type usageRequest struct {
	Event           string  `json:"event" binding:"required"`
	Amount          float64 `json:"amount"`
	FallbackToLocal bool    `json:"fallbackToLocal"`
}

// handleUsage is the bot's management-plane callback, authenticated by the
// per-deployment internal API key baked into its manifest.
func (h *Handler) handleUsage(c *gin.Context) {
	key := c.GetHeader("x-internal-api-key")
	if key == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	d, err := h.repo.FindDeploymentByInternalKey(c.Request.Context(), key)
	if err != nil {
		h.log.Error("internal key lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "an error occurred"})
		return
	}
	if d == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}

	var req usageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event is required"})
		return
	}
	if req.Amount <= 0 {
		req.Amount = 1
	}

	user, err := h.repo.FindUser(c.Request.Context(), d.UserID)
	if err != nil || user == nil || user.BillingCustomerID == nil {
		c.JSON(http.StatusOK, payment.UsageResult{Success: false, Recorded: false})
		return
	}
	res := h.meter.RecordUsageSafe(c.Request.Context(), *user.BillingCustomerID,
		req.Event, req.Amount, req.FallbackToLocal)
	c.JSON(http.StatusOK, res)
}
