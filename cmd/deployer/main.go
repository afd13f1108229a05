package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openclaw/deployer/internal/api"
	"github.com/openclaw/deployer/internal/cache"
	"github.com/openclaw/deployer/internal/config"
	"github.com/openclaw/deployer/internal/deploy"
	"github.com/openclaw/deployer/internal/events"
	"github.com/openclaw/deployer/internal/marketplace"
	"github.com/openclaw/deployer/internal/payment"
	"github.com/openclaw/deployer/internal/secrets"
	"github.com/openclaw/deployer/internal/store"
	"github.com/openclaw/deployer/internal/telegram"
)

const (
	checkoutRateLimit  = 10
	checkoutRateWindow = time.Minute
	reconcileEvery     = 10 * time.Minute
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis (optional: cache, rate limiter, job journal) ───────────────────
	var rdb *redis.Client
	if cfg.Cache.URL != "" {
		opts, err := redis.ParseURL(cfg.Cache.URL)
		if err != nil {
			log.Fatal("invalid CACHE_URL", zap.Error(err))
		}
		if cfg.Cache.Token != "" {
			opts.Password = cfg.Cache.Token
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("redis ping failed", zap.Error(err))
		}
	} else {
		log.Warn("CACHE_URL not set: cache is a no-op, job journal is in-memory")
	}

	// ── Database ──────────────────────────────────────────────────────────────
	key, err := cfg.Deploy.EncryptionKeyBytes()
	if err != nil {
		log.Fatal("encryption key invalid", zap.Error(err))
	}
	cipher, err := secrets.NewCipher(key)
	if err != nil {
		log.Fatal("cipher init failed", zap.Error(err))
	}
	db, err := store.Open(cfg.Database.URL, cipher, log)
	if err != nil {
		log.Fatal("database init failed", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	// ── Collaborators ─────────────────────────────────────────────────────────
	kv := cache.New(rdb, log)
	bus := events.NewBus(log)
	market := marketplace.NewClient(cfg.Marketplace.BaseURL, cfg.Marketplace.APIKey, log)
	payments := payment.NewClient(cfg.Payment.Server, cfg.Payment.AccessToken)
	verifier, err := payment.NewWebhookVerifier(cfg.Payment.WebhookSecret)
	if err != nil {
		log.Fatal("webhook secret invalid", zap.Error(err))
	}
	meter := payment.NewMeterBridge(payments, kv, log)

	state := deploy.NewManager(db, kv, bus, log)
	guard := deploy.NewCheckoutGuard(db, payments, cfg.Payment.ProductID,
		cfg.Payment.SuccessURL, cfg.Deploy.UpstreamLLMKey, log)
	journal := deploy.NewJournal(rdb, log)
	runner := deploy.NewRunner(db, state, market, journal, bus, meter, deploy.RunnerConfig{
		UpstreamLLMKey: cfg.Deploy.UpstreamLLMKey,
		PricingDenom:   cfg.Deploy.PricingDenom,
		DepositUSD:     float64(cfg.Deploy.DepositUSD),
		MaxAttempts:    cfg.Deploy.MaxAttempts,
		ZombieGrace:    cfg.Deploy.ZombieGrace(),
	}, log)

	// ── Background work ───────────────────────────────────────────────────────
	// Recovery must run after the runner consumes the bus, so replayed jobs
	// are picked up instead of filling the channel.
	runner.Start(ctx)
	go runner.RecoverPendingJobs(ctx)
	go bus.DrainLifecycle(ctx)
	sweeper := deploy.NewReconciler(db, market, cfg.Deploy.ZombieGrace(), log).Start(reconcileEvery)
	defer sweeper.Stop()

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())

	handler := api.NewHandler(db, guard, state, verifier,
		telegram.NewValidator(log), meter,
		api.NewSessionCodec(cfg.Server.SessionSecret), cfg.Marketplace.BaseURL, log)
	handler.Register(r, api.RateLimit(rdb, checkoutRateLimit, checkoutRateWindow, log))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
