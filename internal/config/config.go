package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Marketplace MarketplaceConfig
	Payment     PaymentConfig
	Cache       CacheConfig
	Database    DatabaseConfig
	Deploy      DeployConfig
	Server      ServerConfig
}

type MarketplaceConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

type PaymentConfig struct {
	AccessToken   string `mapstructure:"access_token"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	ProductID     string `mapstructure:"product_id"`
	Server        string `mapstructure:"server"` // sandbox | production
	SuccessURL    string `mapstructure:"success_url"`
}

type CacheConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type DeployConfig struct {
	UpstreamLLMKey string `mapstructure:"upstream_llm_key"`
	EncryptionKey  string `mapstructure:"encryption_key"`
	PricingDenom   string `mapstructure:"pricing_denom"`
	DepositUSD     int    `mapstructure:"deposit_usd"`
	MaxAttempts    int    `mapstructure:"max_attempts"`
	ZombieGraceMin int    `mapstructure:"zombie_grace_min"`
}

type ServerConfig struct {
	Port          int    `mapstructure:"port"`
	SessionSecret string `mapstructure:"session_secret"`
}

func (d DeployConfig) ZombieGrace() time.Duration {
	return time.Duration(d.ZombieGraceMin) * time.Minute
}

// EncryptionKeyBytes decodes the 64-hex-char column encryption key.
func (d DeployConfig) EncryptionKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(d.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode ENCRYPTION_KEY: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	return key, nil
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("marketplace.base_url", "https://console-api.akash.network")
	v.SetDefault("payment.server", "sandbox")
	v.SetDefault("deploy.pricing_denom", "ibc/170C677610AC31DF0904FFE09CD3B5C657492170E7E52372E48756B71E56F2F1")
	v.SetDefault("deploy.deposit_usd", 5)
	v.SetDefault("deploy.max_attempts", 3)
	v.SetDefault("deploy.zombie_grace_min", 10)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"marketplace.base_url":    "MARKETPLACE_API_BASE_URL",
		"marketplace.api_key":     "MARKETPLACE_API_KEY",
		"payment.access_token":    "PAYMENT_ACCESS_TOKEN",
		"payment.webhook_secret":  "PAYMENT_WEBHOOK_SECRET",
		"payment.product_id":      "PAYMENT_PRODUCT_ID",
		"payment.server":          "PAYMENT_SERVER",
		"payment.success_url":     "PAYMENT_SUCCESS_URL",
		"cache.url":               "CACHE_URL",
		"cache.token":             "CACHE_TOKEN",
		"database.url":            "DATABASE_URL",
		"deploy.upstream_llm_key": "UPSTREAM_LLM_KEY",
		"deploy.encryption_key":   "ENCRYPTION_KEY",
		"deploy.pricing_denom":    "PRICING_DENOM",
		"deploy.zombie_grace_min": "ZOMBIE_GRACE_MIN",
		"server.port":             "PORT",
		"server.session_secret":   "SESSION_SECRET",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Marketplace.APIKey, "MARKETPLACE_API_KEY"},
		{c.Payment.AccessToken, "PAYMENT_ACCESS_TOKEN"},
		{c.Payment.WebhookSecret, "PAYMENT_WEBHOOK_SECRET"},
		{c.Payment.ProductID, "PAYMENT_PRODUCT_ID"},
		{c.Database.URL, "DATABASE_URL"},
		{c.Deploy.UpstreamLLMKey, "UPSTREAM_LLM_KEY"},
		{c.Deploy.EncryptionKey, "ENCRYPTION_KEY"},
		{c.Server.SessionSecret, "SESSION_SECRET"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if s := c.Payment.Server; s != "sandbox" && s != "production" {
		return fmt.Errorf("PAYMENT_SERVER must be sandbox or production, got %q", s)
	}
	if _, err := c.Deploy.EncryptionKeyBytes(); err != nil {
		return err
	}
	return nil
}
