// Package telegram validates bot tokens before a deployment is created, so a
// mistyped token fails at checkout instead of inside the running container.
package telegram

import (
	"fmt"
	"regexp"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// tokenShape is the coarse bot-token format: numeric bot id, colon, secret.
var tokenShape = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]{30,}$`)

// Bot is what token validation learns about the bot.
type Bot struct {
	ID       int64
	Username string
}

// Link is the public channel URL for the bot.
func (b *Bot) Link() string { return "https://t.me/" + b.Username }

// Validator checks tokens against the Bot API. APIEndpoint is overridable so
// tests can point it at a local server.
type Validator struct {
	endpoint string
	log      *zap.Logger
}

func NewValidator(log *zap.Logger) *Validator {
	return &Validator{endpoint: tgbotapi.APIEndpoint, log: log}
}

func NewValidatorWithEndpoint(endpoint string, log *zap.Logger) *Validator {
	return &Validator{endpoint: endpoint, log: log}
}

// Validate confirms the token belongs to a live bot and returns its identity.
func (v *Validator) Validate(token string) (*Bot, error) {
	if !tokenShape.MatchString(strings.TrimSpace(token)) {
		return nil, fmt.Errorf("malformed bot token")
	}

	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, v.endpoint)
	if err != nil {
		v.log.Debug("bot token rejected by api", zap.Error(err))
		return nil, fmt.Errorf("bot token rejected: %w", err)
	}
	if api.Self.UserName == "" {
		return nil, fmt.Errorf("bot has no username")
	}
	return &Bot{ID: api.Self.ID, Username: api.Self.UserName}, nil
}
