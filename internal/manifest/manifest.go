// Package manifest renders the SDL v2.0 descriptor submitted to the
// marketplace. The document is a fixed template; the only variable parts are
// a handful of strings that are sanitized before interpolation so a hostile
// bot token cannot break out of its YAML double-quoted context.
package manifest

import (
	"fmt"
	"strings"
)

// Params carries every value interpolated into the descriptor.
type Params struct {
	ChannelToken string // Telegram bot token supplied by the customer
	GatewayToken string // per-deployment key for the bot's management plane
	UpstreamKey  string // LLM upstream API key
	ModelID      string
	PricingDenom string // IBC denom for the placement pricing block
}

const upstreamBaseURL = "https://openrouter.ai/api/v1"

const template = `---
version: "2.0"

services:
  openclaw:
    image: ghcr.io/openclaw/openclaw:v1
    env:
      - "MODEL_ID=%s"
      - "BASE_URL=%s"
      - "API_KEY=%s"
      - "TELEGRAM_BOT_TOKEN=%s"
      - "OPENCLAW_GATEWAY_TOKEN=%s"
      - "TELEGRAM_ENABLED=true"
    expose:
      - port: 18789
        as: 80
        to:
          - global: true
    params:
      storage:
        data:
          mount: /root/.openclaw
          readOnly: false

profiles:
  compute:
    openclaw:
      resources:
        cpu:
          units: 1.5
        memory:
          size: 3Gi
        storage:
          - size: 2Gi
          - name: data
            size: 10Gi
            attributes:
              persistent: true
              class: beta3
  placement:
    dcloud:
      pricing:
        openclaw:
          denom: "%s"
          amount: 1000

deployment:
  openclaw:
    dcloud:
      profile: openclaw
      count: 1
`

// Render produces the deployment descriptor. Pure function, cannot fail.
func Render(p Params) string {
	return fmt.Sprintf(template,
		sanitize(p.ModelID),
		sanitize(upstreamBaseURL),
		sanitize(p.UpstreamKey),
		sanitize(p.ChannelToken),
		sanitize(p.GatewayToken),
		sanitize(p.PricingDenom),
	)
}

var sanitizer = strings.NewReplacer(
	"\\", "\\\\",
	"\"", "\\\"",
	"\n", "",
	"\r", "",
	"\x00", "",
)

// sanitize makes a value safe inside a YAML double-quoted scalar: newlines,
// carriage returns and NULs are stripped, backslash and double-quote escaped.
func sanitize(v string) string {
	return sanitizer.Replace(v)
}
