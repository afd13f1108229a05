package payment

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/openclaw/deployer/internal/cache"
)

// MeterBridge records usage events against the provider's ai_usage meter.
// Metering is best-effort and must never fail the caller's operation.
type MeterBridge struct {
	client *Client
	cache  cache.Cache
	log    *zap.Logger
}

func NewMeterBridge(client *Client, c cache.Cache, log *zap.Logger) *MeterBridge {
	return &MeterBridge{client: client, cache: c, log: log}
}

// UsageResult reports what actually happened to a safe ingest.
type UsageResult struct {
	Success  bool   `json:"success"`
	Recorded bool   `json:"recorded"`
	Error    string `json:"error,omitempty"`
}

// RecordUsage ingests one event and drops the customer's cached meter
// readings. Errors are logged and swallowed.
func (m *MeterBridge) RecordUsage(ctx context.Context, customerID, event string, amount float64) {
	if err := m.client.IngestEvent(ctx, customerID, event, amount); err != nil {
		m.log.Warn("usage event not recorded",
			zap.String("customer", customerID), zap.String("event", event), zap.Error(err))
	}
	m.cache.InvalidatePattern(ctx, "meter:"+customerID+"*")
}

// RecordUsageSafe verifies the ai_usage meter exists before ingesting. With
// fallbackToLocal the missing meter is tolerated and the ingest is attempted
// anyway, so the event at least lands in the provider's raw event stream.
func (m *MeterBridge) RecordUsageSafe(ctx context.Context, customerID, event string, amount float64, fallbackToLocal bool) UsageResult {
	hasMeter, err := m.hasUsageMeter(ctx, customerID)
	if err != nil {
		m.log.Warn("meter lookup failed", zap.String("customer", customerID), zap.Error(err))
	}
	if !hasMeter && !fallbackToLocal {
		return UsageResult{Success: false, Recorded: false, Error: fmt.Sprintf("meter %q not found", MeterName)}
	}

	if err := m.client.IngestEvent(ctx, customerID, event, amount); err != nil {
		m.log.Warn("usage event not recorded",
			zap.String("customer", customerID), zap.String("event", event), zap.Error(err))
		return UsageResult{Success: true, Recorded: false, Error: err.Error()}
	}
	m.cache.InvalidatePattern(ctx, "meter:"+customerID+"*")
	return UsageResult{Success: true, Recorded: true}
}

func (m *MeterBridge) hasUsageMeter(ctx context.Context, customerID string) (bool, error) {
	meters, err := m.client.ListMeters(ctx, customerID)
	if err != nil {
		return false, err
	}
	for _, meter := range meters {
		if meter.Name == MeterName {
			return true, nil
		}
	}
	return false, nil
}
