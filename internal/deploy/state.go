// Package deploy drives a deployment from paid checkout to running lease:
// the status state machine, the duplicate-checkout guard, and the durable
// step-journaled job runner with its cleanup sweeps.
package deploy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/openclaw/deployer/internal/cache"
	"github.com/openclaw/deployer/internal/events"
	"github.com/openclaw/deployer/internal/store"
)

// Repository is the slice of the store the deploy flow needs.
type Repository interface {
	FindDeployment(ctx context.Context, id string) (*store.Deployment, error)
	FindUser(ctx context.Context, id string) (*store.User, error)
	BlacklistedProviders(ctx context.Context) (map[string]bool, error)
	UpdateStatus(ctx context.Context, id string, status store.Status, details store.StatusDetails, allowedFrom ...store.Status) (bool, error)
	LiveMarketplaceDeploymentIDs(ctx context.Context) (map[string]bool, error)
}

// Manager enforces the status transition rules. Statuses only move forward
// through pending, deploying, then active or failed; guards are pushed into
// the repository's conditional update so concurrent writers cannot race a
// regression. Every transition drops the owner's cached deployment list.
type Manager struct {
	repo  Repository
	cache cache.Cache
	bus   *events.Bus
	log   *zap.Logger
}

func NewManager(repo Repository, c cache.Cache, bus *events.Bus, log *zap.Logger) *Manager {
	return &Manager{repo: repo, cache: c, bus: bus, log: log}
}

func userCacheKey(userID string) string { return "deployments:" + userID }

func (m *Manager) invalidate(ctx context.Context, userID string) {
	m.cache.Delete(ctx, userCacheKey(userID))
}

// Begin claims a pending deployment for processing and emits the start
// event. The guard makes webhook replays a no-op: only the delivery that
// wins the pending-to-deploying transition starts a job.
func (m *Manager) Begin(ctx context.Context, id, userID string) (bool, error) {
	changed, err := m.repo.UpdateStatus(ctx, id, store.StatusDeploying, store.StatusDetails{},
		store.StatusPending)
	if err != nil {
		return false, fmt.Errorf("begin deployment %s: %w", id, err)
	}
	if !changed {
		m.log.Info("deployment no longer pending, start skipped", zap.String("deployment", id))
		return false, nil
	}
	m.invalidate(ctx, userID)
	m.bus.PublishStarted(events.DeploymentStarted{DeploymentID: id, Attempt: 1})
	return true, nil
}

// MarkDeploying is the runner-side transition. It tolerates both entry
// points: a fresh start still in pending and a retry attempt already in
// deploying.
func (m *Manager) MarkDeploying(ctx context.Context, id, userID string) (bool, error) {
	changed, err := m.repo.UpdateStatus(ctx, id, store.StatusDeploying, store.StatusDetails{},
		store.StatusPending, store.StatusDeploying)
	if err != nil {
		return false, fmt.Errorf("mark deploying %s: %w", id, err)
	}
	if changed {
		m.invalidate(ctx, userID)
	}
	return changed, nil
}

// SetMarketplaceDeployment records the dseq as soon as the marketplace
// accepts the submission, so a later failure knows what to clean up.
func (m *Manager) SetMarketplaceDeployment(ctx context.Context, id, userID, dseq string) error {
	_, err := m.repo.UpdateStatus(ctx, id, store.StatusDeploying,
		store.StatusDetails{MarketplaceDeploymentID: store.StringPtr(dseq)},
		store.StatusDeploying)
	if err != nil {
		return fmt.Errorf("record dseq for %s: %w", id, err)
	}
	m.invalidate(ctx, userID)
	return nil
}

// RecordAttemptFailure is the observational deploying-to-deploying
// self-transition between attempts.
func (m *Manager) RecordAttemptFailure(ctx context.Context, id, userID, message string) {
	_, err := m.repo.UpdateStatus(ctx, id, store.StatusDeploying,
		store.StatusDetails{ErrorMessage: store.StringPtr(message)},
		store.StatusDeploying)
	if err != nil {
		m.log.Error("attempt failure not recorded", zap.String("deployment", id), zap.Error(err))
	}
	m.invalidate(ctx, userID)
}

// MarkActive finalizes a successful run. A repeat call finds the status
// already terminal, changes nothing and reports false.
func (m *Manager) MarkActive(ctx context.Context, id, userID, dseq, leaseID, providerURL string) (bool, error) {
	changed, err := m.repo.UpdateStatus(ctx, id, store.StatusActive,
		store.StatusDetails{
			MarketplaceDeploymentID: store.StringPtr(dseq),
			MarketplaceLeaseID:      store.StringPtr(leaseID),
			ProviderURL:             store.StringPtr(providerURL),
			ClearErrorMessage:       true,
		},
		store.StatusDeploying)
	if err != nil {
		return false, fmt.Errorf("mark active %s: %w", id, err)
	}
	if changed {
		m.invalidate(ctx, userID)
	}
	return changed, nil
}

// MarkFailed finalizes an exhausted run and emits the failure event. Like
// MarkActive it is idempotent against terminal states.
func (m *Manager) MarkFailed(ctx context.Context, id, userID, message string) (bool, error) {
	changed, err := m.repo.UpdateStatus(ctx, id, store.StatusFailed,
		store.StatusDetails{ErrorMessage: store.StringPtr(message)},
		store.StatusPending, store.StatusDeploying)
	if err != nil {
		return false, fmt.Errorf("mark failed %s: %w", id, err)
	}
	if !changed {
		return false, nil
	}
	m.invalidate(ctx, userID)
	m.bus.PublishFailed(events.DeploymentFailed{DeploymentID: id, Error: message})
	return true, nil
}
