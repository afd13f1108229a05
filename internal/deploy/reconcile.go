package deploy

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/openclaw/deployer/internal/marketplace"
)

const sweepTimeout = 2 * time.Minute

// Reconciler is the background safety net behind the in-job cleanup steps:
// a periodic sweep that closes open marketplace deployments no live
// deployment record claims. It catches dseqs orphaned by crashes that
// happened before the journal had anything to replay.
type Reconciler struct {
	repo   Repository
	market *marketplace.Client
	grace  time.Duration
	log    *zap.Logger
}

func NewReconciler(repo Repository, market *marketplace.Client, grace time.Duration, log *zap.Logger) *Reconciler {
	return &Reconciler{repo: repo, market: market, grace: grace, log: log}
}

// Start schedules the sweep and returns the running cron so the caller can
// stop it on shutdown.
func (r *Reconciler) Start(every time.Duration) *cron.Cron {
	c := cron.New()
	if _, err := c.AddFunc("@every "+every.String(), r.Sweep); err != nil {
		r.log.Error("reconciler not scheduled", zap.Error(err))
		return c
	}
	c.Start()
	return c
}

// Sweep closes orphaned open deployments past the grace window.
func (r *Reconciler) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	live, err := r.repo.LiveMarketplaceDeploymentIDs(ctx)
	if err != nil {
		r.log.Warn("live dseq listing failed, sweep skipped", zap.Error(err))
		return
	}
	open, err := r.market.ListOpenDeployments(ctx)
	if err != nil {
		r.log.Warn("open deployment listing failed, sweep skipped", zap.Error(err))
		return
	}

	cutoff := time.Now().Add(-r.grace)
	for _, dep := range open {
		if live[dep.DSeq] || dep.CreatedAt.After(cutoff) {
			continue
		}
		if err := r.market.CloseDeployment(ctx, dep.DSeq); err != nil {
			r.log.Warn("orphaned deployment not closed", zap.String("dseq", dep.DSeq), zap.Error(err))
			continue
		}
		zombiesClosed.Inc()
		r.log.Info("closed orphaned deployment", zap.String("dseq", dep.DSeq))
	}
}
