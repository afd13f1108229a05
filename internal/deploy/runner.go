package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/openclaw/deployer/internal/events"
	"github.com/openclaw/deployer/internal/manifest"
	"github.com/openclaw/deployer/internal/marketplace"
	"github.com/openclaw/deployer/internal/payment"
	"github.com/openclaw/deployer/internal/store"
)

const (
	stepMarkDeploying  = "update-status-deploying"
	stepDeployBot      = "deploy-bot"
	stepCleanupFailed  = "cleanup-failed-deployments"
	stepCleanupZombies = "cleanup-zombie-deployments"
	stepMarkActive     = "update-status-active"
	stepCompletedEvent = "send-completed-event"

	jobLockTTL = 15 * time.Minute
)

// RunnerConfig is the operator-level knobs of the deploy flow.
type RunnerConfig struct {
	UpstreamLLMKey string
	PricingDenom   string
	DepositUSD     float64
	MaxAttempts    int
	ZombieGrace    time.Duration
}

// Runner executes the deployment flow as a sequence of named steps with
// journaled results. Replaying a job after a crash skips steps that already
// ran; a failed deploy-bot step schedules the next attempt by re-emitting
// the start event with the accumulated cleanup state.
type Runner struct {
	repo    Repository
	state   *Manager
	market  *marketplace.Client
	journal Journal
	bus     *events.Bus
	meter   *payment.MeterBridge // nil when metering is unconfigured
	cfg     RunnerConfig
	log     *zap.Logger

	wg sync.WaitGroup
}

func NewRunner(repo Repository, state *Manager, market *marketplace.Client, journal Journal,
	bus *events.Bus, meter *payment.MeterBridge, cfg RunnerConfig, log *zap.Logger) *Runner {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Runner{
		repo:    repo,
		state:   state,
		market:  market,
		journal: journal,
		bus:     bus,
		meter:   meter,
		cfg:     cfg,
		log:     log,
	}
}

// Start consumes the event bus until ctx is cancelled. Each job runs in its
// own goroutine; single-flight per deployment is enforced by the journal
// lock, not by the consumer loop.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-r.bus.Started():
				r.wg.Add(1)
				go func() {
					defer r.wg.Done()
					r.handle(ctx, ev)
				}()
			}
		}
	}()
}

// Wait blocks until the consumer loop and all in-flight jobs have returned.
func (r *Runner) Wait() { r.wg.Wait() }

// RecoverPendingJobs re-emits the start event for every job record that
// survived a crash. Journaled step results make the replay safe.
func (r *Runner) RecoverPendingJobs(ctx context.Context) {
	payloads, err := r.journal.PendingJobs(ctx)
	if err != nil {
		r.log.Error("pending job scan failed", zap.Error(err))
		return
	}
	for _, raw := range payloads {
		var ev events.DeploymentStarted
		if err := json.Unmarshal(raw, &ev); err != nil {
			r.log.Warn("unreadable job record dropped", zap.Error(err))
			continue
		}
		r.log.Info("recovering interrupted deployment job",
			zap.String("deployment", ev.DeploymentID), zap.Int("attempt", ev.Attempt))
		r.bus.PublishStarted(ev)
	}
}

// runStep returns the journaled result when the step already ran, otherwise
// executes fn and journals its result. Errors are never journaled.
func runStep[T any](ctx context.Context, j Journal, log *zap.Logger, jobID, name string, fn func() (T, error)) (T, error) {
	var out T
	if raw, ok := j.StepResult(ctx, jobID, name); ok {
		if err := json.Unmarshal(raw, &out); err == nil {
			log.Debug("step replayed from journal", zap.String("job", jobID), zap.String("step", name))
			return out, nil
		}
		log.Warn("journaled step result unreadable, re-executing",
			zap.String("job", jobID), zap.String("step", name))
	}
	out, err := fn()
	if err != nil {
		return out, err
	}
	if raw, err := json.Marshal(out); err == nil {
		j.RecordStep(ctx, jobID, name, raw)
	}
	return out, nil
}

// deployResult is the journaled outcome of the deploy-bot step. Failures are
// values, not errors, so the dseq of a half-finished attempt survives the
// journal and reaches the next attempt's cleanup.
type deployResult struct {
	Success    bool   `json:"success"`
	DSeq       string `json:"dseq,omitempty"`
	LeaseID    string `json:"leaseId,omitempty"`
	Provider   string `json:"provider,omitempty"`
	ServiceURL string `json:"serviceUrl,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (r *Runner) handle(ctx context.Context, ev events.DeploymentStarted) {
	id := ev.DeploymentID
	attempt := ev.Attempt
	if attempt == 0 {
		attempt = 1
	}
	jobsStarted.Inc()
	started := time.Now()
	defer func() { jobDuration.Observe(time.Since(started).Seconds()) }()

	if !r.journal.AcquireLock(ctx, id, jobLockTTL) {
		r.log.Warn("deployment job already in flight, event dropped", zap.String("deployment", id))
		return
	}
	var once sync.Once
	release := func() { once.Do(func() { r.journal.ReleaseLock(ctx, id) }) }
	defer release()

	d, err := r.repo.FindDeployment(ctx, id)
	if err != nil {
		r.log.Error("deployment lookup failed, job kept for recovery",
			zap.String("deployment", id), zap.Error(err))
		return
	}
	if d == nil {
		r.log.Warn("job references unknown deployment", zap.String("deployment", id))
		r.journal.DeleteJob(ctx, id)
		return
	}
	if d.Status.Terminal() {
		r.journal.DeleteJob(ctx, id)
		return
	}

	if raw, err := json.Marshal(ev); err == nil {
		r.journal.SaveJob(ctx, id, raw)
	}
	jobID := fmt.Sprintf("%s:%d", id, attempt)
	log := r.log.With(zap.String("deployment", id), zap.Int("attempt", attempt))

	if _, err := runStep(ctx, r.journal, log, jobID, stepMarkDeploying, func() (bool, error) {
		return r.state.MarkDeploying(ctx, id, d.UserID)
	}); err != nil {
		log.Error("status transition failed, job kept for recovery", zap.Error(err))
		return
	}

	res, _ := runStep(ctx, r.journal, log, jobID, stepDeployBot, func() (deployResult, error) {
		return r.deployBot(ctx, d), nil
	})
	if !res.Success {
		r.retryOrFail(ctx, d, ev, attempt, res, release)
		return
	}
	attemptOutcomes.WithLabelValues("success").Inc()

	leftovers := lo.Uniq(lo.Without(ev.FailedDSeqs, res.DSeq))
	if len(leftovers) > 0 {
		if _, err := runStep(ctx, r.journal, log, jobID, stepCleanupFailed, func() (int, error) {
			return r.closeDeployments(ctx, log, leftovers), nil
		}); err != nil {
			log.Error("failed-deployment cleanup errored", zap.Error(err))
		}
	}

	if _, err := runStep(ctx, r.journal, log, jobID, stepCleanupZombies, func() (int, error) {
		return r.sweepZombies(ctx, log, res.DSeq), nil
	}); err != nil {
		log.Error("zombie cleanup errored", zap.Error(err))
	}

	if _, err := runStep(ctx, r.journal, log, jobID, stepMarkActive, func() (bool, error) {
		changed, err := r.state.MarkActive(ctx, id, d.UserID, res.DSeq, res.LeaseID, res.ServiceURL)
		if err != nil {
			return false, err
		}
		if changed {
			r.recordActivation(ctx, d)
		}
		return changed, nil
	}); err != nil {
		log.Error("activation failed, job kept for recovery", zap.Error(err))
		return
	}

	if _, err := runStep(ctx, r.journal, log, jobID, stepCompletedEvent, func() (bool, error) {
		r.bus.PublishCompleted(events.DeploymentCompleted{
			DeploymentID: id,
			Status:       string(store.StatusActive),
		})
		return true, nil
	}); err != nil {
		log.Error("completed event not sent", zap.Error(err))
	}

	r.journal.DeleteJob(ctx, id)
	log.Info("deployment active",
		zap.String("dseq", res.DSeq),
		zap.String("provider", res.Provider),
		zap.String("url", res.ServiceURL))
}

// deployBot is the marketplace leg: submit the descriptor, wait for bids,
// walk them cheapest-first until a lease sticks.
func (r *Runner) deployBot(ctx context.Context, d *store.Deployment) deployResult {
	r.market.EnsureCertificate(ctx)

	sdl := manifest.Render(manifest.Params{
		ChannelToken: d.ChannelToken,
		GatewayToken: d.InternalAPIKey,
		UpstreamKey:  r.cfg.UpstreamLLMKey,
		ModelID:      d.Model,
		PricingDenom: r.cfg.PricingDenom,
	})

	created, err := r.market.CreateDeployment(ctx, sdl, r.cfg.DepositUSD)
	if err != nil {
		return deployResult{Error: err.Error()}
	}
	if err := r.state.SetMarketplaceDeployment(ctx, d.ID, d.UserID, created.DSeq); err != nil {
		r.log.Warn("dseq not recorded", zap.String("deployment", d.ID), zap.Error(err))
	}

	bids, err := r.market.PollForBids(ctx, created.DSeq)
	if err != nil {
		return deployResult{Error: err.Error(), DSeq: created.DSeq}
	}

	blacklisted, err := r.repo.BlacklistedProviders(ctx)
	if err != nil {
		r.log.Warn("blacklist unavailable, proceeding without it", zap.Error(err))
		blacklisted = nil
	}

	lease, provider, err := r.market.TryAllBidsUntilSuccess(ctx, created.Manifest, created.DSeq, bids, blacklisted)
	if err != nil {
		return deployResult{Error: err.Error(), DSeq: created.DSeq}
	}

	url := lease.ServiceURL()
	if url == "" {
		return deployResult{Error: "lease exposes no service uri", DSeq: created.DSeq}
	}
	return deployResult{
		Success:    true,
		DSeq:       created.DSeq,
		LeaseID:    lease.ID(),
		Provider:   provider,
		ServiceURL: url,
	}
}

func (r *Runner) closeDeployments(ctx context.Context, log *zap.Logger, dseqs []string) int {
	closed := 0
	for _, dseq := range dseqs {
		if err := r.market.CloseDeployment(ctx, dseq); err != nil {
			log.Warn("failed deployment not closed, zombie sweep will retry",
				zap.String("dseq", dseq), zap.Error(err))
			continue
		}
		closed++
		zombiesClosed.Inc()
		log.Info("closed marketplace deployment from failed attempt", zap.String("dseq", dseq))
	}
	return closed
}

// sweepZombies closes open marketplace deployments older than the grace
// window, except the one that just succeeded. The grace window protects
// other jobs from the same operator wallet that are mid-flight.
func (r *Runner) sweepZombies(ctx context.Context, log *zap.Logger, keepDSeq string) int {
	open, err := r.market.ListOpenDeployments(ctx)
	if err != nil {
		log.Warn("open deployment listing failed, zombie sweep skipped", zap.Error(err))
		return 0
	}
	cutoff := time.Now().Add(-r.cfg.ZombieGrace)
	closed := 0
	for _, dep := range open {
		if dep.DSeq == keepDSeq || dep.CreatedAt.After(cutoff) {
			continue
		}
		if err := r.market.CloseDeployment(ctx, dep.DSeq); err != nil {
			log.Warn("zombie deployment not closed", zap.String("dseq", dep.DSeq), zap.Error(err))
			continue
		}
		closed++
		zombiesClosed.Inc()
		log.Info("closed zombie deployment", zap.String("dseq", dep.DSeq))
	}
	return closed
}

// recordActivation is the billing hook: best-effort usage event once the
// bot is running.
func (r *Runner) recordActivation(ctx context.Context, d *store.Deployment) {
	if r.meter == nil {
		return
	}
	user, err := r.repo.FindUser(ctx, d.UserID)
	if err != nil || user == nil || user.BillingCustomerID == nil {
		return
	}
	r.meter.RecordUsage(ctx, *user.BillingCustomerID, payment.MeterName, 1)
}

// retryOrFail is the catch path of a failed deploy-bot step.
func (r *Runner) retryOrFail(ctx context.Context, d *store.Deployment, ev events.DeploymentStarted,
	attempt int, res deployResult, release func()) {

	failedDSeqs := ev.FailedDSeqs
	if res.DSeq != "" {
		failedDSeqs = append(failedDSeqs, res.DSeq)
	}
	failedDSeqs = lo.Uniq(failedDSeqs)

	if attempt < r.cfg.MaxAttempts {
		attemptOutcomes.WithLabelValues("retry").Inc()
		r.state.RecordAttemptFailure(ctx, d.ID, d.UserID,
			fmt.Sprintf("Attempt %d failed: %s", attempt, res.Error))
		next := events.DeploymentStarted{
			DeploymentID: d.ID,
			Attempt:      attempt + 1,
			FailedDSeqs:  failedDSeqs,
		}
		if raw, err := json.Marshal(next); err == nil {
			r.journal.SaveJob(ctx, d.ID, raw)
		}
		// Release before re-emitting so the next attempt can take the lock.
		release()
		r.bus.PublishStarted(next)
		return
	}

	attemptOutcomes.WithLabelValues("exhausted").Inc()
	msg := fmt.Sprintf("All %d attempts failed: %s", r.cfg.MaxAttempts, res.Error)
	if _, err := r.state.MarkFailed(ctx, d.ID, d.UserID, msg); err != nil {
		r.log.Error("failure transition failed, job kept for recovery",
			zap.String("deployment", d.ID), zap.Error(err))
		return
	}
	// Nothing left to retry with; close whatever the attempts created.
	r.closeDeployments(ctx, r.log.With(zap.String("deployment", d.ID)), failedDSeqs)
	r.journal.DeleteJob(ctx, d.ID)
}
