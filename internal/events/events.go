// Package events carries the internal deployment lifecycle events between
// the HTTP layer, the state machine and the job runner.
package events

import (
	"context"

	"go.uber.org/zap"
)

// DeploymentStarted kicks off (or retries) the deployment flow. Attempt and
// FailedDSeqs accumulate across retries of the same deployment.
type DeploymentStarted struct {
	DeploymentID string   `json:"deploymentId"`
	Attempt      int      `json:"attempt,omitempty"`
	FailedDSeqs  []string `json:"failedDseqs,omitempty"`
}

type DeploymentCompleted struct {
	DeploymentID string `json:"deploymentId"`
	Status       string `json:"status"`
}

type DeploymentFailed struct {
	DeploymentID string `json:"deploymentId"`
	Error        string `json:"error"`
}

// Bus is the in-process event bus. Publishes never block: a full channel
// drops the signal with a warning, and the job runner's redis-persisted job
// keys recover anything dropped on the next startup sweep.
type Bus struct {
	started   chan DeploymentStarted
	completed chan DeploymentCompleted
	failed    chan DeploymentFailed
	log       *zap.Logger
}

func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		started:   make(chan DeploymentStarted, 100),
		completed: make(chan DeploymentCompleted, 100),
		failed:    make(chan DeploymentFailed, 100),
		log:       log,
	}
}

func (b *Bus) PublishStarted(ev DeploymentStarted) {
	select {
	case b.started <- ev:
	default:
		b.log.Warn("started channel full, event dropped, will recover from job keys on restart",
			zap.String("deployment", ev.DeploymentID))
	}
}

func (b *Bus) PublishCompleted(ev DeploymentCompleted) {
	select {
	case b.completed <- ev:
	default:
		b.log.Warn("completed channel full, event dropped", zap.String("deployment", ev.DeploymentID))
	}
}

func (b *Bus) PublishFailed(ev DeploymentFailed) {
	select {
	case b.failed <- ev:
	default:
		b.log.Warn("failed channel full, event dropped", zap.String("deployment", ev.DeploymentID))
	}
}

func (b *Bus) Started() <-chan DeploymentStarted     { return b.started }
func (b *Bus) Completed() <-chan DeploymentCompleted { return b.completed }
func (b *Bus) Failed() <-chan DeploymentFailed       { return b.failed }

// DrainLifecycle consumes completed and failed events until ctx is cancelled,
// logging each one. It is the terminal subscriber wired in when no richer
// consumer (notifications, audit) exists, so the buffers never fill up.
func (b *Bus) DrainLifecycle(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.completed:
			b.log.Info("deployment completed",
				zap.String("deployment", ev.DeploymentID), zap.String("status", ev.Status))
		case ev := <-b.failed:
			b.log.Warn("deployment failed",
				zap.String("deployment", ev.DeploymentID), zap.String("error", ev.Error))
		}
	}
}
