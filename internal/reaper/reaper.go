// internal/reaper/reaper.go
package reaper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/labforge/internal/audit"
	"github.com/FairForge/labforge/internal/config"
	"github.com/FairForge/labforge/internal/ledger"
	"github.com/FairForge/labforge/internal/lifecycle"
	"github.com/FairForge/labforge/internal/metrics"
)

// Reaper enforces inactivity and lifetime limits in the background. It walks
// the same transition paths a user would; one container's failure never
// aborts the rest of the sweep.
type Reaper struct {
	manager  *lifecycle.Manager
	settings *config.Settings
	policy   ledger.QuotaPolicy
	log      audit.Log
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu        sync.RWMutex
	lastSweep time.Time
}

func New(manager *lifecycle.Manager, settings *config.Settings, policy ledger.QuotaPolicy,
	log audit.Log, logger *zap.Logger) *Reaper {
	return &Reaper{
		manager:  manager,
		settings: settings,
		policy:   policy,
		log:      log,
		logger:   logger,
	}
}

// SetMetrics wires prometheus instrumentation. Optional.
func (r *Reaper) SetMetrics(mx *metrics.Metrics) {
	r.metrics = mx
}

// Run sweeps until the context is cancelled. The interval is re-read from
// settings every cycle so config changes apply without restart.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", zap.Duration("interval", r.settings.ReaperInterval()))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-time.After(r.settings.ReaperInterval()):
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reclamation cycle.
func (r *Reaper) Sweep(ctx context.Context) {
	start := time.Now()
	caller := lifecycle.Caller{Admin: true, System: audit.ActorReaper}

	var reclaimed, failed int
	for _, c := range r.manager.ListAll() {
		if c.State != lifecycle.StateRunning {
			continue
		}

		quota := r.policy.QuotaFor(c.OwnerID)
		now := time.Now()

		var reason audit.Reason
		switch {
		case quota.InactivityTimeout > 0 && now.Sub(c.LastActivityAt) > quota.InactivityTimeout:
			reason = audit.ReasonInactivityTimeout
		case quota.MaxContainerLifetime > 0 && c.StartedAt != nil &&
			now.Sub(*c.StartedAt) > quota.MaxContainerLifetime:
			reason = audit.ReasonLifetimeExceeded
		default:
			continue
		}

		if err := r.manager.Destroy(ctx, c.ID, caller, reason); err != nil {
			// Isolate the failure, log it, audit it, keep sweeping.
			failed++
			r.logger.Error("reaper destroy failed",
				zap.String("container_id", c.ID.String()),
				zap.String("reason", string(reason)),
				zap.Error(err))
			r.auditError(ctx, c, err)
			if r.metrics != nil {
				r.metrics.ReaperErrors.Inc()
			}
			continue
		}

		reclaimed++
		r.logger.Info("reaper reclaimed container",
			zap.String("container_id", c.ID.String()),
			zap.String("owner_id", c.OwnerID.String()),
			zap.String("reason", string(reason)))
		if r.metrics != nil {
			r.metrics.ReaperReclaims.WithLabelValues(string(reason)).Inc()
		}
	}

	// Finish work left over from earlier failures, then refresh snapshots.
	r.manager.RetryStuck(ctx, caller)
	r.manager.ReapOrphans(ctx, caller)
	r.manager.RefreshUsage(ctx)

	r.mu.Lock()
	r.lastSweep = time.Now()
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.LastSweepUnix.Set(float64(time.Now().Unix()))
	}

	r.logger.Debug("sweep complete",
		zap.Int("reclaimed", reclaimed),
		zap.Int("failed", failed),
		zap.Duration("took", time.Since(start)))
}

// LastSweep returns the completion time of the most recent sweep. Zero until
// the first sweep finishes.
func (r *Reaper) LastSweep() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSweep
}

func (r *Reaper) auditError(ctx context.Context, c lifecycle.LabContainer, err error) {
	event := audit.Event{
		Actor:       audit.ActorReaper,
		ContainerID: c.ID,
		FromState:   string(c.State),
		ToState:     string(c.State),
		Reason:      audit.ReasonReaperError,
		Detail:      err.Error(),
	}
	if aerr := r.log.Append(ctx, event); aerr != nil {
		r.logger.Error("audit append failed", zap.Error(aerr))
	}
}
