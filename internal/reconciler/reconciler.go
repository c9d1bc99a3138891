// Package reconciler continuously compares the durable local state against
// the exchange and repairs drift. Stop coverage is checked before anything
// else in every cycle; an unprotected position is the one discrepancy that
// cannot wait.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helixtrade/helix/internal/alerting"
	"github.com/helixtrade/helix/internal/config"
	"github.com/helixtrade/helix/internal/exchange"
	"github.com/helixtrade/helix/internal/execution"
	"github.com/helixtrade/helix/internal/model"
	"github.com/helixtrade/helix/internal/store"
	"github.com/helixtrade/helix/pkg/metrics"
)

// Engine is the slice of the execution engine the reconciler drives: stop
// coverage repair, and the kill switch when venue connectivity is lost.
type Engine interface {
	EnsureStop(ctx context.Context, position *model.Position, level decimal.Decimal) execution.StopResult
	KillSwitch(ctx context.Context, reason, by string) error
}

// Reconciler runs the periodic drift detection and repair cycle.
type Reconciler struct {
	store   *store.Store
	adapter exchange.Adapter
	engine  Engine
	alerts  *alerting.Alerts
	cfg     config.ReconciliationConfig
	logger  *zap.Logger

	mu        sync.Mutex
	attempts  map[string]int
	escalated map[string]bool

	lastComplete time.Time

	// venue outage tracking, touched only from the cycle goroutine
	outageFailures  int
	outagePaused    bool
	outageFlattened bool
}

// New wires the reconciler.
func New(st *store.Store, adapter exchange.Adapter, engine Engine, alerts *alerting.Alerts, cfg config.ReconciliationConfig, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:     st,
		adapter:   adapter,
		engine:    engine,
		alerts:    alerts,
		cfg:       cfg,
		logger:    logger,
		attempts:  make(map[string]int),
		escalated: make(map[string]bool),
	}
}

// Run executes reconciliation cycles until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	// one immediate cycle so a restart does not wait a full interval to
	// discover what happened while the process was down
	r.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

func (r *Reconciler) cycle(ctx context.Context) {
	start := time.Now()
	if !r.lastComplete.IsZero() {
		lag := start.Sub(r.lastComplete)
		metrics.ReconciliationLag.Set(lag.Seconds())
		if lag > r.cfg.LagWarnThreshold {
			r.alerts.Warning(ctx, "reconciliation_lag", "reconciliation cycles falling behind", map[string]interface{}{
				"lag_seconds":       lag.Seconds(),
				"interval_seconds":  r.cfg.Interval.Seconds(),
				"threshold_seconds": r.cfg.LagWarnThreshold.Seconds(),
			})
		}
	}

	if err := r.RunCycle(ctx); err != nil {
		r.logger.Error("reconciliation cycle failed", zap.Error(err))
		if exchange.IsTransient(err) {
			r.venueFailure(ctx, err)
		}
		return
	}
	r.venueRecovered(ctx)
	r.lastComplete = time.Now()
	metrics.ReconciliationLag.Set(0)
	r.logger.Debug("reconciliation cycle complete",
		zap.Duration("took", time.Since(start)))
}

// RunCycle runs one full pass: stop coverage first, then positions, then
// order statuses. Each phase reports its own errors; a failed phase does not
// block the later ones except when the venue itself is unreachable.
func (r *Reconciler) RunCycle(ctx context.Context) error {
	if err := r.checkStopCoverage(ctx); err != nil {
		return err
	}
	if err := r.reconcilePositions(ctx); err != nil {
		return err
	}
	return r.refreshOrders(ctx)
}

// venueFailure counts consecutive cycles lost to venue unreachability. At
// the pause threshold trading stops taking new entries; at the flatten
// threshold the kill switch engages, because a book that cannot be observed
// or managed must not stay open. Each escalation fires once per outage.
func (r *Reconciler) venueFailure(ctx context.Context, cause error) {
	r.outageFailures++
	r.logger.Warn("venue unreachable",
		zap.Int("consecutive_failures", r.outageFailures),
		zap.Error(cause))

	if r.cfg.PauseAfterFailures > 0 && r.outageFailures >= r.cfg.PauseAfterFailures && !r.outagePaused {
		r.outagePaused = true
		if err := r.store.SetBotState(ctx, model.BotStatePaused, "venue unreachable", "reconciler"); err != nil {
			r.logger.Error("failed to pause bot during venue outage", zap.Error(err))
		}
		r.alerts.Critical(ctx, "venue_unreachable", "venue unreachable, trading paused", map[string]interface{}{
			"consecutive_failures": r.outageFailures,
			"error":                cause.Error(),
		})
	}

	if r.cfg.FlattenAfterFailures > 0 && r.outageFailures >= r.cfg.FlattenAfterFailures && !r.outageFlattened {
		r.outageFlattened = true
		// the halt is durable even when the venue calls inside fail; the
		// cancels and flattens are retried by later kill switch runs
		if err := r.engine.KillSwitch(ctx, "venue connectivity lost", "reconciler"); err != nil {
			r.logger.Error("kill switch incomplete during venue outage", zap.Error(err))
		}
	}
}

// venueRecovered resets the outage counters after a clean cycle. The bot is
// left PAUSED or HALTED; resuming after an outage is an operator decision.
func (r *Reconciler) venueRecovered(ctx context.Context) {
	if r.outageFailures == 0 {
		return
	}
	escalated := r.outagePaused
	r.outageFailures = 0
	r.outagePaused = false
	r.outageFlattened = false
	if escalated {
		r.alerts.Info(ctx, "venue_recovered", "venue reachable again, awaiting operator resume", nil)
	}
}

// repairAllowed tracks bounded repair attempts per discrepancy. Once a
// discrepancy has consumed its attempts it is escalated exactly once and no
// longer repaired automatically.
func (r *Reconciler) repairAllowed(ctx context.Context, key string, fields map[string]interface{}) bool {
	if !r.cfg.AutoRepair {
		return false
	}
	r.mu.Lock()
	if r.escalated[key] {
		r.mu.Unlock()
		return false
	}
	r.attempts[key]++
	if r.attempts[key] > r.cfg.MaxRepairAttempts {
		r.escalated[key] = true
		r.mu.Unlock()
		metrics.UnrecoverableDrift.Inc()
		if fields == nil {
			fields = map[string]interface{}{}
		}
		fields["discrepancy"] = key
		fields["attempts"] = r.cfg.MaxRepairAttempts
		r.alerts.Critical(ctx, "unrecoverable_drift", "drift persists after repeated repair attempts", fields)
		return false
	}
	r.mu.Unlock()
	return true
}

// repaired marks a discrepancy resolved so a future recurrence starts with a
// fresh attempt budget.
func (r *Reconciler) repaired(key, kind string) {
	r.mu.Lock()
	delete(r.attempts, key)
	delete(r.escalated, key)
	r.mu.Unlock()
	metrics.DriftRepairs.WithLabelValues(kind).Inc()
}
