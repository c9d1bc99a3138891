package risk

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helixtrade/helix/internal/model"
	"github.com/helixtrade/helix/pkg/metrics"
)

var one = decimal.NewFromInt(1)

// EvaluateBreakers checks every circuit breaker against current equity and
// the stored reference values, triggering any that breach. Already-triggered
// breakers stay triggered regardless of current conditions; the sticky flag
// only clears through an authorized manual reset. Returns the names of all
// breakers currently triggered.
func (g *Gate) EvaluateBreakers(ctx context.Context, equity decimal.Decimal) ([]string, error) {
	var triggered []string

	daily, err := g.store.GetBreaker(ctx, model.BreakerDailyLoss, equity)
	if err != nil {
		return nil, err
	}
	drawdown, err := g.store.GetBreaker(ctx, model.BreakerMaxDrawdown, equity)
	if err != nil {
		return nil, err
	}
	vol, err := g.store.GetBreaker(ctx, model.BreakerVolatility, equity)
	if err != nil {
		return nil, err
	}

	// advance the rolling peak before the drawdown comparison
	if equity.GreaterThan(drawdown.PeakEquity) {
		drawdown.PeakEquity = equity
		if err := g.store.UpdateBreakerReferences(ctx, model.BreakerMaxDrawdown, drawdown.DailyStartEquity, equity); err != nil {
			return nil, err
		}
	}

	// daily loss: equity at or below (1 - threshold) of day-start equity
	if !daily.Triggered && daily.DailyStartEquity.GreaterThan(decimal.Zero) {
		limit := daily.DailyStartEquity.Mul(one.Sub(g.dailyLossPct))
		if equity.LessThanOrEqual(limit) {
			reason := fmt.Sprintf("equity %s breached daily loss limit %s (day start %s)",
				equity, limit, daily.DailyStartEquity)
			if err := g.store.TriggerBreaker(ctx, model.BreakerDailyLoss, reason, daily.DailyStartEquity, daily.PeakEquity); err != nil {
				return nil, err
			}
			daily.Triggered = true
			g.logger.Error("daily loss circuit breaker triggered",
				zap.String("equity", equity.String()),
				zap.String("day_start", daily.DailyStartEquity.String()))
			g.notifyTrigger(ctx, model.BreakerDailyLoss, reason)
		}
	}

	// max drawdown: equity at or below (1 - threshold) of peak equity
	if !drawdown.Triggered && drawdown.PeakEquity.GreaterThan(decimal.Zero) {
		limit := drawdown.PeakEquity.Mul(one.Sub(g.maxDrawdownPct))
		if equity.LessThanOrEqual(limit) {
			reason := fmt.Sprintf("equity %s breached drawdown limit %s (peak %s)",
				equity, limit, drawdown.PeakEquity)
			if err := g.store.TriggerBreaker(ctx, model.BreakerMaxDrawdown, reason, drawdown.DailyStartEquity, drawdown.PeakEquity); err != nil {
				return nil, err
			}
			drawdown.Triggered = true
			g.logger.Error("drawdown circuit breaker triggered",
				zap.String("equity", equity.String()),
				zap.String("peak", drawdown.PeakEquity.String()))
			g.notifyTrigger(ctx, model.BreakerMaxDrawdown, reason)
		}
	}

	// volatility: rolling proxy above a multiple of its recent average
	if !vol.Triggered && g.volProvider != nil {
		current, baseline, err := g.volProvider.VolatilityProxy(ctx)
		if err != nil {
			g.logger.Warn("volatility proxy unavailable, skipping volatility breaker", zap.Error(err))
		} else if baseline.GreaterThan(decimal.Zero) &&
			current.GreaterThan(baseline.Mul(g.volMultiple)) {
			reason := fmt.Sprintf("volatility proxy %s exceeds %s x baseline %s",
				current, g.volMultiple, baseline)
			if err := g.store.TriggerBreaker(ctx, model.BreakerVolatility, reason, vol.DailyStartEquity, vol.PeakEquity); err != nil {
				return nil, err
			}
			vol.Triggered = true
			g.logger.Error("volatility circuit breaker triggered",
				zap.String("proxy", current.String()),
				zap.String("baseline", baseline.String()))
			g.notifyTrigger(ctx, model.BreakerVolatility, reason)
		}
	}

	for _, b := range []*model.CircuitBreakerState{daily, drawdown, vol} {
		gauge := 0.0
		if b.Triggered {
			gauge = 1.0
			triggered = append(triggered, b.Name)
		}
		metrics.BreakerTriggered.WithLabelValues(b.Name).Set(gauge)
	}
	return triggered, nil
}

// RolloverDailyStart resets the day-start equity reference at a UTC day
// boundary. The sticky trigger flags are untouched.
func (g *Gate) RolloverDailyStart(ctx context.Context, equity decimal.Decimal) error {
	for _, name := range []string{model.BreakerDailyLoss, model.BreakerMaxDrawdown, model.BreakerVolatility} {
		state, err := g.store.GetBreaker(ctx, name, equity)
		if err != nil {
			return err
		}
		if err := g.store.UpdateBreakerReferences(ctx, name, equity, state.PeakEquity); err != nil {
			return err
		}
	}
	g.logger.Info("daily equity reference rolled over", zap.String("equity", equity.String()))
	return nil
}
