// Package risk implements the risk gate: every trade signal is validated
// against circuit breakers, sizing rules, and portfolio limits before the
// execution engine ever sees it.
package risk

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helixtrade/helix/internal/config"
	"github.com/helixtrade/helix/internal/model"
	"github.com/helixtrade/helix/internal/store"
	"github.com/helixtrade/helix/pkg/metrics"
)

// Rejection reason codes, stable for alert consumers and metrics labels.
const (
	ReasonCircuitBreaker      = "circuit_breaker"
	ReasonStopMissing         = "stop_missing"
	ReasonStopBand            = "stop_distance_band"
	ReasonPortfolioHeat       = "portfolio_heat"
	ReasonPositionLimit       = "position_limit"
	ReasonSymbolConcentration = "symbol_concentration"
	ReasonStrategyLimit       = "strategy_concentration"
	ReasonCorrelation         = "correlation"
	ReasonLeverage            = "leverage"
	ReasonSizing              = "sizing"
)

// Decision is the gate's verdict on one signal.
type Decision struct {
	Approved bool
	Size     decimal.Decimal
	Reason   string
	Detail   string
}

func rejected(reason, detail string) Decision {
	metrics.SignalsRejected.WithLabelValues(reason).Inc()
	return Decision{Reason: reason, Detail: detail}
}

// Gate validates signals. It holds no mutable trading state of its own;
// breaker stickiness and the open position set live in the store.
type Gate struct {
	cfg         config.RiskConfig
	store       *store.Store
	logger      *zap.Logger
	returns     ReturnsProvider
	volProvider VolatilityProvider
	onTrigger   func(ctx context.Context, name, reason string)

	// thresholds precomputed as decimals
	dailyLossPct   decimal.Decimal
	maxDrawdownPct decimal.Decimal
	volMultiple    decimal.Decimal
	riskPct        decimal.Decimal
	targetVol      decimal.Decimal
	maxPositionPct decimal.Decimal
	maxHeat        decimal.Decimal
	corrThreshold  decimal.Decimal
	minStopPct     decimal.Decimal
	maxStopPct     decimal.Decimal
}

// NewGate builds a risk gate. returns and volProvider may be nil, which
// disables the correlation check and the volatility breaker respectively.
func NewGate(cfg config.RiskConfig, st *store.Store, returns ReturnsProvider, vol VolatilityProvider, logger *zap.Logger) *Gate {
	return &Gate{
		cfg:            cfg,
		store:          st,
		logger:         logger,
		returns:        returns,
		volProvider:    vol,
		dailyLossPct:   decimal.NewFromFloat(cfg.CircuitBreakers.DailyLossPct),
		maxDrawdownPct: decimal.NewFromFloat(cfg.CircuitBreakers.MaxDrawdownPct),
		volMultiple:    decimal.NewFromFloat(cfg.CircuitBreakers.VolatilityMultiple),
		riskPct:        decimal.NewFromFloat(cfg.MaxRiskPerTrade),
		targetVol:      decimal.NewFromFloat(cfg.VolatilityTargeting.TargetPortfolioVol),
		maxPositionPct: decimal.NewFromFloat(cfg.MaxPositionPct),
		maxHeat:        decimal.NewFromFloat(cfg.MaxPortfolioHeat),
		corrThreshold:  decimal.NewFromFloat(cfg.CorrelationThreshold),
		minStopPct:     decimal.NewFromFloat(cfg.MinStopDistancePct),
		maxStopPct:     decimal.NewFromFloat(cfg.MaxStopDistancePct),
	}
}

// OnTrigger registers a handler called once per breaker, on the evaluation
// that first trips it. Re-evaluations of an already-triggered breaker do not
// fire the handler again.
func (g *Gate) OnTrigger(fn func(ctx context.Context, name, reason string)) {
	g.onTrigger = fn
}

func (g *Gate) notifyTrigger(ctx context.Context, name, reason string) {
	if g.onTrigger != nil {
		g.onTrigger(ctx, name, reason)
	}
}

// Validate runs the full check sequence against a signal. The first failing
// check short-circuits. Checks run in consequence order: breakers first
// because a triggered breaker rejects every entry regardless of the signal.
func (g *Gate) Validate(ctx context.Context, signal model.Signal, equity decimal.Decimal) (Decision, error) {
	// (1) circuit breakers
	triggered, err := g.EvaluateBreakers(ctx, equity)
	if err != nil {
		return Decision{}, fmt.Errorf("breaker evaluation failed: %w", err)
	}
	if len(triggered) > 0 {
		return rejected(ReasonCircuitBreaker,
			fmt.Sprintf("breakers triggered: %v", triggered)), nil
	}

	// (7, checked early as a precondition for sizing) stop presence
	if signal.StopPrice.LessThanOrEqual(decimal.Zero) {
		return rejected(ReasonStopMissing, "signal carries no stop price"), nil
	}
	stopDistance := signal.StopDistance()
	if stopDistance.LessThanOrEqual(decimal.Zero) {
		return rejected(ReasonStopMissing, "stop price equals entry price"), nil
	}

	// (2) position sizing
	size, err := PositionSize(SizingParams{
		Equity:         equity,
		EntryPrice:     signal.EntryPrice,
		StopDistance:   stopDistance,
		AssetVol:       signal.AssetVol,
		RiskPct:        g.riskPct,
		TargetVol:      g.targetVol,
		VolTargeting:   g.cfg.VolatilityTargeting.Enabled,
		MaxPositionPct: g.maxPositionPct,
	})
	if err != nil {
		return rejected(ReasonSizing, err.Error()), nil
	}
	if size.LessThanOrEqual(decimal.Zero) {
		return rejected(ReasonSizing, "computed size is zero"), nil
	}

	open, err := g.store.OpenPositions(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load open positions: %w", err)
	}

	// (3) portfolio heat: existing risk plus the candidate's
	heat := decimal.Zero
	for _, p := range open {
		heat = heat.Add(p.RiskAmount())
	}
	heat = heat.Add(stopDistance.Mul(size))
	if equity.GreaterThan(decimal.Zero) && heat.Div(equity).GreaterThan(g.maxHeat) {
		return rejected(ReasonPortfolioHeat,
			fmt.Sprintf("portfolio heat %s exceeds cap %s", heat.Div(equity), g.maxHeat)), nil
	}

	// (4) position count and concentration limits
	if g.cfg.MaxOpenPositions > 0 && len(open) >= g.cfg.MaxOpenPositions {
		return rejected(ReasonPositionLimit,
			fmt.Sprintf("%d open positions at limit %d", len(open), g.cfg.MaxOpenPositions)), nil
	}
	symbolCount, strategyCount := 0, 0
	for _, p := range open {
		if p.Symbol == signal.Symbol {
			symbolCount++
		}
		if p.Strategy == signal.Strategy {
			strategyCount++
		}
	}
	if g.cfg.MaxPerSymbol > 0 && symbolCount >= g.cfg.MaxPerSymbol {
		return rejected(ReasonSymbolConcentration,
			fmt.Sprintf("%d positions already open on %s", symbolCount, signal.Symbol)), nil
	}
	if g.cfg.MaxPerStrategy > 0 && strategyCount >= g.cfg.MaxPerStrategy {
		return rejected(ReasonStrategyLimit,
			fmt.Sprintf("%d positions already open for strategy %s", strategyCount, signal.Strategy)), nil
	}

	// (5) correlation against existing exposures
	if g.returns != nil && len(open) > 0 {
		candidate, err := g.returns.Returns(ctx, signal.Symbol, g.cfg.CorrelationWindow)
		if err != nil {
			g.logger.Warn("returns unavailable, skipping correlation check",
				zap.String("symbol", signal.Symbol), zap.Error(err))
		} else {
			for _, p := range open {
				if p.Symbol == signal.Symbol {
					continue
				}
				other, err := g.returns.Returns(ctx, p.Symbol, g.cfg.CorrelationWindow)
				if err != nil {
					continue
				}
				corr := correlation(candidate, other)
				if corr.Abs().GreaterThan(g.corrThreshold) {
					return rejected(ReasonCorrelation,
						fmt.Sprintf("correlation %s with open %s exceeds %s",
							corr.Round(4), p.Symbol, g.corrThreshold)), nil
				}
			}
		}
	}

	// (6) leverage, with asset-class-specific caps
	notional := size.Mul(signal.EntryPrice)
	for _, p := range open {
		notional = notional.Add(p.Quantity.Mul(p.EntryPrice))
	}
	levCap := g.leverageCap(signal.Symbol)
	if equity.GreaterThan(decimal.Zero) && notional.Div(equity).GreaterThan(levCap) {
		return rejected(ReasonLeverage,
			fmt.Sprintf("leverage %s exceeds cap %s", notional.Div(equity).Round(4), levCap)), nil
	}

	// (7) stop distance sanity band
	if signal.EntryPrice.GreaterThan(decimal.Zero) {
		stopPct := stopDistance.Div(signal.EntryPrice)
		if stopPct.LessThan(g.minStopPct) || stopPct.GreaterThan(g.maxStopPct) {
			return rejected(ReasonStopBand,
				fmt.Sprintf("stop distance %s%% outside [%s, %s]",
					stopPct.Mul(decimal.NewFromInt(100)).Round(4), g.minStopPct, g.maxStopPct)), nil
		}
	}

	return Decision{Approved: true, Size: size}, nil
}

func (g *Gate) leverageCap(symbol string) decimal.Decimal {
	if class, ok := g.cfg.AssetClasses[symbol]; ok {
		if override, ok := g.cfg.LeverageOverrides[class]; ok {
			return decimal.NewFromFloat(override)
		}
	}
	return decimal.NewFromFloat(g.cfg.MaxLeverage)
}
