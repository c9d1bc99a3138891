package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrInvalidStopDistance rejects sizing with a non-positive stop distance.
var ErrInvalidStopDistance = errors.New("stop distance must be positive")

// SizingParams carries the inputs to position sizing.
type SizingParams struct {
	Equity       decimal.Decimal
	EntryPrice   decimal.Decimal
	StopDistance decimal.Decimal
	AssetVol     decimal.Decimal // annualized volatility of the asset; zero disables vol targeting

	RiskPct        decimal.Decimal // fixed fractional risk per trade
	TargetVol      decimal.Decimal // target portfolio volatility
	VolTargeting   bool
	MaxPositionPct decimal.Decimal // cap as fraction of equity, by notional
}

// PositionSize returns the number of units to trade: the more conservative of
// the volatility-targeted size and the fixed fractional-risk size, capped at
// the maximum fraction of equity per position.
func PositionSize(p SizingParams) (decimal.Decimal, error) {
	if p.StopDistance.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidStopDistance
	}

	// fixed fractional: risk budget divided by per-unit risk
	size := p.Equity.Mul(p.RiskPct).Div(p.StopDistance)

	if p.VolTargeting && p.AssetVol.GreaterThan(decimal.Zero) {
		// volatility targeting: scale notional by target/asset vol, convert
		// to units via the stop distance
		volSize := p.Equity.Mul(p.TargetVol).Div(p.AssetVol).Div(p.StopDistance)
		if volSize.LessThan(size) {
			size = volSize
		}
	}

	if p.MaxPositionPct.GreaterThan(decimal.Zero) && p.EntryPrice.GreaterThan(decimal.Zero) {
		maxUnits := p.Equity.Mul(p.MaxPositionPct).Div(p.EntryPrice)
		if size.GreaterThan(maxUnits) {
			size = maxUnits
		}
	}
	return size, nil
}
