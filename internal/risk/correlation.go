package risk

import (
	"context"

	"github.com/shopspring/decimal"
)

// ReturnsProvider supplies recent per-symbol return series for the
// correlation check. Market-data ingestion itself is an external
// collaborator; only the read interface lives here.
type ReturnsProvider interface {
	Returns(ctx context.Context, symbol string, window int) ([]decimal.Decimal, error)
}

// VolatilityProvider supplies the rolling volatility proxy and its recent
// average for the volatility circuit breaker.
type VolatilityProvider interface {
	VolatilityProxy(ctx context.Context) (current, baseline decimal.Decimal, err error)
}

// correlation computes the Pearson correlation of two equal-length return
// series. Series shorter than two points, or with zero variance, correlate
// to zero.
func correlation(a, b []decimal.Decimal) decimal.Decimal {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return decimal.Zero
	}
	a = a[len(a)-n:]
	b = b[len(b)-n:]

	count := decimal.NewFromInt(int64(n))
	var sumA, sumB decimal.Decimal
	for i := 0; i < n; i++ {
		sumA = sumA.Add(a[i])
		sumB = sumB.Add(b[i])
	}
	meanA := sumA.Div(count)
	meanB := sumB.Div(count)

	var cov, varA, varB decimal.Decimal
	for i := 0; i < n; i++ {
		da := a[i].Sub(meanA)
		db := b[i].Sub(meanB)
		cov = cov.Add(da.Mul(db))
		varA = varA.Add(da.Mul(da))
		varB = varB.Add(db.Mul(db))
	}
	if varA.IsZero() || varB.IsZero() {
		return decimal.Zero
	}
	denom := decimalSqrt(varA.Mul(varB))
	if denom.IsZero() {
		return decimal.Zero
	}
	return cov.Div(denom)
}

// decimalSqrt approximates the square root with Newton's method; four
// decimal places is plenty for a correlation threshold comparison.
func decimalSqrt(d decimal.Decimal) decimal.Decimal {
	if d.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	two := decimal.NewFromInt(2)
	guess := d.Div(two)
	if guess.IsZero() {
		guess = d
	}
	for i := 0; i < 20; i++ {
		next := guess.Add(d.Div(guess)).Div(two)
		if next.Sub(guess).Abs().LessThan(decimal.New(1, -8)) {
			return next
		}
		guess = next
	}
	return guess
}
