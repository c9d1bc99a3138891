package risk

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/helixtrade/helix/internal/config"
	"github.com/helixtrade/helix/internal/model"
	"github.com/helixtrade/helix/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	st, err := store.NewWithDB(db)
	require.NoError(t, err)
	return st
}

func defaultRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxRiskPerTrade:    0.02,
		MaxPortfolioHeat:   0.06,
		MaxPositionPct:     0.30,
		MaxOpenPositions:   10,
		MaxPerSymbol:       1,
		MaxPerStrategy:     5,
		MaxLeverage:        1.5,
		MinStopDistancePct: 0.001,
		MaxStopDistancePct: 0.10,
		VolatilityTargeting: config.VolTargetConfig{
			Enabled:            false,
			TargetPortfolioVol: 0.15,
		},
		CircuitBreakers: config.BreakerConfig{
			DailyLossPct:       0.05,
			MaxDrawdownPct:     0.15,
			VolatilityMultiple: 3.0,
			VolatilityPolicy:   config.VolatilityPolicyPauseOnly,
		},
	}
}

func newTestGate(t *testing.T, st *store.Store) *Gate {
	t.Helper()
	return NewGate(defaultRiskConfig(), st, nil, nil, zap.NewNop())
}

func TestDailyLossBreakerArithmetic(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	gate := newTestGate(t, st)

	// first evaluation seeds the day-start reference at 10000
	triggered, err := gate.EvaluateBreakers(ctx, decimal.NewFromInt(10000))
	require.NoError(t, err)
	assert.Empty(t, triggered)

	// 9501 is one tick above the -5% limit
	triggered, err = gate.EvaluateBreakers(ctx, decimal.NewFromInt(9501))
	require.NoError(t, err)
	assert.Empty(t, triggered)

	// 9500 is exactly -5.00%
	triggered, err = gate.EvaluateBreakers(ctx, decimal.NewFromInt(9500))
	require.NoError(t, err)
	assert.Contains(t, triggered, model.BreakerDailyLoss)
}

func TestDrawdownBreakerArithmetic(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	gate := newTestGate(t, st)

	// run the peak up to 12000
	_, err := gate.EvaluateBreakers(ctx, decimal.NewFromInt(11500))
	require.NoError(t, err)
	_, err = gate.EvaluateBreakers(ctx, decimal.NewFromInt(12000))
	require.NoError(t, err)

	// 10201 is one tick above the -15% limit of 10200
	triggered, err := gate.EvaluateBreakers(ctx, decimal.NewFromInt(10201))
	require.NoError(t, err)
	assert.NotContains(t, triggered, model.BreakerMaxDrawdown)

	triggered, err = gate.EvaluateBreakers(ctx, decimal.NewFromInt(10200))
	require.NoError(t, err)
	assert.Contains(t, triggered, model.BreakerMaxDrawdown)
}

func TestBreakerIsSticky(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	gate := newTestGate(t, st)

	_, err := gate.EvaluateBreakers(ctx, decimal.NewFromInt(10000))
	require.NoError(t, err)
	triggered, err := gate.EvaluateBreakers(ctx, decimal.NewFromInt(9400))
	require.NoError(t, err)
	require.Contains(t, triggered, model.BreakerDailyLoss)

	// full recovery does not clear the trigger
	triggered, err = gate.EvaluateBreakers(ctx, decimal.NewFromInt(10500))
	require.NoError(t, err)
	assert.Contains(t, triggered, model.BreakerDailyLoss)

	// survives a process restart: a fresh gate reads the same store
	gate2 := newTestGate(t, st)
	triggered, err = gate2.EvaluateBreakers(ctx, decimal.NewFromInt(10500))
	require.NoError(t, err)
	assert.Contains(t, triggered, model.BreakerDailyLoss)
}

func TestBreakerResetIsExplicit(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	gate := newTestGate(t, st)

	_, err := gate.EvaluateBreakers(ctx, decimal.NewFromInt(10000))
	require.NoError(t, err)
	triggered, err := gate.EvaluateBreakers(ctx, decimal.NewFromInt(9000))
	require.NoError(t, err)
	require.Contains(t, triggered, model.BreakerDailyLoss)

	require.NoError(t, st.ResetBreaker(ctx, model.BreakerDailyLoss, "ops"))

	triggered, err = gate.EvaluateBreakers(ctx, decimal.NewFromInt(10500))
	require.NoError(t, err)
	assert.NotContains(t, triggered, model.BreakerDailyLoss)

	// resetting a clear breaker is refused
	err = st.ResetBreaker(ctx, model.BreakerDailyLoss, "ops")
	assert.ErrorIs(t, err, store.ErrBreakerNotTriggered)
}

func TestRolloverDailyStart(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	gate := newTestGate(t, st)

	_, err := gate.EvaluateBreakers(ctx, decimal.NewFromInt(10000))
	require.NoError(t, err)

	// a new day rebases at 9600; -4% intraday is no longer a breach
	require.NoError(t, gate.RolloverDailyStart(ctx, decimal.NewFromInt(9600)))
	triggered, err := gate.EvaluateBreakers(ctx, decimal.NewFromInt(9500))
	require.NoError(t, err)
	assert.NotContains(t, triggered, model.BreakerDailyLoss)
}

type scriptedVol struct {
	current, baseline decimal.Decimal
}

func (v scriptedVol) VolatilityProxy(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	return v.current, v.baseline, nil
}

func TestVolatilityBreaker(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	// 3x baseline exactly does not trigger, above it does
	gate := NewGate(defaultRiskConfig(), st, nil,
		scriptedVol{current: decimal.NewFromFloat(0.30), baseline: decimal.NewFromFloat(0.10)},
		zap.NewNop())
	triggered, err := gate.EvaluateBreakers(ctx, decimal.NewFromInt(10000))
	require.NoError(t, err)
	assert.NotContains(t, triggered, model.BreakerVolatility)

	gate = NewGate(defaultRiskConfig(), st, nil,
		scriptedVol{current: decimal.NewFromFloat(0.31), baseline: decimal.NewFromFloat(0.10)},
		zap.NewNop())
	triggered, err = gate.EvaluateBreakers(ctx, decimal.NewFromInt(10000))
	require.NoError(t, err)
	assert.Contains(t, triggered, model.BreakerVolatility)
}
