package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/helixtrade/helix/internal/alerting"
	"github.com/helixtrade/helix/internal/bus"
	"github.com/helixtrade/helix/internal/config"
	"github.com/helixtrade/helix/internal/exchange"
	"github.com/helixtrade/helix/internal/execution"
	"github.com/helixtrade/helix/internal/idgen"
	"github.com/helixtrade/helix/internal/model"
	"github.com/helixtrade/helix/internal/store"
)

func testStreams() config.StreamsConfig {
	return config.StreamsConfig{
		Signals:          "signals.incoming",
		ApprovedSignals:  "signals.approved",
		OrdersLifecycle:  "orders.lifecycle",
		PositionsChanged: "positions.changed",
		RiskSnapshots:    "risk.snapshots",
		AlertsCritical:   "alerts.critical",
		AlertsWarning:    "alerts.warning",
		AlertsInfo:       "alerts.info",
	}
}

type serviceFixture struct {
	st   *store.Store
	fake *exchange.Fake
	bus  *bus.MemoryBus
	eng  *execution.Engine
	svc  *Service
}

// newServiceFixture wires a full risk service around a scripted volatility
// proxy so tests can trip the volatility breaker on demand.
func newServiceFixture(t *testing.T, policy string, vol VolatilityProvider) *serviceFixture {
	t.Helper()
	st := newTestStore(t)
	fake := exchange.NewFake(decimal.NewFromInt(10000))
	memBus := bus.NewMemoryBus()
	alerts := alerting.New(memBus, testStreams(), zap.NewNop())

	riskCfg := defaultRiskConfig()
	riskCfg.CircuitBreakers.VolatilityPolicy = policy
	gate := NewGate(riskCfg, st, nil, vol, zap.NewNop())

	execCfg := config.ExecutionConfig{
		SubmitTimeout:     200 * time.Millisecond,
		MaxSubmitAttempts: 3,
		BackoffBase:       time.Millisecond,
		BackoffMax:        5 * time.Millisecond,
		MaxStopAttempts:   3,
		StuckOrderAge:     time.Minute,
		SweepInterval:     time.Hour,
	}
	eng := execution.NewEngine(st, memBus, testStreams(), fake, alerts, execCfg, false, zap.NewNop())
	svc := NewService(gate, st, memBus, testStreams(), fake, alerts, eng, 0, zap.NewNop())
	return &serviceFixture{st: st, fake: fake, bus: memBus, eng: eng, svc: svc}
}

func countAlert(f *serviceFixture, stream, eventType string) int {
	n := 0
	for _, e := range f.bus.Events(stream) {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func calmSignal() model.Signal {
	return model.Signal{
		Strategy:    "breakout",
		Symbol:      "BTC-USD",
		Side:        model.OrderSideBuy,
		EntryPrice:  decimal.NewFromInt(400),
		StopPrice:   decimal.NewFromInt(396),
		TimestampNS: 1700000000000000000,
	}
}

func TestVolatilityTriggerPauseOnlyKeepsPositions(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, config.VolatilityPolicyPauseOnly,
		scriptedVol{current: decimal.NewFromFloat(0.50), baseline: decimal.NewFromFloat(0.10)})

	position, _, err := f.st.UpsertPositionOnFill(ctx, "ETH-USD", model.PositionSideLong, "breakout",
		decimal.NewFromInt(5), decimal.NewFromInt(2000))
	require.NoError(t, err)
	f.fake.InjectPosition("ETH-USD", model.PositionSideLong, decimal.NewFromInt(5), decimal.NewFromInt(2000))

	require.NoError(t, f.svc.HandleSignal(ctx, calmSignal()))

	state, err := f.st.BotState(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.BotStatePaused, state.State)
	assert.Equal(t, 1, countAlert(f, "alerts.critical", "alert.circuit_breaker"))

	// the open position is untouched under pause_only
	open, err := f.st.OpenPositions(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	_, err = f.fake.FetchOrderByClientID(ctx, idgen.FlattenOrderID(position.ID.String()))
	assert.ErrorIs(t, err, exchange.ErrOrderNotFound)
}

func TestVolatilityTriggerClosePositionsFlattens(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, config.VolatilityPolicyClosePositions,
		scriptedVol{current: decimal.NewFromFloat(0.50), baseline: decimal.NewFromFloat(0.10)})

	position, _, err := f.st.UpsertPositionOnFill(ctx, "ETH-USD", model.PositionSideLong, "breakout",
		decimal.NewFromInt(5), decimal.NewFromInt(2000))
	require.NoError(t, err)
	f.fake.InjectPosition("ETH-USD", model.PositionSideLong, decimal.NewFromInt(5), decimal.NewFromInt(2000))

	require.NoError(t, f.svc.HandleSignal(ctx, calmSignal()))

	// paused, not halted: an operator resume suffices after a breaker reset
	state, err := f.st.BotState(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.BotStatePaused, state.State)

	// the flatten path closed the exposure with a reduce-only market order
	flattenOrder, err := f.fake.FetchOrderByClientID(ctx, idgen.FlattenOrderID(position.ID.String()))
	require.NoError(t, err)
	assert.True(t, flattenOrder.ReduceOnly)
	assert.Equal(t, model.OrderTypeMarket, flattenOrder.Type)
	assert.Equal(t, model.OrderSideSell, flattenOrder.Side)
	assert.Equal(t, 1, countAlert(f, "alerts.critical", "alert.circuit_breaker"))
	assert.Equal(t, 1, countAlert(f, "alerts.warning", "alert.flatten_all"))
}

func TestBreakerTriggerFiresOnce(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, config.VolatilityPolicyPauseOnly,
		scriptedVol{current: decimal.NewFromFloat(0.50), baseline: decimal.NewFromFloat(0.10)})

	require.NoError(t, f.svc.HandleSignal(ctx, calmSignal()))
	require.Equal(t, 1, countAlert(f, "alerts.critical", "alert.circuit_breaker"))

	// re-evaluating a breaker that is already triggered stays quiet
	equity, err := f.fake.FetchAccountEquity(ctx)
	require.NoError(t, err)
	triggered, err := f.svc.gate.EvaluateBreakers(ctx, equity)
	require.NoError(t, err)
	require.Contains(t, triggered, model.BreakerVolatility)
	assert.Equal(t, 1, countAlert(f, "alerts.critical", "alert.circuit_breaker"))
}

func TestDailyLossTriggerPausesBot(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t, config.VolatilityPolicyPauseOnly, nil)

	// seed the day-start reference, then breach the -5% limit
	_, err := f.svc.gate.EvaluateBreakers(ctx, decimal.NewFromInt(10000))
	require.NoError(t, err)
	triggered, err := f.svc.gate.EvaluateBreakers(ctx, decimal.NewFromInt(9400))
	require.NoError(t, err)
	require.Contains(t, triggered, model.BreakerDailyLoss)

	state, err := f.st.BotState(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.BotStatePaused, state.State)
	assert.Equal(t, 1, countAlert(f, "alerts.critical", "alert.circuit_breaker"))
}
