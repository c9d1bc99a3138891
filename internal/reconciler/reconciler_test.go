package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

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

type fixture struct {
	st   *store.Store
	fake *exchange.Fake
	bus  *bus.MemoryBus
	eng  *execution.Engine
	rec  *Reconciler
}

func newFixture(t *testing.T, cfg config.ReconciliationConfig) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	st, err := store.NewWithDB(db)
	require.NoError(t, err)

	fake := exchange.NewFake(decimal.NewFromInt(10000))
	memBus := bus.NewMemoryBus()
	alerts := alerting.New(memBus, testStreams(), zap.NewNop())
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
	rec := New(st, fake, eng, alerts, cfg, zap.NewNop())
	return &fixture{st: st, fake: fake, bus: memBus, eng: eng, rec: rec}
}

func defaultReconCfg() config.ReconciliationConfig {
	return config.ReconciliationConfig{
		Interval:             time.Second,
		AutoRepair:           true,
		MaxRepairAttempts:    3,
		StaleOrderAge:        0,
		LagWarnThreshold:     time.Minute,
		PauseAfterFailures:   3,
		FlattenAfterFailures: 10,
	}
}

// openProtected creates a position that exists both locally and on the venue,
// with a confirmed protective stop.
func openProtected(t *testing.T, f *fixture, symbol string, qty, entry, stop int64) *model.Position {
	t.Helper()
	ctx := context.Background()
	position, _, err := f.st.UpsertPositionOnFill(ctx, symbol, model.PositionSideLong, "breakout",
		decimal.NewFromInt(qty), decimal.NewFromInt(entry))
	require.NoError(t, err)
	f.fake.InjectPosition(symbol, model.PositionSideLong, decimal.NewFromInt(qty), decimal.NewFromInt(entry))
	require.Equal(t, execution.StopConfirmed, f.eng.EnsureStop(ctx, position, decimal.NewFromInt(stop)))
	reloaded, err := f.st.GetPosition(ctx, position.ID)
	require.NoError(t, err)
	return reloaded
}

func alertKinds(f *fixture, stream string) []string {
	events := f.bus.Events(stream)
	kinds := make([]string, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Type)
	}
	return kinds
}

func countKind(f *fixture, stream, eventType string) int {
	n := 0
	for _, e := range f.bus.Events(stream) {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func TestReinstallsExternallyCancelledStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultReconCfg())
	position := openProtected(t, f, "BTC-USD", 50, 400, 396)
	require.NotEmpty(t, position.StopOrderID)

	// someone cancels the stop out from under us
	f.fake.DeleteOrder(position.StopOrderID)

	require.NoError(t, f.rec.RunCycle(ctx))

	reloaded, err := f.st.GetPosition(ctx, position.ID)
	require.NoError(t, err)
	require.NotEmpty(t, reloaded.StopOrderID)
	status, err := f.fake.FetchOrderByClientID(ctx, reloaded.StopOrderID)
	require.NoError(t, err)
	assert.True(t, status.Active(), "stop must be resident again after one cycle")

	assert.Contains(t, alertKinds(f, "alerts.critical"), "alert.stop_coverage")
}

func TestGhostPositionClosedLocally(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultReconCfg())
	position := openProtected(t, f, "BTC-USD", 50, 400, 396)

	// the venue no longer holds the position, a stop fired while we were down
	f.fake.RemovePosition("BTC-USD", model.PositionSideLong)

	require.NoError(t, f.rec.RunCycle(ctx))

	_, err := f.st.GetOpenPosition(ctx, "BTC-USD", model.PositionSideLong)
	assert.ErrorIs(t, err, store.ErrPositionNotFound)

	// the leftover stop was cancelled, not left resting
	status, err := f.fake.FetchOrderByClientID(ctx, position.StopOrderID)
	require.NoError(t, err)
	assert.False(t, status.Active())

	assert.Contains(t, alertKinds(f, "alerts.warning"), "alert.ghost_position")
}

func TestOrphanPositionAdopted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultReconCfg())

	f.fake.InjectPosition("ETH-USD", model.PositionSideLong, decimal.NewFromInt(5), decimal.NewFromInt(2000))

	require.NoError(t, f.rec.RunCycle(ctx))

	adopted, err := f.st.GetOpenPosition(ctx, "ETH-USD", model.PositionSideLong)
	require.NoError(t, err)
	assert.True(t, adopted.Quantity.Equal(decimal.NewFromInt(5)))
	assert.Empty(t, adopted.StopOrderID, "no protection level is known for an adopted position")

	assert.Contains(t, alertKinds(f, "alerts.critical"), "alert.orphan_position")
}

func TestQuantityMismatchSnapsToVenue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultReconCfg())
	position := openProtected(t, f, "BTC-USD", 50, 400, 396)

	// a manual partial close on the venue side
	f.fake.RemovePosition("BTC-USD", model.PositionSideLong)
	f.fake.InjectPosition("BTC-USD", model.PositionSideLong, decimal.NewFromInt(40), decimal.NewFromInt(400))

	require.NoError(t, f.rec.RunCycle(ctx))

	reloaded, err := f.st.GetPosition(ctx, position.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.Quantity.Equal(decimal.NewFromInt(40)))

	// the stop was resized along with the position
	wantStop := idgen.StopOrderID(position.ID.String(), "396", "40")
	assert.Equal(t, wantStop, reloaded.StopOrderID)
	status, err := f.fake.FetchOrderByClientID(ctx, wantStop)
	require.NoError(t, err)
	assert.True(t, status.Active())

	// the superseded full-size stop is gone
	old, err := f.fake.FetchOrderByClientID(ctx, position.StopOrderID)
	require.NoError(t, err)
	assert.False(t, old.Active())
}

func TestVanishedOrderCancelledAfterGrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultReconCfg())

	order := &model.Order{
		ClientOrderID: idgen.ClientOrderID("breakout", "BTC-USD", "BUY", 1700000000000000000, 0),
		Strategy:      "breakout",
		Symbol:        "BTC-USD",
		Side:          model.OrderSideBuy,
		Type:          model.OrderTypeLimit,
		Quantity:      decimal.NewFromInt(50),
		Price:         decimal.NewNullDecimal(decimal.NewFromInt(400)),
		Status:        model.OrderStatusNew,
	}
	_, err := f.st.CreateOrderIntent(ctx, order)
	require.NoError(t, err)
	require.NoError(t, f.st.TransitionOrder(ctx, order.ClientOrderID, model.OrderStatusNew, model.OrderStatusSubmitting))
	require.NoError(t, f.st.TransitionOrder(ctx, order.ClientOrderID, model.OrderStatusSubmitting, model.OrderStatusSubmitted))

	// the venue has no record of it and the configured grace is zero
	require.NoError(t, f.rec.RunCycle(ctx))

	reloaded, err := f.st.GetOrderByClientID(ctx, order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, reloaded.Status)
	assert.Contains(t, alertKinds(f, "alerts.warning"), "alert.order_vanished")
}

func TestFreshMissingOrderGetsGrace(t *testing.T) {
	ctx := context.Background()
	cfg := defaultReconCfg()
	cfg.StaleOrderAge = time.Hour
	f := newFixture(t, cfg)

	order := &model.Order{
		ClientOrderID: idgen.ClientOrderID("breakout", "BTC-USD", "BUY", 1700000000000000000, 0),
		Strategy:      "breakout",
		Symbol:        "BTC-USD",
		Side:          model.OrderSideBuy,
		Type:          model.OrderTypeLimit,
		Quantity:      decimal.NewFromInt(50),
		Price:         decimal.NewNullDecimal(decimal.NewFromInt(400)),
		Status:        model.OrderStatusNew,
	}
	_, err := f.st.CreateOrderIntent(ctx, order)
	require.NoError(t, err)
	require.NoError(t, f.st.TransitionOrder(ctx, order.ClientOrderID, model.OrderStatusNew, model.OrderStatusSubmitting))
	require.NoError(t, f.st.TransitionOrder(ctx, order.ClientOrderID, model.OrderStatusSubmitting, model.OrderStatusSubmitted))

	require.NoError(t, f.rec.RunCycle(ctx))

	reloaded, err := f.st.GetOrderByClientID(ctx, order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusSubmitted, reloaded.Status, "a just-submitted order gets time to appear")
}

func TestRecoversOrderStuckInSubmitting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultReconCfg())

	clientID := idgen.ClientOrderID("breakout", "BTC-USD", "BUY", 1700000000000000000, 0)
	order := &model.Order{
		ClientOrderID: clientID,
		Strategy:      "breakout",
		Symbol:        "BTC-USD",
		Side:          model.OrderSideBuy,
		Type:          model.OrderTypeLimit,
		Quantity:      decimal.NewFromInt(50),
		Price:         decimal.NewNullDecimal(decimal.NewFromInt(400)),
		Status:        model.OrderStatusNew,
	}
	_, err := f.st.CreateOrderIntent(ctx, order)
	require.NoError(t, err)
	require.NoError(t, f.st.TransitionOrder(ctx, clientID, model.OrderStatusNew, model.OrderStatusSubmitting))

	// the submission landed on the venue but the process died before the echo
	_, err = f.fake.SubmitOrder(ctx, exchange.OrderSpec{
		ClientOrderID: clientID,
		Symbol:        "BTC-USD",
		Side:          model.OrderSideBuy,
		Type:          model.OrderTypeLimit,
		Quantity:      decimal.NewFromInt(50),
		Price:         decimal.NewNullDecimal(decimal.NewFromInt(400)),
	})
	require.NoError(t, err)

	require.NoError(t, f.rec.RunCycle(ctx))

	reloaded, err := f.st.GetOrderByClientID(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusSubmitted, reloaded.Status)
	require.NotNil(t, reloaded.ExchangeOrderID)
}

func TestMirrorsVenueCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultReconCfg())

	clientID := idgen.ClientOrderID("breakout", "BTC-USD", "BUY", 1700000000000000000, 0)
	order := &model.Order{
		ClientOrderID: clientID,
		Strategy:      "breakout",
		Symbol:        "BTC-USD",
		Side:          model.OrderSideBuy,
		Type:          model.OrderTypeLimit,
		Quantity:      decimal.NewFromInt(50),
		Price:         decimal.NewNullDecimal(decimal.NewFromInt(400)),
		Status:        model.OrderStatusNew,
	}
	_, err := f.st.CreateOrderIntent(ctx, order)
	require.NoError(t, err)
	require.NoError(t, f.st.TransitionOrder(ctx, clientID, model.OrderStatusNew, model.OrderStatusSubmitting))
	require.NoError(t, f.st.TransitionOrder(ctx, clientID, model.OrderStatusSubmitting, model.OrderStatusSubmitted))

	_, err = f.fake.SubmitOrder(ctx, exchange.OrderSpec{
		ClientOrderID: clientID,
		Symbol:        "BTC-USD",
		Side:          model.OrderSideBuy,
		Type:          model.OrderTypeLimit,
		Quantity:      decimal.NewFromInt(50),
		Price:         decimal.NewNullDecimal(decimal.NewFromInt(400)),
	})
	require.NoError(t, err)
	require.NoError(t, f.fake.CancelOrder(ctx, clientID))

	require.NoError(t, f.rec.RunCycle(ctx))

	reloaded, err := f.st.GetOrderByClientID(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, reloaded.Status)
}

func TestEscalatesAfterRepairBudget(t *testing.T) {
	ctx := context.Background()
	cfg := defaultReconCfg()
	cfg.MaxRepairAttempts = 2
	f := newFixture(t, cfg)

	// an adopted position has no protection level; stop coverage can alert
	// and burn attempts but never actually repair it
	adopted, err := f.st.AdoptPosition(ctx, "ETH-USD", model.PositionSideLong,
		decimal.NewFromInt(5), decimal.NewFromInt(2000))
	require.NoError(t, err)
	f.fake.InjectPosition("ETH-USD", model.PositionSideLong, decimal.NewFromInt(5), decimal.NewFromInt(2000))

	for i := 0; i < 4; i++ {
		require.NoError(t, f.rec.RunCycle(ctx))
	}

	assert.Equal(t, 1, countKind(f, "alerts.critical", "alert.unrecoverable_drift"),
		"escalation fires exactly once per discrepancy")
	// the position itself is untouched, resolution is on the operator
	still, err := f.st.GetPosition(ctx, adopted.ID)
	require.NoError(t, err)
	assert.True(t, still.IsOpen())
}

func TestAutoRepairOffDetectsOnly(t *testing.T) {
	ctx := context.Background()
	cfg := defaultReconCfg()
	cfg.AutoRepair = false
	f := newFixture(t, cfg)
	position := openProtected(t, f, "BTC-USD", 50, 400, 396)

	f.fake.RemovePosition("BTC-USD", model.PositionSideLong)

	require.NoError(t, f.rec.RunCycle(ctx))

	// the ghost is reported but never closed
	reloaded, err := f.st.GetPosition(ctx, position.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.IsOpen())
	assert.Contains(t, alertKinds(f, "alerts.warning"), "alert.ghost_position")
}

func TestVenueOutagePausesThenFlattens(t *testing.T) {
	ctx := context.Background()
	cfg := defaultReconCfg()
	cfg.PauseAfterFailures = 2
	cfg.FlattenAfterFailures = 4
	f := newFixture(t, cfg)

	f.fake.SetUnreachable(true)

	// one lost cycle is tolerated
	f.rec.cycle(ctx)
	state, err := f.st.BotState(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.BotStateRunning, state.State)

	// the second consecutive failure pauses, exactly once
	f.rec.cycle(ctx)
	state, err = f.st.BotState(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.BotStatePaused, state.State)
	assert.Equal(t, 1, countKind(f, "alerts.critical", "alert.venue_unreachable"))

	f.rec.cycle(ctx)
	assert.Equal(t, 1, countKind(f, "alerts.critical", "alert.venue_unreachable"))

	// the fourth engages the kill switch even though the venue is down:
	// the halt is durable, the teardown retries once connectivity returns
	f.rec.cycle(ctx)
	state, err = f.st.BotState(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.BotStateHalted, state.State)
	assert.Equal(t, 1, countKind(f, "alerts.critical", "alert.kill_switch"))
}

func TestVenueRecoveryResetsOutageCounter(t *testing.T) {
	ctx := context.Background()
	cfg := defaultReconCfg()
	cfg.PauseAfterFailures = 2
	cfg.FlattenAfterFailures = 10
	f := newFixture(t, cfg)

	f.fake.SetUnreachable(true)
	f.rec.cycle(ctx)
	f.rec.cycle(ctx)
	require.Equal(t, 1, countKind(f, "alerts.critical", "alert.venue_unreachable"))

	// connectivity returns; the bot stays paused for the operator
	f.fake.SetUnreachable(false)
	f.rec.cycle(ctx)
	state, err := f.st.BotState(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.BotStatePaused, state.State)
	assert.Contains(t, alertKinds(f, "alerts.info"), "alert.venue_recovered")

	// a later outage starts a fresh count and escalates again
	f.fake.SetUnreachable(true)
	f.rec.cycle(ctx)
	f.rec.cycle(ctx)
	assert.Equal(t, 2, countKind(f, "alerts.critical", "alert.venue_unreachable"))
}

func TestBriefVenueBlipLeavesBotRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, defaultReconCfg())

	f.fake.SetUnreachable(true)
	f.rec.cycle(ctx)
	f.fake.SetUnreachable(false)
	f.rec.cycle(ctx)

	state, err := f.st.BotState(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.BotStateRunning, state.State)
	assert.Empty(t, alertKinds(f, "alerts.critical"))
	assert.Empty(t, alertKinds(f, "alerts.info"))
}
