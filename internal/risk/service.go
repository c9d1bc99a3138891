package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helixtrade/helix/internal/alerting"
	"github.com/helixtrade/helix/internal/bus"
	"github.com/helixtrade/helix/internal/config"
	"github.com/helixtrade/helix/internal/exchange"
	"github.com/helixtrade/helix/internal/model"
	"github.com/helixtrade/helix/internal/store"
)

// Flattener closes every open order and position without changing the bot's
// run state. The execution engine satisfies it.
type Flattener interface {
	FlattenAll(ctx context.Context, reason, by string) error
}

// Service consumes incoming signals, validates them through the gate, and
// publishes approved signals for the execution engine. It also writes
// periodic risk snapshots, rolls the daily equity reference at UTC midnight,
// and pauses the bot when a circuit breaker trips.
type Service struct {
	gate      *Gate
	store     *store.Store
	bus       bus.Bus
	streams   config.StreamsConfig
	adapter   exchange.Adapter
	alerts    *alerting.Alerts
	flattener Flattener
	logger    *zap.Logger

	snapshotInterval time.Duration
	lastRolloverDay  string
}

// NewService wires the risk service. flattener may be nil, which reduces the
// close_positions volatility policy to pause_only.
func NewService(gate *Gate, st *store.Store, b bus.Bus, streams config.StreamsConfig, adapter exchange.Adapter, alerts *alerting.Alerts, flattener Flattener, snapshotInterval time.Duration, logger *zap.Logger) *Service {
	s := &Service{
		gate:             gate,
		store:            st,
		bus:              b,
		streams:          streams,
		adapter:          adapter,
		alerts:           alerts,
		flattener:        flattener,
		logger:           logger,
		snapshotInterval: snapshotInterval,
	}
	gate.OnTrigger(s.onBreakerTriggered)
	return s
}

// onBreakerTriggered runs once when a breaker first trips. Every breaker
// pauses the bot; the volatility breaker additionally flattens the book when
// configured with the close_positions policy. The bot ends up PAUSED either
// way, so an operator resume is enough once the breaker is reset.
func (s *Service) onBreakerTriggered(ctx context.Context, name, reason string) {
	detail := fmt.Sprintf("circuit breaker %s: %s", name, reason)
	if err := s.store.SetBotState(ctx, model.BotStatePaused, detail, "risk-gate"); err != nil {
		s.logger.Error("failed to pause bot after breaker trigger",
			zap.String("breaker", name), zap.Error(err))
	}
	s.alerts.Critical(ctx, "circuit_breaker", "circuit breaker triggered, trading paused", map[string]interface{}{
		"breaker": name,
		"reason":  reason,
	})

	if name != model.BreakerVolatility {
		return
	}
	policy := s.gate.cfg.CircuitBreakers.VolatilityPolicy
	if policy != config.VolatilityPolicyClosePositions || s.flattener == nil {
		return
	}
	if err := s.flattener.FlattenAll(ctx, detail, "risk-gate"); err != nil {
		s.logger.Error("volatility flatten failed", zap.Error(err))
	}
}

// Run consumes the incoming signal stream until ctx is cancelled. A snapshot
// timer runs alongside the consumer.
func (s *Service) Run(ctx context.Context) error {
	go s.snapshotLoop(ctx)
	return s.bus.Subscribe(ctx, s.streams.Signals, "risk-gate", s.handleSignalEvent)
}

func (s *Service) handleSignalEvent(ctx context.Context, event bus.Event) error {
	var signal model.Signal
	if err := event.Decode(&signal); err != nil {
		// malformed event, ack and drop
		s.logger.Error("dropping malformed signal event", zap.Error(err))
		return nil
	}
	return s.HandleSignal(ctx, signal)
}

// HandleSignal validates one signal and publishes the outcome. Rejections
// are acknowledged, not retried: a rejection is a final decision, not a
// processing failure.
func (s *Service) HandleSignal(ctx context.Context, signal model.Signal) error {
	state, err := s.store.BotState(ctx)
	if err != nil {
		return err
	}
	if state.State != model.BotStateRunning {
		s.logger.Warn("signal ignored while not running",
			zap.String("bot_state", state.State),
			zap.String("symbol", signal.Symbol))
		return nil
	}

	equity, err := s.adapter.FetchAccountEquity(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch account equity: %w", err)
	}
	s.maybeRollover(ctx, equity)

	decision, err := s.gate.Validate(ctx, signal, equity)
	if err != nil {
		return err
	}

	if !decision.Approved {
		s.logger.Info("signal rejected",
			zap.String("strategy", signal.Strategy),
			zap.String("symbol", signal.Symbol),
			zap.String("reason", decision.Reason),
			zap.String("detail", decision.Detail))
		s.alerts.Warning(ctx, "signal_rejected", "trade signal rejected by risk gate", map[string]interface{}{
			"strategy": signal.Strategy,
			"symbol":   signal.Symbol,
			"reason":   decision.Reason,
			"detail":   decision.Detail,
		})
		return s.writeSnapshot(ctx, equity)
	}

	approved := model.ApprovedSignal{Signal: signal, Size: decision.Size}
	event, err := bus.NewEvent("signal.approved", approved)
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, s.streams.ApprovedSignals, event); err != nil {
		return fmt.Errorf("failed to publish approved signal: %w", err)
	}
	s.logger.Info("signal approved",
		zap.String("strategy", signal.Strategy),
		zap.String("symbol", signal.Symbol),
		zap.String("size", decision.Size.String()))
	return s.writeSnapshot(ctx, equity)
}

func (s *Service) maybeRollover(ctx context.Context, equity decimal.Decimal) {
	day := time.Now().UTC().Format("2006-01-02")
	if s.lastRolloverDay == "" {
		s.lastRolloverDay = day
		return
	}
	if day != s.lastRolloverDay {
		if err := s.gate.RolloverDailyStart(ctx, equity); err != nil {
			s.logger.Error("daily rollover failed", zap.Error(err))
			return
		}
		s.lastRolloverDay = day
	}
}

func (s *Service) snapshotLoop(ctx context.Context) {
	if s.snapshotInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			equity, err := s.adapter.FetchAccountEquity(ctx)
			if err != nil {
				s.logger.Warn("snapshot skipped, equity unavailable", zap.Error(err))
				continue
			}
			if err := s.writeSnapshot(ctx, equity); err != nil {
				s.logger.Error("failed to write risk snapshot", zap.Error(err))
			}
		}
	}
}

// writeSnapshot persists a point-in-time risk summary and publishes it on
// the risk.snapshots stream.
func (s *Service) writeSnapshot(ctx context.Context, equity decimal.Decimal) error {
	open, err := s.store.OpenPositions(ctx)
	if err != nil {
		return err
	}
	heat := decimal.Zero
	notional := decimal.Zero
	exposure := make(map[string]string, len(open))
	for _, p := range open {
		heat = heat.Add(p.RiskAmount())
		n := p.Quantity.Mul(p.EntryPrice)
		notional = notional.Add(n)
		exposure[p.Symbol] = n.String()
	}
	heatPct := decimal.Zero
	leverage := decimal.Zero
	if equity.GreaterThan(decimal.Zero) {
		heatPct = heat.Div(equity)
		leverage = notional.Div(equity)
	}

	breakers, err := s.store.ListBreakers(ctx)
	if err != nil {
		return err
	}
	breakerStates := make(map[string]bool, len(breakers))
	for _, b := range breakers {
		breakerStates[b.Name] = b.Triggered
	}

	exposureJSON, _ := json.Marshal(exposure)
	breakersJSON, _ := json.Marshal(breakerStates)
	snapshot := &model.RiskSnapshot{
		Timestamp:     time.Now().UTC(),
		Equity:        equity,
		PortfolioHeat: heatPct,
		Leverage:      leverage,
		ExposureJSON:  string(exposureJSON),
		BreakersJSON:  string(breakersJSON),
	}
	if err := s.store.WriteRiskSnapshot(ctx, snapshot); err != nil {
		return err
	}

	event, err := bus.NewEvent("risk.snapshot", snapshot)
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, s.streams.RiskSnapshots, event); err != nil {
		s.logger.Warn("failed to publish risk snapshot", zap.Error(err))
	}
	return nil
}
