// Package execution turns approved signals into exchange orders. Every
// submission is anchored on a durable intent row and a deterministic client
// order id, so a crash or redelivery at any point resumes the same logical
// order instead of creating a second one. No success is declared without
// re-fetching the order from the exchange by client id.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helixtrade/helix/internal/alerting"
	"github.com/helixtrade/helix/internal/bus"
	"github.com/helixtrade/helix/internal/config"
	"github.com/helixtrade/helix/internal/exchange"
	"github.com/helixtrade/helix/internal/idgen"
	"github.com/helixtrade/helix/internal/model"
	"github.com/helixtrade/helix/internal/store"
	"github.com/helixtrade/helix/pkg/metrics"
)

// ErrSubmissionFailed is returned when every submit attempt was spent without
// a confirmed acknowledgment. The order row stays in SUBMITTING for the
// reconciler to resolve.
var ErrSubmissionFailed = errors.New("order submission attempts exhausted")

// Engine is the execution service. It consumes approved signals, manages the
// order submission state machine, installs protective stops, applies fills,
// and runs the stuck-order sweep.
type Engine struct {
	store   *store.Store
	bus     bus.Bus
	streams config.StreamsConfig
	adapter exchange.Adapter
	alerts  *alerting.Alerts
	cfg     config.ExecutionConfig
	dryRun  bool
	logger  *zap.Logger

	// retryCtx bounds the background stop-retry goroutines; Run cancels it
	// on shutdown so none of them outlive the engine.
	retryCtx    context.Context
	retryCancel context.CancelFunc

	lastFillSeen time.Time
}

// NewEngine wires the execution engine.
func NewEngine(st *store.Store, b bus.Bus, streams config.StreamsConfig, adapter exchange.Adapter, alerts *alerting.Alerts, cfg config.ExecutionConfig, dryRun bool, logger *zap.Logger) *Engine {
	retryCtx, retryCancel := context.WithCancel(context.Background())
	return &Engine{
		store:        st,
		bus:          b,
		streams:      streams,
		adapter:      adapter,
		alerts:       alerts,
		cfg:          cfg,
		dryRun:       dryRun,
		logger:       logger,
		retryCtx:     retryCtx,
		retryCancel:  retryCancel,
		lastFillSeen: time.Now().UTC(),
	}
}

// Run consumes the approved-signal stream until ctx is cancelled. The fill
// poller and the stuck-order sweep run alongside the consumer; background
// stop retries are cancelled on the way out.
func (e *Engine) Run(ctx context.Context) error {
	defer e.retryCancel()
	go e.fillLoop(ctx)
	go e.sweepLoop(ctx)
	return e.bus.Subscribe(ctx, e.streams.ApprovedSignals, "execution-engine", e.handleApprovedEvent)
}

func (e *Engine) handleApprovedEvent(ctx context.Context, event bus.Event) error {
	var approved model.ApprovedSignal
	if err := event.Decode(&approved); err != nil {
		e.logger.Error("dropping malformed approved signal event", zap.Error(err))
		return nil
	}
	return e.HandleApprovedSignal(ctx, approved)
}

// HandleApprovedSignal executes one approved signal: durable intent first,
// then the submit-and-confirm loop. Redelivery of the same signal converges
// on the same client order id and is absorbed by the intent row.
func (e *Engine) HandleApprovedSignal(ctx context.Context, approved model.ApprovedSignal) error {
	state, err := e.store.BotState(ctx)
	if err != nil {
		return err
	}
	if state.State != model.BotStateRunning {
		e.logger.Warn("approved signal ignored while not running",
			zap.String("bot_state", state.State),
			zap.String("symbol", approved.Symbol))
		return nil
	}

	clientID := idgen.ClientOrderID(approved.Strategy, approved.Symbol, approved.Side, approved.TimestampNS, approved.Nonce)
	order := &model.Order{
		ClientOrderID: clientID,
		Strategy:      approved.Strategy,
		Symbol:        approved.Symbol,
		Side:          approved.Side,
		Type:          model.OrderTypeLimit,
		Quantity:      approved.Size,
		Price:         decimal.NewNullDecimal(approved.EntryPrice),
		// the intended protection level travels with the entry so the
		// stop can be installed from the fill alone
		StopPrice: decimal.NewNullDecimal(approved.StopPrice),
		Urgent:    approved.Urgent,
		Status:    model.OrderStatusNew,
	}

	existing, err := e.store.CreateOrderIntent(ctx, order)
	if errors.Is(err, store.ErrOrderExists) {
		if existing.Status != model.OrderStatusNew && existing.Status != model.OrderStatusSubmitting {
			e.logger.Info("signal already executed",
				zap.String("client_order_id", clientID),
				zap.String("status", existing.Status))
			return nil
		}
		// crashed or interrupted mid-submission, resume the same order
		order = existing
	} else if err != nil {
		return err
	}

	if e.dryRun {
		e.logger.Info("dry run, order intent recorded but not sent",
			zap.String("client_order_id", clientID),
			zap.String("symbol", order.Symbol),
			zap.String("side", order.Side),
			zap.String("quantity", order.Quantity.String()))
		return nil
	}

	return e.submit(ctx, order)
}

// submit drives one order through SUBMITTING to a confirmed SUBMITTED, a
// terminal REJECTED, or exhaustion. The client order id never changes across
// attempts; the exchange deduplicates on it.
func (e *Engine) submit(ctx context.Context, order *model.Order) error {
	if order.Status == model.OrderStatusNew {
		if err := e.store.TransitionOrder(ctx, order.ClientOrderID, model.OrderStatusNew, model.OrderStatusSubmitting); err != nil {
			return err
		}
	}

	start := time.Now()
	spec := specFor(order)
	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxSubmitAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoffDelay(attempt-1, e.cfg.BackoffBase, e.cfg.BackoffMax)); err != nil {
				return err
			}
		}

		sctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		_, err := e.adapter.SubmitOrder(sctx, spec)
		cancel()

		switch {
		case err == nil, errors.Is(err, exchange.ErrDuplicateClientID):
			// acknowledged, or already resident from an earlier attempt;
			// either way only the echo check decides
			status, confirmErr := e.confirm(ctx, order.ClientOrderID)
			if confirmErr != nil {
				lastErr = confirmErr
				e.logger.Warn("submission not yet visible on exchange",
					zap.String("client_order_id", order.ClientOrderID),
					zap.Int("attempt", attempt+1),
					zap.Error(confirmErr))
				continue
			}
			if status.Status == exchange.StateRejected {
				return e.markRejected(ctx, order, &exchange.RejectionError{Reason: "rejected on exchange"})
			}
			return e.markSubmitted(ctx, order, status, start)

		case exchange.IsRejection(err):
			return e.markRejected(ctx, order, err)

		case exchange.IsTransient(err):
			lastErr = err
			e.logger.Warn("transient submission failure",
				zap.String("client_order_id", order.ClientOrderID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))

		default:
			return fmt.Errorf("order submission failed for %s: %w", order.ClientOrderID, err)
		}
	}

	e.alerts.Critical(ctx, "submission_failed", "order submission attempts exhausted", map[string]interface{}{
		"client_order_id": order.ClientOrderID,
		"symbol":          order.Symbol,
		"side":            order.Side,
		"attempts":        e.cfg.MaxSubmitAttempts,
		"last_error":      fmt.Sprint(lastErr),
	})
	return fmt.Errorf("%w: %s: %v", ErrSubmissionFailed, order.ClientOrderID, lastErr)
}

// confirm is the mandatory echo check: re-fetch the order by client id and
// only trust what the exchange reports back.
func (e *Engine) confirm(ctx context.Context, clientOrderID string) (exchange.OrderStatus, error) {
	if err := sleepCtx(ctx, e.cfg.EchoDelay); err != nil {
		return exchange.OrderStatus{}, err
	}
	fctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()
	return e.adapter.FetchOrderByClientID(fctx, clientOrderID)
}

func (e *Engine) markSubmitted(ctx context.Context, order *model.Order, status exchange.OrderStatus, start time.Time) error {
	if status.ExchangeOrderID != "" {
		if err := e.store.SetExchangeOrderID(ctx, order.ClientOrderID, status.ExchangeOrderID); err != nil {
			return err
		}
	}
	if err := e.store.TransitionOrder(ctx, order.ClientOrderID, model.OrderStatusSubmitting, model.OrderStatusSubmitted); err != nil {
		return err
	}

	metrics.OrdersSubmitted.WithLabelValues(order.Side).Inc()
	metrics.SubmissionLatency.Observe(time.Since(start).Seconds())

	e.logger.Info("order submitted",
		zap.String("client_order_id", order.ClientOrderID),
		zap.String("exchange_order_id", status.ExchangeOrderID),
		zap.String("symbol", order.Symbol),
		zap.String("side", order.Side),
		zap.String("quantity", order.Quantity.String()))
	e.publishOrderEvent(ctx, "order.submitted", order.ClientOrderID)
	return nil
}

func (e *Engine) markRejected(ctx context.Context, order *model.Order, cause error) error {
	if err := e.store.TransitionOrder(ctx, order.ClientOrderID, model.OrderStatusSubmitting, model.OrderStatusRejected); err != nil {
		return err
	}
	metrics.OrdersRejected.Inc()
	e.logger.Warn("order rejected by exchange",
		zap.String("client_order_id", order.ClientOrderID),
		zap.String("symbol", order.Symbol),
		zap.Error(cause))
	e.alerts.Warning(ctx, "order_rejected", "order rejected by exchange", map[string]interface{}{
		"client_order_id": order.ClientOrderID,
		"symbol":          order.Symbol,
		"reason":          cause.Error(),
	})
	e.publishOrderEvent(ctx, "order.rejected", order.ClientOrderID)
	// a rejection is a final order outcome, not a processing failure
	return nil
}

// publishOrderEvent emits the current durable order row on orders.lifecycle.
// Publishing is best effort; the row is the source of truth.
func (e *Engine) publishOrderEvent(ctx context.Context, eventType, clientOrderID string) {
	order, err := e.store.GetOrderByClientID(ctx, clientOrderID)
	if err != nil {
		e.logger.Warn("failed to load order for lifecycle event",
			zap.String("client_order_id", clientOrderID), zap.Error(err))
		return
	}
	event, err := bus.NewEvent(eventType, order)
	if err != nil {
		e.logger.Warn("failed to build lifecycle event", zap.Error(err))
		return
	}
	if err := e.bus.Publish(ctx, e.streams.OrdersLifecycle, event); err != nil {
		e.logger.Warn("failed to publish lifecycle event",
			zap.String("client_order_id", clientOrderID), zap.Error(err))
	}
}

func (e *Engine) publishPositionEvent(ctx context.Context, eventType string, position *model.Position) {
	event, err := bus.NewEvent(eventType, position)
	if err != nil {
		e.logger.Warn("failed to build position event", zap.Error(err))
		return
	}
	if err := e.bus.Publish(ctx, e.streams.PositionsChanged, event); err != nil {
		e.logger.Warn("failed to publish position event",
			zap.String("position_id", position.ID.String()), zap.Error(err))
	}
}

// specFor maps a durable order row onto the venue submission shape. The
// StopPrice column doubles as the intended protection level on entry orders,
// so it only goes to the venue on stop orders.
func specFor(order *model.Order) exchange.OrderSpec {
	spec := exchange.OrderSpec{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Quantity:      order.Quantity,
		ReduceOnly:    order.ReduceOnly,
	}
	if order.Type == model.OrderTypeLimit {
		spec.Price = order.Price
	}
	if order.Type == model.OrderTypeStopMarket {
		spec.StopPrice = order.StopPrice
	}
	return spec
}

func lifecycleEventType(status string) string {
	return "order." + strings.ToLower(status)
}
