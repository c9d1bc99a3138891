package execution

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helixtrade/helix/internal/exchange"
	"github.com/helixtrade/helix/internal/idgen"
	"github.com/helixtrade/helix/internal/model"
	"github.com/helixtrade/helix/internal/store"
	"github.com/helixtrade/helix/pkg/metrics"
)

// StopResult is the outcome of a protective stop installation.
type StopResult int

const (
	// StopConfirmed means the stop is resident and active on the exchange,
	// verified by re-fetch.
	StopConfirmed StopResult = iota
	// StopUnconfirmed means the submission may have landed but the echo
	// check never saw it; a background retry keeps working on it and the
	// reconciler treats the position as uncovered until proven otherwise.
	StopUnconfirmed
	// StopFailed means the exchange rejected the stop outright.
	StopFailed
)

func (r StopResult) String() string {
	switch r {
	case StopConfirmed:
		return "confirmed"
	case StopUnconfirmed:
		return "unconfirmed"
	default:
		return "failed"
	}
}

// EnsureStop makes the exchange-side protection match the position: a
// reduce-only stop-market at level, sized to the full position quantity. An
// existing stop at a different level or size is cancelled and replaced. The
// call is idempotent; repeated or concurrent calls for the same position
// state converge on the same stop order.
func (e *Engine) EnsureStop(ctx context.Context, position *model.Position, level decimal.Decimal) StopResult {
	desiredID := idgen.StopOrderID(position.ID.String(), level.String(), position.Quantity.String())
	if position.StopOrderID != "" && position.StopOrderID != desiredID {
		if err := e.adapter.CancelOrder(ctx, position.StopOrderID); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			e.logger.Warn("failed to cancel superseded stop",
				zap.String("position_id", position.ID.String()),
				zap.String("stop_order_id", position.StopOrderID),
				zap.Error(err))
		}
	}
	return e.installStop(ctx, position, level, desiredID)
}

// installStop places the protective stop and refuses to declare success
// without seeing it active on the exchange.
func (e *Engine) installStop(ctx context.Context, position *model.Position, level decimal.Decimal, clientID string) StopResult {
	order := &model.Order{
		ClientOrderID: clientID,
		Strategy:      position.Strategy,
		Symbol:        position.Symbol,
		Side:          position.StopSide(),
		Type:          model.OrderTypeStopMarket,
		Quantity:      position.Quantity,
		StopPrice:     decimal.NewNullDecimal(level),
		ReduceOnly:    true,
		Status:        model.OrderStatusNew,
	}

	existing, err := e.store.CreateOrderIntent(ctx, order)
	if errors.Is(err, store.ErrOrderExists) {
		if model.IsTerminalStatus(existing.Status) && existing.Status != model.OrderStatusCancelled {
			// the stop already ran its course (filled or rejected)
			return e.recordStopOutcome(ctx, position, level, clientID, StopFailed, "stop order already terminal: "+existing.Status)
		}
		order = existing
	} else if err != nil {
		e.logger.Error("failed to record stop intent",
			zap.String("position_id", position.ID.String()), zap.Error(err))
		return StopUnconfirmed
	}

	if order.Status == model.OrderStatusNew {
		if err := e.store.TransitionOrder(ctx, clientID, model.OrderStatusNew, model.OrderStatusSubmitting); err != nil {
			e.logger.Error("failed to advance stop intent",
				zap.String("client_order_id", clientID), zap.Error(err))
			return StopUnconfirmed
		}
	}

	spec := specFor(order)
	for attempt := 0; attempt < e.cfg.MaxStopAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoffDelay(attempt-1, e.cfg.BackoffBase, e.cfg.BackoffMax)); err != nil {
				return StopUnconfirmed
			}
		}

		sctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		_, err := e.adapter.SubmitOrder(sctx, spec)
		cancel()

		if err != nil && !errors.Is(err, exchange.ErrDuplicateClientID) {
			if exchange.IsRejection(err) {
				_ = e.store.TransitionOrder(ctx, clientID, model.OrderStatusSubmitting, model.OrderStatusRejected)
				return e.recordStopOutcome(ctx, position, level, clientID, StopFailed, err.Error())
			}
			e.logger.Warn("stop submission failed",
				zap.String("client_order_id", clientID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}

		status, confirmErr := e.confirm(ctx, clientID)
		if confirmErr != nil || !status.Active() {
			e.logger.Warn("stop not yet active on exchange",
				zap.String("client_order_id", clientID),
				zap.Int("attempt", attempt+1),
				zap.Error(confirmErr))
			continue
		}

		if status.ExchangeOrderID != "" {
			if err := e.store.SetExchangeOrderID(ctx, clientID, status.ExchangeOrderID); err != nil {
				e.logger.Warn("failed to record stop exchange id",
					zap.String("client_order_id", clientID), zap.Error(err))
			}
		}
		if err := e.store.TransitionOrder(ctx, clientID, model.OrderStatusSubmitting, model.OrderStatusSubmitted); err != nil {
			e.logger.Warn("failed to mark stop submitted",
				zap.String("client_order_id", clientID), zap.Error(err))
		}
		if err := e.store.SetStopOrder(ctx, position.ID, clientID, level); err != nil {
			e.logger.Error("failed to link stop to position",
				zap.String("position_id", position.ID.String()), zap.Error(err))
		}
		return e.recordStopOutcome(ctx, position, level, clientID, StopConfirmed, "")
	}

	result := e.recordStopOutcome(ctx, position, level, clientID, StopUnconfirmed, "stop not confirmed after all attempts")
	go e.retryStop(position.ID, level)
	return result
}

func (e *Engine) recordStopOutcome(ctx context.Context, position *model.Position, level decimal.Decimal, clientID string, result StopResult, detail string) StopResult {
	metrics.StopsInstalled.WithLabelValues(result.String()).Inc()
	switch result {
	case StopConfirmed:
		e.logger.Info("protective stop active",
			zap.String("position_id", position.ID.String()),
			zap.String("client_order_id", clientID),
			zap.String("stop_price", level.String()))
	default:
		e.alerts.Critical(ctx, "stop_coverage", "open position without confirmed protective stop", map[string]interface{}{
			"position_id":     position.ID.String(),
			"symbol":          position.Symbol,
			"client_order_id": clientID,
			"stop_price":      level.String(),
			"outcome":         result.String(),
			"detail":          detail,
		})
	}
	return result
}

// retryStop keeps working on an unconfirmed stop in the background until it
// is confirmed, the position disappears, or the engine shuts down. The
// reconciler provides the outer safety net; this loop just shortens the
// uncovered window.
func (e *Engine) retryStop(positionID uuid.UUID, level decimal.Decimal) {
	ctx := e.retryCtx
	for retry := 0; ; retry++ {
		if err := sleepCtx(ctx, backoffDelay(retry, e.cfg.BackoffBase, e.cfg.BackoffMax)); err != nil {
			return
		}
		position, err := e.store.GetPosition(ctx, positionID)
		if err != nil || !position.IsOpen() {
			return
		}
		desiredID := idgen.StopOrderID(position.ID.String(), level.String(), position.Quantity.String())
		if e.stopActive(ctx, desiredID) {
			return
		}
		if e.installStop(ctx, position, level, desiredID) == StopConfirmed {
			return
		}
	}
}

func (e *Engine) stopActive(ctx context.Context, clientID string) bool {
	status, err := e.adapter.FetchOrderByClientID(ctx, clientID)
	return err == nil && status.Active()
}

// TrailStop tightens a position's stop to a new level and replaces the
// exchange-side order. A proposal in the loosening direction is rejected
// before anything touches the exchange.
func (e *Engine) TrailStop(ctx context.Context, positionID uuid.UUID, newStop decimal.Decimal) (StopResult, error) {
	updated, err := e.store.TightenStop(ctx, positionID, newStop)
	if err != nil {
		return StopFailed, err
	}
	// updated still references the old stop order, EnsureStop replaces it
	return e.EnsureStop(ctx, updated, newStop), nil
}
