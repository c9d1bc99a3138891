package execution

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/helixtrade/helix/internal/exchange"
	"github.com/helixtrade/helix/internal/idgen"
	"github.com/helixtrade/helix/internal/model"
	"github.com/helixtrade/helix/internal/store"
)

// KillSwitch halts the bot, cancels every open order, and flattens every
// open position with reduce-only market orders. The flatten orders use ids
// derived from their positions, so a re-run after a crash resumes instead of
// doubling the closes. Errors on individual legs are reported and do not
// stop the rest of the shutdown.
func (e *Engine) KillSwitch(ctx context.Context, reason, by string) error {
	if err := e.store.SetBotState(ctx, model.BotStateHalted, reason, by); err != nil {
		return err
	}
	e.alerts.Critical(ctx, "kill_switch", "kill switch engaged", map[string]interface{}{
		"reason": reason,
		"by":     by,
	})

	if e.dryRun {
		e.logger.Warn("dry run, kill switch recorded without exchange actions",
			zap.String("reason", reason))
		return nil
	}
	return e.closeAll(ctx)
}

// FlattenAll cancels every open order and closes every open position without
// touching the run state. This is the close_positions breaker response: the
// book goes flat but the bot stays whatever it was (normally PAUSED by the
// caller), so resuming does not require a breaker-style HALTED recovery.
func (e *Engine) FlattenAll(ctx context.Context, reason, by string) error {
	e.alerts.Warning(ctx, "flatten_all", "closing all positions and orders", map[string]interface{}{
		"reason": reason,
		"by":     by,
	})
	if e.dryRun {
		e.logger.Warn("dry run, flatten recorded without exchange actions",
			zap.String("reason", reason))
		return nil
	}
	return e.closeAll(ctx)
}

// closeAll cancels open orders and flattens open positions with reduce-only
// market orders. Errors on individual legs are reported and do not stop the
// rest of the teardown.
func (e *Engine) closeAll(ctx context.Context) error {
	var firstErr error
	open, err := e.adapter.FetchOpenOrders(ctx)
	if err != nil {
		firstErr = err
		e.logger.Error("kill switch could not list open orders", zap.Error(err))
	}
	for _, status := range open {
		if err := e.adapter.CancelOrder(ctx, status.ClientOrderID); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			if firstErr == nil {
				firstErr = err
			}
			e.logger.Error("kill switch failed to cancel order",
				zap.String("client_order_id", status.ClientOrderID),
				zap.Error(err))
			continue
		}
		e.cancelLocal(ctx, status.ClientOrderID)
	}

	positions, err := e.store.OpenPositions(ctx)
	if err != nil {
		if firstErr == nil {
			firstErr = err
		}
		positions = nil
	}
	for i := range positions {
		if err := e.flatten(ctx, &positions[i]); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			e.logger.Error("kill switch failed to flatten position",
				zap.String("position_id", positions[i].ID.String()),
				zap.String("symbol", positions[i].Symbol),
				zap.Error(err))
		}
	}
	return firstErr
}

// cancelLocal mirrors a venue-side cancel into the durable order row.
func (e *Engine) cancelLocal(ctx context.Context, clientOrderID string) {
	order, err := e.store.GetOrderByClientID(ctx, clientOrderID)
	if err != nil {
		if !errors.Is(err, store.ErrOrderNotFound) {
			e.logger.Warn("failed to load order for local cancel",
				zap.String("client_order_id", clientOrderID), zap.Error(err))
		}
		return
	}
	if model.IsTerminalStatus(order.Status) {
		return
	}
	if err := e.store.TransitionOrder(ctx, clientOrderID, order.Status, model.OrderStatusCancelled); err != nil {
		e.logger.Warn("failed to mark order cancelled",
			zap.String("client_order_id", clientOrderID), zap.Error(err))
		return
	}
	e.publishOrderEvent(ctx, "order.cancelled", clientOrderID)
}

// flatten closes one position with a reduce-only market order.
func (e *Engine) flatten(ctx context.Context, position *model.Position) error {
	order := &model.Order{
		ClientOrderID: idgen.FlattenOrderID(position.ID.String()),
		Strategy:      position.Strategy,
		Symbol:        position.Symbol,
		Side:          position.StopSide(),
		Type:          model.OrderTypeMarket,
		Quantity:      position.Quantity,
		ReduceOnly:    true,
		Urgent:        true,
		Status:        model.OrderStatusNew,
	}
	existing, err := e.store.CreateOrderIntent(ctx, order)
	if errors.Is(err, store.ErrOrderExists) {
		if existing.Status != model.OrderStatusNew && existing.Status != model.OrderStatusSubmitting {
			return nil
		}
		order = existing
	} else if err != nil {
		return err
	}
	return e.submit(ctx, order)
}
