package execution

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/helixtrade/helix/internal/exchange"
	"github.com/helixtrade/helix/internal/model"
	"github.com/helixtrade/helix/internal/store"
)

// fillLoop polls the exchange for new executions. Polling windows overlap,
// so the same fill can arrive more than once; the unique execution id in the
// store makes replays harmless.
func (e *Engine) fillLoop(ctx context.Context) {
	if e.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.pollFills(ctx); err != nil {
				e.logger.Warn("fill poll failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) pollFills(ctx context.Context) error {
	fills, err := e.adapter.FetchFills(ctx, e.lastFillSeen)
	if err != nil {
		return err
	}
	var firstErr error
	for _, fill := range fills {
		if err := e.HandleFill(ctx, fill); err != nil {
			// keep draining the batch; a failed fill must not block the
			// ones behind it. The watermark stays put so the failed fill
			// is re-fetched next poll, and the exec-id dedup makes the
			// re-handling of the already-applied ones a no-op.
			e.logger.Warn("fill not applied, will retry next poll",
				zap.String("exec_id", fill.ExecID),
				zap.String("client_order_id", fill.ClientOrderID),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if firstErr == nil && fill.ExecutedAt.After(e.lastFillSeen) {
			e.lastFillSeen = fill.ExecutedAt
		}
	}
	return firstErr
}

// HandleFill applies one execution: accumulate onto the order, then update
// the position set. An entry fill that opens or grows a position installs
// its protective stop in the same call, before anything else happens.
func (e *Engine) HandleFill(ctx context.Context, fill exchange.Fill) error {
	exec := &model.Execution{
		ExchangeExecID: fill.ExecID,
		OrderClientID:  fill.ClientOrderID,
		Quantity:       fill.Quantity,
		Price:          fill.Price,
		Fee:            fill.Fee,
		IsMaker:        fill.IsMaker,
		ExecutedAt:     fill.ExecutedAt,
	}
	order, err := e.store.ApplyFill(ctx, exec)
	if errors.Is(err, store.ErrOrderNotFound) {
		// a fill for an order we never placed is serious drift
		e.alerts.Critical(ctx, "unknown_fill", "execution received for unknown order", map[string]interface{}{
			"exec_id":         fill.ExecID,
			"client_order_id": fill.ClientOrderID,
		})
		return nil
	}
	if err != nil {
		return err
	}

	e.logger.Info("fill applied",
		zap.String("client_order_id", order.ClientOrderID),
		zap.String("exec_id", fill.ExecID),
		zap.String("quantity", fill.Quantity.String()),
		zap.String("price", fill.Price.String()),
		zap.String("order_status", order.Status))
	e.publishOrderEvent(ctx, lifecycleEventType(order.Status), order.ClientOrderID)

	if order.ReduceOnly {
		return e.applyExitFill(ctx, order, fill)
	}
	return e.applyEntryFill(ctx, order, fill)
}

// applyEntryFill opens or grows a position and installs its protection.
func (e *Engine) applyEntryFill(ctx context.Context, order *model.Order, fill exchange.Fill) error {
	side := model.PositionSideForOrder(order.Side)
	position, created, err := e.store.UpsertPositionOnFill(ctx, order.Symbol, side, order.Strategy, fill.Quantity, fill.Price)
	if err != nil {
		return err
	}

	eventType := "position.increased"
	if created {
		eventType = "position.opened"
	}
	e.publishPositionEvent(ctx, eventType, position)

	if !order.StopPrice.Valid {
		e.alerts.Critical(ctx, "stop_coverage", "entry fill carries no protection level", map[string]interface{}{
			"position_id":     position.ID.String(),
			"client_order_id": order.ClientOrderID,
			"symbol":          order.Symbol,
		})
		return nil
	}
	e.EnsureStop(ctx, position, order.StopPrice.Decimal)
	return nil
}

// applyExitFill shrinks or closes the position a reduce-only order targets.
// When the exit was not the stop itself, the stop order left behind is
// cancelled once the position is gone.
func (e *Engine) applyExitFill(ctx context.Context, order *model.Order, fill exchange.Fill) error {
	// a SELL reduces a long, a BUY reduces a short
	side := model.PositionSideLong
	if order.Side == model.OrderSideBuy {
		side = model.PositionSideShort
	}
	position, err := e.store.GetOpenPosition(ctx, order.Symbol, side)
	if errors.Is(err, store.ErrPositionNotFound) {
		e.logger.Warn("exit fill with no open position",
			zap.String("client_order_id", order.ClientOrderID),
			zap.String("symbol", order.Symbol),
			zap.String("side", side))
		return nil
	}
	if err != nil {
		return err
	}

	updated, closed, err := e.store.ReducePosition(ctx, position.ID, fill.Quantity)
	if err != nil {
		return err
	}

	if closed {
		e.publishPositionEvent(ctx, "position.closed", updated)
		if updated.StopOrderID != "" && updated.StopOrderID != order.ClientOrderID {
			if err := e.adapter.CancelOrder(ctx, updated.StopOrderID); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
				e.logger.Warn("failed to cancel stop of closed position",
					zap.String("position_id", updated.ID.String()),
					zap.String("stop_order_id", updated.StopOrderID),
					zap.Error(err))
			}
		}
		e.logger.Info("position closed",
			zap.String("position_id", updated.ID.String()),
			zap.String("symbol", updated.Symbol))
		return nil
	}

	e.publishPositionEvent(ctx, "position.reduced", updated)
	return nil
}
