package execution

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/helixtrade/helix/internal/exchange"
	"github.com/helixtrade/helix/internal/idgen"
	"github.com/helixtrade/helix/internal/model"
	"github.com/helixtrade/helix/internal/store"
)

// sweepLoop periodically clears orders that have sat on the book too long
// without filling. Protective stops are exempt; resting is their job.
func (e *Engine) sweepLoop(ctx context.Context) {
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
			if err := e.SweepStuckOrders(ctx); err != nil {
				e.logger.Warn("stuck order sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepStuckOrders cancels submitted orders with no fill activity older than
// the configured age. Urgent orders are resubmitted as market orders under a
// deterministic replacement id; non-urgent orders are dropped.
func (e *Engine) SweepStuckOrders(ctx context.Context) error {
	orders, err := e.store.StuckOrders(ctx, e.cfg.StuckOrderAge)
	if err != nil {
		return err
	}
	for _, order := range orders {
		if order.IsProtectiveStop() {
			continue
		}
		if err := e.sweepOne(ctx, &order); err != nil {
			e.logger.Error("failed to sweep stuck order",
				zap.String("client_order_id", order.ClientOrderID),
				zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) sweepOne(ctx context.Context, order *model.Order) error {
	if err := e.adapter.CancelOrder(ctx, order.ClientOrderID); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
		return err
	}
	if err := e.store.TransitionOrder(ctx, order.ClientOrderID, order.Status, model.OrderStatusCancelled); err != nil {
		return err
	}
	e.publishOrderEvent(ctx, "order.cancelled", order.ClientOrderID)
	e.logger.Info("stuck order cancelled",
		zap.String("client_order_id", order.ClientOrderID),
		zap.String("symbol", order.Symbol),
		zap.Bool("urgent", order.Urgent))

	if !order.Urgent {
		e.alerts.Info(ctx, "stuck_order_dropped", "stuck order cancelled without replacement", map[string]interface{}{
			"client_order_id": order.ClientOrderID,
			"symbol":          order.Symbol,
		})
		return nil
	}

	// urgent orders chase the market instead of waiting for it
	replacement := &model.Order{
		ClientOrderID: idgen.ResubmitOrderID(order.ClientOrderID),
		Strategy:      order.Strategy,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          model.OrderTypeMarket,
		Quantity:      order.LeavesQuantity(),
		StopPrice:     order.StopPrice,
		ReduceOnly:    order.ReduceOnly,
		Urgent:        true,
		Status:        model.OrderStatusNew,
	}
	existing, err := e.store.CreateOrderIntent(ctx, replacement)
	if errors.Is(err, store.ErrOrderExists) {
		if existing.Status != model.OrderStatusNew && existing.Status != model.OrderStatusSubmitting {
			return nil
		}
		replacement = existing
	} else if err != nil {
		return err
	}
	return e.submit(ctx, replacement)
}
