package reconciler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/helixtrade/helix/internal/exchange"
	"github.com/helixtrade/helix/internal/execution"
	"github.com/helixtrade/helix/internal/model"
)

// checkStopCoverage verifies that every open position's protective stop is
// resident and active on the exchange, reinstalling it when it is not.
func (r *Reconciler) checkStopCoverage(ctx context.Context) error {
	positions, err := r.store.OpenPositions(ctx)
	if err != nil {
		return err
	}
	for i := range positions {
		position := &positions[i]
		if r.stopCovered(ctx, position) {
			continue
		}

		r.alerts.Critical(ctx, "stop_coverage", "open position without active protective stop", map[string]interface{}{
			"position_id":   position.ID.String(),
			"symbol":        position.Symbol,
			"side":          position.Side,
			"stop_order_id": position.StopOrderID,
		})

		key := "stop:" + position.ID.String()
		if !r.repairAllowed(ctx, key, map[string]interface{}{"symbol": position.Symbol}) {
			continue
		}
		if position.StopPrice.IsZero() {
			// nothing valid to reinstall at; the critical alert above is
			// all that can be done from here
			continue
		}
		if r.engine.EnsureStop(ctx, position, position.StopPrice) == execution.StopConfirmed {
			r.repaired(key, "stop_reinstalled")
		}
	}
	return nil
}

func (r *Reconciler) stopCovered(ctx context.Context, position *model.Position) bool {
	if position.StopOrderID == "" {
		return false
	}
	status, err := r.adapter.FetchOrderByClientID(ctx, position.StopOrderID)
	if err != nil {
		return false
	}
	return status.Active()
}

// reconcilePositions compares the local open set against the venue's:
// ghosts are closed locally, orphans adopted, quantity mismatches snapped to
// the venue value. The exchange is the source of truth for existence and
// size; the local store is the source of truth for intent.
func (r *Reconciler) reconcilePositions(ctx context.Context) error {
	venuePositions, err := r.adapter.FetchOpenPositions(ctx)
	if err != nil {
		return err
	}
	local, err := r.store.OpenPositions(ctx)
	if err != nil {
		return err
	}

	venueByKey := make(map[string]exchange.PositionInfo, len(venuePositions))
	for _, vp := range venuePositions {
		venueByKey[vp.Symbol+"/"+vp.Side] = vp
	}
	localKeys := make(map[string]bool, len(local))

	for i := range local {
		position := &local[i]
		key := position.Symbol + "/" + position.Side
		localKeys[key] = true

		venue, onVenue := venueByKey[key]
		if !onVenue {
			r.handleGhost(ctx, position)
			continue
		}
		if !venue.Quantity.Equal(position.Quantity) {
			r.handleQuantityMismatch(ctx, position, venue)
		}
	}

	for key, venue := range venueByKey {
		if !localKeys[key] {
			r.handleOrphan(ctx, venue)
		}
	}
	return nil
}

// handleGhost closes a local position the venue no longer holds. The usual
// cause is a stop that fired while the process was down.
func (r *Reconciler) handleGhost(ctx context.Context, position *model.Position) {
	r.alerts.Warning(ctx, "ghost_position", "local position not present on exchange", map[string]interface{}{
		"position_id": position.ID.String(),
		"symbol":      position.Symbol,
		"side":        position.Side,
	})
	key := "ghost:" + position.ID.String()
	if !r.repairAllowed(ctx, key, map[string]interface{}{"symbol": position.Symbol}) {
		return
	}
	if position.StopOrderID != "" {
		if err := r.adapter.CancelOrder(ctx, position.StopOrderID); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			r.logger.Warn("failed to cancel ghost position stop",
				zap.String("position_id", position.ID.String()),
				zap.Error(err))
		}
	}
	if err := r.store.ClosePosition(ctx, position.ID); err != nil {
		r.logger.Error("failed to close ghost position",
			zap.String("position_id", position.ID.String()),
			zap.Error(err))
		return
	}
	r.repaired(key, "ghost_position")
}

// handleOrphan adopts a venue position the local store does not know about.
// The adopted position has no known protection level, so it stays flagged
// until an operator or a stop-coverage repair with a real level resolves it.
func (r *Reconciler) handleOrphan(ctx context.Context, venue exchange.PositionInfo) {
	key := "orphan:" + venue.Symbol + "/" + venue.Side
	if !r.repairAllowed(ctx, key, map[string]interface{}{"symbol": venue.Symbol}) {
		return
	}
	position, err := r.store.AdoptPosition(ctx, venue.Symbol, venue.Side, venue.Quantity, venue.EntryPrice)
	if err != nil {
		r.logger.Error("failed to adopt orphan position",
			zap.String("symbol", venue.Symbol),
			zap.String("side", venue.Side),
			zap.Error(err))
		return
	}
	r.repaired(key, "orphan_adopted")
	r.alerts.Critical(ctx, "orphan_position", "exchange position adopted without local history", map[string]interface{}{
		"position_id": position.ID.String(),
		"symbol":      venue.Symbol,
		"side":        venue.Side,
		"quantity":    venue.Quantity.String(),
	})
}

// handleQuantityMismatch snaps the local quantity to the venue's and resizes
// the protective stop to match.
func (r *Reconciler) handleQuantityMismatch(ctx context.Context, position *model.Position, venue exchange.PositionInfo) {
	r.alerts.Warning(ctx, "quantity_mismatch", "local and exchange position quantities differ", map[string]interface{}{
		"position_id":    position.ID.String(),
		"symbol":         position.Symbol,
		"local_quantity": position.Quantity.String(),
		"venue_quantity": venue.Quantity.String(),
	})
	key := "quantity:" + position.ID.String()
	if !r.repairAllowed(ctx, key, map[string]interface{}{"symbol": position.Symbol}) {
		return
	}
	if err := r.store.SetPositionQuantity(ctx, position.ID, venue.Quantity); err != nil {
		r.logger.Error("failed to repair position quantity",
			zap.String("position_id", position.ID.String()),
			zap.Error(err))
		return
	}
	r.repaired(key, "quantity_mismatch")

	if !position.StopPrice.IsZero() {
		position.Quantity = venue.Quantity
		r.engine.EnsureStop(ctx, position, position.StopPrice)
	}
}

// refreshOrders pulls the venue's view of every non-terminal order and
// advances or terminates the local row to match.
func (r *Reconciler) refreshOrders(ctx context.Context) error {
	orders, err := r.store.NonTerminalOrders(ctx)
	if err != nil {
		return err
	}
	for i := range orders {
		order := &orders[i]
		status, err := r.adapter.FetchOrderByClientID(ctx, order.ClientOrderID)
		if errors.Is(err, exchange.ErrOrderNotFound) {
			r.handleMissingOrder(ctx, order)
			continue
		}
		if err != nil {
			r.logger.Warn("could not refresh order from exchange",
				zap.String("client_order_id", order.ClientOrderID),
				zap.Error(err))
			continue
		}
		r.applyVenueStatus(ctx, order, status)
	}
	return nil
}

// handleMissingOrder resolves a non-terminal local order the venue has no
// record of. Fresh rows get time to show up; old ones are closed out.
func (r *Reconciler) handleMissingOrder(ctx context.Context, order *model.Order) {
	if time.Since(order.CreatedAt) < r.cfg.StaleOrderAge {
		return
	}
	key := "order:" + order.ClientOrderID
	if !r.repairAllowed(ctx, key, map[string]interface{}{"symbol": order.Symbol}) {
		return
	}
	if err := r.store.TransitionOrder(ctx, order.ClientOrderID, order.Status, model.OrderStatusCancelled); err != nil {
		r.logger.Error("failed to cancel vanished order",
			zap.String("client_order_id", order.ClientOrderID),
			zap.Error(err))
		return
	}
	r.repaired(key, "order_vanished")
	r.alerts.Warning(ctx, "order_vanished", "non-terminal order not present on exchange", map[string]interface{}{
		"client_order_id": order.ClientOrderID,
		"symbol":          order.Symbol,
		"was_status":      order.Status,
	})
}

// applyVenueStatus advances the local row toward the venue's view. Fill
// quantities are left to the execution engine's fill stream; only statuses
// with no fill component are applied here.
func (r *Reconciler) applyVenueStatus(ctx context.Context, order *model.Order, status exchange.OrderStatus) {
	switch {
	case order.Status == model.OrderStatusSubmitting:
		// the submission landed even though its echo check never saw it
		if status.ExchangeOrderID != "" {
			if err := r.store.SetExchangeOrderID(ctx, order.ClientOrderID, status.ExchangeOrderID); err != nil {
				r.logger.Warn("failed to record exchange order id",
					zap.String("client_order_id", order.ClientOrderID), zap.Error(err))
			}
		}
		if err := r.store.TransitionOrder(ctx, order.ClientOrderID, model.OrderStatusSubmitting, model.OrderStatusSubmitted); err != nil {
			r.logger.Warn("failed to advance recovered order",
				zap.String("client_order_id", order.ClientOrderID), zap.Error(err))
			return
		}
		r.repaired("order:"+order.ClientOrderID, "order_recovered")

	case status.Status == exchange.StateCancelled && !model.IsTerminalStatus(order.Status):
		if err := r.store.TransitionOrder(ctx, order.ClientOrderID, order.Status, model.OrderStatusCancelled); err != nil {
			r.logger.Warn("failed to mirror venue cancel",
				zap.String("client_order_id", order.ClientOrderID), zap.Error(err))
		}

	case status.Status == exchange.StateRejected && !model.IsTerminalStatus(order.Status):
		if err := r.store.TransitionOrder(ctx, order.ClientOrderID, order.Status, model.OrderStatusRejected); err != nil {
			r.logger.Warn("failed to mirror venue rejection",
				zap.String("client_order_id", order.ClientOrderID), zap.Error(err))
		}
	}
}
