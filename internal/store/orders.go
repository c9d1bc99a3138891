package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/helixtrade/helix/internal/model"
)

// CreateOrderIntent writes the durable NEW row before any network call. If a
// row with the same client_order_id already exists the existing row is
// returned with ErrOrderExists: first writer wins, later writers treat their
// own operation as already done.
func (s *Store) CreateOrderIntent(ctx context.Context, order *model.Order) (*model.Order, error) {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.Status == "" {
		order.Status = model.OrderStatusNew
	}
	err := s.db.WithContext(ctx).Create(order).Error
	if err == nil {
		return order, nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		existing, getErr := s.GetOrderByClientID(ctx, order.ClientOrderID)
		if getErr != nil {
			return nil, fmt.Errorf("duplicate order detected but fetch failed: %w", getErr)
		}
		return existing, ErrOrderExists
	}
	return nil, fmt.Errorf("failed to create order intent: %w", err)
}

// GetOrderByClientID fetches an order by its idempotency key.
func (s *Store) GetOrderByClientID(ctx context.Context, clientOrderID string) (*model.Order, error) {
	var order model.Order
	err := s.db.WithContext(ctx).Where("client_order_id = ?", clientOrderID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order %s: %w", clientOrderID, err)
	}
	return &order, nil
}

// TransitionOrder advances an order's status, enforcing the submission state
// machine. The update is guarded by the current status in the WHERE clause so
// two racing writers cannot both apply the same transition.
func (s *Store) TransitionOrder(ctx context.Context, clientOrderID, from, to string) error {
	if !model.ValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": nowUTC(),
	}
	if to == model.OrderStatusSubmitted {
		updates["submitted_at"] = nowUTC()
	}
	res := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("client_order_id = ? AND status = ?", clientOrderID, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to transition order %s: %w", clientOrderID, res.Error)
	}
	if res.RowsAffected == 0 {
		// either the row is missing or another writer moved it first
		current, err := s.GetOrderByClientID(ctx, clientOrderID)
		if err != nil {
			return err
		}
		if current.Status == to {
			return nil
		}
		return fmt.Errorf("%w: order %s is %s, expected %s",
			ErrInvalidTransition, clientOrderID, current.Status, from)
	}
	return nil
}

// SetExchangeOrderID records the exchange-assigned id after acknowledgment.
func (s *Store) SetExchangeOrderID(ctx context.Context, clientOrderID, exchangeOrderID string) error {
	res := s.db.WithContext(ctx).Model(&model.Order{}).
		Where("client_order_id = ?", clientOrderID).
		Updates(map[string]interface{}{
			"exchange_order_id": exchangeOrderID,
			"updated_at":        nowUTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to set exchange order id for %s: %w", clientOrderID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// ApplyFill accumulates one execution onto an order inside a transaction.
// Fill events are delivered at least once; a duplicate exchange execution id
// makes the whole call a no-op. Quantities accumulate, never replace.
func (s *Store) ApplyFill(ctx context.Context, fill *model.Execution) (*model.Order, error) {
	var updated *model.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if fill.ID == uuid.Nil {
			fill.ID = uuid.New()
		}
		if err := tx.Create(fill).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// replayed fill event, already applied
				var order model.Order
				if err := tx.Where("client_order_id = ?", fill.OrderClientID).First(&order).Error; err != nil {
					return fmt.Errorf("failed to fetch order for replayed fill: %w", err)
				}
				updated = &order
				return nil
			}
			return fmt.Errorf("failed to record execution: %w", err)
		}

		var order model.Order
		if err := tx.Where("client_order_id = ?", fill.OrderClientID).First(&order).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("failed to fetch order %s: %w", fill.OrderClientID, err)
		}

		order.FilledQuantity = order.FilledQuantity.Add(fill.Quantity)
		status := model.OrderStatusPartiallyFilled
		if order.FilledQuantity.GreaterThanOrEqual(order.Quantity) {
			status = model.OrderStatusFilled
			now := nowUTC()
			order.FilledAt = &now
		}
		if !model.ValidTransition(order.Status, status) && order.Status != status {
			return fmt.Errorf("%w: fill on order %s in status %s",
				ErrInvalidTransition, order.ClientOrderID, order.Status)
		}
		order.Status = status
		order.UpdatedAt = nowUTC()
		if err := tx.Save(&order).Error; err != nil {
			return fmt.Errorf("failed to update order %s: %w", order.ClientOrderID, err)
		}
		updated = &order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// NonTerminalOrders returns orders still in flight, oldest first.
func (s *Store) NonTerminalOrders(ctx context.Context) ([]model.Order, error) {
	var orders []model.Order
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{
			model.OrderStatusNew,
			model.OrderStatusSubmitting,
			model.OrderStatusSubmitted,
			model.OrderStatusPartiallyFilled,
		}).
		Order("created_at ASC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list non-terminal orders: %w", err)
	}
	return orders, nil
}

// StuckOrders returns submitted orders with no fill activity older than age.
func (s *Store) StuckOrders(ctx context.Context, age time.Duration) ([]model.Order, error) {
	cutoff := nowUTC().Add(-age)
	var orders []model.Order
	err := s.db.WithContext(ctx).
		Where("status = ? AND submitted_at < ? AND filled_quantity = ?",
			model.OrderStatusSubmitted, cutoff, decimal.Zero).
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck orders: %w", err)
	}
	return orders, nil
}
