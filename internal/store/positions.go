package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/helixtrade/helix/internal/model"
)

// OpenPositions returns the current open exposure set.
func (s *Store) OpenPositions(ctx context.Context) ([]model.Position, error) {
	var positions []model.Position
	err := s.db.WithContext(ctx).Where("closed_at IS NULL").Find(&positions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list open positions: %w", err)
	}
	return positions, nil
}

// GetOpenPosition fetches the open position for a symbol/side pair.
func (s *Store) GetOpenPosition(ctx context.Context, symbol, side string) (*model.Position, error) {
	var position model.Position
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND side = ? AND closed_at IS NULL", symbol, side).
		First(&position).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch position %s/%s: %w", symbol, side, err)
	}
	return &position, nil
}

// GetPosition fetches a position by id, open or closed.
func (s *Store) GetPosition(ctx context.Context, id uuid.UUID) (*model.Position, error) {
	var position model.Position
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&position).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch position %s: %w", id, err)
	}
	return &position, nil
}

// UpsertPositionOnFill creates the position on a first entry fill or
// increases it on an add, recomputing the volume-weighted entry price.
// Returns the position and whether it was newly created.
func (s *Store) UpsertPositionOnFill(ctx context.Context, symbol, side, strategy string, qty, price decimal.Decimal) (*model.Position, bool, error) {
	var position *model.Position
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Position
		err := tx.Where("symbol = ? AND side = ? AND closed_at IS NULL", symbol, side).
			First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			p := model.Position{
				ID:         uuid.New(),
				Symbol:     symbol,
				Side:       side,
				Strategy:   strategy,
				Quantity:   qty,
				EntryPrice: price,
				OpenedAt:   nowUTC(),
				UpdatedAt:  nowUTC(),
			}
			if err := tx.Create(&p).Error; err != nil {
				return fmt.Errorf("failed to create position: %w", err)
			}
			position = &p
			created = true
			return nil
		case err != nil:
			return fmt.Errorf("failed to fetch position %s/%s: %w", symbol, side, err)
		}

		oldNotional := existing.EntryPrice.Mul(existing.Quantity)
		addNotional := price.Mul(qty)
		newQty := existing.Quantity.Add(qty)
		existing.EntryPrice = oldNotional.Add(addNotional).Div(newQty)
		existing.Quantity = newQty
		existing.UpdatedAt = nowUTC()
		if err := tx.Save(&existing).Error; err != nil {
			return fmt.Errorf("failed to update position: %w", err)
		}
		position = &existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return position, created, nil
}

// ReducePosition decreases an open position on an exit fill, closing it when
// the remaining quantity reaches zero. Returns the updated position and
// whether it is now closed.
func (s *Store) ReducePosition(ctx context.Context, id uuid.UUID, qty decimal.Decimal) (*model.Position, bool, error) {
	var position *model.Position
	closed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Position
		if err := tx.Where("id = ? AND closed_at IS NULL", id).First(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPositionNotFound
			}
			return fmt.Errorf("failed to fetch position %s: %w", id, err)
		}
		existing.Quantity = existing.Quantity.Sub(qty)
		existing.UpdatedAt = nowUTC()
		if existing.Quantity.LessThanOrEqual(decimal.Zero) {
			existing.Quantity = decimal.Zero
			now := nowUTC()
			existing.ClosedAt = &now
			closed = true
		}
		if err := tx.Save(&existing).Error; err != nil {
			return fmt.Errorf("failed to reduce position %s: %w", id, err)
		}
		position = &existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return position, closed, nil
}

// ClosePosition archives a position, removing it from the open set.
func (s *Store) ClosePosition(ctx context.Context, id uuid.UUID) error {
	now := nowUTC()
	res := s.db.WithContext(ctx).Model(&model.Position{}).
		Where("id = ? AND closed_at IS NULL", id).
		Updates(map[string]interface{}{"closed_at": now, "updated_at": now})
	if res.Error != nil {
		return fmt.Errorf("failed to close position %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrPositionNotFound
	}
	return nil
}

// SetStopOrder links a position to its protective stop order.
func (s *Store) SetStopOrder(ctx context.Context, id uuid.UUID, stopOrderID string, stopPrice decimal.Decimal) error {
	res := s.db.WithContext(ctx).Model(&model.Position{}).
		Where("id = ? AND closed_at IS NULL", id).
		Updates(map[string]interface{}{
			"stop_order_id": stopOrderID,
			"stop_price":    stopPrice,
			"updated_at":    nowUTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to link stop order to position %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrPositionNotFound
	}
	return nil
}

// TightenStop applies a trailing-stop update through the model's monotonicity
// rule; a loosening proposal returns model.ErrStopLoosens unchanged.
func (s *Store) TightenStop(ctx context.Context, id uuid.UUID, newStop decimal.Decimal) (*model.Position, error) {
	var position *model.Position
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Position
		if err := tx.Where("id = ?", id).First(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPositionNotFound
			}
			return fmt.Errorf("failed to fetch position %s: %w", id, err)
		}
		if err := existing.TightenStop(newStop); err != nil {
			return err
		}
		existing.UpdatedAt = nowUTC()
		if err := tx.Save(&existing).Error; err != nil {
			return fmt.Errorf("failed to update stop for position %s: %w", id, err)
		}
		position = &existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return position, nil
}

// AdoptPosition records a position discovered on the exchange but missing
// locally (orphan reconciliation).
func (s *Store) AdoptPosition(ctx context.Context, symbol, side string, qty, entryPrice decimal.Decimal) (*model.Position, error) {
	p := model.Position{
		ID:         uuid.New(),
		Symbol:     symbol,
		Side:       side,
		Strategy:   "reconciled",
		Quantity:   qty,
		EntryPrice: entryPrice,
		OpenedAt:   nowUTC(),
		UpdatedAt:  nowUTC(),
	}
	if err := s.db.WithContext(ctx).Create(&p).Error; err != nil {
		return nil, fmt.Errorf("failed to adopt position %s/%s: %w", symbol, side, err)
	}
	return &p, nil
}

// SetPositionQuantity repairs a quantity mismatch to the exchange-reported
// value (reconciliation only).
func (s *Store) SetPositionQuantity(ctx context.Context, id uuid.UUID, qty decimal.Decimal) error {
	res := s.db.WithContext(ctx).Model(&model.Position{}).
		Where("id = ? AND closed_at IS NULL", id).
		Updates(map[string]interface{}{"quantity": qty, "updated_at": nowUTC()})
	if res.Error != nil {
		return fmt.Errorf("failed to set quantity for position %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrPositionNotFound
	}
	return nil
}
