package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Position sides mirror order sides: a LONG position is opened by a BUY.
const (
	PositionSideLong  = "LONG"
	PositionSideShort = "SHORT"
)

var (
	// ErrStopLoosens rejects a proposed stop move that would weaken protection.
	ErrStopLoosens = errors.New("proposed stop update loosens protection")
	// ErrPositionClosed rejects mutations of archived positions.
	ErrPositionClosed = errors.New("position is closed")
)

// Position represents one open exposure. Every open position must carry an
// active reduce-only stop on the exchange referenced by StopOrderID; the
// reconciler enforces this continuously.
type Position struct {
	ID          uuid.UUID       `gorm:"type:uuid;primary_key" json:"id"`
	Symbol      string          `gorm:"type:varchar(20);not null;index:idx_positions_symbol_side" json:"symbol"`
	Side        string          `gorm:"type:varchar(10);not null;index:idx_positions_symbol_side" json:"side"`
	Strategy    string          `gorm:"type:varchar(32);not null" json:"strategy"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"quantity"`
	EntryPrice  decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"entry_price"`
	StopOrderID string          `gorm:"type:varchar(64)" json:"stop_order_id"`
	StopPrice   decimal.Decimal `gorm:"type:decimal(20,8)" json:"stop_price"`
	OpenedAt    time.Time       `json:"opened_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ClosedAt    *time.Time      `json:"closed_at,omitempty"`
}

// TableName overrides the gorm table name.
func (Position) TableName() string { return "positions" }

// IsOpen reports whether the position is part of the open set.
func (p *Position) IsOpen() bool { return p.ClosedAt == nil }

// StopDistance returns |entry - stop|, the per-unit monetary risk.
func (p *Position) StopDistance() decimal.Decimal {
	return p.EntryPrice.Sub(p.StopPrice).Abs()
}

// RiskAmount returns the position's monetary risk: stop distance times quantity.
func (p *Position) RiskAmount() decimal.Decimal {
	return p.StopDistance().Mul(p.Quantity.Abs())
}

// TightenStop applies a trailing-stop update. The stop only ever moves in the
// risk-reducing direction: up for a long, down for a short. A proposal in the
// loosening direction returns ErrStopLoosens and leaves the position unchanged.
func (p *Position) TightenStop(newStop decimal.Decimal) error {
	if !p.IsOpen() {
		return ErrPositionClosed
	}
	switch p.Side {
	case PositionSideLong:
		if newStop.LessThanOrEqual(p.StopPrice) {
			return ErrStopLoosens
		}
	case PositionSideShort:
		if newStop.GreaterThanOrEqual(p.StopPrice) {
			return ErrStopLoosens
		}
	}
	p.StopPrice = newStop
	return nil
}

// StopSide returns the order side that reduces this position.
func (p *Position) StopSide() string {
	if p.Side == PositionSideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// PositionSideForOrder maps an entry order side to the position side it opens.
func PositionSideForOrder(orderSide string) string {
	if orderSide == OrderSideBuy {
		return PositionSideLong
	}
	return PositionSideShort
}
