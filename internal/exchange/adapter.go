// Package exchange defines the uniform venue adapter contract the core
// depends on. One implementation exists per venue; the core never reaches
// past this interface for venue-specific behavior beyond reduce_only and
// stop_price.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange-side order states, normalized across venues.
const (
	StateOpen            = "OPEN"
	StatePartiallyFilled = "PARTIALLY_FILLED"
	StateFilled          = "FILLED"
	StateCancelled       = "CANCELLED"
	StateRejected        = "REJECTED"
)

// OrderSpec describes an order to submit. ClientOrderID is caller-chosen and
// is the venue-side idempotency key.
type OrderSpec struct {
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	Quantity      decimal.Decimal
	Price         decimal.NullDecimal
	StopPrice     decimal.NullDecimal
	ReduceOnly    bool
}

// OrderHandle is the venue's acknowledgment of a submission.
type OrderHandle struct {
	ExchangeOrderID string
	Status          string
}

// OrderStatus is the venue's current view of an order.
type OrderStatus struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            string
	Type            string
	Status          string
	Quantity        decimal.Decimal
	FilledQuantity  decimal.Decimal
	AvgFillPrice    decimal.Decimal
	StopPrice       decimal.NullDecimal
	ReduceOnly      bool
	UpdatedAt       time.Time
}

// Active reports whether the order is still resident and untriggered on the
// venue; for protective stops this is the stop-coverage condition.
func (s OrderStatus) Active() bool {
	return s.Status == StateOpen || s.Status == StatePartiallyFilled
}

// PositionInfo is one venue-reported open position.
type PositionInfo struct {
	Symbol     string
	Side       string
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
}

// Fill is one venue-reported execution.
type Fill struct {
	ExecID        string
	ClientOrderID string
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	Fee           decimal.Decimal
	IsMaker       bool
	ExecutedAt    time.Time
}

// Adapter is the per-venue query-and-mutate interface. All calls carry a
// context with the configured request timeout; implementations must be safe
// for concurrent use.
type Adapter interface {
	SubmitOrder(ctx context.Context, spec OrderSpec) (OrderHandle, error)
	FetchOrderByClientID(ctx context.Context, clientOrderID string) (OrderStatus, error)
	CancelOrder(ctx context.Context, clientOrderID string) error
	FetchOpenOrders(ctx context.Context) ([]OrderStatus, error)
	FetchOpenPositions(ctx context.Context) ([]PositionInfo, error)
	FetchFills(ctx context.Context, since time.Time) ([]Fill, error)
	FetchAccountEquity(ctx context.Context) (decimal.Decimal, error)
}
