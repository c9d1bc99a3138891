package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Constants for order sides, types, and statuses
const (
	// Order sides
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	// Order types
	OrderTypeLimit      = "LIMIT"
	OrderTypeMarket     = "MARKET"
	OrderTypeStopMarket = "STOP_MARKET"

	// Order statuses (submission state machine)
	OrderStatusNew             = "NEW"
	OrderStatusSubmitting      = "SUBMITTING"
	OrderStatusSubmitted       = "SUBMITTED"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusRejected        = "REJECTED"
	OrderStatusCancelled       = "CANCELLED"
)

// Order is the durable record of one order intent and its exchange lifecycle.
// Rows are append/update only; the full history is kept for audit.
// ClientOrderID is the idempotency key: it is unique, immutable, and stable
// across retries of the same logical submission.
type Order struct {
	ID              uuid.UUID           `gorm:"type:uuid;primary_key" json:"id"`
	ClientOrderID   string              `gorm:"type:varchar(64);uniqueIndex;not null" json:"client_order_id"`
	ExchangeOrderID *string             `gorm:"type:varchar(64)" json:"exchange_order_id,omitempty"`
	Strategy        string              `gorm:"type:varchar(32);not null" json:"strategy"`
	Symbol          string              `gorm:"type:varchar(20);not null" json:"symbol"`
	Side            string              `gorm:"type:varchar(10);not null" json:"side"`
	Type            string              `gorm:"type:varchar(20);not null" json:"type"`
	Quantity        decimal.Decimal     `gorm:"type:decimal(20,8);not null" json:"quantity"`
	FilledQuantity  decimal.Decimal     `gorm:"type:decimal(20,8)" json:"filled_quantity"`
	Price           decimal.NullDecimal `gorm:"type:decimal(20,8)" json:"price,omitempty"`
	StopPrice       decimal.NullDecimal `gorm:"type:decimal(20,8)" json:"stop_price,omitempty"`
	ReduceOnly      bool                `gorm:"not null;default:false" json:"reduce_only"`
	Urgent          bool                `gorm:"not null;default:false" json:"urgent"`
	Status          string              `gorm:"type:varchar(20);not null" json:"status"`
	SubmittedAt     *time.Time          `json:"submitted_at,omitempty"`
	FilledAt        *time.Time          `json:"filled_at,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// TableName overrides the gorm table name.
func (Order) TableName() string { return "orders" }

// IsOpen reports whether the order can still trade or be cancelled.
func (o *Order) IsOpen() bool {
	return !IsTerminalStatus(o.Status)
}

// LeavesQuantity returns the unfilled remainder.
func (o *Order) LeavesQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// IsProtectiveStop reports whether this order is a reduce-only stop-market,
// the only shape accepted for stop coverage.
func (o *Order) IsProtectiveStop() bool {
	return o.Type == OrderTypeStopMarket && o.ReduceOnly
}

// IsTerminalStatus reports whether a status admits no further transitions.
func IsTerminalStatus(status string) bool {
	switch status {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled:
		return true
	}
	return false
}

// validOrderTransitions encodes the submission state machine:
// NEW -> SUBMITTING -> SUBMITTED -> {PARTIALLY_FILLED -> FILLED} | REJECTED | CANCELLED.
// REJECTED is reachable from any non-terminal state (exchange-side validation
// can fail at any point before a fill completes). Fill states are reachable
// straight from SUBMITTING: a submission can land and execute while its echo
// check is still failing, and the venue's fill is authoritative.
var validOrderTransitions = map[string][]string{
	OrderStatusNew:             {OrderStatusSubmitting, OrderStatusRejected, OrderStatusCancelled},
	OrderStatusSubmitting:      {OrderStatusSubmitted, OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled},
	OrderStatusSubmitted:       {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled},
	OrderStatusPartiallyFilled: {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled},
}

// ValidTransition reports whether an order may move from one status to another.
func ValidTransition(from, to string) bool {
	for _, next := range validOrderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
