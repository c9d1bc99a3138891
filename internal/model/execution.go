package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Execution is an immutable record of one matched trade. Rows are append-only
// and never mutated after insert.
type Execution struct {
	ID            uuid.UUID       `gorm:"type:uuid;primary_key" json:"id"`
	ExchangeExecID string         `gorm:"type:varchar(64);uniqueIndex" json:"exchange_exec_id"`
	OrderClientID string          `gorm:"type:varchar(64);not null;index" json:"order_client_id"`
	Quantity      decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"quantity"`
	Price         decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"price"`
	Fee           decimal.Decimal `gorm:"type:decimal(20,8)" json:"fee"`
	IsMaker       bool            `gorm:"not null;default:false" json:"is_maker"`
	ExecutedAt    time.Time       `gorm:"not null" json:"executed_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

// TableName overrides the gorm table name.
func (Execution) TableName() string { return "executions" }
