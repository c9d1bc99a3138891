package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Circuit breaker names. One CircuitBreakerState row exists per breaker.
const (
	BreakerDailyLoss   = "daily_loss"
	BreakerMaxDrawdown = "max_drawdown"
	BreakerVolatility  = "volatility"
)

// ErrResetUnauthorized rejects a breaker reset carrying the wrong token.
var ErrResetUnauthorized = errors.New("circuit breaker reset not authorized")

// CircuitBreakerState is the sticky trigger record for one breaker. Once
// Triggered is set it persists across restarts and risk checks until an
// authorized manual reset; it is never auto-cleared.
type CircuitBreakerState struct {
	Name             string          `gorm:"type:varchar(32);primary_key" json:"name"`
	Triggered        bool            `gorm:"not null;default:false" json:"triggered"`
	Reason           string          `gorm:"type:varchar(255)" json:"reason"`
	DailyStartEquity decimal.Decimal `gorm:"type:decimal(20,8)" json:"daily_start_equity"`
	PeakEquity       decimal.Decimal `gorm:"type:decimal(20,8)" json:"peak_equity"`
	TriggeredAt      *time.Time      `json:"triggered_at,omitempty"`
	ResetAt          *time.Time      `json:"reset_at,omitempty"`
	ResetBy          string          `gorm:"type:varchar(64)" json:"reset_by,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// TableName overrides the gorm table name.
func (CircuitBreakerState) TableName() string { return "circuit_breaker_states" }

// RiskSnapshot is a point-in-time summary written on every risk-relevant
// state change and on a timer, used for audit and breaker hysteresis.
type RiskSnapshot struct {
	ID            uuid.UUID       `gorm:"type:uuid;primary_key" json:"id"`
	Timestamp     time.Time       `gorm:"not null;index" json:"timestamp"`
	Equity        decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"equity"`
	PortfolioHeat decimal.Decimal `gorm:"type:decimal(10,6)" json:"portfolio_heat"`
	Leverage      decimal.Decimal `gorm:"type:decimal(10,4)" json:"leverage"`
	ExposureJSON  string          `gorm:"type:text" json:"exposure_json"`
	BreakersJSON  string          `gorm:"type:text" json:"breakers_json"`
	CreatedAt     time.Time       `json:"created_at"`
}

// TableName overrides the gorm table name.
func (RiskSnapshot) TableName() string { return "risk_snapshots" }
