// Package store is the gorm-backed persistence layer, the single source of
// truth for orders, positions, executions, and risk state. The execution
// engine and the reconciler coordinate only through these tables; write races
// on an order are serialized by the unique constraint on client_order_id.
package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/helixtrade/helix/internal/config"
	"github.com/helixtrade/helix/internal/model"
)

var (
	// ErrOrderExists signals that a row with the same client_order_id already
	// exists; the caller's write is treated as already done.
	ErrOrderExists = errors.New("order already exists")
	// ErrOrderNotFound signals a missing order row.
	ErrOrderNotFound = errors.New("order not found")
	// ErrPositionNotFound signals a missing position row.
	ErrPositionNotFound = errors.New("position not found")
	// ErrInvalidTransition rejects an order status change not allowed by the
	// submission state machine.
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrBreakerNotTriggered rejects a reset of an untriggered breaker.
	ErrBreakerNotTriggered = errors.New("circuit breaker is not triggered")
)

// Store wraps the shared gorm connection.
type Store struct {
	db *gorm.DB
}

// Open connects to the configured database and runs migrations.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewWithDB wraps an existing gorm connection (tests use sqlite :memory:).
func NewWithDB(db *gorm.DB) (*Store, error) {
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate() error {
	err := s.db.AutoMigrate(
		&model.Order{},
		&model.Position{},
		&model.Execution{},
		&model.RiskSnapshot{},
		&model.CircuitBreakerState{},
		&model.BotState{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Transaction runs fn inside a database transaction.
func (s *Store) Transaction(fn func(tx *gorm.DB) error) error {
	return s.db.Transaction(fn)
}

func nowUTC() time.Time { return time.Now().UTC() }
