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

// GetBreaker fetches one circuit breaker state, creating a clear record with
// the given reference equity on first access.
func (s *Store) GetBreaker(ctx context.Context, name string, initialEquity decimal.Decimal) (*model.CircuitBreakerState, error) {
	var state model.CircuitBreakerState
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = model.CircuitBreakerState{
			Name:             name,
			DailyStartEquity: initialEquity,
			PeakEquity:       initialEquity,
			UpdatedAt:        nowUTC(),
		}
		if err := s.db.WithContext(ctx).Create(&state).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return s.GetBreaker(ctx, name, initialEquity)
			}
			return nil, fmt.Errorf("failed to initialize breaker %s: %w", name, err)
		}
		return &state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch breaker %s: %w", name, err)
	}
	return &state, nil
}

// ListBreakers returns all breaker states.
func (s *Store) ListBreakers(ctx context.Context) ([]model.CircuitBreakerState, error) {
	var states []model.CircuitBreakerState
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&states).Error; err != nil {
		return nil, fmt.Errorf("failed to list breakers: %w", err)
	}
	return states, nil
}

// TriggerBreaker marks a breaker triggered with the reference values it was
// computed from. Triggering is idempotent; the sticky flag persists until an
// authorized reset.
func (s *Store) TriggerBreaker(ctx context.Context, name, reason string, dailyStart, peak decimal.Decimal) error {
	now := nowUTC()
	res := s.db.WithContext(ctx).Model(&model.CircuitBreakerState{}).
		Where("name = ? AND triggered = ?", name, false).
		Updates(map[string]interface{}{
			"triggered":          true,
			"reason":             reason,
			"daily_start_equity": dailyStart,
			"peak_equity":        peak,
			"triggered_at":       now,
			"updated_at":         now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to trigger breaker %s: %w", name, res.Error)
	}
	return nil
}

// ResetBreaker clears a triggered breaker, recording who performed the reset.
// Callers must have already verified the confirmation token; the store only
// enforces that an untriggered breaker cannot be reset.
func (s *Store) ResetBreaker(ctx context.Context, name, resetBy string) error {
	now := nowUTC()
	res := s.db.WithContext(ctx).Model(&model.CircuitBreakerState{}).
		Where("name = ? AND triggered = ?", name, true).
		Updates(map[string]interface{}{
			"triggered":  false,
			"reason":     "",
			"reset_at":   now,
			"reset_by":   resetBy,
			"updated_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to reset breaker %s: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrBreakerNotTriggered
	}
	return nil
}

// UpdateBreakerReferences advances the rolling reference values (day-start
// equity at rollover, peak equity monotonically).
func (s *Store) UpdateBreakerReferences(ctx context.Context, name string, dailyStart, peak decimal.Decimal) error {
	res := s.db.WithContext(ctx).Model(&model.CircuitBreakerState{}).
		Where("name = ?", name).
		Updates(map[string]interface{}{
			"daily_start_equity": dailyStart,
			"peak_equity":        peak,
			"updated_at":         nowUTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update breaker references for %s: %w", name, res.Error)
	}
	return nil
}

// WriteRiskSnapshot appends a point-in-time risk summary.
func (s *Store) WriteRiskSnapshot(ctx context.Context, snapshot *model.RiskSnapshot) error {
	if snapshot.ID == uuid.Nil {
		snapshot.ID = uuid.New()
	}
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = nowUTC()
	}
	if err := s.db.WithContext(ctx).Create(snapshot).Error; err != nil {
		return fmt.Errorf("failed to write risk snapshot: %w", err)
	}
	return nil
}

// LatestRiskSnapshot returns the most recent snapshot, or nil when none exist.
func (s *Store) LatestRiskSnapshot(ctx context.Context) (*model.RiskSnapshot, error) {
	var snapshot model.RiskSnapshot
	err := s.db.WithContext(ctx).Order("timestamp DESC").First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest risk snapshot: %w", err)
	}
	return &snapshot, nil
}

// BotState returns the persisted run state, defaulting to RUNNING on first
// access so a fresh deployment trades without manual arming.
func (s *Store) BotState(ctx context.Context) (*model.BotState, error) {
	var state model.BotState
	err := s.db.WithContext(ctx).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = model.BotState{ID: 1, State: model.BotStateRunning, UpdatedAt: nowUTC()}
		if err := s.db.WithContext(ctx).Create(&state).Error; err != nil {
			return nil, fmt.Errorf("failed to initialize bot state: %w", err)
		}
		return &state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bot state: %w", err)
	}
	return &state, nil
}

// SetBotState transitions the persisted run state so every service observes
// pauses and halts consistently.
func (s *Store) SetBotState(ctx context.Context, state, reason, changedBy string) error {
	if _, err := s.BotState(ctx); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&model.BotState{}).
		Where("id = ?", 1).
		Updates(map[string]interface{}{
			"state":      state,
			"reason":     reason,
			"changed_by": changedBy,
			"updated_at": nowUTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to set bot state: %w", res.Error)
	}
	return nil
}
