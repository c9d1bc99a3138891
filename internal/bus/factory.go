package bus

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/helixtrade/helix/internal/config"
)

// New builds the configured bus backend.
func New(ctx context.Context, cfg config.BusConfig, logger *zap.Logger) (Bus, error) {
	switch cfg.Backend {
	case "redis":
		return NewRedisBus(ctx, cfg.Redis, logger)
	case "kafka":
		return NewKafkaBus(cfg.Kafka, logger), nil
	case "memory":
		return NewMemoryBus(), nil
	default:
		return nil, fmt.Errorf("unsupported bus backend %q", cfg.Backend)
	}
}
