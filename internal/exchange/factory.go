package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/helixtrade/helix/internal/config"
)

// New builds the adapter for the configured venue. The paper venue keeps all
// state in memory and is the integration target for development and tests.
func New(cfg config.ExchangeConfig) (Adapter, error) {
	switch cfg.Venue {
	case "paper", "":
		return NewFake(decimal.NewFromInt(10000)), nil
	default:
		return nil, fmt.Errorf("unsupported exchange venue %q", cfg.Venue)
	}
}
