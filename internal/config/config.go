// Package config loads the trader configuration from YAML with
// environment-variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for all trader services.
type Config struct {
	App            AppConfig            `mapstructure:"app" yaml:"app"`
	Database       DatabaseConfig       `mapstructure:"database" yaml:"database"`
	Bus            BusConfig            `mapstructure:"bus" yaml:"bus"`
	Exchange       ExchangeConfig       `mapstructure:"exchange" yaml:"exchange"`
	Risk           RiskConfig           `mapstructure:"risk" yaml:"risk"`
	Execution      ExecutionConfig      `mapstructure:"execution" yaml:"execution"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation" yaml:"reconciliation"`
	Admin          AdminConfig          `mapstructure:"admin" yaml:"admin"`
}

// AppConfig holds process-wide settings.
type AppConfig struct {
	Environment string `mapstructure:"environment" yaml:"environment"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`
	DryRun      bool   `mapstructure:"dry_run" yaml:"dry_run"`
}

// DatabaseConfig holds persistent store settings.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"` // postgres or sqlite
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// BusConfig selects and configures the event bus backend.
type BusConfig struct {
	Backend string        `mapstructure:"backend" yaml:"backend"` // redis, kafka, or memory
	Redis   RedisConfig   `mapstructure:"redis" yaml:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka" yaml:"kafka"`
	Streams StreamsConfig `mapstructure:"streams" yaml:"streams"`
}

// RedisConfig configures the Redis Streams backend.
type RedisConfig struct {
	Addr       string        `mapstructure:"addr" yaml:"addr"`
	Password   string        `mapstructure:"password" yaml:"password"`
	DB         int           `mapstructure:"db" yaml:"db"`
	ClientName string        `mapstructure:"client_name" yaml:"client_name"`
	MaxLen     int64         `mapstructure:"max_len" yaml:"max_len"`
	BlockTime  time.Duration `mapstructure:"block_time" yaml:"block_time"`
}

// KafkaConfig configures the Kafka backend.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	GroupPrefix  string        `mapstructure:"group_prefix" yaml:"group_prefix"`
}

// StreamsConfig names the event streams used by the core.
type StreamsConfig struct {
	Signals          string `mapstructure:"signals" yaml:"signals"`
	ApprovedSignals  string `mapstructure:"approved_signals" yaml:"approved_signals"`
	OrdersLifecycle  string `mapstructure:"orders_lifecycle" yaml:"orders_lifecycle"`
	PositionsChanged string `mapstructure:"positions_changed" yaml:"positions_changed"`
	RiskSnapshots    string `mapstructure:"risk_snapshots" yaml:"risk_snapshots"`
	AlertsCritical   string `mapstructure:"alerts_critical" yaml:"alerts_critical"`
	AlertsWarning    string `mapstructure:"alerts_warning" yaml:"alerts_warning"`
	AlertsInfo       string `mapstructure:"alerts_info" yaml:"alerts_info"`
}

// ExchangeConfig configures the venue adapter.
type ExchangeConfig struct {
	Venue          string        `mapstructure:"venue" yaml:"venue"`
	APIKey         string        `mapstructure:"api_key" yaml:"api_key"`
	APISecret      string        `mapstructure:"api_secret" yaml:"api_secret"`
	Sandbox        bool          `mapstructure:"sandbox" yaml:"sandbox"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// RiskConfig holds the risk gate's thresholds and sizing parameters.
type RiskConfig struct {
	MaxRiskPerTrade    float64 `mapstructure:"max_risk_per_trade" yaml:"max_risk_per_trade"`
	MaxPortfolioHeat   float64 `mapstructure:"max_portfolio_heat" yaml:"max_portfolio_heat"`
	MaxPositionPct     float64 `mapstructure:"max_position_pct" yaml:"max_position_pct"`
	MaxOpenPositions   int     `mapstructure:"max_open_positions" yaml:"max_open_positions"`
	MaxPerSymbol       int     `mapstructure:"max_per_symbol" yaml:"max_per_symbol"`
	MaxPerStrategy     int     `mapstructure:"max_per_strategy" yaml:"max_per_strategy"`
	MaxLeverage        float64 `mapstructure:"max_leverage" yaml:"max_leverage"`
	// LeverageOverrides caps leverage per asset class (key matches the
	// symbol's asset class, e.g. "crypto", "fx"); MaxLeverage applies
	// otherwise.
	LeverageOverrides map[string]float64 `mapstructure:"leverage_overrides" yaml:"leverage_overrides"`
	// AssetClasses maps symbols to asset classes for leverage overrides.
	AssetClasses       map[string]string `mapstructure:"asset_classes" yaml:"asset_classes"`
	MinStopDistancePct float64           `mapstructure:"min_stop_distance_pct" yaml:"min_stop_distance_pct"`
	MaxStopDistancePct float64           `mapstructure:"max_stop_distance_pct" yaml:"max_stop_distance_pct"`

	CorrelationThreshold float64 `mapstructure:"correlation_threshold" yaml:"correlation_threshold"`
	CorrelationWindow    int     `mapstructure:"correlation_window" yaml:"correlation_window"`

	VolatilityTargeting VolTargetConfig `mapstructure:"volatility_targeting" yaml:"volatility_targeting"`
	CircuitBreakers     BreakerConfig   `mapstructure:"circuit_breakers" yaml:"circuit_breakers"`

	SnapshotInterval time.Duration `mapstructure:"snapshot_interval" yaml:"snapshot_interval"`
}

// VolTargetConfig configures volatility-targeted sizing.
type VolTargetConfig struct {
	Enabled            bool    `mapstructure:"enabled" yaml:"enabled"`
	TargetPortfolioVol float64 `mapstructure:"target_portfolio_vol" yaml:"target_portfolio_vol"`
}

// BreakerConfig holds circuit breaker thresholds. Triggered breakers are
// sticky and only clear through an authorized manual reset.
type BreakerConfig struct {
	DailyLossPct       float64 `mapstructure:"daily_loss_pct" yaml:"daily_loss_pct"`
	MaxDrawdownPct     float64 `mapstructure:"max_drawdown_pct" yaml:"max_drawdown_pct"`
	VolatilityMultiple float64 `mapstructure:"volatility_multiple" yaml:"volatility_multiple"`
	VolatilityPolicy   string  `mapstructure:"volatility_policy" yaml:"volatility_policy"` // pause_only or close_positions
}

// ExecutionConfig holds the execution engine's timing and retry policy.
type ExecutionConfig struct {
	SubmitTimeout     time.Duration `mapstructure:"submit_timeout" yaml:"submit_timeout"`
	MaxSubmitAttempts int           `mapstructure:"max_submit_attempts" yaml:"max_submit_attempts"`
	BackoffBase       time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	EchoDelay         time.Duration `mapstructure:"echo_delay" yaml:"echo_delay"`
	MaxStopAttempts   int           `mapstructure:"max_stop_attempts" yaml:"max_stop_attempts"`
	StuckOrderAge     time.Duration `mapstructure:"stuck_order_age" yaml:"stuck_order_age"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// ReconciliationConfig holds the reconciler's cadence and repair policy.
type ReconciliationConfig struct {
	Interval          time.Duration `mapstructure:"interval" yaml:"interval"`
	AutoRepair        bool          `mapstructure:"auto_repair" yaml:"auto_repair"`
	MaxRepairAttempts int           `mapstructure:"max_repair_attempts" yaml:"max_repair_attempts"`
	StaleOrderAge     time.Duration `mapstructure:"stale_order_age" yaml:"stale_order_age"`
	LagWarnThreshold  time.Duration `mapstructure:"lag_warn_threshold" yaml:"lag_warn_threshold"`
	// PauseAfterFailures pauses trading after this many consecutive cycles
	// where the venue was unreachable; FlattenAfterFailures engages the kill
	// switch. Flatten must be the later threshold.
	PauseAfterFailures   int `mapstructure:"pause_after_failures" yaml:"pause_after_failures"`
	FlattenAfterFailures int `mapstructure:"flatten_after_failures" yaml:"flatten_after_failures"`
}

// AdminConfig configures the operational HTTP surface.
type AdminConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	ConfirmToken string `mapstructure:"confirm_token" yaml:"confirm_token"`
}

// Load reads configuration from the given YAML file; HELIX_* environment
// variables override file values (HELIX_DATABASE_DSN overrides database.dsn).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("HELIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.dry_run", true)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("bus.backend", "redis")
	v.SetDefault("bus.redis.addr", "localhost:6379")
	v.SetDefault("bus.redis.client_name", "helix")
	v.SetDefault("bus.redis.max_len", 100000)
	v.SetDefault("bus.redis.block_time", time.Second)
	v.SetDefault("bus.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("bus.kafka.read_timeout", 10*time.Second)
	v.SetDefault("bus.kafka.write_timeout", time.Second)
	v.SetDefault("bus.kafka.group_prefix", "helix")

	v.SetDefault("bus.streams.signals", "signals.incoming")
	v.SetDefault("bus.streams.approved_signals", "signals.approved")
	v.SetDefault("bus.streams.orders_lifecycle", "orders.lifecycle")
	v.SetDefault("bus.streams.positions_changed", "positions.changed")
	v.SetDefault("bus.streams.risk_snapshots", "risk.snapshots")
	v.SetDefault("bus.streams.alerts_critical", "alerts.critical")
	v.SetDefault("bus.streams.alerts_warning", "alerts.warning")
	v.SetDefault("bus.streams.alerts_info", "alerts.info")

	v.SetDefault("exchange.request_timeout", 5*time.Second)

	v.SetDefault("risk.max_risk_per_trade", 0.02)
	v.SetDefault("risk.max_portfolio_heat", 0.06)
	v.SetDefault("risk.max_position_pct", 0.30)
	v.SetDefault("risk.max_open_positions", 10)
	v.SetDefault("risk.max_per_symbol", 1)
	v.SetDefault("risk.max_per_strategy", 5)
	v.SetDefault("risk.max_leverage", 1.5)
	v.SetDefault("risk.min_stop_distance_pct", 0.001)
	v.SetDefault("risk.max_stop_distance_pct", 0.10)
	v.SetDefault("risk.correlation_threshold", 0.85)
	v.SetDefault("risk.correlation_window", 50)
	v.SetDefault("risk.volatility_targeting.enabled", true)
	v.SetDefault("risk.volatility_targeting.target_portfolio_vol", 0.15)
	v.SetDefault("risk.circuit_breakers.daily_loss_pct", 0.05)
	v.SetDefault("risk.circuit_breakers.max_drawdown_pct", 0.15)
	v.SetDefault("risk.circuit_breakers.volatility_multiple", 3.0)
	v.SetDefault("risk.circuit_breakers.volatility_policy", VolatilityPolicyPauseOnly)
	v.SetDefault("risk.snapshot_interval", time.Minute)

	v.SetDefault("execution.submit_timeout", 500*time.Millisecond)
	v.SetDefault("execution.max_submit_attempts", 3)
	v.SetDefault("execution.backoff_base", 200*time.Millisecond)
	v.SetDefault("execution.backoff_max", 5*time.Second)
	v.SetDefault("execution.echo_delay", 250*time.Millisecond)
	v.SetDefault("execution.max_stop_attempts", 3)
	v.SetDefault("execution.stuck_order_age", 5*time.Minute)
	v.SetDefault("execution.sweep_interval", 30*time.Second)

	v.SetDefault("reconciliation.interval", 30*time.Second)
	v.SetDefault("reconciliation.auto_repair", true)
	v.SetDefault("reconciliation.max_repair_attempts", 3)
	v.SetDefault("reconciliation.stale_order_age", 10*time.Minute)
	v.SetDefault("reconciliation.lag_warn_threshold", 2*time.Minute)
	v.SetDefault("reconciliation.pause_after_failures", 3)
	v.SetDefault("reconciliation.flatten_after_failures", 10)

	v.SetDefault("admin.host", "127.0.0.1")
	v.SetDefault("admin.port", 9090)
}

// Volatility breaker policies. The source system's docs disagree on whether a
// triggered volatility breaker should flatten positions or only pause
// entries, so the behavior is a configuration choice.
const (
	VolatilityPolicyPauseOnly      = "pause_only"
	VolatilityPolicyClosePositions = "close_positions"
)

// Validate checks configuration ranges.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Bus.Backend {
	case "redis", "kafka", "memory":
	default:
		return fmt.Errorf("unsupported bus backend %q", c.Bus.Backend)
	}
	switch c.Risk.CircuitBreakers.VolatilityPolicy {
	case VolatilityPolicyPauseOnly, VolatilityPolicyClosePositions:
	default:
		return fmt.Errorf("unsupported volatility policy %q", c.Risk.CircuitBreakers.VolatilityPolicy)
	}
	if c.Risk.MaxRiskPerTrade <= 0 || c.Risk.MaxRiskPerTrade > 1 {
		return fmt.Errorf("risk.max_risk_per_trade must be in (0, 1], got %v", c.Risk.MaxRiskPerTrade)
	}
	if c.Risk.MaxPortfolioHeat <= 0 || c.Risk.MaxPortfolioHeat > 1 {
		return fmt.Errorf("risk.max_portfolio_heat must be in (0, 1], got %v", c.Risk.MaxPortfolioHeat)
	}
	if c.Risk.MinStopDistancePct >= c.Risk.MaxStopDistancePct {
		return fmt.Errorf("risk stop distance band is empty: min %v >= max %v",
			c.Risk.MinStopDistancePct, c.Risk.MaxStopDistancePct)
	}
	if c.Execution.MaxSubmitAttempts < 1 {
		return fmt.Errorf("execution.max_submit_attempts must be >= 1")
	}
	if c.Reconciliation.Interval < time.Second {
		return fmt.Errorf("reconciliation.interval must be >= 1s, got %v", c.Reconciliation.Interval)
	}
	if c.Reconciliation.PauseAfterFailures < 1 {
		return fmt.Errorf("reconciliation.pause_after_failures must be >= 1, got %d",
			c.Reconciliation.PauseAfterFailures)
	}
	if c.Reconciliation.FlattenAfterFailures <= c.Reconciliation.PauseAfterFailures {
		return fmt.Errorf("reconciliation.flatten_after_failures %d must exceed pause_after_failures %d",
			c.Reconciliation.FlattenAfterFailures, c.Reconciliation.PauseAfterFailures)
	}
	return nil
}
