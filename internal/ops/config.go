// Package ops loads and validates the runtime configuration.
//
// Values come from, in increasing priority: built-in defaults, a config
// file (yaml, json or toml, chosen by extension), and ORDERFLOW_* environment
// variables, where nested keys join with an underscore, e.g.
// ORDERFLOW_SIGNAL_MIN_CONFIDENCE. A .env file in the working directory is
// loaded into the environment first if present.
package ops

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"orderflow/internal/execution"
	"orderflow/internal/recorder"
	"orderflow/internal/risk"
	"orderflow/internal/signal"
	"orderflow/pkg/conn"
	"orderflow/pkg/exception"
)

const EnvPrefix = "ORDERFLOW"

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config is the whole runtime configuration.
type Config struct {
	Bus       BusConfig        `mapstructure:"bus"`
	Risk      RiskConfig       `mapstructure:"risk"`
	Signal    signal.Config    `mapstructure:"signal"`
	Execution execution.Config `mapstructure:"execution"`
	Portfolio PortfolioConfig  `mapstructure:"portfolio"`
	Breaker   BreakerConfig    `mapstructure:"breaker"`
	Store     StoreConfig      `mapstructure:"store"`
	Audit     AuditConfig      `mapstructure:"audit"`
	Telemetry TelemetryConfig  `mapstructure:"telemetry"`
	Profiling ProfilingConfig  `mapstructure:"profiling"`
}

type BusConfig struct {
	Capacity int `mapstructure:"capacity"`
	// DrainTimeout bounds how long Stop waits for in-flight events.
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

type RiskConfig struct {
	Limits            risk.Limits       `mapstructure:",squash"`
	Sizing            risk.SizingConfig `mapstructure:"sizing"`
	QuantityPrecision int32             `mapstructure:"quantity_precision"`
}

type PortfolioConfig struct {
	InitialCash    float64 `mapstructure:"initial_cash"`
	SnapshotOnFill bool    `mapstructure:"snapshot_on_fill"`
}

// Cash returns the initial cash as a decimal.
func (c PortfolioConfig) Cash() decimal.Decimal {
	return decimal.NewFromFloat(c.InitialCash)
}

type BreakerConfig struct {
	MaxFailures int           `mapstructure:"max_failures"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
}

// StoreConfig selects the persistence backend. Writes go through a queue of
// QueueSize and every backend call is bounded by CallTimeout.
type StoreConfig struct {
	Driver        string        `mapstructure:"driver"`
	Migrate       bool          `mapstructure:"migrate"`
	QueueSize     int           `mapstructure:"queue_size"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	KeepSnapshots int           `mapstructure:"keep_snapshots"`
	Postgres      conn.Option   `mapstructure:"postgres"`
}

type AuditConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Dir                string        `mapstructure:"dir"`
	FilePrefix         string        `mapstructure:"file_prefix"`
	QueueSize          int           `mapstructure:"queue_size"`
	SegmentMaxBytes    int64         `mapstructure:"segment_max_bytes"`
	SegmentMaxDuration time.Duration `mapstructure:"segment_max_duration"`
	FlushInterval      time.Duration `mapstructure:"flush_interval"`
}

// Recorder converts the section into a journal writer config.
func (c AuditConfig) Recorder() recorder.Config {
	cfg := recorder.DefaultConfig(c.Dir)
	if c.FilePrefix != "" {
		cfg.FilePrefix = c.FilePrefix
	}
	if c.QueueSize > 0 {
		cfg.QueueSize = c.QueueSize
	}
	if c.SegmentMaxBytes > 0 {
		cfg.SegmentMaxBytes = c.SegmentMaxBytes
	}
	if c.SegmentMaxDuration > 0 {
		cfg.SegmentMaxDuration = c.SegmentMaxDuration
	}
	if c.FlushInterval > 0 {
		cfg.FlushInterval = c.FlushInterval
	}
	return cfg
}

type TelemetryConfig struct {
	Addr     string        `mapstructure:"addr"`
	Interval time.Duration `mapstructure:"interval"`
}

type ProfilingConfig struct {
	ServerAddress   string `mapstructure:"server_address"`
	ApplicationName string `mapstructure:"application_name"`
}

// Default returns the built-in configuration.
func Default() Config {
	pg := conn.Option{Host: "localhost", Port: 5432, Database: "orderflow", SSLMode: "disable"}
	return Config{
		Bus: BusConfig{Capacity: 1024, DrainTimeout: 5 * time.Second},
		Risk: RiskConfig{
			Limits:            risk.DefaultLimits(),
			Sizing:            risk.DefaultSizingConfig(),
			QuantityPrecision: risk.DefaultQuantityPrecision,
		},
		Signal:    signal.DefaultConfig(),
		Execution: execution.DefaultConfig(),
		Portfolio: PortfolioConfig{InitialCash: 100_000},
		Breaker:   BreakerConfig{MaxFailures: 5, Cooldown: 30 * time.Second},
		Store: StoreConfig{
			Driver:        StoreMemory,
			QueueSize:     4096,
			CallTimeout:   2 * time.Second,
			KeepSnapshots: 16,
			Postgres:      pg,
		},
		Audit: AuditConfig{
			Enabled:    true,
			Dir:        "data/audit",
			FilePrefix: "audit",
			QueueSize:  4096,
		},
		Telemetry: TelemetryConfig{Interval: time.Second},
		Profiling: ProfilingConfig{ApplicationName: "orderflow"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("bus.capacity", d.Bus.Capacity)
	v.SetDefault("bus.drain_timeout", d.Bus.DrainTimeout)

	v.SetDefault("risk.max_position_fraction", d.Risk.Limits.MaxPositionFraction)
	v.SetDefault("risk.max_exposure_fraction", d.Risk.Limits.MaxExposureFraction)
	v.SetDefault("risk.max_daily_loss_fraction", d.Risk.Limits.MaxDailyLossFraction)
	v.SetDefault("risk.max_drawdown_fraction", d.Risk.Limits.MaxDrawdownFraction)
	v.SetDefault("risk.max_order_size", d.Risk.Limits.MaxOrderSize)
	v.SetDefault("risk.max_order_value", d.Risk.Limits.MaxOrderValue)
	v.SetDefault("risk.max_orders_per_day", d.Risk.Limits.MaxOrdersPerDay)
	v.SetDefault("risk.min_cash_balance", d.Risk.Limits.MinCashBalance)
	v.SetDefault("risk.margin_requirement", d.Risk.Limits.MarginRequirement)
	v.SetDefault("risk.quantity_precision", d.Risk.QuantityPrecision)
	v.SetDefault("risk.sizing.method", d.Risk.Sizing.Method)
	v.SetDefault("risk.sizing.fraction", d.Risk.Sizing.Fraction)
	v.SetDefault("risk.sizing.risk_fraction", d.Risk.Sizing.RiskFraction)
	v.SetDefault("risk.sizing.atr_multiple", d.Risk.Sizing.ATRMultiple)
	v.SetDefault("risk.sizing.win_rate", d.Risk.Sizing.WinRate)
	v.SetDefault("risk.sizing.avg_win", d.Risk.Sizing.AvgWin)
	v.SetDefault("risk.sizing.avg_loss", d.Risk.Sizing.AvgLoss)
	v.SetDefault("risk.sizing.kelly_fraction", d.Risk.Sizing.KellyFraction)
	v.SetDefault("risk.sizing.max_fraction", d.Risk.Sizing.MaxFraction)

	v.SetDefault("signal.enabled", d.Signal.Enabled)
	v.SetDefault("signal.min_confidence", d.Signal.MinConfidence)
	v.SetDefault("signal.max_orders_per_second", d.Signal.MaxOrdersPerSecond)
	v.SetDefault("signal.burst", d.Signal.Burst)
	v.SetDefault("signal.atr_period", d.Signal.ATRPeriod)

	v.SetDefault("execution.tick_interval", d.Execution.TickInterval)
	v.SetDefault("execution.market_slippage_bps", d.Execution.MarketSlippageBps)
	v.SetDefault("execution.stop_slippage_bps", d.Execution.StopSlippageBps)
	v.SetDefault("execution.commission_bps", d.Execution.CommissionBps)
	v.SetDefault("execution.participation_rate", d.Execution.ParticipationRate)
	v.SetDefault("execution.day_order_ttl", d.Execution.DayOrderTTL)
	v.SetDefault("execution.quantity_precision", d.Execution.QuantityPrecision)

	v.SetDefault("portfolio.initial_cash", d.Portfolio.InitialCash)
	v.SetDefault("portfolio.snapshot_on_fill", d.Portfolio.SnapshotOnFill)

	v.SetDefault("breaker.max_failures", d.Breaker.MaxFailures)
	v.SetDefault("breaker.cooldown", d.Breaker.Cooldown)

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.migrate", d.Store.Migrate)
	v.SetDefault("store.queue_size", d.Store.QueueSize)
	v.SetDefault("store.call_timeout", d.Store.CallTimeout)
	v.SetDefault("store.keep_snapshots", d.Store.KeepSnapshots)
	v.SetDefault("store.postgres.host", d.Store.Postgres.Host)
	v.SetDefault("store.postgres.port", d.Store.Postgres.Port)
	v.SetDefault("store.postgres.user", d.Store.Postgres.User)
	v.SetDefault("store.postgres.password", d.Store.Postgres.Password)
	v.SetDefault("store.postgres.database", d.Store.Postgres.Database)
	v.SetDefault("store.postgres.sslmode", d.Store.Postgres.SSLMode)
	v.SetDefault("store.postgres.dsn", d.Store.Postgres.ConnString)
	v.SetDefault("store.postgres.max_open_conns", d.Store.Postgres.MaxOpenConns)
	v.SetDefault("store.postgres.conn_max_lifetime", d.Store.Postgres.ConnMaxLifetime)

	v.SetDefault("audit.enabled", d.Audit.Enabled)
	v.SetDefault("audit.dir", d.Audit.Dir)
	v.SetDefault("audit.file_prefix", d.Audit.FilePrefix)
	v.SetDefault("audit.queue_size", d.Audit.QueueSize)
	v.SetDefault("audit.segment_max_bytes", d.Audit.SegmentMaxBytes)
	v.SetDefault("audit.segment_max_duration", d.Audit.SegmentMaxDuration)
	v.SetDefault("audit.flush_interval", d.Audit.FlushInterval)

	v.SetDefault("telemetry.addr", d.Telemetry.Addr)
	v.SetDefault("telemetry.interval", d.Telemetry.Interval)

	v.SetDefault("profiling.server_address", d.Profiling.ServerAddress)
	v.SetDefault("profiling.application_name", d.Profiling.ApplicationName)
}

// LoadEnv loads .env files into the process environment. Missing files are
// not an error.
func LoadEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env: %w", err)
	}
	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: decode: %v", exception.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads path (optional) on top of the defaults and the environment
// and validates the result.
func Load(path string) (Config, error) {
	if err := LoadEnv(); err != nil {
		return Config{}, err
	}
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return decode(v)
}

// Validate fails on any value the pipeline cannot start with.
func (c Config) Validate() error {
	if c.Bus.Capacity <= 0 {
		return fmt.Errorf("%w: bus capacity must be > 0", exception.ErrInvalidConfig)
	}
	if c.Bus.DrainTimeout < 0 {
		return fmt.Errorf("%w: bus drain_timeout must be >= 0", exception.ErrInvalidConfig)
	}
	if err := c.Risk.Limits.Validate(); err != nil {
		return fmt.Errorf("%w: %w", exception.ErrInvalidConfig, err)
	}
	if _, err := risk.NewSizer(c.Risk.Sizing); err != nil {
		return fmt.Errorf("%w: %v", exception.ErrInvalidConfig, err)
	}
	if c.Risk.QuantityPrecision < 0 {
		return fmt.Errorf("%w: risk quantity_precision must be >= 0", exception.ErrInvalidConfig)
	}
	if err := c.Signal.Validate(); err != nil {
		return err
	}
	if err := c.Execution.Validate(); err != nil {
		return err
	}
	if c.Portfolio.InitialCash <= 0 {
		return fmt.Errorf("%w: portfolio initial_cash must be > 0", exception.ErrInvalidConfig)
	}
	if c.Breaker.MaxFailures < 1 {
		return fmt.Errorf("%w: breaker max_failures must be >= 1", exception.ErrInvalidConfig)
	}
	if c.Breaker.Cooldown <= 0 {
		return fmt.Errorf("%w: breaker cooldown must be > 0", exception.ErrInvalidConfig)
	}
	switch c.Store.Driver {
	case StoreMemory, StorePostgres:
	default:
		return fmt.Errorf("%w: unknown store driver %q", exception.ErrInvalidConfig, c.Store.Driver)
	}
	if c.Store.QueueSize <= 0 {
		return fmt.Errorf("%w: store queue_size must be > 0", exception.ErrInvalidConfig)
	}
	if c.Audit.Enabled {
		if err := c.Audit.Recorder().Validate(); err != nil {
			return err
		}
	}
	if c.Telemetry.Addr != "" && c.Telemetry.Interval <= 0 {
		return fmt.Errorf("%w: telemetry interval must be > 0", exception.ErrInvalidConfig)
	}
	return nil
}
