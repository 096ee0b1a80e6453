// Package config defines configuration for the run/session driver that
// wraps the core simulation components. Config is loaded from a YAML
// file with sensitive or environment-specific fields overridable via
// SIMTRADER_* environment variables. The core components themselves
// (book, broker, portfolio, strategy, runner) are config-struct-in and
// never touch viper or the environment directly.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode selects which of the three front-ends a run drives.
type Mode string

const (
	ModeReplay   Mode = "replay"
	ModeShadow   Mode = "shadow"
	ModeOnDemand Mode = "ondemand"
)

// Config is the top-level run configuration. Maps directly to the YAML
// file structure.
type Config struct {
	Mode      Mode            `mapstructure:"mode"`
	RunDir    string          `mapstructure:"run_dir"`
	Tape      TapeConfig      `mapstructure:"tape"`
	Shadow    ShadowConfig    `mapstructure:"shadow"`
	Portfolio PortfolioConfig `mapstructure:"portfolio"`
	Latency   LatencyConfig   `mapstructure:"latency"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// TapeConfig points the replay runner (and on-demand session) at a
// recorded tape directory containing events.jsonl.
type TapeConfig struct {
	Dir            string `mapstructure:"dir"`
	PrimaryAssetID string `mapstructure:"primary_asset_id"`
	OutputFormat   string `mapstructure:"output_format"` // "jsonl" (default) | "csv"
}

// ShadowConfig drives the live WS front-end.
type ShadowConfig struct {
	WSURL             string        `mapstructure:"ws_url"`
	AssetIDs          []string      `mapstructure:"asset_ids"`
	PrimaryAssetID    string        `mapstructure:"primary_asset_id"`
	ExtraBookAssetIDs []string      `mapstructure:"extra_book_asset_ids"`
	DurationSeconds   float64       `mapstructure:"duration_seconds"`
	MaxWSStallSeconds float64       `mapstructure:"max_ws_stall_seconds"`
	RecordTape        bool          `mapstructure:"record_tape"`
	TapeDir           string        `mapstructure:"tape_dir"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
}

// PortfolioConfig tunes the ledger a run builds from the broker's
// lifecycle log.
type PortfolioConfig struct {
	StartingCash string `mapstructure:"starting_cash"` // decimal string, parsed at validation time
	FeeBps       *int64 `mapstructure:"fee_bps"`        // nil means the ledger's own default
	MarkMethod   string `mapstructure:"mark_method"`    // "bid" | "midpoint"
}

// LatencyConfig is the event-tick latency model applied to every
// order (§4.F). Zero/zero matches on-demand sessions.
type LatencyConfig struct {
	SubmitTicks int64 `mapstructure:"submit_ticks"`
	CancelTicks int64 `mapstructure:"cancel_ticks"`
}

// StrategyConfig tunes the Avellaneda-Stoikov market maker.
type StrategyConfig struct {
	Gamma                 float64 `mapstructure:"gamma"`
	Sigma                 float64 `mapstructure:"sigma"`
	LiquidityK            float64 `mapstructure:"liquidity_k"`
	TimeHorizon           float64 `mapstructure:"time_horizon"`
	TickSize              float64 `mapstructure:"tick_size"`
	MinSpread             float64 `mapstructure:"min_spread"`
	BaseSize              string  `mapstructure:"base_size"` // decimal string
	MaxPositionShares     float64 `mapstructure:"max_position_shares"`
	RefreshEveryNEvents   int     `mapstructure:"refresh_every_n_events"`
	ToxicityWindowTicks   int64   `mapstructure:"toxicity_window_ticks"`
	ToxicityThreshold     float64 `mapstructure:"toxicity_threshold"`
	ToxicityCooldownTicks int64   `mapstructure:"toxicity_cooldown_ticks"`
	MaxSpreadMultiple     float64 `mapstructure:"max_spread_multiple"`
}

// LoggingConfig selects the slog handler and level for the process.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" | "text"
}

// MetricsConfig controls the optional Prometheus /metrics endpoint a
// shadow run can expose alongside its JSON run_metrics object.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads config from a YAML file with SIMTRADER_* env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SIMTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Nested mapstructure keys aren't reliably picked up by viper's
	// AutomaticEnv during Unmarshal, so override the handful of fields
	// worth overriding per-environment explicitly, same as the source.
	if dir := os.Getenv("SIMTRADER_RUN_DIR"); dir != "" {
		cfg.RunDir = dir
	}
	if url := os.Getenv("SIMTRADER_WS_URL"); url != "" {
		cfg.Shadow.WSURL = url
	}
	return &cfg, nil
}

// Validate checks the fields required by the selected mode.
func (c *Config) Validate() error {
	if c.RunDir == "" {
		return fmt.Errorf("run_dir is required")
	}
	switch c.Mode {
	case ModeReplay:
		if c.Tape.Dir == "" {
			return fmt.Errorf("tape.dir is required in replay mode")
		}
		if c.Tape.PrimaryAssetID == "" {
			return fmt.Errorf("tape.primary_asset_id is required in replay mode")
		}
	case ModeShadow:
		if c.Shadow.WSURL == "" {
			return fmt.Errorf("shadow.ws_url is required in shadow mode")
		}
		if len(c.Shadow.AssetIDs) == 0 {
			return fmt.Errorf("shadow.asset_ids is required in shadow mode")
		}
		if c.Shadow.PrimaryAssetID == "" {
			return fmt.Errorf("shadow.primary_asset_id is required in shadow mode")
		}
		if c.Shadow.RecordTape && c.Shadow.TapeDir == "" {
			return fmt.Errorf("shadow.tape_dir is required when shadow.record_tape is set")
		}
	case ModeOnDemand:
		if c.Tape.Dir == "" {
			return fmt.Errorf("tape.dir is required in ondemand mode")
		}
	default:
		return fmt.Errorf("mode must be one of: replay, shadow, ondemand")
	}
	if c.Strategy.Gamma <= 0 {
		return fmt.Errorf("strategy.gamma must be > 0")
	}
	if c.Strategy.LiquidityK <= 0 {
		return fmt.Errorf("strategy.liquidity_k must be > 0")
	}
	return nil
}
