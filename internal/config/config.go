package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/rewired-gh/optoracle/internal/backtest"
	"github.com/rewired-gh/optoracle/internal/models"
	"github.com/rewired-gh/optoracle/internal/monitor"
)

// Config represents the complete application configuration
type Config struct {
	Deribit  DeribitConfig  `mapstructure:"deribit"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Backtest BacktestConfig `mapstructure:"backtest"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DeribitConfig holds market data feed configuration
type DeribitConfig struct {
	BaseURL             string        `mapstructure:"base_url"`
	Currencies          []string      `mapstructure:"currencies"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryDelayBase      time.Duration `mapstructure:"retry_delay_base"`
	RequestsPerSecond   float64       `mapstructure:"requests_per_second"`
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
}

// MonitorConfig holds live evaluation configuration
type MonitorConfig struct {
	Schedule        string        `mapstructure:"schedule"`
	WindowMinHours  float64       `mapstructure:"window_min_hours"`
	WindowMaxHours  float64       `mapstructure:"window_max_hours"`
	TimeDecayWeight float64       `mapstructure:"time_decay_weight"`
	ScoreThreshold  float64       `mapstructure:"score_threshold"`
	MaxWindowHours  float64       `mapstructure:"max_window_hours"`
	PriceWeight     float64       `mapstructure:"price_weight"`
	VolumeWeight    float64       `mapstructure:"volume_weight"`
	OIWeight        float64       `mapstructure:"oi_weight"`
	Cooldown        time.Duration `mapstructure:"cooldown"`
	TopK            int           `mapstructure:"top_k"`
	UseOptimized    bool          `mapstructure:"use_optimized"` // start from the latest stored calibration
}

// BacktestConfig holds calibration configuration
type BacktestConfig struct {
	Schedule            string        `mapstructure:"schedule"` // empty = manual only
	Horizon             time.Duration `mapstructure:"horizon"`
	Lookback            time.Duration `mapstructure:"lookback"`
	MoveThreshold       float64       `mapstructure:"move_threshold"`
	Workers             int           `mapstructure:"workers"`
	PriceCandidates     []float64     `mapstructure:"price_candidates"`
	VolumeCandidates    []float64     `mapstructure:"volume_candidates"`
	OICandidates        []float64     `mapstructure:"oi_candidates"`
	ApplyMinSuccessRate float64       `mapstructure:"apply_min_success_rate"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	MaxSnapshots int    `mapstructure:"max_snapshots"`
	DBPath       string `mapstructure:"db_path"`
}

// MetricsConfig holds Prometheus exposition configuration
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from an optional .env file, the config file, and
// environment variables. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Enable environment variable override, e.g. OPTORACLE_TELEGRAM_BOT_TOKEN
	v.SetEnvPrefix("OPTORACLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

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

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Deribit defaults
	v.SetDefault("deribit.base_url", "https://www.deribit.com/api/v2")
	v.SetDefault("deribit.currencies", []string{"ETH"})
	v.SetDefault("deribit.timeout", "30s")
	v.SetDefault("deribit.max_retries", 3)
	v.SetDefault("deribit.retry_delay_base", "1s")
	v.SetDefault("deribit.requests_per_second", 5.0)
	v.SetDefault("deribit.max_idle_conns", 10)
	v.SetDefault("deribit.max_idle_conns_per_host", 5)
	v.SetDefault("deribit.idle_conn_timeout", "90s")

	// Monitor defaults
	v.SetDefault("monitor.schedule", "0 */5 * * * *")
	v.SetDefault("monitor.window_min_hours", 0.5)
	v.SetDefault("monitor.window_max_hours", 48.0)
	v.SetDefault("monitor.time_decay_weight", 2.0)
	v.SetDefault("monitor.score_threshold", 5.0)
	v.SetDefault("monitor.max_window_hours", 48.0)
	v.SetDefault("monitor.price_weight", 1.0)
	v.SetDefault("monitor.volume_weight", 1.0)
	v.SetDefault("monitor.oi_weight", 1.0)
	v.SetDefault("monitor.cooldown", "1h")
	v.SetDefault("monitor.top_k", 10)
	v.SetDefault("monitor.use_optimized", false)

	// Backtest defaults
	v.SetDefault("backtest.schedule", "")
	v.SetDefault("backtest.horizon", "4h")
	v.SetDefault("backtest.lookback", "168h")
	v.SetDefault("backtest.move_threshold", backtest.DefaultMoveThreshold)
	v.SetDefault("backtest.workers", 0)
	v.SetDefault("backtest.price_candidates", []float64{0.5, 1.0, 1.5, 2.0})
	v.SetDefault("backtest.volume_candidates", []float64{0.5, 1.0, 1.5, 2.0})
	v.SetDefault("backtest.oi_candidates", []float64{0.5, 1.0, 1.5, 2.0})
	v.SetDefault("backtest.apply_min_success_rate", 50.0)

	// Telegram defaults
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Storage defaults
	v.SetDefault("storage.max_snapshots", 20000)
	v.SetDefault("storage.db_path", "./data/optoracle.db")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9090")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a six-field (seconds first) cron expression or descriptor.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return cronParser.Parse(spec)
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Deribit config
	if c.Deribit.BaseURL == "" {
		return fmt.Errorf("deribit.base_url is required")
	}
	if len(c.Deribit.Currencies) == 0 {
		return fmt.Errorf("deribit.currencies must contain at least one currency")
	}
	if c.Deribit.Timeout <= 0 {
		return fmt.Errorf("deribit.timeout must be positive")
	}
	if c.Deribit.RequestsPerSecond <= 0 {
		return fmt.Errorf("deribit.requests_per_second must be positive")
	}

	// Validate Monitor config
	if _, err := ParseSchedule(c.Monitor.Schedule); err != nil {
		return fmt.Errorf("monitor.schedule is invalid: %w", err)
	}
	if c.Monitor.WindowMinHours < 0 {
		return fmt.Errorf("monitor.window_min_hours must not be negative")
	}
	if c.Monitor.WindowMaxHours <= c.Monitor.WindowMinHours {
		return fmt.Errorf("monitor.window_max_hours must be greater than monitor.window_min_hours")
	}
	if c.Monitor.MaxWindowHours <= 0 {
		return fmt.Errorf("monitor.max_window_hours must be positive")
	}
	if c.Monitor.ScoreThreshold <= 0 {
		return fmt.Errorf("monitor.score_threshold must be positive")
	}
	if c.Monitor.TimeDecayWeight < 0 {
		return fmt.Errorf("monitor.time_decay_weight must not be negative")
	}
	if c.Monitor.PriceWeight < 0 || c.Monitor.VolumeWeight < 0 || c.Monitor.OIWeight < 0 {
		return fmt.Errorf("monitor weights must not be negative")
	}
	if c.Monitor.Cooldown < 0 {
		return fmt.Errorf("monitor.cooldown must not be negative")
	}
	if c.Monitor.TopK < 1 {
		return fmt.Errorf("monitor.top_k must be at least 1")
	}

	// Validate Backtest config
	if c.Backtest.Schedule != "" {
		if _, err := ParseSchedule(c.Backtest.Schedule); err != nil {
			return fmt.Errorf("backtest.schedule is invalid: %w", err)
		}
	}
	if c.Backtest.Horizon <= 0 {
		return fmt.Errorf("backtest.horizon must be positive")
	}
	if c.Backtest.Lookback <= 0 {
		return fmt.Errorf("backtest.lookback must be positive")
	}
	if c.Backtest.MoveThreshold <= 0 {
		return fmt.Errorf("backtest.move_threshold must be positive")
	}
	if c.Backtest.Workers < 0 {
		return fmt.Errorf("backtest.workers must not be negative")
	}
	for name, list := range map[string][]float64{
		"backtest.price_candidates":  c.Backtest.PriceCandidates,
		"backtest.volume_candidates": c.Backtest.VolumeCandidates,
		"backtest.oi_candidates":     c.Backtest.OICandidates,
	} {
		if len(list) == 0 {
			return fmt.Errorf("%s must contain at least one value", name)
		}
		for _, w := range list {
			if w < 0 {
				return fmt.Errorf("%s must not contain negative values", name)
			}
		}
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Storage config
	if c.Storage.MaxSnapshots < 1 {
		return fmt.Errorf("storage.max_snapshots must be at least 1")
	}

	// Validate Metrics config
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Weights returns the configured live scoring weights.
func (m MonitorConfig) Weights() models.ThresholdWeights {
	return models.ThresholdWeights{
		PriceWeight:  m.PriceWeight,
		VolumeWeight: m.VolumeWeight,
		OIWeight:     m.OIWeight,
	}
}

// Window returns the hours-to-expiry filter.
func (m MonitorConfig) Window() monitor.Window {
	return monitor.Window{MinHours: m.WindowMinHours, MaxHours: m.WindowMaxHours}
}

// ScoringParams returns the fixed scoring constants.
func (m MonitorConfig) ScoringParams() monitor.ScoringParams {
	return monitor.ScoringParams{
		TimeDecayWeight: m.TimeDecayWeight,
		ScoreThreshold:  m.ScoreThreshold,
		MaxWindowHours:  m.MaxWindowHours,
	}
}

// Grid returns the candidate weight grid.
func (b BacktestConfig) Grid() backtest.Grid {
	return backtest.Grid{
		Price:        b.PriceCandidates,
		Volume:       b.VolumeCandidates,
		OpenInterest: b.OICandidates,
	}
}
