package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/optoracle/internal/backtest"
	"github.com/rewired-gh/optoracle/internal/config"
	"github.com/rewired-gh/optoracle/internal/cooldown"
	"github.com/rewired-gh/optoracle/internal/deribit"
	"github.com/rewired-gh/optoracle/internal/engine"
	"github.com/rewired-gh/optoracle/internal/logger"
	"github.com/rewired-gh/optoracle/internal/metrics"
	"github.com/rewired-gh/optoracle/internal/monitor"
	"github.com/rewired-gh/optoracle/internal/storage"
	"github.com/rewired-gh/optoracle/internal/telegram"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "optoracle",
	Short: "Short-dated option anomaly monitor",
	Long: `optoracle watches option books for quotes that stand out from their
expiry cohort, alerts on them with a per-cohort cooldown, and calibrates the
scoring weights against stored history.

Examples:
  optoracle monitor --config configs/config.yaml
  optoracle evaluate
  optoracle optimize --apply`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "Path to configuration file (empty for defaults and environment only)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Fatal("%v", err)
	}
}

// app is the wired service shared by every subcommand.
type app struct {
	cfg      *config.Config
	store    *storage.Storage
	tracker  *cooldown.Tracker
	telegram *telegram.Client
	metrics  *metrics.Metrics
	engine   *engine.Engine
}

func setup() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", configPath)

	store, err := storage.New(cfg.Storage.MaxSnapshots, cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	a := &app{
		cfg:     cfg,
		store:   store,
		tracker: cooldown.New(store),
		metrics: metrics.New(),
	}

	if cfg.Telegram.Enabled {
		a.telegram, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	feed := deribit.NewClient(cfg.Deribit.BaseURL, cfg.Deribit.Timeout, deribit.ClientConfig{
		MaxRetries:          cfg.Deribit.MaxRetries,
		RetryDelayBase:      cfg.Deribit.RetryDelayBase,
		RequestsPerSecond:   cfg.Deribit.RequestsPerSecond,
		MaxIdleConns:        cfg.Deribit.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Deribit.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.Deribit.IdleConnTimeout,
	})

	params := cfg.Monitor.ScoringParams()
	optimizer := backtest.New(params)
	optimizer.MoveThreshold = cfg.Backtest.MoveThreshold
	optimizer.Workers = cfg.Backtest.Workers

	deps := engine.Deps{
		Feed:      feed,
		Store:     store,
		Tracker:   a.tracker,
		Metrics:   a.metrics,
		Optimizer: optimizer,
	}
	// A nil *telegram.Client must not become a non-nil Notifier.
	if a.telegram != nil {
		deps.Notifier = a.telegram
	}

	a.engine = engine.New(engine.Config{
		Currencies: cfg.Deribit.Currencies,
		Monitor: monitor.Config{
			Window: cfg.Monitor.Window(),
			Params: params,
			TopK:   cfg.Monitor.TopK,
		},
		Cooldown:            cfg.Monitor.Cooldown,
		Horizon:             cfg.Backtest.Horizon,
		Lookback:            cfg.Backtest.Lookback,
		Grid:                cfg.Backtest.Grid(),
		ApplyMinSuccessRate: cfg.Backtest.ApplyMinSuccessRate,
	}, deps, cfg.Monitor.Weights())

	return a, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		logger.Error("Failed to close storage: %v", err)
	}
}
