package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rewired-gh/optoracle/internal/logger"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run evaluation cycles on the configured schedule",
	RunE:  runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

// cronLogger routes scheduler messages to the service logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Printf(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := a.tracker.Load()
	if err != nil {
		logger.Warn("Failed to restore cooldowns: %v", err)
	} else {
		logger.Info("Restored %d cohort cooldowns", n)
	}

	if cfg.Monitor.UseOptimized {
		applied, err := a.engine.RestoreWeights()
		if err != nil {
			logger.Warn("Failed to restore calibrated weights: %v", err)
		} else if !applied {
			logger.Info("No qualifying calibration stored, using configured weights")
		}
	}

	if a.telegram != nil {
		a.telegram.SetStatus(a.status)
		a.telegram.SetTop(a.store.GetTopAlerts)
		a.telegram.ListenForCommands(ctx)
	}

	var srv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		srv = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed: %v", err)
			}
		}()
		logger.Info("Serving metrics on %s/metrics", cfg.Metrics.ListenAddr)
	}

	consecutiveFailures := 0
	handleCycleResult := func(err error) {
		if err != nil {
			consecutiveFailures++
			logger.Error("Evaluation cycle failed: %v", err)
			if consecutiveFailures == 1 && a.telegram != nil {
				if sendErr := a.telegram.SendError(err); sendErr != nil {
					logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
				}
			}
			return
		}
		if consecutiveFailures > 0 && a.telegram != nil {
			if sendErr := a.telegram.SendRecovery(consecutiveFailures); sendErr != nil {
				logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
			}
		}
		consecutiveFailures = 0
	}

	cycle := func() {
		_, err := a.engine.RunCycle(ctx)
		if ctx.Err() != nil {
			return
		}
		handleCycleResult(err)
		if err := a.store.RotateSnapshots(); err != nil {
			logger.Warn("Failed to rotate snapshots: %v", err)
		}
	}

	calibrate := func() {
		_, run, err := a.engine.Optimize(ctx)
		if err != nil {
			logger.Error("Scheduled calibration failed: %v", err)
			return
		}
		if err := a.engine.Record(run); err != nil {
			logger.Error("Failed to record calibration: %v", err)
			return
		}
		if cfg.Monitor.UseOptimized && !a.engine.ApplyRun(run) {
			logger.Info("Calibration %s not applied (%.1f%% success)", run.Band, run.SuccessRate)
		}
	}

	// SkipIfStillRunning keeps cycles from overlapping on slow feeds.
	cronLog := cron.PrintfLogger(cronLogger{log: logger.With("scheduler")})
	sched := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := sched.AddFunc(cfg.Monitor.Schedule, cycle); err != nil {
		return err
	}
	if cfg.Backtest.Schedule != "" {
		if _, err := sched.AddFunc(cfg.Backtest.Schedule, calibrate); err != nil {
			return err
		}
	}

	w := a.engine.Weights()
	logger.Info("Starting monitoring service (schedule: %s, currencies: %v, weights: %.2f/%.2f/%.2f, threshold: %.1f, top_k: %d)",
		cfg.Monitor.Schedule, cfg.Deribit.Currencies,
		w.PriceWeight, w.VolumeWeight, w.OIWeight,
		cfg.Monitor.ScoreThreshold, cfg.Monitor.TopK,
	)

	logger.Debug("Running initial evaluation cycle")
	cycle()

	sched.Start()
	<-ctx.Done()
	logger.Info("Shutdown signal received, cleaning up...")

	<-sched.Stop().Done()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown: %v", err)
		}
	}
	logger.Info("Service stopped")
	return nil
}

// status answers the /status bot command.
func (a *app) status() string {
	w := a.engine.Weights()
	at, err := a.engine.LastCycle()
	last := "never"
	if !at.IsZero() {
		last = at.UTC().Format("2006-01-02 15:04:05 MST")
		if err != nil {
			last += " (failed: " + err.Error() + ")"
		}
	}
	stored := "unknown"
	if n, err := a.store.CountSnapshots(); err == nil {
		stored = fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("Weights: price=%.2f volume=%.2f oi=%.2f\nLast cycle: %s\nStored snapshots: %s",
		w.PriceWeight, w.VolumeWeight, w.OIWeight, last, stored)
}
