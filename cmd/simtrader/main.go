// simtrader runs a deterministic tape replay, a live shadow session, or
// an on-demand interactive session against a pluggable strategy — by
// default the built-in Avellaneda-Stoikov market maker.
//
// Usage:
//
//	simtrader                     # reads configs/config.yaml
//	SIMTRADER_CONFIG=path simtrader
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"simtrader/internal/broker"
	"simtrader/internal/config"
	"simtrader/internal/metrics"
	"simtrader/internal/ondemand"
	"simtrader/internal/portfolio"
	"simtrader/internal/runner"
	"simtrader/internal/strategy"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SIMTRADER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(newLogHandler(cfg.Logging))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	strat := strategy.NewMaker(makerConfigFrom(cfg.Strategy))
	startingCash, feeBps, markMethod, err := portfolioParamsFrom(cfg.Portfolio)
	if err != nil {
		logger.Error("invalid portfolio config", "error", err)
		os.Exit(1)
	}

	switch cfg.Mode {
	case config.ModeReplay:
		result, err := runner.Run(runner.Config{
			RunDir:         cfg.RunDir,
			TapeDir:        cfg.Tape.Dir,
			PrimaryAssetID: cfg.Tape.PrimaryAssetID,
			StartingCash:   startingCash,
			FeeBps:         feeBps,
			MarkMethod:     markMethod,
			Latency:        broker.LatencyConfig{SubmitTicks: cfg.Latency.SubmitTicks, CancelTicks: cfg.Latency.CancelTicks},
			OutputFormat:   cfg.Tape.OutputFormat,
		}, strat)
		if err != nil {
			logger.Error("replay run failed", "error", err)
			os.Exit(1)
		}
		logger.Info("replay run complete", "run_quality", result.RunQuality, "net_profit", result.Summary.NetProfit.String())

	case config.ModeShadow:
		var shadowMetrics *metrics.ShadowMetrics
		var metricsShutdown func(context.Context) error
		if cfg.Metrics.Enabled {
			shadowMetrics = metrics.NewShadowMetrics()
			metricsShutdown, err = shadowMetrics.Server(cfg.Metrics.Addr)
			if err != nil {
				logger.Error("failed to start metrics server", "error", err)
				os.Exit(1)
			}
			defer metricsShutdown(context.Background())
		}

		tapeDir := ""
		if cfg.Shadow.RecordTape {
			tapeDir = cfg.Shadow.TapeDir
		}
		result, err := runner.RunShadow(ctx, runner.ShadowConfig{
			RunDir:            cfg.RunDir,
			WSURL:             cfg.Shadow.WSURL,
			AssetIDs:          cfg.Shadow.AssetIDs,
			PrimaryAssetID:    cfg.Shadow.PrimaryAssetID,
			ExtraBookAssetIDs: cfg.Shadow.ExtraBookAssetIDs,
			DurationSeconds:   cfg.Shadow.DurationSeconds,
			MaxWSStallSeconds: cfg.Shadow.MaxWSStallSeconds,
			TapeDir:           tapeDir,
			StartingCash:      startingCash,
			FeeBps:            feeBps,
			MarkMethod:        markMethod,
			Latency:           broker.LatencyConfig{SubmitTicks: cfg.Latency.SubmitTicks, CancelTicks: cfg.Latency.CancelTicks},
			Logger:            logger,
			Metrics:           shadowMetrics,
		}, strat)
		if err != nil {
			logger.Error("shadow run failed", "error", err)
			os.Exit(1)
		}
		logger.Info("shadow run complete", "run_quality", result.RunQuality, "exit_reason", result.ExitReason)

	case config.ModeOnDemand:
		sess, err := ondemand.NewSession(cfg.Tape.Dir, startingCash, feeBps, markMethod)
		if err != nil {
			logger.Error("failed to start on-demand session", "error", err)
			os.Exit(1)
		}
		logger.Info("on-demand session started", "session_id", sess.SessionID())
		<-ctx.Done()
		if err := sess.SaveArtifacts(cfg.RunDir); err != nil {
			logger.Error("failed to save on-demand session artifacts", "error", err)
			os.Exit(1)
		}

	default:
		logger.Error("unknown mode", "mode", cfg.Mode)
		os.Exit(1)
	}
}

func newLogHandler(cfg config.LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		return slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.NewTextHandler(os.Stdout, opts)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func makerConfigFrom(cfg config.StrategyConfig) strategy.MakerConfig {
	baseSize := decimal.NewFromInt(50)
	if cfg.BaseSize != "" {
		if parsed, err := decimal.NewFromString(cfg.BaseSize); err == nil {
			baseSize = parsed
		}
	}
	return strategy.MakerConfig{
		Gamma:                 cfg.Gamma,
		Sigma:                 cfg.Sigma,
		TimeHorizon:           cfg.TimeHorizon,
		LiquidityK:            cfg.LiquidityK,
		TickSize:              cfg.TickSize,
		MinSpread:             cfg.MinSpread,
		BaseSize:              baseSize,
		MaxPositionShares:     cfg.MaxPositionShares,
		RefreshEveryNEvents:   cfg.RefreshEveryNEvents,
		ToxicityWindowTicks:   cfg.ToxicityWindowTicks,
		ToxicityThreshold:     cfg.ToxicityThreshold,
		ToxicityCooldownTicks: cfg.ToxicityCooldownTicks,
		MaxSpreadMultiple:     cfg.MaxSpreadMultiple,
	}
}

func portfolioParamsFrom(cfg config.PortfolioConfig) (decimal.Decimal, *decimal.Decimal, portfolio.MarkMethod, error) {
	startingCash := decimal.NewFromInt(1000)
	if cfg.StartingCash != "" {
		parsed, err := decimal.NewFromString(cfg.StartingCash)
		if err != nil {
			return decimal.Decimal{}, nil, "", fmt.Errorf("portfolio.starting_cash: %w", err)
		}
		startingCash = parsed
	}

	var feeBps *decimal.Decimal
	if cfg.FeeBps != nil {
		fb := decimal.NewFromInt(*cfg.FeeBps)
		feeBps = &fb
	}

	markMethod := portfolio.MarkMethod(cfg.MarkMethod)
	if markMethod == "" {
		markMethod = portfolio.MarkBid
	}
	return startingCash, feeBps, markMethod, nil
}
