// Liquidation executor — a reduce-only position-draining bot for a
// USDT-margined perpetual futures venue operating in hedge (two-sided
// position) mode. Given a long and/or short position already open on an
// instrument, it drains each side back to zero through small reduce-only
// limit orders, escalating pricing aggressiveness on repeated timeouts and
// falling back to a three-tier risk supervisor (soft de-risk, panic sliced
// close, protective exchange-resident stop) as distance to liquidation
// shrinks.
//
// Architecture:
//
//	main.go                      — entry point: loads config, starts the orchestrator, waits for SIGINT/SIGTERM
//	internal/orchestrator        — wires signal -> execution -> risk, drives the ~50ms main loop and reconnect recalibration
//	internal/signal              — per-symbol market snapshot and exit-condition evaluation
//	internal/execution           — per-(symbol,side) order lifecycle state machine, pricing, quantity composition
//	internal/risk                — three-tier risk supervisor (soft de-risk, panic close, protective stop)
//	internal/ratelimit           — local deny-not-queue admission control
//	internal/exchange            — Binance USDT-M Futures REST client and WebSocket feeds
//	internal/metrics             — Prometheus counters/gauges served on /metrics
//	internal/config              — YAML configuration with EXEC_* environment overrides
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"log/slog"

	"executor/internal/config"
	"executor/internal/orchestrator"
)

func main() {
	if len(os.Args) < 2 {
		slog.Error("usage: executor <config-path>")
		os.Exit(1)
	}
	cfgPath := os.Args[1]

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	orch, err := orchestrator.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to initialize orchestrator", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := orch.Run(ctx); err != nil {
			logger.Error("orchestrator run failed", "error", err)
		}
	}()

	logger.Info("liquidation executor started", "symbols", cfg.Exchange.Symbols, "dry_run", cfg.DryRun)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	orch.Shutdown()
	<-runDone
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
