// Vault keeper: watches an NFT-lending protocol and executes the
// maintenance transactions nobody else is paid to send.
//
// Architecture:
//
//	main.go              entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     orchestrator: wires subscriber, indexer poller, executor and risk
//	engine/passes.go     liquidation and subscription passes over the tracker
//	tracker/store.go     in-memory loans and orders, pending flags per entity
//	eligibility          pure decisions: epochs, 95% payout threshold, position actions
//	events/subscriber.go ledger log subscription with backfill and reconnect
//	indexer              GraphQL snapshots of loans, orders and closure auctions
//	executor             admission control (risk, subsidy, fee) and confirmation workers
//	ledger               RPC client: views, signing, nonce management, receipts
//	risk/manager.go      daily gas cap and consecutive-failure kill switch
//	store/store.go       JSON checkpoints of the tracker (survives restarts)
//
// How it earns:
//
//	Liquidations pay the keeper a reward. Purchases, adjustments and sales
//	are paid from a subsidy the order owner keeps in the subscription
//	contract. The keeper only sends when the estimated fee fits the subsidy.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"vault-keeper/internal/api"
	"vault-keeper/internal/config"
	"vault-keeper/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("KEEPER_CONFIG"); p != "" {
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(*cfg, eng, eng.Registry(), logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE: no transactions will be sent")
	}

	logger.Info("vault keeper started",
		"liquidations", cfg.Engine.LiquidationsEnabled,
		"subscriptions", cfg.Engine.SubscriptionsEnabled,
		"max_in_flight", cfg.Engine.MaxInFlight,
		"cycle_interval", cfg.Engine.CycleInterval,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Dashboard goes first so no client reads a half-stopped engine.
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	eng.Stop()
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
