// Twap-Trading-API — multi-venue market-data aggregator and TWAP
// paper-trading server.
//
// Architecture:
//
//	main.go                — entry point: config, logger, store, registry, server
//	exchange/              — one adapter per venue (Binance, Bybit, Coinbase,
//	                         Kucoin): trading pairs, historical klines, top-10
//	                         order book streams with auto-reconnect
//	market/aggregator.go   — fuses per-venue books into consolidated snapshots,
//	                         largest-volume-wins per price, 1 Hz
//	engine/twap.go         — slices a parent order one-per-second and paper-fills
//	                         it against the consolidated book under a limit price
//	api/                   — mux REST surface, /ws hub with per-symbol
//	                         reference-counted broadcasts
//	store/store.go         — sqlx repository (SQLite or Postgres) for users,
//	                         orders and executions
//	auth/auth.go           — HS256 bearer tokens, bcrypt password hashes
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"twap-trading-api/internal/api"
	"twap-trading-api/internal/auth"
	"twap-trading-api/internal/config"
	"twap-trading-api/internal/engine"
	"twap-trading-api/internal/exchange"
	"twap-trading-api/internal/market"
	"twap-trading-api/internal/store"
	"twap-trading-api/pkg/types"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TWAP_CONFIG"); p != "" {
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

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Repository
	st, err := store.Open(cfg.Database.URL)
	if err != nil {
		logger.Error("failed to open database", "error", err, "url", cfg.Database.URL)
		os.Exit(1)
	}
	defer st.Close()
	if cfg.Auth.AdminUsername != "" {
		hash, err := auth.HashPassword(cfg.Auth.AdminPassword)
		if err != nil {
			logger.Error("failed to hash admin password", "error", err)
			os.Exit(1)
		}
		if err := st.SeedAdmin(ctx, cfg.Auth.AdminUsername, hash); err != nil {
			logger.Error("failed to seed admin user", "error", err)
			os.Exit(1)
		}
	}

	// Venue adapters, in registry order
	registry := exchange.NewRegistry(
		exchange.NewBinance(logger),
		exchange.NewBybit(logger),
		exchange.NewCoinbase(logger, cfg.Coinbase.APIKey, cfg.Coinbase.PrivateKey),
		exchange.NewKucoin(logger),
	)

	books := func(ctx context.Context, symbol string, venues []string) (<-chan types.ConsolidatedSnapshot, error) {
		return market.Stream(ctx, logger, registry, symbol, venues)
	}

	// TWAP engine
	eng := engine.New(st, books, logger)
	eng.Start(ctx)
	defer eng.Stop()

	// WebSocket hub
	hub := api.NewHub(books, logger)
	hub.Start(ctx)

	// HTTP server
	tokens := auth.NewManager(cfg.Auth.Secret)
	server := api.New(logger, registry, st, tokens, eng, hub, cfg.Server.ListenAddr)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	if err := server.Shutdown(); err != nil {
		logger.Error("shutdown error", "error", err)
	}
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
