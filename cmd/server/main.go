// Main entry point: loads config, connects the store and serves the HTTP
// API.
package main

import (
	"context"
	"flag"
	"net/http"

	"go.uber.org/zap"

	"lotex/internal/api"
	"lotex/internal/config"
	"lotex/internal/exchange"
	"lotex/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx := context.Background()
	st, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer st.Close()

	ex := exchange.New(st, exchange.Config{
		Lots:         cfg.Lots,
		SeedBalance:  cfg.SeedBalance,
		StoreTimeout: cfg.StoreTimeout,
		MaxRetries:   cfg.MaxRetries,
	}, logger)

	if err := ex.Initialize(ctx); err != nil {
		logger.Fatal("failed to bootstrap exchange", zap.Error(err))
	}

	hub := api.NewHub(ex, cfg.BroadcastInterval, logger)
	go hub.Run(ctx)

	handler := api.NewHandler(ex, hub, logger)

	logger.Info("starting server",
		zap.String("addr", cfg.ListenAddr),
		zap.Strings("lots", cfg.Lots))
	if err := http.ListenAndServe(cfg.ListenAddr, handler.Router()); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
