// Seed applies the schema, bootstraps lots and pairs, and registers a couple
// of demo users, printing their access keys.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"lotex/internal/config"
	"lotex/internal/exchange"
	"lotex/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config")
	migration := flag.String("migration", "migrations/001_init.sql", "path to schema file")
	demoUsers := flag.Bool("demo-users", true, "register demo users")
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

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	schema, err := os.ReadFile(*migration)
	if err != nil {
		logger.Fatal("failed to read migration", zap.Error(err))
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil && !strings.Contains(err.Error(), "already exists") {
		logger.Fatal("failed to apply migration", zap.Error(err))
	}
	logger.Info("schema applied")

	st, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to create store", zap.Error(err))
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
	logger.Info("lots and pairs bootstrapped", zap.Strings("lots", cfg.Lots))

	if !*demoUsers {
		return
	}
	for _, name := range []string{"trader1", "trader2"} {
		key, err := ex.CreateUser(ctx, name)
		if err != nil {
			logger.Fatal("failed to create demo user", zap.String("username", name), zap.Error(err))
		}
		fmt.Printf("%s key: %s\n", name, key)
	}
}
