// cmd/migrate — 独立迁移工具: 对 COORD_STORE_DSN 应用 migrations/。
package main

import (
	"context"
	"flag"

	"github.com/joho/godotenv"

	"github.com/multi-agent/go-coord/internal/config"
	"github.com/multi-agent/go-coord/internal/database"
	"github.com/multi-agent/go-coord/pkg/logger"
)

func main() {
	dir := flag.String("dir", "./migrations", "migrations directory")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	logger.Init(cfg.AppEnv, cfg.LogLevel)

	if cfg.StoreDSN == "" {
		logger.Fatal("COORD_STORE_DSN not set")
	}

	ctx := context.Background()
	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal("database connect failed", logger.FieldError, err.Error())
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, *dir); err != nil {
		logger.Fatal("migration failed", logger.FieldError, err.Error())
	}
	logger.Info("migration complete")
}
