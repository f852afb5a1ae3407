// cmd/coordd — 协调器守护进程: REST + WebSocket 服务主入口。
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	coord "github.com/multi-agent/go-coord"
	"github.com/multi-agent/go-coord/internal/apiserver"
	"github.com/multi-agent/go-coord/internal/config"
	"github.com/multi-agent/go-coord/internal/database"
	"github.com/multi-agent/go-coord/pkg/logger"
	"github.com/multi-agent/go-coord/pkg/util"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	_ = godotenv.Load()
	cfg := config.Load()
	logger.Init(cfg.AppEnv, cfg.LogLevel)

	c, err := coord.New(ctx, cfg)
	if err != nil {
		logger.Fatal("coordinator init failed", logger.FieldError, err.Error())
	}
	defer c.Close()

	if err := database.Migrate(ctx, c.Pool(), "./migrations"); err != nil {
		logger.Fatal("migration failed", logger.FieldError, err.Error())
	}

	srv := apiserver.New(c)
	logger.Infow("coordd starting", logger.FieldAddr, cfg.HTTPAddr)

	util.SafeGo(func() {
		if err := srv.Run(cfg.HTTPAddr); err != nil {
			logger.Fatal("http server failed", logger.FieldError, err.Error())
		}
	})

	<-ctx.Done()
	logger.Info("shutting down")
}
