// Package database 提供 PostgreSQL 连接池管理与 advisory lock 原语。
//
// 使用 pgxpool 直接管理连接，裸写 SQL (不使用 ORM)。
package database

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/go-coord/internal/config"
	"github.com/multi-agent/go-coord/pkg/logger"
)

// NewPool 创建 PostgreSQL 连接池。
func NewPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.StoreDSN == "" {
		return nil, fmt.Errorf("COORD_STORE_DSN is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MinConns = 1
	poolCfg.MaxConns = safeInt32(cfg.PoolSize, "PoolSize")
	poolCfg.ConnConfig.ConnectTimeout = time.Duration(cfg.PoolTimeoutSec) * time.Second

	// AfterConnect: 设置 search_path (使用 quote_ident 防止 SQL 注入)
	schema := cfg.PostgresSchema
	if schema != "" && schema != "public" {
		poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", pgx.Identifier{schema}.Sanitize()))
			return err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// 验证连接 (受同一超时约束)
	pctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.PoolTimeoutSec)*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logger.Infow("postgres pool created",
		"max_conns", cfg.PoolSize,
		"schema", schema,
	)
	return pool, nil
}

// safeInt32 将 int 安全转为 int32，超出范围时 clamp 并记录警告。
func safeInt32(v int, name string) int32 {
	if v > math.MaxInt32 {
		logger.Warn("pool config overflow, clamped to MaxInt32", "field", name, "value", v)
		return math.MaxInt32
	}
	if v < 1 {
		logger.Warn("pool config below 1, clamped to 1", "field", name, "value", v)
		return 1
	}
	return int32(v)
}
