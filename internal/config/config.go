// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 使用反射自动填充，无需手动逐行赋值。
package config

import (
	"time"

	"github.com/multi-agent/go-coord/pkg/util"
)

// MaxSyncTimeoutSec 同步等待的超时上限 (秒)。
const MaxSyncTimeoutSec = 300

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// PostgreSQL
	StoreDSN        string `env:"COORD_STORE_DSN"`
	PoolSize        int    `env:"COORD_POOL_SIZE" default:"20" min:"1"`
	PoolTimeoutSec  int    `env:"COORD_POOL_TIMEOUT_SEC" default:"10" min:"1"`
	PostgresSchema  string `env:"COORD_POSTGRES_SCHEMA" default:"public"`

	// 协调核心
	DefaultSyncTimeoutSec    int `env:"COORD_DEFAULT_SYNC_TIMEOUT_SEC" default:"30" min:"1"`
	DefaultTurnDurationSec   int `env:"COORD_DEFAULT_TURN_DURATION_SEC" default:"60" min:"1"`
	HandlerFastPathBudgetMS  int `env:"COORD_HANDLER_FAST_PATH_BUDGET_MS" default:"100" min:"1"`
	HandlerTimeoutSec        int `env:"COORD_HANDLER_TIMEOUT_SEC" default:"30" min:"1"`

	// HTTP 服务 (cmd/coordd)
	HTTPAddr string `env:"COORD_HTTP_ADDR" default:":8089"`

	// 日志
	LogLevel string `env:"LOG_LEVEL" default:"INFO"`
	AppEnv   string `env:"APP_ENV" default:"production"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	if cfg.DefaultSyncTimeoutSec > MaxSyncTimeoutSec {
		cfg.DefaultSyncTimeoutSec = MaxSyncTimeoutSec
	}
	return &cfg
}

// DefaultSyncTimeout 默认同步等待时长。
func (c *Config) DefaultSyncTimeout() time.Duration {
	return time.Duration(c.DefaultSyncTimeoutSec) * time.Second
}

// DefaultTurnDuration 默认会议发言时长。
func (c *Config) DefaultTurnDuration() time.Duration {
	return time.Duration(c.DefaultTurnDurationSec) * time.Second
}

// HandlerFastPathBudget 同步发送的 handler 快路径预算。
func (c *Config) HandlerFastPathBudget() time.Duration {
	return time.Duration(c.HandlerFastPathBudgetMS) * time.Millisecond
}

// HandlerTimeout 单次 handler 调用的超时上限。
func (c *Config) HandlerTimeout() time.Duration {
	return time.Duration(c.HandlerTimeoutSec) * time.Second
}
