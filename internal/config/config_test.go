package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.PoolSize != 20 {
		t.Errorf("PoolSize = %d, want 20", cfg.PoolSize)
	}
	if cfg.DefaultSyncTimeoutSec != 30 {
		t.Errorf("DefaultSyncTimeoutSec = %d, want 30", cfg.DefaultSyncTimeoutSec)
	}
	if cfg.DefaultTurnDurationSec != 60 {
		t.Errorf("DefaultTurnDurationSec = %d, want 60", cfg.DefaultTurnDurationSec)
	}
	if cfg.HandlerFastPathBudgetMS != 100 {
		t.Errorf("HandlerFastPathBudgetMS = %d, want 100", cfg.HandlerFastPathBudgetMS)
	}
	if cfg.HandlerTimeoutSec != 30 {
		t.Errorf("HandlerTimeoutSec = %d, want 30", cfg.HandlerTimeoutSec)
	}
}

func TestLoadClampsSyncTimeout(t *testing.T) {
	t.Setenv("COORD_DEFAULT_SYNC_TIMEOUT_SEC", "900")
	cfg := Load()
	if cfg.DefaultSyncTimeoutSec != MaxSyncTimeoutSec {
		t.Errorf("DefaultSyncTimeoutSec = %d, want clamp to %d", cfg.DefaultSyncTimeoutSec, MaxSyncTimeoutSec)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := &Config{
		DefaultSyncTimeoutSec:   30,
		DefaultTurnDurationSec:  60,
		HandlerFastPathBudgetMS: 100,
		HandlerTimeoutSec:       30,
	}
	if cfg.DefaultSyncTimeout() != 30*time.Second {
		t.Error("DefaultSyncTimeout mismatch")
	}
	if cfg.DefaultTurnDuration() != time.Minute {
		t.Error("DefaultTurnDuration mismatch")
	}
	if cfg.HandlerFastPathBudget() != 100*time.Millisecond {
		t.Error("HandlerFastPathBudget mismatch")
	}
	if cfg.HandlerTimeout() != 30*time.Second {
		t.Error("HandlerTimeout mismatch")
	}
}
