package logger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
)

// ========================================
// defaultLogger 并发读写不应触发 data race
// ========================================

func TestDefaultLoggerConcurrentAccess(t *testing.T) {
	Init("production", "INFO")

	var wg sync.WaitGroup
	const goroutines = 100

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Info("concurrent log message", "key", "value")
			_ = Get()
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		Init("development", "DEBUG")
	}()

	wg.Wait()
}

func TestGetReturnsCurrentLogger(t *testing.T) {
	Init("production", "INFO")
	if Get() == nil {
		t.Fatal("Get() returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{" warn ", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"INFO", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, c := range cases {
		if got := ParseLevel(c.in); got != c.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestFromContext(t *testing.T) {
	t.Run("fallback_to_default", func(t *testing.T) {
		if FromContext(context.Background()) == nil {
			t.Fatal("expected default logger")
		}
	})

	t.Run("injected_logger", func(t *testing.T) {
		custom := Get().With(FieldAgentID, "a-1")
		ctx := WithContext(context.Background(), custom)
		if FromContext(ctx) != custom {
			t.Error("expected injected logger back")
		}
	})
}
