// util_test.go — 环境变量加载与字符串工具表驱动测试。
package util

import (
	"testing"
)

func TestEscapeLike(t *testing.T) {
	cases := []struct{ in, want string }{
		{"plain", "plain"},
		{"100%", `100\%`},
		{"a_b", `a\_b`},
		{`back\slash`, `back\\slash`},
		{"%_", `\%\_`},
	}
	for _, c := range cases {
		if got := EscapeLike(c.in); got != c.want {
			t.Errorf("EscapeLike(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestClampInt(t *testing.T) {
	cases := []struct{ v, lo, hi, want int }{
		{5, 1, 10, 5},
		{0, 1, 10, 1},
		{99, 1, 10, 10},
		{1, 1, 10, 1},
		{10, 1, 10, 10},
	}
	for _, c := range cases {
		if got := ClampInt(c.v, c.lo, c.hi); got != c.want {
			t.Errorf("ClampInt(%d, %d, %d) = %d, want %d", c.v, c.lo, c.hi, got, c.want)
		}
	}
}

func TestEnvInt(t *testing.T) {
	t.Run("unset_returns_default", func(t *testing.T) {
		if got := EnvInt("COORD_TEST_UNSET_INT", 7, 0); got != 7 {
			t.Errorf("got %d", got)
		}
	})

	t.Run("set_parses", func(t *testing.T) {
		t.Setenv("COORD_TEST_INT", "42")
		if got := EnvInt("COORD_TEST_INT", 7, 0); got != 42 {
			t.Errorf("got %d", got)
		}
	})

	t.Run("below_min_clamped", func(t *testing.T) {
		t.Setenv("COORD_TEST_INT", "-3")
		if got := EnvInt("COORD_TEST_INT", 7, 1); got != 1 {
			t.Errorf("got %d", got)
		}
	})

	t.Run("garbage_returns_default", func(t *testing.T) {
		t.Setenv("COORD_TEST_INT", "abc")
		if got := EnvInt("COORD_TEST_INT", 7, 0); got != 7 {
			t.Errorf("got %d", got)
		}
	})
}

func TestEnvBool(t *testing.T) {
	cases := []struct {
		raw  string
		def  bool
		want bool
	}{
		{"1", false, true},
		{"true", false, true},
		{"YES", false, true},
		{"on", false, true},
		{"0", true, false},
		{"false", true, false},
		{"off", true, false},
		{"maybe", true, true},
		{"", false, false},
	}
	for _, c := range cases {
		t.Setenv("COORD_TEST_BOOL", c.raw)
		if got := EnvBool("COORD_TEST_BOOL", c.def); got != c.want {
			t.Errorf("EnvBool(%q, %v) = %v, want %v", c.raw, c.def, got, c.want)
		}
	}
}

func TestLoadFromEnv(t *testing.T) {
	type testCfg struct {
		Name    string  `env:"COORD_TEST_NAME" default:"fallback"`
		Size    int     `env:"COORD_TEST_SIZE" default:"20" min:"1"`
		Ratio   float64 `env:"COORD_TEST_RATIO" default:"0.5" min:"0"`
		Enabled bool    `env:"COORD_TEST_ENABLED" default:"true"`
		Skipped string
	}

	t.Run("defaults", func(t *testing.T) {
		var cfg testCfg
		LoadFromEnv(&cfg)
		if cfg.Name != "fallback" || cfg.Size != 20 || cfg.Ratio != 0.5 || !cfg.Enabled {
			t.Errorf("unexpected defaults: %+v", cfg)
		}
	})

	t.Run("env_overrides", func(t *testing.T) {
		t.Setenv("COORD_TEST_NAME", "custom")
		t.Setenv("COORD_TEST_SIZE", "3")
		t.Setenv("COORD_TEST_ENABLED", "false")
		var cfg testCfg
		LoadFromEnv(&cfg)
		if cfg.Name != "custom" || cfg.Size != 3 || cfg.Enabled {
			t.Errorf("unexpected values: %+v", cfg)
		}
	})

	t.Run("nil_safe", func(t *testing.T) {
		LoadFromEnv(nil) // 不应 panic
		var p *testCfg
		LoadFromEnv(p)
	})
}
