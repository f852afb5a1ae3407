// coord_test.go — 门面冒烟测试。
//
// 端到端路径需要 PostgreSQL (COORD_STORE_DSN)。
package coord

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/multi-agent/go-coord/internal/config"
	"github.com/multi-agent/go-coord/internal/database"
	apperrors "github.com/multi-agent/go-coord/pkg/errors"
)

func TestNewRequiresDSN(t *testing.T) {
	cfg := &config.Config{}
	_, err := New(context.Background(), cfg)
	if !apperrors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("New err = %v, want ErrInvalidInput", err)
	}
}

func newCoordinator(t *testing.T, ctx context.Context) *Coordinator {
	t.Helper()
	cfg := config.Load()
	if cfg.StoreDSN == "" {
		t.Skip("COORD_STORE_DSN not set, skipping facade test")
	}
	c, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	if err := database.Migrate(ctx, c.Pool(), "migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return c
}

func TestFacadeRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	c := newCoordinator(t, ctx)

	run := uuid.New().String()[:8]
	org := "acme-" + run
	alice := "alice-" + run
	bob := "bob-" + run

	if _, err := c.RegisterOrganization(ctx, org, "Acme"); err != nil {
		t.Fatalf("RegisterOrganization: %v", err)
	}
	// 幂等重复注册
	if _, err := c.RegisterOrganization(ctx, org, "Acme"); err != nil {
		t.Fatalf("idempotent RegisterOrganization: %v", err)
	}
	// name 不一致 → ErrConflict
	if _, err := c.RegisterOrganization(ctx, org, "Evil Corp"); !apperrors.Is(err, apperrors.ErrConflict) {
		t.Errorf("conflicting re-register err = %v, want ErrConflict", err)
	}

	for _, ext := range []string{alice, bob} {
		if _, err := c.RegisterAgent(ctx, ext, org, ext); err != nil {
			t.Fatalf("RegisterAgent %s: %v", ext, err)
		}
	}

	c.OnMessage(KindConversation, func(ctx context.Context, payload map[string]any, mctx *MessageContext) (map[string]any, error) {
		return map[string]any{"echo": payload["q"]}, nil
	})

	// timeout=0 走配置默认值
	reply, err := c.Conversation().SendAndWait(ctx, alice, bob, map[string]any{"q": "hello"}, 0, nil)
	if err != nil {
		t.Fatalf("SendAndWait: %v", err)
	}
	if reply["echo"] != "hello" {
		t.Errorf("reply = %v", reply)
	}
}

func TestCloseIdempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c := newCoordinator(t, ctx)
	c.Close()
	c.Close() // 二次关闭不 panic
}

func TestCloseCancelsWaiters(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	c := newCoordinator(t, ctx)

	run := uuid.New().String()[:8]
	org := "acme-" + run
	if _, err := c.RegisterOrganization(ctx, org, "Acme"); err != nil {
		t.Fatal(err)
	}
	agents := make([]string, 2)
	for i := range agents {
		agents[i] = fmt.Sprintf("agent%d-%s", i, run)
		if _, err := c.RegisterAgent(ctx, agents[i], org, agents[i]); err != nil {
			t.Fatal(err)
		}
	}
	c.OnMessage(KindConversation, func(ctx context.Context, payload map[string]any, mctx *MessageContext) (map[string]any, error) {
		return nil, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := c.Conversation().SendAndWait(ctx, agents[0], agents[1],
			map[string]any{"q": "?"}, 30*time.Second, nil)
		done <- err
	}()

	// 等发送方进入阻塞后关停
	time.Sleep(time.Second)
	c.Close()

	select {
	case err := <-done:
		if !apperrors.Is(err, apperrors.ErrShutdown) {
			t.Errorf("SendAndWait err = %v, want ErrShutdown", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("waiter not cancelled by Close")
	}
}
