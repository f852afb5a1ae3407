package waiter

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/multi-agent/go-coord/pkg/errors"
)

func TestRegister(t *testing.T) {
	t.Run("duplicate_key_conflicts", func(t *testing.T) {
		tbl := NewTable()
		scope, agent := uuid.New(), uuid.New()
		if _, err := tbl.Register(scope, agent); err != nil {
			t.Fatalf("first Register: %v", err)
		}
		if _, err := tbl.Register(scope, agent); !apperrors.Is(err, apperrors.ErrSessionLockConflict) {
			t.Errorf("second Register err = %v, want ErrSessionLockConflict", err)
		}
	})

	t.Run("same_agent_different_scope_ok", func(t *testing.T) {
		tbl := NewTable()
		agent := uuid.New()
		if _, err := tbl.Register(uuid.New(), agent); err != nil {
			t.Fatal(err)
		}
		if _, err := tbl.Register(uuid.New(), agent); err != nil {
			t.Errorf("different scope Register: %v", err)
		}
	})

	t.Run("is_waiting", func(t *testing.T) {
		tbl := NewTable()
		scope, agent := uuid.New(), uuid.New()
		if tbl.IsWaiting(scope, agent) {
			t.Error("IsWaiting = true before Register")
		}
		tbl.Register(scope, agent)
		if !tbl.IsWaiting(scope, agent) {
			t.Error("IsWaiting = false after Register")
		}
	})
}

func TestDeliverWait(t *testing.T) {
	t.Run("delivery_wakes_waiter", func(t *testing.T) {
		tbl := NewTable()
		scope, agent := uuid.New(), uuid.New()
		h, err := tbl.Register(scope, agent)
		if err != nil {
			t.Fatal(err)
		}

		go func() {
			time.Sleep(10 * time.Millisecond)
			if !tbl.Deliver(scope, agent, map[string]any{"answer": 42}) {
				t.Error("Deliver missed the waiter")
			}
		}()

		payload, err := h.Wait(context.Background(), time.Now().Add(2*time.Second))
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if payload["answer"] != 42 {
			t.Errorf("payload = %v", payload)
		}
		if tbl.IsWaiting(scope, agent) {
			t.Error("waiter still registered after delivery")
		}
	})

	t.Run("deliver_without_waiter_is_noop", func(t *testing.T) {
		tbl := NewTable()
		if tbl.Deliver(uuid.New(), uuid.New(), map[string]any{"x": 1}) {
			t.Error("Deliver = true with no waiter")
		}
	})

	t.Run("deadline_times_out", func(t *testing.T) {
		tbl := NewTable()
		scope, agent := uuid.New(), uuid.New()
		h, _ := tbl.Register(scope, agent)
		_, err := h.Wait(context.Background(), time.Now().Add(30*time.Millisecond))
		if !apperrors.Is(err, apperrors.ErrTimeout) {
			t.Errorf("Wait err = %v, want ErrTimeout", err)
		}
		if tbl.IsWaiting(scope, agent) {
			t.Error("waiter still registered after timeout")
		}
	})

	t.Run("ctx_cancel_unblocks", func(t *testing.T) {
		tbl := NewTable()
		h, _ := tbl.Register(uuid.New(), uuid.New())
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		_, err := h.Wait(ctx, time.Now().Add(5*time.Second))
		if err != context.Canceled {
			t.Errorf("Wait err = %v, want context.Canceled", err)
		}
	})

	t.Run("reregister_after_timeout", func(t *testing.T) {
		tbl := NewTable()
		scope, agent := uuid.New(), uuid.New()
		h, _ := tbl.Register(scope, agent)
		h.Wait(context.Background(), time.Now().Add(time.Millisecond))
		if _, err := tbl.Register(scope, agent); err != nil {
			t.Errorf("Register after timeout: %v", err)
		}
	})
}

func TestCancel(t *testing.T) {
	t.Run("cancel_returns_cause", func(t *testing.T) {
		tbl := NewTable()
		scope, agent := uuid.New(), uuid.New()
		h, _ := tbl.Register(scope, agent)
		go func() {
			time.Sleep(10 * time.Millisecond)
			tbl.Cancel(scope, agent, apperrors.ErrSessionEnded)
		}()
		_, err := h.Wait(context.Background(), time.Now().Add(2*time.Second))
		if !apperrors.Is(err, apperrors.ErrSessionEnded) {
			t.Errorf("Wait err = %v, want ErrSessionEnded", err)
		}
	})

	t.Run("cancel_scope_hits_all_members", func(t *testing.T) {
		tbl := NewTable()
		meeting := uuid.New()
		h1, _ := tbl.Register(meeting, uuid.New())
		h2, _ := tbl.Register(meeting, uuid.New())
		other, otherAgent := uuid.New(), uuid.New()
		tbl.Register(other, otherAgent)

		tbl.CancelScope(meeting, apperrors.ErrMeetingEnded)

		for _, h := range []*Handle{h1, h2} {
			_, err := h.Wait(context.Background(), time.Now().Add(time.Second))
			if !apperrors.Is(err, apperrors.ErrMeetingEnded) {
				t.Errorf("Wait err = %v, want ErrMeetingEnded", err)
			}
		}
		if !tbl.IsWaiting(other, otherAgent) {
			t.Error("unrelated scope waiter was cancelled")
		}
	})

	t.Run("cancel_all_on_shutdown", func(t *testing.T) {
		tbl := NewTable()
		h1, _ := tbl.Register(uuid.New(), uuid.New())
		h2, _ := tbl.Register(uuid.New(), uuid.New())
		tbl.CancelAll(apperrors.ErrShutdown)
		for _, h := range []*Handle{h1, h2} {
			_, err := h.Wait(context.Background(), time.Now().Add(time.Second))
			if !apperrors.Is(err, apperrors.ErrShutdown) {
				t.Errorf("Wait err = %v, want ErrShutdown", err)
			}
		}
	})
}

func TestDeliveryRace(t *testing.T) {
	// 投递与超时同时发生时负载不丢
	tbl := NewTable()
	for i := 0; i < 50; i++ {
		scope, agent := uuid.New(), uuid.New()
		h, err := tbl.Register(scope, agent)
		if err != nil {
			t.Fatal(err)
		}
		go tbl.Deliver(scope, agent, map[string]any{"i": i})
		payload, err := h.Wait(context.Background(), time.Now())
		if err == nil && payload == nil {
			t.Fatal("nil payload with nil error")
		}
		if err != nil && !apperrors.Is(err, apperrors.ErrTimeout) {
			t.Fatalf("unexpected err: %v", err)
		}
	}
}
