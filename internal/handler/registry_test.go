package handler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testMctx() *MessageContext {
	return &MessageContext{
		SenderID:   uuid.New(),
		ReceiverID: uuid.New(),
		MessageID:  uuid.New(),
	}
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	t.Run("empty_has_nothing", func(t *testing.T) {
		if r.Has(KindOneWay) {
			t.Error("Has(one_way) = true on empty registry")
		}
	})

	t.Run("register_then_has", func(t *testing.T) {
		r.Register(KindOneWay, func(ctx context.Context, payload map[string]any, mctx *MessageContext) (map[string]any, error) {
			return nil, nil
		})
		if !r.Has(KindOneWay) {
			t.Error("Has(one_way) = false after Register")
		}
	})

	t.Run("last_writer_wins", func(t *testing.T) {
		var which atomic.Int32
		r.Register(KindConversation, func(ctx context.Context, payload map[string]any, mctx *MessageContext) (map[string]any, error) {
			which.Store(1)
			return nil, nil
		})
		r.Register(KindConversation, func(ctx context.Context, payload map[string]any, mctx *MessageContext) (map[string]any, error) {
			which.Store(2)
			return nil, nil
		})
		r.Dispatch(context.Background(), KindConversation, nil, testMctx(), time.Second)
		if which.Load() != 2 {
			t.Errorf("dispatched handler %d, want 2", which.Load())
		}
	})

	t.Run("nil_removes", func(t *testing.T) {
		r.Register(KindMeeting, func(ctx context.Context, payload map[string]any, mctx *MessageContext) (map[string]any, error) {
			return nil, nil
		})
		r.Register(KindMeeting, nil)
		if r.Has(KindMeeting) {
			t.Error("Has(meeting) = true after nil Register")
		}
	})
}

func TestDispatch(t *testing.T) {
	t.Run("no_handler", func(t *testing.T) {
		r := NewRegistry()
		resp, outcome := r.Dispatch(context.Background(), KindOneWay, nil, testMctx(), time.Second)
		if outcome != OutcomeNoHandler || resp != nil {
			t.Errorf("got (%v, %s)", resp, outcome)
		}
	})

	t.Run("returned_with_response", func(t *testing.T) {
		r := NewRegistry()
		r.Register(KindConversation, func(ctx context.Context, payload map[string]any, mctx *MessageContext) (map[string]any, error) {
			return map[string]any{"echo": payload["q"]}, nil
		})
		resp, outcome := r.Dispatch(context.Background(), KindConversation,
			map[string]any{"q": "hi"}, testMctx(), time.Second)
		if outcome != OutcomeReturned {
			t.Fatalf("outcome = %s", outcome)
		}
		if resp["echo"] != "hi" {
			t.Errorf("resp = %v", resp)
		}
	})

	t.Run("handler_error_swallowed", func(t *testing.T) {
		r := NewRegistry()
		r.Register(KindOneWay, func(ctx context.Context, payload map[string]any, mctx *MessageContext) (map[string]any, error) {
			return nil, errors.New("boom")
		})
		resp, outcome := r.Dispatch(context.Background(), KindOneWay, nil, testMctx(), time.Second)
		if outcome != OutcomeErrored || resp != nil {
			t.Errorf("got (%v, %s)", resp, outcome)
		}
	})

	t.Run("handler_panic_swallowed", func(t *testing.T) {
		r := NewRegistry()
		r.Register(KindOneWay, func(ctx context.Context, payload map[string]any, mctx *MessageContext) (map[string]any, error) {
			panic("kaboom")
		})
		resp, outcome := r.Dispatch(context.Background(), KindOneWay, nil, testMctx(), time.Second)
		if outcome != OutcomeErrored || resp != nil {
			t.Errorf("got (%v, %s)", resp, outcome)
		}
	})

	t.Run("budget_exceeded", func(t *testing.T) {
		r := NewRegistry()
		done := make(chan struct{})
		r.Register(KindConversation, func(ctx context.Context, payload map[string]any, mctx *MessageContext) (map[string]any, error) {
			<-done
			return map[string]any{"late": true}, nil
		})
		start := time.Now()
		resp, outcome := r.Dispatch(context.Background(), KindConversation, nil, testMctx(), 30*time.Millisecond)
		close(done)
		if outcome != OutcomeTimedOut || resp != nil {
			t.Errorf("got (%v, %s)", resp, outcome)
		}
		if time.Since(start) > time.Second {
			t.Error("Dispatch did not respect budget")
		}
	})

	t.Run("mctx_passed_through", func(t *testing.T) {
		r := NewRegistry()
		want := testMctx()
		sid := uuid.New()
		want.SessionID = &sid
		var got *MessageContext
		r.Register(KindConversation, func(ctx context.Context, payload map[string]any, mctx *MessageContext) (map[string]any, error) {
			got = mctx
			return nil, nil
		})
		r.Dispatch(context.Background(), KindConversation, nil, want, time.Second)
		if got == nil || got.MessageID != want.MessageID || got.SessionID == nil || *got.SessionID != sid {
			t.Errorf("mctx = %+v", got)
		}
	})
}

func TestDispatchAsync(t *testing.T) {
	t.Run("ondone_receives_result", func(t *testing.T) {
		r := NewRegistry()
		r.Register(KindConversation, func(ctx context.Context, payload map[string]any, mctx *MessageContext) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		})
		ch := make(chan Outcome, 1)
		r.DispatchAsync(KindConversation, nil, testMctx(), time.Second, func(resp map[string]any, outcome Outcome) {
			ch <- outcome
		})
		select {
		case outcome := <-ch:
			if outcome != OutcomeReturned {
				t.Errorf("outcome = %s", outcome)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("onDone never called")
		}
	})

	t.Run("nil_ondone_does_not_panic", func(t *testing.T) {
		r := NewRegistry()
		r.Register(KindOneWay, func(ctx context.Context, payload map[string]any, mctx *MessageContext) (map[string]any, error) {
			return nil, nil
		})
		r.DispatchAsync(KindOneWay, nil, testMctx(), time.Second, nil)
		time.Sleep(50 * time.Millisecond)
	})

	t.Run("panic_in_ondone_recovered", func(t *testing.T) {
		r := NewRegistry()
		r.Register(KindOneWay, func(ctx context.Context, payload map[string]any, mctx *MessageContext) (map[string]any, error) {
			return nil, nil
		})
		done := make(chan struct{})
		r.DispatchAsync(KindOneWay, nil, testMctx(), time.Second, func(resp map[string]any, outcome Outcome) {
			defer close(done)
			panic("ondone blew up")
		})
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("onDone never ran")
		}
		time.Sleep(20 * time.Millisecond)
	})
}
