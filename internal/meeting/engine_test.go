// engine_test.go — 会议引擎测试。
//
// 轮转选择为纯函数测试; 端到端场景需要 PostgreSQL (COORD_STORE_DSN)。
package meeting

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/multi-agent/go-coord/internal/bus"
	"github.com/multi-agent/go-coord/internal/config"
	"github.com/multi-agent/go-coord/internal/database"
	"github.com/multi-agent/go-coord/internal/handler"
	"github.com/multi-agent/go-coord/internal/store"
	"github.com/multi-agent/go-coord/internal/waiter"
	apperrors "github.com/multi-agent/go-coord/pkg/errors"
)

// ========================================
// 轮转选择 (纯函数)
// ========================================

func participants(entries ...string) []store.MeetingParticipant {
	// 每项形如 "0:attending"
	ps := make([]store.MeetingParticipant, 0, len(entries))
	for _, s := range entries {
		var order int
		var status string
		fmt.Sscanf(s, "%d:%s", &order, &status)
		ps = append(ps, store.MeetingParticipant{
			AgentID:   uuid.New(),
			JoinOrder: order,
			Status:    status,
		})
	}
	return ps
}

func TestNextSpeaker(t *testing.T) {
	t.Run("picks_next_join_order", func(t *testing.T) {
		ps := participants("0:speaking", "1:attending", "2:attending")
		got := nextSpeaker(ps, 0)
		if got == nil || got.JoinOrder != 1 {
			t.Errorf("got %+v, want join_order 1", got)
		}
	})

	t.Run("wraps_to_smallest", func(t *testing.T) {
		ps := participants("0:attending", "1:attending", "2:speaking")
		got := nextSpeaker(ps, 2)
		if got == nil || got.JoinOrder != 0 {
			t.Errorf("got %+v, want join_order 0", got)
		}
	})

	t.Run("skips_left_and_invited", func(t *testing.T) {
		ps := participants("0:speaking", "1:left", "2:invited", "3:attending")
		got := nextSpeaker(ps, 0)
		if got == nil || got.JoinOrder != 3 {
			t.Errorf("got %+v, want join_order 3", got)
		}
	})

	t.Run("no_attending_returns_nil", func(t *testing.T) {
		ps := participants("0:left", "1:left")
		if got := nextSpeaker(ps, 0); got != nil {
			t.Errorf("got %+v, want nil", got)
		}
	})

	t.Run("initial_selection_smallest", func(t *testing.T) {
		ps := participants("2:attending", "0:attending", "1:attending")
		got := nextSpeaker(ps, -1)
		if got == nil || got.JoinOrder != 0 {
			t.Errorf("got %+v, want join_order 0", got)
		}
	})
}

func TestNextBackoff(t *testing.T) {
	cases := []struct{ in, want time.Duration }{
		{schedulerRetryBase, 2 * time.Second},
		{2 * time.Second, 4 * time.Second},
		{16 * time.Second, schedulerRetryMax},
		{schedulerRetryMax, schedulerRetryMax},
	}
	for _, c := range cases {
		if got := nextBackoff(c.in); got != c.want {
			t.Errorf("nextBackoff(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestSleepCtxCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepCtx(ctx, time.Minute) {
		t.Error("sleepCtx returned true on cancelled ctx")
	}
	if !sleepCtx(context.Background(), time.Millisecond) {
		t.Error("sleepCtx returned false after full sleep")
	}
}

func TestReceiveValidation(t *testing.T) {
	cfg := config.Load()
	e := NewEngine(cfg, nil, handler.NewRegistry(), waiter.NewTable(), bus.New(), nil)
	defer e.Close()

	_, err := e.Receive(context.Background(), uuid.New(), "a", 0)
	if !apperrors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
	_, err = e.Receive(context.Background(), uuid.New(), "a", 301*time.Second)
	if !apperrors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestCreateValidation(t *testing.T) {
	cfg := config.Load()
	e := NewEngine(cfg, nil, handler.NewRegistry(), waiter.NewTable(), bus.New(), nil)
	defer e.Close()

	_, err := e.Create(context.Background(), "h", 0)
	if !apperrors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

// ========================================
// 端到端 (需要数据库)
// ========================================

type testEnv struct {
	eng      *Engine
	identity *store.IdentityStore
	handlers *handler.Registry
	agents   map[string]string // 别名 → external_id
	ids      map[string]uuid.UUID
}

func newTestEnv(t *testing.T, ctx context.Context) *testEnv {
	t.Helper()
	cfg := config.Load()
	if cfg.StoreDSN == "" {
		t.Skip("COORD_STORE_DSN not set, skipping meeting engine test")
	}
	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		t.Fatalf("connect store: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := database.Migrate(ctx, pool, "../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	handlers := handler.NewRegistry()
	env := &testEnv{
		eng:      NewEngine(cfg, pool, handlers, waiter.NewTable(), bus.New(), nil),
		identity: store.NewIdentityStore(pool),
		handlers: handlers,
		agents:   map[string]string{},
		ids:      map[string]uuid.UUID{},
	}
	t.Cleanup(env.eng.Close)

	run := uuid.New().String()[:8]
	org := "acme-" + run
	if _, err := env.identity.RegisterOrganization(ctx, org, "Acme"); err != nil {
		t.Fatalf("register org: %v", err)
	}
	for _, name := range []string{"h", "a", "b", "c"} {
		ext := fmt.Sprintf("%s-%s", name, run)
		ag, err := env.identity.RegisterAgent(ctx, ext, org, name)
		if err != nil {
			t.Fatalf("register agent %s: %v", name, err)
		}
		env.agents[name] = ext
		env.ids[name] = ag.ID
	}
	return env
}

// startedMeeting 建会 → 邀请 a,b,c → 全部 join → start。
func startedMeeting(t *testing.T, ctx context.Context, env *testEnv, turnDuration time.Duration) *store.Meeting {
	t.Helper()
	m, err := env.eng.Create(ctx, env.agents["h"], turnDuration)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, name := range []string{"a", "b", "c"} {
		if err := env.eng.Invite(ctx, m.ID, env.agents[name]); err != nil {
			t.Fatalf("Invite %s: %v", name, err)
		}
		if err := env.eng.Join(ctx, m.ID, env.agents[name]); err != nil {
			t.Fatalf("Join %s: %v", name, err)
		}
	}
	if err := env.eng.Start(ctx, m.ID, env.agents["h"]); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return m
}

// waitForSpeaker 轮询直到 current_speaker_id 变为 want。
func waitForSpeaker(t *testing.T, ctx context.Context, env *testEnv, meetingID, want uuid.UUID, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		m, err := env.eng.Get(ctx, meetingID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if m.CurrentSpeakerID != nil && *m.CurrentSpeakerID == want {
			return
		}
		time.Sleep(30 * time.Millisecond)
	}
	t.Fatalf("speaker never became %s", want)
}

func TestTurnRotationWithTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	env := newTestEnv(t, ctx)
	m := startedMeeting(t, ctx, env, time.Second)

	// 初始发言者 = 主持人 (join_order 0)
	got, err := env.eng.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != store.MeetingActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	if got.CurrentSpeakerID == nil || *got.CurrentSpeakerID != env.ids["h"] {
		t.Fatalf("initial speaker = %v, want host", got.CurrentSpeakerID)
	}

	// 无人让出: ~1s 后超时轮转到 a
	waitForSpeaker(t, ctx, env, m.ID, env.ids["a"], 5*time.Second)

	// turn_timeout 事件 + 系统 timeout 消息
	evs, err := env.eng.Events(ctx, m.ID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	var sawTimeout bool
	for _, ev := range evs {
		if ev.EventType == store.EventTurnTimeout && ev.AgentID != nil && *ev.AgentID == env.ids["h"] {
			sawTimeout = true
		}
	}
	if !sawTimeout {
		t.Error("no turn_timeout event for stalled host")
	}
	msgs, err := env.eng.History(ctx, m.ID, store.MessageFilter{MessageType: store.MessageTimeout})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) == 0 {
		t.Error("no system timeout message in meeting")
	}

	// 失去发言权的主持人发言 → ErrNotYourTurn
	if _, err := env.eng.Send(ctx, env.agents["h"], m.ID, map[string]any{"text": "late"}, nil); !apperrors.Is(err, apperrors.ErrNotYourTurn) {
		t.Errorf("host Send err = %v, want ErrNotYourTurn", err)
	}
}

func TestSpeakerLeavesMidTurn(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	env := newTestEnv(t, ctx)
	m := startedMeeting(t, ctx, env, 30*time.Second)

	// 主持人让出 → a 发言
	if err := env.eng.YieldTurn(ctx, m.ID, env.agents["h"]); err != nil {
		t.Fatalf("YieldTurn: %v", err)
	}
	waitForSpeaker(t, ctx, env, m.ID, env.ids["a"], 5*time.Second)

	// a 离会 → 立即轮转到 b
	if err := env.eng.Leave(ctx, m.ID, env.agents["a"]); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	waitForSpeaker(t, ctx, env, m.ID, env.ids["b"], 5*time.Second)

	ps, err := env.eng.Participants(ctx, m.ID)
	if err != nil {
		t.Fatalf("Participants: %v", err)
	}
	for _, p := range ps {
		if p.AgentID == env.ids["a"] && p.Status != store.ParticipantLeft {
			t.Errorf("a status = %s, want left", p.Status)
		}
	}

	// 事件序列含 participant_left 后接 turn_changed
	evs, err := env.eng.Events(ctx, m.ID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	leftIdx, turnIdx := -1, -1
	for i, ev := range evs {
		if ev.EventType == store.EventParticipantLeft && ev.AgentID != nil && *ev.AgentID == env.ids["a"] {
			leftIdx = i
		}
		if ev.EventType == store.EventTurnChanged && ev.AgentID != nil && *ev.AgentID == env.ids["b"] && leftIdx >= 0 && turnIdx < 0 {
			turnIdx = i
		}
	}
	if leftIdx < 0 || turnIdx < leftIdx {
		t.Errorf("event order wrong: participant_left at %d, turn_changed at %d", leftIdx, turnIdx)
	}
}

func TestStaleRotationIsNoop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	env := newTestEnv(t, ctx)
	m := startedMeeting(t, ctx, env, 30*time.Second)

	// 主持人让出 → a 发言
	if err := env.eng.YieldTurn(ctx, m.ID, env.agents["h"]); err != nil {
		t.Fatalf("YieldTurn: %v", err)
	}
	waitForSpeaker(t, ctx, env, m.ID, env.ids["a"], 5*time.Second)

	// 基于已过期观察的轮转 (期望发言者仍是 h) → 空操作
	if err := env.eng.rotate(ctx, m.ID, false, env.ids["h"]); err != nil {
		t.Fatalf("stale rotate: %v", err)
	}
	got, err := env.eng.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CurrentSpeakerID == nil || *got.CurrentSpeakerID != env.ids["a"] {
		t.Fatalf("stale rotate advanced speaker to %v, want a", got.CurrentSpeakerID)
	}

	// 回合未到期的超时轮转 (迟到的定时器) → 空操作
	if err := env.eng.rotate(ctx, m.ID, true, env.ids["a"]); err != nil {
		t.Fatalf("unexpired timeout rotate: %v", err)
	}
	got, err = env.eng.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CurrentSpeakerID == nil || *got.CurrentSpeakerID != env.ids["a"] {
		t.Fatalf("unexpired timeout rotate advanced speaker to %v, want a", got.CurrentSpeakerID)
	}

	// 期望发言者正确的让出轮转照常推进到 b
	if err := env.eng.rotate(ctx, m.ID, false, env.ids["a"]); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	waitForSpeaker(t, ctx, env, m.ID, env.ids["b"], 5*time.Second)
}

func TestMeetingSendAndReceive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	env := newTestEnv(t, ctx)
	m := startedMeeting(t, ctx, env, 30*time.Second)

	// a 阻塞接收, 发言者 h 发言 → a 收到
	type recv struct {
		payload map[string]any
		err     error
	}
	got := make(chan recv, 1)
	go func() {
		p, err := env.eng.Receive(ctx, m.ID, env.agents["a"], 10*time.Second)
		got <- recv{p, err}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !env.eng.waiters.IsWaiting(m.ID, env.ids["a"]) && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if _, err := env.eng.Send(ctx, env.agents["h"], m.ID, map[string]any{"text": "order"}, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("Receive: %v", r.err)
		}
		if r.payload["text"] != "order" {
			t.Errorf("payload = %v", r.payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Receive never returned")
	}

	// 非发言者发言 → ErrNotYourTurn
	if _, err := env.eng.Send(ctx, env.agents["b"], m.ID, map[string]any{"text": "interrupt"}, nil); !apperrors.Is(err, apperrors.ErrNotYourTurn) {
		t.Errorf("b Send err = %v, want ErrNotYourTurn", err)
	}
}

func TestEndMeetingCancelsReceive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	env := newTestEnv(t, ctx)
	m := startedMeeting(t, ctx, env, 30*time.Second)

	got := make(chan error, 1)
	go func() {
		_, err := env.eng.Receive(ctx, m.ID, env.agents["b"], 30*time.Second)
		got <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !env.eng.waiters.IsWaiting(m.ID, env.ids["b"]) && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	if err := env.eng.End(ctx, m.ID, env.agents["h"]); err != nil {
		t.Fatalf("End: %v", err)
	}
	select {
	case err := <-got:
		if !apperrors.Is(err, apperrors.ErrMeetingEnded) {
			t.Errorf("Receive err = %v, want ErrMeetingEnded (not Timeout)", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Receive not cancelled by End")
	}

	// 终态拒绝一切变更
	if err := env.eng.Join(ctx, m.ID, env.agents["c"]); !apperrors.Is(err, apperrors.ErrMeetingEnded) {
		t.Errorf("Join after end err = %v, want ErrMeetingEnded", err)
	}
	if _, err := env.eng.Send(ctx, env.agents["h"], m.ID, nil, nil); !apperrors.Is(err, apperrors.ErrMeetingEnded) {
		t.Errorf("Send after end err = %v, want ErrMeetingEnded", err)
	}
	if err := env.eng.End(ctx, m.ID, env.agents["h"]); !apperrors.Is(err, apperrors.ErrMeetingEnded) {
		t.Errorf("double End err = %v, want ErrMeetingEnded", err)
	}
}
