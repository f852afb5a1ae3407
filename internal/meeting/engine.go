// Package meeting 实现会议引擎: 生命周期状态机、参会者管理、
// 发言权轮转调度与事件日志。
//
// 生命周期: created → ready → active → ended。active 期间恰有一位
// 参会者 speaking, 且等于 meetings.current_speaker_id; 轮转事务化。
// 每个 active 会议由一个持有会议 advisory lock 的调度器 goroutine
// 驱动 (scheduler.go)。
package meeting

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/go-coord/internal/bus"
	"github.com/multi-agent/go-coord/internal/config"
	"github.com/multi-agent/go-coord/internal/database"
	"github.com/multi-agent/go-coord/internal/handler"
	"github.com/multi-agent/go-coord/internal/store"
	"github.com/multi-agent/go-coord/internal/waiter"
	apperrors "github.com/multi-agent/go-coord/pkg/errors"
	"github.com/multi-agent/go-coord/pkg/logger"
)

// Engine 会议引擎。
type Engine struct {
	cfg      *config.Config
	pool     *pgxpool.Pool
	identity *store.IdentityStore
	meetings *store.MeetingStore
	messages *store.MessageStore
	eventLog *store.MeetingEventStore
	handlers *handler.Registry
	waiters  *waiter.Table
	events   *bus.Bus

	handlerCtx map[string]any

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu         sync.Mutex
	schedulers map[uuid.UUID]*scheduler
}

// NewEngine 创建会议引擎。
func NewEngine(cfg *config.Config, pool *pgxpool.Pool, handlers *handler.Registry, waiters *waiter.Table, events *bus.Bus, handlerCtx map[string]any) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		pool:       pool,
		identity:   store.NewIdentityStore(pool),
		meetings:   store.NewMeetingStore(pool),
		messages:   store.NewMessageStore(pool),
		eventLog:   store.NewMeetingEventStore(pool),
		handlers:   handlers,
		waiters:    waiters,
		events:     events,
		handlerCtx: handlerCtx,
		baseCtx:    ctx,
		baseCancel: cancel,
		schedulers: make(map[uuid.UUID]*scheduler),
	}
}

// Close 停止所有调度器。幂等。
func (e *Engine) Close() {
	e.baseCancel()
	e.mu.Lock()
	e.schedulers = make(map[uuid.UUID]*scheduler)
	e.mu.Unlock()
}

// ========================================
// 生命周期
// ========================================

// Create 创建会议, 主持人自动成为 join_order=0 的受邀参会者。
func (e *Engine) Create(ctx context.Context, hostExt string, turnDuration time.Duration) (*store.Meeting, error) {
	const op = "Meeting.Create"
	if turnDuration <= 0 {
		return nil, apperrors.Invalid(op, "turn duration must be positive, got %s", turnDuration)
	}
	host, err := e.identity.AgentByExternalID(ctx, hostExt)
	if err != nil {
		return nil, err
	}

	var m *store.Meeting
	err = database.WithTx(ctx, e.pool, func(tx pgx.Tx) error {
		var txErr error
		m, txErr = e.meetings.Create(ctx, tx, host.ID, int(turnDuration/time.Second))
		return txErr
	})
	if err != nil {
		return nil, err
	}
	e.events.PublishJSON(bus.TopicMeetingPrefix+m.ID.String(), bus.EvMeetingCreated, m)
	logger.Infow("meeting created",
		logger.FieldMeetingID, m.ID.String(),
		logger.FieldAgentID, hostExt,
	)
	return m, nil
}

// Invite 邀请 Agent 入会 (status invited)。participant_joined 事件
// 推迟到实际 join 时落库。
func (e *Engine) Invite(ctx context.Context, meetingID uuid.UUID, agentExt string) error {
	const op = "Meeting.Invite"
	agent, err := e.identity.AgentByExternalID(ctx, agentExt)
	if err != nil {
		return err
	}
	m, err := e.meetings.ByID(ctx, e.pool, meetingID)
	if err != nil {
		return err
	}
	if m.Status == store.MeetingEnded {
		return apperrors.Wrapf(apperrors.ErrMeetingEnded, op, "meeting %s has ended", meetingID)
	}
	_, err = e.meetings.AddParticipant(ctx, e.pool, meetingID, agent.ID)
	return err
}

// Join 受邀者入会: invited → attending; 首个非主持人加入时会议
// created → ready。重复 join 为空操作。
func (e *Engine) Join(ctx context.Context, meetingID uuid.UUID, agentExt string) error {
	const op = "Meeting.Join"
	agent, err := e.identity.AgentByExternalID(ctx, agentExt)
	if err != nil {
		return err
	}
	m, err := e.meetings.ByID(ctx, e.pool, meetingID)
	if err != nil {
		return err
	}
	if m.Status == store.MeetingEnded {
		return apperrors.Wrapf(apperrors.ErrMeetingEnded, op, "meeting %s has ended", meetingID)
	}
	p, err := e.meetings.Participant(ctx, e.pool, meetingID, agent.ID)
	if err != nil {
		return err
	}
	switch p.Status {
	case store.ParticipantAttending, store.ParticipantSpeaking:
		return nil
	case store.ParticipantInvited:
	default:
		return apperrors.Invalid(op, "participant in state %q cannot join", p.Status)
	}

	err = database.WithTx(ctx, e.pool, func(tx pgx.Tx) error {
		if err := e.meetings.SetParticipantStatus(ctx, tx, meetingID, agent.ID, store.ParticipantAttending); err != nil {
			return err
		}
		if m.Status == store.MeetingCreated && agent.ID != m.HostID {
			if err := e.meetings.SetStatus(ctx, tx, meetingID, store.MeetingReady); err != nil {
				return err
			}
		}
		_, err := e.eventLog.Append(ctx, tx, meetingID, store.EventParticipantJoined, &agent.ID,
			map[string]any{"agent_external_id": agent.ExternalID})
		return err
	})
	if err != nil {
		return err
	}
	e.dispatchEvent(handler.KindParticipantJoined, m, agent.ID, map[string]any{"agent_id": agent.ID})
	e.events.PublishJSON(bus.TopicMeetingPrefix+meetingID.String(), bus.EvParticipantJoined,
		map[string]any{"agent_id": agent.ID})
	return nil
}

// Start 主持人启动会议 (status ready → active)。主持人未显式 join 时
// 随启动自动入会; 首位发言者为 attending 中 join_order 最小者。
func (e *Engine) Start(ctx context.Context, meetingID uuid.UUID, hostExt string) error {
	const op = "Meeting.Start"
	host, err := e.identity.AgentByExternalID(ctx, hostExt)
	if err != nil {
		return err
	}
	m, err := e.meetings.ByID(ctx, e.pool, meetingID)
	if err != nil {
		return err
	}
	if m.Status == store.MeetingEnded {
		return apperrors.Wrapf(apperrors.ErrMeetingEnded, op, "meeting %s has ended", meetingID)
	}
	if m.HostID != host.ID {
		return apperrors.Invalid(op, "only the host may start the meeting")
	}
	if m.Status != store.MeetingReady {
		return apperrors.Invalid(op, "meeting in state %q cannot start", m.Status)
	}

	var first *store.MeetingParticipant
	err = database.WithTx(ctx, e.pool, func(tx pgx.Tx) error {
		if err := e.meetings.SetParticipantStatus(ctx, tx, meetingID, host.ID, store.ParticipantAttending); err != nil {
			return err
		}
		ps, err := e.meetings.Participants(ctx, tx, meetingID)
		if err != nil {
			return err
		}
		first = nextSpeaker(ps, -1)
		if first == nil {
			return apperrors.Invalid(op, "no attending participants")
		}
		if err := e.meetings.SetParticipantStatus(ctx, tx, meetingID, first.AgentID, store.ParticipantSpeaking); err != nil {
			return err
		}
		if err := e.meetings.Activate(ctx, tx, meetingID, first.AgentID); err != nil {
			return err
		}
		if _, err := e.eventLog.Append(ctx, tx, meetingID, store.EventMeetingStarted, &host.ID, nil); err != nil {
			return err
		}
		_, err = e.eventLog.Append(ctx, tx, meetingID, store.EventTurnChanged, &first.AgentID,
			map[string]any{"speaker_id": first.AgentID})
		return err
	})
	if err != nil {
		return err
	}

	e.dispatchEvent(handler.KindMeetingStarted, m, host.ID, map[string]any{"meeting_id": meetingID})
	e.dispatchEvent(handler.KindTurnChanged, m, first.AgentID, map[string]any{"speaker_id": first.AgentID})
	e.events.PublishJSON(bus.TopicMeetingPrefix+meetingID.String(), bus.EvMeetingStarted,
		map[string]any{"meeting_id": meetingID, "speaker_id": first.AgentID})

	e.startScheduler(meetingID)
	logger.Infow("meeting started",
		logger.FieldMeetingID, meetingID.String(),
		logger.FieldSpeaker, first.AgentID.String(),
	)
	return nil
}

// Leave 参会者离会。当前发言者离会立即轮转; attending 少于两人时
// 会议就地结束。
func (e *Engine) Leave(ctx context.Context, meetingID uuid.UUID, agentExt string) error {
	const op = "Meeting.Leave"
	agent, err := e.identity.AgentByExternalID(ctx, agentExt)
	if err != nil {
		return err
	}
	m, err := e.meetings.ByID(ctx, e.pool, meetingID)
	if err != nil {
		return err
	}
	if m.Status == store.MeetingEnded {
		return apperrors.Wrapf(apperrors.ErrMeetingEnded, op, "meeting %s has ended", meetingID)
	}
	p, err := e.meetings.Participant(ctx, e.pool, meetingID, agent.ID)
	if err != nil {
		return err
	}
	if p.Status == store.ParticipantLeft {
		return nil
	}

	err = database.WithTx(ctx, e.pool, func(tx pgx.Tx) error {
		if err := e.meetings.SetParticipantStatus(ctx, tx, meetingID, agent.ID, store.ParticipantLeft); err != nil {
			return err
		}
		_, err := e.eventLog.Append(ctx, tx, meetingID, store.EventParticipantLeft, &agent.ID,
			map[string]any{"agent_external_id": agent.ExternalID})
		return err
	})
	if err != nil {
		return err
	}
	e.dispatchEvent(handler.KindParticipantLeft, m, agent.ID, map[string]any{"agent_id": agent.ID})
	e.events.PublishJSON(bus.TopicMeetingPrefix+meetingID.String(), bus.EvParticipantLeft,
		map[string]any{"agent_id": agent.ID})
	e.waiters.Cancel(meetingID, agent.ID, apperrors.ErrMeetingEnded)

	if m.Status != store.MeetingActive {
		return nil
	}

	ps, err := e.meetings.Participants(ctx, e.pool, meetingID)
	if err != nil {
		return err
	}
	remaining := 0
	for _, q := range ps {
		if q.Status == store.ParticipantAttending || q.Status == store.ParticipantSpeaking {
			remaining++
		}
	}
	if remaining < 2 {
		return e.endInternal(ctx, meetingID, &agent.ID)
	}
	if m.CurrentSpeakerID != nil && *m.CurrentSpeakerID == agent.ID {
		e.signalYield(ctx, meetingID, agent.ID)
	}
	return nil
}

// End 主持人结束会议。终态, 后续一切变更拒绝。
func (e *Engine) End(ctx context.Context, meetingID uuid.UUID, hostExt string) error {
	const op = "Meeting.End"
	host, err := e.identity.AgentByExternalID(ctx, hostExt)
	if err != nil {
		return err
	}
	m, err := e.meetings.ByID(ctx, e.pool, meetingID)
	if err != nil {
		return err
	}
	if m.Status == store.MeetingEnded {
		return apperrors.Wrapf(apperrors.ErrMeetingEnded, op, "meeting %s has ended", meetingID)
	}
	if m.HostID != host.ID {
		return apperrors.Invalid(op, "only the host may end the meeting")
	}
	return e.endInternal(ctx, meetingID, &host.ID)
}

// endInternal 落 ended 状态、取消所有会议内等待者、停调度器。
func (e *Engine) endInternal(ctx context.Context, meetingID uuid.UUID, byAgent *uuid.UUID) error {
	err := database.WithTx(ctx, e.pool, func(tx pgx.Tx) error {
		if err := e.meetings.SetStatus(ctx, tx, meetingID, store.MeetingEnded); err != nil {
			return err
		}
		_, err := e.eventLog.Append(ctx, tx, meetingID, store.EventMeetingEnded, byAgent, nil)
		return err
	})
	if err != nil {
		return err
	}

	e.stopScheduler(meetingID)
	e.waiters.CancelScope(meetingID, apperrors.ErrMeetingEnded)

	m := &store.Meeting{ID: meetingID}
	var agentID uuid.UUID
	if byAgent != nil {
		agentID = *byAgent
	}
	e.dispatchEvent(handler.KindMeetingEnded, m, agentID, map[string]any{"meeting_id": meetingID})
	e.events.PublishJSON(bus.TopicMeetingPrefix+meetingID.String(), bus.EvMeetingEnded,
		map[string]any{"meeting_id": meetingID})
	logger.Infow("meeting ended", logger.FieldMeetingID, meetingID.String())
	return nil
}

// ========================================
// 会议内消息
// ========================================

// Send 当前发言者向会议发言。消息仅设 meeting_id; 分发 meeting handler
// 给除发言者外的每位 attending 参会者, 并投递给阻塞在 Receive 的参会者。
func (e *Engine) Send(ctx context.Context, senderExt string, meetingID uuid.UUID, content, metadata map[string]any) (*store.Message, error) {
	const op = "Meeting.Send"
	sender, err := e.identity.AgentByExternalID(ctx, senderExt)
	if err != nil {
		return nil, err
	}
	m, err := e.meetings.ByID(ctx, e.pool, meetingID)
	if err != nil {
		return nil, err
	}
	if m.Status == store.MeetingEnded {
		return nil, apperrors.Wrapf(apperrors.ErrMeetingEnded, op, "meeting %s has ended", meetingID)
	}
	if m.Status != store.MeetingActive {
		return nil, apperrors.Invalid(op, "meeting in state %q does not accept messages", m.Status)
	}
	if m.CurrentSpeakerID == nil || *m.CurrentSpeakerID != sender.ID {
		return nil, apperrors.Wrapf(apperrors.ErrNotYourTurn, op, "agent %q is not the current speaker", senderExt)
	}

	msg, err := e.messages.Insert(ctx, e.pool, &store.NewMessage{
		SenderID:  sender.ID,
		MeetingID: &meetingID,
		Content:   content,
		Metadata:  metadata,
	})
	if err != nil {
		return nil, err
	}
	e.events.PublishJSON(bus.TopicMeetingPrefix+meetingID.String(), bus.EvMessageStored, msg)

	ps, err := e.meetings.Participants(ctx, e.pool, meetingID)
	if err != nil {
		return nil, err
	}
	for _, p := range ps {
		if p.AgentID == sender.ID || p.Status != store.ParticipantAttending {
			continue
		}
		// 阻塞在 Receive 的参会者直接投递
		e.waiters.Deliver(meetingID, p.AgentID, msg.Content)

		if e.handlers.Has(handler.KindMeeting) {
			receiver, err := e.identity.AgentByID(ctx, p.AgentID)
			if err != nil {
				logger.Warnw("meeting recipient lookup failed",
					logger.FieldMeetingID, meetingID.String(),
					logger.FieldError, err,
				)
				continue
			}
			mctx := &handler.MessageContext{
				SenderID:       sender.ID,
				ReceiverID:     receiver.ID,
				OrganizationID: receiver.OrganizationID,
				HandlerContext: e.handlerCtx,
				MessageID:      msg.ID,
				MeetingID:      &meetingID,
				Metadata:       metadata,
			}
			e.handlers.DispatchAsync(handler.KindMeeting, content, mctx, e.cfg.HandlerTimeout(), nil)
		}
	}
	return msg, nil
}

// Receive 阻塞等待下一条会议消息。会议结束时以 ErrMeetingEnded 失败
// 而非 Timeout。
func (e *Engine) Receive(ctx context.Context, meetingID uuid.UUID, agentExt string, timeout time.Duration) (map[string]any, error) {
	const op = "Meeting.Receive"
	if timeout <= 0 || timeout > config.MaxSyncTimeoutSec*time.Second {
		return nil, apperrors.Invalid(op, "timeout must be in (0s, %ds], got %s", config.MaxSyncTimeoutSec, timeout)
	}
	agent, err := e.identity.AgentByExternalID(ctx, agentExt)
	if err != nil {
		return nil, err
	}
	m, err := e.meetings.ByID(ctx, e.pool, meetingID)
	if err != nil {
		return nil, err
	}
	if m.Status == store.MeetingEnded {
		return nil, apperrors.Wrapf(apperrors.ErrMeetingEnded, op, "meeting %s has ended", meetingID)
	}
	p, err := e.meetings.Participant(ctx, e.pool, meetingID, agent.ID)
	if err != nil {
		return nil, err
	}
	if p.Status != store.ParticipantAttending && p.Status != store.ParticipantSpeaking {
		return nil, apperrors.Invalid(op, "participant in state %q cannot receive", p.Status)
	}

	h, err := e.waiters.Register(meetingID, agent.ID)
	if err != nil {
		return nil, err
	}
	defer e.waiters.Cancel(meetingID, agent.ID, apperrors.ErrShutdown)
	return h.Wait(ctx, time.Now().Add(timeout))
}

// YieldTurn 当前发言者主动让出发言权。
func (e *Engine) YieldTurn(ctx context.Context, meetingID uuid.UUID, agentExt string) error {
	const op = "Meeting.YieldTurn"
	agent, err := e.identity.AgentByExternalID(ctx, agentExt)
	if err != nil {
		return err
	}
	m, err := e.meetings.ByID(ctx, e.pool, meetingID)
	if err != nil {
		return err
	}
	if m.Status == store.MeetingEnded {
		return apperrors.Wrapf(apperrors.ErrMeetingEnded, op, "meeting %s has ended", meetingID)
	}
	if m.Status != store.MeetingActive {
		return apperrors.Invalid(op, "meeting in state %q has no turns", m.Status)
	}
	if m.CurrentSpeakerID == nil || *m.CurrentSpeakerID != agent.ID {
		return apperrors.Wrapf(apperrors.ErrNotYourTurn, op, "agent %q is not the current speaker", agentExt)
	}
	e.signalYield(ctx, meetingID, agent.ID)
	return nil
}

// ========================================
// 查询
// ========================================

// History 返回会议完整消息历史 (created_at ASC)。
func (e *Engine) History(ctx context.Context, meetingID uuid.UUID, f store.MessageFilter) ([]store.Message, error) {
	return e.messages.ByMeeting(ctx, e.pool, meetingID, f)
}

// Events 返回会议事件审计序列。
func (e *Engine) Events(ctx context.Context, meetingID uuid.UUID) ([]store.MeetingEvent, error) {
	return e.eventLog.ByMeeting(ctx, e.pool, meetingID)
}

// Get 按 id 查询会议。
func (e *Engine) Get(ctx context.Context, meetingID uuid.UUID) (*store.Meeting, error) {
	return e.meetings.ByID(ctx, e.pool, meetingID)
}

// Participants 返回会议全部参会者。
func (e *Engine) Participants(ctx context.Context, meetingID uuid.UUID) ([]store.MeetingParticipant, error) {
	return e.meetings.Participants(ctx, e.pool, meetingID)
}

// ========================================
// 内部
// ========================================

// dispatchEvent 会议事件的 handler 分发 (fire-and-forget)。
func (e *Engine) dispatchEvent(kind handler.Kind, m *store.Meeting, agentID uuid.UUID, data map[string]any) {
	if !e.handlers.Has(kind) {
		return
	}
	mctx := &handler.MessageContext{
		SenderID:       agentID,
		ReceiverID:     agentID,
		HandlerContext: e.handlerCtx,
		MeetingID:      &m.ID,
	}
	e.handlers.DispatchAsync(kind, data, mctx, e.cfg.HandlerTimeout(), nil)
}

// nextSpeaker 轮转选择: attending 中 join_order 严格大于 currentOrder
// 的最小者; 没有则回绕到最小 join_order。无 attending → nil。
func nextSpeaker(ps []store.MeetingParticipant, currentOrder int) *store.MeetingParticipant {
	var after, first *store.MeetingParticipant
	for i := range ps {
		p := &ps[i]
		if p.Status != store.ParticipantAttending {
			continue
		}
		if first == nil || p.JoinOrder < first.JoinOrder {
			first = p
		}
		if p.JoinOrder > currentOrder && (after == nil || p.JoinOrder < after.JoinOrder) {
			after = p
		}
	}
	if after != nil {
		return after
	}
	return first
}

// rotationLockSalt 轮转临界区锁键的盐值, 与调度器属主锁 (裸 LockKey)
// 分离: 属主锁由调度器长期持有, 轮转锁只覆盖单次读-算-写。
const rotationLockSalt = 0x5A17

func rotationLockKey(meetingID uuid.UUID) int64 {
	return database.LockKey(meetingID) ^ rotationLockSalt
}

// rotate 执行一次发言权轮转。timedOut 为真时额外落 turn_timeout 事件
// 与系统 timeout 消息。
//
// 读-算-写整体在持有轮转 xact lock 的事务内执行, 跨进程串行。事务内
// 复核状态, 并发轮转后才到达的重复请求退化为空操作:
//   - 会议已非 active
//   - expect 已不是当前发言者 (别处已轮转)
//   - timedOut 但回合实际未到期 (过期定时器触发)
func (e *Engine) rotate(ctx context.Context, meetingID uuid.UUID, timedOut bool, expect uuid.UUID) error {
	var (
		m       *store.Meeting
		next    *store.MeetingParticipant
		endMeet bool
	)
	err := database.WithTx(ctx, e.pool, func(tx pgx.Tx) error {
		m, next, endMeet = nil, nil, false
		if err := database.AdvisoryXactLock(ctx, tx, rotationLockKey(meetingID)); err != nil {
			return err
		}
		var err error
		m, err = e.meetings.ByID(ctx, tx, meetingID)
		if err != nil {
			return err
		}
		if m.Status != store.MeetingActive {
			return nil
		}
		if m.CurrentSpeakerID == nil || *m.CurrentSpeakerID != expect {
			return nil
		}
		if timedOut && m.TurnStartedAt != nil && time.Since(*m.TurnStartedAt) < m.TurnDuration() {
			return nil
		}
		ps, err := e.meetings.Participants(ctx, tx, meetingID)
		if err != nil {
			return err
		}
		currentOrder := -1
		for _, p := range ps {
			if p.AgentID == expect {
				currentOrder = p.JoinOrder
				break
			}
		}
		next = nextSpeaker(ps, currentOrder)
		if next == nil {
			endMeet = true
			return nil
		}
		if timedOut {
			if _, err := e.eventLog.Append(ctx, tx, meetingID, store.EventTurnTimeout, &expect,
				map[string]any{"stalled_speaker_id": expect}); err != nil {
				return err
			}
			if _, err := e.messages.Insert(ctx, tx, &store.NewMessage{
				SenderID:    expect,
				MeetingID:   &meetingID,
				MessageType: store.MessageTimeout,
				Content:     map[string]any{"error": "turn timed out"},
			}); err != nil {
				return err
			}
		}
		if err := e.meetings.SetSpeaker(ctx, tx, meetingID, next.AgentID); err != nil {
			return err
		}
		_, err = e.eventLog.Append(ctx, tx, meetingID, store.EventTurnChanged, &next.AgentID,
			map[string]any{"speaker_id": next.AgentID})
		return err
	})
	if err != nil {
		return err
	}
	if endMeet {
		return e.endInternal(ctx, meetingID, nil)
	}
	if next == nil {
		return nil // 空操作: 状态已被并发轮转推进
	}

	if timedOut {
		e.dispatchEvent(handler.KindTurnTimeout, m, expect, map[string]any{"stalled_speaker_id": expect})
		e.events.PublishJSON(bus.TopicMeetingPrefix+meetingID.String(), bus.EvTurnTimeout,
			map[string]any{"stalled_speaker_id": expect})
	}
	e.dispatchEvent(handler.KindTurnChanged, m, next.AgentID, map[string]any{"speaker_id": next.AgentID})
	e.events.PublishJSON(bus.TopicMeetingPrefix+meetingID.String(), bus.EvTurnChanged,
		map[string]any{"speaker_id": next.AgentID})
	logger.Debugw("turn rotated",
		logger.FieldMeetingID, meetingID.String(),
		logger.FieldSpeaker, next.AgentID.String(),
		logger.FieldOutcome, map[bool]string{true: "timeout", false: "yield"}[timedOut],
	)
	return nil
}
