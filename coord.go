// Package coord 是面向调用方的协调库入口。
//
// 四种消息模式 — 单向广播、同步等待会话、异步会话、回合制会议 —
// 通过 PostgreSQL 承载全部持久状态。典型用法:
//
//	cfg := config.Load()
//	c, err := coord.New(ctx, cfg)
//	if err != nil { ... }
//	defer c.Close()
//
//	c.OnMessage(coord.KindConversation, func(ctx context.Context, payload map[string]any, mctx *coord.MessageContext) (map[string]any, error) {
//		return map[string]any{"ack": true}, nil
//	})
//	reply, err := c.Conversation().SendAndWait(ctx, "alice", "bob", payload, 0, nil)
package coord

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/go-coord/internal/bus"
	"github.com/multi-agent/go-coord/internal/config"
	"github.com/multi-agent/go-coord/internal/database"
	"github.com/multi-agent/go-coord/internal/handler"
	"github.com/multi-agent/go-coord/internal/meeting"
	"github.com/multi-agent/go-coord/internal/session"
	"github.com/multi-agent/go-coord/internal/store"
	"github.com/multi-agent/go-coord/internal/waiter"
	apperrors "github.com/multi-agent/go-coord/pkg/errors"
	"github.com/multi-agent/go-coord/pkg/logger"
)

// 模型与回调类型别名, 调用方无需触达 internal 包。
type (
	Organization       = store.Organization
	Agent              = store.Agent
	Session            = store.Session
	Meeting            = store.Meeting
	MeetingParticipant = store.MeetingParticipant
	MeetingEvent       = store.MeetingEvent
	Message            = store.Message
	MessageFilter      = store.MessageFilter

	HandlerKind    = handler.Kind
	HandlerFunc    = handler.Func
	MessageContext = handler.MessageContext
)

// Handler 类型。
const (
	KindOneWay              = handler.KindOneWay
	KindConversation        = handler.KindConversation
	KindMeeting             = handler.KindMeeting
	KindMessageNotification = handler.KindMessageNotification
	KindMeetingStarted      = handler.KindMeetingStarted
	KindTurnChanged         = handler.KindTurnChanged
	KindMeetingEnded        = handler.KindMeetingEnded
	KindParticipantJoined   = handler.KindParticipantJoined
	KindParticipantLeft     = handler.KindParticipantLeft
	KindTurnTimeout         = handler.KindTurnTimeout
)

// 错误哨兵转发。
var (
	ErrNotFound            = apperrors.ErrNotFound
	ErrConflict            = apperrors.ErrConflict
	ErrInvalidInput        = apperrors.ErrInvalidInput
	ErrNoHandler           = apperrors.ErrNoHandler
	ErrSessionBusy         = apperrors.ErrSessionBusy
	ErrSessionEnded        = apperrors.ErrSessionEnded
	ErrMeetingEnded        = apperrors.ErrMeetingEnded
	ErrNotYourTurn         = apperrors.ErrNotYourTurn
	ErrTimeout             = apperrors.ErrTimeout
	ErrSessionLockConflict = apperrors.ErrSessionLockConflict
	ErrShutdown            = apperrors.ErrShutdown
)

// Option 构造选项。
type Option func(*Coordinator)

// WithHandlerContext 设置随每次 handler 分发传入的进程级上下文。
func WithHandlerContext(hc map[string]any) Option {
	return func(c *Coordinator) { c.handlerCtx = hc }
}

// Coordinator 协调器: 打开连接池并装配全部引擎。
type Coordinator struct {
	cfg      *config.Config
	pool     *pgxpool.Pool
	handlers *handler.Registry
	waiters  *waiter.Table
	events   *bus.Bus
	identity *store.IdentityStore
	sessions *session.Engine
	meetings *meeting.Engine

	handlerCtx map[string]any
	closeOnce  sync.Once
}

// New 打开连接池并装配协调器。
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Coordinator, error) {
	const op = "coord.New"
	if cfg == nil {
		cfg = config.Load()
	}
	if cfg.StoreDSN == "" {
		return nil, apperrors.Invalid(op, "store DSN is required")
	}
	logger.Init(cfg.AppEnv, cfg.LogLevel)

	c := &Coordinator{
		cfg:      cfg,
		handlers: handler.NewRegistry(),
		waiters:  waiter.NewTable(),
		events:   bus.New(),
	}
	for _, opt := range opts {
		opt(c)
	}

	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.pool = pool
	c.identity = store.NewIdentityStore(pool)
	c.sessions = session.NewEngine(cfg, pool, c.handlers, c.waiters, c.events, c.handlerCtx)
	c.meetings = meeting.NewEngine(cfg, pool, c.handlers, c.waiters, c.events, c.handlerCtx)

	logger.Infow("coordinator ready",
		logger.FieldCount, cfg.PoolSize,
	)
	return c, nil
}

// Close 停止所有会议调度器、以 ErrShutdown 取消全部等待者并关闭连接池。
// 幂等, 所有退出路径都可安全调用。
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.meetings.Close()
		c.waiters.CancelAll(apperrors.ErrShutdown)
		c.pool.Close()
		logger.Infow("coordinator closed")
	})
}

// OnMessage 注册 handler, 每种类型至多一个 (后注册覆盖先注册)。
func (c *Coordinator) OnMessage(kind HandlerKind, fn HandlerFunc) {
	c.handlers.Register(kind, fn)
}

// HasHandler 判定某类型是否已注册。
func (c *Coordinator) HasHandler(kind HandlerKind) bool {
	return c.handlers.Has(kind)
}

// ========================================
// 身份
// ========================================

// RegisterOrganization 注册组织 (external_id 幂等, name 不一致 → ErrConflict)。
func (c *Coordinator) RegisterOrganization(ctx context.Context, externalID, name string) (*Organization, error) {
	return c.identity.RegisterOrganization(ctx, externalID, name)
}

// RegisterAgent 注册 Agent 到已有组织。
func (c *Coordinator) RegisterAgent(ctx context.Context, externalID, orgExternalID, name string) (*Agent, error) {
	return c.identity.RegisterAgent(ctx, externalID, orgExternalID, name)
}

// AgentByExternalID 查询 Agent。
func (c *Coordinator) AgentByExternalID(ctx context.Context, externalID string) (*Agent, error) {
	return c.identity.AgentByExternalID(ctx, externalID)
}

// OrganizationByExternalID 查询组织。
func (c *Coordinator) OrganizationByExternalID(ctx context.Context, externalID string) (*Organization, error) {
	return c.identity.OrganizationByExternalID(ctx, externalID)
}

// ========================================
// 子门面与内部访问器
// ========================================

// OneWay 单向广播门面。
func (c *Coordinator) OneWay() *OneWayFacade { return &OneWayFacade{c} }

// Conversation 会话门面 (同步 + 异步)。
func (c *Coordinator) Conversation() *ConversationFacade { return &ConversationFacade{c} }

// Meeting 会议门面。
func (c *Coordinator) Meeting() *MeetingFacade { return &MeetingFacade{c} }

// Bus 进程内事件总线 (WebSocket 推流等出带消费方订阅用)。
func (c *Coordinator) Bus() *bus.Bus { return c.events }

// Pool 底层连接池 (HTTP 服务健康检查等运维面使用)。
func (c *Coordinator) Pool() *pgxpool.Pool { return c.pool }

// Config 生效配置。
func (c *Coordinator) Config() *config.Config { return c.cfg }
