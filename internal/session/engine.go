// Package session 实现会话引擎: 单向发送、同步等待发送、异步发送、
// 未读拉取与会话终结。
//
// 同步发送的核心纪律 (三元组同建同拆):
//   - sessions.locked_agent_id = 发送方 (持久标记, 远端据此决定是否通知)
//   - 会话 advisory lock (跨进程互斥, 必须与释放同连接)
//   - waiter 表登记 (进程内投递)
//
// 三者在同一作用域内建立, 由单个 defer 在一切退出路径上拆除。
package session

import (
	"context"
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

// teardownTimeout 退出路径上清理操作 (解锁/清标记) 的时限。
const teardownTimeout = 5 * time.Second

// Engine 会话引擎。
type Engine struct {
	cfg      *config.Config
	pool     *pgxpool.Pool
	identity *store.IdentityStore
	sessions *store.SessionStore
	messages *store.MessageStore
	handlers *handler.Registry
	waiters  *waiter.Table
	events   *bus.Bus

	// handlerCtx 随每次分发原样传给 handler (进程级配置)。
	handlerCtx map[string]any
}

// NewEngine 创建会话引擎。
func NewEngine(cfg *config.Config, pool *pgxpool.Pool, handlers *handler.Registry, waiters *waiter.Table, events *bus.Bus, handlerCtx map[string]any) *Engine {
	return &Engine{
		cfg:        cfg,
		pool:       pool,
		identity:   store.NewIdentityStore(pool),
		sessions:   store.NewSessionStore(pool),
		messages:   store.NewMessageStore(pool),
		handlers:   handlers,
		waiters:    waiters,
		events:     events,
		handlerCtx: handlerCtx,
	}
}

// Waiters 暴露等待表 (meeting 引擎与关停路径共用)。
func (e *Engine) Waiters() *waiter.Table { return e.waiters }

// mctx 组装分发上下文。
func (e *Engine) mctx(sender, receiver *store.Agent, msg *store.Message, metadata map[string]any) *handler.MessageContext {
	m := &handler.MessageContext{
		SenderID:       sender.ID,
		ReceiverID:     receiver.ID,
		OrganizationID: receiver.OrganizationID,
		HandlerContext: e.handlerCtx,
		MessageID:      msg.ID,
		Metadata:       metadata,
	}
	m.SessionID = msg.SessionID
	m.MeetingID = msg.MeetingID
	return m
}

// ========================================
// 单向发送
// ========================================

// OneWaySend 向多个接收方各发一条单向消息 (每个接收方独立事务)。
// 返回已落库的消息 id 列表; 中途失败返回已成功的部分与错误。
func (e *Engine) OneWaySend(ctx context.Context, senderExt string, recipientExts []string, content, metadata map[string]any) ([]uuid.UUID, error) {
	const op = "Session.OneWaySend"
	if len(recipientExts) == 0 {
		return nil, apperrors.Invalid(op, "at least one recipient is required")
	}
	if !e.handlers.Has(handler.KindOneWay) {
		return nil, apperrors.Wrapf(apperrors.ErrNoHandler, op, "no one_way handler registered")
	}
	sender, err := e.identity.AgentByExternalID(ctx, senderExt)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(recipientExts))
	for _, ext := range recipientExts {
		recipient, err := e.identity.AgentByExternalID(ctx, ext)
		if err != nil {
			return ids, err
		}
		var msg *store.Message
		err = database.WithTx(ctx, e.pool, func(tx pgx.Tx) error {
			var txErr error
			msg, txErr = e.messages.Insert(ctx, tx, &store.NewMessage{
				SenderID:    sender.ID,
				RecipientID: &recipient.ID,
				Content:     content,
				Metadata:    metadata,
			})
			return txErr
		})
		if err != nil {
			return ids, err
		}
		ids = append(ids, msg.ID)

		// 提交后调度, fire-and-forget
		e.handlers.DispatchAsync(handler.KindOneWay, content, e.mctx(sender, recipient, msg, metadata), e.cfg.HandlerTimeout(), nil)
		e.events.PublishJSON(bus.TopicAgentPrefix+recipient.ExternalID, bus.EvMessageStored, msg)
	}
	logger.Infow("one-way send complete",
		logger.FieldAgentID, senderExt,
		logger.FieldCount, len(ids),
	)
	return ids, nil
}

// ========================================
// 同步发送 (send_and_wait)
// ========================================

// SendAndWait 发送并阻塞等待回复。
//
// 流程: 校验 → 解析 → 固定连接 + advisory lock → 落 locked_agent_id +
// 消息 + waiter → 快路径分发 → (慢 handler 后台重调度) → 落库回复探测 →
// 阻塞等待 → 超时落系统消息。清理集中在单个 defer。
func (e *Engine) SendAndWait(ctx context.Context, senderExt, recipientExt string, content map[string]any, timeout time.Duration, metadata map[string]any) (map[string]any, error) {
	const op = "Session.SendAndWait"
	if timeout <= 0 || timeout > config.MaxSyncTimeoutSec*time.Second {
		return nil, apperrors.Invalid(op, "timeout must be in (0s, %ds], got %s", config.MaxSyncTimeoutSec, timeout)
	}
	if !e.handlers.Has(handler.KindConversation) {
		return nil, apperrors.Wrapf(apperrors.ErrNoHandler, op, "no conversation handler registered")
	}
	sender, err := e.identity.AgentByExternalID(ctx, senderExt)
	if err != nil {
		return nil, err
	}
	recipient, err := e.identity.AgentByExternalID(ctx, recipientExt)
	if err != nil {
		return nil, err
	}

	var reply map[string]any
	err = database.WithConn(ctx, e.pool, func(conn *pgxpool.Conn) error {
		sess, err := e.sessions.ResolveOrCreate(ctx, conn, sender.ID, recipient.ID)
		if err != nil {
			return err
		}

		key := database.LockKey(sess.ID)
		got, err := database.TryAdvisoryLock(ctx, conn, key)
		if err != nil {
			return err
		}
		if !got {
			return apperrors.Wrapf(apperrors.ErrSessionBusy, op,
				"session %s already has a synchronous sender", sess.ID)
		}

		// 三元组拆除: 一切退出路径 (成功/超时/取消/panic) 都经过这里。
		// 锁与标记的清理用独立 context, 调用方 ctx 可能已失效。
		defer func() {
			e.waiters.Cancel(sess.ID, sender.ID, apperrors.ErrShutdown)
			tctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			defer cancel()
			if err := e.sessions.ClearLockedAgent(tctx, conn, sess.ID); err != nil {
				logger.Errorw("clear locked_agent_id failed",
					logger.FieldSessionID, sess.ID.String(),
					logger.FieldError, err,
				)
			}
			if err := database.AdvisoryUnlock(tctx, conn, key); err != nil {
				logger.Errorw("advisory unlock failed",
					logger.FieldSessionID, sess.ID.String(),
					logger.FieldError, err,
				)
			}
			e.events.PublishJSON(bus.TopicSessionPrefix+sess.ID.String(), bus.EvSessionUnlocked,
				map[string]any{"session_id": sess.ID})
		}()

		if err := e.sessions.SetLockedAgent(ctx, conn, sess.ID, sender.ID); err != nil {
			return err
		}
		msg, err := e.messages.Insert(ctx, conn, &store.NewMessage{
			SenderID:    sender.ID,
			RecipientID: &recipient.ID,
			SessionID:   &sess.ID,
			Content:     content,
			Metadata:    metadata,
		})
		if err != nil {
			return err
		}
		h, err := e.waiters.Register(sess.ID, sender.ID)
		if err != nil {
			return err // ErrSessionLockConflict
		}
		e.events.PublishJSON(bus.TopicSessionPrefix+sess.ID.String(), bus.EvSessionLocked,
			map[string]any{"session_id": sess.ID, "locked_agent_id": sender.ID})

		mctx := e.mctx(sender, recipient, msg, metadata)

		// 快路径: handler 在预算内直接返回回复则不进入等待。
		// 分发即投递: 请求随回复一并落 read_at, 不再进入未读队列。
		resp, outcome := e.handlers.Dispatch(ctx, handler.KindConversation, content, mctx, e.cfg.HandlerFastPathBudget())
		if outcome == handler.OutcomeReturned && resp != nil {
			if err := e.messages.MarkRead(ctx, conn, msg.ID); err != nil {
				return err
			}
			if _, err := e.persistReply(ctx, conn, sess.ID, recipient.ID, sender.ID, resp, true); err != nil {
				return err
			}
			reply = resp
			return nil
		}
		if outcome == handler.OutcomeTimedOut {
			// 慢 handler: 后台重调度, 返回值走迟到回复路径。
			// 请求的 read_at 在投递回复前落库, 等待方醒来时两行都已读。
			e.handlers.DispatchAsync(handler.KindConversation, content, mctx, e.cfg.HandlerTimeout(),
				func(resp map[string]any, oc handler.Outcome) {
					if oc != handler.OutcomeReturned || resp == nil {
						return
					}
					bctx := context.Background()
					if err := e.messages.MarkRead(bctx, e.pool, msg.ID); err != nil {
						logger.Warnw("mark request read failed",
							logger.FieldMessageID, msg.ID.String(),
							logger.FieldError, err,
						)
					}
					e.DeliverReply(bctx, sess.ID, recipient.ID, sender.ID, resp)
				})
		}

		// 对端并发 send_no_wait 的竞争: 回复可能已落库 (含其他进程写入)
		if raced, err := e.messages.FirstUnreadReply(ctx, conn, sess.ID, recipient.ID, sender.ID); err != nil {
			logger.Warnw("reply probe failed", logger.FieldSessionID, sess.ID.String(), logger.FieldError, err)
		} else if raced != nil {
			reply = raced.Content
			return nil
		}

		payload, werr := h.Wait(ctx, time.Now().Add(timeout))
		if werr != nil {
			if apperrors.Is(werr, apperrors.ErrTimeout) {
				e.persistTimeout(sess.ID, sender.ID, recipient.ID)
			}
			return werr
		}
		if payload == nil {
			// 被唤醒但未附带负载: 回查落库回复
			raced, err := e.messages.FirstUnreadReply(ctx, conn, sess.ID, recipient.ID, sender.ID)
			if err != nil {
				return err
			}
			if raced == nil {
				return apperrors.Wrapf(apperrors.ErrTimeout, op, "woken without payload and no stored reply")
			}
			reply = raced.Content
			return nil
		}
		reply = payload
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// persistTimeout 超时路径落一条系统 timeout 消息 (sender 为未响应的对端)。
func (e *Engine) persistTimeout(sessionID, waiterID, peerID uuid.UUID) {
	tctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	_, err := e.messages.Insert(tctx, e.pool, &store.NewMessage{
		SenderID:    peerID,
		RecipientID: &waiterID,
		SessionID:   &sessionID,
		MessageType: store.MessageTimeout,
		Content:     map[string]any{"error": "synchronous wait timed out"},
		MarkRead:    true,
	})
	if err != nil {
		logger.Errorw("persist timeout message failed",
			logger.FieldSessionID, sessionID.String(),
			logger.FieldError, err,
		)
	}
}

// persistReply 落库一条回复消息 (responder → origSender)。
func (e *Engine) persistReply(ctx context.Context, db database.DB, sessionID, fromID, toID uuid.UUID, payload map[string]any, markRead bool) (*store.Message, error) {
	return e.messages.Insert(ctx, db, &store.NewMessage{
		SenderID:    fromID,
		RecipientID: &toID,
		SessionID:   &sessionID,
		Content:     payload,
		MarkRead:    markRead,
	})
}

// DeliverReply 持久化 handler 的返回值并投递给阻塞中的原发送方。
// 原发送方已不在等待 (超时离场) 时回复保留为未读消息。
func (e *Engine) DeliverReply(ctx context.Context, sessionID, fromID, toID uuid.UUID, payload map[string]any) {
	msg, err := e.persistReply(ctx, e.pool, sessionID, fromID, toID, payload, false)
	if err != nil {
		logger.Errorw("persist reply failed",
			logger.FieldSessionID, sessionID.String(),
			logger.FieldError, err,
		)
		return
	}
	if e.waiters.Deliver(sessionID, toID, payload) {
		if err := e.messages.MarkRead(ctx, e.pool, msg.ID); err != nil {
			logger.Warnw("mark reply read failed", logger.FieldMessageID, msg.ID.String(), logger.FieldError, err)
		}
		e.events.PublishJSON(bus.TopicSessionPrefix+sessionID.String(), bus.EvReplyDelivered, msg)
	}
}

// ========================================
// 异步发送 (send_no_wait)
// ========================================

// SendNoWait 异步发送: 落库即返回。
//
// 落库后: (a) 对端在本进程阻塞等待则直接投递并标记已读;
// (b) 通知规则 — 未就地投递且 locked_agent_id ≠ 接收方时调度
// message_notification;
// (c) 对端未在等待时再异步调度 conversation handler。
func (e *Engine) SendNoWait(ctx context.Context, senderExt, recipientExt string, content, metadata map[string]any) (uuid.UUID, error) {
	const op = "Session.SendNoWait"
	if !e.handlers.Has(handler.KindConversation) {
		return uuid.Nil, apperrors.Wrapf(apperrors.ErrNoHandler, op, "no conversation handler registered")
	}
	sender, err := e.identity.AgentByExternalID(ctx, senderExt)
	if err != nil {
		return uuid.Nil, err
	}
	recipient, err := e.identity.AgentByExternalID(ctx, recipientExt)
	if err != nil {
		return uuid.Nil, err
	}

	var sess *store.Session
	var msg *store.Message
	err = database.WithTx(ctx, e.pool, func(tx pgx.Tx) error {
		var txErr error
		sess, txErr = e.sessions.ResolveOrCreate(ctx, tx, sender.ID, recipient.ID)
		if txErr != nil {
			return txErr
		}
		msg, txErr = e.messages.Insert(ctx, tx, &store.NewMessage{
			SenderID:    sender.ID,
			RecipientID: &recipient.ID,
			SessionID:   &sess.ID,
			Content:     content,
			Metadata:    metadata,
		})
		return txErr
	})
	if err != nil {
		return uuid.Nil, err
	}
	e.events.PublishJSON(bus.TopicSessionPrefix+sess.ID.String(), bus.EvMessageStored, msg)

	// (a) 对端在本进程阻塞等待: 直接投递, 其 send_and_wait 以本消息为回复返回
	delivered := e.waiters.Deliver(sess.ID, recipient.ID, msg.Content)
	if delivered {
		if err := e.messages.MarkRead(ctx, e.pool, msg.ID); err != nil {
			logger.Warnw("mark delivered message read failed", logger.FieldMessageID, msg.ID.String(), logger.FieldError, err)
		}
	}

	mctx := e.mctx(sender, recipient, msg, metadata)

	// (b) 通知规则: 就地投递即送达, 不通知 — 否则被唤醒方的三元组拆除
	// 可能抢先清掉 locked_agent_id, 产生多余通知。未投递时再看
	// locked_agent_id (接收方可能在别的进程阻塞等待)。
	if !delivered && e.handlers.Has(handler.KindMessageNotification) {
		locked, err := e.sessions.LockedAgent(ctx, e.pool, sess.ID)
		if err != nil {
			logger.Warnw("locked agent read failed", logger.FieldSessionID, sess.ID.String(), logger.FieldError, err)
		} else if locked == nil || *locked != recipient.ID {
			e.handlers.DispatchAsync(handler.KindMessageNotification, content, mctx, e.cfg.HandlerTimeout(), nil)
		}
	}

	// (c) 对端未在等待: 调度 conversation handler, 返回值走回复路径
	if !delivered {
		e.handlers.DispatchAsync(handler.KindConversation, content, mctx, e.cfg.HandlerTimeout(),
			func(resp map[string]any, oc handler.Outcome) {
				if oc == handler.OutcomeReturned && resp != nil {
					e.DeliverReply(context.Background(), sess.ID, recipient.ID, sender.ID, resp)
				}
			})
	}
	return msg.ID, nil
}

// ========================================
// 拉取与终结
// ========================================

// UnreadMessages 拉取某 Agent 的全部未读消息并在同一语句内标记已读。
func (e *Engine) UnreadMessages(ctx context.Context, agentExt string, f store.MessageFilter) ([]store.Message, error) {
	agent, err := e.identity.AgentByExternalID(ctx, agentExt)
	if err != nil {
		return nil, err
	}
	msgs, err := e.messages.ConsumeUnread(ctx, e.pool, agent.ID, f)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		e.events.PublishJSON(bus.TopicAgentPrefix+agent.ExternalID, bus.EvMessageRead, msgs[i])
	}
	return msgs, nil
}

// SessionHistory 返回会话完整历史 (只读, 不落 read_at)。
func (e *Engine) SessionHistory(ctx context.Context, sessionID uuid.UUID, f store.MessageFilter) ([]store.Message, error) {
	return e.messages.BySession(ctx, e.pool, sessionID, f)
}

// EndSession 终结一对 Agent 的 active 会话并取消其上所有阻塞等待者。
func (e *Engine) EndSession(ctx context.Context, xExt, yExt string) error {
	const op = "Session.EndSession"
	x, err := e.identity.AgentByExternalID(ctx, xExt)
	if err != nil {
		return err
	}
	y, err := e.identity.AgentByExternalID(ctx, yExt)
	if err != nil {
		return err
	}
	sess, err := e.sessions.ActiveByPair(ctx, e.pool, x.ID, y.ID)
	if err != nil {
		return err
	}
	if sess == nil {
		return apperrors.Wrapf(apperrors.ErrNotFound, op, "no active session between %q and %q", xExt, yExt)
	}
	if _, err := e.sessions.End(ctx, e.pool, sess.ID); err != nil {
		return err
	}
	e.waiters.CancelScope(sess.ID, apperrors.ErrSessionEnded)
	e.events.PublishJSON(bus.TopicSessionPrefix+sess.ID.String(), bus.EvSessionEnded,
		map[string]any{"session_id": sess.ID})
	logger.Infow("session ended", logger.FieldSessionID, sess.ID.String())
	return nil
}
