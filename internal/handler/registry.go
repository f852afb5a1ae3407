// Package handler 提供进程级 handler 注册表与分发。
//
// 每种 handler 类型至多注册一个回调 (后注册覆盖先注册)。
// 分发带预算超时; handler 的错误与 panic 只记日志，绝不回传发送方。
package handler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/multi-agent/go-coord/pkg/logger"
)

// Kind handler 类型。
type Kind string

// 四种消息模式 + 会议事件类型。
const (
	KindOneWay              Kind = "one_way"
	KindConversation        Kind = "conversation"
	KindMeeting             Kind = "meeting"
	KindMessageNotification Kind = "message_notification"

	KindMeetingStarted    Kind = "meeting_started"
	KindTurnChanged       Kind = "turn_changed"
	KindMeetingEnded      Kind = "meeting_ended"
	KindParticipantJoined Kind = "participant_joined"
	KindParticipantLeft   Kind = "participant_left"
	KindTurnTimeout       Kind = "turn_timeout"
)

// Outcome 单次分发的结局。
type Outcome string

const (
	// OutcomeReturned handler 在预算内返回
	OutcomeReturned Outcome = "returned"
	// OutcomeTimedOut 预算耗尽，handler 可能仍在后台运行
	OutcomeTimedOut Outcome = "timed_out"
	// OutcomeErrored handler 返回错误或 panic
	OutcomeErrored Outcome = "errored"
	// OutcomeNoHandler 该类型未注册回调
	OutcomeNoHandler Outcome = "no_handler"
)

// MessageContext 随每次分发传入 handler 的上下文。
type MessageContext struct {
	SenderID       uuid.UUID      `json:"sender_id"`
	ReceiverID     uuid.UUID      `json:"receiver_id"`
	OrganizationID uuid.UUID      `json:"organization_id"`
	HandlerContext map[string]any `json:"handler_context,omitempty"`
	MessageID      uuid.UUID      `json:"message_id"`
	SessionID      *uuid.UUID     `json:"session_id,omitempty"`
	MeetingID      *uuid.UUID     `json:"meeting_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Func handler 回调。返回 nil 表示"无同步响应"; 非 nil 返回值
// 会被当作回复负载持久化并投递给阻塞中的发送方。
type Func func(ctx context.Context, payload map[string]any, mctx *MessageContext) (map[string]any, error)

// Registry 进程级 handler 注册表 (并发安全)。
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind]Func
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Kind]Func)}
}

// Register 注册回调，后注册覆盖先注册。fn 为 nil 时移除。
func (r *Registry) Register(kind Kind, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.handlers, kind)
		return
	}
	r.handlers[kind] = fn
}

// Has 判定某类型是否已注册。
func (r *Registry) Has(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[kind]
	return ok
}

// get 取出回调。
func (r *Registry) get(kind Kind) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[kind]
	return fn, ok
}

// dispatchResult 后台执行结果。
type dispatchResult struct {
	resp map[string]any
	err  error
}

// Dispatch 在 budget 预算内调用 kind 的回调。
//
// 预算耗尽返回 (nil, OutcomeTimedOut)，此时 handler 仍在后台 goroutine
// 里运行直到自身完成 — 调用方可通过再次消费其返回值走迟到回复路径。
func (r *Registry) Dispatch(ctx context.Context, kind Kind, payload map[string]any, mctx *MessageContext, budget time.Duration) (map[string]any, Outcome) {
	fn, ok := r.get(kind)
	if !ok {
		return nil, OutcomeNoHandler
	}

	callCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	ch := make(chan dispatchResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("handler panicked",
					logger.FieldHandler, string(kind),
					logger.FieldError, rec,
					"stack", string(debug.Stack()),
				)
				ch <- dispatchResult{err: &panicError{val: rec}}
			}
		}()
		resp, err := fn(callCtx, payload, mctx)
		ch <- dispatchResult{resp: resp, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			logger.Warn("handler errored",
				logger.FieldHandler, string(kind),
				logger.FieldError, res.err,
			)
			return nil, OutcomeErrored
		}
		return res.resp, OutcomeReturned
	case <-callCtx.Done():
		return nil, OutcomeTimedOut
	}
}

// DispatchAsync 后台分发 (fire-and-forget)。onDone 非 nil 时在 handler
// 完成后带结果回调 — 同步发送的迟到回复路径用它接住返回值。
//
// 后台调用不继承调用方 ctx 的取消: 发送方返回后 handler 仍应跑完。
func (r *Registry) DispatchAsync(kind Kind, payload map[string]any, mctx *MessageContext, timeout time.Duration, onDone func(resp map[string]any, outcome Outcome)) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("async dispatch panicked",
					logger.FieldHandler, string(kind),
					logger.FieldError, rec,
					"stack", string(debug.Stack()),
				)
			}
		}()
		resp, outcome := r.Dispatch(context.Background(), kind, payload, mctx, timeout)
		if onDone != nil {
			onDone(resp, outcome)
		}
	}()
}

// panicError 把 panic 值包装成 error。
type panicError struct{ val any }

func (e *panicError) Error() string { return "handler panic" }
