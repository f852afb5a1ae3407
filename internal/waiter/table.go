// Package waiter 进程内阻塞等待表。
//
// 同步发送方 (send_and_wait) 与会议接收方 (meeting receive) 注册到表里，
// 投递方用相同的键唤醒它们。每个键同一时刻至多一个等待者，键为
// (作用域, Agent): 作用域是会话 id 或会议 id。
//
// 等待纯属进程内状态，不落库 — 进程重启后由未读消息探测补偿。
package waiter

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/multi-agent/go-coord/pkg/errors"
	"github.com/multi-agent/go-coord/pkg/logger"
)

// Key 等待表键。
type Key struct {
	Scope uuid.UUID // 会话 id 或会议 id
	Agent uuid.UUID // 等待方
}

// outcome 一次等待的结局 (通过通道传给 Wait)。
type outcome struct {
	payload map[string]any
	err     error
}

// Handle 单个等待者的句柄。Register 返回，Wait 消费后失效。
type Handle struct {
	key   Key
	table *Table
	ch    chan outcome
}

// Table 等待表 (并发安全)。
type Table struct {
	mu      sync.Mutex
	waiting map[Key]*Handle
}

// NewTable 创建空等待表。
func NewTable() *Table {
	return &Table{waiting: make(map[Key]*Handle)}
}

// Register 把 (scope, agent) 登记为等待者。
// 同键已有等待者 → ErrSessionLockConflict。
func (t *Table) Register(scope, agent uuid.UUID) (*Handle, error) {
	key := Key{Scope: scope, Agent: agent}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.waiting[key]; ok {
		return nil, apperrors.Wrapf(apperrors.ErrSessionLockConflict,
			"Waiter.Register", "agent %s already waiting on scope %s", agent, scope)
	}
	h := &Handle{key: key, table: t, ch: make(chan outcome, 1)}
	t.waiting[key] = h
	return h, nil
}

// IsWaiting 判定某键当前是否有等待者。
func (t *Table) IsWaiting(scope, agent uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.waiting[Key{Scope: scope, Agent: agent}]
	return ok
}

// Deliver 向 (scope, agent) 的等待者投递负载。
// 返回是否实际命中等待者; 无等待者时为空操作。
func (t *Table) Deliver(scope, agent uuid.UUID, payload map[string]any) bool {
	key := Key{Scope: scope, Agent: agent}
	t.mu.Lock()
	h, ok := t.waiting[key]
	if ok {
		delete(t.waiting, key)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	h.ch <- outcome{payload: payload}
	return true
}

// Cancel 以 cause 取消单个等待者。无等待者时为空操作。
func (t *Table) Cancel(scope, agent uuid.UUID, cause error) {
	key := Key{Scope: scope, Agent: agent}
	t.mu.Lock()
	h, ok := t.waiting[key]
	if ok {
		delete(t.waiting, key)
	}
	t.mu.Unlock()
	if ok {
		h.ch <- outcome{err: cause}
	}
}

// CancelScope 取消某作用域下的全部等待者 (会话终结 / 会议终结)。
func (t *Table) CancelScope(scope uuid.UUID, cause error) {
	t.mu.Lock()
	var hs []*Handle
	for key, h := range t.waiting {
		if key.Scope == scope {
			hs = append(hs, h)
			delete(t.waiting, key)
		}
	}
	t.mu.Unlock()
	for _, h := range hs {
		h.ch <- outcome{err: cause}
	}
}

// CancelAll 取消全部等待者 (进程关停)。
func (t *Table) CancelAll(cause error) {
	t.mu.Lock()
	hs := make([]*Handle, 0, len(t.waiting))
	for key, h := range t.waiting {
		hs = append(hs, h)
		delete(t.waiting, key)
	}
	t.mu.Unlock()
	if len(hs) > 0 {
		logger.Infow("cancelling all waiters", logger.FieldCount, len(hs))
	}
	for _, h := range hs {
		h.ch <- outcome{err: cause}
	}
}

// remove 等待者自行退出 (超时 / ctx 取消) 时摘除登记。
// 返回 false 表示并发投递已先摘除，结果仍在通道里。
func (t *Table) remove(h *Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.waiting[h.key]; ok && cur == h {
		delete(t.waiting, h.key)
		return true
	}
	return false
}

// Wait 阻塞直到投递、取消、deadline 或 ctx 结束。
//
//   - 投递:       (payload, nil)
//   - 取消:       (nil, cause)
//   - deadline:   (nil, ErrTimeout)
//   - ctx 结束:   (nil, ctx.Err())
//
// 超时与投递并发竞争时投递优先: 摘除登记失败说明负载已在途。
func (h *Handle) Wait(ctx context.Context, deadline time.Time) (map[string]any, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case out := <-h.ch:
		return out.payload, out.err
	case <-timer.C:
		if !h.table.remove(h) {
			out := <-h.ch
			return out.payload, out.err
		}
		return nil, apperrors.Wrapf(apperrors.ErrTimeout, "Waiter.Wait",
			"no delivery for agent %s on scope %s", h.key.Agent, h.key.Scope)
	case <-ctx.Done():
		if !h.table.remove(h) {
			out := <-h.ch
			return out.payload, out.err
		}
		return nil, ctx.Err()
	}
}
