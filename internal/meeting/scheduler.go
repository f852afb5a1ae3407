// scheduler.go — 每会议一个的发言权调度器。
//
// start_meeting 成功后启动。调度器在固定连接上持有会议 advisory lock
// (争用时退出 — 别的进程已在调度), 循环等待让出信号或回合超时,
// 超时落 turn_timeout 事件 + 系统 timeout 消息后轮转。轮转本身由
// rotate 的 xact lock 跨进程串行化, 调度器属主锁只决定谁跑定时器。
package meeting

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/go-coord/internal/database"
	"github.com/multi-agent/go-coord/internal/store"
	"github.com/multi-agent/go-coord/pkg/logger"
	"github.com/multi-agent/go-coord/pkg/util"
)

// 瞬态存储错误的重试节奏。
const (
	schedulerRetryBase = time.Second
	schedulerRetryMax  = 30 * time.Second
)

// scheduler 单个会议的调度器句柄。
type scheduler struct {
	yield  chan struct{}
	cancel context.CancelFunc
}

// startScheduler 启动会议调度器 goroutine。同会议重复启动为空操作。
func (e *Engine) startScheduler(meetingID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.schedulers[meetingID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(e.baseCtx)
	s := &scheduler{
		yield:  make(chan struct{}, 1),
		cancel: cancel,
	}
	e.schedulers[meetingID] = s
	util.SafeGo(func() {
		e.runScheduler(ctx, meetingID, s.yield)
	})
}

// stopScheduler 停止并移除会议调度器。
func (e *Engine) stopScheduler(meetingID uuid.UUID) {
	e.mu.Lock()
	s, ok := e.schedulers[meetingID]
	if ok {
		delete(e.schedulers, meetingID)
	}
	e.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// signalYield 通知调度器发言者 from 已让出。本进程无调度器 (定时器
// 在别的进程) 时就地轮转 — rotate 的 xact lock 与事务内复核保证与
// 远端定时器并发时至多轮转一次。
func (e *Engine) signalYield(ctx context.Context, meetingID uuid.UUID, from uuid.UUID) {
	e.mu.Lock()
	s, ok := e.schedulers[meetingID]
	e.mu.Unlock()
	if ok {
		select {
		case s.yield <- struct{}{}:
		default:
			// 信号已排队
		}
		return
	}
	if err := e.rotate(ctx, meetingID, false, from); err != nil {
		logger.Errorw("inline rotation failed",
			logger.FieldMeetingID, meetingID.String(),
			logger.FieldError, err,
		)
	}
}

// nextBackoff 指数退避: 翻倍直到上限。
func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > schedulerRetryMax {
		return schedulerRetryMax
	}
	return d
}

// sleepCtx 可中断睡眠。ctx 先结束时返回 false。
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// runScheduler 调度器主循环。只要会议仍 active 就不退出:
// 瞬态存储错误按指数退避重试而非放弃轮转。
func (e *Engine) runScheduler(ctx context.Context, meetingID uuid.UUID, yield chan struct{}) {
	defer func() {
		e.mu.Lock()
		delete(e.schedulers, meetingID)
		e.mu.Unlock()
	}()

	err := database.WithConn(ctx, e.pool, func(conn *pgxpool.Conn) error {
		key := database.LockKey(meetingID)
		got, err := database.TryAdvisoryLock(ctx, conn, key)
		if err != nil {
			return err
		}
		if !got {
			logger.Infow("meeting scheduler already held elsewhere",
				logger.FieldMeetingID, meetingID.String(),
			)
			return nil
		}
		defer func() {
			tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := database.AdvisoryUnlock(tctx, conn, key); err != nil {
				logger.Errorw("meeting advisory unlock failed",
					logger.FieldMeetingID, meetingID.String(),
					logger.FieldError, err,
				)
			}
		}()

		// retry 封装一次失败操作: 记录 + 退避, ctx 结束时要求退出
		backoff := schedulerRetryBase
		retry := func(what string, err error) bool {
			logger.Warnw("meeting scheduler "+what+" failed, retrying",
				logger.FieldMeetingID, meetingID.String(),
				logger.FieldError, err,
			)
			if !sleepCtx(ctx, backoff) {
				return false
			}
			backoff = nextBackoff(backoff)
			return true
		}

		for {
			if ctx.Err() != nil {
				return nil
			}
			m, err := e.meetings.ByID(ctx, e.pool, meetingID)
			if err != nil {
				if retry("reload", err) {
					continue
				}
				return nil
			}
			if m.Status != store.MeetingActive {
				return nil
			}
			if m.CurrentSpeakerID == nil {
				// CHECK 约束下不可达, 防御性重载
				if !sleepCtx(ctx, schedulerRetryBase) {
					return nil
				}
				continue
			}
			speaker := *m.CurrentSpeakerID
			backoff = schedulerRetryBase

			// 剩余回合时间以 turn_started_at 为准
			wait := m.TurnDuration()
			if m.TurnStartedAt != nil {
				wait -= time.Since(*m.TurnStartedAt)
			}
			if wait <= 0 {
				if err := e.rotate(ctx, meetingID, true, speaker); err != nil {
					if retry("rotate", err) {
						continue
					}
					return nil
				}
				continue
			}

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-yield:
				timer.Stop()
				if err := e.rotate(ctx, meetingID, false, speaker); err != nil {
					// 信号放回, 重试轮转而不是吞掉让出
					select {
					case yield <- struct{}{}:
					default:
					}
					if retry("rotate", err) {
						continue
					}
					return nil
				}
			case <-timer.C:
				if err := e.rotate(ctx, meetingID, true, speaker); err != nil {
					if retry("rotate", err) {
						continue
					}
					return nil
				}
			}
		}
	})
	if err != nil && ctx.Err() == nil {
		logger.Errorw("meeting scheduler exited with error",
			logger.FieldMeetingID, meetingID.String(),
			logger.FieldError, err,
		)
	}
}
