// Package errors 提供统一错误类型与哨兵错误。
//
// 两层错误体系:
//   - L1 哨兵错误: ErrNotFound / ErrConflict / ErrSessionBusy 等，调用方用 errors.Is 判定
//   - L2 AppError: 带 Op + Code + Message 的应用级错误
package errors

import (
	"errors"
	"fmt"
)

// ========================================
// L1 哨兵错误 (Sentinel Errors)
// ========================================

var (
	// ErrNotFound 引用的组织/Agent/会话/会议不存在
	ErrNotFound = errors.New("not found")

	// ErrConflict 唯一约束冲突 (重复创建)
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput 输入参数无效 (空 external_id、超时越界等)
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoHandler 所需 handler 类型未注册
	ErrNoHandler = errors.New("no handler registered")

	// ErrSessionBusy 会话 advisory lock 已被持有
	ErrSessionBusy = errors.New("session busy")

	// ErrSessionEnded 会话已结束，不可再操作
	ErrSessionEnded = errors.New("session ended")

	// ErrMeetingEnded 会议已结束，不可再操作
	ErrMeetingEnded = errors.New("meeting ended")

	// ErrNotYourTurn 非当前发言者尝试会议发言
	ErrNotYourTurn = errors.New("not your turn")

	// ErrTimeout 同步等待超时
	ErrTimeout = errors.New("timeout")

	// ErrSessionLockConflict 同一 Agent 在同一会话上重复等待
	ErrSessionLockConflict = errors.New("session lock conflict")

	// ErrShutdown 关闭期间有操作在途
	ErrShutdown = errors.New("shutting down")

	// ErrStoreUnavailable 数据库连接失败 (瞬态)
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrStore 其他数据库错误
	ErrStore = errors.New("store error")
)

// ========================================
// L2 AppError (应用级错误)
// ========================================

// AppError 应用级错误，带操作上下文。
type AppError struct {
	Op      string // 操作名，如 "Session.SendAndWait"
	Code    string // 错误码，如 "DB_ERROR"、"VALIDATION"
	Message string // 人类可读消息
	Err     error  // 原始错误
}

// Error 实现 error 接口。
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap 支持 errors.Is / errors.As 链式查找。
func (e *AppError) Unwrap() error {
	return e.Err
}

// ========================================
// 工厂函数
// ========================================

// New 创建无原因链的应用错误。
func New(op, message string) error {
	return &AppError{Op: op, Message: message}
}

// Newf 创建带格式化消息的应用错误。
func Newf(op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装错误并附加操作上下文。
func Wrap(err error, op string, message string) error {
	return &AppError{Op: op, Message: message, Err: err}
}

// Wrapf 用格式化消息包装错误。
func Wrapf(err error, op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// Invalid 创建挂在 ErrInvalidInput 链上的校验错误。
func Invalid(op, format string, args ...any) error {
	return &AppError{Op: op, Code: "VALIDATION", Message: fmt.Sprintf(format, args...), Err: ErrInvalidInput}
}

// Is 转发标准库 errors.Is (调用方无需双 import)。
func Is(err, target error) bool { return errors.Is(err, target) }

// As 转发标准库 errors.As。
func As(err error, target any) bool { return errors.As(err, target) }
