// tx.go — 事务/独占连接作用域。
//
// WithTx: begin/commit/rollback 包裹，panic 时也回滚。
// WithConn: 固定单条连接执行 (advisory lock 的获取与释放必须同连接)。
package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/multi-agent/go-coord/pkg/errors"
)

// DB 是 pgxpool.Pool / pgxpool.Conn / pgx.Tx 的公共查询面。
// store 层方法接受 DB，使同一套查询既能跑在池上也能跑在事务/固定连接内。
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx 在单事务内执行 fn。fn 返回错误或 panic 时回滚，否则提交。
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return WrapStoreErr(err, "database.WithTx", "begin")
	}
	defer func() {
		// commit 成功后 Rollback 是 no-op (pgx 返回 ErrTxClosed)
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return WrapStoreErr(err, "database.WithTx", "commit")
	}
	return nil
}

// WithConn 从池中取出一条连接并固定给 fn，结束后归还。
func WithConn(ctx context.Context, pool *pgxpool.Pool, fn func(conn *pgxpool.Conn) error) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return WrapStoreErr(err, "database.WithConn", "acquire")
	}
	defer conn.Release()
	return fn(conn)
}

// ========================================
// 错误分类
// ========================================

// pgUniqueViolation 唯一约束 SQLSTATE。
const pgUniqueViolation = "23505"

// WrapStoreErr 将底层数据库错误归类到哨兵错误链:
//   - 唯一约束冲突 → ErrConflict
//   - 连接/拨号失败 → ErrStoreUnavailable
//   - 其余 → ErrStore
func WrapStoreErr(err error, op, message string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return &apperrors.AppError{Op: op, Code: "CONFLICT", Message: message,
			Err: errors.Join(apperrors.ErrConflict, err)}
	}
	if pgconn.SafeToRetry(err) || errors.Is(err, context.DeadlineExceeded) {
		return &apperrors.AppError{Op: op, Code: "STORE_UNAVAILABLE", Message: message,
			Err: errors.Join(apperrors.ErrStoreUnavailable, err)}
	}
	return &apperrors.AppError{Op: op, Code: "DB_ERROR", Message: message,
		Err: errors.Join(apperrors.ErrStore, err)}
}

// IsUniqueViolation 判定唯一约束冲突 (store 层做幂等注册时使用)。
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
