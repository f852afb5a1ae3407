// advisory.go — PostgreSQL advisory lock 原语。
//
// advisory lock 属于会话 (连接) 级别: 获取与释放必须发生在同一条连接上，
// 否则锁会泄漏到连接被回收为止。因此两个操作都显式接受 *pgxpool.Conn。
package database

import (
	"context"
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/go-coord/pkg/logger"
)

// lockKeyMask 清除符号位，锁键落在 [0, 2^63) 区间。
const lockKeyMask = 0x7FFF_FFFF_FFFF_FFFF

// LockKey 从实体 UUID 推导 advisory lock 键:
// 前 8 字节按大端序解释为 64 位整数，再清除最高位。
// 会话锁与会议锁共用同一键空间，碰撞概率可忽略且锁是保守的。
func LockKey(id uuid.UUID) int64 {
	raw := binary.BigEndian.Uint64(id[:8])
	return int64(raw & lockKeyMask)
}

// TryAdvisoryLock 在 conn 上尝试获取锁，不阻塞。已被持有时返回 false。
func TryAdvisoryLock(ctx context.Context, conn *pgxpool.Conn, key int64) (bool, error) {
	var acquired bool
	err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired)
	if err != nil {
		return false, WrapStoreErr(err, "database.TryAdvisoryLock", "pg_try_advisory_lock")
	}
	return acquired, nil
}

// AdvisoryXactLock 在当前事务内获取锁 (阻塞直到可得)，事务结束自动释放。
// 用于把短临界区 (如会议轮转的读-算-写) 跨进程串行化。
func AdvisoryXactLock(ctx context.Context, db DB, key int64) error {
	if _, err := db.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
		return WrapStoreErr(err, "database.AdvisoryXactLock", "pg_advisory_xact_lock")
	}
	return nil
}

// AdvisoryUnlock 在 conn 上释放锁。必须与获取锁的连接相同。
func AdvisoryUnlock(ctx context.Context, conn *pgxpool.Conn, key int64) error {
	var released bool
	err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, key).Scan(&released)
	if err != nil {
		return WrapStoreErr(err, "database.AdvisoryUnlock", "pg_advisory_unlock")
	}
	if !released {
		// 本连接未持有该锁 — 记录但不升级为错误，调用方多在 defer 里释放
		logger.Warn("advisory unlock on non-held key", logger.FieldKey, key)
	}
	return nil
}
