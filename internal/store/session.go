// session.go — 会话行操作 (表 sessions)。
//
// 写路径可运行在池、事务或固定连接上 (database.DB)，
// locked_agent_id 的设置/清除只由 session 引擎的同步发送路径调用。
package store

import (
	"bytes"
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/go-coord/internal/database"
	apperrors "github.com/multi-agent/go-coord/pkg/errors"
)

// SessionStore 会话存储。
type SessionStore struct{ BaseStore }

// NewSessionStore 创建会话存储。
func NewSessionStore(pool *pgxpool.Pool) *SessionStore { return &SessionStore{NewBaseStore(pool)} }

const sessionCols = `id, agent_a_id, agent_b_id, status, locked_agent_id, created_at, updated_at, ended_at`

// CanonicalPair 将无序对规范化为 (min, max)，与数据库的 UUID 字节序一致。
// (x,y) 与 (y,x) 解析到同一会话行。
func CanonicalPair(x, y uuid.UUID) (uuid.UUID, uuid.UUID) {
	if bytes.Compare(x[:], y[:]) < 0 {
		return x, y
	}
	return y, x
}

// ResolveOrCreate 取出这对 Agent 的唯一 active 会话，不存在则插入。
// 在消息发送操作的事务内调用。
func (s *SessionStore) ResolveOrCreate(ctx context.Context, db database.DB, x, y uuid.UUID) (*Session, error) {
	const op = "Session.ResolveOrCreate"
	if x == y {
		return nil, apperrors.Invalid(op, "cannot open a session with self")
	}
	a, b := CanonicalPair(x, y)

	rows, err := db.Query(ctx,
		"SELECT "+sessionCols+` FROM sessions
		 WHERE agent_a_id = $1 AND agent_b_id = $2 AND status = $3`,
		a, b, SessionActive)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "select session")
	}
	sess, err := collectOne[Session](rows)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "scan session")
	}
	if sess != nil {
		return sess, nil
	}

	rows, err = db.Query(ctx,
		`INSERT INTO sessions (agent_a_id, agent_b_id, status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (agent_a_id, agent_b_id) WHERE status = 'active' DO NOTHING
		 RETURNING `+sessionCols,
		a, b, SessionActive)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "insert session")
	}
	sess, err = collectOne[Session](rows)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "scan inserted session")
	}
	if sess != nil {
		return sess, nil
	}

	// 并发创建竞争: 对端先插入成功，回读其行
	rows, err = db.Query(ctx,
		"SELECT "+sessionCols+` FROM sessions
		 WHERE agent_a_id = $1 AND agent_b_id = $2 AND status = $3`,
		a, b, SessionActive)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "re-select session")
	}
	sess, err = collectOne[Session](rows)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "re-scan session")
	}
	if sess == nil {
		return nil, apperrors.New(op, "session vanished after conflict")
	}
	return sess, nil
}

// ByID 按 id 查询会话。缺失 → ErrNotFound。
func (s *SessionStore) ByID(ctx context.Context, db database.DB, id uuid.UUID) (*Session, error) {
	const op = "Session.ByID"
	rows, err := db.Query(ctx, "SELECT "+sessionCols+" FROM sessions WHERE id = $1", id)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "select session")
	}
	sess, err := collectOne[Session](rows)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "scan session")
	}
	if sess == nil {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, op, "session %s", id)
	}
	return sess, nil
}

// SetLockedAgent 记录同步等待者。只在会话 advisory lock 持有期间调用。
func (s *SessionStore) SetLockedAgent(ctx context.Context, db database.DB, sessionID, agentID uuid.UUID) error {
	const op = "Session.SetLockedAgent"
	_, err := db.Exec(ctx,
		`UPDATE sessions SET locked_agent_id = $1, updated_at = NOW() WHERE id = $2`,
		agentID, sessionID)
	if err != nil {
		return database.WrapStoreErr(err, op, "update locked_agent_id")
	}
	return nil
}

// ClearLockedAgent 清除同步等待标记。所有退出路径 (含错误/取消) 都必须调用。
func (s *SessionStore) ClearLockedAgent(ctx context.Context, db database.DB, sessionID uuid.UUID) error {
	const op = "Session.ClearLockedAgent"
	_, err := db.Exec(ctx,
		`UPDATE sessions SET locked_agent_id = NULL, updated_at = NOW() WHERE id = $1`,
		sessionID)
	if err != nil {
		return database.WrapStoreErr(err, op, "clear locked_agent_id")
	}
	return nil
}

// LockedAgent 读取当前 locked_agent_id (远端发送方的通知判定依据)。
func (s *SessionStore) LockedAgent(ctx context.Context, db database.DB, sessionID uuid.UUID) (*uuid.UUID, error) {
	const op = "Session.LockedAgent"
	var locked *uuid.UUID
	err := db.QueryRow(ctx, `SELECT locked_agent_id FROM sessions WHERE id = $1`, sessionID).Scan(&locked)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "select locked_agent_id")
	}
	return locked, nil
}

// End 将 active 会话置为 ended。返回受影响的会话，已结束/不存在 → nil。
func (s *SessionStore) End(ctx context.Context, db database.DB, sessionID uuid.UUID) (*Session, error) {
	const op = "Session.End"
	rows, err := db.Query(ctx,
		`UPDATE sessions
		 SET status = $1, ended_at = NOW(), locked_agent_id = NULL, updated_at = NOW()
		 WHERE id = $2 AND status = $3
		 RETURNING `+sessionCols,
		SessionEnded, sessionID, SessionActive)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "end session")
	}
	sess, err := collectOne[Session](rows)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "scan ended session")
	}
	return sess, nil
}

// ActiveByPair 查找一对 Agent 的 active 会话，缺失返回 nil。
func (s *SessionStore) ActiveByPair(ctx context.Context, db database.DB, x, y uuid.UUID) (*Session, error) {
	const op = "Session.ActiveByPair"
	a, b := CanonicalPair(x, y)
	rows, err := db.Query(ctx,
		"SELECT "+sessionCols+` FROM sessions
		 WHERE agent_a_id = $1 AND agent_b_id = $2 AND status = $3`,
		a, b, SessionActive)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "select session")
	}
	sess, err := collectOne[Session](rows)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "scan session")
	}
	return sess, nil
}
