// message.go — 消息读写 (表 messages)。
//
// 三种形态共用一张表:
//   - 单向消息:   recipient_id 设置, session_id/meeting_id 为空
//   - 会话消息:   recipient_id + session_id 同设
//   - 会议消息:   仅 meeting_id 设置
package store

import (
	"context"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/go-coord/internal/database"
	apperrors "github.com/multi-agent/go-coord/pkg/errors"
	"github.com/multi-agent/go-coord/pkg/util"
)

// MessageStore 消息存储。
type MessageStore struct{ BaseStore }

// NewMessageStore 创建消息存储。
func NewMessageStore(pool *pgxpool.Pool) *MessageStore { return &MessageStore{NewBaseStore(pool)} }

const messageCols = `id, sender_id, recipient_id, session_id, meeting_id,
	message_type, content, metadata, read_at, created_at`

// NewMessage 插入参数。
type NewMessage struct {
	SenderID    uuid.UUID
	RecipientID *uuid.UUID
	SessionID   *uuid.UUID
	MeetingID   *uuid.UUID
	MessageType string // 空值落 user_defined
	Content     map[string]any
	Metadata    map[string]any
	MarkRead    bool // 已同步投递给消费方时直接落 read_at
}

// MessageFilter 拉取过滤条件。
type MessageFilter struct {
	MessageType string         // 空值不过滤
	Metadata    map[string]any // JSONB 包含匹配 (@>)
	Search      string         // 内容子串匹配 (ILIKE, 仅历史查询), 空值不过滤
	Limit       int            // 0 → 默认 500
}

// searchPattern 把用户输入转成安全的 ILIKE 模式。
func searchPattern(s string) string {
	return "%" + util.EscapeLike(s) + "%"
}

// Insert 持久化一条消息。
func (s *MessageStore) Insert(ctx context.Context, db database.DB, m *NewMessage) (*Message, error) {
	const op = "Message.Insert"
	if (m.RecipientID == nil) == (m.MeetingID == nil) {
		return nil, apperrors.Invalid(op, "exactly one of recipient_id and meeting_id must be set")
	}
	msgType := m.MessageType
	if msgType == "" {
		msgType = MessageUserDefined
	}

	readExpr := "NULL"
	if m.MarkRead {
		readExpr = "NOW()"
	}
	rows, err := db.Query(ctx,
		`INSERT INTO messages (sender_id, recipient_id, session_id, meeting_id,
		   message_type, content, metadata, read_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, `+readExpr+`)
		 RETURNING `+messageCols,
		m.SenderID, m.RecipientID, m.SessionID, m.MeetingID,
		msgType, jsonArg(m.Content), jsonArg(m.Metadata))
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "insert message")
	}
	msg, err := collectOne[Message](rows)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "scan message")
	}
	return msg, nil
}

// MarkRead 设置 read_at (首次投递给消费方)。幂等: 已读行不再更新。
func (s *MessageStore) MarkRead(ctx context.Context, db database.DB, id uuid.UUID) error {
	const op = "Message.MarkRead"
	_, err := db.Exec(ctx,
		`UPDATE messages SET read_at = NOW() WHERE id = $1 AND read_at IS NULL`, id)
	if err != nil {
		return database.WrapStoreErr(err, op, "mark read")
	}
	return nil
}

// ConsumeUnread 返回某 Agent 的全部未读消息 (created_at ASC)，
// 并在同一语句内落 read_at — 两次连续调用，第二次必为空。
func (s *MessageStore) ConsumeUnread(ctx context.Context, db database.DB, recipientID uuid.UUID, f MessageFilter) ([]Message, error) {
	const op = "Message.ConsumeUnread"
	sql := `UPDATE messages SET read_at = NOW()
		 WHERE id IN (
		   SELECT id FROM messages
		   WHERE recipient_id = $1 AND read_at IS NULL`
	params := []any{recipientID}
	n := 1
	if f.MessageType != "" {
		n++
		sql += ` AND message_type = $` + strconv.Itoa(n)
		params = append(params, f.MessageType)
	}
	if f.Metadata != nil {
		n++
		sql += ` AND metadata @> $` + strconv.Itoa(n) + `::jsonb`
		params = append(params, jsonArg(f.Metadata))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	n++
	sql += ` ORDER BY created_at ASC LIMIT $` + strconv.Itoa(n) + `
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING ` + messageCols
	params = append(params, limit)

	rows, err := db.Query(ctx, sql, params...)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "consume unread")
	}
	msgs, err := collectRows[Message](rows)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "scan unread")
	}
	// UPDATE...RETURNING 不保证顺序，按 created_at 重排
	sortByCreatedAt(msgs)
	return msgs, nil
}

// BySession 返回会话完整历史 (created_at ASC)，只读不落 read_at。
func (s *MessageStore) BySession(ctx context.Context, db database.DB, sessionID uuid.UUID, f MessageFilter) ([]Message, error) {
	const op = "Message.BySession"
	sql := "SELECT " + messageCols + ` FROM messages WHERE session_id = $1`
	params := []any{sessionID}
	n := 1
	if f.MessageType != "" {
		n++
		sql += ` AND message_type = $` + strconv.Itoa(n)
		params = append(params, f.MessageType)
	}
	if f.Metadata != nil {
		n++
		sql += ` AND metadata @> $` + strconv.Itoa(n) + `::jsonb`
		params = append(params, jsonArg(f.Metadata))
	}
	if f.Search != "" {
		n++
		sql += ` AND content::text ILIKE $` + strconv.Itoa(n)
		params = append(params, searchPattern(f.Search))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	n++
	sql += ` ORDER BY created_at ASC LIMIT $` + strconv.Itoa(n)
	params = append(params, limit)

	rows, err := db.Query(ctx, sql, params...)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "select session messages")
	}
	msgs, err := collectRows[Message](rows)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "scan session messages")
	}
	return msgs, nil
}

// ByMeeting 返回会议完整历史 (created_at ASC)。
func (s *MessageStore) ByMeeting(ctx context.Context, db database.DB, meetingID uuid.UUID, f MessageFilter) ([]Message, error) {
	const op = "Message.ByMeeting"
	sql := "SELECT " + messageCols + ` FROM messages WHERE meeting_id = $1`
	params := []any{meetingID}
	n := 1
	if f.MessageType != "" {
		n++
		sql += ` AND message_type = $` + strconv.Itoa(n)
		params = append(params, f.MessageType)
	}
	if f.Search != "" {
		n++
		sql += ` AND content::text ILIKE $` + strconv.Itoa(n)
		params = append(params, searchPattern(f.Search))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	n++
	sql += ` ORDER BY created_at ASC LIMIT $` + strconv.Itoa(n)
	params = append(params, limit)

	rows, err := db.Query(ctx, sql, params...)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "select meeting messages")
	}
	msgs, err := collectRows[Message](rows)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "scan meeting messages")
	}
	return msgs, nil
}

// FirstUnreadReply 查找会话中从 from → to 的最早未读回复并落 read_at。
// 同步等待方用它探测与 send_no_wait 并发到达的回复，无则返回 nil。
func (s *MessageStore) FirstUnreadReply(ctx context.Context, db database.DB, sessionID, fromID, toID uuid.UUID) (*Message, error) {
	const op = "Message.FirstUnreadReply"
	rows, err := db.Query(ctx,
		`UPDATE messages SET read_at = NOW()
		 WHERE id = (
		   SELECT id FROM messages
		   WHERE session_id = $1 AND sender_id = $2 AND recipient_id = $3 AND read_at IS NULL
		   ORDER BY created_at ASC LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+messageCols,
		sessionID, fromID, toID)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "probe reply")
	}
	msg, err := collectOne[Message](rows)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "scan reply")
	}
	return msg, nil
}

// sortByCreatedAt 按 created_at 升序原地排序。
func sortByCreatedAt(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
