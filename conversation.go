package coord

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ConversationFacade 两个 Agent 间的会话: 同步等待与异步排队两条路径。
type ConversationFacade struct {
	c *Coordinator
}

// SendAndWait 发送并阻塞直到回复或超时。timeout 为 0 时取配置默认值。
func (f *ConversationFacade) SendAndWait(ctx context.Context, senderExt, recipientExt string, content map[string]any, timeout time.Duration, metadata map[string]any) (map[string]any, error) {
	if timeout == 0 {
		timeout = f.c.cfg.DefaultSyncTimeout()
	}
	return f.c.sessions.SendAndWait(ctx, senderExt, recipientExt, content, timeout, metadata)
}

// SendNoWait 异步发送: 落库即返回消息 id。
func (f *ConversationFacade) SendNoWait(ctx context.Context, senderExt, recipientExt string, content, metadata map[string]any) (uuid.UUID, error) {
	return f.c.sessions.SendNoWait(ctx, senderExt, recipientExt, content, metadata)
}

// Unread 拉取并消费某 Agent 的全部未读消息。
func (f *ConversationFacade) Unread(ctx context.Context, agentExt string, filter MessageFilter) ([]Message, error) {
	return f.c.sessions.UnreadMessages(ctx, agentExt, filter)
}

// History 返回会话完整历史 (只读)。
func (f *ConversationFacade) History(ctx context.Context, sessionID uuid.UUID, filter MessageFilter) ([]Message, error) {
	return f.c.sessions.SessionHistory(ctx, sessionID, filter)
}

// End 终结一对 Agent 的 active 会话; 其上阻塞的等待者以
// ErrSessionEnded 失败。
func (f *ConversationFacade) End(ctx context.Context, xExt, yExt string) error {
	return f.c.sessions.EndSession(ctx, xExt, yExt)
}
