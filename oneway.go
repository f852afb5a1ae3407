package coord

import (
	"context"

	"github.com/google/uuid"
)

// OneWayFacade 单向广播: 发送方不观察 handler 结果。
type OneWayFacade struct {
	c *Coordinator
}

// Send 向每个接收方各落库一条单向消息 (独立事务) 并异步分发
// one_way handler。未注册 one_way handler → ErrNoHandler。
func (f *OneWayFacade) Send(ctx context.Context, senderExt string, recipientExts []string, content, metadata map[string]any) ([]uuid.UUID, error) {
	return f.c.sessions.OneWaySend(ctx, senderExt, recipientExts, content, metadata)
}

// Unread 拉取并消费某 Agent 的全部未读消息。
func (f *OneWayFacade) Unread(ctx context.Context, agentExt string, filter MessageFilter) ([]Message, error) {
	return f.c.sessions.UnreadMessages(ctx, agentExt, filter)
}
