package coord

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MeetingFacade 回合制会议。
type MeetingFacade struct {
	c *Coordinator
}

// Create 创建会议。turnDuration 为 0 时取配置默认值。
func (f *MeetingFacade) Create(ctx context.Context, hostExt string, turnDuration time.Duration) (*Meeting, error) {
	if turnDuration == 0 {
		turnDuration = f.c.cfg.DefaultTurnDuration()
	}
	return f.c.meetings.Create(ctx, hostExt, turnDuration)
}

// Invite 邀请 Agent 入会。
func (f *MeetingFacade) Invite(ctx context.Context, meetingID uuid.UUID, agentExt string) error {
	return f.c.meetings.Invite(ctx, meetingID, agentExt)
}

// Join 受邀者入会。
func (f *MeetingFacade) Join(ctx context.Context, meetingID uuid.UUID, agentExt string) error {
	return f.c.meetings.Join(ctx, meetingID, agentExt)
}

// Start 主持人启动会议并确定首位发言者。
func (f *MeetingFacade) Start(ctx context.Context, meetingID uuid.UUID, hostExt string) error {
	return f.c.meetings.Start(ctx, meetingID, hostExt)
}

// Send 当前发言者向会议发言。非发言者 → ErrNotYourTurn。
func (f *MeetingFacade) Send(ctx context.Context, senderExt string, meetingID uuid.UUID, content, metadata map[string]any) (*Message, error) {
	return f.c.meetings.Send(ctx, senderExt, meetingID, content, metadata)
}

// Receive 阻塞等待下一条会议消息。timeout 为 0 时取配置默认值;
// 会议结束时以 ErrMeetingEnded 失败。
func (f *MeetingFacade) Receive(ctx context.Context, meetingID uuid.UUID, agentExt string, timeout time.Duration) (map[string]any, error) {
	if timeout == 0 {
		timeout = f.c.cfg.DefaultSyncTimeout()
	}
	return f.c.meetings.Receive(ctx, meetingID, agentExt, timeout)
}

// YieldTurn 当前发言者让出发言权。
func (f *MeetingFacade) YieldTurn(ctx context.Context, meetingID uuid.UUID, agentExt string) error {
	return f.c.meetings.YieldTurn(ctx, meetingID, agentExt)
}

// Leave 参会者离会; 发言者离会立即轮转。
func (f *MeetingFacade) Leave(ctx context.Context, meetingID uuid.UUID, agentExt string) error {
	return f.c.meetings.Leave(ctx, meetingID, agentExt)
}

// End 主持人结束会议, 取消所有会议内等待者。
func (f *MeetingFacade) End(ctx context.Context, meetingID uuid.UUID, hostExt string) error {
	return f.c.meetings.End(ctx, meetingID, hostExt)
}

// Get 查询会议。
func (f *MeetingFacade) Get(ctx context.Context, meetingID uuid.UUID) (*Meeting, error) {
	return f.c.meetings.Get(ctx, meetingID)
}

// Participants 查询参会者列表。
func (f *MeetingFacade) Participants(ctx context.Context, meetingID uuid.UUID) ([]MeetingParticipant, error) {
	return f.c.meetings.Participants(ctx, meetingID)
}

// History 会议消息历史。
func (f *MeetingFacade) History(ctx context.Context, meetingID uuid.UUID, filter MessageFilter) ([]Message, error) {
	return f.c.meetings.History(ctx, meetingID, filter)
}

// Events 会议事件审计序列。
func (f *MeetingFacade) Events(ctx context.Context, meetingID uuid.UUID) ([]MeetingEvent, error) {
	return f.c.meetings.Events(ctx, meetingID)
}
