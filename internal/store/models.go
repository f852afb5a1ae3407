// Package store 提供所有数据库模型结构体与各实体的 CRUD。
//
// Go struct 的 db tag 直接对应 PostgreSQL 列名，
// 行扫描统一走 pgx.RowToStructByName。
package store

import (
	"time"

	"github.com/google/uuid"
)

// ========================================
// 状态/类型常量
// ========================================

// 会话状态。
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

// 会议状态。
const (
	MeetingCreated = "created"
	MeetingReady   = "ready"
	MeetingActive  = "active"
	MeetingEnded   = "ended"
)

// 参会者状态。
const (
	ParticipantInvited   = "invited"
	ParticipantAttending = "attending"
	ParticipantWaiting   = "waiting"
	ParticipantSpeaking  = "speaking"
	ParticipantLeft      = "left"
)

// 消息类型。
const (
	MessageUserDefined = "user_defined"
	MessageSystem      = "system"
	MessageTimeout     = "timeout"
	MessageEnding      = "ending"
)

// 会议事件类型。
const (
	EventMeetingStarted    = "meeting_started"
	EventTurnChanged       = "turn_changed"
	EventMeetingEnded      = "meeting_ended"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventTurnTimeout       = "turn_timeout"
)

// ========================================
// 模型
// ========================================

// Organization 组织。external_id 全局唯一，创建后不再变更。
type Organization struct {
	ID         uuid.UUID `db:"id" json:"id"`
	ExternalID string    `db:"external_id" json:"external_id"`
	Name       string    `db:"name" json:"name"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Agent 代理。external_id 跨组织全局唯一，恰属一个组织。
type Agent struct {
	ID             uuid.UUID `db:"id" json:"id"`
	ExternalID     string    `db:"external_id" json:"external_id"`
	OrganizationID uuid.UUID `db:"organization_id" json:"organization_id"`
	Name           string    `db:"name" json:"name"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Session 两个 Agent 间的会话。
// agent_a_id < agent_b_id 规范序; locked_agent_id 非空表示该 Agent
// 正挂起等待响应，期间同会话不允许再发起同步等待。
type Session struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	AgentAID      uuid.UUID  `db:"agent_a_id" json:"agent_a_id"`
	AgentBID      uuid.UUID  `db:"agent_b_id" json:"agent_b_id"`
	Status        string     `db:"status" json:"status"`
	LockedAgentID *uuid.UUID `db:"locked_agent_id" json:"locked_agent_id"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
	EndedAt       *time.Time `db:"ended_at" json:"ended_at"`
}

// Other 返回会话中给定 Agent 的对端。
func (s *Session) Other(agentID uuid.UUID) uuid.UUID {
	if s.AgentAID == agentID {
		return s.AgentBID
	}
	return s.AgentAID
}

// HasParticipant 判定 agentID 是否为会话参与者。
func (s *Session) HasParticipant(agentID uuid.UUID) bool {
	return s.AgentAID == agentID || s.AgentBID == agentID
}

// Meeting 多 Agent 会议。current_speaker_id 非空 iff status = active。
type Meeting struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	HostID           uuid.UUID  `db:"host_id" json:"host_id"`
	Status           string     `db:"status" json:"status"`
	CurrentSpeakerID *uuid.UUID `db:"current_speaker_id" json:"current_speaker_id"`
	TurnDurationSec  int        `db:"turn_duration_sec" json:"turn_duration_sec"`
	TurnStartedAt    *time.Time `db:"turn_started_at" json:"turn_started_at"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
	EndedAt          *time.Time `db:"ended_at" json:"ended_at"`
}

// TurnDuration 发言时长。
func (m *Meeting) TurnDuration() time.Duration {
	return time.Duration(m.TurnDurationSec) * time.Second
}

// MeetingParticipant 参会者。join_order 为加入次序 (0 起)，定义默认轮转顺序。
type MeetingParticipant struct {
	MeetingID uuid.UUID  `db:"meeting_id" json:"meeting_id"`
	AgentID   uuid.UUID  `db:"agent_id" json:"agent_id"`
	Status    string     `db:"status" json:"status"`
	JoinOrder int        `db:"join_order" json:"join_order"`
	IsLocked  bool       `db:"is_locked" json:"is_locked"`
	JoinedAt  *time.Time `db:"joined_at" json:"joined_at"`
	LeftAt    *time.Time `db:"left_at" json:"left_at"`
}

// Message 消息。recipient_id 与 meeting_id 恰设其一:
// 会话消息二者中 recipient_id + session_id 同设; 单向消息仅 recipient_id;
// 会议消息仅 meeting_id。read_at 在首次投递给消费方时设置。
type Message struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	SenderID    uuid.UUID      `db:"sender_id" json:"sender_id"`
	RecipientID *uuid.UUID     `db:"recipient_id" json:"recipient_id"`
	SessionID   *uuid.UUID     `db:"session_id" json:"session_id"`
	MeetingID   *uuid.UUID     `db:"meeting_id" json:"meeting_id"`
	MessageType string         `db:"message_type" json:"message_type"`
	Content     map[string]any `db:"content" json:"content"`
	Metadata    map[string]any `db:"metadata" json:"metadata"`
	ReadAt      *time.Time     `db:"read_at" json:"read_at"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
}

// MeetingEvent 会议事件 — 只追加的审计日志。
type MeetingEvent struct {
	ID        uuid.UUID      `db:"id" json:"id"`
	MeetingID uuid.UUID      `db:"meeting_id" json:"meeting_id"`
	EventType string         `db:"event_type" json:"event_type"`
	AgentID   *uuid.UUID     `db:"agent_id" json:"agent_id"`
	Data      map[string]any `db:"data" json:"data"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}
