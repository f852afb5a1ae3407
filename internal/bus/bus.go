// Package bus 提供进程内事件总线。
//
// 协调事件 (消息落库、会话/会议生命周期) 发布到总线，
// 供 WebSocket 推流与监控订阅。投递是尽力而为: 通道满即丢弃，
// 真实状态以数据库为准。
package bus

import (
	"encoding/json"
	"sync"
	"time"
)

// Event 总线事件。
type Event struct {
	Topic     string          `json:"topic"`   // agent.{id} / session.{id} / meeting.{id}
	Type      string          `json:"type"`    // 事件类型常量
	Payload   json.RawMessage `json:"payload"` // 具体数据
	Timestamp time.Time       `json:"timestamp"`
	Seq       int64           `json:"seq"` // 全局序列号
}

// 事件类型常量。
const (
	// --- 消息投递 ---

	// EvMessageStored 消息落库。
	EvMessageStored = "message.stored"
	// EvMessageRead 消息被消费 (read_at 落库)。
	EvMessageRead = "message.read"
	// EvReplyDelivered 同步回复投递给等待方。
	EvReplyDelivered = "reply.delivered"

	// --- 会话生命周期 ---

	// EvSessionCreated 会话创建。
	EvSessionCreated = "session.created"
	// EvSessionLocked 会话咨询锁被持有。
	EvSessionLocked = "session.locked"
	// EvSessionUnlocked 会话咨询锁释放。
	EvSessionUnlocked = "session.unlocked"
	// EvSessionEnded 会话终结。
	EvSessionEnded = "session.ended"

	// --- 会议生命周期 ---

	// EvMeetingCreated 会议创建。
	EvMeetingCreated = "meeting.created"
	// EvMeetingStarted 会议开始。
	EvMeetingStarted = "meeting.started"
	// EvMeetingEnded 会议结束。
	EvMeetingEnded = "meeting.ended"
	// EvTurnChanged 发言者轮换。
	EvTurnChanged = "meeting.turn_changed"
	// EvTurnTimeout 发言超时轮换。
	EvTurnTimeout = "meeting.turn_timeout"
	// EvParticipantJoined 参会者加入。
	EvParticipantJoined = "meeting.participant_joined"
	// EvParticipantLeft 参会者离开。
	EvParticipantLeft = "meeting.participant_left"
)

// Topic 模式常量。
const (
	// TopicAgentPrefix Agent 事件前缀: agent.{external_id}。
	TopicAgentPrefix = "agent."
	// TopicSessionPrefix 会话事件前缀: session.{id}。
	TopicSessionPrefix = "session."
	// TopicMeetingPrefix 会议事件前缀: meeting.{id}。
	TopicMeetingPrefix = "meeting."

	// TopicAll 广播 (所有订阅者收到)。
	TopicAll = "*"
)

// Subscriber 订阅者。
type Subscriber struct {
	ID     string     // 唯一标识
	Filter string     // topic 前缀过滤 ("agent.researcher" / "*" / "meeting.{id}")
	Ch     chan Event // 事件通道
}

// Bus 进程内事件总线。
//
// 支持 topic 前缀匹配和广播:
//   - 订阅 "meeting.X" → 收到 meeting.X 下所有事件
//   - 订阅 "*" → 收到所有事件
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber // key = subscriber ID
	seq         int64
}

// New 创建事件总线。
func New() *Bus {
	return &Bus{subscribers: make(map[string]*Subscriber)}
}

// Publish 发布事件到匹配的订阅者。
//
// seq 递增和 fan-out 在同一把锁下执行, 保证事件到达顺序与 seq 一致。
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev.Seq = b.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	for _, sub := range b.subscribers {
		if matchTopic(sub.Filter, ev.Topic) {
			select {
			case sub.Ch <- ev:
			default:
				// 通道满, 丢弃 (避免阻塞发布者)
			}
		}
	}
}

// PublishJSON 把 payload 序列化后发布。序列化失败发空负载。
func (b *Bus) PublishJSON(topic, evType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	b.Publish(Event{Topic: topic, Type: evType, Payload: raw})
}

// Subscribe 订阅事件。filter 为 topic 前缀 ("agent.researcher" / "*")。
func (b *Bus) Subscribe(id, filter string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:     id,
		Filter: filter,
		Ch:     make(chan Event, 64),
	}
	b.subscribers[id] = sub
	return sub
}

// Unsubscribe 取消订阅并关闭通道。
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount 返回当前订阅者数量。
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Seq 返回当前序列号。
func (b *Bus) Seq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// matchTopic 检查 topic 是否匹配 filter。
//
// 规则:
//   - filter "*" 匹配所有 topic
//   - filter "meeting.X" 匹配 "meeting.X" 及其子 topic
func matchTopic(filter, topic string) bool {
	if filter == TopicAll {
		return true
	}
	if topic == filter {
		return true
	}
	// 前缀匹配: filter="agent.researcher" 匹配 topic="agent.researcher.inbox"
	if len(topic) > len(filter) && topic[:len(filter)] == filter && topic[len(filter)] == '.' {
		return true
	}
	return false
}
