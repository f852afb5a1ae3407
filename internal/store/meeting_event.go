// meeting_event.go — 会议事件审计日志 (表 meeting_events, 只追加)。
//
// 事件与对应状态变更在同一事务内落库; handler 分发在提交后进行。
package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/go-coord/internal/database"
)

// MeetingEventStore 会议事件存储。
type MeetingEventStore struct{ BaseStore }

// NewMeetingEventStore 创建会议事件存储。
func NewMeetingEventStore(pool *pgxpool.Pool) *MeetingEventStore {
	return &MeetingEventStore{NewBaseStore(pool)}
}

const eventCols = `id, meeting_id, event_type, agent_id, data, created_at`

// Append 追加一条会议事件。
func (s *MeetingEventStore) Append(ctx context.Context, db database.DB, meetingID uuid.UUID, eventType string, agentID *uuid.UUID, data map[string]any) (*MeetingEvent, error) {
	const op = "MeetingEvent.Append"
	if data == nil {
		data = map[string]any{}
	}
	rows, err := db.Query(ctx,
		`INSERT INTO meeting_events (meeting_id, event_type, agent_id, data)
		 VALUES ($1, $2, $3, $4::jsonb)
		 RETURNING `+eventCols,
		meetingID, eventType, agentID, mustJSON(data))
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "insert event")
	}
	ev, err := collectOne[MeetingEvent](rows)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "scan event")
	}
	return ev, nil
}

// ByMeeting 返回会议事件序列 (created_at ASC)。
func (s *MeetingEventStore) ByMeeting(ctx context.Context, db database.DB, meetingID uuid.UUID) ([]MeetingEvent, error) {
	const op = "MeetingEvent.ByMeeting"
	rows, err := db.Query(ctx,
		"SELECT "+eventCols+` FROM meeting_events
		 WHERE meeting_id = $1 ORDER BY created_at ASC`,
		meetingID)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "select events")
	}
	evs, err := collectRows[MeetingEvent](rows)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "scan events")
	}
	return evs, nil
}
