// meeting.go — 会议与参会者行操作 (表 meetings, meeting_participants)。
package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/multi-agent/go-coord/internal/database"
	apperrors "github.com/multi-agent/go-coord/pkg/errors"
)

// MeetingStore 会议存储。
type MeetingStore struct{ BaseStore }

// NewMeetingStore 创建会议存储。
func NewMeetingStore(pool *pgxpool.Pool) *MeetingStore { return &MeetingStore{NewBaseStore(pool)} }

const meetingCols = `id, host_id, status, current_speaker_id, turn_duration_sec,
	turn_started_at, created_at, updated_at, ended_at`
const participantCols = `meeting_id, agent_id, status, join_order, is_locked, joined_at, left_at`

// Create 创建会议并把主持人登记为 join_order=0 的参会者。
func (s *MeetingStore) Create(ctx context.Context, db database.DB, hostID uuid.UUID, turnDurationSec int) (*Meeting, error) {
	const op = "Meeting.Create"
	rows, err := db.Query(ctx,
		`INSERT INTO meetings (host_id, turn_duration_sec)
		 VALUES ($1, $2)
		 RETURNING `+meetingCols,
		hostID, turnDurationSec)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "insert meeting")
	}
	m, err := collectOne[Meeting](rows)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "scan meeting")
	}
	if _, err := db.Exec(ctx,
		`INSERT INTO meeting_participants (meeting_id, agent_id, status, join_order)
		 VALUES ($1, $2, $3, 0)`,
		m.ID, hostID, ParticipantInvited); err != nil {
		return nil, database.WrapStoreErr(err, op, "insert host participant")
	}
	return m, nil
}

// ByID 按 id 查询会议。缺失 → ErrNotFound。
func (s *MeetingStore) ByID(ctx context.Context, db database.DB, id uuid.UUID) (*Meeting, error) {
	const op = "Meeting.ByID"
	rows, err := db.Query(ctx, "SELECT "+meetingCols+" FROM meetings WHERE id = $1", id)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "select meeting")
	}
	m, err := collectOne[Meeting](rows)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "scan meeting")
	}
	if m == nil {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, op, "meeting %s", id)
	}
	return m, nil
}

// SetStatus 推进会议生命周期状态。
func (s *MeetingStore) SetStatus(ctx context.Context, db database.DB, id uuid.UUID, status string) error {
	const op = "Meeting.SetStatus"
	sql := `UPDATE meetings SET status = $1, updated_at = NOW()`
	if status == MeetingEnded {
		sql += `, ended_at = NOW(), current_speaker_id = NULL, turn_started_at = NULL`
	}
	sql += ` WHERE id = $2`
	if _, err := db.Exec(ctx, sql, status, id); err != nil {
		return database.WrapStoreErr(err, op, "update status")
	}
	return nil
}

// Activate 置 active 并设首位发言者。CHECK 约束要求 status 与
// current_speaker_id 在同一语句内同变，不能分两步更新。
func (s *MeetingStore) Activate(ctx context.Context, db database.DB, meetingID, speakerID uuid.UUID) error {
	const op = "Meeting.Activate"
	if _, err := db.Exec(ctx,
		`UPDATE meetings
		 SET status = $1, current_speaker_id = $2, turn_started_at = NOW(), updated_at = NOW()
		 WHERE id = $3`,
		MeetingActive, speakerID, meetingID); err != nil {
		return database.WrapStoreErr(err, op, "activate meeting")
	}
	return nil
}

// SetSpeaker 原子切换发言者: 旧发言者回 attending，新发言者置 speaking，
// 同步 meetings.current_speaker_id 与 turn_started_at。须在事务内调用。
func (s *MeetingStore) SetSpeaker(ctx context.Context, db database.DB, meetingID uuid.UUID, speakerID uuid.UUID) error {
	const op = "Meeting.SetSpeaker"
	if _, err := db.Exec(ctx,
		`UPDATE meeting_participants SET status = $1
		 WHERE meeting_id = $2 AND status = $3`,
		ParticipantAttending, meetingID, ParticipantSpeaking); err != nil {
		return database.WrapStoreErr(err, op, "demote previous speaker")
	}
	if _, err := db.Exec(ctx,
		`UPDATE meeting_participants SET status = $1
		 WHERE meeting_id = $2 AND agent_id = $3`,
		ParticipantSpeaking, meetingID, speakerID); err != nil {
		return database.WrapStoreErr(err, op, "promote speaker")
	}
	if _, err := db.Exec(ctx,
		`UPDATE meetings SET current_speaker_id = $1, turn_started_at = NOW(), updated_at = NOW()
		 WHERE id = $2`,
		speakerID, meetingID); err != nil {
		return database.WrapStoreErr(err, op, "update current speaker")
	}
	return nil
}

// AddParticipant 追加参会者，join_order 取当前最大值 +1。
func (s *MeetingStore) AddParticipant(ctx context.Context, db database.DB, meetingID, agentID uuid.UUID) (*MeetingParticipant, error) {
	const op = "Meeting.AddParticipant"
	rows, err := db.Query(ctx,
		`INSERT INTO meeting_participants (meeting_id, agent_id, status, join_order)
		 SELECT $1, $2, $3, COALESCE(MAX(join_order), -1) + 1
		 FROM meeting_participants WHERE meeting_id = $1
		 RETURNING `+participantCols,
		meetingID, agentID, ParticipantInvited)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, apperrors.Wrapf(apperrors.ErrConflict, op, "agent already invited")
		}
		return nil, database.WrapStoreErr(err, op, "insert participant")
	}
	p, err := collectOne[MeetingParticipant](rows)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "scan participant")
	}
	return p, nil
}

// Participant 查询单个参会者。缺失 → ErrNotFound。
func (s *MeetingStore) Participant(ctx context.Context, db database.DB, meetingID, agentID uuid.UUID) (*MeetingParticipant, error) {
	const op = "Meeting.Participant"
	rows, err := db.Query(ctx,
		"SELECT "+participantCols+` FROM meeting_participants
		 WHERE meeting_id = $1 AND agent_id = $2`,
		meetingID, agentID)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "select participant")
	}
	p, err := collectOne[MeetingParticipant](rows)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "scan participant")
	}
	if p == nil {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, op, "agent %s not in meeting %s", agentID, meetingID)
	}
	return p, nil
}

// Participants 返回会议全部参会者 (join_order ASC)。
func (s *MeetingStore) Participants(ctx context.Context, db database.DB, meetingID uuid.UUID) ([]MeetingParticipant, error) {
	const op = "Meeting.Participants"
	rows, err := db.Query(ctx,
		"SELECT "+participantCols+` FROM meeting_participants
		 WHERE meeting_id = $1 ORDER BY join_order ASC`,
		meetingID)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "select participants")
	}
	ps, err := collectRows[MeetingParticipant](rows)
	if err != nil {
		return nil, database.WrapStoreErr(err, op, "scan participants")
	}
	return ps, nil
}

// SetParticipantStatus 更新参会者状态，按需落 joined_at / left_at。
func (s *MeetingStore) SetParticipantStatus(ctx context.Context, db database.DB, meetingID, agentID uuid.UUID, status string) error {
	const op = "Meeting.SetParticipantStatus"
	sql := `UPDATE meeting_participants SET status = $1`
	switch status {
	case ParticipantAttending:
		sql += `, joined_at = COALESCE(joined_at, NOW())`
	case ParticipantLeft:
		sql += `, left_at = NOW()`
	}
	sql += ` WHERE meeting_id = $2 AND agent_id = $3`
	if _, err := db.Exec(ctx, sql, status, meetingID, agentID); err != nil {
		return database.WrapStoreErr(err, op, "update participant status")
	}
	return nil
}
