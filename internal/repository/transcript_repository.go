package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"targetdialer/internal/domain"
)

// TranscriptRepository is the append-only segment store.
type TranscriptRepository struct {
	db *sqlx.DB
}

func NewTranscriptRepository(db *sqlx.DB) *TranscriptRepository {
	return &TranscriptRepository{db: db}
}

// InsertSegment writes seg once. Replays of an already stored id are ignored and
// inserted is false. When the meeting row exists, the same transaction sets its
// first_segment_at (once) and bumps segment_count; otherwise the segment waits as
// pending linkage and is adopted by the meeting insert.
func (r *TranscriptRepository) InsertSegment(ctx context.Context, seg *domain.TranscriptSegment) (bool, error) {
	seg.Normalize()

	inserted := false
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := lockMeeting(ctx, tx, seg.MeetingID); err != nil {
			return err
		}

		err := tx.QueryRowContext(ctx, `
            INSERT INTO transcript_segments (
                id, meeting_id, platform, session_uid, speaker, text,
                relative_start_time, relative_end_time, absolute_start_time, absolute_end_time, language
            ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
            ON CONFLICT (id) DO NOTHING
            RETURNING created_at`,
			seg.ID, seg.MeetingID, seg.Platform, seg.SessionUID, seg.Speaker, seg.Text,
			seg.RelativeStartTime, seg.RelativeEndTime, seg.AbsoluteStartTime, seg.AbsoluteEndTime, seg.Language,
		).Scan(&seg.CreatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to insert segment: %w", err)
		}
		inserted = true

		_, err = tx.ExecContext(ctx, `
            UPDATE meetings
            SET first_segment_at = COALESCE(first_segment_at, $2),
                segment_count = segment_count + 1
            WHERE external_meeting_id = $1`, seg.MeetingID, seg.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to update meeting segment stats: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// SetSpeaker is the only update path for a stored segment.
func (r *TranscriptRepository) SetSpeaker(ctx context.Context, id uuid.UUID, speaker string) (*domain.TranscriptSegment, error) {
	var seg domain.TranscriptSegment
	err := r.db.GetContext(ctx, &seg, `
        UPDATE transcript_segments SET speaker = $2 WHERE id = $1 RETURNING *`, id, speaker)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to set speaker: %w", err)
	}
	return &seg, nil
}

func (r *TranscriptRepository) GetSegment(ctx context.Context, id uuid.UUID) (*domain.TranscriptSegment, error) {
	var seg domain.TranscriptSegment
	err := r.db.GetContext(ctx, &seg, `SELECT * FROM transcript_segments WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get segment: %w", err)
	}
	return &seg, nil
}

// ListByMeeting returns a meeting's transcript in display order. Arrival order is irrelevant.
func (r *TranscriptRepository) ListByMeeting(ctx context.Context, meetingID string) ([]domain.TranscriptSegment, error) {
	var segs []domain.TranscriptSegment
	err := r.db.SelectContext(ctx, &segs, `
        SELECT * FROM transcript_segments
        WHERE meeting_id = $1
        ORDER BY absolute_start_time NULLS LAST, created_at, id`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	return segs, nil
}

type searchRow struct {
	domain.TranscriptSegment
	Rank float64 `db:"rank"`

	MID               *uuid.UUID `db:"m_id"`
	MPlatform         *string    `db:"m_platform"`
	MOwnerIdentityID  *string    `db:"m_owner_identity_id"`
	MCalendarEventID  *string    `db:"m_calendar_event_id"`
	MTitle            *string    `db:"m_title"`
	MScheduledStartAt *time.Time `db:"m_scheduled_start_at"`
	MBotJoinedAt      *time.Time `db:"m_bot_joined_at"`
	MFirstSegmentAt   *time.Time `db:"m_first_segment_at"`
	MMeetingEndedAt   *time.Time `db:"m_meeting_ended_at"`
	MStatus           *string    `db:"m_status"`
	MSegmentCount     *int       `db:"m_segment_count"`
	MArchivedAt       *time.Time `db:"m_archived_at"`
	MCreatedAt        *time.Time `db:"m_created_at"`
}

func (row *searchRow) result() domain.SegmentSearchResult {
	res := domain.SegmentSearchResult{TranscriptSegment: row.TranscriptSegment, Rank: row.Rank}
	if row.MID == nil {
		return res
	}
	m := &domain.Meeting{
		ID:                *row.MID,
		ExternalMeetingID: row.MeetingID,
		CalendarEventID:   row.MCalendarEventID,
		Title:             row.MTitle,
		ScheduledStartAt:  row.MScheduledStartAt,
		BotJoinedAt:       row.MBotJoinedAt,
		FirstSegmentAt:    row.MFirstSegmentAt,
		MeetingEndedAt:    row.MMeetingEndedAt,
		ArchivedAt:        row.MArchivedAt,
	}
	if row.MPlatform != nil {
		m.Platform = *row.MPlatform
	}
	if row.MOwnerIdentityID != nil {
		m.OwnerIdentityID = *row.MOwnerIdentityID
	}
	if row.MStatus != nil {
		m.Status = domain.MeetingStatus(*row.MStatus)
	}
	if row.MSegmentCount != nil {
		m.SegmentCount = *row.MSegmentCount
	}
	if row.MCreatedAt != nil {
		m.CreatedAt = *row.MCreatedAt
	}
	res.Meeting = m
	return res
}

// Search runs a full-text query (english tokenization) with optional meeting, speaker and
// time filters. Segments whose meeting row does not exist yet are still returned.
func (r *TranscriptRepository) Search(ctx context.Context, q domain.SegmentQuery) ([]domain.SegmentSearchResult, error) {
	var (
		args  []interface{}
		where []string
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	rank := "0::float8"
	order := "s.absolute_start_time NULLS LAST, s.created_at"
	if text := strings.TrimSpace(q.Text); text != "" {
		p := arg(text)
		where = append(where, "to_tsvector('english', s.text) @@ plainto_tsquery('english', "+p+")")
		rank = "ts_rank(to_tsvector('english', s.text), plainto_tsquery('english', " + p + "))::float8"
		order = "rank DESC, " + order
	}
	if q.MeetingID != "" {
		where = append(where, "s.meeting_id = "+arg(q.MeetingID))
	}
	if q.Speaker != "" {
		where = append(where, "s.speaker = "+arg(q.Speaker))
	}
	if q.OwnerIdentityID != "" {
		where = append(where, "m.owner_identity_id = "+arg(q.OwnerIdentityID))
	}
	if q.From != nil {
		where = append(where, "s.absolute_start_time >= "+arg(*q.From))
	}
	if q.To != nil {
		where = append(where, "s.absolute_start_time < "+arg(*q.To))
	}

	query := `
        SELECT s.*, ` + rank + ` AS rank,
            m.id AS m_id, m.platform AS m_platform, m.owner_identity_id AS m_owner_identity_id,
            m.calendar_event_id AS m_calendar_event_id, m.title AS m_title,
            m.scheduled_start_at AS m_scheduled_start_at, m.bot_joined_at AS m_bot_joined_at,
            m.first_segment_at AS m_first_segment_at, m.meeting_ended_at AS m_meeting_ended_at,
            m.status AS m_status, m.segment_count AS m_segment_count,
            m.archived_at AS m_archived_at, m.created_at AS m_created_at
        FROM transcript_segments s
        LEFT JOIN meetings m ON m.external_meeting_id = s.meeting_id`
	if len(where) > 0 {
		query += "\n        WHERE " + strings.Join(where, " AND ")
	}
	query += "\n        ORDER BY " + order + "\n        LIMIT " + arg(q.EffectiveLimit())

	var rows []searchRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to search segments: %w", err)
	}

	results := make([]domain.SegmentSearchResult, 0, len(rows))
	for i := range rows {
		results = append(results, rows[i].result())
	}
	return results, nil
}

// ListPendingLinkage reports meeting ids that have segments but no meeting row, limited to
// those whose first segment is older than olderThan.
func (r *TranscriptRepository) ListPendingLinkage(ctx context.Context, olderThan time.Time) ([]domain.PendingLinkage, error) {
	var pending []domain.PendingLinkage
	err := r.db.SelectContext(ctx, &pending, `
        SELECT s.meeting_id, COUNT(*) AS segment_count, MIN(s.created_at) AS first_seen_at
        FROM transcript_segments s
        LEFT JOIN meetings m ON m.external_meeting_id = s.meeting_id
        WHERE m.id IS NULL
        GROUP BY s.meeting_id
        HAVING MIN(s.created_at) < $1
        ORDER BY first_seen_at`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending linkage: %w", err)
	}
	return pending, nil
}
