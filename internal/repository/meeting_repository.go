package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"targetdialer/internal/domain"
)

type MeetingRepository struct {
	db *sqlx.DB
}

func NewMeetingRepository(db *sqlx.DB) *MeetingRepository {
	return &MeetingRepository{db: db}
}

// lockMeeting serializes writers touching one external meeting id for the rest of tx.
func lockMeeting(ctx context.Context, tx *sqlx.Tx, externalMeetingID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, externalMeetingID); err != nil {
		return fmt.Errorf("failed to lock meeting %s: %w", externalMeetingID, err)
	}
	return nil
}

func statusOrder() interface{} {
	order := make([]string, len(domain.MeetingStatusOrder))
	for i, st := range domain.MeetingStatusOrder {
		order[i] = string(st)
	}
	return pq.Array(order)
}

type upsertedMeeting struct {
	domain.Meeting
	Inserted bool `db:"inserted"`
}

// Upsert creates the meeting or refreshes its descriptive fields. A fresh row adopts any
// segments that arrived before it: segment_count and first_segment_at are seeded from them.
// Lifecycle columns are never touched here.
func (r *MeetingRepository) Upsert(ctx context.Context, in *domain.MeetingUpsert) (*domain.Meeting, bool, error) {
	query := `
        INSERT INTO meetings (
            id, external_meeting_id, platform, owner_identity_id, calendar_event_id,
            title, scheduled_start_at, segment_count, first_segment_at
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7,
            (SELECT COUNT(*) FROM transcript_segments WHERE meeting_id = $2),
            (SELECT MIN(created_at) FROM transcript_segments WHERE meeting_id = $2)
        )
        ON CONFLICT (external_meeting_id) DO UPDATE
        SET calendar_event_id = COALESCE(EXCLUDED.calendar_event_id, meetings.calendar_event_id),
            title = COALESCE(EXCLUDED.title, meetings.title),
            scheduled_start_at = COALESCE(EXCLUDED.scheduled_start_at, meetings.scheduled_start_at)
        RETURNING *, (xmax = 0) AS inserted`

	var row upsertedMeeting
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := lockMeeting(ctx, tx, in.ExternalMeetingID); err != nil {
			return err
		}
		return tx.GetContext(ctx, &row, query,
			uuid.New(), in.ExternalMeetingID, in.Platform, in.OwnerIdentityID,
			in.CalendarEventID, in.Title, in.ScheduledStartAt)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert meeting: %w", err)
	}
	return &row.Meeting, row.Inserted, nil
}

func (r *MeetingRepository) GetByExternalID(ctx context.Context, externalMeetingID string) (*domain.Meeting, error) {
	var meeting domain.Meeting
	err := r.db.GetContext(ctx, &meeting, `
        SELECT * FROM meetings WHERE external_meeting_id = $1`, externalMeetingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get meeting: %w", err)
	}
	return &meeting, nil
}

// AdvanceStatus applies next only if it moves the lifecycle forward, or is failed from a
// non-terminal state. bot_joined_at and meeting_ended_at are written at most once.
// A stale or backward transition is not an error: applied is false and the stored row is returned.
func (r *MeetingRepository) AdvanceStatus(ctx context.Context, externalMeetingID string, next domain.MeetingStatus, at time.Time) (*domain.Meeting, bool, error) {
	query := `
        UPDATE meetings
        SET status = $2::text,
            bot_joined_at = CASE WHEN $3::boolean AND bot_joined_at IS NULL THEN $4::timestamptz ELSE bot_joined_at END,
            meeting_ended_at = CASE WHEN $5::boolean AND meeting_ended_at IS NULL THEN $4::timestamptz ELSE meeting_ended_at END
        WHERE external_meeting_id = $1
        AND status NOT IN ('completed', 'failed')
        AND ($2::text = 'failed' OR array_position($6::text[], status) < array_position($6::text[], $2::text))
        RETURNING *`

	var meeting domain.Meeting
	err := r.db.GetContext(ctx, &meeting, query,
		externalMeetingID, string(next), next.MarksBotJoined(), at, next.IsTerminal(), statusOrder())
	if err == nil {
		return &meeting, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to advance meeting status: %w", err)
	}

	current, err := r.GetByExternalID(ctx, externalMeetingID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (r *MeetingRepository) ListByOwner(ctx context.Context, ownerIdentityID string, limit int) ([]domain.Meeting, error) {
	var meetings []domain.Meeting
	err := r.db.SelectContext(ctx, &meetings, `
        SELECT * FROM meetings
        WHERE owner_identity_id = $1
        ORDER BY COALESCE(scheduled_start_at, created_at) DESC
        LIMIT $2`, ownerIdentityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list meetings: %w", err)
	}
	return meetings, nil
}

func (r *MeetingRepository) ListAll(ctx context.Context, limit int) ([]domain.Meeting, error) {
	var meetings []domain.Meeting
	err := r.db.SelectContext(ctx, &meetings, `
        SELECT * FROM meetings
        ORDER BY COALESCE(scheduled_start_at, created_at) DESC
        LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list meetings: %w", err)
	}
	return meetings, nil
}

func (r *MeetingRepository) ListUnarchivedCompleted(ctx context.Context, limit int) ([]domain.Meeting, error) {
	var meetings []domain.Meeting
	err := r.db.SelectContext(ctx, &meetings, `
        SELECT * FROM meetings
        WHERE status = 'completed' AND archived_at IS NULL
        ORDER BY meeting_ended_at NULLS FIRST
        LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unarchived meetings: %w", err)
	}
	return meetings, nil
}

func (r *MeetingRepository) MarkArchived(ctx context.Context, externalMeetingID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE meetings SET archived_at = $2
        WHERE external_meeting_id = $1 AND archived_at IS NULL`, externalMeetingID, at)
	if err != nil {
		return fmt.Errorf("failed to mark meeting archived: %w", err)
	}
	return nil
}
