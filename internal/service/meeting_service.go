package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"targetdialer/internal/domain"
	"targetdialer/internal/logger"
)

const defaultMeetingListLimit = 100

// MeetingService covers both the ingestion entry points and the read side of the dashboard.
type MeetingService struct {
	meetings    MeetingStore
	transcripts TranscriptStore
	log         *logger.Logger
	now         func() time.Time
}

func NewMeetingService(meetings MeetingStore, transcripts TranscriptStore, log *logger.Logger) *MeetingService {
	return &MeetingService{
		meetings:    meetings,
		transcripts: transcripts,
		log:         log.With("service", "MeetingService"),
		now:         time.Now,
	}
}

func (s *MeetingService) UpsertMeeting(ctx context.Context, in *domain.MeetingUpsert) (*domain.Meeting, bool, error) {
	if err := in.Validate(); err != nil {
		return nil, false, err
	}

	m, inserted, err := s.meetings.Upsert(ctx, in)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		s.log.Info("meeting registered",
			"meeting_id", m.ExternalMeetingID,
			"platform", m.Platform,
			"adopted_segments", m.SegmentCount,
		)
	}
	return m, inserted, nil
}

// AdvanceStatus applies an asserted lifecycle status. Backward or post-terminal assertions
// are ignored and reported with applied=false. A zero at means now.
func (s *MeetingService) AdvanceStatus(ctx context.Context, externalMeetingID, status string, at time.Time) (*domain.Meeting, bool, error) {
	next, err := domain.ParseMeetingStatus(status)
	if err != nil {
		return nil, false, err
	}
	if at.IsZero() {
		at = s.now()
	}

	m, applied, err := s.meetings.AdvanceStatus(ctx, externalMeetingID, next, at)
	if err != nil {
		return nil, false, err
	}
	if !applied {
		s.log.Debug("status assertion ignored",
			"meeting_id", externalMeetingID,
			"current", m.Status,
			"asserted", next,
		)
	}
	return m, applied, nil
}

// RecordSegment stores a segment once. The meeting it references may not exist yet.
// A replayed id returns the row already stored with inserted=false.
func (s *MeetingService) RecordSegment(ctx context.Context, seg *domain.TranscriptSegment) (*domain.TranscriptSegment, bool, error) {
	if err := seg.Validate(); err != nil {
		return nil, false, err
	}
	inserted, err := s.transcripts.InsertSegment(ctx, seg)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		return seg, true, nil
	}

	stored, err := s.transcripts.GetSegment(ctx, seg.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load replayed segment: %w", err)
	}
	if stored.Text != seg.Text {
		s.log.Warn("segment replay differs from stored text", "segment_id", seg.ID, "meeting_id", stored.MeetingID)
	}
	return stored, false, nil
}

func (s *MeetingService) BackfillSpeaker(ctx context.Context, segmentID uuid.UUID, speaker string) (*domain.TranscriptSegment, error) {
	speaker = strings.TrimSpace(speaker)
	if speaker == "" {
		return nil, fmt.Errorf("%w: speaker is required", domain.ErrInvalidInput)
	}
	return s.transcripts.SetSpeaker(ctx, segmentID, speaker)
}

// ListMeetings returns every meeting to admins and owned meetings to members.
func (s *MeetingService) ListMeetings(ctx context.Context, viewer domain.SessionContext, limit int) ([]domain.Meeting, error) {
	if limit <= 0 {
		limit = defaultMeetingListLimit
	}
	if viewer.IsAdmin() {
		return s.meetings.ListAll(ctx, limit)
	}
	return s.meetings.ListByOwner(ctx, viewer.IdentityID, limit)
}

// GetMeeting hides meetings the viewer may not see behind ErrNotFound.
func (s *MeetingService) GetMeeting(ctx context.Context, viewer domain.SessionContext, externalMeetingID string) (*domain.Meeting, error) {
	m, err := s.meetings.GetByExternalID(ctx, externalMeetingID)
	if err != nil {
		return nil, err
	}
	if !viewer.IsAdmin() && m.OwnerIdentityID != viewer.IdentityID {
		return nil, domain.ErrNotFound
	}
	return m, nil
}

// Transcript returns a meeting's segments in display order. Admins may also read
// segments still pending linkage, in which case the meeting is nil.
func (s *MeetingService) Transcript(ctx context.Context, viewer domain.SessionContext, externalMeetingID string) (*domain.Meeting, []domain.TranscriptSegment, error) {
	m, err := s.GetMeeting(ctx, viewer, externalMeetingID)
	if err != nil && !(errors.Is(err, domain.ErrNotFound) && viewer.IsAdmin()) {
		return nil, nil, err
	}

	segments, err := s.transcripts.ListByMeeting(ctx, externalMeetingID)
	if err != nil {
		return nil, nil, err
	}
	if m == nil && len(segments) == 0 {
		return nil, nil, domain.ErrNotFound
	}
	return m, segments, nil
}

// Search scopes members to their own meetings.
func (s *MeetingService) Search(ctx context.Context, viewer domain.SessionContext, q domain.SegmentQuery) ([]domain.SegmentSearchResult, error) {
	if q.From != nil && q.To != nil && !q.From.Before(*q.To) {
		return nil, fmt.Errorf("%w: from must be before to", domain.ErrInvalidInput)
	}
	q.OwnerIdentityID = ""
	if !viewer.IsAdmin() {
		q.OwnerIdentityID = viewer.IdentityID
	}
	return s.transcripts.Search(ctx, q)
}
