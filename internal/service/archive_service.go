package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"time"

	"targetdialer/internal/domain"
	"targetdialer/internal/logger"
	"targetdialer/internal/service/s3"
)

const archiveContentType = "application/json"

// MeetingArchive is the document written to object storage for a completed meeting.
type MeetingArchive struct {
	Meeting    domain.Meeting             `json:"meeting"`
	Segments   []domain.TranscriptSegment `json:"segments"`
	ArchivedAt time.Time                  `json:"archived_at"`
}

// ArchiveService copies completed meetings with their transcripts to S3-compatible storage.
// The relational rows stay the durable record; the archive is an export.
type ArchiveService struct {
	meetings    MeetingStore
	transcripts TranscriptStore
	storage     s3.Storage
	prefix      string
	log         *logger.Logger
	now         func() time.Time
}

func NewArchiveService(meetings MeetingStore, transcripts TranscriptStore, storage s3.Storage, prefix string, log *logger.Logger) *ArchiveService {
	return &ArchiveService{
		meetings:    meetings,
		transcripts: transcripts,
		storage:     storage,
		prefix:      prefix,
		log:         log.With("service", "ArchiveService"),
		now:         time.Now,
	}
}

// ObjectKey is <prefix>/<owner>/<meeting>.json with both ids path-escaped.
func (s *ArchiveService) ObjectKey(m *domain.Meeting) string {
	return path.Join(s.prefix, url.PathEscape(m.OwnerIdentityID), url.PathEscape(m.ExternalMeetingID)+".json")
}

func (s *ArchiveService) ArchiveMeeting(ctx context.Context, m *domain.Meeting) (string, error) {
	segments, err := s.transcripts.ListByMeeting(ctx, m.ExternalMeetingID)
	if err != nil {
		return "", err
	}

	now := s.now()
	doc := MeetingArchive{Meeting: *m, Segments: segments, ArchivedAt: now}
	if doc.Segments == nil {
		doc.Segments = []domain.TranscriptSegment{}
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode archive: %w", err)
	}

	key := s.ObjectKey(m)
	if err := s.storage.PutObject(ctx, key, body, archiveContentType); err != nil {
		return "", err
	}
	if err := s.meetings.MarkArchived(ctx, m.ExternalMeetingID, now); err != nil {
		return "", err
	}
	return key, nil
}

// ArchiveCompleted archives up to batch completed meetings. A failing meeting is logged
// and left for the next run.
func (s *ArchiveService) ArchiveCompleted(ctx context.Context, batch int) (int, error) {
	pending, err := s.meetings.ListUnarchivedCompleted(ctx, batch)
	if err != nil {
		return 0, err
	}

	archived := 0
	for i := range pending {
		if ctx.Err() != nil {
			return archived, ctx.Err()
		}
		key, err := s.ArchiveMeeting(ctx, &pending[i])
		if err != nil {
			s.log.Warn("failed to archive meeting", "meeting_id", pending[i].ExternalMeetingID, "error", err)
			continue
		}
		s.log.Info("meeting archived", "meeting_id", pending[i].ExternalMeetingID, "key", key)
		archived++
	}
	return archived, nil
}
