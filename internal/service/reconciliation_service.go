package service

import (
	"context"
	"fmt"
	"time"

	"targetdialer/internal/logger"
)

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	PendingMeetings  int
	PendingSegments  int
	ExpiredSessions  int64
	ExpiredTokens    int64
	StaleChannels    int
	ArchivedMeetings int
}

// ReconciliationService runs the periodic housekeeping pass. Segments pending linkage are
// reported, never deleted: a late meeting insert still adopts them.
type ReconciliationService struct {
	identities  IdentityStore
	transcripts TranscriptStore
	calendar    *CalendarService
	archive     *ArchiveService
	grace       time.Duration
	batch       int
	log         *logger.Logger
	now         func() time.Time
}

// NewReconciliationService accepts a nil archive when object storage is not configured.
func NewReconciliationService(
	identities IdentityStore,
	transcripts TranscriptStore,
	calendar *CalendarService,
	archive *ArchiveService,
	grace time.Duration,
	batch int,
	log *logger.Logger,
) *ReconciliationService {
	return &ReconciliationService{
		identities:  identities,
		transcripts: transcripts,
		calendar:    calendar,
		archive:     archive,
		grace:       grace,
		batch:       batch,
		log:         log.With("service", "ReconciliationService"),
		now:         time.Now,
	}
}

func (s *ReconciliationService) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.now()

	pending, err := s.transcripts.ListPendingLinkage(ctx, now.Add(-s.grace))
	if err != nil {
		return report, fmt.Errorf("failed to check pending linkage: %w", err)
	}
	for _, p := range pending {
		report.PendingMeetings++
		report.PendingSegments += p.SegmentCount
		s.log.Warn("segments without a meeting past grace period",
			"meeting_id", p.MeetingID,
			"segments", p.SegmentCount,
			"first_seen_at", p.FirstSeenAt,
		)
	}

	if report.ExpiredSessions, err = s.identities.DeleteExpiredSessions(ctx, now); err != nil {
		return report, err
	}
	if report.ExpiredTokens, err = s.identities.DeleteExpiredVerificationTokens(ctx, now); err != nil {
		return report, err
	}

	stale, err := s.calendar.Stale(ctx)
	if err != nil {
		return report, err
	}
	report.StaleChannels = len(stale)
	for _, sub := range stale {
		s.log.Warn("calendar channel expired without renewal",
			"channel_id", sub.ExternalChannelID,
			"identity_id", sub.IdentityID,
			"expires_at", sub.ExpiresAt,
		)
	}

	if s.archive != nil {
		if report.ArchivedMeetings, err = s.archive.ArchiveCompleted(ctx, s.batch); err != nil {
			return report, err
		}
	}

	s.log.Info("sweep finished",
		"pending_meetings", report.PendingMeetings,
		"expired_sessions", report.ExpiredSessions,
		"expired_tokens", report.ExpiredTokens,
		"stale_channels", report.StaleChannels,
		"archived", report.ArchivedMeetings,
	)
	return report, nil
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *ReconciliationService) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
