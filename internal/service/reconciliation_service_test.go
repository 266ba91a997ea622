package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"targetdialer/internal/domain"
	"targetdialer/internal/logger"
)

type sweepFixture struct {
	identities *fakeIdentities
	store      *fakeTranscriptStore
	calendar   *fakeCalendar
	storage    *fakeStorage
	archive    *ArchiveService
	sweep      *ReconciliationService
}

func newSweepFixture(now time.Time) *sweepFixture {
	f := &sweepFixture{
		identities: newFakeIdentities(),
		store:      newFakeTranscriptStore(),
		calendar:   newFakeCalendar(),
		storage:    newFakeStorage(),
	}
	clock := func() time.Time { return now }
	calendar := NewCalendarService(f.calendar, logger.Nop())
	calendar.now = clock
	f.archive = NewArchiveService(f.store, f.store, f.storage, "transcripts", logger.Nop())
	f.archive.now = clock
	f.sweep = NewReconciliationService(f.identities, f.store, calendar, f.archive, time.Hour, 10, logger.Nop())
	f.sweep.now = clock
	return f
}

func TestReconciliationService_Sweep(t *testing.T) {
	ctx := context.Background()
	now := time.Now().Add(2 * time.Hour)
	f := newSweepFixture(now)

	_, err := f.store.InsertSegment(ctx, &domain.TranscriptSegment{MeetingID: "ghost", Platform: "zoom", Text: "anyone?"})
	require.NoError(t, err)
	_, err = f.store.InsertSegment(ctx, &domain.TranscriptSegment{MeetingID: "ghost", Platform: "zoom", Text: "hello?"})
	require.NoError(t, err)

	f.identities.sessions["expired"] = domain.Session{Token: "expired", Expires: now.Add(-time.Minute)}
	f.identities.sessions["live"] = domain.Session{Token: "live", Expires: now.Add(time.Hour)}
	f.identities.tokens = 2

	f.calendar.subs["c-old"] = domain.CalendarSubscription{ExternalChannelID: "c-old", ExpiresAt: now.Add(-time.Hour)}

	_, _, err = f.store.Upsert(ctx, &domain.MeetingUpsert{ExternalMeetingID: "done", Platform: "zoom", OwnerIdentityID: "alice"})
	require.NoError(t, err)
	_, _, err = f.store.AdvanceStatus(ctx, "done", domain.MeetingStatusCompleted, now)
	require.NoError(t, err)

	report, err := f.sweep.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PendingMeetings)
	assert.Equal(t, 2, report.PendingSegments)
	assert.EqualValues(t, 1, report.ExpiredSessions)
	assert.EqualValues(t, 2, report.ExpiredTokens)
	assert.Equal(t, 1, report.StaleChannels)
	assert.Equal(t, 1, report.ArchivedMeetings)

	segments, err := f.store.ListByMeeting(ctx, "ghost")
	require.NoError(t, err)
	assert.Len(t, segments, 2, "pending segments are never deleted")
	assert.Contains(t, f.identities.sessions, "live")

	report, err = f.sweep.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.ArchivedMeetings)
}

func TestReconciliationService_GracePeriod(t *testing.T) {
	ctx := context.Background()
	f := newSweepFixture(time.Now())

	_, err := f.store.InsertSegment(ctx, &domain.TranscriptSegment{MeetingID: "fresh", Platform: "zoom", Text: "hi"})
	require.NoError(t, err)

	report, err := f.sweep.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.PendingMeetings)
}

func TestReconciliationService_RunStopsOnCancel(t *testing.T) {
	f := newSweepFixture(time.Now())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.sweep.Run(ctx, time.Millisecond) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweep loop did not stop")
	}
}

func TestArchiveService_ArchiveMeeting(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newSweepFixture(now)

	m, _, err := f.store.Upsert(ctx, &domain.MeetingUpsert{ExternalMeetingID: "meet/abc", Platform: "google_meet", OwnerIdentityID: "alice"})
	require.NoError(t, err)
	_, err = f.store.InsertSegment(ctx, &domain.TranscriptSegment{MeetingID: "meet/abc", Platform: "google_meet", Text: "hello"})
	require.NoError(t, err)

	key, err := f.archive.ArchiveMeeting(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, "transcripts/alice/meet%2Fabc.json", key)

	var doc MeetingArchive
	require.NoError(t, json.Unmarshal(f.storage.objects[key], &doc))
	assert.Equal(t, "meet/abc", doc.Meeting.ExternalMeetingID)
	require.Len(t, doc.Segments, 1)
	assert.Equal(t, "hello", doc.Segments[0].Text)

	stored, err := f.store.GetByExternalID(ctx, "meet/abc")
	require.NoError(t, err)
	require.NotNil(t, stored.ArchivedAt)
	assert.Equal(t, now, *stored.ArchivedAt)
}

func TestArchiveService_FailedUploadIsRetriedLater(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	f := newSweepFixture(now)
	f.storage.fail = true

	_, _, err := f.store.Upsert(ctx, &domain.MeetingUpsert{ExternalMeetingID: "m", Platform: "zoom", OwnerIdentityID: "alice"})
	require.NoError(t, err)
	_, _, err = f.store.AdvanceStatus(ctx, "m", domain.MeetingStatusCompleted, now)
	require.NoError(t, err)

	archived, err := f.archive.ArchiveCompleted(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, archived)

	f.storage.fail = false
	archived, err = f.archive.ArchiveCompleted(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, archived)
}
