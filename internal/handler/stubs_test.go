package handler

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"targetdialer/internal/auth"
	"targetdialer/internal/domain"
	"targetdialer/internal/logger"
)

const testIngestToken = "ingest-secret"

type stubSessions map[string]domain.SessionContext

func (s stubSessions) Resolve(_ context.Context, token string) (domain.SessionContext, error) {
	sc, ok := s[token]
	if !ok {
		return domain.SessionContext{}, domain.ErrMissingSession
	}
	return sc, nil
}

type stubSignIn struct {
	mu        sync.Mutex
	err       error
	profiles  []domain.ProviderProfile
	signedOut []string
}

func (s *stubSignIn) CompleteSignIn(_ context.Context, profile domain.ProviderProfile, _ domain.ProviderTokens) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.profiles = append(s.profiles, profile)
	return &domain.Session{
		Token:      "session-" + profile.ProviderAccountID,
		IdentityID: profile.ProviderAccountID,
		Expires:    time.Now().Add(time.Hour),
	}, nil
}

func (s *stubSignIn) SignOut(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signedOut = append(s.signedOut, token)
	return nil
}

type stubProvider struct {
	err error
}

func (p stubProvider) AuthCodeURL(state string) string {
	return "https://accounts.example.com/o/oauth2/auth?state=" + state
}

func (p stubProvider) Authenticate(_ context.Context, code string) (domain.ProviderProfile, domain.ProviderTokens, error) {
	if p.err != nil {
		return domain.ProviderProfile{}, domain.ProviderTokens{}, p.err
	}
	if code == "" {
		return domain.ProviderProfile{}, domain.ProviderTokens{}, domain.ErrAuthenticationFailure
	}
	profile := domain.ProviderProfile{
		Provider:          auth.ProviderGoogle,
		ProviderAccountID: "g-" + code,
		Email:             code + "@example.com",
		EmailVerified:     true,
	}
	return profile, domain.ProviderTokens{AccessToken: "access", RefreshToken: "refresh"}, nil
}

// stubMeetings serves both the read and ingest sides of the meeting service.
type stubMeetings struct {
	mu        sync.Mutex
	meetings  map[string]*domain.Meeting
	segments  map[uuid.UUID]*domain.TranscriptSegment
	lastQuery domain.SegmentQuery
}

func newStubMeetings() *stubMeetings {
	return &stubMeetings{
		meetings: make(map[string]*domain.Meeting),
		segments: make(map[uuid.UUID]*domain.TranscriptSegment),
	}
}

func (s *stubMeetings) UpsertMeeting(_ context.Context, in *domain.MeetingUpsert) (*domain.Meeting, bool, error) {
	if err := in.Validate(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.meetings[in.ExternalMeetingID]; ok {
		if in.Title != nil {
			m.Title = in.Title
		}
		copied := *m
		return &copied, false, nil
	}
	m := &domain.Meeting{
		ID:                uuid.New(),
		ExternalMeetingID: in.ExternalMeetingID,
		Platform:          in.Platform,
		OwnerIdentityID:   in.OwnerIdentityID,
		Title:             in.Title,
		Status:            domain.MeetingStatusRequested,
		CreatedAt:         time.Now(),
	}
	s.meetings[in.ExternalMeetingID] = m
	copied := *m
	return &copied, true, nil
}

func (s *stubMeetings) AdvanceStatus(_ context.Context, externalMeetingID, status string, _ time.Time) (*domain.Meeting, bool, error) {
	next, err := domain.ParseMeetingStatus(status)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[externalMeetingID]
	if !ok {
		return nil, false, domain.ErrNotFound
	}
	if !m.Status.CanAdvanceTo(next) {
		copied := *m
		return &copied, false, nil
	}
	m.Status = next
	copied := *m
	return &copied, true, nil
}

func (s *stubMeetings) RecordSegment(_ context.Context, seg *domain.TranscriptSegment) (*domain.TranscriptSegment, bool, error) {
	if err := seg.Validate(); err != nil {
		return nil, false, err
	}
	seg.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.segments[seg.ID]; ok {
		copied := *existing
		return &copied, false, nil
	}
	seg.CreatedAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	copied := *seg
	s.segments[seg.ID] = &copied
	if m, ok := s.meetings[seg.MeetingID]; ok {
		m.SegmentCount++
	}
	return seg, true, nil
}

func (s *stubMeetings) BackfillSpeaker(_ context.Context, segmentID uuid.UUID, speaker string) (*domain.TranscriptSegment, error) {
	if speaker == "" {
		return nil, domain.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[segmentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	seg.Speaker = &speaker
	copied := *seg
	return &copied, nil
}

func (s *stubMeetings) visible(viewer domain.SessionContext, m *domain.Meeting) bool {
	return viewer.IsAdmin() || m.OwnerIdentityID == viewer.IdentityID
}

func (s *stubMeetings) ListMeetings(_ context.Context, viewer domain.SessionContext, _ int) ([]domain.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Meeting
	for _, m := range s.meetings {
		if s.visible(viewer, m) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalMeetingID < out[j].ExternalMeetingID })
	return out, nil
}

func (s *stubMeetings) GetMeeting(_ context.Context, viewer domain.SessionContext, externalMeetingID string) (*domain.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[externalMeetingID]
	if !ok || !s.visible(viewer, m) {
		return nil, domain.ErrNotFound
	}
	copied := *m
	return &copied, nil
}

func (s *stubMeetings) Transcript(ctx context.Context, viewer domain.SessionContext, externalMeetingID string) (*domain.Meeting, []domain.TranscriptSegment, error) {
	m, err := s.GetMeeting(ctx, viewer, externalMeetingID)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var segs []domain.TranscriptSegment
	for _, seg := range s.segments {
		if seg.MeetingID == externalMeetingID {
			segs = append(segs, *seg)
		}
	}
	return m, segs, nil
}

func (s *stubMeetings) Search(_ context.Context, viewer domain.SessionContext, q domain.SegmentQuery) ([]domain.SegmentSearchResult, error) {
	if q.From != nil && q.To != nil && q.To.Before(*q.From) {
		return nil, domain.ErrInvalidInput
	}
	if !viewer.IsAdmin() {
		q.OwnerIdentityID = viewer.IdentityID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastQuery = q
	return nil, nil
}

type stubLedger struct {
	users map[string]*domain.ApplicationUser
}

func (l *stubLedger) List(_ context.Context, actor domain.SessionContext) ([]domain.ApplicationUser, error) {
	if !actor.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	var out []domain.ApplicationUser
	for _, u := range l.users {
		out = append(out, *u)
	}
	return out, nil
}

func (l *stubLedger) SetRole(_ context.Context, actor domain.SessionContext, identityID, role string) (*domain.ApplicationUser, error) {
	if !actor.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	parsed, err := domain.ParseRole(role)
	if err != nil {
		return nil, err
	}
	u, ok := l.users[identityID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	u.Role = parsed
	return u, nil
}

func (l *stubLedger) LinkExternalPlatformUser(_ context.Context, actor domain.SessionContext, identityID, platformUserID string) (*domain.ApplicationUser, error) {
	if !actor.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	u, ok := l.users[identityID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	u.ExternalPlatformUserID = &platformUserID
	return u, nil
}

type stubCalendar struct {
	mu   sync.Mutex
	subs map[string]*domain.CalendarSubscription
}

func (c *stubCalendar) Register(_ context.Context, sub *domain.CalendarSubscription) (*domain.CalendarSubscription, error) {
	if sub.ExternalChannelID == "" || sub.ExpiresAt.IsZero() {
		return nil, domain.ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[sub.ExternalChannelID] = sub
	return sub, nil
}

func (c *stubCalendar) RecordRenewal(_ context.Context, channelID string, expiresAt, renewedAt time.Time) (*domain.CalendarSubscription, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[channelID]
	if !ok {
		return nil, false, domain.ErrNotFound
	}
	if !expiresAt.After(sub.ExpiresAt) {
		return sub, false, nil
	}
	sub.ExpiresAt = expiresAt
	sub.RenewedAt = &renewedAt
	return sub, true, nil
}

func (c *stubCalendar) DueForRenewal(_ context.Context, within time.Duration) ([]domain.CalendarSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(within)
	var out []domain.CalendarSubscription
	for _, sub := range c.subs {
		if sub.ExpiresAt.Before(deadline) {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (c *stubCalendar) Unregister(_ context.Context, channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[channelID]; !ok {
		return domain.ErrNotFound
	}
	delete(c.subs, channelID)
	return nil
}

type stubDB struct {
	err error
}

func (d stubDB) ExecContext(context.Context, string, ...interface{}) (sql.Result, error) {
	return nil, d.err
}

var errDatabaseDown = errors.New("connection refused")

type testServer struct {
	router   http.Handler
	signIn   *stubSignIn
	meetings *stubMeetings
	ledger   *stubLedger
	calendar *stubCalendar
	states   *auth.MemoryStateStore
}

func newTestServer(t *testing.T, provider stubProvider, db stubDB) *testServer {
	t.Helper()
	log := logger.Nop()
	cookies := auth.Cookies{}
	sessions := stubSessions{
		"alice-token": {IdentityID: "alice", Role: domain.RoleMember, Expires: time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)},
		"root-token":  {IdentityID: "root", Role: domain.RoleAdmin},
	}

	ts := &testServer{
		signIn:   &stubSignIn{},
		meetings: newStubMeetings(),
		ledger: &stubLedger{users: map[string]*domain.ApplicationUser{
			"alice": {AuthIdentityID: "alice", Role: domain.RoleMember},
			"root":  {AuthIdentityID: "root", Role: domain.RoleAdmin},
		}},
		calendar: &stubCalendar{subs: make(map[string]*domain.CalendarSubscription)},
		states:   auth.NewMemoryStateStore(time.Minute),
	}
	t.Cleanup(ts.states.Stop)

	ts.router = NewRouter(
		RouterConfig{AllowedOrigins: []string{"http://localhost:3000"}, IngestToken: testIngestToken},
		Handlers{
			Auth:      NewAuthHandler(ts.signIn, provider, ts.states, sessions, cookies, log),
			API:       NewAPIHandler(ts.meetings, ts.ledger, log),
			Ingest:    NewIngestHandler(ts.meetings, ts.calendar, log),
			Health:    NewHealthHandler(db, log),
			Dashboard: NewDashboardHandler(ts.meetings, log),
		},
		sessions, cookies, log,
	)
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func withSession(req *http.Request, token string) *http.Request {
	req.AddCookie(&http.Cookie{Name: auth.SessionCookieName, Value: token})
	return req
}

func withIngestToken(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+testIngestToken)
	req.Header.Set("Content-Type", "application/json")
	return req
}
