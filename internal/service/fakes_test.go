package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"targetdialer/internal/domain"
	"targetdialer/internal/service/s3"
)

type fakeIdentities struct {
	mu         sync.Mutex
	identities map[string]domain.Identity
	accounts   map[string]domain.LinkedAccount
	sessions   map[string]domain.Session
	tokens     int64
}

func newFakeIdentities() *fakeIdentities {
	return &fakeIdentities{
		identities: map[string]domain.Identity{},
		accounts:   map[string]domain.LinkedAccount{},
		sessions:   map[string]domain.Session{},
	}
}

func accountKey(provider, id string) string { return provider + "/" + id }

func (f *fakeIdentities) CreateIdentityWithAccount(_ context.Context, identity *domain.Identity, account *domain.LinkedAccount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[accountKey(account.Provider, account.ProviderAccountID)]; ok {
		return &pq.Error{Code: "23505"}
	}
	if identity.Email != nil {
		for _, other := range f.identities {
			if other.Email != nil && *other.Email == *identity.Email {
				return &pq.Error{Code: "23505"}
			}
		}
	}
	f.identities[identity.ID] = *identity
	account.IdentityID = identity.ID
	f.accounts[accountKey(account.Provider, account.ProviderAccountID)] = *account
	return nil
}

func (f *fakeIdentities) GetIdentityByAccount(_ context.Context, provider, providerAccountID string) (*domain.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, ok := f.accounts[accountKey(provider, providerAccountID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	identity := f.identities[acc.IdentityID]
	return &identity, nil
}

func (f *fakeIdentities) GetIdentityByEmail(_ context.Context, email string) (*domain.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, identity := range f.identities {
		if identity.Email != nil && *identity.Email == email {
			found := identity
			return &found, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeIdentities) UpdateIdentityProfile(_ context.Context, id string, name, image *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.identities[id]
	if !ok {
		return domain.ErrNotFound
	}
	if name != nil {
		identity.Name = name
	}
	if image != nil {
		identity.Image = image
	}
	f.identities[id] = identity
	return nil
}

func (f *fakeIdentities) UpdateAccountTokens(_ context.Context, account *domain.LinkedAccount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := accountKey(account.Provider, account.ProviderAccountID)
	stored, ok := f.accounts[key]
	if !ok {
		return domain.ErrNotFound
	}
	stored.AccessToken = account.AccessToken
	if account.RefreshToken != nil {
		stored.RefreshToken = account.RefreshToken
	}
	f.accounts[key] = stored
	return nil
}

func (f *fakeIdentities) CreateSession(_ context.Context, session *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[session.Token] = *session
	return nil
}

func (f *fakeIdentities) GetSessionAndIdentity(_ context.Context, token string) (*domain.Session, *domain.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[token]
	if !ok {
		return nil, nil, domain.ErrNotFound
	}
	identity, ok := f.identities[session.IdentityID]
	if !ok {
		return nil, nil, domain.ErrNotFound
	}
	return &session, &identity, nil
}

func (f *fakeIdentities) ExtendSession(_ context.Context, token string, expires time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	session := f.sessions[token]
	session.Expires = expires
	f.sessions[token] = session
	return nil
}

func (f *fakeIdentities) DeleteSession(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, token)
	return nil
}

func (f *fakeIdentities) DeleteExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for token, session := range f.sessions {
		if !session.Expires.After(now) {
			delete(f.sessions, token)
			n++
		}
	}
	return n, nil
}

func (f *fakeIdentities) DeleteExpiredVerificationTokens(context.Context, time.Time) (int64, error) {
	return f.tokens, nil
}

type fakeLedger struct {
	mu    sync.Mutex
	users map[string]domain.ApplicationUser
	extra map[string]int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{users: map[string]domain.ApplicationUser{}, extra: map[string]int{}}
}

func (f *fakeLedger) InsertIfAbsent(_ context.Context, identityID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[identityID]; ok {
		return false, nil
	}
	f.users[identityID] = domain.ApplicationUser{
		ID:             uuid.New(),
		AuthIdentityID: identityID,
		Role:           domain.RoleMember,
		CreatedAt:      time.Now(),
	}
	return true, nil
}

func (f *fakeLedger) GetByIdentity(_ context.Context, identityID string) (*domain.ApplicationUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[identityID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &user, nil
}

func (f *fakeLedger) CountByIdentity(_ context.Context, identityID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.extra[identityID]
	if _, ok := f.users[identityID]; ok {
		n++
	}
	return n, nil
}

func (f *fakeLedger) List(context.Context) ([]domain.ApplicationUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	users := make([]domain.ApplicationUser, 0, len(f.users))
	for _, u := range f.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].AuthIdentityID < users[j].AuthIdentityID })
	return users, nil
}

func (f *fakeLedger) update(identityID string, fn func(*domain.ApplicationUser)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[identityID]
	if !ok {
		return domain.ErrNotFound
	}
	fn(&user)
	f.users[identityID] = user
	return nil
}

func (f *fakeLedger) UpdateRole(_ context.Context, identityID string, role domain.Role) error {
	return f.update(identityID, func(u *domain.ApplicationUser) { u.Role = role })
}

func (f *fakeLedger) SetExternalPlatformUserID(_ context.Context, identityID string, platformUserID *string) error {
	return f.update(identityID, func(u *domain.ApplicationUser) { u.ExternalPlatformUserID = platformUserID })
}

func (f *fakeLedger) SetCalendarRefreshToken(_ context.Context, identityID string, ciphertext string) error {
	return f.update(identityID, func(u *domain.ApplicationUser) { u.EncryptedCalendarRefreshToken = &ciphertext })
}

type fakeCalendar struct {
	mu   sync.Mutex
	subs map[string]domain.CalendarSubscription
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{subs: map[string]domain.CalendarSubscription{}}
}

func (f *fakeCalendar) Upsert(_ context.Context, sub *domain.CalendarSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.subs[sub.ExternalChannelID]; ok {
		existing.CalendarID = sub.CalendarID
		existing.ExpiresAt = sub.ExpiresAt
		*sub = existing
	} else if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	f.subs[sub.ExternalChannelID] = *sub
	return nil
}

func (f *fakeCalendar) GetByChannel(_ context.Context, channelID string) (*domain.CalendarSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[channelID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &sub, nil
}

func (f *fakeCalendar) RecordRenewal(_ context.Context, channelID string, expiresAt, renewedAt time.Time) (*domain.CalendarSubscription, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[channelID]
	if !ok {
		return nil, false, domain.ErrNotFound
	}
	if sub.RenewedAt != nil && !sub.RenewedAt.Before(renewedAt) {
		return &sub, false, nil
	}
	sub.ExpiresAt = expiresAt
	sub.RenewedAt = &renewedAt
	f.subs[channelID] = sub
	return &sub, true, nil
}

func (f *fakeCalendar) filter(keep func(domain.CalendarSubscription) bool) []domain.CalendarSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CalendarSubscription
	for _, sub := range f.subs {
		if keep(sub) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

func (f *fakeCalendar) ListExpiringBefore(_ context.Context, deadline time.Time) ([]domain.CalendarSubscription, error) {
	return f.filter(func(s domain.CalendarSubscription) bool { return s.ExpiresAt.Before(deadline) }), nil
}

func (f *fakeCalendar) ListStale(_ context.Context, now time.Time) ([]domain.CalendarSubscription, error) {
	return f.filter(func(s domain.CalendarSubscription) bool { return s.Stale(now) }), nil
}

func (f *fakeCalendar) Delete(_ context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[channelID]; !ok {
		return domain.ErrNotFound
	}
	delete(f.subs, channelID)
	return nil
}

// fakeTranscriptStore keeps meetings and segments together so segment counts and
// pending linkage behave like the real schema.
type fakeTranscriptStore struct {
	mu       sync.Mutex
	meetings map[string]*domain.Meeting
	segments []domain.TranscriptSegment
}

func newFakeTranscriptStore() *fakeTranscriptStore {
	return &fakeTranscriptStore{meetings: map[string]*domain.Meeting{}}
}

func (f *fakeTranscriptStore) Upsert(_ context.Context, in *domain.MeetingUpsert) (*domain.Meeting, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.meetings[in.ExternalMeetingID]; ok {
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
	for _, seg := range f.segments {
		if seg.MeetingID == in.ExternalMeetingID {
			m.SegmentCount++
			if m.FirstSegmentAt == nil || seg.CreatedAt.Before(*m.FirstSegmentAt) {
				at := seg.CreatedAt
				m.FirstSegmentAt = &at
			}
		}
	}
	f.meetings[in.ExternalMeetingID] = m
	copied := *m
	return &copied, true, nil
}

func (f *fakeTranscriptStore) GetByExternalID(_ context.Context, id string) (*domain.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *m
	return &copied, nil
}

func (f *fakeTranscriptStore) AdvanceStatus(_ context.Context, id string, next domain.MeetingStatus, at time.Time) (*domain.Meeting, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.meetings[id]
	if !ok {
		return nil, false, domain.ErrNotFound
	}
	if !m.Status.CanAdvanceTo(next) {
		copied := *m
		return &copied, false, nil
	}
	m.Status = next
	if next.MarksBotJoined() && m.BotJoinedAt == nil {
		m.BotJoinedAt = &at
	}
	if next.IsTerminal() && m.MeetingEndedAt == nil {
		m.MeetingEndedAt = &at
	}
	copied := *m
	return &copied, true, nil
}

func (f *fakeTranscriptStore) list(keep func(*domain.Meeting) bool) []domain.Meeting {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Meeting
	for _, m := range f.meetings {
		if keep(m) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalMeetingID < out[j].ExternalMeetingID })
	return out
}

func (f *fakeTranscriptStore) ListByOwner(_ context.Context, owner string, _ int) ([]domain.Meeting, error) {
	return f.list(func(m *domain.Meeting) bool { return m.OwnerIdentityID == owner }), nil
}

func (f *fakeTranscriptStore) ListAll(context.Context, int) ([]domain.Meeting, error) {
	return f.list(func(*domain.Meeting) bool { return true }), nil
}

func (f *fakeTranscriptStore) ListUnarchivedCompleted(_ context.Context, limit int) ([]domain.Meeting, error) {
	out := f.list(func(m *domain.Meeting) bool {
		return m.Status == domain.MeetingStatusCompleted && m.ArchivedAt == nil
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeTranscriptStore) MarkArchived(_ context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.meetings[id]; ok && m.ArchivedAt == nil {
		m.ArchivedAt = &at
	}
	return nil
}

func (f *fakeTranscriptStore) InsertSegment(_ context.Context, seg *domain.TranscriptSegment) (bool, error) {
	seg.Normalize()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.segments {
		if existing.ID == seg.ID {
			return false, nil
		}
	}
	seg.CreatedAt = time.Now()
	f.segments = append(f.segments, *seg)
	if m, ok := f.meetings[seg.MeetingID]; ok {
		m.SegmentCount++
		if m.FirstSegmentAt == nil {
			at := seg.CreatedAt
			m.FirstSegmentAt = &at
		}
	}
	return true, nil
}

func (f *fakeTranscriptStore) GetSegment(_ context.Context, id uuid.UUID) (*domain.TranscriptSegment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, seg := range f.segments {
		if seg.ID == id {
			return &seg, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeTranscriptStore) SetSpeaker(_ context.Context, id uuid.UUID, speaker string) (*domain.TranscriptSegment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.segments {
		if f.segments[i].ID == id {
			f.segments[i].Speaker = &speaker
			seg := f.segments[i]
			return &seg, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeTranscriptStore) ListByMeeting(_ context.Context, meetingID string) ([]domain.TranscriptSegment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.TranscriptSegment
	for _, seg := range f.segments {
		if seg.MeetingID == meetingID {
			out = append(out, seg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].AbsoluteStartTime, out[j].AbsoluteStartTime
		if a == nil || b == nil {
			return a != nil
		}
		return a.Before(*b)
	})
	return out, nil
}

func (f *fakeTranscriptStore) Search(_ context.Context, q domain.SegmentQuery) ([]domain.SegmentSearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.SegmentSearchResult
	for _, seg := range f.segments {
		if q.Text != "" && !strings.Contains(strings.ToLower(seg.Text), strings.ToLower(q.Text)) {
			continue
		}
		if q.MeetingID != "" && seg.MeetingID != q.MeetingID {
			continue
		}
		res := domain.SegmentSearchResult{TranscriptSegment: seg, Rank: 1}
		if m, ok := f.meetings[seg.MeetingID]; ok {
			copied := *m
			res.Meeting = &copied
		}
		if q.OwnerIdentityID != "" && (res.Meeting == nil || res.Meeting.OwnerIdentityID != q.OwnerIdentityID) {
			continue
		}
		out = append(out, res)
	}
	return out, nil
}

func (f *fakeTranscriptStore) ListPendingLinkage(_ context.Context, olderThan time.Time) ([]domain.PendingLinkage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byMeeting := map[string]*domain.PendingLinkage{}
	var order []string
	for _, seg := range f.segments {
		if _, ok := f.meetings[seg.MeetingID]; ok {
			continue
		}
		p, ok := byMeeting[seg.MeetingID]
		if !ok {
			p = &domain.PendingLinkage{MeetingID: seg.MeetingID, FirstSeenAt: seg.CreatedAt}
			byMeeting[seg.MeetingID] = p
			order = append(order, seg.MeetingID)
		}
		p.SegmentCount++
		if seg.CreatedAt.Before(p.FirstSeenAt) {
			p.FirstSeenAt = seg.CreatedAt
		}
	}
	var out []domain.PendingLinkage
	for _, id := range order {
		if byMeeting[id].FirstSeenAt.Before(olderThan) {
			out = append(out, *byMeeting[id])
		}
	}
	return out, nil
}

type fakeCipher struct{}

func (fakeCipher) Encrypt(plaintext string) (string, error) {
	return "sealed:" + plaintext, nil
}

var errUploadFailed = errors.New("upload failed")

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: map[string][]byte{}}
}

func (f *fakeStorage) PutObject(_ context.Context, key string, data []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errUploadFailed
	}
	f.objects[key] = data
	return nil
}

func (f *fakeStorage) GetObject(context.Context, string) (s3.Object, error) {
	return nil, s3.ErrObjectNotFound
}

func (f *fakeStorage) DeleteObject(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

var (
	_ IdentityStore   = (*fakeIdentities)(nil)
	_ LedgerStore     = (*fakeLedger)(nil)
	_ CalendarStore   = (*fakeCalendar)(nil)
	_ MeetingStore    = (*fakeTranscriptStore)(nil)
	_ TranscriptStore = (*fakeTranscriptStore)(nil)
	_ s3.Storage      = (*fakeStorage)(nil)
)
