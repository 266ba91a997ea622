package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"targetdialer/internal/domain"
	"targetdialer/internal/repository"
)

// IdentityStore is the auth adapter surface used by sign-in, sessions and the sweep.
type IdentityStore interface {
	CreateIdentityWithAccount(ctx context.Context, identity *domain.Identity, account *domain.LinkedAccount) error
	GetIdentityByAccount(ctx context.Context, provider, providerAccountID string) (*domain.Identity, error)
	GetIdentityByEmail(ctx context.Context, email string) (*domain.Identity, error)
	UpdateIdentityProfile(ctx context.Context, id string, name, image *string) error
	UpdateAccountTokens(ctx context.Context, account *domain.LinkedAccount) error
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSessionAndIdentity(ctx context.Context, token string) (*domain.Session, *domain.Identity, error)
	ExtendSession(ctx context.Context, token string, expires time.Time) error
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
	DeleteExpiredVerificationTokens(ctx context.Context, now time.Time) (int64, error)
}

type LedgerStore interface {
	InsertIfAbsent(ctx context.Context, identityID string) (bool, error)
	GetByIdentity(ctx context.Context, identityID string) (*domain.ApplicationUser, error)
	CountByIdentity(ctx context.Context, identityID string) (int, error)
	List(ctx context.Context) ([]domain.ApplicationUser, error)
	UpdateRole(ctx context.Context, identityID string, role domain.Role) error
	SetExternalPlatformUserID(ctx context.Context, identityID string, platformUserID *string) error
	SetCalendarRefreshToken(ctx context.Context, identityID string, ciphertext string) error
}

type CalendarStore interface {
	Upsert(ctx context.Context, sub *domain.CalendarSubscription) error
	GetByChannel(ctx context.Context, channelID string) (*domain.CalendarSubscription, error)
	RecordRenewal(ctx context.Context, channelID string, expiresAt, renewedAt time.Time) (*domain.CalendarSubscription, bool, error)
	ListExpiringBefore(ctx context.Context, deadline time.Time) ([]domain.CalendarSubscription, error)
	ListStale(ctx context.Context, now time.Time) ([]domain.CalendarSubscription, error)
	Delete(ctx context.Context, channelID string) error
}

type MeetingStore interface {
	Upsert(ctx context.Context, in *domain.MeetingUpsert) (*domain.Meeting, bool, error)
	GetByExternalID(ctx context.Context, externalMeetingID string) (*domain.Meeting, error)
	AdvanceStatus(ctx context.Context, externalMeetingID string, next domain.MeetingStatus, at time.Time) (*domain.Meeting, bool, error)
	ListByOwner(ctx context.Context, ownerIdentityID string, limit int) ([]domain.Meeting, error)
	ListAll(ctx context.Context, limit int) ([]domain.Meeting, error)
	ListUnarchivedCompleted(ctx context.Context, limit int) ([]domain.Meeting, error)
	MarkArchived(ctx context.Context, externalMeetingID string, at time.Time) error
}

type TranscriptStore interface {
	InsertSegment(ctx context.Context, seg *domain.TranscriptSegment) (bool, error)
	GetSegment(ctx context.Context, id uuid.UUID) (*domain.TranscriptSegment, error)
	SetSpeaker(ctx context.Context, id uuid.UUID, speaker string) (*domain.TranscriptSegment, error)
	ListByMeeting(ctx context.Context, meetingID string) ([]domain.TranscriptSegment, error)
	Search(ctx context.Context, q domain.SegmentQuery) ([]domain.SegmentSearchResult, error)
	ListPendingLinkage(ctx context.Context, olderThan time.Time) ([]domain.PendingLinkage, error)
}

// TokenEncrypter seals refresh tokens before they reach the ledger.
type TokenEncrypter interface {
	Encrypt(plaintext string) (string, error)
}

var (
	_ IdentityStore   = (*repository.IdentityRepository)(nil)
	_ LedgerStore     = (*repository.AppUserRepository)(nil)
	_ CalendarStore   = (*repository.CalendarSubscriptionRepository)(nil)
	_ MeetingStore    = (*repository.MeetingRepository)(nil)
	_ TranscriptStore = (*repository.TranscriptRepository)(nil)
)
