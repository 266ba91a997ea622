package service

import (
	"context"
	"fmt"
	"time"

	"targetdialer/internal/domain"
	"targetdialer/internal/logger"
)

// CalendarService is the registry a renewal driver reads and writes. It does not talk to
// the calendar provider itself.
type CalendarService struct {
	subs CalendarStore
	log  *logger.Logger
	now  func() time.Time
}

func NewCalendarService(subs CalendarStore, log *logger.Logger) *CalendarService {
	return &CalendarService{
		subs: subs,
		log:  log.With("service", "CalendarService"),
		now:  time.Now,
	}
}

func (s *CalendarService) Register(ctx context.Context, sub *domain.CalendarSubscription) (*domain.CalendarSubscription, error) {
	if sub.IdentityID == "" || sub.ExternalChannelID == "" || sub.CalendarID == "" {
		return nil, fmt.Errorf("%w: identity_id, external_channel_id and calendar_id are required", domain.ErrInvalidInput)
	}
	if sub.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("%w: expires_at is required", domain.ErrInvalidInput)
	}

	if err := s.subs.Upsert(ctx, sub); err != nil {
		return nil, err
	}
	s.log.Info("calendar channel registered",
		"channel_id", sub.ExternalChannelID,
		"identity_id", sub.IdentityID,
		"expires_at", sub.ExpiresAt,
	)
	return sub, nil
}

// RecordRenewal stores a new deadline. Renewals not newer than the stored one are skipped
// and reported with applied=false. A zero renewedAt means now.
func (s *CalendarService) RecordRenewal(ctx context.Context, channelID string, expiresAt, renewedAt time.Time) (*domain.CalendarSubscription, bool, error) {
	if expiresAt.IsZero() {
		return nil, false, fmt.Errorf("%w: expires_at is required", domain.ErrInvalidInput)
	}
	if renewedAt.IsZero() {
		renewedAt = s.now()
	}

	sub, applied, err := s.subs.RecordRenewal(ctx, channelID, expiresAt, renewedAt)
	if err != nil {
		return nil, false, err
	}
	if !applied {
		s.log.Debug("redundant renewal skipped", "channel_id", channelID)
	}
	return sub, applied, nil
}

// DueForRenewal lists channels expiring within the window.
func (s *CalendarService) DueForRenewal(ctx context.Context, within time.Duration) ([]domain.CalendarSubscription, error) {
	if within < 0 {
		return nil, fmt.Errorf("%w: window must not be negative", domain.ErrInvalidInput)
	}
	return s.subs.ListExpiringBefore(ctx, s.now().Add(within))
}

func (s *CalendarService) Stale(ctx context.Context) ([]domain.CalendarSubscription, error) {
	return s.subs.ListStale(ctx, s.now())
}

func (s *CalendarService) Unregister(ctx context.Context, channelID string) error {
	if err := s.subs.Delete(ctx, channelID); err != nil {
		return err
	}
	s.log.Info("calendar channel removed", "channel_id", channelID)
	return nil
}
