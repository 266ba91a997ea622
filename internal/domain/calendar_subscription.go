package domain

import (
	"time"

	"github.com/google/uuid"
)

// CalendarSubscription is a push-notification channel registered with the calendar service.
// IdentityID is a soft reference.
type CalendarSubscription struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	IdentityID         string     `json:"identity_id" db:"identity_id"`
	ExternalChannelID  string     `json:"external_channel_id" db:"external_channel_id"`
	ExternalResourceID *string    `json:"external_resource_id,omitempty" db:"external_resource_id"`
	CalendarID         string     `json:"calendar_id" db:"calendar_id"`
	ExpiresAt          time.Time  `json:"expires_at" db:"expires_at"`
	RenewedAt          *time.Time `json:"renewed_at,omitempty" db:"renewed_at"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
}

// Stale reports a subscription past its deadline without a renewal covering it.
func (s *CalendarSubscription) Stale(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}
