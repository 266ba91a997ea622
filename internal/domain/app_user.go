package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleMember:
		return Role(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// ApplicationUser is the ledger row extending an identity. Exactly one per identity.
type ApplicationUser struct {
	ID                            uuid.UUID `json:"id" db:"id"`
	AuthIdentityID                string    `json:"auth_identity_id" db:"auth_identity_id"`
	ExternalPlatformUserID        *string   `json:"external_platform_user_id,omitempty" db:"external_platform_user_id"`
	Role                          Role      `json:"role" db:"role"`
	EncryptedCalendarRefreshToken *string   `json:"-" db:"encrypted_calendar_refresh_token"`
	CreatedAt                     time.Time `json:"created_at" db:"created_at"`
}

func (u *ApplicationUser) HasCalendarAccess() bool {
	return u.EncryptedCalendarRefreshToken != nil && *u.EncryptedCalendarRefreshToken != ""
}
