package domain

import "time"

// Identity is a provider-authenticated user, the root of the session graph.
type Identity struct {
	ID            string     `json:"id" db:"id"`
	Name          *string    `json:"name,omitempty" db:"name"`
	Email         *string    `json:"email,omitempty" db:"email"`
	EmailVerified *time.Time `json:"email_verified,omitempty" db:"email_verified"`
	Image         *string    `json:"image,omitempty" db:"image"`
}

// LinkedAccount maps one external provider account to exactly one identity.
type LinkedAccount struct {
	IdentityID        string  `json:"identity_id" db:"identity_id"`
	Type              string  `json:"type" db:"type"`
	Provider          string  `json:"provider" db:"provider"`
	ProviderAccountID string  `json:"provider_account_id" db:"provider_account_id"`
	RefreshToken      *string `json:"-" db:"refresh_token"`
	AccessToken       *string `json:"-" db:"access_token"`
	ExpiresAt         *int64  `json:"expires_at,omitempty" db:"expires_at"`
	TokenType         *string `json:"token_type,omitempty" db:"token_type"`
	Scope             *string `json:"scope,omitempty" db:"scope"`
	IDToken           *string `json:"-" db:"id_token"`
	SessionState      *string `json:"-" db:"session_state"`
}

const AccountTypeOIDC = "oidc"

type Session struct {
	Token      string    `json:"-" db:"token"`
	IdentityID string    `json:"identity_id" db:"identity_id"`
	Expires    time.Time `json:"expires" db:"expires"`
}

// Valid reports whether the session still authorizes access at now.
func (s *Session) Valid(now time.Time) bool {
	return s.Expires.After(now)
}

type VerificationToken struct {
	Identifier string    `json:"identifier" db:"identifier"`
	Token      string    `json:"-" db:"token"`
	Expires    time.Time `json:"expires" db:"expires"`
}

// Authenticator is a WebAuthn credential bound to an identity.
type Authenticator struct {
	CredentialID         string  `json:"credential_id" db:"credential_id"`
	IdentityID           string  `json:"identity_id" db:"identity_id"`
	ProviderAccountID    string  `json:"provider_account_id" db:"provider_account_id"`
	CredentialPublicKey  string  `json:"credential_public_key" db:"credential_public_key"`
	Counter              int     `json:"counter" db:"counter"`
	CredentialDeviceType string  `json:"credential_device_type" db:"credential_device_type"`
	CredentialBackedUp   bool    `json:"credential_backed_up" db:"credential_backed_up"`
	Transports           *string `json:"transports,omitempty" db:"transports"`
}

// ProviderProfile is the identity assertion returned by the identity provider.
type ProviderProfile struct {
	Provider          string
	ProviderAccountID string
	Email             string
	EmailVerified     bool
	Name              string
	Image             string
}

// ProviderTokens are the OAuth tokens issued alongside a profile.
type ProviderTokens struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	IDToken      string
	Expiry       time.Time
}
