package domain

import (
	"context"
	"time"
)

// SessionContext is the immutable per-request view of an authenticated session.
// It is resolved once at the request boundary.
type SessionContext struct {
	IdentityID string    `json:"id"`
	Name       *string   `json:"name"`
	Email      *string   `json:"email"`
	Image      *string   `json:"image"`
	Role       Role      `json:"role"`
	Expires    time.Time `json:"expires"`

	// Refreshed is set when resolving this request slid Expires forward,
	// so the session cookie has to be reissued.
	Refreshed bool `json:"-"`
}

func (s SessionContext) IsAdmin() bool {
	return s.Role == RoleAdmin
}

type sessionContextKey struct{}

func WithSession(ctx context.Context, s SessionContext) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, s)
}

func SessionFromContext(ctx context.Context) (SessionContext, bool) {
	s, ok := ctx.Value(sessionContextKey{}).(SessionContext)
	return s, ok
}
