package service

import (
	"context"
	"errors"
	"time"

	"targetdialer/internal/domain"
	"targetdialer/internal/logger"
)

// SessionService materializes a SessionContext from a session token.
type SessionService struct {
	identities IdentityStore
	ledger     LedgerStore
	maxAge     time.Duration
	updateAge  time.Duration
	log        *logger.Logger
	now        func() time.Time
}

func NewSessionService(identities IdentityStore, ledger LedgerStore, maxAge, updateAge time.Duration, log *logger.Logger) *SessionService {
	return &SessionService{
		identities: identities,
		ledger:     ledger,
		maxAge:     maxAge,
		updateAge:  updateAge,
		log:        log.With("service", "SessionService"),
		now:        time.Now,
	}
}

// Resolve looks the session up, drops it if expired and reads the role from the ledger.
// The role is never cached, so ledger changes show up on the next call.
// A session is pushed forward to now+maxAge once updateAge has passed since it was last extended.
func (s *SessionService) Resolve(ctx context.Context, token string) (domain.SessionContext, error) {
	if token == "" {
		return domain.SessionContext{}, domain.ErrMissingSession
	}

	session, identity, err := s.identities.GetSessionAndIdentity(ctx, token)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.SessionContext{}, domain.ErrMissingSession
	}
	if err != nil {
		return domain.SessionContext{}, err
	}

	now := s.now()
	if !session.Valid(now) {
		if err := s.identities.DeleteSession(ctx, token); err != nil {
			s.log.Warn("failed to delete expired session", "identity_id", session.IdentityID, "error", err)
		}
		return domain.SessionContext{}, domain.ErrMissingSession
	}

	expires, refreshed := session.Expires, false
	if s.updateAge > 0 && !now.Before(session.Expires.Add(-s.maxAge).Add(s.updateAge)) {
		extended := now.Add(s.maxAge)
		if err := s.identities.ExtendSession(ctx, token, extended); err != nil {
			s.log.Warn("failed to extend session", "identity_id", session.IdentityID, "error", err)
		} else {
			expires, refreshed = extended, true
		}
	}

	role := domain.RoleMember
	user, err := s.ledger.GetByIdentity(ctx, identity.ID)
	switch {
	case err == nil:
		role = user.Role
	case errors.Is(err, domain.ErrNotFound):
		s.log.Warn("no ledger row for session identity, defaulting role", "identity_id", identity.ID)
	default:
		return domain.SessionContext{}, err
	}

	return domain.SessionContext{
		IdentityID: identity.ID,
		Name:       identity.Name,
		Email:      identity.Email,
		Image:      identity.Image,
		Role:       role,
		Expires:    expires,
		Refreshed:  refreshed,
	}, nil
}
