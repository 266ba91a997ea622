package service

import (
	"context"
	"fmt"

	"targetdialer/internal/domain"
	"targetdialer/internal/logger"
)

// LedgerService is the out-of-band administration path for application users.
// Sign-in never changes a role.
type LedgerService struct {
	ledger LedgerStore
	log    *logger.Logger
}

func NewLedgerService(ledger LedgerStore, log *logger.Logger) *LedgerService {
	return &LedgerService{
		ledger: ledger,
		log:    log.With("service", "LedgerService"),
	}
}

func (s *LedgerService) List(ctx context.Context, actor domain.SessionContext) ([]domain.ApplicationUser, error) {
	if !actor.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	return s.ledger.List(ctx)
}

func (s *LedgerService) SetRole(ctx context.Context, actor domain.SessionContext, identityID, role string) (*domain.ApplicationUser, error) {
	if !actor.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	parsed, err := domain.ParseRole(role)
	if err != nil {
		return nil, err
	}
	if identityID == "" {
		return nil, fmt.Errorf("%w: identity id is required", domain.ErrInvalidInput)
	}

	if err := s.ledger.UpdateRole(ctx, identityID, parsed); err != nil {
		return nil, err
	}
	s.log.Info("role changed", "identity_id", identityID, "role", parsed, "by", actor.IdentityID)
	return s.ledger.GetByIdentity(ctx, identityID)
}

// LinkExternalPlatformUser binds the ledger row to the transcription platform's user id.
// An empty platformUserID clears the link.
func (s *LedgerService) LinkExternalPlatformUser(ctx context.Context, actor domain.SessionContext, identityID, platformUserID string) (*domain.ApplicationUser, error) {
	if !actor.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	if identityID == "" {
		return nil, fmt.Errorf("%w: identity id is required", domain.ErrInvalidInput)
	}

	if err := s.ledger.SetExternalPlatformUserID(ctx, identityID, optional(platformUserID)); err != nil {
		return nil, err
	}
	s.log.Info("platform user linked", "identity_id", identityID, "platform_user_id", platformUserID)
	return s.ledger.GetByIdentity(ctx, identityID)
}
