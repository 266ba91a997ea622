package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"targetdialer/internal/domain"
	"targetdialer/internal/logger"
	"targetdialer/internal/repository"
)

// SignInService turns a verified provider assertion into an identity, a ledger row and a session.
type SignInService struct {
	identities IdentityStore
	ledger     LedgerStore
	cipher     TokenEncrypter
	maxAge     time.Duration
	log        *logger.Logger
	now        func() time.Time
}

func NewSignInService(
	identities IdentityStore,
	ledger LedgerStore,
	cipher TokenEncrypter,
	maxAge time.Duration,
	log *logger.Logger,
) *SignInService {
	return &SignInService{
		identities: identities,
		ledger:     ledger,
		cipher:     cipher,
		maxAge:     maxAge,
		log:        log.With("service", "SignInService"),
		now:        time.Now,
	}
}

// EnsureApplicationUser guarantees exactly one ledger row for identityID, creating it with
// the member role if absent. Safe to call concurrently and repeatedly; an existing row is
// returned untouched.
func (s *SignInService) EnsureApplicationUser(ctx context.Context, identityID string) (*domain.ApplicationUser, error) {
	if identityID == "" {
		return nil, fmt.Errorf("%w: identity id is required", domain.ErrInvalidInput)
	}

	created, err := s.ledger.InsertIfAbsent(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to provision application user: %w", err)
	}

	user, err := s.ledger.GetByIdentity(ctx, identityID)
	if errors.Is(err, domain.ErrNotFound) {
		s.log.Error("ledger row missing after provisioning", "identity_id", identityID)
		return nil, fmt.Errorf("%w: no row for identity %s", domain.ErrLedgerInvariant, identityID)
	}
	if err != nil {
		return nil, err
	}

	if created {
		s.log.Info("application user provisioned", "identity_id", identityID, "role", user.Role)
		return user, nil
	}

	count, err := s.ledger.CountByIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if count != 1 {
		s.log.Error("duplicate ledger rows", "identity_id", identityID, "count", count)
		return nil, fmt.Errorf("%w: %d rows for identity %s", domain.ErrLedgerInvariant, count, identityID)
	}
	return user, nil
}

// CompleteSignIn runs after the provider exchange succeeded. It resolves or creates the
// identity, ensures its ledger row, stores the calendar refresh token encrypted and opens
// a new session.
func (s *SignInService) CompleteSignIn(ctx context.Context, profile domain.ProviderProfile, tokens domain.ProviderTokens) (*domain.Session, error) {
	if profile.Provider == "" || profile.ProviderAccountID == "" {
		return nil, fmt.Errorf("%w: provider account is missing", domain.ErrAuthenticationFailure)
	}

	identity, err := s.resolveIdentity(ctx, profile, tokens)
	if err != nil {
		return nil, err
	}

	if _, err := s.EnsureApplicationUser(ctx, identity.ID); err != nil {
		return nil, err
	}

	if tokens.RefreshToken != "" {
		ciphertext, err := s.cipher.Encrypt(tokens.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		if err := s.ledger.SetCalendarRefreshToken(ctx, identity.ID, ciphertext); err != nil {
			return nil, err
		}
	}

	session := &domain.Session{
		Token:      uuid.NewString(),
		IdentityID: identity.ID,
		Expires:    s.now().Add(s.maxAge),
	}
	if err := s.identities.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	s.log.Info("signed in", "identity_id", identity.ID, "provider", profile.Provider)
	return session, nil
}

// errIdentityTaken means the account or its email already has an identity; the caller
// re-reads by account to tell a concurrent sign-in apart from a foreign email owner.
var errIdentityTaken = errors.New("identity already exists")

func (s *SignInService) resolveIdentity(ctx context.Context, profile domain.ProviderProfile, tokens domain.ProviderTokens) (*domain.Identity, error) {
	account := linkedAccountFor(profile, tokens)

	identity, err := s.identities.GetIdentityByAccount(ctx, profile.Provider, profile.ProviderAccountID)
	if errors.Is(err, domain.ErrNotFound) {
		created, cerr := s.createIdentity(ctx, profile, account)
		if cerr == nil {
			return created, nil
		}
		if !errors.Is(cerr, errIdentityTaken) {
			return nil, cerr
		}
		identity, err = s.identities.GetIdentityByAccount(ctx, profile.Provider, profile.ProviderAccountID)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrAccountNotLinked
	}
	if err != nil {
		return nil, err
	}

	if err := s.identities.UpdateIdentityProfile(ctx, identity.ID, optional(profile.Name), optional(profile.Image)); err != nil {
		return nil, err
	}
	account.IdentityID = identity.ID
	if err := s.identities.UpdateAccountTokens(ctx, account); err != nil {
		return nil, err
	}
	return identity, nil
}

func (s *SignInService) createIdentity(ctx context.Context, profile domain.ProviderProfile, account *domain.LinkedAccount) (*domain.Identity, error) {
	if profile.Email != "" {
		_, err := s.identities.GetIdentityByEmail(ctx, profile.Email)
		if err == nil {
			return nil, errIdentityTaken
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	identity := &domain.Identity{
		ID:    uuid.NewString(),
		Name:  optional(profile.Name),
		Email: optional(profile.Email),
		Image: optional(profile.Image),
	}
	if profile.EmailVerified {
		verified := s.now()
		identity.EmailVerified = &verified
	}

	if err := s.identities.CreateIdentityWithAccount(ctx, identity, account); err != nil {
		if repository.IsUniqueViolation(err) {
			return nil, errIdentityTaken
		}
		return nil, err
	}
	s.log.Info("identity created", "identity_id", identity.ID, "provider", profile.Provider)
	return identity, nil
}

// linkedAccountFor keeps the refresh token out of the account row; it lives encrypted on the ledger.
func linkedAccountFor(profile domain.ProviderProfile, tokens domain.ProviderTokens) *domain.LinkedAccount {
	account := &domain.LinkedAccount{
		Type:              domain.AccountTypeOIDC,
		Provider:          profile.Provider,
		ProviderAccountID: profile.ProviderAccountID,
		AccessToken:       optional(tokens.AccessToken),
		TokenType:         optional(tokens.TokenType),
		Scope:             optional(tokens.Scope),
		IDToken:           optional(tokens.IDToken),
	}
	if !tokens.Expiry.IsZero() {
		exp := tokens.Expiry.Unix()
		account.ExpiresAt = &exp
	}
	return account
}

func (s *SignInService) SignOut(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.identities.DeleteSession(ctx, token)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
