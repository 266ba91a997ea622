package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"targetdialer/internal/domain"
)

// IdentityRepository stores the tables a session-based auth adapter needs:
// identities, linked accounts, sessions, verification tokens and authenticators.
type IdentityRepository struct {
	db *sqlx.DB
}

func NewIdentityRepository(db *sqlx.DB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

// CreateIdentityWithAccount inserts a new identity and its first linked account atomically.
// A unique violation means another sign-in won the race; callers re-read by account.
func (r *IdentityRepository) CreateIdentityWithAccount(ctx context.Context, identity *domain.Identity, account *domain.LinkedAccount) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO identities (id, name, email, email_verified, image)
            VALUES ($1, $2, $3, $4, $5)`,
			identity.ID, identity.Name, identity.Email, identity.EmailVerified, identity.Image)
		if err != nil {
			return fmt.Errorf("failed to create identity: %w", err)
		}

		account.IdentityID = identity.ID
		if err := insertAccount(ctx, tx, account); err != nil {
			return err
		}
		return nil
	})
}

func (r *IdentityRepository) GetIdentity(ctx context.Context, id string) (*domain.Identity, error) {
	var identity domain.Identity
	err := r.db.GetContext(ctx, &identity, `SELECT * FROM identities WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}
	return &identity, nil
}

func (r *IdentityRepository) GetIdentityByEmail(ctx context.Context, email string) (*domain.Identity, error) {
	var identity domain.Identity
	err := r.db.GetContext(ctx, &identity, `SELECT * FROM identities WHERE email = $1`, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get identity by email: %w", err)
	}
	return &identity, nil
}

func (r *IdentityRepository) GetIdentityByAccount(ctx context.Context, provider, providerAccountID string) (*domain.Identity, error) {
	query := `
        SELECT i.*
        FROM identities i
        JOIN linked_accounts a ON a.identity_id = i.id
        WHERE a.provider = $1 AND a.provider_account_id = $2`

	var identity domain.Identity
	err := r.db.GetContext(ctx, &identity, query, provider, providerAccountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get identity by account: %w", err)
	}
	return &identity, nil
}

// UpdateIdentityProfile refreshes name and image. Email and id never change here.
func (r *IdentityRepository) UpdateIdentityProfile(ctx context.Context, id string, name, image *string) error {
	result, err := r.db.ExecContext(ctx, `
        UPDATE identities
        SET name = COALESCE($2, name),
            image = COALESCE($3, image)
        WHERE id = $1`, id, name, image)
	if err != nil {
		return fmt.Errorf("failed to update identity profile: %w", err)
	}
	return expectOne(result)
}

// DeleteIdentity removes an identity; accounts, sessions and authenticators cascade.
func (r *IdentityRepository) DeleteIdentity(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete identity: %w", err)
	}
	return expectOne(result)
}

func insertAccount(ctx context.Context, ext sqlx.ExecerContext, account *domain.LinkedAccount) error {
	_, err := ext.ExecContext(ctx, `
        INSERT INTO linked_accounts (
            identity_id, type, provider, provider_account_id, refresh_token,
            access_token, expires_at, token_type, scope, id_token, session_state
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		account.IdentityID, account.Type, account.Provider, account.ProviderAccountID, account.RefreshToken,
		account.AccessToken, account.ExpiresAt, account.TokenType, account.Scope, account.IDToken, account.SessionState)
	if err != nil {
		return fmt.Errorf("failed to link account: %w", err)
	}
	return nil
}

func (r *IdentityRepository) LinkAccount(ctx context.Context, account *domain.LinkedAccount) error {
	return insertAccount(ctx, r.db, account)
}

// UpdateAccountTokens stores freshly issued tokens. A nil refresh token keeps the stored one,
// since providers only return it on consent.
func (r *IdentityRepository) UpdateAccountTokens(ctx context.Context, account *domain.LinkedAccount) error {
	result, err := r.db.ExecContext(ctx, `
        UPDATE linked_accounts
        SET access_token = $3,
            refresh_token = COALESCE($4, refresh_token),
            expires_at = $5,
            token_type = $6,
            scope = $7,
            id_token = $8
        WHERE provider = $1 AND provider_account_id = $2`,
		account.Provider, account.ProviderAccountID, account.AccessToken, account.RefreshToken,
		account.ExpiresAt, account.TokenType, account.Scope, account.IDToken)
	if err != nil {
		return fmt.Errorf("failed to update account tokens: %w", err)
	}
	return expectOne(result)
}

func (r *IdentityRepository) GetAccount(ctx context.Context, provider, providerAccountID string) (*domain.LinkedAccount, error) {
	var account domain.LinkedAccount
	err := r.db.GetContext(ctx, &account, `
        SELECT * FROM linked_accounts WHERE provider = $1 AND provider_account_id = $2`,
		provider, providerAccountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

func (r *IdentityRepository) UnlinkAccount(ctx context.Context, provider, providerAccountID string) error {
	_, err := r.db.ExecContext(ctx, `
        DELETE FROM linked_accounts WHERE provider = $1 AND provider_account_id = $2`,
		provider, providerAccountID)
	if err != nil {
		return fmt.Errorf("failed to unlink account: %w", err)
	}
	return nil
}

func (r *IdentityRepository) CreateSession(ctx context.Context, session *domain.Session) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO sessions (token, identity_id, expires) VALUES ($1, $2, $3)`,
		session.Token, session.IdentityID, session.Expires)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

type sessionIdentityRow struct {
	Token         string     `db:"token"`
	Expires       time.Time  `db:"expires"`
	IdentityID    string     `db:"identity_id"`
	Name          *string    `db:"name"`
	Email         *string    `db:"email"`
	EmailVerified *time.Time `db:"email_verified"`
	Image         *string    `db:"image"`
}

// GetSessionAndIdentity loads a session with its identity. Expiry is not checked here.
func (r *IdentityRepository) GetSessionAndIdentity(ctx context.Context, token string) (*domain.Session, *domain.Identity, error) {
	query := `
        SELECT s.token, s.expires, i.id AS identity_id, i.name, i.email, i.email_verified, i.image
        FROM sessions s
        JOIN identities i ON i.id = s.identity_id
        WHERE s.token = $1`

	var row sessionIdentityRow
	if err := r.db.GetContext(ctx, &row, query, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, domain.ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to get session: %w", err)
	}

	session := &domain.Session{Token: row.Token, IdentityID: row.IdentityID, Expires: row.Expires}
	identity := &domain.Identity{
		ID:            row.IdentityID,
		Name:          row.Name,
		Email:         row.Email,
		EmailVerified: row.EmailVerified,
		Image:         row.Image,
	}
	return session, identity, nil
}

func (r *IdentityRepository) ExtendSession(ctx context.Context, token string, expires time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET expires = $2 WHERE token = $1`, token, expires)
	if err != nil {
		return fmt.Errorf("failed to extend session: %w", err)
	}
	return nil
}

func (r *IdentityRepository) DeleteSession(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (r *IdentityRepository) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return rowsAffected(result)
}

func (r *IdentityRepository) CreateVerificationToken(ctx context.Context, vt *domain.VerificationToken) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO verification_tokens (identifier, token, expires) VALUES ($1, $2, $3)`,
		vt.Identifier, vt.Token, vt.Expires)
	if err != nil {
		return fmt.Errorf("failed to create verification token: %w", err)
	}
	return nil
}

// UseVerificationToken consumes a token. A second use finds nothing.
func (r *IdentityRepository) UseVerificationToken(ctx context.Context, identifier, token string) (*domain.VerificationToken, error) {
	var vt domain.VerificationToken
	err := r.db.GetContext(ctx, &vt, `
        DELETE FROM verification_tokens
        WHERE identifier = $1 AND token = $2
        RETURNING identifier, token, expires`, identifier, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to use verification token: %w", err)
	}
	return &vt, nil
}

func (r *IdentityRepository) DeleteExpiredVerificationTokens(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM verification_tokens WHERE expires <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired verification tokens: %w", err)
	}
	return rowsAffected(result)
}

func (r *IdentityRepository) CreateAuthenticator(ctx context.Context, a *domain.Authenticator) error {
	_, err := r.db.NamedExecContext(ctx, `
        INSERT INTO authenticators (
            credential_id, identity_id, provider_account_id, credential_public_key,
            counter, credential_device_type, credential_backed_up, transports
        ) VALUES (
            :credential_id, :identity_id, :provider_account_id, :credential_public_key,
            :counter, :credential_device_type, :credential_backed_up, :transports
        )`, a)
	if err != nil {
		return fmt.Errorf("failed to create authenticator: %w", err)
	}
	return nil
}

func (r *IdentityRepository) ListAuthenticators(ctx context.Context, identityID string) ([]domain.Authenticator, error) {
	var list []domain.Authenticator
	err := r.db.SelectContext(ctx, &list, `
        SELECT * FROM authenticators WHERE identity_id = $1 ORDER BY credential_id`, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list authenticators: %w", err)
	}
	return list, nil
}

func (r *IdentityRepository) UpdateAuthenticatorCounter(ctx context.Context, credentialID string, counter int) error {
	result, err := r.db.ExecContext(ctx, `
        UPDATE authenticators SET counter = $2 WHERE credential_id = $1`, credentialID, counter)
	if err != nil {
		return fmt.Errorf("failed to update authenticator counter: %w", err)
	}
	return expectOne(result)
}
