package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"targetdialer/internal/domain"
)

// AppUserRepository is the application user ledger: one row per identity.
type AppUserRepository struct {
	db *sqlx.DB
}

func NewAppUserRepository(db *sqlx.DB) *AppUserRepository {
	return &AppUserRepository{db: db}
}

// InsertIfAbsent creates a member row for identityID unless one exists.
// The unique constraint on auth_identity_id arbitrates concurrent callers;
// created is true only for the caller whose insert landed.
func (r *AppUserRepository) InsertIfAbsent(ctx context.Context, identityID string) (bool, error) {
	query := `
        INSERT INTO app_users (id, auth_identity_id, role)
        VALUES ($1, $2, 'member')
        ON CONFLICT (auth_identity_id) DO NOTHING`

	result, err := r.db.ExecContext(ctx, query, uuid.New(), identityID)
	if err != nil {
		if IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert application user: %w", err)
	}
	rows, err := rowsAffected(result)
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (r *AppUserRepository) GetByIdentity(ctx context.Context, identityID string) (*domain.ApplicationUser, error) {
	var user domain.ApplicationUser
	err := r.db.GetContext(ctx, &user, `SELECT * FROM app_users WHERE auth_identity_id = $1`, identityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get application user: %w", err)
	}
	return &user, nil
}

func (r *AppUserRepository) CountByIdentity(ctx context.Context, identityID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM app_users WHERE auth_identity_id = $1`, identityID)
	if err != nil {
		return 0, fmt.Errorf("failed to count application users: %w", err)
	}
	return count, nil
}

func (r *AppUserRepository) List(ctx context.Context) ([]domain.ApplicationUser, error) {
	var users []domain.ApplicationUser
	if err := r.db.SelectContext(ctx, &users, `SELECT * FROM app_users ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("failed to list application users: %w", err)
	}
	return users, nil
}

func (r *AppUserRepository) UpdateRole(ctx context.Context, identityID string, role domain.Role) error {
	result, err := r.db.ExecContext(ctx, `
        UPDATE app_users SET role = $2::user_role WHERE auth_identity_id = $1`, identityID, role)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	return expectOne(result)
}

func (r *AppUserRepository) SetExternalPlatformUserID(ctx context.Context, identityID string, platformUserID *string) error {
	result, err := r.db.ExecContext(ctx, `
        UPDATE app_users SET external_platform_user_id = $2 WHERE auth_identity_id = $1`,
		identityID, platformUserID)
	if err != nil {
		return fmt.Errorf("failed to set external platform user id: %w", err)
	}
	return expectOne(result)
}

// SetCalendarRefreshToken stores an already encrypted refresh token.
func (r *AppUserRepository) SetCalendarRefreshToken(ctx context.Context, identityID string, ciphertext string) error {
	result, err := r.db.ExecContext(ctx, `
        UPDATE app_users SET encrypted_calendar_refresh_token = $2 WHERE auth_identity_id = $1`,
		identityID, ciphertext)
	if err != nil {
		return fmt.Errorf("failed to set calendar refresh token: %w", err)
	}
	return expectOne(result)
}

func expectOne(result sql.Result) error {
	rows, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}
