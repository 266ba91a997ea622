package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"targetdialer/internal/domain"
)

type CalendarSubscriptionRepository struct {
	db *sqlx.DB
}

func NewCalendarSubscriptionRepository(db *sqlx.DB) *CalendarSubscriptionRepository {
	return &CalendarSubscriptionRepository{db: db}
}

// Upsert registers a channel or refreshes an existing registration with the same channel id.
// The owner of an existing channel is never reassigned.
func (r *CalendarSubscriptionRepository) Upsert(ctx context.Context, sub *domain.CalendarSubscription) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}

	query := `
        INSERT INTO calendar_subscriptions (
            id, identity_id, external_channel_id, external_resource_id, calendar_id, expires_at
        ) VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (external_channel_id) DO UPDATE
        SET external_resource_id = COALESCE(EXCLUDED.external_resource_id, calendar_subscriptions.external_resource_id),
            calendar_id = EXCLUDED.calendar_id,
            expires_at = EXCLUDED.expires_at
        RETURNING *`

	err := r.db.GetContext(ctx, sub, query,
		sub.ID, sub.IdentityID, sub.ExternalChannelID, sub.ExternalResourceID, sub.CalendarID, sub.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to upsert calendar subscription: %w", err)
	}
	return nil
}

func (r *CalendarSubscriptionRepository) GetByChannel(ctx context.Context, channelID string) (*domain.CalendarSubscription, error) {
	var sub domain.CalendarSubscription
	err := r.db.GetContext(ctx, &sub, `
        SELECT * FROM calendar_subscriptions WHERE external_channel_id = $1`, channelID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get calendar subscription: %w", err)
	}
	return &sub, nil
}

// RecordRenewal moves the channel deadline forward. A renewal whose renewedAt is not newer
// than the stored one is redundant and skipped; applied reports which case happened.
func (r *CalendarSubscriptionRepository) RecordRenewal(ctx context.Context, channelID string, expiresAt, renewedAt time.Time) (*domain.CalendarSubscription, bool, error) {
	query := `
        UPDATE calendar_subscriptions
        SET expires_at = $2,
            renewed_at = $3
        WHERE external_channel_id = $1
        AND (renewed_at IS NULL OR renewed_at < $3)
        RETURNING *`

	var sub domain.CalendarSubscription
	err := r.db.GetContext(ctx, &sub, query, channelID, expiresAt, renewedAt)
	if err == nil {
		return &sub, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to record renewal: %w", err)
	}

	current, err := r.GetByChannel(ctx, channelID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// ListExpiringBefore returns subscriptions whose deadline falls before the given instant.
func (r *CalendarSubscriptionRepository) ListExpiringBefore(ctx context.Context, deadline time.Time) ([]domain.CalendarSubscription, error) {
	var subs []domain.CalendarSubscription
	err := r.db.SelectContext(ctx, &subs, `
        SELECT * FROM calendar_subscriptions
        WHERE expires_at < $1
        ORDER BY expires_at`, deadline)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring subscriptions: %w", err)
	}
	return subs, nil
}

func (r *CalendarSubscriptionRepository) ListStale(ctx context.Context, now time.Time) ([]domain.CalendarSubscription, error) {
	var subs []domain.CalendarSubscription
	err := r.db.SelectContext(ctx, &subs, `
        SELECT * FROM calendar_subscriptions
        WHERE expires_at <= $1
        ORDER BY expires_at`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale subscriptions: %w", err)
	}
	return subs, nil
}

func (r *CalendarSubscriptionRepository) Delete(ctx context.Context, channelID string) error {
	result, err := r.db.ExecContext(ctx, `
        DELETE FROM calendar_subscriptions WHERE external_channel_id = $1`, channelID)
	if err != nil {
		return fmt.Errorf("failed to delete calendar subscription: %w", err)
	}
	return expectOne(result)
}
