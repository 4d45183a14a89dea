package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/melodex/melodex/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, sub *subscriptiondomain.ArtistSubscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO artist_subscriptions (
			id, user_id, artist_id, status, valid_until, gateway,
			external_subscription_id, transaction_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, artist_id) DO UPDATE SET
			status = ?,
			valid_until = ?,
			gateway = ?,
			external_subscription_id = ?,
			transaction_id = ?,
			updated_at = ?`,
		sub.ID,
		sub.UserID,
		sub.ArtistID,
		sub.Status,
		sub.ValidUntil,
		sub.Gateway,
		sub.ExternalSubscriptionID,
		sub.TransactionID,
		sub.CreatedAt,
		sub.UpdatedAt,
		sub.Status,
		sub.ValidUntil,
		sub.Gateway,
		sub.ExternalSubscriptionID,
		sub.TransactionID,
		sub.UpdatedAt,
	).Error
}

const subscriptionSelect = `SELECT id, user_id, artist_id, status, valid_until, gateway,
	external_subscription_id, transaction_id, created_at, updated_at
 FROM artist_subscriptions`

func (r *repo) FindByUserArtist(ctx context.Context, db *gorm.DB, userID, artistID snowflake.ID) (*subscriptiondomain.ArtistSubscription, error) {
	var item subscriptiondomain.ArtistSubscription
	err := db.WithContext(ctx).Raw(
		subscriptionSelect+` WHERE user_id = ? AND artist_id = ? LIMIT 1`,
		userID,
		artistID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*subscriptiondomain.ArtistSubscription, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, nil
	}
	var item subscriptiondomain.ArtistSubscription
	err := db.WithContext(ctx).Raw(
		subscriptionSelect+` WHERE external_subscription_id = ? LIMIT 1`,
		externalID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpdateStatusByExternalID(ctx context.Context, db *gorm.DB, externalID string, status subscriptiondomain.SubscriptionStatus, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE artist_subscriptions
		 SET status = ?, updated_at = ?
		 WHERE external_subscription_id = ?`,
		status,
		now,
		externalID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) RefreshByExternalID(ctx context.Context, db *gorm.DB, externalID string, validUntil, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE artist_subscriptions
		 SET status = ?, valid_until = ?, updated_at = ?
		 WHERE external_subscription_id = ?`,
		subscriptiondomain.SubscriptionStatusActive,
		validUntil,
		now,
		externalID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindPlanCycle(ctx context.Context, db *gorm.DB, artistID snowflake.ID) (string, error) {
	var cycle string
	err := db.WithContext(ctx).Raw(
		`SELECT cycle FROM artist_plans WHERE artist_id = ? LIMIT 1`,
		artistID,
	).Scan(&cycle).Error
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(cycle), nil
}
