// Package domain contains persistence models for recurring artist
// subscriptions.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionStatus represents lifecycle states for an artist subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusFailed    SubscriptionStatus = "failed"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// ArtistSubscription is a user's recurring access to one artist. Exactly
// one row exists per (user_id, artist_id); repeated activations refresh
// the same row via upsert rather than creating new ones.
type ArtistSubscription struct {
	ID                     snowflake.ID       `json:"id" gorm:"primaryKey"`
	UserID                 snowflake.ID       `json:"user_id" gorm:"not null;index"`
	ArtistID               snowflake.ID       `json:"artist_id" gorm:"not null;index"`
	Status                 SubscriptionStatus `json:"status" gorm:"type:text;not null"`
	ValidUntil             time.Time          `json:"valid_until" gorm:"not null"`
	Gateway                string             `json:"gateway" gorm:"type:text;not null"`
	ExternalSubscriptionID string             `json:"external_subscription_id" gorm:"type:text;index"`
	TransactionID          snowflake.ID       `json:"transaction_id"`
	CreatedAt              time.Time          `json:"created_at" gorm:"not null"`
	UpdatedAt              time.Time          `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (ArtistSubscription) TableName() string { return "artist_subscriptions" }

// ArtistPlan describes an artist's subscription offer; Cycle feeds the
// validity-window fallback when the provider supplies no period end.
type ArtistPlan struct {
	ArtistID    snowflake.ID `json:"artist_id" gorm:"primaryKey"`
	Cycle       string       `json:"cycle" gorm:"type:text;not null"`
	AmountMinor int64        `json:"amount_minor" gorm:"not null"`
	Currency    string       `json:"currency" gorm:"type:text;not null"`
}

// TableName sets the database table name.
func (ArtistPlan) TableName() string { return "artist_plans" }

// CycleDuration maps a plan cycle to its fixed validity window. Unknown
// cycles fall back to the 30-day default.
func CycleDuration(cycle string) time.Duration {
	switch cycle {
	case "1m":
		return 30 * 24 * time.Hour
	case "3m":
		return 90 * 24 * time.Hour
	case "6m":
		return 180 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidReason        = errors.New("invalid_deactivation_reason")
)
