// Package domain contains persistence models for user entitlements and
// the purchase-history log.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/melodex/melodex/internal/payment/domain"
)

// EntitlementItem is one owned item. The (user_id, item_kind, item_id)
// unique constraint makes ownership a true set even under duplicate
// grant attempts.
type EntitlementItem struct {
	ID        snowflake.ID            `json:"id" gorm:"primaryKey"`
	UserID    snowflake.ID            `json:"user_id" gorm:"not null;index"`
	ItemKind  paymentdomain.ItemKind  `json:"item_kind" gorm:"type:text;not null"`
	ItemID    snowflake.ID            `json:"item_id" gorm:"not null"`
	CreatedAt time.Time               `json:"created_at" gorm:"not null"`
}

// TableName sets the database table name.
func (EntitlementItem) TableName() string { return "user_entitlement_items" }

// HistoryEntry is one purchase-history row. Duplicate rows for the same
// transaction are tolerated as an audit artifact, never surfaced as
// duplicate ownership.
type HistoryEntry struct {
	ID            snowflake.ID           `json:"id" gorm:"primaryKey"`
	UserID        snowflake.ID           `json:"user_id" gorm:"not null;index"`
	TransactionID snowflake.ID           `json:"transaction_id" gorm:"not null"`
	ItemKind      paymentdomain.ItemKind `json:"item_kind" gorm:"type:text;not null"`
	ItemID        snowflake.ID           `json:"item_id" gorm:"not null"`
	AmountMinor   int64                  `json:"amount_minor" gorm:"not null"`
	Currency      string                 `json:"currency" gorm:"type:text;not null"`
	PaymentRef    string                 `json:"payment_ref" gorm:"type:text"`
	Provider      string                 `json:"provider" gorm:"type:text;not null"`
	PurchasedAt   time.Time              `json:"purchased_at" gorm:"not null"`
}

// TableName sets the database table name.
func (HistoryEntry) TableName() string { return "purchase_history" }

// UserEntitlements aggregates a user's owned sets and history.
type UserEntitlements struct {
	UserID          snowflake.ID   `json:"user_id"`
	PurchasedSongs  []snowflake.ID `json:"purchased_songs"`
	PurchasedAlbums []snowflake.ID `json:"purchased_albums"`
	History         []HistoryEntry `json:"history"`
}

var (
	ErrUserNotFound = errors.New("user_not_found")
)
