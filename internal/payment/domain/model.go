// Package domain contains the canonical payment event and the purchase
// transaction state machine models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TransactionStatus represents lifecycle states for a purchase transaction.
type TransactionStatus string

const (
	TransactionStatusPending  TransactionStatus = "pending"
	TransactionStatusPaid     TransactionStatus = "paid"
	TransactionStatusFailed   TransactionStatus = "failed"
	TransactionStatusRefunded TransactionStatus = "refunded"
)

// ItemKind identifies what a transaction pays for.
type ItemKind string

const (
	ItemKindSong               ItemKind = "song"
	ItemKindAlbum              ItemKind = "album"
	ItemKindArtistSubscription ItemKind = "artist_subscription"
)

// PurchaseTransaction is one purchase or subscription-payment intent.
// Correlation keys (payment intent, order, provider subscription) are set
// once at creation and never rewritten; at most one is populated per
// provider. Status only moves forward: pending->paid, pending->failed,
// paid->refunded. Rows are never deleted.
type PurchaseTransaction struct {
	ID                     snowflake.ID      `json:"id" gorm:"primaryKey"`
	UserID                 snowflake.ID      `json:"user_id" gorm:"not null;index"`
	ArtistID               snowflake.ID      `json:"artist_id" gorm:"index"`
	ItemKind               ItemKind          `json:"item_kind" gorm:"type:text;not null"`
	ItemID                 snowflake.ID      `json:"item_id" gorm:"not null"`
	Provider               string            `json:"provider" gorm:"type:text;not null"`
	PaymentIntentID        *string           `json:"payment_intent_id" gorm:"type:text"`
	OrderID                *string           `json:"order_id" gorm:"type:text"`
	ProviderSubscriptionID *string           `json:"provider_subscription_id" gorm:"type:text"`
	AmountMinor            int64             `json:"amount_minor" gorm:"not null"`
	Currency               string            `json:"currency" gorm:"type:text;not null"`
	Status                 TransactionStatus `json:"status" gorm:"type:text;not null"`
	PlanCycle              string            `json:"plan_cycle" gorm:"type:text"`
	InvoiceNumber          *string           `json:"invoice_number" gorm:"type:text"`
	Metadata               datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`
	CreatedAt              time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt              time.Time         `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (PurchaseTransaction) TableName() string { return "purchase_transactions" }

// EventRecord is one row of the idempotency ledger: one row per
// (provider, provider_event_id), unique-constrained. A second insert for
// the same key is detectable, not an error.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null"`
	EventKind       string         `json:"event_kind" gorm:"type:text;not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

// TableName sets the database table name.
func (EventRecord) TableName() string { return "payment_events" }
