package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/melodex/melodex/internal/payment/domain"
	"gorm.io/gorm"
)

type Repository interface {
	// Upsert inserts or refreshes the (user_id, artist_id) row. On insert
	// it sets status active and created_at; on conflict it refreshes
	// valid_until, gateway, external id and linking transaction, leaving
	// the row active again.
	Upsert(ctx context.Context, db *gorm.DB, sub *ArtistSubscription) error
	FindByUserArtist(ctx context.Context, db *gorm.DB, userID, artistID snowflake.ID) (*ArtistSubscription, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*ArtistSubscription, error)
	// UpdateStatusByExternalID returns false when no row matches.
	UpdateStatusByExternalID(ctx context.Context, db *gorm.DB, externalID string, status SubscriptionStatus, now time.Time) (bool, error)
	RefreshByExternalID(ctx context.Context, db *gorm.DB, externalID string, validUntil, now time.Time) (bool, error)
	FindPlanCycle(ctx context.Context, db *gorm.DB, artistID snowflake.ID) (string, error)
}

// Service reconciles recurring access. ActivateOrRenew and Deactivate
// run on the caller's db handle so they commit with the rest of the
// event's effects.
type Service interface {
	ActivateOrRenew(ctx context.Context, db *gorm.DB, txn *paymentdomain.PurchaseTransaction, event *paymentdomain.PaymentEvent) (*ArtistSubscription, error)
	// RenewByExternalID extends an existing record when a renewal event
	// carries no resolvable transaction. Returns false when no record
	// matches.
	RenewByExternalID(ctx context.Context, db *gorm.DB, externalID string, periodEnd *time.Time) (bool, error)
	// Deactivate moves the record to failed or cancelled by external-id
	// lookup. A missing record is reported false, not an error.
	Deactivate(ctx context.Context, db *gorm.DB, externalID, reason string) (bool, error)
	Get(ctx context.Context, userID, artistID snowflake.ID) (*ArtistSubscription, error)
}
