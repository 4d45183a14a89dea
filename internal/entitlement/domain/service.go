package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/melodex/melodex/internal/payment/domain"
	"gorm.io/gorm"
)

type Repository interface {
	UserExists(ctx context.Context, db *gorm.DB, userID snowflake.ID) (bool, error)
	// AddItem inserts into the owned-item set; duplicates collapse on the
	// unique constraint and report false.
	AddItem(ctx context.Context, db *gorm.DB, item *EntitlementItem) (bool, error)
	AppendHistory(ctx context.Context, db *gorm.DB, entry *HistoryEntry) error
	ListItems(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]EntitlementItem, error)
	ListHistory(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]HistoryEntry, error)
}

// Service grants purchased items. Grant runs on the caller's db handle so
// the set insert and the history append commit atomically with the paid
// transition that triggered them.
type Service interface {
	Grant(ctx context.Context, db *gorm.DB, txn *paymentdomain.PurchaseTransaction, paymentRef string) (bool, error)
	GetForUser(ctx context.Context, userID snowflake.ID) (UserEntitlements, error)
}
