package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository persists the idempotency ledger and the transaction state
// machine. Every method takes the db handle explicitly so callers can run
// the whole reconciliation inside one transaction scope.
type Repository interface {
	// InsertEvent registers an event id. It returns true when the row was
	// inserted (first sight) and false when the unique constraint
	// collapsed a duplicate. Store errors are returned, never treated as
	// first sight.
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*EventRecord, error)
	MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error

	InsertTransaction(ctx context.Context, db *gorm.DB, txn *PurchaseTransaction) error
	FindTransactionByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PurchaseTransaction, error)
	// FindTransactionByLookupKeys tries each key in order and returns the
	// first match, or nil when no key resolves.
	FindTransactionByLookupKeys(ctx context.Context, db *gorm.DB, provider string, keys []LookupKey) (*PurchaseTransaction, error)

	// The Mark* methods apply one conditional update guarded on current
	// status and report whether a row actually transitioned. Duplicate or
	// out-of-order deliveries degrade to false, never to corruption.
	MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	AssignInvoiceNumber(ctx context.Context, db *gorm.DB, id snowflake.ID, invoiceNumber string, now time.Time) error
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	MarkRefunded(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)

	ListTransactionsByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]PurchaseTransaction, error)
}
