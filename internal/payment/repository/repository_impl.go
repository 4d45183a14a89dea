package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/melodex/melodex/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_events (
			id, provider, provider_event_id, event_kind, payload, received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		event.ID,
		event.Provider,
		event.ProviderEventID,
		event.EventKind,
		event.Payload,
		event.ReceivedAt,
		event.ProcessedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, provider_event_id, event_kind, payload, received_at, processed_at
		 FROM payment_events
		 WHERE provider = ? AND provider_event_id = ?
		 LIMIT 1`,
		provider,
		providerEventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_events
		 SET processed_at = ?
		 WHERE id = ?`,
		processedAt,
		id,
	).Error
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *domain.PurchaseTransaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO purchase_transactions (
			id, user_id, artist_id, item_kind, item_id, provider,
			payment_intent_id, order_id, provider_subscription_id,
			amount_minor, currency, status, plan_cycle, invoice_number,
			metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.UserID,
		txn.ArtistID,
		txn.ItemKind,
		txn.ItemID,
		txn.Provider,
		txn.PaymentIntentID,
		txn.OrderID,
		txn.ProviderSubscriptionID,
		txn.AmountMinor,
		txn.Currency,
		txn.Status,
		txn.PlanCycle,
		txn.InvoiceNumber,
		txn.Metadata,
		txn.CreatedAt,
		txn.UpdatedAt,
	).Error
}

func (r *repo) FindTransactionByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.PurchaseTransaction, error) {
	var item domain.PurchaseTransaction
	err := db.WithContext(ctx).Raw(
		transactionSelect+` WHERE id = ? LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

const transactionSelect = `SELECT id, user_id, artist_id, item_kind, item_id, provider,
	payment_intent_id, order_id, provider_subscription_id,
	amount_minor, currency, status, plan_cycle, invoice_number,
	metadata, created_at, updated_at
 FROM purchase_transactions`

func (r *repo) FindTransactionByLookupKeys(ctx context.Context, db *gorm.DB, provider string, keys []domain.LookupKey) (*domain.PurchaseTransaction, error) {
	for _, key := range keys {
		if key.Value == "" {
			continue
		}
		column, direct := lookupColumn(key.Field)
		var item domain.PurchaseTransaction
		var err error
		if direct {
			id, parseErr := snowflake.ParseString(key.Value)
			if parseErr != nil {
				continue
			}
			err = db.WithContext(ctx).Raw(
				transactionSelect+` WHERE id = ? LIMIT 1`,
				id,
			).Scan(&item).Error
		} else {
			err = db.WithContext(ctx).Raw(
				transactionSelect+` WHERE provider = ? AND `+column+` = ? LIMIT 1`,
				provider,
				key.Value,
			).Scan(&item).Error
		}
		if err != nil {
			return nil, err
		}
		if item.ID != 0 {
			return &item, nil
		}
	}
	return nil, nil
}

func lookupColumn(field domain.LookupField) (column string, direct bool) {
	switch field {
	case domain.LookupTransactionID:
		return "id", true
	case domain.LookupPaymentIntentID:
		return "payment_intent_id", false
	case domain.LookupOrderID:
		return "order_id", false
	case domain.LookupSubscriptionID:
		return "provider_subscription_id", false
	default:
		return "id", true
	}
}

// MarkPaid transitions to paid from pending or failed. A late success
// after a premature failure recovers the transaction; a success after
// paid or refunded is a no-op.
func (r *repo) MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE purchase_transactions
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		domain.TransactionStatusPaid,
		now,
		id,
		domain.TransactionStatusPending,
		domain.TransactionStatusFailed,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// AssignInvoiceNumber is called once, after the paid transition has won,
// so a lost race never consumes a sequence number.
func (r *repo) AssignInvoiceNumber(ctx context.Context, db *gorm.DB, id snowflake.ID, invoiceNumber string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE purchase_transactions
		 SET invoice_number = ?, updated_at = ?
		 WHERE id = ?`,
		invoiceNumber,
		now,
		id,
	).Error
}

// MarkFailed only transitions from pending, so a failure delivered after
// a success never moves the status away from paid.
func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE purchase_transactions
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.TransactionStatusFailed,
		now,
		id,
		domain.TransactionStatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkRefunded(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE purchase_transactions
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.TransactionStatusRefunded,
		now,
		id,
		domain.TransactionStatusPaid,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListTransactionsByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]domain.PurchaseTransaction, error) {
	var items []domain.PurchaseTransaction
	err := db.WithContext(ctx).Raw(
		transactionSelect+` WHERE user_id = ? ORDER BY created_at DESC`,
		userID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
