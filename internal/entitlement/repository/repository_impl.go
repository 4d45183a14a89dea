package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/melodex/melodex/internal/entitlement/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) UserExists(ctx context.Context, db *gorm.DB, userID snowflake.ID) (bool, error) {
	var id snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM users WHERE id = ? LIMIT 1`,
		userID,
	).Scan(&id).Error
	if err != nil {
		return false, err
	}
	return id != 0, nil
}

func (r *repo) AddItem(ctx context.Context, db *gorm.DB, item *domain.EntitlementItem) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO user_entitlement_items (id, user_id, item_kind, item_id, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, item_kind, item_id) DO NOTHING`,
		item.ID,
		item.UserID,
		item.ItemKind,
		item.ItemID,
		item.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) AppendHistory(ctx context.Context, db *gorm.DB, entry *domain.HistoryEntry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO purchase_history (
			id, user_id, transaction_id, item_kind, item_id,
			amount_minor, currency, payment_ref, provider, purchased_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.UserID,
		entry.TransactionID,
		entry.ItemKind,
		entry.ItemID,
		entry.AmountMinor,
		entry.Currency,
		entry.PaymentRef,
		entry.Provider,
		entry.PurchasedAt,
	).Error
}

func (r *repo) ListItems(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]domain.EntitlementItem, error) {
	var items []domain.EntitlementItem
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, item_kind, item_id, created_at
		 FROM user_entitlement_items
		 WHERE user_id = ?
		 ORDER BY created_at`,
		userID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListHistory(ctx context.Context, db *gorm.DB, userID snowflake.ID) ([]domain.HistoryEntry, error) {
	var entries []domain.HistoryEntry
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, transaction_id, item_kind, item_id,
			amount_minor, currency, payment_ref, provider, purchased_at
		 FROM purchase_history
		 WHERE user_id = ?
		 ORDER BY purchased_at`,
		userID,
	).Scan(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}
