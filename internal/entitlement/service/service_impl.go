package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/melodex/melodex/internal/clock"
	"github.com/melodex/melodex/internal/entitlement/domain"
	paymentdomain "github.com/melodex/melodex/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("entitlement.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Grant appends a purchase-history entry and adds the item to the owned
// set for song and album purchases. It is safe to re-invoke after a
// crash: the set insert collapses on its unique constraint and a
// duplicate history row is a tolerated audit artifact.
func (s *Service) Grant(ctx context.Context, db *gorm.DB, txn *paymentdomain.PurchaseTransaction, paymentRef string) (bool, error) {
	if txn == nil {
		return false, paymentdomain.ErrInvalidEvent
	}

	exists, err := s.repo.UserExists(ctx, db, txn.UserID)
	if err != nil {
		return false, err
	}
	if !exists {
		s.log.Warn("entitlement grant for unknown user",
			zap.String("user_id", txn.UserID.String()),
			zap.String("transaction_id", txn.ID.String()),
		)
		return false, nil
	}

	now := s.clock.Now().UTC()
	entry := &domain.HistoryEntry{
		ID:            s.genID.Generate(),
		UserID:        txn.UserID,
		TransactionID: txn.ID,
		ItemKind:      txn.ItemKind,
		ItemID:        txn.ItemID,
		AmountMinor:   txn.AmountMinor,
		Currency:      txn.Currency,
		PaymentRef:    paymentRef,
		Provider:      txn.Provider,
		PurchasedAt:   now,
	}
	if err := s.repo.AppendHistory(ctx, db, entry); err != nil {
		return false, err
	}

	switch txn.ItemKind {
	case paymentdomain.ItemKindSong, paymentdomain.ItemKindAlbum:
		added, err := s.repo.AddItem(ctx, db, &domain.EntitlementItem{
			ID:        s.genID.Generate(),
			UserID:    txn.UserID,
			ItemKind:  txn.ItemKind,
			ItemID:    txn.ItemID,
			CreatedAt: now,
		})
		if err != nil {
			return false, err
		}
		if !added {
			s.log.Warn("entitlement already granted",
				zap.String("user_id", txn.UserID.String()),
				zap.String("item_kind", string(txn.ItemKind)),
				zap.String("item_id", txn.ItemID.String()),
			)
		}
	case paymentdomain.ItemKindArtistSubscription:
		// Recurring access is handled by the subscription reconciler, not
		// the owned-item sets.
	default:
		s.log.Warn("unknown item kind in entitlement grant",
			zap.String("item_kind", string(txn.ItemKind)),
			zap.String("transaction_id", txn.ID.String()),
		)
	}

	return true, nil
}

func (s *Service) GetForUser(ctx context.Context, userID snowflake.ID) (domain.UserEntitlements, error) {
	out := domain.UserEntitlements{UserID: userID}

	exists, err := s.repo.UserExists(ctx, s.db, userID)
	if err != nil {
		return out, err
	}
	if !exists {
		return out, domain.ErrUserNotFound
	}

	items, err := s.repo.ListItems(ctx, s.db, userID)
	if err != nil {
		return out, err
	}
	for _, item := range items {
		switch item.ItemKind {
		case paymentdomain.ItemKindSong:
			out.PurchasedSongs = append(out.PurchasedSongs, item.ItemID)
		case paymentdomain.ItemKindAlbum:
			out.PurchasedAlbums = append(out.PurchasedAlbums, item.ItemID)
		}
	}

	history, err := s.repo.ListHistory(ctx, s.db, userID)
	if err != nil {
		return out, err
	}
	out.History = history
	return out, nil
}
