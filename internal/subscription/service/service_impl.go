package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/melodex/melodex/internal/cache"
	"github.com/melodex/melodex/internal/clock"
	paymentdomain "github.com/melodex/melodex/internal/payment/domain"
	"github.com/melodex/melodex/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Repo   domain.Repository
	Cycles cache.PlanCycleCache `optional:"true"`
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	repo   domain.Repository
	cycles cache.PlanCycleCache
}

func NewService(p Params) domain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("subscription.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		repo:   p.Repo,
		cycles: p.Cycles,
	}
}

// ActivateOrRenew upserts the (user, artist) record and refreshes its
// validity window. The window comes from the provider's billing-period
// end when present, else the purchased plan cycle, else a 30-day
// default.
func (s *Service) ActivateOrRenew(ctx context.Context, db *gorm.DB, txn *paymentdomain.PurchaseTransaction, event *paymentdomain.PaymentEvent) (*domain.ArtistSubscription, error) {
	if txn == nil {
		return nil, paymentdomain.ErrInvalidEvent
	}

	now := s.clock.Now()
	validUntil := s.resolveValidUntil(ctx, db, txn, event, now)

	externalID := ""
	if txn.ProviderSubscriptionID != nil {
		externalID = *txn.ProviderSubscriptionID
	}
	if event != nil && event.ProviderSubscriptionID != "" {
		externalID = event.ProviderSubscriptionID
	}

	sub := &domain.ArtistSubscription{
		ID:                     s.genID.Generate(),
		UserID:                 txn.UserID,
		ArtistID:               txn.ArtistID,
		Status:                 domain.SubscriptionStatusActive,
		ValidUntil:             validUntil,
		Gateway:                txn.Provider,
		ExternalSubscriptionID: externalID,
		TransactionID:          txn.ID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.repo.Upsert(ctx, db, sub); err != nil {
		return nil, err
	}

	stored, err := s.repo.FindByUserArtist(ctx, db, txn.UserID, txn.ArtistID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, domain.ErrSubscriptionNotFound
	}

	s.log.Info("artist subscription refreshed",
		zap.String("user_id", txn.UserID.String()),
		zap.String("artist_id", txn.ArtistID.String()),
		zap.Time("valid_until", stored.ValidUntil),
	)
	return stored, nil
}

func (s *Service) resolveValidUntil(ctx context.Context, db *gorm.DB, txn *paymentdomain.PurchaseTransaction, event *paymentdomain.PaymentEvent, now time.Time) time.Time {
	if event != nil && event.PeriodEnd != nil && event.PeriodEnd.After(now) {
		return event.PeriodEnd.UTC()
	}

	cycle := txn.PlanCycle
	if cycle == "" {
		cycle = s.lookupPlanCycle(ctx, db, txn.ArtistID)
	}
	return now.Add(domain.CycleDuration(cycle))
}

func (s *Service) lookupPlanCycle(ctx context.Context, db *gorm.DB, artistID snowflake.ID) string {
	if s.cycles != nil {
		if cycle, ok := s.cycles.GetCycle(artistID); ok {
			return cycle
		}
	}
	cycle, err := s.repo.FindPlanCycle(ctx, db, artistID)
	if err != nil {
		s.log.Warn("plan cycle lookup failed", zap.String("artist_id", artistID.String()), zap.Error(err))
		return ""
	}
	if s.cycles != nil && cycle != "" {
		s.cycles.SetCycle(artistID, cycle)
	}
	return cycle
}

func (s *Service) RenewByExternalID(ctx context.Context, db *gorm.DB, externalID string, periodEnd *time.Time) (bool, error) {
	if externalID == "" {
		return false, nil
	}
	now := s.clock.Now()
	validUntil := now.Add(domain.CycleDuration(""))
	if periodEnd != nil && periodEnd.After(now) {
		validUntil = periodEnd.UTC()
	}
	return s.repo.RefreshByExternalID(ctx, db, externalID, validUntil, now)
}

func (s *Service) Deactivate(ctx context.Context, db *gorm.DB, externalID, reason string) (bool, error) {
	var status domain.SubscriptionStatus
	switch reason {
	case "failed":
		status = domain.SubscriptionStatusFailed
	case "cancelled":
		status = domain.SubscriptionStatusCancelled
	default:
		return false, domain.ErrInvalidReason
	}

	updated, err := s.repo.UpdateStatusByExternalID(ctx, db, externalID, status, s.clock.Now())
	if err != nil {
		return false, err
	}
	if !updated {
		s.log.Warn("deactivation for unknown subscription",
			zap.String("external_subscription_id", externalID),
			zap.String("reason", reason),
		)
	}
	return updated, nil
}

func (s *Service) Get(ctx context.Context, userID, artistID snowflake.ID) (*domain.ArtistSubscription, error) {
	sub, err := s.repo.FindByUserArtist(ctx, s.db, userID, artistID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	return sub, nil
}
