package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/melodex/melodex/internal/clock"
	entitlementdomain "github.com/melodex/melodex/internal/entitlement/domain"
	"github.com/melodex/melodex/internal/observability/metrics"
	"github.com/melodex/melodex/internal/payment/domain"
	subscriptiondomain "github.com/melodex/melodex/internal/subscription/domain"
	pkgdb "github.com/melodex/melodex/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          domain.Repository
	Invoices      domain.InvoiceNumberer
	Entitlements  entitlementdomain.Service
	Subscriptions subscriptiondomain.Service
	Metrics       *metrics.Metrics `optional:"true"`
}

// Service is the reconciliation core. Every event is applied inside a
// single database transaction: the ledger insert, the status transition,
// the invoice assignment and the downstream effects commit together or
// not at all.
type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          domain.Repository
	invoices      domain.InvoiceNumberer
	entitlements  entitlementdomain.Service
	subscriptions subscriptiondomain.Service
	metrics       *metrics.Metrics
}

func NewService(p Params) domain.ReconcileService {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("payment.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		invoices:      p.Invoices,
		entitlements:  p.Entitlements,
		subscriptions: p.Subscriptions,
		metrics:       p.Metrics,
	}
}

func (s *Service) ProcessEvent(ctx context.Context, event *domain.PaymentEvent) (domain.Outcome, error) {
	if event == nil || event.Provider == "" || event.Kind == "" {
		return "", domain.ErrInvalidEvent
	}

	var outcome domain.Outcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = s.processEvent(ctx, tx, event)
		return err
	})
	if err != nil {
		return "", err
	}

	s.metrics.RecordReconciliation(ctx, event.Provider, string(outcome))
	return outcome, nil
}

func (s *Service) processEvent(ctx context.Context, tx *gorm.DB, event *domain.PaymentEvent) (domain.Outcome, error) {
	now := s.clock.Now()

	// Events without a provider event id (manual entry points) skip the
	// ledger; the conditional transitions still collapse duplicates.
	var record *domain.EventRecord
	if event.ProviderEventID != "" {
		record = &domain.EventRecord{
			ID:              s.genID.Generate(),
			Provider:        event.Provider,
			ProviderEventID: event.ProviderEventID,
			EventKind:       string(event.Kind),
			Payload:         eventPayload(event.RawPayload),
			ReceivedAt:      now,
		}
		inserted, err := s.repo.InsertEvent(ctx, tx, record)
		if err != nil {
			return "", err
		}
		if !inserted {
			s.log.Info("duplicate event collapsed",
				zap.String("provider", event.Provider),
				zap.String("provider_event_id", event.ProviderEventID),
				zap.String("kind", string(event.Kind)),
			)
			return domain.OutcomeDuplicate, nil
		}
	}

	if event.MissingMetadata {
		s.log.Warn("event missing required metadata",
			zap.String("provider", event.Provider),
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("kind", string(event.Kind)),
		)
		return s.finish(ctx, tx, record, domain.OutcomeMissingMetadata, now)
	}

	var (
		outcome domain.Outcome
		err     error
	)
	switch event.Kind {
	case domain.EventKindPaymentSucceeded,
		domain.EventKindSubscriptionActivated,
		domain.EventKindSubscriptionRenewed:
		outcome, err = s.applySuccess(ctx, tx, event, now)
	case domain.EventKindPaymentFailed:
		outcome, err = s.applyFailure(ctx, tx, event, now)
	case domain.EventKindRefundIssued:
		outcome, err = s.applyRefund(ctx, tx, event, now)
	case domain.EventKindSubscriptionCancelled:
		outcome, err = s.applyCancellation(ctx, tx, event)
	default:
		s.log.Warn("unrecognized event kind",
			zap.String("provider", event.Provider),
			zap.String("kind", string(event.Kind)),
		)
		outcome = domain.OutcomeIgnored
	}
	if err != nil {
		return "", err
	}
	return s.finish(ctx, tx, record, outcome, now)
}

func (s *Service) finish(ctx context.Context, tx *gorm.DB, record *domain.EventRecord, outcome domain.Outcome, now time.Time) (domain.Outcome, error) {
	if record != nil {
		if err := s.repo.MarkEventProcessed(ctx, tx, record.ID, now); err != nil {
			return "", err
		}
	}
	return outcome, nil
}

// applySuccess moves the matched transaction to paid, assigns its
// invoice number and applies the downstream effect for its item kind.
func (s *Service) applySuccess(ctx context.Context, tx *gorm.DB, event *domain.PaymentEvent, now time.Time) (domain.Outcome, error) {
	txn, err := s.repo.FindTransactionByLookupKeys(ctx, tx, event.Provider, event.LookupKeys)
	if err != nil {
		return "", err
	}
	if txn == nil {
		if event.Kind == domain.EventKindSubscriptionRenewed && event.ProviderSubscriptionID != "" {
			// Renewal cycles beyond the first have no pending transaction;
			// extend the subscription record directly.
			renewed, rerr := s.subscriptions.RenewByExternalID(ctx, tx, event.ProviderSubscriptionID, event.PeriodEnd)
			if rerr != nil {
				return "", rerr
			}
			if renewed {
				s.metrics.RecordSubscriptionActivation(ctx, event.Provider)
				return domain.OutcomeProcessed, nil
			}
		}
		s.logUnmatched(event)
		return domain.OutcomeUnmatched, nil
	}

	if txn.Status == domain.TransactionStatusPaid || txn.Status == domain.TransactionStatusRefunded {
		// Renewal cycles carry the same provider subscription id as the
		// settled activation transaction; extend the subscription record
		// instead of treating the event as stale.
		if event.Kind == domain.EventKindSubscriptionRenewed && txn.Status == domain.TransactionStatusPaid {
			if _, err := s.subscriptions.ActivateOrRenew(ctx, tx, txn, event); err != nil {
				return "", err
			}
			s.metrics.RecordSubscriptionActivation(ctx, event.Provider)
			return domain.OutcomeProcessed, nil
		}
		s.log.Warn("success event for settled transaction ignored",
			zap.String("transaction_id", txn.ID.String()),
			zap.String("status", string(txn.Status)),
			zap.String("provider_event_id", event.ProviderEventID),
		)
		return domain.OutcomeStaleTransition, nil
	}

	if event.AmountMinor > 0 && event.AmountMinor != txn.AmountMinor {
		s.log.Warn("amount mismatch between event and transaction",
			zap.String("transaction_id", txn.ID.String()),
			zap.Int64("event_amount_minor", event.AmountMinor),
			zap.Int64("transaction_amount_minor", txn.AmountMinor),
		)
	}

	moved, err := s.repo.MarkPaid(ctx, tx, txn.ID, now)
	if err != nil {
		return "", err
	}
	if !moved {
		s.log.Warn("paid transition rejected",
			zap.String("transaction_id", txn.ID.String()),
			zap.String("status", string(txn.Status)),
		)
		return domain.OutcomeStaleTransition, nil
	}
	// The sequence is consumed only after the transition has won, so a
	// stale or racing delivery never burns an invoice number.
	invoiceNumber, err := s.invoices.NextInvoiceNumber(ctx, tx, now)
	if err != nil {
		return "", err
	}
	if err := s.repo.AssignInvoiceNumber(ctx, tx, txn.ID, invoiceNumber, now); err != nil {
		return "", err
	}
	txn.Status = domain.TransactionStatusPaid
	txn.InvoiceNumber = &invoiceNumber
	txn.UpdatedAt = now

	granted, err := s.entitlements.Grant(ctx, tx, txn, event.ProviderEventID)
	if err != nil {
		return "", err
	}
	if !granted {
		s.log.Warn("entitlement grant skipped, user not found",
			zap.String("transaction_id", txn.ID.String()),
			zap.String("user_id", txn.UserID.String()),
		)
		return domain.OutcomeUserNotFound, nil
	}
	if txn.ItemKind == domain.ItemKindArtistSubscription {
		if _, err := s.subscriptions.ActivateOrRenew(ctx, tx, txn, event); err != nil {
			return "", err
		}
		s.metrics.RecordSubscriptionActivation(ctx, event.Provider)
	}

	s.log.Info("transaction reconciled as paid",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("provider", event.Provider),
		zap.String("invoice_number", invoiceNumber),
		zap.String("item_kind", string(txn.ItemKind)),
	)
	return domain.OutcomeProcessed, nil
}

func (s *Service) applyFailure(ctx context.Context, tx *gorm.DB, event *domain.PaymentEvent, now time.Time) (domain.Outcome, error) {
	txn, err := s.repo.FindTransactionByLookupKeys(ctx, tx, event.Provider, event.LookupKeys)
	if err != nil {
		return "", err
	}
	if txn == nil {
		s.logUnmatched(event)
		return domain.OutcomeUnmatched, nil
	}

	moved, err := s.repo.MarkFailed(ctx, tx, txn.ID, now)
	if err != nil {
		return "", err
	}
	if !moved {
		s.log.Warn("failure event for settled transaction ignored",
			zap.String("transaction_id", txn.ID.String()),
			zap.String("status", string(txn.Status)),
			zap.String("provider_event_id", event.ProviderEventID),
		)
		return domain.OutcomeStaleTransition, nil
	}

	s.log.Info("transaction marked failed",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("provider", event.Provider),
	)
	return domain.OutcomeProcessed, nil
}

func (s *Service) applyRefund(ctx context.Context, tx *gorm.DB, event *domain.PaymentEvent, now time.Time) (domain.Outcome, error) {
	txn, err := s.repo.FindTransactionByLookupKeys(ctx, tx, event.Provider, event.LookupKeys)
	if err != nil {
		return "", err
	}
	if txn == nil {
		s.logUnmatched(event)
		return domain.OutcomeUnmatched, nil
	}

	moved, err := s.repo.MarkRefunded(ctx, tx, txn.ID, now)
	if err != nil {
		return "", err
	}
	if !moved {
		s.log.Warn("refund for non-paid transaction ignored",
			zap.String("transaction_id", txn.ID.String()),
			zap.String("status", string(txn.Status)),
		)
		return domain.OutcomeStaleTransition, nil
	}

	// Granted items stay with the user; only the transaction record moves.
	s.log.Info("transaction refunded",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("provider", event.Provider),
	)
	return domain.OutcomeProcessed, nil
}

func (s *Service) applyCancellation(ctx context.Context, tx *gorm.DB, event *domain.PaymentEvent) (domain.Outcome, error) {
	externalID := event.ProviderSubscriptionID
	if externalID == "" {
		for _, key := range event.LookupKeys {
			if key.Field == domain.LookupSubscriptionID && key.Value != "" {
				externalID = key.Value
				break
			}
		}
	}
	if externalID == "" {
		s.log.Warn("cancellation without subscription id",
			zap.String("provider", event.Provider),
			zap.String("provider_event_id", event.ProviderEventID),
		)
		return domain.OutcomeMissingMetadata, nil
	}

	reason := event.CancelReason
	if reason != "failed" {
		reason = "cancelled"
	}
	updated, err := s.subscriptions.Deactivate(ctx, tx, externalID, reason)
	if err != nil {
		return "", err
	}
	if !updated {
		return domain.OutcomeNoRecord, nil
	}

	s.log.Info("subscription deactivated",
		zap.String("provider", event.Provider),
		zap.String("external_subscription_id", externalID),
		zap.String("reason", reason),
	)
	return domain.OutcomeProcessed, nil
}

func (s *Service) logUnmatched(event *domain.PaymentEvent) {
	fields := []zap.Field{
		zap.String("provider", event.Provider),
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("kind", string(event.Kind)),
	}
	for _, key := range event.LookupKeys {
		fields = append(fields, zap.String(string(key.Field), key.Value))
	}
	s.log.Warn("no transaction matched event", fields...)
}

func (s *Service) HandlePaymentSuccess(ctx context.Context, req domain.ManualPaymentRequest) (domain.Outcome, error) {
	event, err := s.manualEvent(req, domain.EventKindPaymentSucceeded)
	if err != nil {
		return "", err
	}
	return s.ProcessEvent(ctx, event)
}

func (s *Service) HandlePaymentFailed(ctx context.Context, req domain.ManualPaymentRequest) (domain.Outcome, error) {
	event, err := s.manualEvent(req, domain.EventKindPaymentFailed)
	if err != nil {
		return "", err
	}
	return s.ProcessEvent(ctx, event)
}

func (s *Service) manualEvent(req domain.ManualPaymentRequest, kind domain.EventKind) (*domain.PaymentEvent, error) {
	if req.Provider == "" {
		return nil, domain.ErrInvalidProvider
	}

	var keys []domain.LookupKey
	if req.TransactionID != "" {
		keys = append(keys, domain.LookupKey{Field: domain.LookupTransactionID, Value: req.TransactionID})
	}
	if req.PaymentIntentID != "" {
		keys = append(keys, domain.LookupKey{Field: domain.LookupPaymentIntentID, Value: req.PaymentIntentID})
	}
	if req.OrderID != "" {
		keys = append(keys, domain.LookupKey{Field: domain.LookupOrderID, Value: req.OrderID})
	}
	if req.SubscriptionID != "" {
		keys = append(keys, domain.LookupKey{Field: domain.LookupSubscriptionID, Value: req.SubscriptionID})
	}
	if len(keys) == 0 {
		return nil, domain.ErrInvalidEvent
	}

	return &domain.PaymentEvent{
		Provider:               req.Provider,
		ProviderEventID:        req.EventID,
		Kind:                   kind,
		LookupKeys:             keys,
		AmountMinor:            req.AmountMinor,
		Currency:               req.Currency,
		ProviderSubscriptionID: req.SubscriptionID,
		OccurredAt:             s.clock.Now(),
		Metadata:               req.Metadata,
	}, nil
}

func (s *Service) CreateTransaction(ctx context.Context, req domain.CreateTransactionRequest) (*domain.PurchaseTransaction, error) {
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	txn := &domain.PurchaseTransaction{
		ID:                     s.genID.Generate(),
		UserID:                 req.UserID,
		ArtistID:               req.ArtistID,
		ItemKind:               req.ItemKind,
		ItemID:                 req.ItemID,
		Provider:               req.Provider,
		PaymentIntentID:        optional(req.PaymentIntentID),
		OrderID:                optional(req.OrderID),
		ProviderSubscriptionID: optional(req.ProviderSubscriptionID),
		AmountMinor:            req.AmountMinor,
		Currency:               req.Currency,
		Status:                 domain.TransactionStatusPending,
		PlanCycle:              req.PlanCycle,
		Metadata:               toJSONMap(req.Metadata),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.repo.InsertTransaction(ctx, s.db, txn); err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return nil, domain.ErrTransactionExists
		}
		return nil, err
	}

	s.log.Info("transaction created",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("user_id", txn.UserID.String()),
		zap.String("item_kind", string(txn.ItemKind)),
		zap.String("provider", txn.Provider),
	)
	return txn, nil
}

func (s *Service) GetTransaction(ctx context.Context, id snowflake.ID) (*domain.PurchaseTransaction, error) {
	txn, err := s.repo.FindTransactionByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, domain.ErrTransactionNotFound
	}
	return txn, nil
}

func (s *Service) ListTransactions(ctx context.Context, userID snowflake.ID) ([]domain.PurchaseTransaction, error) {
	return s.repo.ListTransactionsByUser(ctx, s.db, userID)
}

func validateCreateRequest(req domain.CreateTransactionRequest) error {
	switch req.Provider {
	case "stripe", "razorpay", "paypal":
	default:
		return domain.ErrInvalidProvider
	}
	switch req.ItemKind {
	case domain.ItemKindSong, domain.ItemKindAlbum:
	case domain.ItemKindArtistSubscription:
		if req.ArtistID == 0 {
			return domain.ErrInvalidItemKind
		}
	default:
		return domain.ErrInvalidItemKind
	}
	if req.UserID == 0 || req.ItemID == 0 {
		return domain.ErrInvalidEvent
	}
	if req.AmountMinor <= 0 {
		return domain.ErrInvalidAmount
	}
	if len(req.Currency) != 3 {
		return domain.ErrInvalidCurrency
	}
	if req.PaymentIntentID == "" && req.OrderID == "" && req.ProviderSubscriptionID == "" {
		return domain.ErrInvalidEvent
	}
	return nil
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func toJSONMap(m map[string]string) datatypes.JSONMap {
	if len(m) == 0 {
		return nil
	}
	out := make(datatypes.JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func eventPayload(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return datatypes.JSON([]byte(`{}`))
	}
	return datatypes.JSON(raw)
}
