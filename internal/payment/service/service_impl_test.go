package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/melodex/melodex/internal/clock"
	"github.com/melodex/melodex/internal/config"
	entitlementrepo "github.com/melodex/melodex/internal/entitlement/repository"
	entitlementservice "github.com/melodex/melodex/internal/entitlement/service"
	invoiceservice "github.com/melodex/melodex/internal/invoice/service"
	paymentdomain "github.com/melodex/melodex/internal/payment/domain"
	paymentrepo "github.com/melodex/melodex/internal/payment/repository"
	paymentservice "github.com/melodex/melodex/internal/payment/service"
	subscriptionrepo "github.com/melodex/melodex/internal/subscription/repository"
	subscriptionservice "github.com/melodex/melodex/internal/subscription/service"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type testStack struct {
	db        *gorm.DB
	node      *snowflake.Node
	clk       *clock.FakeClock
	reconcile paymentdomain.ReconcileService
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	db := setupTestDB(t)
	node, err := snowflake.NewNode(7)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	cfg := config.Config{InvoiceNumberTemplate: "INV-{YYYY}{MM}-{SEQ6}"}

	invoiceSvc := invoiceservice.NewService(invoiceservice.Params{
		Log: zap.NewNop(),
		Cfg: cfg,
	})
	entitlementSvc := entitlementservice.NewService(entitlementservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  entitlementrepo.Provide(),
	})
	subscriptionSvc := subscriptionservice.NewService(subscriptionservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  subscriptionrepo.Provide(),
	})
	reconcileSvc := paymentservice.NewService(paymentservice.Params{
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         clk,
		Repo:          paymentrepo.Provide(),
		Invoices:      invoiceSvc,
		Entitlements:  entitlementSvc,
		Subscriptions: subscriptionSvc,
	})

	return &testStack{
		db:        db,
		node:      node,
		clk:       clk,
		reconcile: reconcileSvc,
	}
}

func (s *testStack) seedUser(t *testing.T) snowflake.ID {
	t.Helper()

	userID := s.node.Generate()
	err := s.db.Exec(
		`INSERT INTO users (id, email, display_name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		userID,
		fmt.Sprintf("user_%s@example.com", userID.String()),
		"Listener",
		s.clk.Now(),
		s.clk.Now(),
	).Error
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return userID
}

func (s *testStack) createTransaction(t *testing.T, req paymentdomain.CreateTransactionRequest) *paymentdomain.PurchaseTransaction {
	t.Helper()

	txn, err := s.reconcile.CreateTransaction(context.Background(), req)
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	return txn
}

func TestSongPurchaseSuccessGrantsEntitlement(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t)
	userID := stack.seedUser(t)
	songID := stack.node.Generate()

	txn := stack.createTransaction(t, paymentdomain.CreateTransactionRequest{
		UserID:          userID,
		ItemKind:        paymentdomain.ItemKindSong,
		ItemID:          songID,
		Provider:        "stripe",
		PaymentIntentID: "pi_100",
		AmountMinor:     299,
		Currency:        "USD",
	})

	event := &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_song_1",
		Kind:            paymentdomain.EventKindPaymentSucceeded,
		LookupKeys: []paymentdomain.LookupKey{
			{Field: paymentdomain.LookupTransactionID, Value: txn.ID.String()},
			{Field: paymentdomain.LookupPaymentIntentID, Value: "pi_100"},
		},
		AmountMinor: 299,
		Currency:    "USD",
		OccurredAt:  stack.clk.Now(),
	}

	outcome, err := stack.reconcile.ProcessEvent(ctx, event)
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if outcome != paymentdomain.OutcomeProcessed {
		t.Fatalf("expected processed, got %s", outcome)
	}

	stored, err := stack.reconcile.GetTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if stored.Status != paymentdomain.TransactionStatusPaid {
		t.Fatalf("expected paid, got %s", stored.Status)
	}
	if stored.InvoiceNumber == nil || *stored.InvoiceNumber != "INV-202503-000001" {
		t.Fatalf("unexpected invoice number: %v", stored.InvoiceNumber)
	}

	assertCount(t, stack.db, "SELECT COUNT(1) FROM payment_events", 1)
	assertCount(t, stack.db, "SELECT COUNT(1) FROM user_entitlement_items", 1)
	assertCount(t, stack.db, "SELECT COUNT(1) FROM purchase_history", 1)

	var processedAt *time.Time
	if err := stack.db.Raw("SELECT processed_at FROM payment_events LIMIT 1").Scan(&processedAt).Error; err != nil {
		t.Fatalf("scan processed_at: %v", err)
	}
	if processedAt == nil {
		t.Fatalf("expected processed_at to be set")
	}
}

func TestDuplicateEventIsCollapsed(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t)
	userID := stack.seedUser(t)

	txn := stack.createTransaction(t, paymentdomain.CreateTransactionRequest{
		UserID:          userID,
		ItemKind:        paymentdomain.ItemKindSong,
		ItemID:          stack.node.Generate(),
		Provider:        "stripe",
		PaymentIntentID: "pi_200",
		AmountMinor:     499,
		Currency:        "USD",
	})

	event := &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_dup_1",
		Kind:            paymentdomain.EventKindPaymentSucceeded,
		LookupKeys: []paymentdomain.LookupKey{
			{Field: paymentdomain.LookupPaymentIntentID, Value: "pi_200"},
		},
		AmountMinor: 499,
		Currency:    "USD",
		OccurredAt:  stack.clk.Now(),
	}

	if _, err := stack.reconcile.ProcessEvent(ctx, event); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	outcome, err := stack.reconcile.ProcessEvent(ctx, event)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if outcome != paymentdomain.OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", outcome)
	}

	assertCount(t, stack.db, "SELECT COUNT(1) FROM payment_events", 1)
	assertCount(t, stack.db, "SELECT COUNT(1) FROM user_entitlement_items", 1)
	assertCount(t, stack.db, "SELECT COUNT(1) FROM purchase_history", 1)

	stored, err := stack.reconcile.GetTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if stored.InvoiceNumber == nil || *stored.InvoiceNumber != "INV-202503-000001" {
		t.Fatalf("invoice number changed on replay: %v", stored.InvoiceNumber)
	}
}

func TestFailureAfterSuccessIsStale(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t)
	userID := stack.seedUser(t)

	txn := stack.createTransaction(t, paymentdomain.CreateTransactionRequest{
		UserID:          userID,
		ItemKind:        paymentdomain.ItemKindAlbum,
		ItemID:          stack.node.Generate(),
		Provider:        "razorpay",
		OrderID:         "order_1",
		AmountMinor:     999,
		Currency:        "INR",
	})

	success := &paymentdomain.PaymentEvent{
		Provider:        "razorpay",
		ProviderEventID: "evt_ok",
		Kind:            paymentdomain.EventKindPaymentSucceeded,
		LookupKeys: []paymentdomain.LookupKey{
			{Field: paymentdomain.LookupOrderID, Value: "order_1"},
		},
		AmountMinor: 999,
		Currency:    "INR",
		OccurredAt:  stack.clk.Now(),
	}
	if _, err := stack.reconcile.ProcessEvent(ctx, success); err != nil {
		t.Fatalf("success event: %v", err)
	}

	failure := &paymentdomain.PaymentEvent{
		Provider:        "razorpay",
		ProviderEventID: "evt_late_fail",
		Kind:            paymentdomain.EventKindPaymentFailed,
		LookupKeys: []paymentdomain.LookupKey{
			{Field: paymentdomain.LookupOrderID, Value: "order_1"},
		},
		OccurredAt: stack.clk.Now(),
	}
	outcome, err := stack.reconcile.ProcessEvent(ctx, failure)
	if err != nil {
		t.Fatalf("failure event: %v", err)
	}
	if outcome != paymentdomain.OutcomeStaleTransition {
		t.Fatalf("expected stale_transition, got %s", outcome)
	}

	stored, err := stack.reconcile.GetTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if stored.Status != paymentdomain.TransactionStatusPaid {
		t.Fatalf("status moved away from paid: %s", stored.Status)
	}
}

func TestLateSuccessRecoversFailedTransaction(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t)
	userID := stack.seedUser(t)

	txn := stack.createTransaction(t, paymentdomain.CreateTransactionRequest{
		UserID:          userID,
		ItemKind:        paymentdomain.ItemKindSong,
		ItemID:          stack.node.Generate(),
		Provider:        "stripe",
		PaymentIntentID: "pi_300",
		AmountMinor:     199,
		Currency:        "USD",
	})

	failure := &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_fail_first",
		Kind:            paymentdomain.EventKindPaymentFailed,
		LookupKeys: []paymentdomain.LookupKey{
			{Field: paymentdomain.LookupPaymentIntentID, Value: "pi_300"},
		},
		OccurredAt: stack.clk.Now(),
	}
	if _, err := stack.reconcile.ProcessEvent(ctx, failure); err != nil {
		t.Fatalf("failure event: %v", err)
	}

	success := &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_ok_late",
		Kind:            paymentdomain.EventKindPaymentSucceeded,
		LookupKeys: []paymentdomain.LookupKey{
			{Field: paymentdomain.LookupPaymentIntentID, Value: "pi_300"},
		},
		AmountMinor: 199,
		Currency:    "USD",
		OccurredAt:  stack.clk.Now(),
	}
	outcome, err := stack.reconcile.ProcessEvent(ctx, success)
	if err != nil {
		t.Fatalf("success event: %v", err)
	}
	if outcome != paymentdomain.OutcomeProcessed {
		t.Fatalf("expected processed, got %s", outcome)
	}

	stored, err := stack.reconcile.GetTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if stored.Status != paymentdomain.TransactionStatusPaid {
		t.Fatalf("expected paid after late success, got %s", stored.Status)
	}
	assertCount(t, stack.db, "SELECT COUNT(1) FROM user_entitlement_items", 1)
}

func TestSubscriptionActivationUsesPlanCycle(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t)
	userID := stack.seedUser(t)
	artistID := stack.node.Generate()

	txn := stack.createTransaction(t, paymentdomain.CreateTransactionRequest{
		UserID:                 userID,
		ArtistID:               artistID,
		ItemKind:               paymentdomain.ItemKindArtistSubscription,
		ItemID:                 artistID,
		Provider:               "razorpay",
		ProviderSubscriptionID: "sub_rzp_1",
		AmountMinor:            14900,
		Currency:               "INR",
		PlanCycle:              "3m",
	})

	event := &paymentdomain.PaymentEvent{
		Provider:        "razorpay",
		ProviderEventID: "evt_sub_activated",
		Kind:            paymentdomain.EventKindSubscriptionActivated,
		LookupKeys: []paymentdomain.LookupKey{
			{Field: paymentdomain.LookupSubscriptionID, Value: "sub_rzp_1"},
		},
		AmountMinor:            14900,
		Currency:               "INR",
		ProviderSubscriptionID: "sub_rzp_1",
		OccurredAt:             stack.clk.Now(),
	}

	outcome, err := stack.reconcile.ProcessEvent(ctx, event)
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if outcome != paymentdomain.OutcomeProcessed {
		t.Fatalf("expected processed, got %s", outcome)
	}

	var validUntil time.Time
	if err := stack.db.Raw(
		"SELECT valid_until FROM artist_subscriptions WHERE user_id = ? AND artist_id = ?",
		userID, artistID,
	).Scan(&validUntil).Error; err != nil {
		t.Fatalf("scan valid_until: %v", err)
	}

	want := stack.clk.Now().Add(90 * 24 * time.Hour)
	if !validUntil.Equal(want) {
		t.Fatalf("expected valid_until %s, got %s", want, validUntil)
	}

	var status string
	if err := stack.db.Raw(
		"SELECT status FROM artist_subscriptions WHERE user_id = ? AND artist_id = ?",
		userID, artistID,
	).Scan(&status).Error; err != nil {
		t.Fatalf("scan status: %v", err)
	}
	if status != "active" {
		t.Fatalf("expected active, got %s", status)
	}

	stored, err := stack.reconcile.GetTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if stored.Status != paymentdomain.TransactionStatusPaid {
		t.Fatalf("expected paid, got %s", stored.Status)
	}
	assertCount(t, stack.db, "SELECT COUNT(1) FROM user_entitlement_items", 0)
	assertCount(t, stack.db, "SELECT COUNT(1) FROM purchase_history", 1)
}

func TestRenewalUpsertsSameSubscriptionRow(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t)
	userID := stack.seedUser(t)
	artistID := stack.node.Generate()

	stack.createTransaction(t, paymentdomain.CreateTransactionRequest{
		UserID:                 userID,
		ArtistID:               artistID,
		ItemKind:               paymentdomain.ItemKindArtistSubscription,
		ItemID:                 artistID,
		Provider:               "stripe",
		ProviderSubscriptionID: "sub_str_1",
		AmountMinor:            4900,
		Currency:               "USD",
		PlanCycle:              "1m",
	})

	activation := &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_activated",
		Kind:            paymentdomain.EventKindSubscriptionActivated,
		LookupKeys: []paymentdomain.LookupKey{
			{Field: paymentdomain.LookupSubscriptionID, Value: "sub_str_1"},
		},
		AmountMinor:            4900,
		Currency:               "USD",
		ProviderSubscriptionID: "sub_str_1",
		OccurredAt:             stack.clk.Now(),
	}
	if _, err := stack.reconcile.ProcessEvent(ctx, activation); err != nil {
		t.Fatalf("activation: %v", err)
	}

	// A renewal cycle later has no pending transaction; the record is
	// extended by external subscription id.
	stack.clk.Advance(30 * 24 * time.Hour)
	periodEnd := stack.clk.Now().Add(30 * 24 * time.Hour)
	renewal := &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_renewed",
		Kind:            paymentdomain.EventKindSubscriptionRenewed,
		LookupKeys: []paymentdomain.LookupKey{
			{Field: paymentdomain.LookupSubscriptionID, Value: "sub_str_1"},
		},
		AmountMinor:            4900,
		Currency:               "USD",
		PeriodEnd:              &periodEnd,
		ProviderSubscriptionID: "sub_str_1",
		OccurredAt:             stack.clk.Now(),
	}
	outcome, err := stack.reconcile.ProcessEvent(ctx, renewal)
	if err != nil {
		t.Fatalf("renewal: %v", err)
	}
	if outcome != paymentdomain.OutcomeProcessed {
		t.Fatalf("expected processed, got %s", outcome)
	}

	assertCount(t, stack.db, "SELECT COUNT(1) FROM artist_subscriptions", 1)

	var validUntil time.Time
	if err := stack.db.Raw(
		"SELECT valid_until FROM artist_subscriptions WHERE external_subscription_id = ?",
		"sub_str_1",
	).Scan(&validUntil).Error; err != nil {
		t.Fatalf("scan valid_until: %v", err)
	}
	if !validUntil.Equal(periodEnd.UTC()) {
		t.Fatalf("expected valid_until %s, got %s", periodEnd.UTC(), validUntil)
	}
}

func TestRenewalWithoutTransactionExtendsByExternalID(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t)
	userID := stack.seedUser(t)
	artistID := stack.node.Generate()

	stack.createTransaction(t, paymentdomain.CreateTransactionRequest{
		UserID:                 userID,
		ArtistID:               artistID,
		ItemKind:               paymentdomain.ItemKindArtistSubscription,
		ItemID:                 artistID,
		Provider:               "paypal",
		ProviderSubscriptionID: "I-SUB1",
		AmountMinor:            900,
		Currency:               "USD",
		PlanCycle:              "1m",
	})

	activation := &paymentdomain.PaymentEvent{
		Provider:        "paypal",
		ProviderEventID: "evt_pp_activated",
		Kind:            paymentdomain.EventKindSubscriptionActivated,
		LookupKeys: []paymentdomain.LookupKey{
			{Field: paymentdomain.LookupSubscriptionID, Value: "I-SUB1"},
		},
		AmountMinor:            900,
		Currency:               "USD",
		ProviderSubscriptionID: "I-SUB1",
		OccurredAt:             stack.clk.Now(),
	}
	if _, err := stack.reconcile.ProcessEvent(ctx, activation); err != nil {
		t.Fatalf("activation: %v", err)
	}

	stack.clk.Advance(30 * 24 * time.Hour)
	periodEnd := stack.clk.Now().Add(30 * 24 * time.Hour)
	renewal := &paymentdomain.PaymentEvent{
		Provider:        "paypal",
		ProviderEventID: "evt_pp_renewed",
		Kind:            paymentdomain.EventKindSubscriptionRenewed,
		LookupKeys: []paymentdomain.LookupKey{
			{Field: paymentdomain.LookupOrderID, Value: "unknown_order"},
		},
		PeriodEnd:              &periodEnd,
		ProviderSubscriptionID: "I-SUB1",
		OccurredAt:             stack.clk.Now(),
	}
	outcome, err := stack.reconcile.ProcessEvent(ctx, renewal)
	if err != nil {
		t.Fatalf("renewal: %v", err)
	}
	if outcome != paymentdomain.OutcomeProcessed {
		t.Fatalf("expected processed, got %s", outcome)
	}

	var validUntil time.Time
	if err := stack.db.Raw(
		"SELECT valid_until FROM artist_subscriptions WHERE external_subscription_id = ?",
		"I-SUB1",
	).Scan(&validUntil).Error; err != nil {
		t.Fatalf("scan valid_until: %v", err)
	}
	if !validUntil.Equal(periodEnd.UTC()) {
		t.Fatalf("expected valid_until %s, got %s", periodEnd.UTC(), validUntil)
	}
}

func TestUnmatchedEventMutatesNothing(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t)

	event := &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_unmatched",
		Kind:            paymentdomain.EventKindPaymentSucceeded,
		LookupKeys: []paymentdomain.LookupKey{
			{Field: paymentdomain.LookupPaymentIntentID, Value: "pi_unknown"},
		},
		AmountMinor: 500,
		Currency:    "USD",
		OccurredAt:  stack.clk.Now(),
	}

	outcome, err := stack.reconcile.ProcessEvent(ctx, event)
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if outcome != paymentdomain.OutcomeUnmatched {
		t.Fatalf("expected unmatched, got %s", outcome)
	}

	assertCount(t, stack.db, "SELECT COUNT(1) FROM payment_events", 1)
	assertCount(t, stack.db, "SELECT COUNT(1) FROM purchase_transactions", 0)
	assertCount(t, stack.db, "SELECT COUNT(1) FROM user_entitlement_items", 0)

	var seq int64
	if err := stack.db.Raw("SELECT next_seq FROM invoice_sequences WHERE id = 1").Scan(&seq).Error; err != nil {
		t.Fatalf("scan next_seq: %v", err)
	}
	if seq != 0 {
		t.Fatalf("invoice sequence consumed by unmatched event: %d", seq)
	}
}

func TestMissingMetadataIsRecordedAndAcked(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t)

	event := &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_no_meta",
		Kind:            paymentdomain.EventKindPaymentSucceeded,
		MissingMetadata: true,
		OccurredAt:      stack.clk.Now(),
	}

	outcome, err := stack.reconcile.ProcessEvent(ctx, event)
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if outcome != paymentdomain.OutcomeMissingMetadata {
		t.Fatalf("expected missing_metadata, got %s", outcome)
	}

	assertCount(t, stack.db, "SELECT COUNT(1) FROM payment_events", 1)
	assertCount(t, stack.db, "SELECT COUNT(1) FROM purchase_transactions", 0)
}

func TestCancellationWithoutRecordIsAcked(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t)

	event := &paymentdomain.PaymentEvent{
		Provider:               "razorpay",
		ProviderEventID:        "evt_cancel_unknown",
		Kind:                   paymentdomain.EventKindSubscriptionCancelled,
		ProviderSubscriptionID: "sub_unknown",
		CancelReason:           "cancelled",
		OccurredAt:             stack.clk.Now(),
	}

	outcome, err := stack.reconcile.ProcessEvent(ctx, event)
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if outcome != paymentdomain.OutcomeNoRecord {
		t.Fatalf("expected no_record, got %s", outcome)
	}
}

func TestCancellationDeactivatesSubscription(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t)
	userID := stack.seedUser(t)
	artistID := stack.node.Generate()

	stack.createTransaction(t, paymentdomain.CreateTransactionRequest{
		UserID:                 userID,
		ArtistID:               artistID,
		ItemKind:               paymentdomain.ItemKindArtistSubscription,
		ItemID:                 artistID,
		Provider:               "razorpay",
		ProviderSubscriptionID: "sub_cancel_1",
		AmountMinor:            4900,
		Currency:               "INR",
		PlanCycle:              "1m",
	})

	activation := &paymentdomain.PaymentEvent{
		Provider:        "razorpay",
		ProviderEventID: "evt_act",
		Kind:            paymentdomain.EventKindSubscriptionActivated,
		LookupKeys: []paymentdomain.LookupKey{
			{Field: paymentdomain.LookupSubscriptionID, Value: "sub_cancel_1"},
		},
		AmountMinor:            4900,
		Currency:               "INR",
		ProviderSubscriptionID: "sub_cancel_1",
		OccurredAt:             stack.clk.Now(),
	}
	if _, err := stack.reconcile.ProcessEvent(ctx, activation); err != nil {
		t.Fatalf("activation: %v", err)
	}

	cancel := &paymentdomain.PaymentEvent{
		Provider:               "razorpay",
		ProviderEventID:        "evt_cancel",
		Kind:                   paymentdomain.EventKindSubscriptionCancelled,
		ProviderSubscriptionID: "sub_cancel_1",
		CancelReason:           "failed",
		OccurredAt:             stack.clk.Now(),
	}
	outcome, err := stack.reconcile.ProcessEvent(ctx, cancel)
	if err != nil {
		t.Fatalf("cancellation: %v", err)
	}
	if outcome != paymentdomain.OutcomeProcessed {
		t.Fatalf("expected processed, got %s", outcome)
	}

	var status string
	if err := stack.db.Raw(
		"SELECT status FROM artist_subscriptions WHERE external_subscription_id = ?",
		"sub_cancel_1",
	).Scan(&status).Error; err != nil {
		t.Fatalf("scan status: %v", err)
	}
	if status != "failed" {
		t.Fatalf("expected failed, got %s", status)
	}
}

func TestRefundOnlyAppliesToPaidTransaction(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t)
	userID := stack.seedUser(t)

	txn := stack.createTransaction(t, paymentdomain.CreateTransactionRequest{
		UserID:          userID,
		ItemKind:        paymentdomain.ItemKindSong,
		ItemID:          stack.node.Generate(),
		Provider:        "stripe",
		PaymentIntentID: "pi_refund",
		AmountMinor:     299,
		Currency:        "USD",
	})

	refund := &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_refund_early",
		Kind:            paymentdomain.EventKindRefundIssued,
		LookupKeys: []paymentdomain.LookupKey{
			{Field: paymentdomain.LookupPaymentIntentID, Value: "pi_refund"},
		},
		OccurredAt: stack.clk.Now(),
	}
	outcome, err := stack.reconcile.ProcessEvent(ctx, refund)
	if err != nil {
		t.Fatalf("early refund: %v", err)
	}
	if outcome != paymentdomain.OutcomeStaleTransition {
		t.Fatalf("expected stale_transition, got %s", outcome)
	}

	success := &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_refund_ok",
		Kind:            paymentdomain.EventKindPaymentSucceeded,
		LookupKeys: []paymentdomain.LookupKey{
			{Field: paymentdomain.LookupPaymentIntentID, Value: "pi_refund"},
		},
		AmountMinor: 299,
		Currency:    "USD",
		OccurredAt:  stack.clk.Now(),
	}
	if _, err := stack.reconcile.ProcessEvent(ctx, success); err != nil {
		t.Fatalf("success: %v", err)
	}

	lateRefund := &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_refund_late",
		Kind:            paymentdomain.EventKindRefundIssued,
		LookupKeys: []paymentdomain.LookupKey{
			{Field: paymentdomain.LookupPaymentIntentID, Value: "pi_refund"},
		},
		OccurredAt: stack.clk.Now(),
	}
	outcome, err = stack.reconcile.ProcessEvent(ctx, lateRefund)
	if err != nil {
		t.Fatalf("late refund: %v", err)
	}
	if outcome != paymentdomain.OutcomeProcessed {
		t.Fatalf("expected processed, got %s", outcome)
	}

	stored, err := stack.reconcile.GetTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if stored.Status != paymentdomain.TransactionStatusRefunded {
		t.Fatalf("expected refunded, got %s", stored.Status)
	}
	// Granted items stay after a refund.
	assertCount(t, stack.db, "SELECT COUNT(1) FROM user_entitlement_items", 1)
}

func TestManualSuccessWithoutEventIDUsesTransitionGuard(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t)
	userID := stack.seedUser(t)

	txn := stack.createTransaction(t, paymentdomain.CreateTransactionRequest{
		UserID:          userID,
		ItemKind:        paymentdomain.ItemKindSong,
		ItemID:          stack.node.Generate(),
		Provider:        "stripe",
		PaymentIntentID: "pi_manual",
		AmountMinor:     299,
		Currency:        "USD",
	})

	req := paymentdomain.ManualPaymentRequest{
		Provider:      "stripe",
		TransactionID: txn.ID.String(),
	}
	outcome, err := stack.reconcile.HandlePaymentSuccess(ctx, req)
	if err != nil {
		t.Fatalf("manual success: %v", err)
	}
	if outcome != paymentdomain.OutcomeProcessed {
		t.Fatalf("expected processed, got %s", outcome)
	}

	outcome, err = stack.reconcile.HandlePaymentSuccess(ctx, req)
	if err != nil {
		t.Fatalf("manual replay: %v", err)
	}
	if outcome != paymentdomain.OutcomeStaleTransition {
		t.Fatalf("expected stale_transition on replay, got %s", outcome)
	}

	assertCount(t, stack.db, "SELECT COUNT(1) FROM payment_events", 0)
	assertCount(t, stack.db, "SELECT COUNT(1) FROM user_entitlement_items", 1)
}

func TestConcurrentDeliveriesCollapseToOneTransition(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t)
	userID := stack.seedUser(t)

	stack.createTransaction(t, paymentdomain.CreateTransactionRequest{
		UserID:          userID,
		ItemKind:        paymentdomain.ItemKindSong,
		ItemID:          stack.node.Generate(),
		Provider:        "stripe",
		PaymentIntentID: "pi_race",
		AmountMinor:     299,
		Currency:        "USD",
	})

	const callers = 4
	outcomes := make(chan paymentdomain.Outcome, callers)
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := stack.reconcile.ProcessEvent(ctx, &paymentdomain.PaymentEvent{
				Provider:        "stripe",
				ProviderEventID: "evt_race",
				Kind:            paymentdomain.EventKindPaymentSucceeded,
				LookupKeys: []paymentdomain.LookupKey{
					{Field: paymentdomain.LookupPaymentIntentID, Value: "pi_race"},
				},
				AmountMinor: 299,
				Currency:    "USD",
				OccurredAt:  stack.clk.Now(),
			})
			outcomes <- outcome
			errs <- err
		}()
	}
	wg.Wait()
	close(outcomes)
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent delivery: %v", err)
		}
	}
	var processed, duplicate int
	for outcome := range outcomes {
		switch outcome {
		case paymentdomain.OutcomeProcessed:
			processed++
		case paymentdomain.OutcomeDuplicate:
			duplicate++
		default:
			t.Fatalf("unexpected outcome %s", outcome)
		}
	}
	if processed != 1 || duplicate != callers-1 {
		t.Fatalf("expected 1 processed and %d duplicates, got %d/%d", callers-1, processed, duplicate)
	}

	assertCount(t, stack.db, "SELECT COUNT(1) FROM payment_events", 1)
	assertCount(t, stack.db, "SELECT COUNT(1) FROM user_entitlement_items", 1)
	assertCount(t, stack.db, "SELECT COUNT(1) FROM purchase_history", 1)
}

func TestStaleSuccessDoesNotConsumeInvoiceSequence(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t)
	userID := stack.seedUser(t)

	stack.createTransaction(t, paymentdomain.CreateTransactionRequest{
		UserID:          userID,
		ItemKind:        paymentdomain.ItemKindSong,
		ItemID:          stack.node.Generate(),
		Provider:        "stripe",
		PaymentIntentID: "pi_seq",
		AmountMinor:     299,
		Currency:        "USD",
	})

	deliver := func(eventID string) paymentdomain.Outcome {
		outcome, err := stack.reconcile.ProcessEvent(ctx, &paymentdomain.PaymentEvent{
			Provider:        "stripe",
			ProviderEventID: eventID,
			Kind:            paymentdomain.EventKindPaymentSucceeded,
			LookupKeys: []paymentdomain.LookupKey{
				{Field: paymentdomain.LookupPaymentIntentID, Value: "pi_seq"},
			},
			AmountMinor: 299,
			Currency:    "USD",
			OccurredAt:  stack.clk.Now(),
		})
		if err != nil {
			t.Fatalf("deliver %s: %v", eventID, err)
		}
		return outcome
	}

	if outcome := deliver("evt_seq_1"); outcome != paymentdomain.OutcomeProcessed {
		t.Fatalf("expected processed, got %s", outcome)
	}
	if outcome := deliver("evt_seq_2"); outcome != paymentdomain.OutcomeStaleTransition {
		t.Fatalf("expected stale_transition, got %s", outcome)
	}

	var nextSeq int64
	if err := stack.db.Raw("SELECT next_seq FROM invoice_sequences WHERE id = 1").Scan(&nextSeq).Error; err != nil {
		t.Fatalf("read sequence: %v", err)
	}
	if nextSeq != 1 {
		t.Fatalf("stale delivery consumed a sequence number: next_seq = %d", nextSeq)
	}
}

func TestSuccessForUnknownUserIsSurfaced(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t)

	ghostUser := stack.node.Generate()
	txn := stack.createTransaction(t, paymentdomain.CreateTransactionRequest{
		UserID:          ghostUser,
		ItemKind:        paymentdomain.ItemKindSong,
		ItemID:          stack.node.Generate(),
		Provider:        "stripe",
		PaymentIntentID: "pi_ghost",
		AmountMinor:     299,
		Currency:        "USD",
	})

	outcome, err := stack.reconcile.ProcessEvent(ctx, &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_ghost_1",
		Kind:            paymentdomain.EventKindPaymentSucceeded,
		LookupKeys: []paymentdomain.LookupKey{
			{Field: paymentdomain.LookupPaymentIntentID, Value: "pi_ghost"},
		},
		AmountMinor: 299,
		Currency:    "USD",
		OccurredAt:  stack.clk.Now(),
	})
	if err != nil {
		t.Fatalf("process event: %v", err)
	}
	if outcome != paymentdomain.OutcomeUserNotFound {
		t.Fatalf("expected user_not_found, got %s", outcome)
	}

	stored, err := stack.reconcile.GetTransaction(ctx, txn.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if stored.Status != paymentdomain.TransactionStatusPaid {
		t.Fatalf("expected paid, got %s", stored.Status)
	}
	assertCount(t, stack.db, "SELECT COUNT(1) FROM user_entitlement_items", 0)
	assertCount(t, stack.db, "SELECT COUNT(1) FROM purchase_history", 0)
}

func TestManualSuccessWithoutLookupKeysIsRejected(t *testing.T) {
	ctx := context.Background()
	stack := newTestStack(t)

	_, err := stack.reconcile.HandlePaymentSuccess(ctx, paymentdomain.ManualPaymentRequest{
		Provider: "stripe",
	})
	if !errors.Is(err, paymentdomain.ErrInvalidEvent) {
		t.Fatalf("expected invalid event, got %v", err)
	}

	_, err = stack.reconcile.HandlePaymentSuccess(ctx, paymentdomain.ManualPaymentRequest{
		TransactionID: "42",
	})
	if !errors.Is(err, paymentdomain.ErrInvalidProvider) {
		t.Fatalf("expected invalid provider, got %v", err)
	}

	assertCount(t, stack.db, "SELECT COUNT(1) FROM payment_events", 0)
	assertCount(t, stack.db, "SELECT COUNT(1) FROM purchase_transactions", 0)
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE users (
			id BIGINT PRIMARY KEY,
			email TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE artist_plans (
			artist_id BIGINT PRIMARY KEY,
			cycle TEXT NOT NULL,
			amount_minor BIGINT NOT NULL,
			currency TEXT NOT NULL
		)`,
		`CREATE TABLE purchase_transactions (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			artist_id BIGINT,
			item_kind TEXT NOT NULL,
			item_id BIGINT NOT NULL,
			provider TEXT NOT NULL,
			payment_intent_id TEXT,
			order_id TEXT,
			provider_subscription_id TEXT,
			amount_minor BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			plan_cycle TEXT,
			invoice_number TEXT,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE payment_events (
			id BIGINT PRIMARY KEY,
			provider TEXT NOT NULL,
			provider_event_id TEXT NOT NULL,
			event_kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			received_at DATETIME NOT NULL,
			processed_at DATETIME
		)`,
		`CREATE UNIQUE INDEX uq_payment_events_provider_event ON payment_events(provider, provider_event_id)`,
		`CREATE TABLE user_entitlement_items (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			item_kind TEXT NOT NULL,
			item_id BIGINT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX uq_user_entitlement_items ON user_entitlement_items(user_id, item_kind, item_id)`,
		`CREATE TABLE purchase_history (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			transaction_id BIGINT NOT NULL,
			item_kind TEXT NOT NULL,
			item_id BIGINT NOT NULL,
			amount_minor BIGINT NOT NULL,
			currency TEXT NOT NULL,
			payment_ref TEXT,
			provider TEXT NOT NULL,
			purchased_at DATETIME NOT NULL
		)`,
		`CREATE TABLE artist_subscriptions (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			artist_id BIGINT NOT NULL,
			status TEXT NOT NULL,
			valid_until DATETIME NOT NULL,
			gateway TEXT NOT NULL,
			external_subscription_id TEXT,
			transaction_id BIGINT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX uq_artist_subscriptions_user_artist ON artist_subscriptions(user_id, artist_id)`,
		`CREATE TABLE invoice_sequences (
			id BIGINT PRIMARY KEY,
			next_seq BIGINT NOT NULL DEFAULT 0
		)`,
		`INSERT INTO invoice_sequences (id, next_seq) VALUES (1, 0)`,
	}

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("schema exec failed: %v", err)
		}
	}

	return db
}

func assertCount(t *testing.T, db *gorm.DB, query string, expected int64) {
	t.Helper()

	var count int64
	if err := db.Raw(query).Scan(&count).Error; err != nil {
		t.Fatalf("query count: %v", err)
	}
	if count != expected {
		t.Fatalf("expected %d, got %d", expected, count)
	}
}
