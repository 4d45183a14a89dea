package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// WebhookService is the provider-facing entry point. The returned Outcome
// drives the response policy: everything except a hard error acknowledges
// the event so the provider stops retrying.
type WebhookService interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (Outcome, error)
}

// CreateTransactionRequest creates a pending purchase intent. The
// correlation key for the chosen provider is supplied by the checkout
// flow and never rewritten afterwards.
type CreateTransactionRequest struct {
	UserID                 snowflake.ID      `json:"user_id,string"`
	ArtistID               snowflake.ID      `json:"artist_id,string"`
	ItemKind               ItemKind          `json:"item_kind"`
	ItemID                 snowflake.ID      `json:"item_id,string"`
	Provider               string            `json:"provider"`
	PaymentIntentID        string            `json:"payment_intent_id,omitempty"`
	OrderID                string            `json:"order_id,omitempty"`
	ProviderSubscriptionID string            `json:"provider_subscription_id,omitempty"`
	AmountMinor            int64             `json:"amount_minor"`
	Currency               string            `json:"currency"`
	PlanCycle              string            `json:"plan_cycle,omitempty"`
	Metadata               map[string]string `json:"metadata,omitempty"`
}

// ManualPaymentRequest is the payload for the direct success/failure
// entry points. EventID is optional; without it the call cannot be
// deduplicated by the ledger and relies on the conditional transition
// alone.
type ManualPaymentRequest struct {
	Provider        string            `json:"provider"`
	EventID         string            `json:"event_id,omitempty"`
	TransactionID   string            `json:"transaction_id,omitempty"`
	PaymentIntentID string            `json:"payment_intent_id,omitempty"`
	OrderID         string            `json:"order_id,omitempty"`
	SubscriptionID  string            `json:"subscription_id,omitempty"`
	AmountMinor     int64             `json:"amount_minor,omitempty"`
	Currency        string            `json:"currency,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ReconcileService converts normalized payment events into durable state
// changes: transaction transitions, entitlement grants, subscription
// upserts and invoice assignment, all in one atomic scope per event.
type ReconcileService interface {
	ProcessEvent(ctx context.Context, event *PaymentEvent) (Outcome, error)
	HandlePaymentSuccess(ctx context.Context, req ManualPaymentRequest) (Outcome, error)
	HandlePaymentFailed(ctx context.Context, req ManualPaymentRequest) (Outcome, error)
	CreateTransaction(ctx context.Context, req CreateTransactionRequest) (*PurchaseTransaction, error)
	GetTransaction(ctx context.Context, id snowflake.ID) (*PurchaseTransaction, error)
	ListTransactions(ctx context.Context, userID snowflake.ID) ([]PurchaseTransaction, error)
}

// InvoiceNumberer assigns the next invoice number. Implementations must
// be monotonic and durable. The db handle is the caller's transaction so
// the assignment commits together with the paid transition; the
// reconciler calls it exactly once per paid transition because the
// transition itself is exactly-once.
type InvoiceNumberer interface {
	NextInvoiceNumber(ctx context.Context, db *gorm.DB, issuedAt time.Time) (string, error)
}
