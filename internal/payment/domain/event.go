package domain

import "time"

// EventKind is the closed set of canonical event kinds produced by the
// provider adapters. Downstream components never branch on provider name.
type EventKind string

const (
	EventKindPaymentSucceeded      EventKind = "payment_succeeded"
	EventKindPaymentFailed         EventKind = "payment_failed"
	EventKindSubscriptionActivated EventKind = "subscription_activated"
	EventKindSubscriptionRenewed   EventKind = "subscription_renewed"
	EventKindSubscriptionCancelled EventKind = "subscription_cancelled"
	EventKindRefundIssued          EventKind = "refund_issued"
)

// LookupField names a provider correlation key used to locate the
// transaction an event refers to.
type LookupField string

const (
	LookupTransactionID   LookupField = "transaction_id"
	LookupPaymentIntentID LookupField = "payment_intent_id"
	LookupOrderID         LookupField = "order_id"
	LookupSubscriptionID  LookupField = "subscription_id"
)

// LookupKey is one candidate correlation key. Keys are tried in slice
// order, most specific first. The priority order is deliberately
// asymmetric per provider because providers do not use one consistent
// identifier across message types.
type LookupKey struct {
	Field LookupField
	Value string
}

// PaymentEvent is the canonical event produced by the adapters from a
// verified raw payload. Payloads with incomplete metadata normalize with
// MissingMetadata set rather than being dropped, so the reconciler can
// log and no-op deterministically.
type PaymentEvent struct {
	Provider               string
	ProviderEventID        string
	Kind                   EventKind
	LookupKeys             []LookupKey
	AmountMinor            int64
	Currency               string
	PeriodEnd              *time.Time
	ProviderSubscriptionID string
	CancelReason           string
	MissingMetadata        bool
	OccurredAt             time.Time
	Metadata               map[string]string
	RawPayload             []byte
}

// SubscriptionEvent reports whether the event belongs to the recurring
// payment lifecycle.
func (e *PaymentEvent) SubscriptionEvent() bool {
	switch e.Kind {
	case EventKindSubscriptionActivated, EventKindSubscriptionRenewed, EventKindSubscriptionCancelled:
		return true
	default:
		return false
	}
}

// Outcome describes how an event was resolved. Every outcome except a
// store failure is acknowledged to the provider as success so it stops
// retrying.
type Outcome string

const (
	OutcomeProcessed       Outcome = "processed"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeUnmatched       Outcome = "unmatched"
	OutcomeMissingMetadata Outcome = "missing_metadata"
	OutcomeStaleTransition Outcome = "stale_transition"
	OutcomeNoRecord        Outcome = "no_record"
	OutcomeUserNotFound    Outcome = "user_not_found"
	OutcomeIgnored         Outcome = "ignored"
)
