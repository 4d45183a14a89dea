package razorpay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	paymentdomain "github.com/melodex/melodex/internal/payment/domain"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "razorpay"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	return &Adapter{webhookSecret: secret}, nil
}

type Adapter struct {
	webhookSecret string
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	signature := strings.TrimSpace(headers.Get("X-Razorpay-Signature"))
	if signature == "" {
		return paymentdomain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event razorpayEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	eventID := strings.TrimSpace(event.ID)
	if eventID == "" {
		// Razorpay omits the event id on some test deliveries; fall back
		// to the payment/subscription entity id so the ledger still works.
		eventID = event.fallbackEventID()
	}
	if eventID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Event) {
	case "payment.captured":
		return a.parsePayment(event, eventID, payload, paymentdomain.EventKindPaymentSucceeded)
	case "payment.failed":
		return a.parsePayment(event, eventID, payload, paymentdomain.EventKindPaymentFailed)
	case "subscription.activated":
		return a.parseSubscription(event, eventID, payload, paymentdomain.EventKindSubscriptionActivated)
	case "subscription.charged":
		return a.parseSubscription(event, eventID, payload, paymentdomain.EventKindSubscriptionRenewed)
	case "subscription.halted":
		return a.parseSubscriptionEnded(event, eventID, payload, "failed")
	case "subscription.cancelled":
		return a.parseSubscriptionEnded(event, eventID, payload, "cancelled")
	case "refund.processed":
		return a.parseRefund(event, eventID, payload)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type razorpayEvent struct {
	ID        string           `json:"id"`
	Event     string           `json:"event"`
	CreatedAt int64            `json:"created_at"`
	Payload   razorpayEntities `json:"payload"`
}

type razorpayEntities struct {
	Payment      razorpayWrap[razorpayPayment]      `json:"payment"`
	Subscription razorpayWrap[razorpaySubscription] `json:"subscription"`
	Refund       razorpayWrap[razorpayRefund]       `json:"refund"`
}

type razorpayWrap[T any] struct {
	Entity T `json:"entity"`
}

type razorpayPayment struct {
	ID        string            `json:"id"`
	OrderID   string            `json:"order_id"`
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	CreatedAt int64             `json:"created_at"`
	Notes     map[string]string `json:"notes"`
}

type razorpaySubscription struct {
	ID         string            `json:"id"`
	PlanID     string            `json:"plan_id"`
	Status     string            `json:"status"`
	CurrentEnd int64             `json:"current_end"`
	CreatedAt  int64             `json:"created_at"`
	Notes      map[string]string `json:"notes"`
}

type razorpayRefund struct {
	ID        string            `json:"id"`
	PaymentID string            `json:"payment_id"`
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	CreatedAt int64             `json:"created_at"`
	Notes     map[string]string `json:"notes"`
}

func (e razorpayEvent) fallbackEventID() string {
	if id := strings.TrimSpace(e.Payload.Payment.Entity.ID); id != "" {
		return e.Event + ":" + id
	}
	if id := strings.TrimSpace(e.Payload.Subscription.Entity.ID); id != "" {
		return e.Event + ":" + id
	}
	if id := strings.TrimSpace(e.Payload.Refund.Entity.ID); id != "" {
		return e.Event + ":" + id
	}
	return ""
}

func (a *Adapter) parsePayment(event razorpayEvent, eventID string, payload []byte, kind paymentdomain.EventKind) (*paymentdomain.PaymentEvent, error) {
	payment := event.Payload.Payment.Entity
	if strings.TrimSpace(payment.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	// Razorpay lookup priority: explicit transaction id from notes, then
	// subscription id, then order id, then payment id.
	var keys []paymentdomain.LookupKey
	if txnID := strings.TrimSpace(payment.Notes["transaction_id"]); txnID != "" {
		keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupTransactionID, Value: txnID})
	}
	if sub := strings.TrimSpace(event.Payload.Subscription.Entity.ID); sub != "" {
		keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupSubscriptionID, Value: sub})
	}
	if order := strings.TrimSpace(payment.OrderID); order != "" {
		keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupOrderID, Value: order})
	}
	keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupPaymentIntentID, Value: payment.ID})

	return &paymentdomain.PaymentEvent{
		Provider:        "razorpay",
		ProviderEventID: eventID,
		Kind:            kind,
		LookupKeys:      keys,
		AmountMinor:     payment.Amount,
		Currency:        strings.ToUpper(strings.TrimSpace(payment.Currency)),
		MissingMetadata: len(keys) == 0,
		OccurredAt:      timestamp(payment.CreatedAt, event.CreatedAt),
		Metadata:        payment.Notes,
		RawPayload:      payload,
	}, nil
}

func (a *Adapter) parseSubscription(event razorpayEvent, eventID string, payload []byte, kind paymentdomain.EventKind) (*paymentdomain.PaymentEvent, error) {
	sub := event.Payload.Subscription.Entity
	if strings.TrimSpace(sub.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	payment := event.Payload.Payment.Entity

	var keys []paymentdomain.LookupKey
	if txnID := strings.TrimSpace(sub.Notes["transaction_id"]); txnID != "" {
		keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupTransactionID, Value: txnID})
	}
	keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupSubscriptionID, Value: sub.ID})
	if order := strings.TrimSpace(payment.OrderID); order != "" {
		keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupOrderID, Value: order})
	}
	if strings.TrimSpace(payment.ID) != "" {
		keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupPaymentIntentID, Value: payment.ID})
	}

	var end *time.Time
	if sub.CurrentEnd > 0 {
		t := time.Unix(sub.CurrentEnd, 0).UTC()
		end = &t
	}

	return &paymentdomain.PaymentEvent{
		Provider:               "razorpay",
		ProviderEventID:        eventID,
		Kind:                   kind,
		LookupKeys:             keys,
		AmountMinor:            payment.Amount,
		Currency:               strings.ToUpper(strings.TrimSpace(payment.Currency)),
		PeriodEnd:              end,
		ProviderSubscriptionID: sub.ID,
		OccurredAt:             timestamp(sub.CreatedAt, event.CreatedAt),
		Metadata:               sub.Notes,
		RawPayload:             payload,
	}, nil
}

func (a *Adapter) parseSubscriptionEnded(event razorpayEvent, eventID string, payload []byte, reason string) (*paymentdomain.PaymentEvent, error) {
	sub := event.Payload.Subscription.Entity
	if strings.TrimSpace(sub.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	return &paymentdomain.PaymentEvent{
		Provider:               "razorpay",
		ProviderEventID:        eventID,
		Kind:                   paymentdomain.EventKindSubscriptionCancelled,
		ProviderSubscriptionID: sub.ID,
		CancelReason:           reason,
		OccurredAt:             timestamp(sub.CreatedAt, event.CreatedAt),
		Metadata:               sub.Notes,
		RawPayload:             payload,
	}, nil
}

func (a *Adapter) parseRefund(event razorpayEvent, eventID string, payload []byte) (*paymentdomain.PaymentEvent, error) {
	refund := event.Payload.Refund.Entity
	if strings.TrimSpace(refund.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	var keys []paymentdomain.LookupKey
	if txnID := strings.TrimSpace(refund.Notes["transaction_id"]); txnID != "" {
		keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupTransactionID, Value: txnID})
	}
	if strings.TrimSpace(refund.PaymentID) != "" {
		keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupPaymentIntentID, Value: refund.PaymentID})
	}

	return &paymentdomain.PaymentEvent{
		Provider:        "razorpay",
		ProviderEventID: eventID,
		Kind:            paymentdomain.EventKindRefundIssued,
		LookupKeys:      keys,
		AmountMinor:     refund.Amount,
		Currency:        strings.ToUpper(strings.TrimSpace(refund.Currency)),
		MissingMetadata: len(keys) == 0,
		OccurredAt:      timestamp(refund.CreatedAt, event.CreatedAt),
		Metadata:        refund.Notes,
		RawPayload:      payload,
	}, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}
