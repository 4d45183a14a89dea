package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
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
	return "stripe"
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
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "payment_intent.succeeded":
		return a.parsePaymentIntent(event, payload, paymentdomain.EventKindPaymentSucceeded)
	case "payment_intent.payment_failed":
		return a.parsePaymentIntent(event, payload, paymentdomain.EventKindPaymentFailed)
	case "invoice.payment_succeeded":
		return a.parseInvoice(event, payload)
	case "customer.subscription.deleted":
		return a.parseSubscriptionDeleted(event, payload)
	case "charge.refunded":
		return a.parseChargeRefunded(event, payload)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripePaymentIntent struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountReceived int64             `json:"amount_received"`
	Currency       string            `json:"currency"`
	Created        int64             `json:"created"`
	Metadata       map[string]string `json:"metadata"`
}

type stripeInvoice struct {
	ID            string            `json:"id"`
	Subscription  string            `json:"subscription"`
	PaymentIntent string            `json:"payment_intent"`
	AmountPaid    int64             `json:"amount_paid"`
	Currency      string            `json:"currency"`
	BillingReason string            `json:"billing_reason"`
	PeriodEnd     int64             `json:"period_end"`
	Created       int64             `json:"created"`
	Metadata      map[string]string `json:"metadata"`
	Lines         stripeInvoiceList `json:"lines"`
}

type stripeInvoiceList struct {
	Data []stripeInvoiceLine `json:"data"`
}

type stripeInvoiceLine struct {
	Period stripePeriod `json:"period"`
}

type stripePeriod struct {
	End int64 `json:"end"`
}

type stripeSubscription struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Created  int64             `json:"created"`
	Metadata map[string]string `json:"metadata"`
}

type stripeCharge struct {
	ID             string            `json:"id"`
	PaymentIntent  string            `json:"payment_intent"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Created        int64             `json:"created"`
	Metadata       map[string]string `json:"metadata"`
}

func (a *Adapter) parsePaymentIntent(event stripeEvent, payload []byte, kind paymentdomain.EventKind) (*paymentdomain.PaymentEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}

	// Stripe lookup priority: explicit transaction id from metadata,
	// then subscription id, then payment-intent id.
	keys := lookupKeys(intent.Metadata, intent.ID)

	return &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: event.ID,
		Kind:            kind,
		LookupKeys:      keys,
		AmountMinor:     amount,
		Currency:        strings.ToUpper(strings.TrimSpace(intent.Currency)),
		MissingMetadata: len(keys) == 0,
		OccurredAt:      timestamp(intent.Created, event.Created),
		Metadata:        intent.Metadata,
		RawPayload:      payload,
	}, nil
}

func (a *Adapter) parseInvoice(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var invoice stripeInvoice
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	kind := paymentdomain.EventKindSubscriptionRenewed
	if strings.TrimSpace(invoice.BillingReason) == "subscription_create" {
		kind = paymentdomain.EventKindSubscriptionActivated
	}

	var keys []paymentdomain.LookupKey
	if txnID := strings.TrimSpace(invoice.Metadata["transaction_id"]); txnID != "" {
		keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupTransactionID, Value: txnID})
	}
	if sub := strings.TrimSpace(invoice.Subscription); sub != "" {
		keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupSubscriptionID, Value: sub})
	}
	if pi := strings.TrimSpace(invoice.PaymentIntent); pi != "" {
		keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupPaymentIntentID, Value: pi})
	}

	return &paymentdomain.PaymentEvent{
		Provider:               "stripe",
		ProviderEventID:        event.ID,
		Kind:                   kind,
		LookupKeys:             keys,
		AmountMinor:            invoice.AmountPaid,
		Currency:               strings.ToUpper(strings.TrimSpace(invoice.Currency)),
		PeriodEnd:              periodEnd(invoice),
		ProviderSubscriptionID: strings.TrimSpace(invoice.Subscription),
		MissingMetadata:        len(keys) == 0,
		OccurredAt:             timestamp(invoice.Created, event.Created),
		Metadata:               invoice.Metadata,
		RawPayload:             payload,
	}, nil
}

func (a *Adapter) parseSubscriptionDeleted(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	return &paymentdomain.PaymentEvent{
		Provider:               "stripe",
		ProviderEventID:        event.ID,
		Kind:                   paymentdomain.EventKindSubscriptionCancelled,
		ProviderSubscriptionID: sub.ID,
		CancelReason:           "cancelled",
		OccurredAt:             timestamp(sub.Created, event.Created),
		Metadata:               sub.Metadata,
		RawPayload:             payload,
	}, nil
}

func (a *Adapter) parseChargeRefunded(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	amount := charge.Amount
	if charge.AmountRefunded > 0 {
		amount = charge.AmountRefunded
	}

	var keys []paymentdomain.LookupKey
	if txnID := strings.TrimSpace(charge.Metadata["transaction_id"]); txnID != "" {
		keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupTransactionID, Value: txnID})
	}
	if pi := strings.TrimSpace(charge.PaymentIntent); pi != "" {
		keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupPaymentIntentID, Value: pi})
	}

	return &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: event.ID,
		Kind:            paymentdomain.EventKindRefundIssued,
		LookupKeys:      keys,
		AmountMinor:     amount,
		Currency:        strings.ToUpper(strings.TrimSpace(charge.Currency)),
		MissingMetadata: len(keys) == 0,
		OccurredAt:      timestamp(charge.Created, event.Created),
		Metadata:        charge.Metadata,
		RawPayload:      payload,
	}, nil
}

func lookupKeys(metadata map[string]string, paymentIntentID string) []paymentdomain.LookupKey {
	var keys []paymentdomain.LookupKey
	if txnID := strings.TrimSpace(metadata["transaction_id"]); txnID != "" {
		keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupTransactionID, Value: txnID})
	}
	if sub := strings.TrimSpace(metadata["subscription_id"]); sub != "" {
		keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupSubscriptionID, Value: sub})
	}
	if pi := strings.TrimSpace(paymentIntentID); pi != "" {
		keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupPaymentIntentID, Value: pi})
	}
	return keys
}

func periodEnd(invoice stripeInvoice) *time.Time {
	end := invoice.PeriodEnd
	if len(invoice.Lines.Data) > 0 && invoice.Lines.Data[0].Period.End > 0 {
		end = invoice.Lines.Data[0].Period.End
	}
	if end == 0 {
		return nil
	}
	t := time.Unix(end, 0).UTC()
	return &t
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
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
