package paypal

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	paymentdomain "github.com/melodex/melodex/internal/payment/domain"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "paypal"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	webhookID := strings.TrimSpace(cfg.Secret)
	if webhookID == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	return &Adapter{webhookID: webhookID}, nil
}

type Adapter struct {
	webhookID string
}

// Verify checks the PayPal transmission headers. Certificate-chain
// verification against the PayPal CA happens at the ingress proxy;
// here we require the transmission envelope to be present and intact.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	transmissionID := strings.TrimSpace(headers.Get("Paypal-Transmission-Id"))
	signature := strings.TrimSpace(headers.Get("Paypal-Transmission-Sig"))
	certURL := strings.TrimSpace(headers.Get("Paypal-Cert-Url"))
	if transmissionID == "" || signature == "" || certURL == "" {
		return paymentdomain.ErrInvalidSignature
	}
	if !strings.HasPrefix(certURL, "https://api.paypal.com/") &&
		!strings.HasPrefix(certURL, "https://api.sandbox.paypal.com/") {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event paypalEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.EventType) {
	case "PAYMENT.CAPTURE.COMPLETED":
		return a.parseCapture(event, payload, paymentdomain.EventKindPaymentSucceeded)
	case "PAYMENT.CAPTURE.DENIED":
		return a.parseCapture(event, payload, paymentdomain.EventKindPaymentFailed)
	case "PAYMENT.CAPTURE.REFUNDED":
		return a.parseCapture(event, payload, paymentdomain.EventKindRefundIssued)
	case "BILLING.SUBSCRIPTION.ACTIVATED":
		return a.parseSubscription(event, payload, paymentdomain.EventKindSubscriptionActivated)
	case "PAYMENT.SALE.COMPLETED":
		return a.parseSale(event, payload)
	case "BILLING.SUBSCRIPTION.CANCELLED":
		return a.parseSubscriptionEnded(event, payload, "cancelled")
	case "BILLING.SUBSCRIPTION.SUSPENDED":
		return a.parseSubscriptionEnded(event, payload, "failed")
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type paypalEvent struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime string          `json:"create_time"`
	Resource   json.RawMessage `json:"resource"`
}

type paypalCapture struct {
	ID                string              `json:"id"`
	CustomID          string              `json:"custom_id"`
	Amount            paypalAmount        `json:"amount"`
	CreateTime        string              `json:"create_time"`
	SupplementaryData *paypalSupplemental `json:"supplementary_data"`
}

type paypalSupplemental struct {
	RelatedIDs paypalRelatedIDs `json:"related_ids"`
}

type paypalRelatedIDs struct {
	OrderID string `json:"order_id"`
}

type paypalAmount struct {
	Value        string `json:"value"`
	CurrencyCode string `json:"currency_code"`
}

type paypalSubscription struct {
	ID          string             `json:"id"`
	CustomID    string             `json:"custom_id"`
	Status      string             `json:"status"`
	BillingInfo *paypalBillingInfo `json:"billing_info"`
	CreateTime  string             `json:"create_time"`
}

type paypalBillingInfo struct {
	NextBillingTime string `json:"next_billing_time"`
}

type paypalSale struct {
	ID                 string       `json:"id"`
	BillingAgreementID string       `json:"billing_agreement_id"`
	CustomID           string       `json:"custom"`
	Amount             paypalAmount `json:"amount"`
	CreateTime         string       `json:"create_time"`
}

func (a *Adapter) parseCapture(event paypalEvent, payload []byte, kind paymentdomain.EventKind) (*paymentdomain.PaymentEvent, error) {
	var capture paypalCapture
	if err := json.Unmarshal(event.Resource, &capture); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(capture.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	// PayPal lookup priority: order id, then the custom id carrying our
	// transaction id, then the capture id.
	var keys []paymentdomain.LookupKey
	if capture.SupplementaryData != nil {
		if order := strings.TrimSpace(capture.SupplementaryData.RelatedIDs.OrderID); order != "" {
			keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupOrderID, Value: order})
		}
	}
	if custom := strings.TrimSpace(capture.CustomID); custom != "" {
		keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupTransactionID, Value: custom})
	}
	keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupPaymentIntentID, Value: capture.ID})

	return &paymentdomain.PaymentEvent{
		Provider:        "paypal",
		ProviderEventID: event.ID,
		Kind:            kind,
		LookupKeys:      keys,
		AmountMinor:     amountMinor(capture.Amount.Value),
		Currency:        strings.ToUpper(strings.TrimSpace(capture.Amount.CurrencyCode)),
		MissingMetadata: len(keys) == 0,
		OccurredAt:      timestamp(capture.CreateTime, event.CreateTime),
		RawPayload:      payload,
	}, nil
}

func (a *Adapter) parseSubscription(event paypalEvent, payload []byte, kind paymentdomain.EventKind) (*paymentdomain.PaymentEvent, error) {
	var sub paypalSubscription
	if err := json.Unmarshal(event.Resource, &sub); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	var keys []paymentdomain.LookupKey
	if custom := strings.TrimSpace(sub.CustomID); custom != "" {
		keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupTransactionID, Value: custom})
	}
	keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupSubscriptionID, Value: sub.ID})

	var end *time.Time
	if sub.BillingInfo != nil {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(sub.BillingInfo.NextBillingTime)); err == nil {
			utc := t.UTC()
			end = &utc
		}
	}

	return &paymentdomain.PaymentEvent{
		Provider:               "paypal",
		ProviderEventID:        event.ID,
		Kind:                   kind,
		LookupKeys:             keys,
		PeriodEnd:              end,
		ProviderSubscriptionID: sub.ID,
		OccurredAt:             timestamp(sub.CreateTime, event.CreateTime),
		RawPayload:             payload,
	}, nil
}

func (a *Adapter) parseSale(event paypalEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var sale paypalSale
	if err := json.Unmarshal(event.Resource, &sale); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(sale.BillingAgreementID) == "" {
		// A sale without a billing agreement is a one-off payment already
		// covered by the capture events.
		return nil, paymentdomain.ErrEventIgnored
	}

	var keys []paymentdomain.LookupKey
	if custom := strings.TrimSpace(sale.CustomID); custom != "" {
		keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupTransactionID, Value: custom})
	}
	keys = append(keys, paymentdomain.LookupKey{Field: paymentdomain.LookupSubscriptionID, Value: sale.BillingAgreementID})

	return &paymentdomain.PaymentEvent{
		Provider:               "paypal",
		ProviderEventID:        event.ID,
		Kind:                   paymentdomain.EventKindSubscriptionRenewed,
		LookupKeys:             keys,
		AmountMinor:            amountMinor(sale.Amount.Value),
		Currency:               strings.ToUpper(strings.TrimSpace(sale.Amount.CurrencyCode)),
		ProviderSubscriptionID: sale.BillingAgreementID,
		OccurredAt:             timestamp(sale.CreateTime, event.CreateTime),
		RawPayload:             payload,
	}, nil
}

func (a *Adapter) parseSubscriptionEnded(event paypalEvent, payload []byte, reason string) (*paymentdomain.PaymentEvent, error) {
	var sub paypalSubscription
	if err := json.Unmarshal(event.Resource, &sub); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	return &paymentdomain.PaymentEvent{
		Provider:               "paypal",
		ProviderEventID:        event.ID,
		Kind:                   paymentdomain.EventKindSubscriptionCancelled,
		ProviderSubscriptionID: sub.ID,
		CancelReason:           reason,
		OccurredAt:             timestamp(sub.CreateTime, event.CreateTime),
		RawPayload:             payload,
	}, nil
}

// amountMinor converts PayPal's decimal string amounts to minor units.
func amountMinor(value string) int64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return int64(math.Round(parsed * 100))
}

func timestamp(primary, fallback string) time.Time {
	for _, raw := range []string{primary, fallback} {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}
