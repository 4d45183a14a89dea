package domain

import (
	"context"
	"net/http"
)

// AdapterConfig carries the per-provider verification material.
type AdapterConfig struct {
	Provider string
	Secret   string
}

// PaymentAdapter verifies a raw webhook payload and normalizes it into
// the canonical PaymentEvent. Verify must pass before Parse output is
// trusted.
type PaymentAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*PaymentEvent, error)
}

// AdapterFactory builds adapters for one provider.
type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}
