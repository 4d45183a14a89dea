package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/melodex/melodex/internal/config"
	"github.com/melodex/melodex/internal/observability/metrics"
	"github.com/melodex/melodex/internal/payment/adapters"
	"github.com/melodex/melodex/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Cfg       config.Config
	Registry  *adapters.Registry
	Reconcile domain.ReconcileService
	Metrics   *metrics.Metrics `optional:"true"`
}

// Service verifies and normalizes incoming provider webhooks before
// handing the canonical event to the reconciler.
type Service struct {
	log       *zap.Logger
	cfg       config.Config
	registry  *adapters.Registry
	reconcile domain.ReconcileService
	metrics   *metrics.Metrics
}

func NewService(p Params) domain.WebhookService {
	return &Service{
		log:       p.Log.Named("payment.webhook"),
		cfg:       p.Cfg,
		registry:  p.Registry,
		reconcile: p.Reconcile,
		metrics:   p.Metrics,
	}
}

func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (domain.Outcome, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !s.registry.ProviderExists(provider) {
		return "", domain.ErrProviderNotFound
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return "", domain.ErrInvalidPayload
	}

	adapter, err := s.registry.NewAdapter(provider, domain.AdapterConfig{
		Provider: provider,
		Secret:   s.providerSecret(provider),
	})
	if err != nil {
		return "", err
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.log.Warn("webhook verification failed",
			zap.String("provider", provider),
			zap.Error(err),
		)
		return "", err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, domain.ErrEventIgnored) {
			s.log.Info("webhook event type ignored", zap.String("provider", provider))
			return domain.OutcomeIgnored, nil
		}
		s.log.Warn("webhook payload rejected",
			zap.String("provider", provider),
			zap.Error(err),
		)
		return "", err
	}

	s.metrics.RecordWebhookEvent(ctx, provider, string(event.Kind))
	return s.reconcile.ProcessEvent(ctx, event)
}

func (s *Service) providerSecret(provider string) string {
	switch provider {
	case "stripe":
		return s.cfg.StripeWebhookSecret
	case "razorpay":
		return s.cfg.RazorpayWebhookSecret
	case "paypal":
		return s.cfg.PaypalWebhookID
	default:
		return ""
	}
}
