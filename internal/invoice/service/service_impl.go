package service

import (
	"context"
	"errors"
	"time"

	"github.com/melodex/melodex/internal/config"
	"github.com/melodex/melodex/internal/invoice/format"
	paymentdomain "github.com/melodex/melodex/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Log *zap.Logger
	Cfg config.Config
}

// Service allocates monotonic invoice numbers from a single-row sequence
// table. The increment runs on the caller's transaction so the number
// commits together with the paid transition it was issued for.
type Service struct {
	log      *zap.Logger
	template string
}

func NewService(p Params) paymentdomain.InvoiceNumberer {
	template := p.Cfg.InvoiceNumberTemplate
	if template == "" {
		template = format.DefaultInvoiceNumberTemplate
	}
	return &Service{
		log:      p.Log.Named("invoice.service"),
		template: template,
	}
}

func (s *Service) NextInvoiceNumber(ctx context.Context, db *gorm.DB, issuedAt time.Time) (string, error) {
	if err := db.WithContext(ctx).Exec(
		`UPDATE invoice_sequences SET next_seq = next_seq + 1 WHERE id = 1`,
	).Error; err != nil {
		return "", err
	}

	var seq int64
	if err := db.WithContext(ctx).Raw(
		`SELECT next_seq FROM invoice_sequences WHERE id = 1`,
	).Scan(&seq).Error; err != nil {
		return "", err
	}
	if seq <= 0 {
		return "", errors.New("invoice_sequence_missing")
	}

	return format.FormatInvoiceNumber(s.template, issuedAt, seq)
}
