package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/melodex/melodex/internal/cache"
	"github.com/melodex/melodex/internal/config"
	"github.com/melodex/melodex/internal/entitlement"
	entitlementdomain "github.com/melodex/melodex/internal/entitlement/domain"
	"github.com/melodex/melodex/internal/invoice"
	"github.com/melodex/melodex/internal/observability"
	"github.com/melodex/melodex/internal/payment"
	paymentdomain "github.com/melodex/melodex/internal/payment/domain"
	"github.com/melodex/melodex/internal/ratelimit"
	"github.com/melodex/melodex/internal/subscription"
	subscriptiondomain "github.com/melodex/melodex/internal/subscription/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	observability.Module,
	cache.Module,
	ratelimit.Module,
	invoice.Module,
	entitlement.Module,
	subscription.Module,
	payment.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	db              *gorm.DB
	webhookSvc      paymentdomain.WebhookService
	reconcileSvc    paymentdomain.ReconcileService
	entitlementSvc  entitlementdomain.Service
	subscriptionSvc subscriptiondomain.Service
	webhookLimiter  *ratelimit.WebhookLimiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	DB              *gorm.DB
	WebhookSvc      paymentdomain.WebhookService
	ReconcileSvc    paymentdomain.ReconcileService
	EntitlementSvc  entitlementdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	WebhookLimiter  *ratelimit.WebhookLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		db:              p.DB,
		webhookSvc:      p.WebhookSvc,
		reconcileSvc:    p.ReconcileSvc,
		entitlementSvc:  p.EntitlementSvc,
		subscriptionSvc: p.SubscriptionSvc,
		webhookLimiter:  p.WebhookLimiter,
	}

	svc.registerRoutes()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/webhooks/payments/:provider", s.WebhookRateLimit(), s.HandlePaymentWebhook)

	v1.POST("/purchases", s.CreatePurchase)
	v1.GET("/purchases/:id", s.GetPurchase)

	v1.POST("/payments/success", s.RecordPaymentSuccess)
	v1.POST("/payments/failure", s.RecordPaymentFailure)

	v1.GET("/users/:id/entitlements", s.GetUserEntitlements)
	v1.GET("/users/:id/purchases", s.ListUserPurchases)

	v1.GET("/subscriptions/:userID/:artistID", s.GetSubscription)
}
