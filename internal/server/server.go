package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/tenantbilling/internal/config"
	"github.com/smallbiznis/tenantbilling/internal/entitlement"
	"github.com/smallbiznis/tenantbilling/internal/observability"
	obsmiddleware "github.com/smallbiznis/tenantbilling/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tenantbilling/internal/observability/metrics"
	obstracing "github.com/smallbiznis/tenantbilling/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/tenantbilling/internal/payment/domain"
	plandomain "github.com/smallbiznis/tenantbilling/internal/plan/domain"
	"github.com/smallbiznis/tenantbilling/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	ratelimit.Module,
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// RunHTTP binds the engine to the configured address for the app lifetime.
func RunHTTP(lc fx.Lifecycle, cfg config.Config, srv *Server, log *zap.Logger) {
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.String("addr", cfg.HTTPAddr), zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	subscriptionSvc subscriptiondomain.Service
	planSvc         plandomain.Service
	entitlements    entitlement.Resolver
	webhookSvc      paymentdomain.WebhookService
	webhookLimiter  *ratelimit.WebhookLimiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	SubscriptionSvc subscriptiondomain.Service
	PlanSvc         plandomain.Service
	Entitlements    entitlement.Resolver
	WebhookSvc      paymentdomain.WebhookService
	WebhookLimiter  *ratelimit.WebhookLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http"),
		subscriptionSvc: p.SubscriptionSvc,
		planSvc:         p.PlanSvc,
		entitlements:    p.Entitlements,
		webhookSvc:      p.WebhookSvc,
		webhookLimiter:  p.WebhookLimiter,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	s.engine.GET("/plans", s.ListPlans)

	subs := s.engine.Group("/subscriptions", TenantContext())
	{
		subs.POST("", s.CreateSubscription)
		subs.GET("/:id", s.GetSubscription)
		subs.GET("/:id/invoices", s.ListSubscriptionInvoices)
		subs.PUT("/:id/upgrade", s.UpgradeSubscription)
		subs.PUT("/:id/downgrade", s.DowngradeSubscription)
		subs.DELETE("/:id/cancel", s.CancelSubscription)
	}

	s.engine.GET("/entitlements/:tenantId/:resource", TenantContext(), s.CheckEntitlement)
}

func (s *Server) registerWebhookRoutes() {
	hooks := s.engine.Group("/webhooks", s.WebhookRateLimit())
	hooks.POST("/payment-events", s.HandlePaymentWebhook)
	hooks.POST("/payment-events/:provider", s.HandlePaymentWebhook)
}
