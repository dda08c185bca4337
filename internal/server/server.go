package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	batchdomain "github.com/smallbiznis/settlement/internal/batch/domain"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/observability"
	obsmiddleware "github.com/smallbiznis/settlement/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/settlement/internal/observability/metrics"
	obstracing "github.com/smallbiznis/settlement/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	purchasedomain "github.com/smallbiznis/settlement/internal/purchase/domain"
	"github.com/smallbiznis/settlement/internal/ratelimit"
	tierdomain "github.com/smallbiznis/settlement/internal/tier/domain"
	treasurydomain "github.com/smallbiznis/settlement/internal/treasury/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
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

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
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
	engine      *gin.Engine
	cfg         config.Config
	log         *zap.Logger
	purchaseSvc purchasedomain.Service
	batchSvc    batchdomain.Service
	tierSvc     tierdomain.Service
	treasurySvc treasurydomain.Service
	webhookSvc  paymentdomain.Service
	limiter     *ratelimit.WebhookLimiter
	obsMetrics  *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	PurchaseSvc purchasedomain.Service
	BatchSvc    batchdomain.Service
	TierSvc     tierdomain.Service
	TreasurySvc treasurydomain.Service
	WebhookSvc  paymentdomain.Service
	Limiter     *ratelimit.WebhookLimiter `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics       `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		log:         p.Log.Named("http.server"),
		purchaseSvc: p.PurchaseSvc,
		batchSvc:    p.BatchSvc,
		tierSvc:     p.TierSvc,
		treasurySvc: p.TreasurySvc,
		webhookSvc:  p.WebhookSvc,
		limiter:     p.Limiter,
		obsMetrics:  p.ObsMetrics,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.WebhookRateLimit(), s.HandlePaymentWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	api.GET("/purchases/:id", s.GetPurchase)
	api.GET("/batches/:id", s.GetBatch)

	// -------- Tiers ---------
	api.GET("/tiers/founding", s.GetFoundingStatus)
	api.GET("/tiers/:creatorId/progress", s.GetTierProgress)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin", s.AdminRequired())

	admin.GET("/treasury/latest", s.GetLatestReconciliation)
	admin.GET("/treasury/snapshots", s.ListReconciliations)
	admin.POST("/treasury/reconcile", s.RunReconciliation)

	admin.POST("/purchases/:id/retry", s.RetryPurchase)
}
