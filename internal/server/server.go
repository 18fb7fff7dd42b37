package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	alertdomain "github.com/smallbiznis/meterbill/internal/alert/domain"
	analyticsdomain "github.com/smallbiznis/meterbill/internal/analytics/domain"
	"github.com/smallbiznis/meterbill/internal/config"
	discountdomain "github.com/smallbiznis/meterbill/internal/discount/domain"
	invoicedomain "github.com/smallbiznis/meterbill/internal/invoice/domain"
	"github.com/smallbiznis/meterbill/internal/observability"
	obslogger "github.com/smallbiznis/meterbill/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/meterbill/internal/observability/metrics"
	obstracing "github.com/smallbiznis/meterbill/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/meterbill/internal/payment/domain"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	"github.com/smallbiznis/meterbill/internal/ratelimit"
	ratingdomain "github.com/smallbiznis/meterbill/internal/rating/domain"
	subscriptiondomain "github.com/smallbiznis/meterbill/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/meterbill/internal/usage/domain"
	"github.com/smallbiznis/meterbill/internal/usage/liveevents"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) {
		s.RegisterAPIRoutes()
		s.RegisterWebhookRoutes()
	}),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware(obstracing.MiddlewareConfig{ErrorClassifier: classifyErrorForLog}))
	r.Use(HTTPMetrics(httpMetrics))
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
	log = log.Named("http")

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
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	validate        *validator.Validate
	catalog         plandomain.Catalog
	subscriptionSvc subscriptiondomain.Service
	usageSvc        usagedomain.Service
	ratingSvc       ratingdomain.Service
	invoiceSvc      invoicedomain.Service
	discountSvc     discountdomain.Service
	alertSvc        alertdomain.Service
	paymentSvc      paymentdomain.Service
	analyticsSvc    analyticsdomain.Service
	liveUsage       *liveevents.Hub
	usageLimiter    *ratelimit.UsageIngestLimiter
	obsMetrics      *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	Catalog         plandomain.Catalog
	SubscriptionSvc subscriptiondomain.Service
	UsageSvc        usagedomain.Service
	RatingSvc       ratingdomain.Service
	InvoiceSvc      invoicedomain.Service
	DiscountSvc     discountdomain.Service
	AlertSvc        alertdomain.Service
	PaymentSvc      paymentdomain.Service
	AnalyticsSvc    analyticsdomain.Service
	LiveUsage       *liveevents.Hub               `optional:"true"`
	UsageLimiter    *ratelimit.UsageIngestLimiter `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics           `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("server"),
		validate:        validator.New(),
		catalog:         p.Catalog,
		subscriptionSvc: p.SubscriptionSvc,
		usageSvc:        p.UsageSvc,
		ratingSvc:       p.RatingSvc,
		invoiceSvc:      p.InvoiceSvc,
		discountSvc:     p.DiscountSvc,
		alertSvc:        p.AlertSvc,
		paymentSvc:      p.PaymentSvc,
		analyticsSvc:    p.AnalyticsSvc,
		liveUsage:       p.LiveUsage,
		usageLimiter:    p.UsageLimiter,
		obsMetrics:      p.ObsMetrics,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Plans --------
	api.GET("/plans", s.ListPlans)

	// -------- Subscriptions --------
	api.POST("/subscriptions", s.CreateSubscription)
	api.GET("/subscriptions/:id", s.GetSubscriptionByID)
	api.GET("/subscriptions/:id/changes", s.ListSubscriptionChanges)
	api.POST("/subscriptions/:id/change-plan", s.ChangeSubscriptionPlan)
	api.POST("/subscriptions/:id/cancel", s.CancelSubscription)
	api.POST("/subscriptions/:id/discount", s.AttachSubscriptionDiscount)

	// -------- Usage --------
	api.POST("/usage", s.UsageIngestRateLimit(), s.RecordUsage)
	api.POST("/usage/check", s.CheckUsageLimit)

	// -------- Invoices --------
	api.POST("/invoices", s.IssueInvoice)
	api.GET("/invoices/:id", s.GetInvoiceByID)
	api.GET("/invoices/:id/pdf", s.RenderInvoice)
	api.POST("/invoices/:id/supersede", s.SupersedeInvoice)
	api.POST("/invoices/:id/pay", s.PayInvoice)
	api.GET("/invoices/:id/payments", s.ListInvoicePayments)

	// -------- Discounts --------
	api.GET("/discounts", s.ListDiscounts)
	api.POST("/discounts", s.CreateDiscount)
	api.POST("/discounts/validate", s.ValidateDiscount)
	api.POST("/discounts/:code/deactivate", s.DeactivateDiscount)

	// -------- Alerts --------
	api.POST("/alerts/:id/read", s.MarkAlertRead)

	// -------- Analytics --------
	api.GET("/analytics/revenue", s.GetRevenueAnalytics)
	api.GET("/analytics/subscriptions", s.GetSubscriptionMetrics)

	// -------- Customers --------
	customers := api.Group("/customers/:customer_id")
	{
		customers.GET("/subscription", s.GetCustomerSubscription)
		customers.GET("/usage", s.GetUsageSummary)
		customers.GET("/usage/live", s.StreamUsageEvents)
		customers.GET("/usage/analytics", s.GetUsageAnalytics)
		customers.GET("/estimate", s.GetEstimate)
		customers.GET("/invoices", s.ListCustomerInvoices)
		customers.GET("/alerts", s.ListAlerts)
		customers.GET("/alert-preferences", s.GetAlertPreferences)
		customers.PUT("/alert-preferences", s.SetAlertPreferences)
		customers.GET("/payment-methods", s.ListPaymentMethods)
		customers.POST("/payment-methods", s.AddPaymentMethod)
		customers.DELETE("/payment-methods/:id", s.RemovePaymentMethod)
		customers.POST("/payment-methods/:id/default", s.SetDefaultPaymentMethod)
	}
}

// RegisterWebhookRoutes exposes gateway callbacks. They authenticate by signature only.
func (s *Server) RegisterWebhookRoutes() {
	s.engine.POST("/webhooks/:gateway", s.HandlePaymentWebhook)
}

// bindJSON decodes and validates a request body, reporting the first failing field.
func (s *Server) bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		AbortWithError(c, invalidRequestError())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			field := fieldErrs[0].Field()
			AbortWithError(c, newValidationError(field, "invalid_"+fieldErrs[0].Tag(), "invalid "+field))
			return false
		}
		AbortWithError(c, invalidRequestError())
		return false
	}
	return true
}
