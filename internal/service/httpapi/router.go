// Package httpapi — HTTP API оформления заказов на gin.
package httpapi

import (
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

// Options задаёт необязательные зависимости роутера.
type Options struct {
	Logger      *log.Entry
	Metrics     *metrics.CheckoutMetrics
	Idempotency IdempotencyGuard
	Limiter     *UserLimiter
	ServiceName string
}

// Option настраивает роутер.
type Option func(*Options)

// WithLogger задаёт логгер access-лога.
func WithLogger(logger *log.Entry) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithMetrics включает метрики HTTP.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithIdempotency включает обработку Idempotency-Key на POST /orders.
func WithIdempotency(guard IdempotencyGuard) Option {
	return func(o *Options) { o.Idempotency = guard }
}

// WithRateLimiter ограничивает частоту verify и capture.
func WithRateLimiter(l *UserLimiter) Option {
	return func(o *Options) { o.Limiter = l }
}

// WithTracing включает otelgin с указанным именем сервиса.
func WithTracing(serviceName string) Option {
	return func(o *Options) { o.ServiceName = serviceName }
}

// NewRouter собирает gin-роутер API.
func NewRouter(auth *Authenticator, checkoutSvc CheckoutService, orderSvc OrderService, reconciler PaymentReconciler, options ...Option) *gin.Engine {
	opts := Options{}
	for _, opt := range options {
		opt(&opts)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.HandleMethodNotAllowed = true
	if opts.ServiceName != "" {
		router.Use(otelgin.Middleware(opts.ServiceName))
	}
	router.Use(requestLogger(logger, opts.Metrics), recovery(logger), gzip.Gzip(gzip.DefaultCompression))

	h := &Handler{checkout: checkoutSvc, orders: orderSvc, reconciler: reconciler}

	api := router.Group("/orders", auth.Middleware())
	{
		api.POST("", idempotent(opts.Idempotency), h.createOrder)
		api.GET("", h.listOrders)
		api.GET("/verify", opts.Limiter.Middleware(), h.verifyPayment)
		api.GET("/:id", h.getOrder)
		api.GET("/:id/timeline", h.orderTimeline)
		api.PUT("/:id", RequireAdmin(), h.updateOrder)
		api.POST("/:id/resume", h.resumeOrder)
		api.POST("/:id/capture", opts.Limiter.Middleware(), h.capturePayment)
	}

	hooks := router.Group("/webhooks")
	{
		hooks.POST("/provider-a", h.webhookHandler(domain.ProviderA, logger))
		hooks.POST("/provider-b", h.webhookHandler(domain.ProviderB, logger))
	}

	router.NoRoute(func(c *gin.Context) {
		abortWithCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	return router
}
