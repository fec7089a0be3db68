package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"billing-service/internal/service"
	"billing-service/internal/util"
)

// webhookBodyLimit caps provider callback payloads. Stripe events are small;
// the limit protects the raw read that signature verification depends on.
const webhookBodyLimit = 1 << 20

// CheckoutLimiter is the shared counter store consulted before checkout
// initiation. Implemented by redisclient.Client.
type CheckoutLimiter interface {
	AllowCheckout(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Handler contains HTTP handlers
type Handler struct {
	checkoutService *service.CheckoutService
	webhookService  *service.WebhookService
	limiter         CheckoutLimiter
	limit           int
	window          time.Duration
	logger          *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	checkoutService *service.CheckoutService,
	webhookService *service.WebhookService,
	limiter CheckoutLimiter,
	limit int,
	window time.Duration,
) *Handler {
	return &Handler{
		checkoutService: checkoutService,
		webhookService:  webhookService,
		limiter:         limiter,
		limit:           limit,
		window:          window,
		logger:          util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/checkout", h.initiateCheckout)
		v1.POST("/webhooks/stripe", h.stripeWebhook)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// initiateCheckout handles checkout initiation
func (h *Handler) initiateCheckout(c *gin.Context) {
	ip := c.ClientIP()

	if h.limiter != nil {
		allowed, err := h.limiter.AllowCheckout(c.Request.Context(), ip, h.limit, h.window)
		if err != nil {
			// Fail open: a broken counter store must not block purchases.
			h.logger.Error("Rate limiter unavailable", zap.Error(err))
		} else if !allowed {
			util.CheckoutRateLimitedTotal.Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "too many checkout attempts, try again later",
			})
			return
		}
	}

	var req service.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid request body",
		})
		return
	}
	req.SourceIP = ip

	resp, err := h.checkoutService.InitiateCheckout(c.Request.Context(), &req)
	if err != nil {
		h.respondCheckoutError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) respondCheckoutError(c *gin.Context, err error) {
	var validationErr *service.ValidationError
	if errors.As(err, &validationErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Error()})
		return
	}

	var configErr *service.ConfigurationError
	if errors.As(err, &configErr) {
		h.logger.Error("Checkout configuration error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "service is misconfigured"})
		return
	}

	h.logger.Error("Checkout failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to initiate checkout"})
}

// stripeWebhook handles payment provider callbacks. The body is read raw and
// passed untouched to signature verification; re-serialization would change
// the bytes the signature covers.
func (h *Handler) stripeWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, webhookBodyLimit))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read body"})
		return
	}

	signature := c.GetHeader("Stripe-Signature")

	err = h.webhookService.HandleEvent(c.Request.Context(), body, signature)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	var authErr *service.AuthenticationError
	if errors.As(err, &authErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	var fatalErr *service.FatalEventError
	if errors.As(err, &fatalErr) {
		// Structurally unprocessable: acknowledge so the provider stops
		// redelivering an event that can never succeed.
		h.logger.Error("Dropping unprocessable event", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	// Recoverable (and unexpected) failures return 5xx so the provider
	// retries the same delivery. That retry is the only retry strategy.
	h.logger.Error("Webhook processing failed, provider will retry", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "temporary failure"})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
