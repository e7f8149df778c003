package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/psp"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxWebhookBody caps webhook payload reads. Providers send small JSON
// envelopes; anything larger is hostile.
const maxWebhookBody = 1 << 20

// RateLimiter gates abusive callers, keyed by caller identity.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Handler contains HTTP handlers
type Handler struct {
	checkout  *service.CheckoutService
	webhooks  *service.WebhookReconciler
	admin     *service.AdminService
	limiter   RateLimiter
	sigLimit  int
	sigWindow time.Duration
	claimTTL  time.Duration
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(checkout *service.CheckoutService, webhooks *service.WebhookReconciler,
	admin *service.AdminService, limiter RateLimiter,
	sigLimit int, sigWindow, claimTTL time.Duration) *Handler {
	return &Handler{
		checkout:  checkout,
		webhooks:  webhooks,
		admin:     admin,
		limiter:   limiter,
		sigLimit:  sigLimit,
		sigWindow: sigWindow,
		claimTTL:  claimTTL,
		logger:    util.GetLogger(),
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
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)

		admin := v1.Group("/admin")
		{
			admin.POST("/orders/:id/refund", h.refundOrder)
			admin.POST("/orders/:id/cancel", h.cancelOrder)
		}
	}

	router.POST("/webhooks/:provider", h.handleWebhook)
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

// createOrder handles checkout requests
func (h *Handler) createOrder(c *gin.Context) {
	var input service.CreateOrderInput

	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if input.IdempotencyKey == "" {
		input.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	result, err := h.checkout.CreateOrder(c.Request.Context(), &input)
	if err != nil {
		h.writeCheckoutError(c, err)
		return
	}

	status := http.StatusCreated
	if !result.IsNew {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// writeCheckoutError maps checkout failures onto HTTP responses.
func (h *Handler) writeCheckoutError(c *gin.Context, err error) {
	var invalidPayload *models.InvalidPayloadError
	var insufficient *models.InsufficientStockError
	var idemConflict *models.IdempotencyConflictError
	var priceConfig *models.PriceConfigError

	switch {
	case errors.As(err, &invalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": invalidPayload.Reason,
		})
	case errors.As(err, &insufficient):
		c.JSON(http.StatusConflict, gin.H{
			"error":      "Insufficient stock",
			"code":       models.FailureStockInsufficient,
			"product_id": insufficient.ProductID,
		})
	case errors.As(err, &idemConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Idempotency key was already used with a different request",
		})
	case errors.As(err, &priceConfig):
		h.logger.Error("Price configuration missing",
			zap.Int64("product_id", priceConfig.ProductID),
			zap.String("currency", priceConfig.Currency))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Price not configured",
			"code":  "PRICE_NOT_CONFIGURED",
		})
	default:
		h.logger.Error("Checkout failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create order",
		})
	}
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := h.orderIDParam(c)
	if !ok {
		return
	}

	order, items, err := h.checkout.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, models.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		h.logger.Error("Failed to load order", zap.Int64("order_id", orderID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load order"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// refundOrder triggers a full refund and restock for a paid order.
func (h *Handler) refundOrder(c *gin.Context) {
	orderID, ok := h.orderIDParam(c)
	if !ok {
		return
	}
	if err := h.admin.RefundOrder(c.Request.Context(), orderID); err != nil {
		h.writeAdminError(c, orderID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "refunded": true})
}

// cancelOrder cancels an unpaid order and releases its reservation.
func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := h.orderIDParam(c)
	if !ok {
		return
	}
	if err := h.admin.CancelUnpaidOrder(c.Request.Context(), orderID); err != nil {
		h.writeAdminError(c, orderID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "canceled": true})
}

func (h *Handler) writeAdminError(c *gin.Context, orderID int64, err error) {
	var stateInvalid *models.OrderStateInvalidError

	switch {
	case errors.Is(err, models.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
	case errors.As(err, &stateInvalid):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Order state does not allow this operation",
			"details": stateInvalid.Reason,
		})
	case errors.Is(err, models.ErrOrderBusy):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusConflict, gin.H{"error": "Order is being reconciled, retry shortly"})
	default:
		h.logger.Error("Admin operation failed",
			zap.Int64("order_id", orderID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Operation failed"})
	}
}

func (h *Handler) orderIDParam(c *gin.Context) (int64, bool) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || orderID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return 0, false
	}
	return orderID, true
}

// handleWebhook receives provider callbacks. Responses are never cacheable
// and a 2xx is only sent once the event is durably settled or recorded.
func (h *Handler) handleWebhook(c *gin.Context) {
	c.Header("Cache-Control", "no-store")

	provider := models.PaymentProvider(c.Param("provider"))
	gateway, ok := h.webhooks.Gateway(provider)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown provider"})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read payload"})
		return
	}

	event, err := gateway.VerifyWebhookSignature(payload, c.GetHeader("Webhook-Signature"))
	if err != nil {
		reason := signatureFailureReason(err)
		util.WebhookSignatureFailuresTotal.WithLabelValues(string(provider)).Inc()
		h.logger.Warn("Webhook signature verification failed",
			zap.String("provider", string(provider)),
			zap.String("remote_ip", c.ClientIP()),
			zap.String("reason", reason),
			zap.Error(err))
		if !h.allowSignatureFailure(c, provider, reason) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many invalid signatures"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
		return
	}

	if err := h.webhooks.HandleEvent(c.Request.Context(), provider, event); err != nil {
		if errors.Is(err, models.ErrEventBusy) {
			c.Header("Retry-After", strconv.Itoa(int(h.claimTTL.Seconds())))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Event is being processed elsewhere"})
			return
		}
		h.logger.Error("Webhook event processing failed",
			zap.String("provider", string(provider)),
			zap.String("event_id", event.ID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Event processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// allowSignatureFailure counts bad signatures per caller and failure reason
// and reports whether the caller is still within its window budget. A limiter
// outage fails open.
func (h *Handler) allowSignatureFailure(c *gin.Context, provider models.PaymentProvider, reason string) bool {
	if h.limiter == nil {
		return true
	}
	key := signatureFailureKey(provider, reason, c.ClientIP())
	allowed, err := h.limiter.Allow(c.Request.Context(), key, h.sigLimit, h.sigWindow)
	if err != nil {
		h.logger.Warn("Signature failure rate limiter unavailable", zap.Error(err))
		return true
	}
	return allowed
}

func signatureFailureKey(provider models.PaymentProvider, reason, clientIP string) string {
	return "webhook-sig:" + string(provider) + ":" + reason + ":" + clientIP
}

// signatureFailureReason extracts the gateway's stable reason token from a
// verification error.
func signatureFailureReason(err error) string {
	var sigErr *psp.SignatureError
	if errors.As(err, &sigErr) {
		return sigErr.Reason
	}
	return "invalid"
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		util.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(duration)
		util.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}
