package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/checkout"
	"github.com/vladislavdragonenkov/checkout/internal/service/orders"
	"github.com/vladislavdragonenkov/checkout/internal/service/reconcile"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// CheckoutService — оформление и возобновление оплаты.
type CheckoutService interface {
	StartCheckout(ctx context.Context, req checkout.Request) (checkout.Result, error)
	ResumeCheckout(ctx context.Context, userID, orderID string) (checkout.Result, error)
}

// OrderService — чтение заказов и административные переходы.
type OrderService interface {
	Get(ctx context.Context, caller orders.Caller, orderID string) (domain.Order, error)
	List(ctx context.Context, userID string, limit int) ([]domain.Order, error)
	Timeline(ctx context.Context, caller orders.Caller, orderID string) ([]domain.TimelineEvent, error)
	UpdateStatus(ctx context.Context, orderID string, target domain.OrderStatus, trackingRef string) (domain.Order, error)
}

// PaymentReconciler — сверка оплаты по запросу клиента и по вебхуку.
type PaymentReconciler interface {
	VerifyForUser(ctx context.Context, userID, sessionID string) (reconcile.Result, error)
	CaptureForUser(ctx context.Context, userID, orderID string) (reconcile.Result, error)
	HandleWebhook(ctx context.Context, provider domain.PaymentProvider, req domain.WebhookRequest) (reconcile.Result, error)
}

// Handler содержит обработчики API заказов.
type Handler struct {
	checkout   CheckoutService
	orders     OrderService
	reconciler PaymentReconciler
}

func (h *Handler) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithCode(c, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	provider, err := domain.ParsePaymentProvider(req.Provider)
	if err != nil {
		writeError(c, err)
		return
	}

	result, err := h.checkout.StartCheckout(c.Request.Context(), checkout.Request{
		UserID:          callerFrom(c).UserID,
		ShippingAddress: req.ShippingAddress,
		Provider:        provider,
	})
	if err != nil {
		// Заказ создан, но сессия не открылась: клиенту нужен id для resume.
		writeErrorWithOrder(c, err, result.Order.ID)
		return
	}
	c.JSON(http.StatusCreated, checkoutResponse{
		OrderID:     result.Order.ID,
		RedirectURL: result.RedirectURL,
		Provider:    string(result.Provider),
	})
}

func (h *Handler) resumeOrder(c *gin.Context) {
	result, err := h.checkout.ResumeCheckout(c.Request.Context(), callerFrom(c).UserID, c.Param("id"))
	if err != nil {
		writeErrorWithOrder(c, err, result.Order.ID)
		return
	}
	c.JSON(http.StatusOK, checkoutResponse{
		OrderID:     result.Order.ID,
		RedirectURL: result.RedirectURL,
		Provider:    string(result.Provider),
	})
}

func (h *Handler) listOrders(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			abortWithCode(c, http.StatusBadRequest, CodeValidation, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	list, err := h.orders.List(c.Request.Context(), callerFrom(c).UserID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]orderResponse, 0, len(list))
	for _, o := range list {
		out = append(out, toOrderResponse(o))
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orders.Get(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(order))
}

func (h *Handler) orderTimeline(c *gin.Context) {
	events, err := h.orders.Timeline(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orderId": c.Param("id"), "events": toTimelineResponse(events)})
}

func (h *Handler) updateOrder(c *gin.Context) {
	var req updateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithCode(c, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	target, err := domain.ParseOrderStatus(req.Status)
	if err != nil {
		writeError(c, err)
		return
	}

	order, err := h.orders.UpdateStatus(c.Request.Context(), c.Param("id"), target, req.TrackingRef)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(order))
}

func (h *Handler) verifyPayment(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		abortWithCode(c, http.StatusBadRequest, CodeValidation, "sessionId is required")
		return
	}
	result, err := h.reconciler.VerifyForUser(c.Request.Context(), callerFrom(c).UserID, sessionID)
	h.writePaymentResult(c, result, err)
}

func (h *Handler) capturePayment(c *gin.Context) {
	result, err := h.reconciler.CaptureForUser(c.Request.Context(), callerFrom(c).UserID, c.Param("id"))
	h.writePaymentResult(c, result, err)
}

// writePaymentResult: 200 — итог известен, 202 — оплата ещё не завершена, 503 — повторить позже.
func (h *Handler) writePaymentResult(c *gin.Context, result reconcile.Result, err error) {
	if err != nil {
		if errors.Is(err, domain.ErrProviderTransient) {
			c.Header("Retry-After", retryAfterSeconds)
			resp := buildErrorResponse(err, CodeProviderTransient)
			resp.OrderID = result.Order.ID
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, resp)
			return
		}
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if result.Outcome == domain.PaymentOutcomePending {
		status = http.StatusAccepted
	}
	c.JSON(status, toPaymentResponse(result))
}
