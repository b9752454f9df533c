package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// Коды ошибок API. Клиенты опираются на них, а не на текст сообщения.
const (
	CodeEmptyCart             = "EMPTY_CART"
	CodeProductUnavailable    = "PRODUCT_UNAVAILABLE"
	CodeInsufficientStock     = "INSUFFICIENT_STOCK"
	CodeSessionFailed         = "PROVIDER_SESSION_FAILED"
	CodeInvalidTransition     = "INVALID_TRANSITION"
	CodeOrderNotFound         = "ORDER_NOT_FOUND"
	CodeNotAuthorized         = "NOT_AUTHORIZED"
	CodePaymentDeclined       = "PAYMENT_DECLINED"
	CodeProviderTransient     = "PROVIDER_TRANSIENT"
	CodeValidation            = "VALIDATION_FAILED"
	CodeUnknownProvider       = "UNKNOWN_PROVIDER"
	CodeUnauthenticated       = "UNAUTHENTICATED"
	CodeIdempotencyMismatch   = "IDEMPOTENCY_KEY_REUSED"
	CodeIdempotencyInProgress = "IDEMPOTENCY_IN_PROGRESS"
	CodeRateLimited           = "RATE_LIMITED"
	CodeWebhookSignature      = "WEBHOOK_SIGNATURE_INVALID"
	CodeConflict              = "CONFLICT"
	CodeInternal              = "INTERNAL"
)

// retryAfterSeconds — подсказка клиенту для временных ошибок.
const retryAfterSeconds = "2"

type errorMapping struct {
	err    error
	status int
	code   string
}

// errorTable сопоставляет доменные ошибки с HTTP. Порядок важен: первая совпавшая запись побеждает.
var errorTable = []errorMapping{
	{domain.ErrEmptyCart, http.StatusUnprocessableEntity, CodeEmptyCart},
	{domain.ErrProductUnavailable, http.StatusUnprocessableEntity, CodeProductUnavailable},
	{domain.ErrInsufficientStock, http.StatusConflict, CodeInsufficientStock},
	{domain.ErrProviderSessionCreationFailed, http.StatusBadGateway, CodeSessionFailed},
	{domain.ErrInvalidTransition, http.StatusConflict, CodeInvalidTransition},
	{domain.ErrStatusConflict, http.StatusConflict, CodeConflict},
	{domain.ErrOrderNotFound, http.StatusNotFound, CodeOrderNotFound},
	{domain.ErrNotAuthorized, http.StatusForbidden, CodeNotAuthorized},
	{domain.ErrPaymentDeclined, http.StatusPaymentRequired, CodePaymentDeclined},
	{domain.ErrProviderTransient, http.StatusServiceUnavailable, CodeProviderTransient},
	{domain.ErrUnknownProvider, http.StatusBadRequest, CodeUnknownProvider},
	{domain.ErrAddressInvalid, http.StatusBadRequest, CodeValidation},
	{domain.ErrUnknownStatus, http.StatusBadRequest, CodeValidation},
	{domain.ErrUserRequired, http.StatusUnauthorized, CodeUnauthenticated},
	{domain.ErrIdempotencyHashMismatch, http.StatusConflict, CodeIdempotencyMismatch},
	{domain.ErrIdempotencyInProgress, http.StatusConflict, CodeIdempotencyInProgress},
	{domain.ErrWebhookSignature, http.StatusBadRequest, CodeWebhookSignature},
}

// errorResponse — тело ответа с ошибкой.
type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	OrderID   string `json:"orderId,omitempty"`
	ProductID string `json:"productId,omitempty"`
	Requested int64  `json:"requested,omitempty"`
	Available *int64 `json:"available,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// classify возвращает HTTP-статус и код для ошибки.
func classify(err error) (int, string) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, CodeInternal
}

func buildErrorResponse(err error, code string) errorResponse {
	resp := errorResponse{Code: code, Message: err.Error(), Retryable: domain.IsRetryable(err)}
	if code == CodeInternal {
		resp.Message = "internal error"
	}

	var checkoutErr *domain.CheckoutError
	if errors.As(err, &checkoutErr) && checkoutErr.ProductID != "" {
		resp.ProductID = checkoutErr.ProductID
		if errors.Is(checkoutErr.Err, domain.ErrInsufficientStock) {
			available := checkoutErr.Available
			resp.Requested = checkoutErr.Requested
			resp.Available = &available
		}
	}
	return resp
}

// writeError отвечает ошибкой, прерывая цепочку обработчиков.
func writeError(c *gin.Context, err error) {
	writeErrorWithOrder(c, err, "")
}

// writeErrorWithOrder добавляет в ответ id заказа, по которому клиент может возобновить оплату.
func writeErrorWithOrder(c *gin.Context, err error, orderID string) {
	status, code := classify(err)
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", retryAfterSeconds)
	}
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	resp := buildErrorResponse(err, code)
	resp.OrderID = orderID
	c.AbortWithStatusJSON(status, resp)
}

func abortWithCode(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Code: code, Message: message})
}
