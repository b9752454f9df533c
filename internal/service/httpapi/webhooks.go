package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const maxWebhookBody = 1 << 20

// webhookHandler принимает вебхук провайдера. Подпись проверяется до любого чтения заказа.
func (h *Handler) webhookHandler(provider domain.PaymentProvider, logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			abortWithCode(c, http.StatusBadRequest, CodeValidation, "cannot read webhook body")
			return
		}

		result, err := h.reconciler.HandleWebhook(c.Request.Context(), provider, domain.WebhookRequest{
			Body:   body,
			Header: c.Request.Header.Clone(),
		})
		entry := logger.WithField("provider", provider)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{
				"received":  true,
				"duplicate": result.Duplicate,
				"orderId":   result.Order.ID,
				"status":    result.Order.Status,
			})
		case errors.Is(err, domain.ErrWebhookSignature):
			entry.WithError(err).Warn("webhook rejected")
			abortWithCode(c, http.StatusBadRequest, CodeWebhookSignature, "invalid signature")
		case errors.Is(err, domain.ErrWebhookIgnored):
			c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		case errors.Is(err, domain.ErrOrderNotFound):
			// Сессия нам неизвестна: повтор доставки ничего не изменит.
			entry.WithError(err).Warn("webhook for unknown session")
			c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		case errors.Is(err, domain.ErrProviderTransient):
			// 503 заставляет провайдера доставить событие повторно.
			entry.WithError(err).Warn("webhook reconcile is ambiguous")
			c.Header("Retry-After", retryAfterSeconds)
			abortWithCode(c, http.StatusServiceUnavailable, CodeProviderTransient, "payment status is not yet known")
		default:
			writeError(c, err)
		}
	}
}
