package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

// HeaderRequestID — заголовок корреляции запроса.
const HeaderRequestID = "X-Request-ID"

const requestIDKey = "checkout.request_id"

// requestLogger присваивает запросу id, пишет access-лог через logrus и метрику длительности.
func requestLogger(logger *log.Entry, m *metrics.CheckoutMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(HeaderRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Header(HeaderRequestID, rid)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		latency := time.Since(start)
		status := c.Writer.Status()
		m.ObserveHTTP(c.Request.Method, route, status, latency)

		entry := logger.WithFields(log.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     status,
			"latency_ms": latency.Milliseconds(),
			"request_id": rid,
		})
		if caller := callerFrom(c); caller.UserID != "" {
			entry = entry.WithField("user_id", caller.UserID)
		}
		if len(c.Errors) > 0 {
			entry.WithError(c.Errors.Last().Err).Error("request failed")
			return
		}
		if status >= 500 {
			entry.Warn("request completed with server error")
			return
		}
		entry.Info("request completed")
	}
}

// recovery превращает панику обработчика в 500 и логирует её.
func recovery(logger *log.Entry) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.WithField("panic", recovered).WithField("path", c.Request.URL.Path).Error("handler panicked")
		abortWithCode(c, 500, CodeInternal, "internal error")
	})
}
