package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/checkout/internal/service/idempotency"
)

// HeaderIdempotencyKey — ключ идемпотентности клиента.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderIdempotentReplay выставляется в ответах, взятых из сохранённого результата.
const HeaderIdempotentReplay = "Idempotent-Replayed"

const maxIdempotencyKeyLen = 128

// IdempotencyGuard — хранилище результатов по ключу идемпотентности.
type IdempotencyGuard interface {
	Begin(ctx context.Context, userID, clientKey, requestHash string) (string, *idempotency.Replay, error)
	Finish(ctx context.Context, key string, httpStatus int, body []byte)
}

// recordingWriter копирует тело ответа, чтобы сохранить его для повторов.
type recordingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *recordingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// idempotent выполняет обработчик не более одного раза на (пользователь, ключ).
// Без заголовка запрос проходит как есть.
func idempotent(guard IdempotencyGuard) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" || guard == nil {
			c.Next()
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			abortWithCode(c, http.StatusBadRequest, CodeValidation, "idempotency key is too long")
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			abortWithCode(c, http.StatusBadRequest, CodeValidation, "cannot read request body")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		caller := callerFrom(c)
		hash := idempotency.RequestHash(caller.UserID, c.FullPath(), body)

		scoped, replay, err := guard.Begin(c.Request.Context(), caller.UserID, key, hash)
		switch {
		case err != nil:
			writeError(c, err)
			return
		case replay != nil:
			c.Header(HeaderIdempotentReplay, "true")
			c.Data(replay.HTTPStatus, "application/json; charset=utf-8", replay.Body)
			c.Abort()
			return
		}

		rw := &recordingWriter{ResponseWriter: c.Writer}
		c.Writer = rw
		c.Next()
		guard.Finish(c.Request.Context(), scoped, rw.Status(), rw.body.Bytes())
	}
}
