package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
)

const defaultKeyTTL = 24 * time.Hour

// Replay — сохранённый ответ на запрос с тем же ключом.
type Replay struct {
	HTTPStatus int
	Body       []byte
}

// Guard выполняет POST /orders не более одного раза на ключ пользователя.
type Guard struct {
	repo    domain.IdempotencyRepository
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.CheckoutMetrics
	logger  *log.Entry
}

// NewGuard создаёт Guard. ttl <= 0 означает сутки.
func NewGuard(repo domain.IdempotencyRepository, ttl time.Duration, logger *log.Entry) *Guard {
	if ttl <= 0 {
		ttl = defaultKeyTTL
	}
	if logger == nil {
		logger = log.WithField("component", "idempotency-guard")
	}
	return &Guard{
		repo:   repo,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// WithMetrics включает счётчики исходов ключей.
func (g *Guard) WithMetrics(m *metrics.CheckoutMetrics) *Guard {
	g.metrics = m
	return g
}

// RequestHash строит отпечаток запроса: пользователь, маршрут и тело.
func RequestHash(userID, route string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(route))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Begin занимает ключ пользователя и возвращает scoped-ключ для Finish.
// Непустой Replay означает, что запрос уже выполнен и нужно вернуть сохранённый ответ.
func (g *Guard) Begin(ctx context.Context, userID, clientKey, requestHash string) (string, *Replay, error) {
	key := domain.CheckoutIdempotencyKey(userID, clientKey)
	record, err := g.repo.Claim(ctx, domain.IdempotencyClaim{
		Key:         key,
		Kind:        domain.IdempotencyCheckout,
		Owner:       userID,
		RequestHash: requestHash,
		ExpiresAt:   g.now().Add(g.ttl),
	})
	switch {
	case err == nil:
		g.record("claimed")
		return key, nil, nil
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		g.record("mismatch")
		return key, nil, err
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
		if !record.Settled() {
			g.record("in_progress")
			return key, nil, domain.ErrIdempotencyInProgress
		}
		g.record("replayed")
		status := record.HTTPStatus
		if status == 0 {
			status = http.StatusOK
		}
		return key, &Replay{HTTPStatus: status, Body: record.Response}, nil
	default:
		return key, nil, fmt.Errorf("claim idempotency key: %w", err)
	}
}

// Finish записывает итог запроса.
//   - 2xx и 4xx сохраняются и повторяются как есть;
//   - 502 тоже сохраняется: в нём orderId созданного заказа, повтор должен вести к возобновлению,
//     а не ко второму заказу;
//   - прочие 5xx освобождают ключ: заказ не создан, клиент может повторить с тем же ключом.
func (g *Guard) Finish(ctx context.Context, key string, httpStatus int, body []byte) {
	// Клиент мог уже отключиться, но результат всё равно нужно записать.
	ctx = context.WithoutCancel(ctx)
	var err error
	switch {
	case httpStatus >= 200 && httpStatus < 300:
		err = g.repo.Settle(ctx, key, domain.IdempotencyStatusDone, httpStatus, body)
	case httpStatus < 500 || httpStatus == http.StatusBadGateway:
		err = g.repo.Settle(ctx, key, domain.IdempotencyStatusFailed, httpStatus, body)
	default:
		g.record("released")
		err = g.repo.Release(ctx, key)
	}
	if err != nil {
		g.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent response")
	}
}

func (g *Guard) record(result string) {
	g.metrics.RecordIdempotency(string(domain.IdempotencyCheckout), result)
}
