package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/version"
)

// errMalformedResponse — провайдер ответил 2xx, но тело не разобрано; итог операции неизвестен.
var errMalformedResponse = errors.New("malformed provider response")

// errTokenUnavailable — не удалось получить или использовать OAuth-токен. Это не ответ
// по платежу, поэтому ошибка считается временной и не приводит к отказу.
var errTokenUnavailable = errors.New("provider access token unavailable")

const maxResponseBytes = 1 << 20

// apiError — ответ провайдера с кодом не 2xx.
type apiError struct {
	StatusCode int
	Body       []byte
}

func (e *apiError) Error() string {
	return fmt.Sprintf("provider responded %d: %s", e.StatusCode, truncate(e.Body, 256))
}

// transient сообщает, что ответ допускает повтор: 5xx или 429.
func (e *apiError) transient() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// httpCall описывает один JSON-запрос к провайдеру.
type httpCall struct {
	method string
	url    string
	body   any
	form   url.Values
	header http.Header
	auth   func(*http.Request)
}

// doJSON выполняет запрос и декодирует JSON-ответ в out. Сетевые ошибки и таймауты
// возвращаются как есть, ответ не 2xx — как *apiError.
func doJSON(ctx context.Context, client *http.Client, call httpCall, out any) (int, error) {
	var (
		reader      io.Reader
		contentType string
	)
	switch {
	case call.form != nil:
		reader = strings.NewReader(call.form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case call.body != nil:
		raw, err := json.Marshal(call.body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, call.method, call.url, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for key, values := range call.header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if call.auth != nil {
		call.auth(req)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &apiError{StatusCode: resp.StatusCode, Body: body}
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: %v", errMalformedResponse, err)
		}
	}
	return resp.StatusCode, nil
}

// isTransient относит ошибку вызова к временным: таймаут, сетевой сбой, 5xx, 429.
// Таймаут никогда не считается окончательным отказом.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.transient()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errMalformedResponse) || errors.Is(err, errTokenUnavailable) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// classify переводит ошибку вызова провайдера в доменную: временная ошибка оборачивает
// domain.ErrProviderTransient, иначе используется definitive.
func classify(op string, err error, definitive error) error {
	if isTransient(err) {
		return transientError(op, err)
	}
	return fmt.Errorf("%w: %s: %v", definitive, op, err)
}

func transientError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrProviderTransient, op, err)
}
