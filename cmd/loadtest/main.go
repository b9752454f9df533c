// Команда loadtest нагружает POST /orders (и, по желанию, capture) сценариями
// «корзина, токен, оформление». Корзины заводятся прямо в Redis сервиса, токены
// подписываются его секретом. Ответ 409 на нехватку остатков считается
// ожидаемым исходом, а не ошибкой; с -stock прогон дополнительно проверяет,
// что заказов создано не больше, чем было товара.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/service/httpapi"
	redisstore "github.com/vladislavdragonenkov/checkout/internal/storage/redis"
)

const tokenTTL = time.Hour

// cartFiller кладёт позицию в корзину покупателя.
type cartFiller interface {
	Put(ctx context.Context, userID, productID string, qty int64) error
}

type runner struct {
	set     settings
	client  *http.Client
	tokens  *httpapi.Authenticator
	carts   cartFiller
	tally   *tally
	limiter *rate.Limiter
	runID   string
	order   []byte
}

func newRunner(set settings, carts cartFiller, client *http.Client) *runner {
	limit := rate.Inf
	if set.rate > 0 {
		limit = rate.Limit(set.rate)
	}
	order, _ := json.Marshal(map[string]any{
		"provider": set.provider,
		"shippingAddress": domain.ShippingAddress{
			FullName:   "Load Test",
			Line1:      "1 Test St",
			City:       "Berlin",
			PostalCode: "10115",
			Country:    "DE",
		},
	})
	return &runner{
		set:     set,
		client:  client,
		tokens:  httpapi.NewAuthenticator(set.secret, set.issuer),
		carts:   carts,
		tally:   newTally(),
		limiter: rate.NewLimiter(limit, 1),
		runID:   strconv.FormatInt(time.Now().UnixNano(), 36),
		order:   order,
	}
}

func main() {
	os.Exit(run(os.Args[1:], os.Getenv, os.Stdout, os.Stderr))
}

func run(args []string, getenv func(string) string, stdout, stderr io.Writer) int {
	set, err := loadSettings(args, getenv, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			_, _ = fmt.Fprintln(stderr, err)
		}
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	carts, err := redisstore.Open(ctx, set.redisAddr, set.cartPrefix)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "connect redis: %v\n", err)
		return 1
	}
	defer carts.Close()

	r := newRunner(set, carts, &http.Client{Timeout: set.timeout})
	return conclude(r.run(ctx), set, stdout, stderr)
}

// conclude печатает отчёт и возвращает код выхода прогона.
func conclude(s Summary, set settings, stdout, stderr io.Writer) int {
	s.print(stdout, set)
	code := 0
	if set.reportPath != "" {
		if err := s.save(set.reportPath); err != nil {
			_, _ = fmt.Fprintf(stderr, "save report: %v\n", err)
			code = 1
		}
	}
	if err := s.oversold(set.stock, set.qty); err != nil {
		_, _ = fmt.Fprintln(stderr, err)
		code = 1
	}
	if s.Failed > 0 {
		code = 1
	}
	return code
}

func (r *runner) run(ctx context.Context) Summary {
	started := time.Now()
	jobs := make(chan int, r.set.workers)

	var wg sync.WaitGroup
	for range r.set.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range jobs {
				r.scenario(ctx, n)
			}
		}()
	}
	r.feed(ctx, jobs)
	wg.Wait()

	return r.tally.summary(started, time.Since(started))
}

// feed раздаёт номера сценариев с учётом -rate, пока не исчерпан -total или -duration.
// Начатые сценарии доигрываются с родительским контекстом.
func (r *runner) feed(ctx context.Context, jobs chan<- int) {
	defer close(jobs)
	if r.set.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.set.duration)
		defer cancel()
	}
	for n := 0; r.set.scenarios == 0 || n < r.set.scenarios; n++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case jobs <- n:
		}
	}
}

func (r *runner) scenario(ctx context.Context, n int) {
	started := time.Now()
	outcome := r.attempt(ctx, n)
	ok := outcome == outcomeOK || outcome == outcomeSoldOut
	r.tally.observe(scenarioKey, time.Since(started), outcome, ok)
}

// attempt проходит сценарий и возвращает его исход.
func (r *runner) attempt(ctx context.Context, n int) string {
	user := fmt.Sprintf("%s-%s-%d", r.set.users, r.runID, n)
	if err := r.carts.Put(ctx, user, r.set.product, r.set.qty); err != nil {
		return outcomeSeed
	}
	token, err := r.tokens.Issue(user, "", tokenTTL)
	if err != nil {
		return outcomeToken
	}

	status, body, err := r.call(ctx, "POST /orders", "/orders", token, r.order, uuid.NewString(),
		http.StatusCreated, http.StatusConflict)
	switch {
	case err != nil:
		return outcomeTransport
	case status == http.StatusConflict:
		return outcomeSoldOut
	case status != http.StatusCreated:
		return strconv.Itoa(status)
	case r.set.mode != flowCapture:
		return outcomeOK
	}

	var created struct {
		OrderID string `json:"orderId"`
	}
	if json.Unmarshal(body, &created) != nil || created.OrderID == "" {
		return outcomeResponse
	}
	path := "/orders/" + url.PathEscape(created.OrderID) + "/capture"
	status, _, err = r.call(ctx, "POST /orders/:id/capture", path, token, nil, "",
		http.StatusOK, http.StatusAccepted)
	if err != nil || (status != http.StatusOK && status != http.StatusAccepted) {
		return outcomeCapture
	}
	return outcomeOK
}

// call выполняет POST и учитывает его под именем name; accepted — коды успеха.
func (r *runner) call(ctx context.Context, name, path, token string, body []byte, key string, accepted ...int) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.set.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.set.target+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(httpapi.HeaderIdempotencyKey, key)
	}

	started := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		r.tally.observe(name, time.Since(started), outcomeTransport, false)
		return 0, nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)

	ok := slices.Contains(accepted, resp.StatusCode)
	r.tally.observe(name, time.Since(started), strconv.Itoa(resp.StatusCode), ok)
	return resp.StatusCode, payload, err
}
