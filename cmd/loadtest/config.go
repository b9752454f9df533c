package main

import (
	"cmp"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	redisstore "github.com/vladislavdragonenkov/checkout/internal/storage/redis"
)

const (
	envJWTSecret = "CHECKOUT_AUTH_JWT_SECRET"
	envRedisAddr = "CHECKOUT_REDIS_ADDR"
)

// flow — что делает один сценарий после наполнения корзины.
type flow string

const (
	flowCheckout flow = "checkout"
	flowCapture  flow = "checkout-capture"
)

func parseFlow(raw string) (flow, error) {
	switch f := flow(strings.ToLower(strings.TrimSpace(raw))); f {
	case flowCheckout, flowCapture:
		return f, nil
	default:
		return "", fmt.Errorf("-mode %q: want checkout or checkout-capture", raw)
	}
}

type settings struct {
	target     string
	secret     string
	issuer     string
	redisAddr  string
	cartPrefix string

	// scenarios — сколько сценариев запустить; 0 вместе с -duration снимает ограничение.
	scenarios int
	duration  time.Duration
	workers   int
	// rate — сценариев в секунду; 0 без ограничения.
	rate    float64
	timeout time.Duration

	mode     flow
	provider domain.PaymentProvider
	product  string
	qty      int64
	// stock — остаток товара перед прогоном; > 0 включает проверку перепродажи.
	stock int64
	users string

	reportPath string
}

// plan описывает объём прогона для отчёта.
func (s settings) plan() string {
	switch {
	case s.duration > 0 && s.scenarios > 0:
		return fmt.Sprintf("%s or %d scenarios", s.duration, s.scenarios)
	case s.duration > 0:
		return s.duration.String()
	default:
		return fmt.Sprintf("%d scenarios", s.scenarios)
	}
}

func loadSettings(args []string, getenv func(string) string, stderr io.Writer) (settings, error) {
	var (
		s        settings
		mode     string
		provider string
	)
	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&s.target, "base-url", "http://localhost:8080", "checkout HTTP API base URL")
	fs.StringVar(&s.secret, "jwt-secret", "", "HS256 secret used to sign test tokens, defaults to $"+envJWTSecret)
	fs.StringVar(&s.issuer, "jwt-issuer", "", "token issuer")
	fs.StringVar(&s.redisAddr, "redis-addr", "", "cart store address, defaults to $"+envRedisAddr)
	fs.StringVar(&s.cartPrefix, "redis-prefix", redisstore.DefaultCartPrefix, "cart key prefix")
	fs.IntVar(&s.scenarios, "total", 0, "scenarios to run; 400 when -duration is not set")
	fs.DurationVar(&s.duration, "duration", 0, "stop dispatching after this long")
	fs.IntVar(&s.workers, "concurrency", 40, "parallel workers")
	fs.Float64Var(&s.rate, "rate", 0, "scenarios started per second, 0 for no limit")
	fs.DurationVar(&s.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&mode, "mode", string(flowCheckout), "checkout or checkout-capture")
	fs.StringVar(&provider, "provider", string(domain.ProviderA), "payment provider")
	fs.StringVar(&s.product, "sku", "SKU-LOAD", "product placed into every cart")
	fs.Int64Var(&s.qty, "qty", 1, "units per cart")
	fs.Int64Var(&s.stock, "stock", 0, "units in stock before the run; fails the run on oversell")
	fs.StringVar(&s.users, "user-tag", "load", "user id prefix")
	fs.StringVar(&s.reportPath, "output", "", "write a JSON report to this file")
	if err := fs.Parse(args); err != nil {
		return settings{}, err
	}

	s.target = strings.TrimRight(strings.TrimSpace(s.target), "/")
	s.secret = cmp.Or(s.secret, getenv(envJWTSecret))
	s.redisAddr = cmp.Or(strings.TrimSpace(s.redisAddr), strings.TrimSpace(getenv(envRedisAddr)))
	s.product = strings.TrimSpace(s.product)
	s.users = strings.TrimSpace(s.users)
	if s.duration == 0 && s.scenarios == 0 {
		s.scenarios = 400
	}

	var err error
	if s.mode, err = parseFlow(mode); err != nil {
		return settings{}, err
	}
	if s.provider, err = domain.ParsePaymentProvider(strings.TrimSpace(provider)); err != nil {
		return settings{}, err
	}
	if err := s.validate(); err != nil {
		return settings{}, err
	}
	return s, nil
}

func (s settings) validate() error {
	switch {
	case s.target == "":
		return errors.New("-base-url must not be empty")
	case s.secret == "":
		return fmt.Errorf("no signing secret: pass -jwt-secret or set %s", envJWTSecret)
	case s.redisAddr == "":
		return fmt.Errorf("carts are seeded in redis: pass -redis-addr or set %s", envRedisAddr)
	case s.duration < 0:
		return errors.New("-duration must not be negative")
	case s.scenarios < 0:
		return errors.New("-total must not be negative")
	case s.workers <= 0:
		return errors.New("-concurrency must be positive")
	case s.rate < 0:
		return errors.New("-rate must not be negative")
	case s.timeout <= 0:
		return errors.New("-timeout must be positive")
	case s.qty <= 0:
		return fmt.Errorf("-qty: %w", domain.ErrItemQtyInvalid)
	case s.stock < 0:
		return errors.New("-stock must not be negative")
	case s.product == "":
		return errors.New("-sku must not be empty")
	case s.users == "":
		return errors.New("-user-tag must not be empty")
	}
	return nil
}
