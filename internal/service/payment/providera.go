package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const (
	providerASignatureHeader = "Provider-A-Signature"
	webhookTolerance         = 5 * time.Minute
)

// ProviderAConfig — учётные данные и адрес API провайдера A.
type ProviderAConfig struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	HTTPClient    *http.Client
}

// ProviderA — hosted checkout с ручным capture: сессия открывается заранее,
// списание выполняется при подтверждении после возврата покупателя.
type ProviderA struct {
	baseURL       string
	apiKey        string
	webhookSecret string
	client        *http.Client
	now           func() time.Time
}

// NewProviderA создаёт клиент провайдера A.
func NewProviderA(cfg ProviderAConfig) *ProviderA {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &ProviderA{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		webhookSecret: cfg.WebhookSecret,
		client:        client,
		now:           time.Now,
	}
}

func (p *ProviderA) Provider() domain.PaymentProvider { return domain.ProviderA }

type providerALineItem struct {
	Name       string `json:"name"`
	UnitAmount int64  `json:"unit_amount"`
	Quantity   int64  `json:"quantity"`
}

type providerASessionRequest struct {
	ClientReferenceID string              `json:"client_reference_id"`
	Currency          string              `json:"currency"`
	LineItems         []providerALineItem `json:"line_items"`
	ShippingAmount    int64               `json:"shipping_amount"`
	SuccessURL        string              `json:"success_url"`
	CancelURL         string              `json:"cancel_url"`
	CaptureMethod     string              `json:"capture_method"`
}

type providerASession struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	PaymentIntent string `json:"payment_intent"`
}

type providerACapture struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	LatestCharge string `json:"latest_charge"`
}

// CreateSession открывает hosted checkout. Idempotency-Key равен ID заказа,
// поэтому повтор после сбоя возвращает ту же сессию.
func (p *ProviderA) CreateSession(ctx context.Context, req domain.SessionRequest) (domain.PaymentSession, error) {
	body := providerASessionRequest{
		ClientReferenceID: req.OrderID,
		Currency:          strings.ToLower(req.Currency),
		LineItems:         make([]providerALineItem, 0, len(req.Items)),
		ShippingAmount:    req.ShippingFeeMinor,
		SuccessURL:        req.SuccessURL,
		CancelURL:         req.CancelURL,
		CaptureMethod:     "manual",
	}
	for _, item := range req.Items {
		body.LineItems = append(body.LineItems, providerALineItem{
			Name:       item.Name,
			UnitAmount: item.UnitPriceMinor,
			Quantity:   item.Qty,
		})
	}

	var out providerASession
	_, err := doJSON(ctx, p.client, httpCall{
		method: http.MethodPost,
		url:    p.baseURL + "/v1/checkout/sessions",
		body:   body,
		header: http.Header{"Idempotency-Key": []string{req.OrderID}},
		auth:   p.authorize,
	}, &out)
	if err != nil {
		return domain.PaymentSession{}, classify("create session", err, domain.ErrProviderSessionCreationFailed)
	}
	if out.ID == "" || out.URL == "" {
		return domain.PaymentSession{}, fmt.Errorf("%w: session id or url missing", domain.ErrProviderSessionCreationFailed)
	}

	return domain.PaymentSession{
		Provider:    domain.ProviderA,
		SessionID:   out.ID,
		RedirectURL: out.URL,
		Status:      out.Status,
	}, nil
}

// Confirm читает сессию и, если платёж авторизован, выполняет capture.
func (p *ProviderA) Confirm(ctx context.Context, sessionID string) (domain.PaymentResult, error) {
	var session providerASession
	_, err := doJSON(ctx, p.client, httpCall{
		method: http.MethodGet,
		url:    p.baseURL + "/v1/checkout/sessions/" + url.PathEscape(sessionID),
		auth:   p.authorize,
	}, &session)
	if err != nil {
		if isTransient(err) {
			return domain.PaymentResult{}, transientError("get session", err)
		}
		return domain.PaymentResult{}, fmt.Errorf("get session %s: %w", sessionID, err)
	}

	result := domain.PaymentResult{
		SessionID:      sessionID,
		ProviderStatus: session.Status + "/" + session.PaymentStatus,
	}

	switch {
	case session.Status == "expired" || session.PaymentStatus == "failed":
		result.Outcome = domain.PaymentOutcomeDeclined
		return result, nil
	case session.PaymentStatus == "paid":
		result.Outcome = domain.PaymentOutcomeSucceeded
		result.CaptureID = session.PaymentIntent
		return result, nil
	case session.PaymentStatus == "authorized" && session.PaymentIntent != "":
		return p.capture(ctx, session.PaymentIntent, result)
	default:
		result.Outcome = domain.PaymentOutcomePending
		return result, nil
	}
}

func (p *ProviderA) capture(ctx context.Context, paymentIntent string, result domain.PaymentResult) (domain.PaymentResult, error) {
	var out providerACapture
	_, err := doJSON(ctx, p.client, httpCall{
		method: http.MethodPost,
		url:    p.baseURL + "/v1/payment_intents/" + url.PathEscape(paymentIntent) + "/capture",
		header: http.Header{"Idempotency-Key": []string{"capture-" + result.SessionID}},
		auth:   p.authorize,
	}, &out)
	if err != nil {
		if isTransient(err) {
			return domain.PaymentResult{}, transientError("capture", err)
		}
		result.Outcome = domain.PaymentOutcomeDeclined
		result.ProviderStatus = "capture_rejected"
		return result, nil
	}

	result.ProviderStatus = out.Status
	switch out.Status {
	case "succeeded":
		result.Outcome = domain.PaymentOutcomeSucceeded
		result.CaptureID = out.LatestCharge
		if result.CaptureID == "" {
			result.CaptureID = out.ID
		}
	case "canceled", "requires_payment_method":
		result.Outcome = domain.PaymentOutcomeDeclined
	default:
		result.Outcome = domain.PaymentOutcomePending
	}
	return result, nil
}

type providerAEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
	} `json:"data"`
}

// ParseWebhook проверяет подпись `t=<unix>,v1=<hex>` и возвращает событие сессии.
func (p *ProviderA) ParseWebhook(req domain.WebhookRequest) (domain.WebhookEvent, error) {
	if err := verifyProviderASignature(p.webhookSecret, req.Header.Get(providerASignatureHeader), req.Body, p.now()); err != nil {
		return domain.WebhookEvent{}, err
	}

	var event providerAEvent
	if err := json.Unmarshal(req.Body, &event); err != nil {
		return domain.WebhookEvent{}, fmt.Errorf("%w: decode event: %v", domain.ErrWebhookIgnored, err)
	}
	if !strings.HasPrefix(event.Type, "checkout.session.") || event.Data.Object.ID == "" {
		return domain.WebhookEvent{}, fmt.Errorf("%w: %s", domain.ErrWebhookIgnored, event.Type)
	}

	return domain.WebhookEvent{
		Provider:  domain.ProviderA,
		EventID:   event.ID,
		EventType: event.Type,
		SessionID: event.Data.Object.ID,
	}, nil
}

func (p *ProviderA) authorize(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+p.apiKey)
}

func verifyProviderASignature(secret, header string, body []byte, now time.Time) error {
	if secret == "" {
		return fmt.Errorf("%w: webhook secret is not configured", domain.ErrWebhookSignature)
	}

	var (
		timestamp  string
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return fmt.Errorf("%w: malformed signature header", domain.ErrWebhookSignature)
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", domain.ErrWebhookSignature)
	}
	if age := now.Sub(time.Unix(unix, 0)); age > webhookTolerance || age < -webhookTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", domain.ErrWebhookSignature)
	}

	expected := signProviderA(secret, timestamp, body)
	for _, sig := range signatures {
		decoded, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return domain.ErrWebhookSignature
}

func signProviderA(secret, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

var _ domain.PaymentGateway = (*ProviderA)(nil)
