package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const (
	providerBRequestIDHeader        = "Provider-B-Request-Id"
	providerBTransmissionIDHeader   = "Provider-B-Transmission-Id"
	providerBTransmissionTimeHeader = "Provider-B-Transmission-Time"
	providerBTransmissionSigHeader  = "Provider-B-Transmission-Sig"

	// tokenRefreshMargin — токен обновляется заранее, чтобы не истечь посреди запроса.
	tokenRefreshMargin = 60 * time.Second
)

// ProviderBConfig — учётные данные OAuth и вебхуков провайдера B.
type ProviderBConfig struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	WebhookID     string
	WebhookSecret string
	HTTPClient    *http.Client
}

// ProviderB — провайдер «создать, затем capture»: заказ у провайдера создаётся заранее,
// отдельный вызов capture по его ID завершает списание.
type ProviderB struct {
	baseURL       string
	clientID      string
	clientSecret  string
	webhookID     string
	webhookSecret string
	client        *http.Client
	now           func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewProviderB создаёт клиент провайдера B.
func NewProviderB(cfg ProviderBConfig) *ProviderB {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &ProviderB{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		clientID:      cfg.ClientID,
		clientSecret:  cfg.ClientSecret,
		webhookID:     cfg.WebhookID,
		webhookSecret: cfg.WebhookSecret,
		client:        client,
		now:           time.Now,
	}
}

func (p *ProviderB) Provider() domain.PaymentProvider { return domain.ProviderB }

type providerBMoney struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type providerBItem struct {
	Name       string         `json:"name"`
	Quantity   string         `json:"quantity"`
	UnitAmount providerBMoney `json:"unit_amount"`
}

type providerBAmount struct {
	providerBMoney
	Breakdown struct {
		ItemTotal providerBMoney `json:"item_total"`
		Shipping  providerBMoney `json:"shipping"`
	} `json:"breakdown"`
}

type providerBPurchaseUnit struct {
	ReferenceID string          `json:"reference_id"`
	Amount      providerBAmount `json:"amount"`
	Items       []providerBItem `json:"items"`
}

type providerBOrderRequest struct {
	Intent             string                  `json:"intent"`
	PurchaseUnits      []providerBPurchaseUnit `json:"purchase_units"`
	ApplicationContext struct {
		ReturnURL string `json:"return_url"`
		CancelURL string `json:"cancel_url"`
	} `json:"application_context"`
}

type providerBLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

type providerBCapture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type providerBOrder struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	Links         []providerBLink `json:"links"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []providerBCapture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (o providerBOrder) firstCapture() (providerBCapture, bool) {
	for _, unit := range o.PurchaseUnits {
		if len(unit.Payments.Captures) > 0 {
			return unit.Payments.Captures[0], true
		}
	}
	return providerBCapture{}, false
}

type providerBErrorBody struct {
	Name    string `json:"name"`
	Details []struct {
		Issue string `json:"issue"`
	} `json:"details"`
}

func (b providerBErrorBody) hasIssue(issue string) bool {
	for _, d := range b.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

// CreateSession создаёт заказ у провайдера. Provider-B-Request-Id равен ID нашего заказа,
// поэтому повтор возвращает уже созданный объект.
func (p *ProviderB) CreateSession(ctx context.Context, req domain.SessionRequest) (domain.PaymentSession, error) {
	currency := strings.ToUpper(req.Currency)
	var itemTotal int64
	unit := providerBPurchaseUnit{ReferenceID: req.OrderID, Items: make([]providerBItem, 0, len(req.Items))}
	for _, item := range req.Items {
		itemTotal += item.SubtotalMinor()
		unit.Items = append(unit.Items, providerBItem{
			Name:       item.Name,
			Quantity:   strconv.FormatInt(item.Qty, 10),
			UnitAmount: providerBMoney{CurrencyCode: currency, Value: domain.FormatMinor(item.UnitPriceMinor)},
		})
	}
	unit.Amount.providerBMoney = providerBMoney{CurrencyCode: currency, Value: domain.FormatMinor(req.TotalMinor)}
	unit.Amount.Breakdown.ItemTotal = providerBMoney{CurrencyCode: currency, Value: domain.FormatMinor(itemTotal)}
	unit.Amount.Breakdown.Shipping = providerBMoney{CurrencyCode: currency, Value: domain.FormatMinor(req.ShippingFeeMinor)}

	body := providerBOrderRequest{Intent: "CAPTURE", PurchaseUnits: []providerBPurchaseUnit{unit}}
	body.ApplicationContext.ReturnURL = req.SuccessURL
	body.ApplicationContext.CancelURL = req.CancelURL

	var out providerBOrder
	err := p.call(ctx, httpCall{
		method: http.MethodPost,
		url:    p.baseURL + "/v2/checkout/orders",
		body:   body,
		header: http.Header{providerBRequestIDHeader: []string{req.OrderID}},
	}, &out)
	if err != nil {
		return domain.PaymentSession{}, classify("create order", err, domain.ErrProviderSessionCreationFailed)
	}

	redirect := ""
	for _, link := range out.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			redirect = link.Href
			break
		}
	}
	if out.ID == "" || redirect == "" {
		return domain.PaymentSession{}, fmt.Errorf("%w: order id or approve link missing", domain.ErrProviderSessionCreationFailed)
	}

	return domain.PaymentSession{
		Provider:    domain.ProviderB,
		SessionID:   out.ID,
		RedirectURL: redirect,
		Status:      out.Status,
	}, nil
}

// Confirm выполняет capture заказа у провайдера. Повторный capture безопасен:
// провайдер отвечает ORDER_ALREADY_CAPTURED, и capture ID читается из заказа.
func (p *ProviderB) Confirm(ctx context.Context, sessionID string) (domain.PaymentResult, error) {
	result := domain.PaymentResult{SessionID: sessionID}

	var out providerBOrder
	err := p.call(ctx, httpCall{
		method: http.MethodPost,
		url:    p.baseURL + "/v2/checkout/orders/" + url.PathEscape(sessionID) + "/capture",
		body:   struct{}{},
		header: http.Header{providerBRequestIDHeader: []string{"capture-" + sessionID}},
	}, &out)
	if err != nil {
		if isTransient(err) {
			return domain.PaymentResult{}, transientError("capture", err)
		}
		var apiErr *apiError
		if !errors.As(err, &apiErr) {
			return domain.PaymentResult{}, fmt.Errorf("capture %s: %w", sessionID, err)
		}

		var body providerBErrorBody
		_ = json.Unmarshal(apiErr.Body, &body)
		switch {
		case body.hasIssue("ORDER_NOT_APPROVED"):
			result.Outcome = domain.PaymentOutcomePending
			result.ProviderStatus = "ORDER_NOT_APPROVED"
			return result, nil
		case body.hasIssue("ORDER_ALREADY_CAPTURED"):
			return p.lookup(ctx, sessionID)
		default:
			result.Outcome = domain.PaymentOutcomeDeclined
			result.ProviderStatus = body.Name
			if len(body.Details) > 0 {
				result.ProviderStatus = body.Details[0].Issue
			}
			return result, nil
		}
	}

	return orderResult(sessionID, out), nil
}

func (p *ProviderB) lookup(ctx context.Context, sessionID string) (domain.PaymentResult, error) {
	var out providerBOrder
	err := p.call(ctx, httpCall{
		method: http.MethodGet,
		url:    p.baseURL + "/v2/checkout/orders/" + url.PathEscape(sessionID),
	}, &out)
	if err != nil {
		if isTransient(err) {
			return domain.PaymentResult{}, transientError("get order", err)
		}
		return domain.PaymentResult{}, fmt.Errorf("get order %s: %w", sessionID, err)
	}
	return orderResult(sessionID, out), nil
}

func orderResult(sessionID string, out providerBOrder) domain.PaymentResult {
	result := domain.PaymentResult{SessionID: sessionID, ProviderStatus: out.Status}
	if out.Status != "COMPLETED" {
		result.Outcome = domain.PaymentOutcomePending
		return result
	}

	capture, ok := out.firstCapture()
	if !ok {
		result.Outcome = domain.PaymentOutcomePending
		return result
	}
	switch capture.Status {
	case "DECLINED", "FAILED":
		result.Outcome = domain.PaymentOutcomeDeclined
		result.ProviderStatus = capture.Status
	default:
		result.Outcome = domain.PaymentOutcomeSucceeded
		result.CaptureID = capture.ID
	}
	return result
}

type providerBEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID                string `json:"id"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
	} `json:"resource"`
}

var providerBRelevantEvents = map[string]struct{}{
	"CHECKOUT.ORDER.APPROVED":   {},
	"CHECKOUT.ORDER.COMPLETED":  {},
	"PAYMENT.CAPTURE.COMPLETED": {},
	"PAYMENT.CAPTURE.DENIED":    {},
	"PAYMENT.CAPTURE.DECLINED":  {},
}

// ParseWebhook проверяет подпись передачи и возвращает событие по заказу провайдера.
func (p *ProviderB) ParseWebhook(req domain.WebhookRequest) (domain.WebhookEvent, error) {
	if err := p.verifySignature(req); err != nil {
		return domain.WebhookEvent{}, err
	}

	var event providerBEvent
	if err := json.Unmarshal(req.Body, &event); err != nil {
		return domain.WebhookEvent{}, fmt.Errorf("%w: decode event: %v", domain.ErrWebhookIgnored, err)
	}
	if _, ok := providerBRelevantEvents[event.EventType]; !ok {
		return domain.WebhookEvent{}, fmt.Errorf("%w: %s", domain.ErrWebhookIgnored, event.EventType)
	}

	sessionID := event.Resource.SupplementaryData.RelatedIDs.OrderID
	if sessionID == "" {
		sessionID = event.Resource.ID
	}
	if sessionID == "" {
		return domain.WebhookEvent{}, fmt.Errorf("%w: resource id missing", domain.ErrWebhookIgnored)
	}

	return domain.WebhookEvent{
		Provider:  domain.ProviderB,
		EventID:   event.ID,
		EventType: event.EventType,
		SessionID: sessionID,
	}, nil
}

func (p *ProviderB) verifySignature(req domain.WebhookRequest) error {
	if p.webhookSecret == "" {
		return fmt.Errorf("%w: webhook secret is not configured", domain.ErrWebhookSignature)
	}
	transmissionID := req.Header.Get(providerBTransmissionIDHeader)
	transmissionTime := req.Header.Get(providerBTransmissionTimeHeader)
	signature := req.Header.Get(providerBTransmissionSigHeader)
	if transmissionID == "" || transmissionTime == "" || signature == "" {
		return fmt.Errorf("%w: transmission headers missing", domain.ErrWebhookSignature)
	}

	sentAt, err := time.Parse(time.RFC3339, transmissionTime)
	if err != nil {
		return fmt.Errorf("%w: bad transmission time", domain.ErrWebhookSignature)
	}
	if age := p.now().Sub(sentAt); age > webhookTolerance || age < -webhookTolerance {
		return fmt.Errorf("%w: transmission time outside tolerance", domain.ErrWebhookSignature)
	}

	decoded, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(decoded, signProviderB(p.webhookSecret, transmissionID, transmissionTime, p.webhookID, req.Body)) {
		return domain.ErrWebhookSignature
	}
	return nil
}

func signProviderB(secret, transmissionID, transmissionTime, webhookID string, body []byte) []byte {
	message := strings.Join([]string{
		transmissionID,
		transmissionTime,
		webhookID,
		strconv.FormatUint(uint64(crc32.ChecksumIEEE(body)), 10),
	}, "|")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return mac.Sum(nil)
}

// call выполняет запрос с OAuth-токеном. На 401 токен сбрасывается, и ответ считается временной ошибкой.
func (p *ProviderB) call(ctx context.Context, c httpCall, out any) error {
	token, err := p.accessToken(ctx)
	if err != nil {
		return err
	}
	c.auth = func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }

	_, err = doJSON(ctx, p.client, c, out)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
		p.invalidateToken()
		return fmt.Errorf("%w: access token rejected", errTokenUnavailable)
	}
	return err
}

type providerBToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (p *ProviderB) accessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.now().Before(p.tokenExpiry) {
		return p.token, nil
	}

	var out providerBToken
	_, err := doJSON(ctx, p.client, httpCall{
		method: http.MethodPost,
		url:    p.baseURL + "/v1/oauth2/token",
		form:   url.Values{"grant_type": []string{"client_credentials"}},
		auth:   func(r *http.Request) { r.SetBasicAuth(p.clientID, p.clientSecret) },
	}, &out)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errTokenUnavailable, err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", errTokenUnavailable)
	}

	p.token = out.AccessToken
	p.tokenExpiry = p.now().Add(time.Duration(out.ExpiresIn)*time.Second - tokenRefreshMargin)
	return p.token, nil
}

func (p *ProviderB) invalidateToken() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
}

var _ domain.PaymentGateway = (*ProviderB)(nil)
