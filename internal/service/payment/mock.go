package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// MockGateway — конфигурируемый шлюз для тестов и локальной песочницы без учётных данных.
// По умолчанию открывает сессию и подтверждает оплату.
type MockGateway struct {
	provider domain.PaymentProvider
	baseURL  string

	mu             sync.Mutex
	SessionErr     error
	ConfirmOutcome domain.PaymentOutcome
	ConfirmErr     error

	SessionCalls int
	ConfirmCalls int
	sessions     map[string]string
}

// NewMockGateway возвращает mock с успешным сценарием по умолчанию.
func NewMockGateway(provider domain.PaymentProvider, baseURL string) *MockGateway {
	return &MockGateway{
		provider:       provider,
		baseURL:        strings.TrimRight(baseURL, "/"),
		ConfirmOutcome: domain.PaymentOutcomeSucceeded,
		sessions:       make(map[string]string),
	}
}

func (m *MockGateway) Provider() domain.PaymentProvider { return m.provider }

// SetSessionErr задаёт ошибку создания сессии.
func (m *MockGateway) SetSessionErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SessionErr = err
}

// SetConfirm задаёт результат подтверждения.
func (m *MockGateway) SetConfirm(outcome domain.PaymentOutcome, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConfirmOutcome = outcome
	m.ConfirmErr = err
}

// Calls возвращает число вызовов CreateSession и Confirm.
func (m *MockGateway) Calls() (sessions, confirms int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SessionCalls, m.ConfirmCalls
}

// CreateSession выдаёт детерминированный ID сессии по ID заказа.
func (m *MockGateway) CreateSession(_ context.Context, req domain.SessionRequest) (domain.PaymentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SessionCalls++
	if m.SessionErr != nil {
		return domain.PaymentSession{}, m.SessionErr
	}
	sessionID := fmt.Sprintf("%s_sess_%s", m.provider, req.OrderID)
	m.sessions[sessionID] = req.OrderID
	return domain.PaymentSession{
		Provider:    m.provider,
		SessionID:   sessionID,
		RedirectURL: m.baseURL + "/sandbox/pay/" + sessionID,
		Status:      "open",
	}, nil
}

// Confirm возвращает настроенный результат и считает вызовы.
func (m *MockGateway) Confirm(_ context.Context, sessionID string) (domain.PaymentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ConfirmCalls++
	if m.ConfirmErr != nil {
		return domain.PaymentResult{}, m.ConfirmErr
	}
	result := domain.PaymentResult{
		Outcome:        m.ConfirmOutcome,
		SessionID:      sessionID,
		ProviderStatus: string(m.ConfirmOutcome),
	}
	if m.ConfirmOutcome == domain.PaymentOutcomeSucceeded {
		result.CaptureID = "cap_" + sessionID
	}
	return result, nil
}

type mockEvent struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ParseWebhook принимает `{"id","type","session_id"}` без подписи.
func (m *MockGateway) ParseWebhook(req domain.WebhookRequest) (domain.WebhookEvent, error) {
	var event mockEvent
	if err := json.Unmarshal(req.Body, &event); err != nil || event.SessionID == "" {
		return domain.WebhookEvent{}, domain.ErrWebhookSignature
	}
	return domain.WebhookEvent{
		Provider:  m.provider,
		EventID:   event.ID,
		EventType: event.Type,
		SessionID: event.SessionID,
	}, nil
}

var _ domain.PaymentGateway = (*MockGateway)(nil)
