package payment

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

// ErrCircuitOpen оборачивает domain.ErrProviderTransient: для вызывающего это временный сбой.
var ErrCircuitOpen = fmt.Errorf("%w: circuit breaker is open", domain.ErrProviderTransient)

// CircuitState — состояние предохранителя; значение публикуется как gauge.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	return [...]string{"closed", "open", "half_open"}[s]
}

// CircuitBreaker перестаёт звать провайдера после threshold временных ошибок подряд
// и через cooldown пропускает одну пробную операцию. Отказы и 4xx провайдера
// исправностью канала не считаются и счётчик сбрасывают.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	logger    *log.Entry

	mu       sync.Mutex
	state    CircuitState
	streak   int
	openedAt time.Time
	onChange func(from, to CircuitState)
}

// NewCircuitBreaker: threshold <= 0 выключает предохранитель.
func NewCircuitBreaker(threshold int, cooldown time.Duration, logger *log.Entry) *CircuitBreaker {
	if logger == nil {
		logger = log.WithField("component", "circuit-breaker")
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		logger:    logger,
	}
}

// OnStateChange подписывает fn на смену состояния; fn вызывается под блокировкой.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute зовёт fn, если предохранитель пропускает вызов, и учитывает результат.
func (cb *CircuitBreaker) Execute(operation string, fn func() error) error {
	if cb == nil || cb.threshold <= 0 {
		return fn()
	}
	if !cb.admit(operation) {
		return ErrCircuitOpen
	}
	err := fn()
	cb.settle(operation, errors.Is(err, domain.ErrProviderTransient))
	return err
}

func (cb *CircuitBreaker) admit(operation string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) <= cb.cooldown {
			return false
		}
		cb.move(CircuitHalfOpen, operation)
		return true
	default:
		// пробный вызов уже идёт
		return false
	}
}

func (cb *CircuitBreaker) settle(operation string, failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !failed {
		cb.streak = 0
		cb.move(CircuitClosed, operation)
		return
	}
	cb.streak++
	if cb.state == CircuitHalfOpen || cb.streak >= cb.threshold {
		cb.openedAt = cb.now()
		cb.move(CircuitOpen, operation)
	}
}

func (cb *CircuitBreaker) move(to CircuitState, operation string) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to

	entry := cb.logger.WithFields(log.Fields{"operation": operation, "from": from.String(), "to": to.String()})
	if to == CircuitOpen {
		entry.WithField("failures", cb.streak).Warn("circuit breaker opened")
	} else {
		entry.Info("circuit breaker state changed")
	}
	if cb.onChange != nil {
		cb.onChange(from, to)
	}
}
