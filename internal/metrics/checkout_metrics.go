package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CheckoutMetrics содержит метрики оформления, подтверждения оплаты и переходов статусов.
// Методы безопасны для nil-получателя: компоненты без метрик просто не пишут их.
type CheckoutMetrics struct {
	checkouts        *prometheus.CounterVec
	reservations     *prometheus.CounterVec
	stockReleases    *prometheus.CounterVec
	reconcile        *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	circuitState     *prometheus.GaugeVec
	transitions      *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	pendingSwept     prometheus.Counter
	idempotency      *prometheus.CounterVec
	cleanupRuns      *prometheus.CounterVec
	purgedKeys       prometheus.Counter
	outboxPublished  *prometheus.CounterVec
	outboxBacklog    *prometheus.GaugeVec
	outboxOldestAge  prometheus.Gauge
}

// NewCheckoutMetrics создаёт метрики в глобальном реестре.
func NewCheckoutMetrics() *CheckoutMetrics {
	return NewCheckoutMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCheckoutMetricsWithRegisterer создаёт метрики в переданном реестре (для тестов — изолированном).
func NewCheckoutMetricsWithRegisterer(registerer prometheus.Registerer) *CheckoutMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CheckoutMetrics{
		checkouts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "checkout_orders_total",
			Help: "Checkout attempts grouped by result.",
		}, []string{"result"}),
		reservations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "checkout_reservations_total",
			Help: "Inventory reservation attempts grouped by result.",
		}, []string{"result"}),
		stockReleases: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "checkout_stock_releases_total",
			Help: "Stock release attempts grouped by result.",
		}, []string{"result"}),
		reconcile: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "checkout_reconcile_total",
			Help: "Payment confirmation reconciliations grouped by source and outcome.",
		}, []string{"source", "outcome"}),
		providerDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "checkout_provider_call_duration_seconds",
			Help:    "Latency of payment provider calls.",
			Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"provider", "operation", "result"}),
		circuitState: registerGaugeVec(registerer, prometheus.GaugeOpts{
			Name: "checkout_provider_circuit_state",
			Help: "Payment provider circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"provider"}),
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "checkout_status_transitions_total",
			Help: "Order status transitions grouped by target status.",
		}, []string{"status"}),
		notifications: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "checkout_notifications_total",
			Help: "Fire-and-forget notifications grouped by result.",
		}, []string{"result"}),
		httpDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "checkout_http_request_duration_seconds",
			Help:    "HTTP API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
		pendingSwept: registerCounter(registerer, prometheus.CounterOpts{
			Name: "checkout_pending_swept_total",
			Help: "Stale pending orders expired by the sweeper.",
		}),
		idempotency: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "checkout_idempotency_total",
			Help: "Idempotency key outcomes grouped by kind (checkout, webhook) and result.",
		}, []string{"kind", "result"}),
		cleanupRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "checkout_idempotency_cleanup_runs_total",
			Help: "Idempotency cleanup runs grouped by result.",
		}, []string{"result"}),
		purgedKeys: registerCounter(registerer, prometheus.CounterOpts{
			Name: "checkout_idempotency_purged_total",
			Help: "Expired idempotency keys and webhook marks removed by cleanup.",
		}),
		outboxPublished: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "checkout_outbox_publish_total",
			Help: "Outbox delivery attempts grouped by event type and result (sent, retry, dead, dlq_failed).",
		}, []string{"event_type", "result"}),
		outboxBacklog: registerGaugeVec(registerer, prometheus.GaugeOpts{
			Name: "checkout_outbox_records",
			Help: "Outbox records waiting for delivery (pending) or given up on (dead).",
		}, []string{"state"}),
		outboxOldestAge: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "checkout_outbox_oldest_pending_age_seconds",
			Help: "Age of the oldest undelivered outbox record.",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerGaugeVec(registerer prometheus.Registerer, opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	collector := prometheus.NewGaugeVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.GaugeVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordCheckout фиксирует результат оформления: created, session_failed, empty_cart, ...
func (m *CheckoutMetrics) RecordCheckout(result string) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(result).Inc()
}

// RecordReservation фиксирует результат резервирования остатков.
func (m *CheckoutMetrics) RecordReservation(result string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(result).Inc()
}

// RecordStockRelease фиксирует возврат остатков: released, already_released, failed.
func (m *CheckoutMetrics) RecordStockRelease(result string) {
	if m == nil {
		return
	}
	m.stockReleases.WithLabelValues(result).Inc()
}

// RecordReconcile фиксирует итог подтверждения оплаты по источнику сигнала.
func (m *CheckoutMetrics) RecordReconcile(source, outcome string) {
	if m == nil {
		return
	}
	m.reconcile.WithLabelValues(source, outcome).Inc()
}

// ObserveProviderCall записывает длительность вызова провайдера.
func (m *CheckoutMetrics) ObserveProviderCall(provider, operation, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.providerDuration.WithLabelValues(provider, operation, result).Observe(d.Seconds())
}

// SetCircuitState публикует состояние предохранителя провайдера.
func (m *CheckoutMetrics) SetCircuitState(provider string, state int) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(provider).Set(float64(state))
}

// RecordTransition фиксирует переход заказа в статус.
func (m *CheckoutMetrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

// RecordNotification фиксирует результат отправки уведомления.
func (m *CheckoutMetrics) RecordNotification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}

// ObserveHTTP записывает длительность HTTP-запроса.
func (m *CheckoutMetrics) ObserveHTTP(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(code)).Observe(d.Seconds())
}

// RecordPendingSwept увеличивает счётчик просроченных pending-заказов.
func (m *CheckoutMetrics) RecordPendingSwept() {
	if m == nil {
		return
	}
	m.pendingSwept.Inc()
}

// RecordIdempotency фиксирует исход ключа: claimed, replayed, in_progress, mismatch, released, duplicate.
func (m *CheckoutMetrics) RecordIdempotency(kind, result string) {
	if m == nil {
		return
	}
	m.idempotency.WithLabelValues(kind, result).Inc()
}

// RecordIdempotencyCleanup фиксирует проход очистки и число удалённых записей.
func (m *CheckoutMetrics) RecordIdempotencyCleanup(result string, purged int) {
	if m == nil {
		return
	}
	m.cleanupRuns.WithLabelValues(result).Inc()
	if purged > 0 {
		m.purgedKeys.Add(float64(purged))
	}
}

// RecordOutboxDelivery фиксирует исход доставки outbox-сообщения.
func (m *CheckoutMetrics) RecordOutboxDelivery(eventType, result string) {
	if m == nil {
		return
	}
	m.outboxPublished.WithLabelValues(eventType, result).Inc()
}

// SetOutboxBacklog обновляет размер backlog и возраст самого старого недоставленного сообщения.
func (m *CheckoutMetrics) SetOutboxBacklog(pending, dead int, oldestAge time.Duration) {
	if m == nil {
		return
	}
	m.outboxBacklog.WithLabelValues("pending").Set(float64(pending))
	m.outboxBacklog.WithLabelValues("dead").Set(float64(dead))
	m.outboxOldestAge.Set(max(oldestAge.Seconds(), 0))
}
