// Package health собирает состояние зависимостей сервиса для liveness и readiness проб.
//
// Пробы бывают двух уровней. Падение Critical пробы снимает сервис с балансировки,
// падение Optional только понижает общий статус до degraded.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Level определяет, как ошибка пробы влияет на готовность.
type Level int

const (
	Critical Level = iota
	Optional
)

// DefaultTimeout применяется к пробам без собственного таймаута.
const DefaultTimeout = 2 * time.Second

// CheckFunc возвращает nil, если зависимость в порядке.
type CheckFunc func(ctx context.Context) error

// Probe — именованная проверка одной зависимости.
type Probe struct {
	Name    string
	Level   Level
	Timeout time.Duration
	Check   CheckFunc
}

// Result — исход одной пробы.
type Result struct {
	Name      string `json:"name"`
	Status    Status `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Report — ответ /healthz.
type Report struct {
	Status        Status    `json:"status"`
	Version       string    `json:"version,omitempty"`
	CheckedAt     time.Time `json:"checked_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Draining      bool      `json:"draining,omitempty"`
	Checks        []Result  `json:"checks,omitempty"`
}

// Monitor хранит пробы и отвечает на health-запросы.
type Monitor struct {
	mu       sync.RWMutex
	probes   map[string]Probe
	version  string
	started  time.Time
	draining atomic.Bool
	now      func() time.Time
}

func NewMonitor(version string) *Monitor {
	m := &Monitor{probes: make(map[string]Probe), version: version, now: time.Now}
	m.started = m.now()
	return m
}

// Register добавляет пробу; проба с тем же именем заменяется.
func (m *Monitor) Register(p Probe) {
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	m.mu.Lock()
	m.probes[p.Name] = p
	m.mu.Unlock()
}

func (m *Monitor) Critical(name string, check CheckFunc) {
	m.Register(Probe{Name: name, Level: Critical, Check: check})
}

func (m *Monitor) Optional(name string, check CheckFunc) {
	m.Register(Probe{Name: name, Level: Optional, Check: check})
}

// Drain помечает сервис как останавливающийся; readiness после этого всегда ложна.
func (m *Monitor) Drain() { m.draining.Store(true) }

func (m *Monitor) Draining() bool { return m.draining.Load() }

func (m *Monitor) snapshot() []Probe {
	m.mu.RLock()
	defer m.mu.RUnlock()
	probes := make([]Probe, 0, len(m.probes))
	for _, p := range m.probes {
		probes = append(probes, p)
	}
	slices.SortFunc(probes, func(a, b Probe) int { return strings.Compare(a.Name, b.Name) })
	return probes
}

// Report запускает все пробы параллельно.
func (m *Monitor) Report(ctx context.Context) Report {
	probes := m.snapshot()
	results := make([]Result, len(probes))

	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = run(ctx, p)
		}()
	}
	wg.Wait()

	report := Report{
		Status:        StatusHealthy,
		Version:       m.version,
		CheckedAt:     m.now().UTC(),
		UptimeSeconds: int64(m.now().Sub(m.started).Seconds()),
		Draining:      m.Draining(),
		Checks:        results,
	}
	for _, r := range results {
		report.Status = worse(report.Status, r.Status)
	}
	if report.Draining {
		report.Status = StatusUnhealthy
	}
	return report
}

// Ready истинно, пока нет draining и все Critical пробы проходят.
func (m *Monitor) Ready(ctx context.Context) bool {
	return m.Report(ctx).Status != StatusUnhealthy
}

func run(ctx context.Context, p Probe) Result {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := time.Now()
	err := p.Check(ctx)
	res := Result{Name: p.Name, Status: StatusHealthy, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Error = err.Error()
		res.Status = StatusUnhealthy
		if p.Level == Optional {
			res.Status = StatusDegraded
		}
	}
	return res
}

var severity = map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}

func worse(a, b Status) Status {
	if severity[b] > severity[a] {
		return b
	}
	return a
}

// Mount вешает /healthz, /livez и /readyz на mux.
func (m *Monitor) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", m.serveReport)
	mux.HandleFunc("/livez", serveLive)
	mux.HandleFunc("/readyz", m.serveReady)
}

func (m *Monitor) serveReport(w http.ResponseWriter, r *http.Request) {
	report := m.Report(r.Context())
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(report)
}

func (m *Monitor) serveReady(w http.ResponseWriter, r *http.Request) {
	if m.Ready(r.Context()) {
		_, _ = w.Write([]byte("ready"))
		return
	}
	http.Error(w, "not ready", http.StatusServiceUnavailable)
}

func serveLive(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}
