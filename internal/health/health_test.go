package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

func pass(context.Context) error { return nil }

func failWith(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func get(t *testing.T, m *Monitor, path string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	m.Mount(mux)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestMonitor_ReportHealthy(t *testing.T) {
	m := NewMonitor("1.4.0")
	m.Critical("redis", pass)
	m.Critical("postgres", pass)

	w := get(t, m, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var report Report
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	require.Equal(t, StatusHealthy, report.Status)
	require.Equal(t, "1.4.0", report.Version)
	require.Len(t, report.Checks, 2)
	require.Equal(t, "postgres", report.Checks[0].Name)
	require.Equal(t, "redis", report.Checks[1].Name)
}

func TestMonitor_CriticalFailureMakesUnready(t *testing.T) {
	m := NewMonitor("dev")
	m.Critical("postgres", failWith("connection refused"))

	w := get(t, m, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var report Report
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	require.Equal(t, StatusUnhealthy, report.Status)
	require.Equal(t, "connection refused", report.Checks[0].Error)

	require.Equal(t, http.StatusServiceUnavailable, get(t, m, "/readyz").Code)
}

func TestMonitor_OptionalFailureDegrades(t *testing.T) {
	m := NewMonitor("dev")
	m.Critical("postgres", pass)
	m.Optional("kafka", failWith("no brokers"))

	report := m.Report(context.Background())
	require.Equal(t, StatusDegraded, report.Status)
	require.Equal(t, StatusDegraded, report.Checks[0].Status)
	require.True(t, m.Ready(context.Background()))
	require.Equal(t, http.StatusOK, get(t, m, "/healthz").Code)
}

func TestMonitor_ProbeTimeout(t *testing.T) {
	m := NewMonitor("dev")
	m.Register(Probe{Name: "slow", Timeout: 10 * time.Millisecond, Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	report := m.Report(context.Background())
	require.Equal(t, StatusUnhealthy, report.Status)
	require.Contains(t, report.Checks[0].Error, "deadline exceeded")
}

func TestMonitor_RegisterReplacesByName(t *testing.T) {
	m := NewMonitor("dev")
	m.Critical("redis", failWith("down"))
	m.Critical("redis", pass)

	report := m.Report(context.Background())
	require.Len(t, report.Checks, 1)
	require.Equal(t, StatusHealthy, report.Status)
}

func TestMonitor_Drain(t *testing.T) {
	m := NewMonitor("dev")
	require.Equal(t, http.StatusOK, get(t, m, "/readyz").Code)

	m.Drain()
	require.True(t, m.Draining())
	require.False(t, m.Ready(context.Background()))

	w := get(t, m, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, w.Body.String(), "not ready")
	require.True(t, m.Report(context.Background()).Draining)
}

func TestMonitor_LivenessIgnoresProbes(t *testing.T) {
	m := NewMonitor("dev")
	m.Critical("postgres", failWith("down"))
	m.Drain()

	w := get(t, m, "/livez")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", w.Body.String())
}

func TestMonitor_Uptime(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	current := start
	m := NewMonitor("dev")
	m.now = func() time.Time { return current }
	m.started = start

	current = start.Add(90 * time.Second)
	report := m.Report(context.Background())
	require.EqualValues(t, 90, report.UptimeSeconds)
	require.True(t, report.CheckedAt.Equal(current))
}

func TestOutboxBacklog(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	statsOf := func(s domain.OutboxStats, err error) OutboxStatsFunc {
		return func(context.Context) (domain.OutboxStats, error) { return s, err }
	}
	ctx := context.Background()

	require.NoError(t, OutboxBacklog(statsOf(domain.OutboxStats{}, nil), time.Minute, clock)(ctx))
	require.NoError(t, OutboxBacklog(statsOf(domain.OutboxStats{
		Pending:         3,
		OldestPendingAt: now.Add(-30 * time.Second),
	}, nil), time.Minute, clock)(ctx))

	err := OutboxBacklog(statsOf(domain.OutboxStats{
		Pending:         1,
		OldestPendingAt: now.Add(-5 * time.Minute),
	}, nil), time.Minute, clock)(ctx)
	require.ErrorContains(t, err, "5m0s old")

	// Без лимита возраст не проверяется.
	require.NoError(t, OutboxBacklog(statsOf(domain.OutboxStats{
		Pending:         1,
		OldestPendingAt: now.Add(-time.Hour),
	}, nil), 0, clock)(ctx))

	err = OutboxBacklog(statsOf(domain.OutboxStats{Dead: 2}, nil), time.Minute, clock)(ctx)
	require.ErrorContains(t, err, "2 outbox messages are dead")

	err = OutboxBacklog(statsOf(domain.OutboxStats{}, errors.New("db gone")), time.Minute, clock)(ctx)
	require.ErrorContains(t, err, "db gone")
}

func TestOutboxBacklog_AsOptionalProbe(t *testing.T) {
	m := NewMonitor("dev")
	m.Optional("outbox", OutboxBacklog(func(context.Context) (domain.OutboxStats, error) {
		return domain.OutboxStats{Dead: 1}, nil
	}, time.Minute, nil))

	require.Equal(t, StatusDegraded, m.Report(context.Background()).Status)
	require.True(t, m.Ready(context.Background()))
}
