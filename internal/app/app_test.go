package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/checkout/internal/health"
	"github.com/vladislavdragonenkov/checkout/internal/version"
)

func testAddress() domain.ShippingAddress {
	return domain.ShippingAddress{
		FullName:   "Ada Lovelace",
		Line1:      "1 Main St",
		City:       "London",
		PostalCode: "N1 9GU",
		Country:    "GB",
	}
}

func findFreePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port
}

func waitForStatus(t *testing.T, url string, want int) *http.Response {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil && resp.StatusCode == want {
			return resp
		}
		if resp != nil {
			resp.Body.Close()
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s did not return %d in time (last err: %v)", url, want, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRun_MemoryGracefulShutdown(t *testing.T) {
	cfg := validConfig()
	httpPort := findFreePort(t)
	metricsPort := findFreePort(t)
	cfg.HTTPAddr = fmt.Sprintf("127.0.0.1:%d", httpPort)
	cfg.MetricsAddr = fmt.Sprintf("127.0.0.1:%d", metricsPort)
	cfg.GRPCHealthAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg) }()

	resp := waitForStatus(t, fmt.Sprintf("http://127.0.0.1:%d/readyz", metricsPort), http.StatusOK)
	resp.Body.Close()

	// API требует токен.
	resp = waitForStatus(t, fmt.Sprintf("http://127.0.0.1:%d/orders", httpPort), http.StatusUnauthorized)
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	cfg := validConfig()
	cfg.StorageDriver = "sqlite"

	err := Run(context.Background(), cfg)
	require.ErrorContains(t, err, `unsupported storage driver "sqlite"`)
}

func TestRun_HTTPAddrInUse(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	cfg := validConfig()
	cfg.HTTPAddr = lis.Addr().String()
	cfg.MetricsAddr = fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	cfg.GRPCHealthAddr = ""

	err = Run(context.Background(), cfg)
	require.ErrorContains(t, err, "listen http")
}

func TestStartMetricsServer_Endpoints(t *testing.T) {
	port := findFreePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := healthcheck.NewMonitor(version.GetVersion())
	srv := startMetricsServer(ctx, addr, testLogger(), monitor)
	defer shutdownHTTP(srv, testLogger())

	resp := waitForStatus(t, fmt.Sprintf("http://%s/livez", addr), http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, "ok", string(body))

	for _, path := range []string{"/metrics", "/healthz", "/readyz"} {
		resp, err := http.Get(fmt.Sprintf("http://%s%s", addr, path))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equalf(t, http.StatusOK, resp.StatusCode, "path %s", path)
	}

	monitor.Drain()
	resp, err := http.Get(fmt.Sprintf("http://%s/readyz", addr))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStartMetricsServer_ShutdownOnCancel(t *testing.T) {
	port := findFreePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	ctx, cancel := context.WithCancel(context.Background())
	startMetricsServer(ctx, addr, testLogger(), healthcheck.NewMonitor("test"))
	resp := waitForStatus(t, fmt.Sprintf("http://%s/livez", addr), http.StatusOK)
	resp.Body.Close()

	cancel()
	require.Eventually(t, func() bool {
		_, err := http.Get(fmt.Sprintf("http://%s/livez", addr))
		return err != nil
	}, 3*time.Second, 20*time.Millisecond)
}

func TestShutdownHTTP_NilServer(_ *testing.T) {
	shutdownHTTP(nil, testLogger())
}

func TestGRPCHealthServer_StopNil(_ *testing.T) {
	var s *grpcHealthServer
	s.stop()
}
