package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/checkout/internal/health"
	"github.com/vladislavdragonenkov/checkout/internal/metrics"
	"github.com/vladislavdragonenkov/checkout/internal/service/httpapi"
	"github.com/vladislavdragonenkov/checkout/internal/tracing"
	"github.com/vladislavdragonenkov/checkout/internal/version"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
	kafkaDialTimeout  = 2 * time.Second
)

// Run собирает сервис по конфигурации и блокируется до отмены ctx или падения сервера.
// Порядок остановки: readiness в draining, HTTP API, фоновые воркеры, уведомления, хранилища.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := log.WithField("component", "app")

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version.GetVersion(),
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.WithError(err).Warn("tracing shutdown with error")
		}
	}()

	checkoutMetrics := metrics.NewCheckoutMetrics()

	rt, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.closeFn(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	transport := newOutboxTransport(cfg, logger)
	defer transport.Close()

	deps, err := NewDependencies(cfg, rt, transport.publisher, transport.dlq, checkoutMetrics, logger)
	if err != nil {
		return err
	}

	monitor := healthcheck.NewMonitor(version.GetVersion())
	for _, probe := range rt.probes {
		monitor.Register(probe)
	}
	monitor.Optional("outbox", healthcheck.OutboxBacklog(rt.outboxRepo.Stats, cfg.OutboxStaleAfter, nil))
	if transport.probe != nil {
		monitor.Optional("kafka", transport.probe)
	}

	gin.SetMode(gin.ReleaseMode)
	router := httpapi.NewRouter(
		httpapi.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer),
		deps.Checkout,
		deps.Orders,
		deps.Reconciler,
		httpapi.WithLogger(logger.WithField("layer", "http")),
		httpapi.WithMetrics(checkoutMetrics),
		httpapi.WithIdempotency(deps.Guard),
		httpapi.WithRateLimiter(httpapi.NewUserLimiter(cfg.VerifyRPS, cfg.VerifyBurst)),
		httpapi.WithTracing(cfg.ServiceName),
	)
	apiLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", cfg.HTTPAddr, err)
	}
	apiSrv := &http.Server{Handler: router, ReadHeaderTimeout: readHeaderTimeout}

	var grpcHealth *grpcHealthServer
	if cfg.GRPCHealthAddr != "" {
		grpcHealth, err = newGRPCHealthServer(cfg.GRPCHealthAddr, monitor, logger.WithField("layer", "grpc-health"))
		if err != nil {
			_ = apiLis.Close()
			return fmt.Errorf("listen grpc health %s: %w", cfg.GRPCHealthAddr, err)
		}
	}

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, monitor)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	startWorker := func(name string, run func(context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			logger.WithField("worker", name).Info("worker started")
			run(workerCtx)
		}()
	}
	startWorker("outbox", deps.OutboxWorker.Run)
	startWorker("pending-sweeper", deps.Sweeper.Run)
	startWorker("idempotency-cleanup", deps.CleanupWorker.Run)

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("HTTP API слушает %s", apiLis.Addr())
		if err := apiSrv.Serve(apiLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if grpcHealth != nil {
		go func() {
			if err := grpcHealth.serve(); err != nil {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем сервис")
		runErr = ctx.Err()
	case err := <-errCh:
		logger.WithError(err).Error("server failed")
		runErr = err
	}

	monitor.Drain()
	grpcHealth.stop()
	shutdownHTTP(apiSrv, logger)

	stopWorkers()
	workers.Wait()

	dispatchCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := deps.Dispatcher.Close(dispatchCtx); err != nil {
		logger.WithError(err).Warn("notification dispatcher did not drain in time")
	}
	cancel()

	shutdownHTTP(metricsSrv, logger)
	return runErr
}

// startMetricsServer запускает служебный HTTP-сервер: метрики Prometheus и проверки здоровья.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, monitor *healthcheck.Monitor) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	monitor.Mount(mux)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: readHeaderTimeout}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
