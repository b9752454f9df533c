package app

import (
	"context"
	"errors"
	"net"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/checkout/internal/health"
	"github.com/vladislavdragonenkov/checkout/internal/version"
)

const (
	grpcStopTimeout    = 5 * time.Second
	grpcHealthInterval = 5 * time.Second
)

// grpcHealthServer публикует readiness монитора через grpc.health.v1.
// Бизнес-API по gRPC не отдаётся.
type grpcHealthServer struct {
	server   *grpc.Server
	status   *health.Server
	monitor  *healthcheck.Monitor
	lis      net.Listener
	logger   *log.Entry
	interval time.Duration
	done     chan struct{}
}

// grpcServerMetrics возвращает уже зарегистрированный collector, если он есть.
func grpcServerMetrics(logger *log.Entry) *promgrpc.ServerMetrics {
	m := promgrpc.NewServerMetrics()
	err := prometheus.Register(m)
	var are prometheus.AlreadyRegisteredError
	switch {
	case err == nil:
	case errors.As(err, &are):
		if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
			return existing
		}
	default:
		logger.WithError(err).Warn("grpc metrics are not registered")
	}
	return m
}

func newGRPCHealthServer(addr string, monitor *healthcheck.Monitor, logger *log.Entry) (*grpcHealthServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	m := grpcServerMetrics(logger)
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(m.UnaryServerInterceptor()))
	status := health.NewServer()
	healthpb.RegisterHealthServer(server, status)
	reflection.Register(server)
	m.InitializeMetrics(server)

	return &grpcHealthServer{
		server:   server,
		status:   status,
		monitor:  monitor,
		lis:      lis,
		logger:   logger,
		interval: grpcHealthInterval,
		done:     make(chan struct{}),
	}, nil
}

func (s *grpcHealthServer) set(serving healthpb.HealthCheckResponse_ServingStatus) {
	s.status.SetServingStatus("", serving)
	s.status.SetServingStatus(version.Product, serving)
}

// sync переносит readiness монитора в статус gRPC до остановки сервера.
func (s *grpcHealthServer) sync() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		serving := healthpb.HealthCheckResponse_SERVING
		if s.monitor != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			if !s.monitor.Ready(ctx) {
				serving = healthpb.HealthCheckResponse_NOT_SERVING
			}
			cancel()
		}
		s.set(serving)

		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
	}
}

// serve блокируется до остановки сервера.
func (s *grpcHealthServer) serve() error {
	go s.sync()
	s.logger.WithField("addr", s.lis.Addr().String()).Info("grpc health listening")
	if err := s.server.Serve(s.lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// stop переводит статус в NOT_SERVING и останавливает сервер; зависший graceful stop обрывается по таймауту.
func (s *grpcHealthServer) stop() {
	if s == nil {
		return
	}
	close(s.done)
	s.status.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(grpcStopTimeout):
		s.logger.Warn("grpc graceful stop timed out")
		s.server.Stop()
	}
}
