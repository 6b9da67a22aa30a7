package server

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GatewayService is the health service name reported alongside the overall
// ("") status.
const GatewayService = "cartcover.v1.Gateway"

const defaultHealthInterval = 10 * time.Second

// HealthReporter drives the standard gRPC health service from periodic
// database pings.
type HealthReporter struct {
	health   *health.Server
	pinger   Pinger
	interval time.Duration
	log      *slog.Logger
}

func NewHealthReporter(pinger Pinger, interval time.Duration, log *slog.Logger) *HealthReporter {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	if log == nil {
		log = slog.Default()
	}
	h := &HealthReporter{
		health:   health.NewServer(),
		pinger:   pinger,
		interval: interval,
		log:      log,
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Check pings once and publishes the result.
func (h *HealthReporter) Check(ctx context.Context) bool {
	if h.pinger == nil {
		h.set(healthpb.HealthCheckResponse_SERVING)
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, h.interval)
	defer cancel()
	if err := h.pinger.Ping(ctx); err != nil {
		h.log.Warn("health check failed", "error", err)
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Run checks on every interval until ctx is done, then marks every service
// NOT_SERVING so watchers see the shutdown.
func (h *HealthReporter) Run(ctx context.Context) {
	h.Check(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

func (h *HealthReporter) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(GatewayService, status)
}

// NewGRPCServer builds a server with the health service and reflection
// registered.
func NewGRPCServer(h *HealthReporter, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, h.health)
	reflection.Register(s)
	return s
}
