package grpc

import (
	"context"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"telehealth-chat/internal/logger"
	"telehealth-chat/internal/observability"
)

// ServiceName is the health key reported for the chat service.
const ServiceName = "telehealth.chat"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthServer serves grpc.health.v1 and tracks database reachability.
type HealthServer struct {
	log    *logger.Logger
	server *grpclib.Server
	health *health.Server
	db     Pinger
}

// NewHealthServer builds the gRPC server with metrics and tracing interceptors.
func NewHealthServer(log *logger.Logger, db Pinger) *HealthServer {
	server := grpclib.NewServer(
		grpclib.StatsHandler(otelgrpc.NewServerHandler()),
		grpclib.ChainUnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &HealthServer{
		log:    log.With("component", "GRPCHealth"),
		server: server,
		health: hs,
		db:     db,
	}
}

// Server exposes the underlying gRPC server for Serve/GracefulStop.
func (h *HealthServer) Server() *grpclib.Server {
	return h.server
}

// Watch updates the serving status from database pings until ctx is done.
func (h *HealthServer) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		h.check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *HealthServer) check(ctx context.Context) {
	if h.db == nil {
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.db.PingContext(pingCtx); err != nil {
		h.log.Warn("database ping failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.health.SetServingStatus(ServiceName, status)
	h.health.SetServingStatus("", status)
}

// Shutdown marks every service NOT_SERVING and drains in-flight calls.
func (h *HealthServer) Shutdown() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
