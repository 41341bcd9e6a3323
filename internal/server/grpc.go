// Package server assembles the HTTP API and the internal gRPC server.
package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"schoolhub/backend/internal/server/interceptors"
	sessionhandler "schoolhub/backend/internal/session/handler"
)

// Health check methods are reachable without the service token so probes need no secret.
var publicMethods = map[string]bool{
	healthpb.Health_Check_FullMethodName: true,
	healthpb.Health_Watch_FullMethodName: true,
}

// GRPCDeps holds the gRPC services.
type GRPCDeps struct {
	// Guard serves SessionGuard. If nil, only the health service is registered.
	Guard sessionhandler.SessionGuardServer
	// ServiceToken is the bearer token internal callers present. Empty disables the check.
	ServiceToken string
}

// NewGRPCServer returns a server with tracing, call logging and service-token auth. The returned
// health server starts SERVING for the overall service and SessionGuard; callers flip it to
// NOT_SERVING on shutdown.
func NewGRPCServer(deps GRPCDeps, logger *zap.Logger) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.LoggingUnary(logger, publicMethods),
			interceptors.ServiceTokenUnary(deps.ServiceToken, publicMethods, logger),
		),
	)
	RegisterServices(srv, deps)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	if deps.Guard != nil {
		hs.SetServingStatus(sessionhandler.SessionGuardServiceName, healthpb.HealthCheckResponse_SERVING)
	}
	return srv, hs
}

// RegisterServices registers the application services (not health) on s.
func RegisterServices(s grpc.ServiceRegistrar, deps GRPCDeps) {
	if deps.Guard != nil {
		sessionhandler.RegisterSessionGuardServer(s, deps.Guard)
	}
}
