package interceptors

import (
	"context"
	"crypto/subtle"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const bearerPrefix = "bearer "

// ServiceCaller is the caller name set for requests that presented the service token.
const ServiceCaller = "service"

// ServiceTokenUnary returns a unary server interceptor that requires the internal service token
// as a Bearer credential on every method not in publicMethods (e.g. the gRPC health check).
// An empty token disables the check; the server refuses that combination in production.
func ServiceTokenUnary(token string, publicMethods map[string]bool, logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if token == "" || publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		presented := extractBearer(ctx)
		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			logger.Warn("grpc: rejected service call",
				zap.String("method", info.FullMethod),
				zap.Bool("has_token", presented != ""),
			)
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}
		return handler(WithCaller(ctx, ServiceCaller), req)
	}
}

// extractBearer returns the Bearer token from ctx metadata, or "" if missing or malformed.
func extractBearer(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	v := strings.TrimSpace(vals[0])
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
