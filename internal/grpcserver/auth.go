package grpcserver

import (
	"context"

	"github.com/MarkoPoloResearchLab/mediaquota/internal/servicetoken"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const authorizationHeader = "authorization"

type callerKey struct{}

// CallerFromContext returns the verified service subject, if any.
func CallerFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(callerKey{}).(string)
	return subject, ok
}

// UnaryAuthInterceptor requires a service token carrying scope on every call.
func UnaryAuthInterceptor(authority *servicetoken.Authority, scope string, logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		incoming, _ := metadata.FromIncomingContext(ctx)
		values := incoming.Get(authorizationHeader)
		if len(values) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing service token")
		}
		claims, err := authority.Verify(servicetoken.ExtractBearer(values[0]))
		if err != nil {
			logger.Warn("service token rejected", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, status.Error(codes.Unauthenticated, "invalid service token")
		}
		if !claims.HasScope(scope) {
			return nil, status.Error(codes.PermissionDenied, "missing scope "+scope)
		}
		logger.Info("admin call", zap.String("method", info.FullMethod), zap.String("caller", claims.Subject))
		return handler(context.WithValue(ctx, callerKey{}, claims.Subject), request)
	}
}
