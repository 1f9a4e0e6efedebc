package grpcserver

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// UnaryLoggingInterceptor logs each call with its status code and latency. Internal and
// Unavailable codes are logged at error level.
func UnaryLoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		startedAt := time.Now()
		response, err := handler(ctx, request)
		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("duration", time.Since(startedAt)),
		}
		switch code {
		case codes.OK:
			logger.Debug("grpc call", fields...)
		case codes.Internal, codes.Unavailable, codes.Unknown:
			logger.Error("grpc call failed", append(fields, zap.Error(err))...)
		default:
			logger.Info("grpc call rejected", append(fields, zap.Error(err))...)
		}
		return response, err
	}
}
