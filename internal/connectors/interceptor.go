package connectors

import (
	"context"
	"crypto/subtle"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// agentKeyHeader: общий ключ между оркестратором и процессами агентов
// (в gRPC заголовки в нижнем регистре).
const agentKeyHeader = "x-prism-agent-key"

// UnaryAuthInterceptor проверяет ключ агента в метаданных вызова.
// Пустой ключ отключает проверку.
func UnaryAuthInterceptor(key string, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if key == "" {
			return handler(ctx, req)
		}

		// 1. Извлекаем метаданные из контекста
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}

		// 2. Сравниваем за постоянное время
		keys := md.Get(agentKeyHeader)
		if len(keys) == 0 || subtle.ConstantTimeCompare([]byte(keys[0]), []byte(key)) != 1 {
			logger.Warn("agent call rejected", zap.String("method", info.FullMethod))
			return nil, status.Error(codes.Unauthenticated, "invalid agent key")
		}

		// Идем дальше по цепочке
		return handler(ctx, req)
	}
}

// WithAgentKey добавляет ключ к каждому исходящему вызову.
func WithAgentKey(key string) grpc.DialOption {
	return grpc.WithUnaryInterceptor(func(
		ctx context.Context,
		method string,
		req, reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		if key != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, agentKeyHeader, key)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	})
}
