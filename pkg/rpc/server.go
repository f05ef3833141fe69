package rpc

import (
	"context"
	"path"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"tx-lab-tpc-go/pkg/idempotency"
	"tx-lab-tpc-go/pkg/logging"
	"tx-lab-tpc-go/pkg/metrics"
)

// UnaryServerInterceptor logs and measures every call.
func UnaryServerInterceptor(log *zap.Logger, m *metrics.ServerMetrics) grpc.UnaryServerInterceptor {
	log = logging.OrNop(log)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		resp, err := handler(ctx, req)
		d := time.Since(started)
		code := status.Code(err)
		method := path.Base(info.FullMethod)
		m.Observe(method, code.String(), d)

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Int64("duration_ms", d.Milliseconds()),
		}
		if key := idempotency.KeyFromContext(ctx); key != "" {
			fields = append(fields, zap.String("idempotency_key", key))
		}
		if err != nil {
			log.Warn("rpc failed", append(fields, zap.Error(err))...)
		} else {
			log.Debug("rpc", fields...)
		}
		return resp, err
	}
}

func NewServer(log *zap.Logger, m *metrics.ServerMetrics, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(UnaryServerInterceptor(log, m))}, opts...)
	return grpc.NewServer(opts...)
}

// Dial opens a plaintext client connection that speaks the JSON codec.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	return grpc.NewClient(target, opts...)
}
