package grpc

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// NewServer builds a gRPC server exposing IngestService and the standard
// health service. The returned health server reports SERVING for both the
// overall server and IngestService until it is shut down.
func NewServer(ingest IngestServiceServer, logger *zap.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts = append(opts, grpc.ChainUnaryInterceptor(
		recoveryInterceptor(logger),
		loggingInterceptor(logger),
	))
	srv := grpc.NewServer(opts...)
	RegisterIngestServiceServer(srv, ingest)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	return srv, hs
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		requestID := extractRequestID(ctx)

		resp, err := handler(ctx, req)

		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("request_id", requestID),
			zap.String("code", code.String()),
			zap.Duration("elapsed", time.Since(start)),
		}
		switch code {
		case codes.OK:
			logger.Debug("grpc call", fields...)
		case codes.InvalidArgument, codes.ResourceExhausted:
			logger.Info("grpc call rejected", fields...)
		default:
			logger.Error("grpc call failed", append(fields, zap.Error(err))...)
		}
		return resp, err
	}
}

func recoveryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic while serving grpc call",
					zap.String("method", info.FullMethod),
					zap.Any("panic", rec),
					zap.Stack("stack"))
				err = status.Error(codes.Internal, "An internal error occurred.")
			}
		}()
		return handler(ctx, req)
	}
}

// extractRequestID extracts or generates a request ID from the gRPC context.
func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			return ids[0]
		}
	}
	return uuid.New().String()
}
