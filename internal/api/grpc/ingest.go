package grpc

import (
	"context"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	apperrors "github.com/sitepulse/sitepulse/internal/errors"
	"github.com/sitepulse/sitepulse/internal/ingest"
	"github.com/sitepulse/sitepulse/internal/observability"
	"github.com/sitepulse/sitepulse/internal/ratelimit"
)

const msgTrackFailed = "An internal error occurred. The event was not tracked."

// IngestServer implements IngestServiceServer on top of the ingestion
// handler shared with the HTTP boundary.
type IngestServer struct {
	recorder *ingest.Handler
	limiter  ratelimit.Limiter
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewIngestServer creates a new gRPC ingest server. A nil limiter admits
// every call.
func NewIngestServer(recorder *ingest.Handler, limiter ratelimit.Limiter, metrics *observability.Metrics, logger *zap.Logger) *IngestServer {
	if limiter == nil {
		limiter = ratelimit.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestServer{
		recorder: recorder,
		limiter:  limiter,
		metrics:  metrics,
		logger:   logger,
	}
}

// Record handles one event submission.
func (s *IngestServer) Record(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	ip := peerIP(ctx)

	decision, err := s.limiter.Allow(ctx, ip)
	if err != nil {
		s.logger.Warn("rate limiter unavailable, admitting call", zap.Error(err))
	} else if !decision.Allowed {
		if s.metrics != nil {
			s.metrics.RateLimited.Inc()
		}
		return nil, toStatus(apperrors.NewRateLimitError("Too many requests. Try again later."))
	}

	body, err := protojson.Marshal(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "Invalid JSON payload provided.")
	}

	if _, err := s.recorder.Record(ctx, body, ingest.Meta{
		IPAddress: ip,
		UserAgent: userAgent(ctx),
	}); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// toStatus maps a structured error onto a gRPC status. Storage and internal
// failures carry only a generic message.
func toStatus(err error) error {
	msg := apperrors.PublicMessage(err, msgTrackFailed)
	switch apperrors.GetCategory(err) {
	case apperrors.ErrCategoryValidation:
		return status.Error(codes.InvalidArgument, msg)
	case apperrors.ErrCategoryRateLimit:
		return status.Error(codes.ResourceExhausted, msg)
	case apperrors.ErrCategoryStorage:
		return status.Error(codes.Unavailable, msg)
	default:
		return status.Error(codes.Internal, msg)
	}
}

func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// userAgent prefers an explicit x-user-agent entry, which browsers proxied
// through grpc-web set, over the transport's own user-agent.
func userAgent(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, key := range []string{"x-user-agent", "user-agent"} {
		if v := md.Get(key); len(v) > 0 && v[0] != "" {
			return v[0]
		}
	}
	return ""
}

var _ IngestServiceServer = (*IngestServer)(nil)
