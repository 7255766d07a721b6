package http

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/sitepulse/sitepulse/internal/errors"
	"github.com/sitepulse/sitepulse/internal/ingest"
	"github.com/sitepulse/sitepulse/internal/observability"
	"github.com/sitepulse/sitepulse/internal/ratelimit"
)

const (
	msgTrackFailed     = "An internal error occurred. The event was not tracked."
	msgBodyTooLarge    = "Request body is too large."
	msgTooManyRequests = "Too many requests. Try again later."
	msgInternal        = "An internal error occurred."
)

// TrackHandler handles POST /v1/track requests.
type TrackHandler struct {
	recorder     *ingest.Handler
	limiter      ratelimit.Limiter
	maxBodyBytes int64
	metrics      *observability.Metrics
	logger       *zap.Logger
}

// NewTrackHandler creates a new track handler. A nil limiter admits every
// request.
func NewTrackHandler(
	recorder *ingest.Handler,
	limiter ratelimit.Limiter,
	maxBodyBytes int64,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *TrackHandler {
	if limiter == nil {
		limiter = ratelimit.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrackHandler{
		recorder:     recorder,
		limiter:      limiter,
		maxBodyBytes: maxBodyBytes,
		metrics:      metrics,
		logger:       logger,
	}
}

// ServeHTTP handles the track HTTP request.
func (h *TrackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		w.Header().Set("Allow", "POST, OPTIONS")
		writeAppError(w, r, apperrors.NewNotAllowedError(msgPostOnly), msgTrackFailed)
		return
	}

	ip := clientIP(r)
	if !h.admit(w, r, ip) {
		return
	}

	if h.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, apperrors.CodeInvalidPayload, msgBodyTooLarge)
			return
		}
		writeAppError(w, r, apperrors.NewValidationError(apperrors.CodeInvalidPayload, "Invalid JSON payload provided."), msgTrackFailed)
		return
	}

	_, err = h.recorder.Record(r.Context(), body, ingest.Meta{
		IPAddress: ip,
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeAppError(w, r, err, msgTrackFailed)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// admit consults the rate limiter. Limiter failures let the request through.
func (h *TrackHandler) admit(w http.ResponseWriter, r *http.Request, ip string) bool {
	decision, err := h.limiter.Allow(r.Context(), ip)
	if err != nil {
		h.logger.Warn("rate limiter unavailable, admitting request",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.Error(err))
		return true
	}

	if decision.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
	}
	if decision.Allowed {
		return true
	}

	if h.metrics != nil {
		h.metrics.RateLimited.Inc()
	}
	retryAfter := int(time.Until(decision.ResetAt).Seconds()) + 1
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeAppError(w, r, apperrors.NewRateLimitError(msgTooManyRequests), msgTrackFailed)
	return false
}

// clientIP returns the host part of the peer address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
