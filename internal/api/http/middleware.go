// Package http provides the HTTP boundaries of SitePulse: the open
// ingestion endpoint, the credential-protected query endpoints and the
// operational endpoints shared by every service.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/sitepulse/sitepulse/internal/errors"
	"github.com/sitepulse/sitepulse/internal/observability"
)

// Context keys for request metadata.
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	loggerKey    contextKey = "logger"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// Details carries structured context for validation failures
	Details map[string]interface{} `json:"details,omitempty"`
}

// RequestIDMiddleware adds a unique request_id to each request.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check if request_id is provided in header, otherwise generate one
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggerMiddleware makes logger, tagged with the request id, available to
// handlers and response writers through the request context.
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := logger.With(zap.String("request_id", GetRequestID(r.Context())))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), loggerKey, l)))
		})
	}
}

// RecoveryMiddleware recovers from panics and returns a 500 error.
func RecoveryMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic while serving request",
						zap.String("request_id", GetRequestID(r.Context())),
						zap.String("path", r.URL.Path),
						zap.Any("panic", rec),
						zap.Stack("stack"))
					writeError(w, r, http.StatusInternalServerError, apperrors.CodeUnexpected, msgInternal)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware records request count and latency labelled by the
// matched route pattern, never the raw path.
func MetricsMiddleware(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			path := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				path = rctx.RoutePattern()
			}

			labels := []string{r.Method, path, strconv.Itoa(status)}
			metrics.RequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
			metrics.RequestTotal.WithLabelValues(labels...).Inc()
		})
	}
}

// writeError writes an error response with the given status code.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	writeJSON(w, r, statusCode, ErrorResponse{
		Message:   message,
		Code:      code,
		RequestID: GetRequestID(r.Context()),
	})
}

// writeAppError maps a structured error onto its status and public message.
// fallback replaces the message of storage and internal failures.
func writeAppError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	code := apperrors.GetCode(err)
	if code == "" {
		code = apperrors.CodeUnexpected
	}
	resp := ErrorResponse{
		Message:   apperrors.PublicMessage(err, fallback),
		Code:      code,
		RequestID: GetRequestID(r.Context()),
	}
	if apperrors.GetCategory(err) == apperrors.ErrCategoryValidation {
		resp.Details = apperrors.GetDetails(err)
	}
	writeJSON(w, r, apperrors.HTTPStatus(err), resp)
}

// writeJSON writes a JSON response with the given status code. The status
// is already sent when encoding fails, so the failure is only logged.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		loggerFrom(r.Context()).Debug("failed to encode response",
			zap.Int("status", statusCode),
			zap.Error(err))
	}
}

func loggerFrom(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
