package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sitepulse/sitepulse/internal/retention"
	"github.com/sitepulse/sitepulse/pkg/types"
)

const (
	msgRetentionFailed = "An internal error occurred. Retention did not complete."
	msgArchiveFailed   = "An internal error occurred. Could not read the archive."
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// HealthHandler reports whether the event store answers.
type HealthHandler struct {
	service string
	pinger  Pinger
	logger  *zap.Logger
}

// NewHealthHandler creates a new health handler. A nil pinger always
// reports healthy.
func NewHealthHandler(service string, pinger Pinger, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{service: service, pinger: pinger, logger: logger}
}

// ServeHTTP handles the health HTTP request.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("service", h.service), zap.Error(err))
			writeJSON(w, r, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Service: h.service})
			return
		}
	}
	writeJSON(w, r, http.StatusOK, HealthResponse{Status: "ok", Service: h.service})
}

// RetentionRunner runs the configured retention policy on demand.
type RetentionRunner interface {
	Policy() retention.Policy
	RunOnce(ctx context.Context) (retention.Result, error)
}

// RetentionResponse is the body of a successful manual retention run.
type RetentionResponse struct {
	Policy string `json:"policy"`
	retention.Result
	RequestID string `json:"request_id"`
}

// RetentionHandler handles POST /v1/retention/run.
type RetentionHandler struct {
	runner RetentionRunner
}

// NewRetentionHandler creates a new retention trigger handler.
func NewRetentionHandler(runner RetentionRunner) *RetentionHandler {
	return &RetentionHandler{runner: runner}
}

// ServeHTTP handles the retention HTTP request.
func (h *RetentionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	result, err := h.runner.RunOnce(r.Context())
	if err != nil {
		writeAppError(w, r, err, msgRetentionFailed)
		return
	}
	writeJSON(w, r, http.StatusOK, RetentionResponse{
		Policy:    h.runner.Policy().Name(),
		Result:    result,
		RequestID: GetRequestID(r.Context()),
	})
}

// ArchiveReader lists and decodes archived event batches.
type ArchiveReader interface {
	List(ctx context.Context) ([]string, error)
	Read(ctx context.Context, key string) ([]types.Event, error)
}

// ArchiveListResponse is the body of GET /v1/retention/archives.
type ArchiveListResponse struct {
	Keys []string `json:"keys"`
}

// ArchiveHandler serves the archived batches written by retention.
type ArchiveHandler struct {
	reader ArchiveReader
}

// NewArchiveHandler creates a new archive handler.
func NewArchiveHandler(reader ArchiveReader) *ArchiveHandler {
	return &ArchiveHandler{reader: reader}
}

// List returns every archive key.
func (h *ArchiveHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.reader.List(r.Context())
	if err != nil {
		writeAppError(w, r, err, msgArchiveFailed)
		return
	}
	writeJSON(w, r, http.StatusOK, ArchiveListResponse{Keys: keys})
}

// Get returns the events of one archived object. The object key is the
// path below /v1/retention/archives/.
func (h *ArchiveHandler) Get(w http.ResponseWriter, r *http.Request) {
	events, err := h.reader.Read(r.Context(), chi.URLParam(r, "*"))
	if err != nil {
		writeAppError(w, r, err, msgArchiveFailed)
		return
	}
	if events == nil {
		events = []types.Event{}
	}
	writeJSON(w, r, http.StatusOK, events)
}
