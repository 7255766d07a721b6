package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	apperrors "github.com/sitepulse/sitepulse/internal/errors"
	"github.com/sitepulse/sitepulse/internal/observability"
)

const (
	msgGetOnly  = "This endpoint only accepts GET requests."
	msgPostOnly = "This endpoint only accepts POST requests."
)

// RouterConfig holds what every SitePulse router shares.
type RouterConfig struct {
	// Service names the router in health responses
	Service string

	// AllowedOrigins is the CORS allow list
	AllowedOrigins []string

	// APIKey protects the query and retention routes
	APIKey string

	Metrics *observability.Metrics
	Store   Pinger
	Logger  *zap.Logger
}

// newRouter builds the middleware stack and operational routes common to
// every service.
func newRouter(cfg RouterConfig, methods []string, passthrough bool) *chi.Mux {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(cfg.Logger))
	r.Use(RecoveryMiddleware(cfg.Logger))
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:     cfg.AllowedOrigins,
		AllowedMethods:     methods,
		AllowedHeaders:     []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:     []string{"X-Request-ID", "Retry-After"},
		MaxAge:             300,
		OptionsPassthrough: passthrough,
	}))

	r.Get("/health", NewHealthHandler(cfg.Service, cfg.Store, cfg.Logger).ServeHTTP)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}
	return r
}

// NewIngestRouter serves the open ingestion endpoint.
func NewIngestRouter(cfg RouterConfig, track *TrackHandler) http.Handler {
	r := newRouter(cfg, []string{http.MethodPost, http.MethodOptions}, true)
	r.Handle("/v1/track", track)
	return r
}

// NewQueryRouter serves the credential-protected read endpoints.
func NewQueryRouter(cfg RouterConfig, q *QueryHandler) http.Handler {
	r := newRouter(cfg, []string{http.MethodGet, http.MethodOptions}, false)
	r.Group(func(r chi.Router) {
		r.Use(allowMethod(http.MethodGet, msgGetOnly))
		r.Use(BearerAuth(cfg.APIKey, cfg.Logger))
		r.HandleFunc("/v1/events", q.Events)
		r.HandleFunc("/v1/summary", q.Summary)
	})
	return r
}

// NewRetentionRouter serves health, metrics and, when a credential is
// configured, the manual retention trigger and the archive browser. archives
// may be nil when archiving is disabled.
func NewRetentionRouter(cfg RouterConfig, rh *RetentionHandler, archives *ArchiveHandler) http.Handler {
	r := newRouter(cfg, []string{http.MethodGet, http.MethodPost, http.MethodOptions}, false)
	if cfg.APIKey == "" {
		return r
	}
	if rh != nil {
		r.Group(func(r chi.Router) {
			r.Use(allowMethod(http.MethodPost, msgPostOnly))
			r.Use(BearerAuth(cfg.APIKey, cfg.Logger))
			r.Handle("/v1/retention/run", rh)
		})
	}
	if archives != nil {
		r.Group(func(r chi.Router) {
			r.Use(allowMethod(http.MethodGet, msgGetOnly))
			r.Use(BearerAuth(cfg.APIKey, cfg.Logger))
			r.HandleFunc("/v1/retention/archives", archives.List)
			r.HandleFunc("/v1/retention/archives/*", archives.Get)
		})
	}
	return r
}

// allowMethod rejects every other method with 405 before credentials are
// checked.
func allowMethod(method, message string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != method {
				w.Header().Set("Allow", method)
				writeAppError(w, r, apperrors.NewNotAllowedError(message), msgInternal)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
