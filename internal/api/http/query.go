package http

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/sitepulse/sitepulse/internal/aggregate"
	"github.com/sitepulse/sitepulse/internal/query"
	"github.com/sitepulse/sitepulse/pkg/types"
)

const msgQueryFailed = "An internal error occurred. Could not retrieve data."

// QueryHandler serves GET /v1/events and GET /v1/summary. Method and
// credential checks happen in the router before these handlers run.
type QueryHandler struct {
	engine  *query.Engine
	options aggregate.Options
	logger  *zap.Logger
}

// NewQueryHandler creates a new query handler. opts configures the
// summary endpoint.
func NewQueryHandler(engine *query.Engine, opts aggregate.Options, logger *zap.Logger) *QueryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryHandler{
		engine:  engine,
		options: opts,
		logger:  logger,
	}
}

// Events returns the matching events, newest first.
func (h *QueryHandler) Events(w http.ResponseWriter, r *http.Request) {
	criteria, ok := h.criteria(w, r)
	if !ok {
		return
	}

	events, err := h.engine.List(r.Context(), criteria)
	if err != nil {
		writeAppError(w, r, err, msgQueryFailed)
		return
	}
	if events == nil {
		events = []types.Event{}
	}
	writeJSON(w, r, http.StatusOK, events)
}

// Summary returns dashboard statistics over the window Events would return.
func (h *QueryHandler) Summary(w http.ResponseWriter, r *http.Request) {
	criteria, ok := h.criteria(w, r)
	if !ok {
		return
	}

	events, err := h.engine.Window(r.Context(), criteria)
	if err != nil {
		writeAppError(w, r, err, msgQueryFailed)
		return
	}
	writeJSON(w, r, http.StatusOK, aggregate.Summarize(events, h.options))
}

func (h *QueryHandler) criteria(w http.ResponseWriter, r *http.Request) (query.Criteria, bool) {
	criteria, err := query.ParseCriteria(r.URL.Query())
	if err != nil {
		writeAppError(w, r, err, msgQueryFailed)
		return query.Criteria{}, false
	}
	return criteria, true
}
