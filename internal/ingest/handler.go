// Package ingest validates and records inbound events.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sitepulse/sitepulse/internal/classify"
	"github.com/sitepulse/sitepulse/internal/config"
	apperrors "github.com/sitepulse/sitepulse/internal/errors"
	"github.com/sitepulse/sitepulse/internal/observability"
	"github.com/sitepulse/sitepulse/internal/store"
	"github.com/sitepulse/sitepulse/pkg/types"
)

// SessionPrefix prefixes server-generated session ids.
const SessionPrefix = "sess_"

// unknown is recorded when the transport supplies no client address or agent.
const unknown = "unknown"

// Meta carries the transport-level facts captured at insert time.
type Meta struct {
	IPAddress string
	UserAgent string
}

// Submission is an event as submitted by a client, before validation.
// Transports that decode their own payloads (gRPC) build one directly.
type Submission struct {
	WebsiteID json.RawMessage `json:"website_id"`
	SessionID json.RawMessage `json:"session_id"`
	EventName json.RawMessage `json:"event_name"`
	EventData json.RawMessage `json:"event_data"`
}

// Handler validates submissions and writes them through the event store.
type Handler struct {
	store   store.Store
	table   *classify.Table
	limits  config.IngestConfig
	metrics *observability.Metrics
	logger  *zap.Logger

	newSessionID func() string
}

// NewHandler creates a new ingestion handler.
func NewHandler(
	s store.Store,
	table *classify.Table,
	limits config.IngestConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:        s,
		table:        table,
		limits:       limits,
		metrics:      metrics,
		logger:       logger,
		newSessionID: newSessionID,
	}
}

func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return SessionPrefix + uuid.NewString()
	}
	return SessionPrefix + id.String()
}

// Record decodes a raw JSON body and records it. It returns the assigned id.
func (h *Handler) Record(ctx context.Context, body []byte, meta Meta) (int64, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		h.observe(classify.ClassOther, observability.OutcomeRejected)
		return 0, apperrors.NewValidationError(apperrors.CodeInvalidPayload, msgInvalidPayload)
	}

	var sub Submission
	if err := json.Unmarshal(trimmed, &sub); err != nil {
		h.observe(classify.ClassOther, observability.OutcomeRejected)
		return 0, apperrors.NewValidationError(apperrors.CodeInvalidPayload, msgInvalidPayload)
	}
	return h.RecordSubmission(ctx, sub, meta)
}

// RecordSubmission validates an already decoded submission and records it.
func (h *Handler) RecordSubmission(ctx context.Context, sub Submission, meta Meta) (int64, error) {
	event, err := h.validate(sub, meta)
	if err != nil {
		h.observe(classify.ClassOther, observability.OutcomeRejected)
		return 0, err
	}

	class := h.table.Classify(event.EventName)

	id, err := h.store.Insert(ctx, event)
	if err != nil {
		h.observe(class, observability.OutcomeFailed)
		h.logger.Error("failed to record event",
			zap.String("website_id", event.WebsiteID),
			zap.String("event_name", event.EventName),
			zap.Error(err))
		if apperrors.GetCategory(err) == apperrors.ErrCategoryStorage {
			return 0, err
		}
		return 0, apperrors.NewStorageError(apperrors.CodeStorageUnavailable, "failed to record event", err)
	}

	h.observe(class, observability.OutcomeAccepted)
	h.logger.Debug("event recorded",
		zap.Int64("id", id),
		zap.String("website_id", event.WebsiteID),
		zap.String("event_name", event.EventName),
		zap.String("class", string(class)))
	return id, nil
}

func (h *Handler) validate(sub Submission, meta Meta) (*types.Event, error) {
	websiteID, err := requiredString(sub.WebsiteID)
	if err != nil {
		return nil, err
	}
	eventName, err := requiredString(sub.EventName)
	if err != nil {
		return nil, err
	}
	if err := checkLength("website_id", websiteID, h.limits.MaxWebsiteIDLength); err != nil {
		return nil, err
	}
	if err := checkLength("event_name", eventName, h.limits.MaxEventNameLength); err != nil {
		return nil, err
	}

	sessionID, ok, err := optionalString(sub.SessionID, "session_id")
	if err != nil {
		return nil, err
	}
	if ok {
		if err := checkLength("session_id", sessionID, h.limits.MaxSessionIDLength); err != nil {
			return nil, err
		}
	} else {
		sessionID = h.newSessionID()
	}

	data, err := normalizeEventData(sub.EventData, h.limits.MaxEventDataBytes, h.limits.MaxEventDataDepth)
	if err != nil {
		return nil, err
	}

	ip := meta.IPAddress
	if ip == "" {
		ip = unknown
	}
	ua := truncateRunes(meta.UserAgent, h.limits.MaxUserAgentLength)
	if ua == "" {
		ua = unknown
	}

	return &types.Event{
		WebsiteID: websiteID,
		SessionID: sessionID,
		EventName: eventName,
		EventData: data,
		IPAddress: ip,
		UserAgent: ua,
	}, nil
}

func (h *Handler) observe(class classify.Class, outcome string) {
	if h.metrics == nil {
		return
	}
	h.metrics.IngestEvents.WithLabelValues(string(class), outcome).Inc()
}
