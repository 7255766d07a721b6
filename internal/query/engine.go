// Package query turns caller criteria into a bounded, ordered read of the
// event store.
package query

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sitepulse/sitepulse/internal/config"
	apperrors "github.com/sitepulse/sitepulse/internal/errors"
	"github.com/sitepulse/sitepulse/internal/observability"
	"github.com/sitepulse/sitepulse/internal/store"
	"github.com/sitepulse/sitepulse/pkg/types"
)

// Criteria selects a window of events. Nil fields are not applied.
type Criteria struct {
	WebsiteID *string
	Start     *time.Time
	End       *time.Time
	Limit     *int
}

// Engine reads events from the store.
type Engine struct {
	store   store.Store
	limits  config.QueryConfig
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewEngine creates a new query engine.
func NewEngine(s store.Store, limits config.QueryConfig, metrics *observability.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:   s,
		limits:  limits,
		metrics: metrics,
		logger:  logger,
	}
}

// List returns the most recent events matching the criteria, newest first.
// Tenant isolation is not enforced here; callers are trusted to pass the
// website_id they are allowed to see.
func (e *Engine) List(ctx context.Context, c Criteria) ([]types.Event, error) {
	return e.list(ctx, "list", c)
}

// Window is List under a different operation label; the summary path uses it.
func (e *Engine) Window(ctx context.Context, c Criteria) ([]types.Event, error) {
	return e.list(ctx, "summary", c)
}

func (e *Engine) list(ctx context.Context, operation string, c Criteria) ([]types.Event, error) {
	filter, limit, err := e.resolve(c)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	events, err := e.store.Query(ctx, filter, limit)
	elapsed := time.Since(start)

	if err != nil {
		e.logger.Error("event query failed",
			zap.String("operation", operation),
			zap.String("website_id", filter.WebsiteID),
			zap.Error(err))
		if apperrors.GetCategory(err) == apperrors.ErrCategoryStorage {
			return nil, err
		}
		return nil, apperrors.NewStorageError(apperrors.CodeStorageUnavailable, "failed to query events", err)
	}

	if e.metrics != nil {
		e.metrics.QueryDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
		e.metrics.QueryEvents.WithLabelValues(operation).Observe(float64(len(events)))
		if filter.WebsiteID != "" {
			e.metrics.QueryFilters.WithLabelValues("website_id").Inc()
		}
		if filter.Start != nil {
			e.metrics.QueryFilters.WithLabelValues("start").Inc()
		}
		if filter.End != nil {
			e.metrics.QueryFilters.WithLabelValues("end").Inc()
		}
	}
	return events, nil
}

// resolve validates criteria and applies the limit default and cap.
func (e *Engine) resolve(c Criteria) (store.Filter, int, error) {
	var f store.Filter
	if c.WebsiteID != nil {
		f.WebsiteID = *c.WebsiteID
	}
	f.Start = c.Start
	f.End = c.End

	if f.Start != nil && f.End != nil && f.Start.After(*f.End) {
		return f, 0, apperrors.NewValidationError(apperrors.CodeInvalidTimeRange, "start must not be after end.")
	}

	limit := e.limits.DefaultLimit
	if c.Limit != nil {
		if *c.Limit <= 0 {
			return f, 0, apperrors.NewValidationError(apperrors.CodeInvalidLimit, "limit must be a positive integer.")
		}
		limit = *c.Limit
	}
	if e.limits.MaxLimit > 0 && limit > e.limits.MaxLimit {
		limit = e.limits.MaxLimit
	}
	return f, limit, nil
}

// ParseCriteria reads website_id, limit, start and end from query
// parameters. Empty parameters are treated as absent. Times are RFC 3339 or
// Unix seconds.
func ParseCriteria(values url.Values) (Criteria, error) {
	var c Criteria

	if v := strings.TrimSpace(values.Get("website_id")); v != "" {
		c.WebsiteID = &v
	}

	if v := strings.TrimSpace(values.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, apperrors.NewValidationError(apperrors.CodeInvalidLimit, "limit must be a positive integer.")
		}
		c.Limit = &n
	}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{
		{"start", &c.Start},
		{"end", &c.End},
	} {
		v := strings.TrimSpace(values.Get(p.name))
		if v == "" {
			continue
		}
		t, err := parseTime(v)
		if err != nil {
			return c, apperrors.NewValidationError(apperrors.CodeInvalidTimeRange,
				fmt.Sprintf("%s must be an RFC 3339 timestamp or Unix seconds.", p.name))
		}
		*p.dst = &t
	}

	return c, nil
}

func parseTime(v string) (time.Time, error) {
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, v)
}
