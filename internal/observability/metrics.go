// Package observability provides the Prometheus collectors shared by the
// SitePulse services.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ingest outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Metrics holds every collector. One instance is built at startup and
// injected into the components that record into it.
type Metrics struct {
	registry *prometheus.Registry

	// IngestEvents counts ingestion attempts by event class and outcome
	IngestEvents *prometheus.CounterVec

	// QueryDuration tracks store reads by operation (list, summary)
	QueryDuration *prometheus.HistogramVec

	// QueryEvents tracks how many events each read returned
	QueryEvents *prometheus.HistogramVec

	// QueryFilters counts which optional criteria callers supply
	QueryFilters *prometheus.CounterVec

	RetentionRuns     *prometheus.CounterVec
	RetentionDeleted  prometheus.Counter
	RetentionArchived prometheus.Counter

	RateLimited prometheus.Counter

	RequestDuration *prometheus.HistogramVec
	RequestTotal    *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		IngestEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitepulse_ingest_events_total",
				Help: "Ingestion attempts by event class and outcome",
			},
			[]string{"class", "outcome"},
		),
		QueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitepulse_query_duration_seconds",
				Help:    "Duration of event store reads in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		QueryEvents: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitepulse_query_events",
				Help:    "Number of events returned per read",
				Buckets: prometheus.ExponentialBuckets(1, 4, 6),
			},
			[]string{"operation"},
		),
		QueryFilters: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitepulse_query_filters_total",
				Help: "Reads by supplied criterion",
			},
			[]string{"criterion"},
		),
		RetentionRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitepulse_retention_runs_total",
				Help: "Retention policy runs by policy and outcome",
			},
			[]string{"policy", "outcome"},
		),
		RetentionDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "sitepulse_retention_deleted_events_total",
			Help: "Events removed by the retention policy",
		}),
		RetentionArchived: factory.NewCounter(prometheus.CounterOpts{
			Name: "sitepulse_retention_archived_events_total",
			Help: "Events written to archive storage before removal",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "sitepulse_ingest_rate_limited_total",
			Help: "Ingestion requests rejected by the rate limiter",
		}),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		RequestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
	}
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
