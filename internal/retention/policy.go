// Package retention removes old events according to a configurable policy.
//
// Retention is the only path that deletes events. The default policy keeps
// everything; the TTL policy removes events older than a cutoff in batches,
// optionally archiving each batch to object storage first.
package retention

import (
	"context"

	"go.uber.org/zap"
)

// Result summarizes one policy run.
type Result struct {
	Batches  int   `json:"batches"`
	Archived int64 `json:"archived"`
	Deleted  int64 `json:"deleted"`
}

// Policy decides which events to remove and removes them.
type Policy interface {
	// Name identifies the policy in logs and metrics.
	Name() string

	// Apply runs the policy once.
	Apply(ctx context.Context) (Result, error)
}

// NonePolicy keeps every event forever.
type NonePolicy struct{}

// NewNonePolicy returns the keep-everything policy. The unbounded growth it
// implies is logged once so operators see it at startup.
func NewNonePolicy(logger *zap.Logger) *NonePolicy {
	if logger != nil {
		logger.Warn("retention policy is none: the events table grows without bound and every query scans it",
			zap.String("policy", "none"))
	}
	return &NonePolicy{}
}

// Name returns "none".
func (NonePolicy) Name() string { return "none" }

// Apply does nothing.
func (NonePolicy) Apply(context.Context) (Result, error) { return Result{}, nil }
