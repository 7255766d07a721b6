package retention

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/sitepulse/sitepulse/internal/errors"
	"github.com/sitepulse/sitepulse/internal/observability"
	"github.com/sitepulse/sitepulse/internal/store"
)

// DefaultBatchSize is used when TTLConfig.BatchSize is unset.
const DefaultBatchSize = 1000

// TTLConfig configures the TTL policy.
type TTLConfig struct {
	// TTL is the age after which events are removed
	TTL time.Duration

	// BatchSize is the number of events scanned, archived and deleted per step
	BatchSize int
}

// TTLPolicy removes events older than the TTL, oldest first.
type TTLPolicy struct {
	config   TTLConfig
	retainer store.Retainer
	archiver *Archiver
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewTTLPolicy creates a TTL policy. archiver may be nil to delete without
// archiving.
func NewTTLPolicy(config TTLConfig, retainer store.Retainer, archiver *Archiver, metrics *observability.Metrics, logger *zap.Logger) (*TTLPolicy, error) {
	if config.TTL <= 0 {
		return nil, fmt.Errorf("retention: ttl must be positive, got %s", config.TTL)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TTLPolicy{
		config:   config,
		retainer: retainer,
		archiver: archiver,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Name returns "ttl".
func (p *TTLPolicy) Name() string { return "ttl" }

// Apply removes every event older than now-TTL. Each batch is archived
// before it is deleted; a failed archive stops the run and leaves the batch
// in place.
func (p *TTLPolicy) Apply(ctx context.Context) (Result, error) {
	var result Result
	cutoff := p.now().Add(-p.config.TTL)

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		batch, err := p.retainer.ScanBefore(ctx, cutoff, p.config.BatchSize)
		if err != nil {
			return result, err
		}
		if len(batch) == 0 {
			return result, nil
		}

		if p.archiver != nil {
			keys, err := p.archiver.Archive(ctx, batch)
			if err != nil {
				return result, apperrors.NewStorageError(apperrors.CodeArchiveFailed, "failed to archive expired events", err)
			}
			result.Archived += int64(len(batch))
			if p.metrics != nil {
				p.metrics.RetentionArchived.Add(float64(len(batch)))
			}
			p.logger.Debug("archived expired events",
				zap.Int("count", len(batch)),
				zap.Strings("keys", keys))
		}

		ids := make([]int64, len(batch))
		for i, e := range batch {
			ids[i] = e.ID
		}
		deleted, err := p.retainer.DeleteBatch(ctx, cutoff, ids)
		if err != nil {
			return result, err
		}
		result.Deleted += deleted
		result.Batches++
		if p.metrics != nil {
			p.metrics.RetentionDeleted.Add(float64(deleted))
		}

		if len(batch) < p.config.BatchSize {
			return result, nil
		}
	}
}
