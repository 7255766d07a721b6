package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitepulse/sitepulse/internal/observability"
)

// Daemon runs a retention policy periodically.
type Daemon struct {
	policy   Policy
	interval time.Duration
	metrics  *observability.Metrics
	logger   *zap.Logger

	// runMu serializes runs so a manual trigger never overlaps a tick
	runMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDaemon creates a new retention daemon.
func NewDaemon(policy Policy, interval time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Daemon {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Daemon{
		policy:   policy,
		interval: interval,
		metrics:  metrics,
		logger:   logger,
	}
}

// Policy returns the policy the daemon runs.
func (d *Daemon) Policy() Policy {
	return d.policy
}

// Start begins the retention loop. It runs until the context is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("retention: daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop gracefully stops the retention daemon.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	d.cancel()
	<-d.done
	d.running = false
	return nil
}

// run is the main retention loop.
func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	// Run immediately on start
	d.RunOnce(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce applies the policy once and records the outcome.
func (d *Daemon) RunOnce(ctx context.Context) (Result, error) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	start := time.Now()
	result, err := d.policy.Apply(ctx)

	outcome := "success"
	if err != nil {
		outcome = "error"
		d.logger.Error("retention run failed",
			zap.String("policy", d.policy.Name()),
			zap.Int64("deleted", result.Deleted),
			zap.Error(err))
	} else if result.Deleted > 0 {
		d.logger.Info("retention run completed",
			zap.String("policy", d.policy.Name()),
			zap.Int("batches", result.Batches),
			zap.Int64("archived", result.Archived),
			zap.Int64("deleted", result.Deleted),
			zap.Duration("elapsed", time.Since(start)))
	}

	if d.metrics != nil {
		d.metrics.RetentionRuns.WithLabelValues(d.policy.Name(), outcome).Inc()
	}
	return result, err
}
