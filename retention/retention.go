// Package retention prunes the raw click log past its physical horizon.
// Rollups keep the history analytics serve from, so the job never touches
// them; deleting a raw row has no effect on any report.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/hoplink/hoplink/clicklog"
	"github.com/hoplink/hoplink/telemetry"
)

const (
	defaultRetentionDays = 30
	defaultBatchSize     = 5000
)

type (
	// Job deletes raw clicks older than the retention horizon in bounded
	// batches so a large backlog cannot hold a long-running delete open.
	Job struct {
		clicks    clicklog.Store
		days      int
		batchSize int
		logger    telemetry.Logger
		metrics   telemetry.Metrics
	}

	// JobOptions configures a retention Job.
	JobOptions struct {
		// Clicks is the raw click store to prune. Required.
		Clicks clicklog.Store
		// RetentionDays is the horizon in days. Defaults to 30.
		RetentionDays int
		// BatchSize bounds each delete round. Defaults to 5000.
		BatchSize int
		// Logger is optional.
		Logger telemetry.Logger
		// Metrics is optional.
		Metrics telemetry.Metrics
	}
)

// NewJob creates a retention job.
func NewJob(opts JobOptions) (*Job, error) {
	if opts.Clicks == nil {
		return nil, fmt.Errorf("click store is required")
	}
	j := &Job{
		clicks:    opts.Clicks,
		days:      opts.RetentionDays,
		batchSize: opts.BatchSize,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
	if j.days <= 0 {
		j.days = defaultRetentionDays
	}
	if j.batchSize <= 0 {
		j.batchSize = defaultBatchSize
	}
	if j.logger == nil {
		j.logger = telemetry.NewNoopLogger()
	}
	if j.metrics == nil {
		j.metrics = telemetry.NewNoopMetrics()
	}
	return j, nil
}

// Run deletes every raw click older than now minus the horizon. It loops in
// batches until a round deletes fewer rows than the batch size and returns
// the total. Re-running with the same now is a no-op.
func (j *Job) Run(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.UTC().AddDate(0, 0, -j.days)

	var total int64
	for {
		deleted, err := j.clicks.DeleteBefore(ctx, cutoff, j.batchSize)
		if err != nil {
			return total, fmt.Errorf("delete raw clicks before %s: %w", cutoff.Format(time.RFC3339), err)
		}
		total += deleted
		if deleted < int64(j.batchSize) {
			break
		}
	}

	if total > 0 {
		j.metrics.IncCounter("retention.deleted", float64(total))
		j.logger.Info(ctx, "pruned raw clicks",
			"deleted", total, "cutoff", cutoff.Format(time.RFC3339))
	}
	return total, nil
}
