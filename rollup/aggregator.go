package rollup

import (
	"context"
	"fmt"
	"time"

	"github.com/hoplink/hoplink/clicklog"
	"github.com/hoplink/hoplink/telemetry"
)

const defaultBatchSize = 1000

type (
	// Aggregator drains the raw click log into the rollup store. One Run
	// processes batches of ascending timestamps strictly greater than the
	// persisted high-water mark until a short batch signals the log is
	// drained. Because each batch commits atomically with its mark advance,
	// a crash at any point replays at most one batch and replays never
	// double-count.
	Aggregator struct {
		clicks    clicklog.Store
		rollups   Store
		batchSize int
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		tracer    telemetry.Tracer
	}

	// AggregatorOptions configures an Aggregator.
	AggregatorOptions struct {
		// Clicks is the raw click log to drain. Required.
		Clicks clicklog.Store
		// Rollups is the destination store. Required.
		Rollups Store
		// BatchSize bounds rows per batch. Defaults to 1000.
		BatchSize int
		// Logger for batch progress. Defaults to no-op.
		Logger telemetry.Logger
		// Metrics for aggregation counters. Defaults to no-op.
		Metrics telemetry.Metrics
		// Tracer for per-run spans. Defaults to no-op.
		Tracer telemetry.Tracer
	}
)

// NewAggregator creates an aggregator.
func NewAggregator(opts AggregatorOptions) (*Aggregator, error) {
	if opts.Clicks == nil {
		return nil, fmt.Errorf("click store is required")
	}
	if opts.Rollups == nil {
		return nil, fmt.Errorf("rollup store is required")
	}
	a := &Aggregator{
		clicks:    opts.Clicks,
		rollups:   opts.Rollups,
		batchSize: opts.BatchSize,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
	}
	if a.batchSize <= 0 {
		a.batchSize = defaultBatchSize
	}
	if a.logger == nil {
		a.logger = telemetry.NewNoopLogger()
	}
	if a.metrics == nil {
		a.metrics = telemetry.NewNoopMetrics()
	}
	if a.tracer == nil {
		a.tracer = telemetry.NewNoopTracer()
	}
	return a, nil
}

// Run drains pending raw clicks into rollups. It returns once the log is
// drained or on the first error; the next run resumes from the persisted mark
// either way.
func (a *Aggregator) Run(ctx context.Context) error {
	ctx, span := a.tracer.Start(ctx, "rollup.aggregate")
	defer span.End()

	var batches, rows int
	for {
		mark, err := a.rollups.HighWaterMark(ctx)
		if err != nil {
			return fmt.Errorf("read high-water mark: %w", err)
		}
		batch, err := a.clicks.ListAfter(ctx, mark, a.batchSize)
		if err != nil {
			return fmt.Errorf("list raw clicks after %s: %w", mark.Format(time.RFC3339Nano), err)
		}
		if len(batch) == 0 {
			break
		}
		if err := a.rollups.ApplyBatch(ctx, buildBatch(batch)); err != nil {
			return fmt.Errorf("apply rollup batch: %w", err)
		}
		batches++
		rows += len(batch)
		a.metrics.IncCounter("aggregate.clicks", float64(len(batch)))
		if len(batch) < a.batchSize {
			break
		}
	}
	if rows > 0 {
		a.logger.Info(ctx, "aggregated raw clicks", "batches", batches, "clicks", rows)
	}
	return nil
}

// buildBatch groups one list of raw clicks into the five delta maps, keyed on
// the UTC date of each click, with the batch maximum timestamp as the new
// mark. ListAfter returns ascending timestamps so the maximum is the last row.
func buildBatch(clicks []clicklog.RawClick) Batch {
	b := Batch{
		Workspace: make(map[WorkspaceKey]int64),
		Link:      make(map[LinkKey]int64),
		Referrer:  make(map[ReferrerKey]int64),
		Country:   make(map[CountryKey]int64),
		Device:    make(map[DeviceKey]int64),
		NewMark:   clicks[len(clicks)-1].Timestamp,
	}
	for _, c := range clicks {
		date := DateOf(c.Timestamp)
		b.Workspace[WorkspaceKey{WorkspaceID: c.WorkspaceID, Date: date}]++
		b.Link[LinkKey{WorkspaceID: c.WorkspaceID, LinkID: c.LinkID, Date: date}]++
		b.Referrer[ReferrerKey{WorkspaceID: c.WorkspaceID, Date: date, Referrer: NormalizeReferrer(c.Referrer)}]++
		b.Country[CountryKey{WorkspaceID: c.WorkspaceID, Date: date, Country: bucketOrUnknown(c.Country)}]++
		b.Device[DeviceKey{WorkspaceID: c.WorkspaceID, Date: date, Device: bucketOrUnknown(c.DeviceClass)}]++
	}
	return b
}

func bucketOrUnknown(v string) string {
	if v == "" {
		return Unknown
	}
	return v
}
