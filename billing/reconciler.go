package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/hoplink/hoplink/telemetry"
)

const (
	defaultTolerance = 1000
	defaultLookback  = 7 * 24 * time.Hour
)

type (
	// Reconciler cross-checks recently reported usage periods against the
	// live pro counters. Drift beyond the tolerance is logged and counted as
	// BILLING_MISMATCH; the job never corrects anything, humans do.
	Reconciler struct {
		usage     UsageStore
		pro       ProUsageReader
		tolerance int64
		lookback  time.Duration
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		now       func() time.Time
	}

	// ReconcilerOptions configures a Reconciler.
	ReconcilerOptions struct {
		// Usage is the usage period store. Required.
		Usage UsageStore
		// Pro reads live pro counters. Required.
		Pro ProUsageReader
		// Tolerance is the allowed click drift, absorbing clicks that landed
		// while the report ran. Defaults to 1000.
		Tolerance int64
		// Lookback bounds how far back reported rows are checked. Defaults
		// to 7 days.
		Lookback time.Duration
		// Logger is optional.
		Logger telemetry.Logger
		// Metrics is optional.
		Metrics telemetry.Metrics
		// Now overrides the clock, for tests.
		Now func() time.Time
	}
)

// NewReconciler creates a billing reconciler.
func NewReconciler(opts ReconcilerOptions) (*Reconciler, error) {
	if opts.Usage == nil {
		return nil, fmt.Errorf("usage store is required")
	}
	if opts.Pro == nil {
		return nil, fmt.Errorf("pro usage reader is required")
	}
	r := &Reconciler{
		usage:     opts.Usage,
		pro:       opts.Pro,
		tolerance: opts.Tolerance,
		lookback:  opts.Lookback,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
	if r.tolerance <= 0 {
		r.tolerance = defaultTolerance
	}
	if r.lookback <= 0 {
		r.lookback = defaultLookback
	}
	if r.logger == nil {
		r.logger = telemetry.NewNoopLogger()
	}
	if r.metrics == nil {
		r.metrics = telemetry.NewNoopMetrics()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// Run checks every usage period reported within the lookback window and
// returns the number of mismatches found. Rows whose counter has already
// moved to a different period are skipped: the live value no longer speaks
// for the reported one.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	since := r.now().UTC().Add(-r.lookback)
	rows, err := r.usage.ReportedSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("list reported usage periods: %w", err)
	}

	var mismatches int
	for _, row := range rows {
		live, err := r.pro.ProUsage(ctx, row.WorkspaceID)
		if err != nil {
			r.logger.Error(ctx, "pro usage read failed",
				"err", err, "workspace_id", row.WorkspaceID)
			continue
		}
		if !samePeriod(live.PeriodStart, live.PeriodEnd, row.PeriodStart, row.PeriodEnd) {
			continue
		}
		drift := row.TotalClicks - live.Tracked
		if drift < 0 {
			drift = -drift
		}
		if drift <= r.tolerance {
			continue
		}
		mismatches++
		r.metrics.IncCounter("billing.mismatches", 1)
		r.logger.Error(ctx, "BILLING_MISMATCH",
			"workspace_id", row.WorkspaceID,
			"period", periodString(row.PeriodStart, row.PeriodEnd),
			"reported", row.TotalClicks,
			"live", live.Tracked,
			"drift", drift,
			"tolerance", r.tolerance,
		)
	}
	return mismatches, nil
}

func samePeriod(liveStart, liveEnd *time.Time, start, end time.Time) bool {
	return liveStart != nil && liveEnd != nil &&
		liveStart.Equal(start) && liveEnd.Equal(end)
}
