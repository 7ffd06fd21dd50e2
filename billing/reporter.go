package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hoplink/hoplink/catalog"
	"github.com/hoplink/hoplink/telemetry"
)

const (
	defaultIncludedClicks    = 2_000_000
	defaultOverageUnitClicks = 100_000
	defaultOverageUnitPrice  = 100
)

type (
	// WorkspaceLister is the slice of the catalog the reporter scans.
	// catalog.Store implements it.
	WorkspaceLister interface {
		ListProWorkspaces(ctx context.Context) ([]*catalog.Workspace, error)
	}

	// Reporter closes out ended pro billing periods: it reads the live
	// counter, prices the overage, files an invoice item when there is one
	// and records the period. Per-workspace failures are logged and the scan
	// continues; the next run retries anything unrecorded.
	Reporter struct {
		workspaces WorkspaceLister
		usage      UsageStore
		pro        ProUsageReader
		invoicer   Invoicer
		included   int64
		unitClicks int64
		unitPrice  int64
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		now        func() time.Time
	}

	// ReporterOptions configures a Reporter.
	ReporterOptions struct {
		// Workspaces lists pro workspaces. Required.
		Workspaces WorkspaceLister
		// Usage is the usage period store. Required.
		Usage UsageStore
		// Pro reads live pro counters. Required.
		Pro ProUsageReader
		// Invoicer files overage charges. Required.
		Invoicer Invoicer
		// IncludedClicks is the pro allotment per period. Defaults to 2,000,000.
		IncludedClicks int64
		// OverageUnitClicks is the billing unit size. Defaults to 100,000.
		OverageUnitClicks int64
		// OverageUnitPrice is the price per unit in the smallest currency
		// unit. Defaults to 100.
		OverageUnitPrice int64
		// Logger is optional.
		Logger telemetry.Logger
		// Metrics is optional.
		Metrics telemetry.Metrics
		// Now overrides the clock, for tests.
		Now func() time.Time
	}
)

// NewReporter creates a billing reporter.
func NewReporter(opts ReporterOptions) (*Reporter, error) {
	if opts.Workspaces == nil {
		return nil, fmt.Errorf("workspace lister is required")
	}
	if opts.Usage == nil {
		return nil, fmt.Errorf("usage store is required")
	}
	if opts.Pro == nil {
		return nil, fmt.Errorf("pro usage reader is required")
	}
	if opts.Invoicer == nil {
		return nil, fmt.Errorf("invoicer is required")
	}
	r := &Reporter{
		workspaces: opts.Workspaces,
		usage:      opts.Usage,
		pro:        opts.Pro,
		invoicer:   opts.Invoicer,
		included:   opts.IncludedClicks,
		unitClicks: opts.OverageUnitClicks,
		unitPrice:  opts.OverageUnitPrice,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
	if r.included <= 0 {
		r.included = defaultIncludedClicks
	}
	if r.unitClicks <= 0 {
		r.unitClicks = defaultOverageUnitClicks
	}
	if r.unitPrice <= 0 {
		r.unitPrice = defaultOverageUnitPrice
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

// Run scans pro workspaces and reports every period that has ended and is
// not yet recorded. It returns the number of periods recorded by this run.
func (r *Reporter) Run(ctx context.Context) (int, error) {
	wss, err := r.workspaces.ListProWorkspaces(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pro workspaces: %w", err)
	}
	now := r.now().UTC()

	var reported int
	for _, ws := range wss {
		if ws.PeriodStart == nil || ws.PeriodEnd == nil {
			continue
		}
		if ws.PeriodEnd.After(now) {
			continue
		}
		ok, err := r.report(ctx, ws.ID, *ws.PeriodStart, *ws.PeriodEnd, now)
		if err != nil {
			r.metrics.IncCounter("billing.report.failed", 1)
			r.logger.Error(ctx, "usage report failed",
				"err", err, "workspace_id", ws.ID, "period", periodString(*ws.PeriodStart, *ws.PeriodEnd))
			continue
		}
		if ok {
			reported++
		}
	}
	if reported > 0 {
		r.logger.Info(ctx, "reported usage periods", "count", reported)
	}
	return reported, nil
}

// report handles one ended period. It returns false when the period was
// already recorded.
func (r *Reporter) report(ctx context.Context, workspaceID string, start, end, now time.Time) (bool, error) {
	switch _, err := r.usage.Find(ctx, workspaceID, start, end); {
	case err == nil:
		return false, nil
	case !errors.Is(err, ErrNotFound):
		return false, fmt.Errorf("find usage period: %w", err)
	}

	live, err := r.pro.ProUsage(ctx, workspaceID)
	if err != nil {
		return false, fmt.Errorf("read pro usage: %w", err)
	}

	total := live.Tracked
	var units, amount int64
	if over := total - r.included; over > 0 {
		units = (over + r.unitClicks - 1) / r.unitClicks
		amount = units * r.unitPrice
	}

	var invoiceItemID string
	if amount > 0 {
		invoiceItemID, err = r.invoicer.CreateInvoiceItem(ctx, InvoiceItem{
			WorkspaceID: workspaceID,
			PeriodStart: start,
			PeriodEnd:   end,
			Units:       units,
			UnitPrice:   r.unitPrice,
			Amount:      amount,
			Description: fmt.Sprintf("click overage %s", periodString(start, end)),
		})
		if err != nil {
			// Nothing recorded: the next run retries the whole period.
			return false, fmt.Errorf("create invoice item: %w", err)
		}
	}

	err = r.usage.Record(ctx, &UsagePeriod{
		WorkspaceID:    workspaceID,
		PeriodStart:    start,
		PeriodEnd:      end,
		TotalClicks:    total,
		IncludedClicks: r.included,
		OverageUnits:   units,
		OverageAmount:  amount,
		InvoiceItemID:  invoiceItemID,
		ReportedAt:     now,
	})
	if errors.Is(err, ErrConflict) {
		// Another reporter instance won the race; their row stands.
		r.logger.Debug(ctx, "usage period recorded concurrently",
			"workspace_id", workspaceID, "period", periodString(start, end))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record usage period: %w", err)
	}

	r.metrics.IncCounter("billing.periods.reported", 1)
	if amount > 0 {
		r.metrics.IncCounter("billing.overage.amount", float64(amount))
	}
	return true, nil
}
