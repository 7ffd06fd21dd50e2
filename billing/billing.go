// Package billing turns pro counter usage into invoice items. The Reporter
// closes out ended billing periods; the Reconciler cross-checks recorded
// rows against the live counters and raises mismatches without ever writing.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hoplink/hoplink/counter"
	"github.com/hoplink/hoplink/telemetry"
)

// Store errors.
var (
	// ErrConflict is returned by Record when the (workspace, period) pair is
	// already recorded.
	ErrConflict = errors.New("usage period already recorded")
	// ErrNotFound is returned by Find when no row matches.
	ErrNotFound = errors.New("usage period not found")
)

type (
	// UsagePeriod is one closed billing period for one workspace. Exactly one
	// row may exist per (workspace, period start, period end); the row is
	// written once and never updated.
	UsagePeriod struct {
		WorkspaceID    string
		PeriodStart    time.Time
		PeriodEnd      time.Time
		TotalClicks    int64
		IncludedClicks int64
		OverageUnits   int64
		OverageAmount  int64
		InvoiceItemID  string
		ReportedAt     time.Time
	}

	// UsageStore persists usage periods.
	UsageStore interface {
		// Record inserts a usage period. ErrConflict if the (workspace,
		// period start, period end) triple is already recorded.
		Record(ctx context.Context, up *UsagePeriod) error
		// Find returns the row for a (workspace, period) pair. ErrNotFound
		// if absent.
		Find(ctx context.Context, workspaceID string, periodStart, periodEnd time.Time) (*UsagePeriod, error)
		// ReportedSince returns the rows reported at or after since, oldest
		// first.
		ReportedSince(ctx context.Context, since time.Time) ([]*UsagePeriod, error)
	}

	// InvoiceItem is the overage charge handed to the billing collaborator.
	// Amount is in the smallest currency unit.
	InvoiceItem struct {
		WorkspaceID string
		PeriodStart time.Time
		PeriodEnd   time.Time
		Units       int64
		UnitPrice   int64
		Amount      int64
		Description string
	}

	// Invoicer creates invoice items with the external billing provider and
	// returns the provider's reference.
	Invoicer interface {
		CreateInvoiceItem(ctx context.Context, item InvoiceItem) (string, error)
	}

	// ProUsageReader reads the live pro counter. *counter.Counter implements
	// it.
	ProUsageReader interface {
		ProUsage(ctx context.Context, workspaceID string) (counter.ProUsage, error)
	}
)

// NoopInvoicer stands in for the billing provider in development and tests.
// It logs the item and fabricates a reference.
type NoopInvoicer struct {
	logger telemetry.Logger
}

// NewNoopInvoicer creates a NoopInvoicer. logger may be nil.
func NewNoopInvoicer(logger telemetry.Logger) *NoopInvoicer {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &NoopInvoicer{logger: logger}
}

// CreateInvoiceItem logs the would-be charge and returns a generated ID.
func (n *NoopInvoicer) CreateInvoiceItem(ctx context.Context, item InvoiceItem) (string, error) {
	id := uuid.NewString()
	n.logger.Info(ctx, "noop invoice item",
		"invoice_item_id", id,
		"workspace_id", item.WorkspaceID,
		"units", item.Units,
		"amount", item.Amount,
	)
	return id, nil
}

var _ Invoicer = (*NoopInvoicer)(nil)

func periodString(start, end time.Time) string {
	return fmt.Sprintf("%s..%s", start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
}
