package billing_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoplink/hoplink/billing"
	billingmem "github.com/hoplink/hoplink/billing/memory"
	"github.com/hoplink/hoplink/catalog"
	catalogmem "github.com/hoplink/hoplink/catalog/memory"
	"github.com/hoplink/hoplink/counter"
	countermem "github.com/hoplink/hoplink/counter/memory"
)

var reportNow = time.Date(2026, 4, 1, 4, 0, 0, 0, time.UTC)

type captureInvoicer struct {
	mu    sync.Mutex
	err   error
	items []billing.InvoiceItem
}

func (c *captureInvoicer) CreateInvoiceItem(_ context.Context, item billing.InvoiceItem) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	c.items = append(c.items, item)
	return fmt.Sprintf("ii_%d", len(c.items)), nil
}

func (c *captureInvoicer) all() []billing.InvoiceItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]billing.InvoiceItem(nil), c.items...)
}

type reporterFixture struct {
	catalog      catalog.Store
	usage        *billingmem.Store
	counter      *counter.Counter
	counterStore *countermem.Store
	invoicer     *captureInvoicer
	reporter     *billing.Reporter
}

// seedProWorkspace creates a pro workspace whose counter tracked clicks
// during the given period. The tracked total is written straight into the
// counter state.
func seedProWorkspace(t *testing.T, fx *reporterFixture, id string, start, end time.Time, clicks int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, fx.catalog.CreateWorkspace(ctx, &catalog.Workspace{
		ID:            id,
		Plan:          catalog.PlanPro,
		PeriodStart:   &start,
		PeriodEnd:     &end,
		BillingStatus: catalog.BillingActive,
	}))
	_, err := fx.counter.SetProPeriod(ctx, id, &start, &end)
	require.NoError(t, err)
	if clicks > 0 {
		st, err := fx.counterStore.Load(ctx, id)
		require.NoError(t, err)
		st.ProTracked = clicks
		require.NoError(t, fx.counterStore.Save(ctx, st))
	}
}

func newReporterFixture(t *testing.T) *reporterFixture {
	t.Helper()
	fx := &reporterFixture{
		catalog:      catalogmem.New(),
		usage:        billingmem.New(),
		counterStore: countermem.New(),
		invoicer:     &captureInvoicer{},
	}
	cnt, err := counter.New(counter.Options{Store: fx.counterStore})
	require.NoError(t, err)
	fx.counter = cnt

	rep, err := billing.NewReporter(billing.ReporterOptions{
		Workspaces: fx.catalog,
		Usage:      fx.usage,
		Pro:        fx.counter,
		Invoicer:   fx.invoicer,
		Now:        func() time.Time { return reportNow },
	})
	require.NoError(t, err)
	fx.reporter = rep
	return fx
}

func TestReporterOverage(t *testing.T) {
	fx := newReporterFixture(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := reportNow.Add(-time.Hour)
	seedProWorkspace(t, fx, "W1", start, end, 2_150_000)

	reported, err := fx.reporter.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reported)

	items := fx.invoicer.all()
	require.Len(t, items, 1)
	assert.Equal(t, int64(2), items[0].Units)
	assert.Equal(t, int64(100), items[0].UnitPrice)
	assert.Equal(t, int64(200), items[0].Amount)

	row, err := fx.usage.Find(ctx, "W1", start, end)
	require.NoError(t, err)
	assert.Equal(t, int64(2_150_000), row.TotalClicks)
	assert.Equal(t, int64(2_000_000), row.IncludedClicks)
	assert.Equal(t, int64(2), row.OverageUnits)
	assert.Equal(t, int64(200), row.OverageAmount)
	assert.Equal(t, "ii_1", row.InvoiceItemID)
	assert.True(t, row.ReportedAt.Equal(reportNow))

	// Re-running reports nothing new and files no second invoice item.
	reported, err = fx.reporter.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, reported)
	assert.Len(t, fx.invoicer.all(), 1)
}

func TestReporterNoOverageStillRecords(t *testing.T) {
	fx := newReporterFixture(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := reportNow.Add(-time.Hour)
	seedProWorkspace(t, fx, "W1", start, end, 1_500_000)

	reported, err := fx.reporter.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reported)
	assert.Empty(t, fx.invoicer.all())

	row, err := fx.usage.Find(ctx, "W1", start, end)
	require.NoError(t, err)
	assert.Zero(t, row.OverageUnits)
	assert.Zero(t, row.OverageAmount)
	assert.Empty(t, row.InvoiceItemID)
}

// One click over the allotment already costs a full unit.
func TestReporterRoundsOverageUp(t *testing.T) {
	fx := newReporterFixture(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := reportNow.Add(-time.Hour)
	seedProWorkspace(t, fx, "W1", start, end, 2_000_001)

	_, err := fx.reporter.Run(ctx)
	require.NoError(t, err)

	items := fx.invoicer.all()
	require.Len(t, items, 1)
	assert.Equal(t, int64(1), items[0].Units)
	assert.Equal(t, int64(100), items[0].Amount)
}

func TestReporterSkipsOpenAndUnknownPeriods(t *testing.T) {
	fx := newReporterFixture(t)
	ctx := context.Background()

	// Period still running.
	start := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	end := reportNow.Add(24 * time.Hour)
	seedProWorkspace(t, fx, "open", start, end, 3_000_000)

	// Pro workspace the billing collaborator never reported a period for.
	require.NoError(t, fx.catalog.CreateWorkspace(ctx, &catalog.Workspace{
		ID:   "no-period",
		Plan: catalog.PlanPro,
	}))

	// Free workspaces are not scanned at all.
	require.NoError(t, fx.catalog.CreateWorkspace(ctx, &catalog.Workspace{
		ID:   "free",
		Plan: catalog.PlanFree,
	}))

	reported, err := fx.reporter.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, reported)
	assert.Empty(t, fx.invoicer.all())
}

// A failed invoice call must leave no row behind so the next run retries.
func TestReporterRetriesAfterInvoiceFailure(t *testing.T) {
	fx := newReporterFixture(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := reportNow.Add(-time.Hour)
	seedProWorkspace(t, fx, "W1", start, end, 2_150_000)

	fx.invoicer.err = fmt.Errorf("billing provider 503")
	reported, err := fx.reporter.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, reported)
	_, err = fx.usage.Find(ctx, "W1", start, end)
	assert.ErrorIs(t, err, billing.ErrNotFound)

	fx.invoicer.err = nil
	reported, err = fx.reporter.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reported)
	assert.Len(t, fx.invoicer.all(), 1)
}

// racingStore simulates another reporter instance recording the period
// between this instance's Find and Record.
type racingStore struct {
	*billingmem.Store
}

func (r *racingStore) Find(context.Context, string, time.Time, time.Time) (*billing.UsagePeriod, error) {
	return nil, billing.ErrNotFound
}

func (r *racingStore) Record(context.Context, *billing.UsagePeriod) error {
	return billing.ErrConflict
}

func TestReporterRecordConflictIsBenign(t *testing.T) {
	fx := newReporterFixture(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := reportNow.Add(-time.Hour)
	seedProWorkspace(t, fx, "W1", start, end, 100)

	rep, err := billing.NewReporter(billing.ReporterOptions{
		Workspaces: fx.catalog,
		Usage:      &racingStore{Store: fx.usage},
		Pro:        fx.counter,
		Invoicer:   fx.invoicer,
		Now:        func() time.Time { return reportNow },
	})
	require.NoError(t, err)

	reported, err := rep.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, reported)
}

type failingLister struct{}

func (failingLister) ListProWorkspaces(context.Context) ([]*catalog.Workspace, error) {
	return nil, errors.New("catalog down")
}

func TestReporterPropagatesListFailure(t *testing.T) {
	fx := newReporterFixture(t)
	rep, err := billing.NewReporter(billing.ReporterOptions{
		Workspaces: failingLister{},
		Usage:      fx.usage,
		Pro:        fx.counter,
		Invoicer:   fx.invoicer,
	})
	require.NoError(t, err)

	_, err = rep.Run(context.Background())
	assert.ErrorContains(t, err, "catalog down")
}

func TestNewReporterValidation(t *testing.T) {
	fx := newReporterFixture(t)
	_, err := billing.NewReporter(billing.ReporterOptions{Usage: fx.usage, Pro: fx.counter, Invoicer: fx.invoicer})
	assert.Error(t, err)
	_, err = billing.NewReporter(billing.ReporterOptions{Workspaces: fx.catalog, Pro: fx.counter, Invoicer: fx.invoicer})
	assert.Error(t, err)
	_, err = billing.NewReporter(billing.ReporterOptions{Workspaces: fx.catalog, Usage: fx.usage, Invoicer: fx.invoicer})
	assert.Error(t, err)
	_, err = billing.NewReporter(billing.ReporterOptions{Workspaces: fx.catalog, Usage: fx.usage, Pro: fx.counter})
	assert.Error(t, err)
}
