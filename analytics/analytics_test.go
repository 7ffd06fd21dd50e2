package analytics_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoplink/hoplink/analytics"
	"github.com/hoplink/hoplink/apitypes"
	"github.com/hoplink/hoplink/catalog"
	catalogmem "github.com/hoplink/hoplink/catalog/memory"
	"github.com/hoplink/hoplink/rollup"
	rollupmem "github.com/hoplink/hoplink/rollup/memory"
)

var analyticsNow = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

// readCountingStore fails validation-order tests when a read slips through.
type readCountingStore struct {
	rollup.Store
	reads int
}

func (s *readCountingStore) WorkspaceTotal(ctx context.Context, ws, from, to string) (int64, error) {
	s.reads++
	return s.Store.WorkspaceTotal(ctx, ws, from, to)
}

func (s *readCountingStore) DailyTrend(ctx context.Context, ws, from, to string) ([]rollup.DayCount, error) {
	s.reads++
	return s.Store.DailyTrend(ctx, ws, from, to)
}

func (s *readCountingStore) TopLinks(ctx context.Context, ws, from, to string, limit int) ([]rollup.KeyCount, error) {
	s.reads++
	return s.Store.TopLinks(ctx, ws, from, to, limit)
}

func (s *readCountingStore) TopReferrers(ctx context.Context, ws, from, to string, limit int) ([]rollup.KeyCount, error) {
	s.reads++
	return s.Store.TopReferrers(ctx, ws, from, to, limit)
}

func (s *readCountingStore) TopCountries(ctx context.Context, ws, from, to string, limit int) ([]rollup.KeyCount, error) {
	s.reads++
	return s.Store.TopCountries(ctx, ws, from, to, limit)
}

func (s *readCountingStore) Devices(ctx context.Context, ws, from, to string) ([]rollup.KeyCount, error) {
	s.reads++
	return s.Store.Devices(ctx, ws, from, to)
}

type fixture struct {
	store   *readCountingStore
	catalog catalog.Store
	svc     *analytics.Service
}

// seed puts clicks for workspace W1 on three dates: 40 on the query day, 10
// two days before, 5 sixty days before (outside every short window).
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := rollupmem.New()

	day := rollup.DateOf(analyticsNow)
	dayMinus2 := rollup.DateOf(analyticsNow.AddDate(0, 0, -2))
	dayMinus60 := rollup.DateOf(analyticsNow.AddDate(0, 0, -60))

	require.NoError(t, mem.ApplyBatch(ctx, rollup.Batch{
		Workspace: map[rollup.WorkspaceKey]int64{
			{WorkspaceID: "W1", Date: day}:        40,
			{WorkspaceID: "W1", Date: dayMinus2}:  10,
			{WorkspaceID: "W1", Date: dayMinus60}: 5,
			{WorkspaceID: "W2", Date: day}:        100,
		},
		Link: map[rollup.LinkKey]int64{
			{WorkspaceID: "W1", LinkID: "lnk1", Date: day}:        30,
			{WorkspaceID: "W1", LinkID: "lnk2", Date: day}:        10,
			{WorkspaceID: "W1", LinkID: "ghost", Date: dayMinus2}: 10,
		},
		Referrer: map[rollup.ReferrerKey]int64{
			{WorkspaceID: "W1", Date: day, Referrer: "news.site"}:    25,
			{WorkspaceID: "W1", Date: day, Referrer: rollup.Direct}:  15,
			{WorkspaceID: "W1", Date: dayMinus2, Referrer: "b.test"}: 10,
		},
		Country: map[rollup.CountryKey]int64{
			{WorkspaceID: "W1", Date: day, Country: "DE"}:           30,
			{WorkspaceID: "W1", Date: day, Country: rollup.Unknown}: 10,
			{WorkspaceID: "W1", Date: dayMinus2, Country: "FR"}:     10,
		},
		Device: map[rollup.DeviceKey]int64{
			{WorkspaceID: "W1", Date: day, Device: "mobile"}:  35,
			{WorkspaceID: "W1", Date: day, Device: "desktop"}: 5,
		},
		NewMark: analyticsNow,
	}))

	cat := catalogmem.New()
	require.NoError(t, cat.CreateWorkspace(ctx, &catalog.Workspace{ID: "W1", Plan: catalog.PlanFree}))
	require.NoError(t, cat.CreateDomain(ctx, &catalog.Domain{
		ID: "dom1", WorkspaceID: "W1", Hostname: "example.test", Status: catalog.DomainVerified,
	}))
	require.NoError(t, cat.CreateLink(ctx, &catalog.Link{
		ID: "lnk1", WorkspaceID: "W1", DomainID: "dom1", Slug: "promo",
		DestinationURL: "https://dest.example/promo", Status: catalog.LinkActive,
	}))
	require.NoError(t, cat.CreateLink(ctx, &catalog.Link{
		ID: "lnk2", WorkspaceID: "W1", DomainID: "dom1", Slug: "launch",
		DestinationURL: "https://dest.example/launch", Status: catalog.LinkPaused,
	}))

	store := &readCountingStore{Store: mem}
	svc, err := analytics.NewService(analytics.ServiceOptions{
		Rollups: store,
		Links:   cat,
		Now:     func() time.Time { return analyticsNow },
	})
	require.NoError(t, err)
	return &fixture{store: store, catalog: cat, svc: svc}
}

func TestOverviewTotalsAndTrend(t *testing.T) {
	fx := newFixture(t)

	ov, err := fx.svc.Overview(context.Background(), "W1", catalog.PlanFree, "7d")
	require.NoError(t, err)
	assert.Equal(t, int64(50), ov.TotalClicks)

	// Trend spans the last 30 days whatever the requested range.
	require.Len(t, ov.DailyTrend, 2)
	assert.Equal(t, rollup.DateOf(analyticsNow.AddDate(0, 0, -2)), ov.DailyTrend[0].Date)
	assert.Equal(t, int64(10), ov.DailyTrend[0].TotalClicks)
	assert.Equal(t, rollup.DateOf(analyticsNow), ov.DailyTrend[1].Date)
	assert.Equal(t, int64(40), ov.DailyTrend[1].TotalClicks)
}

func TestOverviewRangeWidens(t *testing.T) {
	fx := newFixture(t)

	// The 60-day-old bucket needs a pro-length window.
	ov, err := fx.svc.Overview(context.Background(), "W1", catalog.PlanPro, "90d")
	require.NoError(t, err)
	assert.Equal(t, int64(55), ov.TotalClicks)

	ov, err = fx.svc.Overview(context.Background(), "W1", catalog.PlanPro, "all")
	require.NoError(t, err)
	assert.Equal(t, int64(55), ov.TotalClicks)
}

func TestRangeCeilingRejectedBeforeAnyRead(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	for _, token := range []string{"90d", "all"} {
		_, err := fx.svc.Overview(ctx, "W1", catalog.PlanFree, token)
		require.Error(t, err, "token %s", token)
		var apiErr *apitypes.Error
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, apitypes.CodeValidation, apiErr.Code)
	}
	_, err := fx.svc.Links(ctx, "W1", catalog.PlanFree, "all")
	require.Error(t, err)
	_, err = fx.svc.Devices(ctx, "W1", catalog.PlanFree, "90d")
	require.Error(t, err)

	assert.Zero(t, fx.store.reads, "a ceiling violation must not touch the rollup store")
}

func TestUnknownRangeToken(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.svc.Overview(context.Background(), "W1", catalog.PlanPro, "14d")
	var apiErr *apitypes.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, apitypes.CodeValidation, apiErr.Code)
	assert.Zero(t, fx.store.reads)
}

func TestDefaultRangeIsSevenDays(t *testing.T) {
	fx := newFixture(t)

	ov, err := fx.svc.Overview(context.Background(), "W1", catalog.PlanFree, "")
	require.NoError(t, err)
	assert.Equal(t, int64(50), ov.TotalClicks)
}

func TestLinksJoinWithCatalog(t *testing.T) {
	fx := newFixture(t)

	stats, err := fx.svc.Links(context.Background(), "W1", catalog.PlanFree, "7d")
	require.NoError(t, err)
	require.Len(t, stats, 3)

	// Clicks descending, ties broken by ID ascending: ghost sorts before lnk2.
	assert.Equal(t, analytics.LinkStat{
		ID: "lnk1", Slug: "promo", DestinationURL: "https://dest.example/promo", TotalClicks: 30,
	}, stats[0])
	// Links gone from the catalog keep their counts, bare.
	assert.Equal(t, analytics.LinkStat{ID: "ghost", TotalClicks: 10}, stats[1])
	// Catalog join is status-blind: paused links keep their history.
	assert.Equal(t, analytics.LinkStat{
		ID: "lnk2", Slug: "launch", DestinationURL: "https://dest.example/launch", TotalClicks: 10,
	}, stats[2])
}

func TestReferrersTopList(t *testing.T) {
	fx := newFixture(t)

	stats, err := fx.svc.Referrers(context.Background(), "W1", catalog.PlanFree, "7d")
	require.NoError(t, err)
	require.Len(t, stats, 3)
	assert.Equal(t, analytics.ReferrerStat{Referrer: "news.site", TotalClicks: 25}, stats[0])
	assert.Equal(t, analytics.ReferrerStat{Referrer: rollup.Direct, TotalClicks: 15}, stats[1])
	assert.Equal(t, analytics.ReferrerStat{Referrer: "b.test", TotalClicks: 10}, stats[2])
}

func TestCountriesAndDevices(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	countries, err := fx.svc.Countries(ctx, "W1", catalog.PlanFree, "7d")
	require.NoError(t, err)
	require.Len(t, countries, 3)
	assert.Equal(t, analytics.CountryStat{Country: "DE", TotalClicks: 30}, countries[0])

	devices, err := fx.svc.Devices(ctx, "W1", catalog.PlanFree, "7d")
	require.NoError(t, err)
	assert.Equal(t, []analytics.DeviceStat{
		{DeviceType: "mobile", TotalClicks: 35},
		{DeviceType: "desktop", TotalClicks: 5},
	}, devices)
}

func TestWorkspaceIsolation(t *testing.T) {
	fx := newFixture(t)

	ov, err := fx.svc.Overview(context.Background(), "W2", catalog.PlanFree, "7d")
	require.NoError(t, err)
	assert.Equal(t, int64(100), ov.TotalClicks)

	links, err := fx.svc.Links(context.Background(), "W2", catalog.PlanFree, "7d")
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestNewServiceValidation(t *testing.T) {
	_, err := analytics.NewService(analytics.ServiceOptions{Links: catalogmem.New()})
	assert.Error(t, err)
	_, err = analytics.NewService(analytics.ServiceOptions{Rollups: rollupmem.New()})
	assert.Error(t, err)
}
