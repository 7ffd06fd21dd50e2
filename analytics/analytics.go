// Package analytics serves the workspace dashboard reads. Every number comes
// from the rollup tables; the raw click log and the usage counter are never
// consulted, so a query is a handful of small indexed scans regardless of
// traffic volume.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/hoplink/hoplink/apitypes"
	"github.com/hoplink/hoplink/catalog"
	"github.com/hoplink/hoplink/rollup"
	"github.com/hoplink/hoplink/telemetry"
)

const (
	topLinksLimit     = 100
	topReferrersLimit = 50
	topCountriesLimit = 50
	trendDays         = 30

	freeCeilingDays = 30
	proCeilingDays  = 730
)

// nominalDays maps the public range tokens to their window size. "all" spans
// the longest window any plan can see; the per-plan ceiling decides whether a
// workspace may actually use it.
var nominalDays = map[string]int{
	"7d":  7,
	"30d": 30,
	"90d": 90,
	"all": proCeilingDays,
}

type (
	// Overview is the headline card: total clicks in range plus the recent
	// daily trend.
	Overview struct {
		TotalClicks int64        `json:"total_clicks"`
		DailyTrend  []TrendPoint `json:"daily_trend"`
	}

	// TrendPoint is one day of the trend. Days without clicks are omitted.
	TrendPoint struct {
		Date        string `json:"date"`
		TotalClicks int64  `json:"total_clicks"`
	}

	// LinkStat is a link's click total joined with its catalog record. The
	// catalog fields stay empty when the link no longer exists there.
	LinkStat struct {
		ID             string `json:"id"`
		Slug           string `json:"slug"`
		DestinationURL string `json:"destination_url"`
		TotalClicks    int64  `json:"total_clicks"`
	}

	// ReferrerStat is one referrer host's click total.
	ReferrerStat struct {
		Referrer    string `json:"referrer"`
		TotalClicks int64  `json:"total_clicks"`
	}

	// CountryStat is one country's click total.
	CountryStat struct {
		Country     string `json:"country"`
		TotalClicks int64  `json:"total_clicks"`
	}

	// DeviceStat is one device class's click total.
	DeviceStat struct {
		DeviceType  string `json:"device_type"`
		TotalClicks int64  `json:"total_clicks"`
	}

	// LinkJoiner is the catalog slice used to decorate link stats.
	// catalog.Store implements it.
	LinkJoiner interface {
		LinksByIDs(ctx context.Context, ids []string) ([]*catalog.Link, error)
	}

	// Service answers dashboard queries for one workspace at a time.
	Service struct {
		rollups rollup.Store
		links   LinkJoiner
		logger  telemetry.Logger
		now     func() time.Time
	}

	// ServiceOptions configures a Service.
	ServiceOptions struct {
		// Rollups is the aggregate store reads come from. Required.
		Rollups rollup.Store
		// Links joins link stats with the catalog. Required.
		Links LinkJoiner
		// Logger is optional.
		Logger telemetry.Logger
		// Now overrides the clock, for tests.
		Now func() time.Time
	}
)

// NewService creates an analytics service.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Rollups == nil {
		return nil, fmt.Errorf("rollup store is required")
	}
	if opts.Links == nil {
		return nil, fmt.Errorf("link joiner is required")
	}
	s := &Service{
		rollups: opts.Rollups,
		links:   opts.Links,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// window resolves a range token against the plan ceiling into an inclusive
// [from, to] date pair. The ceiling check runs before any store read.
func (s *Service) window(rangeToken string, plan catalog.Plan) (from, to string, err error) {
	if rangeToken == "" {
		rangeToken = "7d"
	}
	days, ok := nominalDays[rangeToken]
	if !ok {
		return "", "", apitypes.Errorf(apitypes.CodeValidation,
			"unknown range %q, expected one of 7d, 30d, 90d, all", rangeToken)
	}
	ceiling := freeCeilingDays
	if plan == catalog.PlanPro {
		ceiling = proCeilingDays
	}
	if days > ceiling {
		return "", "", apitypes.Errorf(apitypes.CodeValidation,
			"range %s exceeds the %s plan ceiling of %d days", rangeToken, plan, ceiling)
	}
	now := s.now().UTC()
	return rollup.DateOf(now.AddDate(0, 0, -(days - 1))), rollup.DateOf(now), nil
}

// Overview returns the click total for the range plus the last-30-days trend.
func (s *Service) Overview(ctx context.Context, workspaceID string, plan catalog.Plan, rangeToken string) (*Overview, error) {
	from, to, err := s.window(rangeToken, plan)
	if err != nil {
		return nil, err
	}

	total, err := s.rollups.WorkspaceTotal(ctx, workspaceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("workspace total: %w", err)
	}
	now := s.now().UTC()
	trend, err := s.rollups.DailyTrend(ctx, workspaceID,
		rollup.DateOf(now.AddDate(0, 0, -(trendDays-1))), rollup.DateOf(now))
	if err != nil {
		return nil, fmt.Errorf("daily trend: %w", err)
	}

	points := make([]TrendPoint, len(trend))
	for i, day := range trend {
		points[i] = TrendPoint{Date: day.Date, TotalClicks: day.Clicks}
	}
	return &Overview{TotalClicks: total, DailyTrend: points}, nil
}

// Links returns the workspace's top links by clicks, joined with the catalog.
func (s *Service) Links(ctx context.Context, workspaceID string, plan catalog.Plan, rangeToken string) ([]LinkStat, error) {
	from, to, err := s.window(rangeToken, plan)
	if err != nil {
		return nil, err
	}

	top, err := s.rollups.TopLinks(ctx, workspaceID, from, to, topLinksLimit)
	if err != nil {
		return nil, fmt.Errorf("top links: %w", err)
	}
	ids := make([]string, len(top))
	for i, kc := range top {
		ids[i] = kc.Key
	}
	links, err := s.links.LinksByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("join links: %w", err)
	}
	byID := make(map[string]*catalog.Link, len(links))
	for _, l := range links {
		byID[l.ID] = l
	}

	stats := make([]LinkStat, len(top))
	for i, kc := range top {
		stats[i] = LinkStat{ID: kc.Key, TotalClicks: kc.Clicks}
		if l, ok := byID[kc.Key]; ok {
			stats[i].Slug = l.Slug
			stats[i].DestinationURL = l.DestinationURL
		}
	}
	return stats, nil
}

// Referrers returns the top referrer hosts in the range.
func (s *Service) Referrers(ctx context.Context, workspaceID string, plan catalog.Plan, rangeToken string) ([]ReferrerStat, error) {
	from, to, err := s.window(rangeToken, plan)
	if err != nil {
		return nil, err
	}
	top, err := s.rollups.TopReferrers(ctx, workspaceID, from, to, topReferrersLimit)
	if err != nil {
		return nil, fmt.Errorf("top referrers: %w", err)
	}
	stats := make([]ReferrerStat, len(top))
	for i, kc := range top {
		stats[i] = ReferrerStat{Referrer: kc.Key, TotalClicks: kc.Clicks}
	}
	return stats, nil
}

// Countries returns the top countries in the range.
func (s *Service) Countries(ctx context.Context, workspaceID string, plan catalog.Plan, rangeToken string) ([]CountryStat, error) {
	from, to, err := s.window(rangeToken, plan)
	if err != nil {
		return nil, err
	}
	top, err := s.rollups.TopCountries(ctx, workspaceID, from, to, topCountriesLimit)
	if err != nil {
		return nil, fmt.Errorf("top countries: %w", err)
	}
	stats := make([]CountryStat, len(top))
	for i, kc := range top {
		stats[i] = CountryStat{Country: kc.Key, TotalClicks: kc.Clicks}
	}
	return stats, nil
}

// Devices returns every device class seen in the range. The cardinality is
// fixed so there is no limit.
func (s *Service) Devices(ctx context.Context, workspaceID string, plan catalog.Plan, rangeToken string) ([]DeviceStat, error) {
	from, to, err := s.window(rangeToken, plan)
	if err != nil {
		return nil, err
	}
	rows, err := s.rollups.Devices(ctx, workspaceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("devices: %w", err)
	}
	stats := make([]DeviceStat, len(rows))
	for i, kc := range rows {
		stats[i] = DeviceStat{DeviceType: kc.Key, TotalClicks: kc.Clicks}
	}
	return stats, nil
}
