// Package memory provides an in-memory implementation of the rollup store.
//
// A single mutex covers the five tables and the high-water mark, which makes
// ApplyBatch trivially atomic. Suitable for development, testing, and
// single-node deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hoplink/hoplink/rollup"
)

// Store is an in-memory implementation of the rollup.Store interface.
// It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	workspace map[rollup.WorkspaceKey]int64
	link      map[rollup.LinkKey]int64
	referrer  map[rollup.ReferrerKey]int64
	country   map[rollup.CountryKey]int64
	device    map[rollup.DeviceKey]int64
	mark      time.Time
}

// Compile-time check that Store implements rollup.Store.
var _ rollup.Store = (*Store)(nil)

// New creates a new in-memory rollup store.
func New() *Store {
	return &Store{
		workspace: make(map[rollup.WorkspaceKey]int64),
		link:      make(map[rollup.LinkKey]int64),
		referrer:  make(map[rollup.ReferrerKey]int64),
		country:   make(map[rollup.CountryKey]int64),
		device:    make(map[rollup.DeviceKey]int64),
	}
}

// ApplyBatch applies the five delta maps and advances the mark under one lock.
func (s *Store) ApplyBatch(ctx context.Context, b rollup.Batch) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, n := range b.Workspace {
		s.workspace[k] += n
	}
	for k, n := range b.Link {
		s.link[k] += n
	}
	for k, n := range b.Referrer {
		s.referrer[k] += n
	}
	for k, n := range b.Country {
		s.country[k] += n
	}
	for k, n := range b.Device {
		s.device[k] += n
	}
	s.mark = b.NewMark.UTC()
	return nil
}

// HighWaterMark returns the last processed timestamp, zero when no batch has
// been applied yet.
func (s *Store) HighWaterMark(ctx context.Context) (time.Time, error) {
	select {
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mark, nil
}

// WorkspaceTotal sums the workspace-day buckets within the window.
func (s *Store) WorkspaceTotal(ctx context.Context, workspaceID, from, to string) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for k, n := range s.workspace {
		if k.WorkspaceID == workspaceID && inRange(k.Date, from, to) {
			total += n
		}
	}
	return total, nil
}

// DailyTrend returns the workspace-day buckets within the window, ascending
// by date. Days without clicks are absent.
func (s *Store) DailyTrend(ctx context.Context, workspaceID, from, to string) ([]rollup.DayCount, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	trend := make([]rollup.DayCount, 0)
	for k, n := range s.workspace {
		if k.WorkspaceID == workspaceID && inRange(k.Date, from, to) {
			trend = append(trend, rollup.DayCount{Date: k.Date, Clicks: n})
		}
	}
	sort.Slice(trend, func(i, j int) bool { return trend[i].Date < trend[j].Date })
	return trend, nil
}

// TopLinks sums the link-day buckets per link within the window.
func (s *Store) TopLinks(ctx context.Context, workspaceID, from, to string, limit int) ([]rollup.KeyCount, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	sums := make(map[string]int64)
	for k, n := range s.link {
		if k.WorkspaceID == workspaceID && inRange(k.Date, from, to) {
			sums[k.LinkID] += n
		}
	}
	s.mu.RUnlock()
	return topN(sums, limit), nil
}

// TopReferrers sums the referrer buckets per normalized referrer within the
// window.
func (s *Store) TopReferrers(ctx context.Context, workspaceID, from, to string, limit int) ([]rollup.KeyCount, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	sums := make(map[string]int64)
	for k, n := range s.referrer {
		if k.WorkspaceID == workspaceID && inRange(k.Date, from, to) {
			sums[k.Referrer] += n
		}
	}
	s.mu.RUnlock()
	return topN(sums, limit), nil
}

// TopCountries sums the country buckets per country within the window.
func (s *Store) TopCountries(ctx context.Context, workspaceID, from, to string, limit int) ([]rollup.KeyCount, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	sums := make(map[string]int64)
	for k, n := range s.country {
		if k.WorkspaceID == workspaceID && inRange(k.Date, from, to) {
			sums[k.Country] += n
		}
	}
	s.mu.RUnlock()
	return topN(sums, limit), nil
}

// Devices sums the device buckets per device class within the window. The
// cardinality is small so the full list is returned.
func (s *Store) Devices(ctx context.Context, workspaceID, from, to string) ([]rollup.KeyCount, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	sums := make(map[string]int64)
	for k, n := range s.device {
		if k.WorkspaceID == workspaceID && inRange(k.Date, from, to) {
			sums[k.Device] += n
		}
	}
	s.mu.RUnlock()
	return topN(sums, 0), nil
}

func inRange(date, from, to string) bool {
	return date >= from && date <= to
}

func topN(sums map[string]int64, limit int) []rollup.KeyCount {
	result := make([]rollup.KeyCount, 0, len(sums))
	for k, n := range sums {
		result = append(result, rollup.KeyCount{Key: k, Clicks: n})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Clicks != result[j].Clicks {
			return result[i].Clicks > result[j].Clicks
		}
		return result[i].Key < result[j].Key
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}
