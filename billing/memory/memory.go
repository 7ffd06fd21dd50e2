// Package memory provides an in-memory usage period store for tests and
// single-node development runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hoplink/hoplink/billing"
)

// Store is an in-memory implementation of billing.UsageStore. It is safe for
// concurrent use.
type Store struct {
	mu      sync.RWMutex
	periods map[periodKey]billing.UsagePeriod
}

type periodKey struct {
	workspaceID string
	start       int64
	end         int64
}

// Compile-time check that Store implements billing.UsageStore.
var _ billing.UsageStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{periods: make(map[periodKey]billing.UsagePeriod)}
}

func key(workspaceID string, start, end time.Time) periodKey {
	return periodKey{workspaceID: workspaceID, start: start.UnixMilli(), end: end.UnixMilli()}
}

// Record inserts a usage period, enforcing (workspace, period) uniqueness.
func (s *Store) Record(ctx context.Context, up *billing.UsagePeriod) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(up.WorkspaceID, up.PeriodStart, up.PeriodEnd)
	if _, ok := s.periods[k]; ok {
		return billing.ErrConflict
	}
	s.periods[k] = *up
	return nil
}

// Find returns the row for a (workspace, period) pair.
func (s *Store) Find(ctx context.Context, workspaceID string, periodStart, periodEnd time.Time) (*billing.UsagePeriod, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	up, ok := s.periods[key(workspaceID, periodStart, periodEnd)]
	if !ok {
		return nil, billing.ErrNotFound
	}
	return &up, nil
}

// ReportedSince returns rows reported at or after since, oldest first.
func (s *Store) ReportedSince(ctx context.Context, since time.Time) ([]*billing.UsagePeriod, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []*billing.UsagePeriod
	for _, up := range s.periods {
		if up.ReportedAt.Before(since) {
			continue
		}
		row := up
		rows = append(rows, &row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].ReportedAt.Equal(rows[j].ReportedAt) {
			return rows[i].ReportedAt.Before(rows[j].ReportedAt)
		}
		return rows[i].WorkspaceID < rows[j].WorkspaceID
	})
	return rows, nil
}
