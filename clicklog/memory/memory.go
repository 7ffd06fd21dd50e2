// Package memory provides an in-memory implementation of the raw click log.
//
// This implementation is suitable for development, testing, and single-node
// deployments where persistence across restarts is not required.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hoplink/hoplink/clicklog"
)

// Store is an in-memory implementation of the clicklog.Store interface.
// It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	clicks map[string]clicklog.RawClick
}

// Compile-time check that Store implements clicklog.Store.
var _ clicklog.Store = (*Store)(nil)

// New creates a new in-memory raw click log.
func New() *Store {
	return &Store{clicks: make(map[string]clicklog.RawClick)}
}

// InsertIgnoreDuplicates stores the given rows, skipping click IDs that are
// already present.
func (s *Store) InsertIgnoreDuplicates(ctx context.Context, clicks []clicklog.RawClick) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, c := range clicks {
		if _, ok := s.clicks[c.ClickID]; ok {
			continue
		}
		c.Timestamp = c.Timestamp.UTC()
		s.clicks[c.ClickID] = c
		inserted++
	}
	return inserted, nil
}

// ListAfter returns rows newer than after, ascending by (timestamp, click ID).
// The batch extends past limit through rows sharing the final timestamp so a
// high-water-mark advance never skips equal-timestamp rows.
func (s *Store) ListAfter(ctx context.Context, after time.Time, limit int) ([]clicklog.RawClick, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]clicklog.RawClick, 0)
	for _, c := range s.clicks {
		if c.Timestamp.After(after) {
			rows = append(rows, c)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Timestamp.Equal(rows[j].Timestamp) {
			return rows[i].Timestamp.Before(rows[j].Timestamp)
		}
		return rows[i].ClickID < rows[j].ClickID
	})
	if limit <= 0 || len(rows) <= limit {
		return rows, nil
	}
	end := limit
	for end < len(rows) && rows[end].Timestamp.Equal(rows[limit-1].Timestamp) {
		end++
	}
	return rows[:end], nil
}

// DeleteBefore removes at most batchSize of the oldest rows older than cutoff.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, c := range s.clicks {
		if batchSize > 0 && deleted >= int64(batchSize) {
			break
		}
		if c.Timestamp.Before(cutoff) {
			delete(s.clicks, id)
			deleted++
		}
	}
	return deleted, nil
}

// CountAll reports the number of stored rows.
func (s *Store) CountAll(ctx context.Context) (int64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.clicks)), nil
}
