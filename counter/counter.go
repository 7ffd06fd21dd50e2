// Package counter implements the authoritative per-workspace click counter.
// Each workspace carries two independent counters: a free counter that resets
// on UTC month boundaries and a pro counter scoped to the billing period the
// billing collaborator last reported. The free counter enforces the monthly
// cap; the pro counter feeds usage billing.
package counter

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// ErrVersionConflict is returned by Store.Save when the persisted state was
// mutated since it was loaded. The counter retries on it; other processes
// mutating the same workspace are expected to do the same.
var ErrVersionConflict = errors.New("counter state version conflict")

const (
	shardCount         = 64
	defaultSaveRetries = 5
)

type (
	// State is the persisted counter state of one workspace. Version
	// implements optimistic concurrency: Save succeeds only when the stored
	// version matches, so lost updates are impossible even across processes.
	State struct {
		WorkspaceID    string
		FreeMonthKey   string
		FreeTracked    int64
		ProPeriodStart *time.Time
		ProPeriodEnd   *time.Time
		ProTracked     int64
		Version        int64
	}

	// FreeUsage is the free counter snapshot after the month-reset check.
	FreeUsage struct {
		MonthKey string
		Tracked  int64
	}

	// ProUsage is the pro counter snapshot. The period pair is nil until the
	// billing collaborator first reports one.
	ProUsage struct {
		PeriodStart *time.Time
		PeriodEnd   *time.Time
		Tracked     int64
	}

	// Store persists counter state. Load returns a zero-valued State (with
	// the workspace ID set and Version 0) when no state exists yet. Save
	// persists st expecting the stored version to equal st.Version and bumps
	// the stored version by one; a mismatch returns ErrVersionConflict.
	Store interface {
		Load(ctx context.Context, workspaceID string) (State, error)
		Save(ctx context.Context, st State) error
	}

	// Counter serializes all mutations per workspace. In-process ordering
	// comes from sharded mutexes keyed by workspace ID; cross-process safety
	// comes from the store's version check.
	Counter struct {
		store   Store
		now     func() time.Time
		retries int
		shards  [shardCount]sync.Mutex
	}

	// Options configures a Counter.
	Options struct {
		// Store is the persistence layer. Required.
		Store Store
		// Now overrides the clock, for tests.
		Now func() time.Time
		// SaveRetries bounds reload-and-retry cycles on version conflicts.
		// Defaults to 5.
		SaveRetries int
	}
)

// New creates a workspace counter.
func New(opts Options) (*Counter, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	c := &Counter{
		store:   opts.Store,
		now:     opts.Now,
		retries: opts.SaveRetries,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.retries <= 0 {
		c.retries = defaultSaveRetries
	}
	return c, nil
}

// MonthKey returns the UTC month key (YYYY-MM) for t.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// IncrementFreeIfUnderCap runs the month-reset check and increments the free
// counter if it is under cap. It reports whether the increment happened; when
// it returns false the click must not be enqueued downstream.
func (c *Counter) IncrementFreeIfUnderCap(ctx context.Context, workspaceID string, cap int64) (bool, State, error) {
	defer c.lock(workspaceID)()

	var incremented bool
	st, err := c.mutate(ctx, workspaceID, func(st *State) bool {
		reset := c.applyMonthReset(st)
		incremented = st.FreeTracked < cap
		if incremented {
			st.FreeTracked++
		}
		return incremented || reset
	})
	if err != nil {
		return false, State{}, err
	}
	return incremented, st, nil
}

// IncrementPro increments the pro counter. Callers are expected to have
// checked the plan; the counter itself does not.
func (c *Counter) IncrementPro(ctx context.Context, workspaceID string) (State, error) {
	defer c.lock(workspaceID)()

	return c.mutate(ctx, workspaceID, func(st *State) bool {
		st.ProTracked++
		return true
	})
}

// SetProPeriod records the billing period reported by the billing
// collaborator. When the (start, end) pair differs from the stored one the
// pro counter resets to zero; re-reporting the same pair is a no-op, so
// duplicate webhook deliveries cannot wipe usage.
func (c *Counter) SetProPeriod(ctx context.Context, workspaceID string, start, end *time.Time) (State, error) {
	defer c.lock(workspaceID)()

	return c.mutate(ctx, workspaceID, func(st *State) bool {
		if sameInstant(st.ProPeriodStart, start) && sameInstant(st.ProPeriodEnd, end) {
			return false
		}
		st.ProPeriodStart = utcPtr(start)
		st.ProPeriodEnd = utcPtr(end)
		st.ProTracked = 0
		return true
	})
}

// FreeUsage runs the month-reset check (persisting it if it fires) and
// returns the free counter snapshot.
func (c *Counter) FreeUsage(ctx context.Context, workspaceID string) (FreeUsage, error) {
	defer c.lock(workspaceID)()

	st, err := c.mutate(ctx, workspaceID, func(st *State) bool {
		return c.applyMonthReset(st)
	})
	if err != nil {
		return FreeUsage{}, err
	}
	return FreeUsage{MonthKey: st.FreeMonthKey, Tracked: st.FreeTracked}, nil
}

// ProUsage returns the pro counter snapshot. Unlike FreeUsage it never
// mutates: pro resets are driven exclusively by SetProPeriod.
func (c *Counter) ProUsage(ctx context.Context, workspaceID string) (ProUsage, error) {
	defer c.lock(workspaceID)()

	st, err := c.store.Load(ctx, workspaceID)
	if err != nil {
		return ProUsage{}, err
	}
	return ProUsage{PeriodStart: st.ProPeriodStart, PeriodEnd: st.ProPeriodEnd, Tracked: st.ProTracked}, nil
}

// mutate loads the state, applies fn and saves if fn reports a change,
// retrying the whole cycle on version conflicts. fn must be idempotent on a
// freshly loaded state. The returned State reflects the persisted version.
func (c *Counter) mutate(ctx context.Context, workspaceID string, fn func(*State) bool) (State, error) {
	for attempt := 0; ; attempt++ {
		st, err := c.store.Load(ctx, workspaceID)
		if err != nil {
			return State{}, fmt.Errorf("load counter state %q: %w", workspaceID, err)
		}
		if st.WorkspaceID == "" {
			st.WorkspaceID = workspaceID
		}
		if !fn(&st) {
			return st, nil
		}
		if err := c.store.Save(ctx, st); err != nil {
			if errors.Is(err, ErrVersionConflict) && attempt < c.retries {
				continue
			}
			return State{}, fmt.Errorf("save counter state %q: %w", workspaceID, err)
		}
		st.Version++
		return st, nil
	}
}

func (c *Counter) applyMonthReset(st *State) bool {
	key := MonthKey(c.now())
	if st.FreeMonthKey == key {
		return false
	}
	st.FreeMonthKey = key
	st.FreeTracked = 0
	return true
}

func (c *Counter) lock(workspaceID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(workspaceID))
	mu := &c.shards[h.Sum32()%shardCount]
	mu.Lock()
	return mu.Unlock
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
