package catalog_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoplink/hoplink/catalog"
	"github.com/hoplink/hoplink/catalog/memory"
)

type countingStore struct {
	catalog.Store
	mu    sync.Mutex
	reads int
}

func (c *countingStore) Workspace(ctx context.Context, id string) (*catalog.Workspace, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.Store.Workspace(ctx, id)
}

func (c *countingStore) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

func newCountingStore(t *testing.T) *countingStore {
	t.Helper()
	st := memory.New()
	require.NoError(t, st.CreateWorkspace(context.Background(), &catalog.Workspace{
		ID:   "ws1",
		Plan: catalog.PlanFree,
	}))
	return &countingStore{Store: st}
}

func TestPlanCacheServesFromCacheWithinTTL(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore(t)
	c := catalog.NewPlanCache(st, time.Minute)

	for range 5 {
		ws, err := c.Workspace(ctx, "ws1")
		require.NoError(t, err)
		assert.Equal(t, catalog.PlanFree, ws.Plan)
	}
	assert.Equal(t, 1, st.readCount())
}

func TestPlanCacheRefreshesAfterTTL(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore(t)
	c := catalog.NewPlanCache(st, time.Minute)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return now })

	_, err := c.Workspace(ctx, "ws1")
	require.NoError(t, err)

	// A plan change is invisible until the entry expires.
	require.NoError(t, st.UpdateWorkspacePlan(ctx, "ws1", catalog.PlanUpdate{
		Plan:          catalog.PlanPro,
		BillingStatus: catalog.BillingActive,
	}))
	ws, err := c.Workspace(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, catalog.PlanFree, ws.Plan)

	now = now.Add(61 * time.Second)
	ws, err = c.Workspace(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, catalog.PlanPro, ws.Plan)
	assert.Equal(t, 2, st.readCount())
}

func TestPlanCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore(t)
	c := catalog.NewPlanCache(st, time.Minute)

	_, err := c.Workspace(ctx, "ws1")
	require.NoError(t, err)

	require.NoError(t, st.UpdateWorkspacePlan(ctx, "ws1", catalog.PlanUpdate{
		Plan:          catalog.PlanPro,
		BillingStatus: catalog.BillingActive,
	}))
	c.Invalidate("ws1")

	ws, err := c.Workspace(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, catalog.PlanPro, ws.Plan)
}

func TestPlanCacheDisabledTTL(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore(t)
	c := catalog.NewPlanCache(st, 0)

	for range 3 {
		_, err := c.Workspace(ctx, "ws1")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, st.readCount())
}

func TestPlanCacheDoesNotCacheMisses(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore(t)
	c := catalog.NewPlanCache(st, time.Minute)

	_, err := c.Workspace(ctx, "absent")
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	require.NoError(t, st.CreateWorkspace(ctx, &catalog.Workspace{ID: "absent", Plan: catalog.PlanFree}))
	ws, err := c.Workspace(ctx, "absent")
	require.NoError(t, err)
	assert.Equal(t, catalog.PlanFree, ws.Plan)
}
