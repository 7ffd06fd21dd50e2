package retention_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoplink/hoplink/clicklog"
	clicklogmem "github.com/hoplink/hoplink/clicklog/memory"
	"github.com/hoplink/hoplink/retention"
)

func seedClicks(t *testing.T, st clicklog.Store, base time.Time, n int) {
	t.Helper()
	rows := make([]clicklog.RawClick, n)
	for i := range rows {
		rows[i] = clicklog.RawClick{
			ClickID:     fmt.Sprintf("click-%s-%d", base.Format("20060102"), i),
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			WorkspaceID: "ws1",
			LinkID:      "lnk1",
		}
	}
	inserted, err := st.InsertIgnoreDuplicates(context.Background(), rows)
	require.NoError(t, err)
	require.Equal(t, n, inserted)
}

func TestRetentionDeletesOnlyPastHorizon(t *testing.T) {
	st := clicklogmem.New()
	now := time.Date(2026, 3, 31, 3, 0, 0, 0, time.UTC)
	seedClicks(t, st, now.AddDate(0, 0, -45), 4) // past horizon
	seedClicks(t, st, now.AddDate(0, 0, -31), 3) // past horizon
	seedClicks(t, st, now.AddDate(0, 0, -29), 5) // inside
	seedClicks(t, st, now.Add(-time.Hour), 2)    // fresh

	j, err := retention.NewJob(retention.JobOptions{Clicks: st, RetentionDays: 30, BatchSize: 100})
	require.NoError(t, err)

	deleted, err := j.Run(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(7), deleted)

	remaining, err := st.CountAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), remaining)
}

func TestRetentionLoopsThroughBatches(t *testing.T) {
	st := clicklogmem.New()
	now := time.Date(2026, 3, 31, 3, 0, 0, 0, time.UTC)
	seedClicks(t, st, now.AddDate(0, 0, -40), 11)

	j, err := retention.NewJob(retention.JobOptions{Clicks: st, RetentionDays: 30, BatchSize: 4})
	require.NoError(t, err)

	deleted, err := j.Run(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(11), deleted)

	remaining, err := st.CountAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestRetentionRerunIsNoop(t *testing.T) {
	st := clicklogmem.New()
	now := time.Date(2026, 3, 31, 3, 0, 0, 0, time.UTC)
	seedClicks(t, st, now.AddDate(0, 0, -40), 6)
	seedClicks(t, st, now.AddDate(0, 0, -10), 4)

	j, err := retention.NewJob(retention.JobOptions{Clicks: st})
	require.NoError(t, err)

	first, err := j.Run(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(6), first)

	second, err := j.Run(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, second)

	remaining, err := st.CountAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), remaining)
}

type failingDelete struct {
	clicklog.Store
}

func (f *failingDelete) DeleteBefore(context.Context, time.Time, int) (int64, error) {
	return 0, fmt.Errorf("collection offline")
}

func TestRetentionPropagatesStoreErrors(t *testing.T) {
	j, err := retention.NewJob(retention.JobOptions{Clicks: &failingDelete{Store: clicklogmem.New()}})
	require.NoError(t, err)

	_, err = j.Run(context.Background(), time.Now())
	assert.ErrorContains(t, err, "collection offline")
}

func TestNewJobValidation(t *testing.T) {
	_, err := retention.NewJob(retention.JobOptions{})
	assert.Error(t, err)
}
