package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoplink/hoplink/config"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := config.FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.RedirectAddr)
	assert.Equal(t, ":8081", cfg.APIAddr)
	assert.Equal(t, "mongodb://localhost:27017", cfg.MongoURL)
	assert.Equal(t, "hoplink", cfg.MongoDatabase)
	assert.Equal(t, "localhost:6379", cfg.RedisURL)

	assert.Equal(t, int64(5000), cfg.FreeMonthlyCap)
	assert.Equal(t, int64(2_000_000), cfg.ProIncludedClicks)
	assert.Equal(t, int64(100_000), cfg.ProOverageUnitClicks)
	assert.Equal(t, int64(100), cfg.ProOverageUnitPrice)

	assert.Equal(t, 1000, cfg.AggregationBatchSize)
	assert.Equal(t, 30, cfg.RetentionDaysFree)
	assert.Equal(t, 5000, cfg.RetentionBatchSize)
	assert.Equal(t, time.Minute, cfg.PlanCacheTTL)
	assert.Equal(t, 5*time.Second, cfg.DetachedTaskDeadline)
	assert.Equal(t, int64(1000), cfg.ReconcileTolerance)
	assert.Equal(t, 7*24*time.Hour, cfg.ReconcileLookback)

	assert.Equal(t, 5*time.Minute, cfg.AggregateInterval)
	assert.Equal(t, 3, cfg.RetentionHourUTC)
	assert.Equal(t, 4, cfg.ReportHourUTC)
	assert.Equal(t, 5, cfg.ReconcileHourUTC)

	assert.Equal(t, 10, cfg.APIRatePerSecond)
	assert.Equal(t, 20, cfg.APIRateBurst)
	assert.Nil(t, cfg.AllowedOrigins)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_REDIRECT_ADDR", ":9090")
	t.Setenv("FREE_MONTHLY_CAP", "10000")
	t.Setenv("PRO_INCLUDED_CLICKS", "3000000")
	t.Setenv("DETACHED_TASK_DEADLINE", "2s")
	t.Setenv("PLAN_CACHE_TTL_SECONDS", "30")
	t.Setenv("REDIS_PASSWORD", "hunter2")
	t.Setenv("ALLOWED_ORIGINS", "https://dash.example, https://admin.example,")

	cfg, err := config.FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.RedirectAddr)
	assert.Equal(t, int64(10000), cfg.FreeMonthlyCap)
	assert.Equal(t, int64(3_000_000), cfg.ProIncludedClicks)
	assert.Equal(t, 2*time.Second, cfg.DetachedTaskDeadline)
	assert.Equal(t, 30*time.Second, cfg.PlanCacheTTL)
	assert.Equal(t, "hunter2", cfg.RedisPassword)
	assert.Equal(t, []string{"https://dash.example", "https://admin.example"}, cfg.AllowedOrigins)
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("FREE_MONTHLY_CAP", "lots")
	t.Setenv("DETACHED_TASK_DEADLINE", "soon")
	t.Setenv("RETENTION_BATCH_SIZE", "5k")

	cfg, err := config.FromEnv()
	require.NoError(t, err)

	assert.Equal(t, int64(5000), cfg.FreeMonthlyCap)
	assert.Equal(t, 5*time.Second, cfg.DetachedTaskDeadline)
	assert.Equal(t, 5000, cfg.RetentionBatchSize)
}

func TestValidationRejectsOutOfRange(t *testing.T) {
	cases := []struct {
		key, value, wantErr string
	}{
		{"FREE_MONTHLY_CAP", "-1", "FREE_MONTHLY_CAP"},
		{"PRO_OVERAGE_UNIT_CLICKS", "0", "PRO_OVERAGE_UNIT_CLICKS"},
		{"DETACHED_TASK_DEADLINE", "-5s", "DETACHED_TASK_DEADLINE"},
		{"RETENTION_HOUR_UTC", "24", "between 0 and 23"},
		{"API_RATE_PER_SECOND", "0", "API_RATE_PER_SECOND"},
		{"AGGREGATE_INTERVAL", "-1m", "AGGREGATE_INTERVAL"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := config.FromEnv()
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestPlanCacheTTLZeroDisablesCaching(t *testing.T) {
	t.Setenv("PLAN_CACHE_TTL_SECONDS", "0")

	cfg, err := config.FromEnv()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.PlanCacheTTL)
}
