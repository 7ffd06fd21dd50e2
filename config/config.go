// Package config collects every runtime option of the data plane into one
// struct populated from the environment. Malformed values fall back to their
// defaults; values that are well-formed but out of range fail validation so
// the process refuses to boot on them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for every tunable. Billing amounts are in the smallest currency
// unit.
const (
	DefaultRedirectAddr = ":8080"
	DefaultAPIAddr      = ":8081"

	DefaultMongoURL = "mongodb://localhost:27017"
	DefaultMongoDB  = "hoplink"
	DefaultRedisURL = "localhost:6379"

	DefaultFreeMonthlyCap       = 5000
	DefaultProIncludedClicks    = 2_000_000
	DefaultProOverageUnitClicks = 100_000
	DefaultProOverageUnitPrice  = 100

	DefaultAggregationBatchSize = 1000
	DefaultRetentionDaysFree    = 30
	DefaultRetentionBatchSize   = 5000
	DefaultPlanCacheTTLSeconds  = 60
	DefaultDetachedTaskDeadline = 5 * time.Second
	DefaultReconcileTolerance   = 1000
	DefaultReconcileLookback    = 7 * 24 * time.Hour

	DefaultDispatcherWorkers   = 4
	DefaultDispatcherQueueSize = 1024
	DefaultConsumerBatchSize   = 100
	DefaultConsumerFlush       = time.Second
	DefaultStreamMaxLen        = 100_000

	DefaultAggregateInterval = 5 * time.Minute
	DefaultRetentionHourUTC  = 3
	DefaultReportHourUTC     = 4
	DefaultReconcileHourUTC  = 5

	DefaultAPIRatePerSecond = 10
	DefaultAPIRateBurst     = 20
)

// Config holds the full configuration of a hoplinkd process.
type Config struct {
	// Listeners.
	RedirectAddr string
	APIAddr      string

	// Backends.
	MongoURL      string
	MongoDatabase string
	RedisURL      string
	RedisPassword string

	// Plan enforcement and billing.
	FreeMonthlyCap       int64
	ProIncludedClicks    int64
	ProOverageUnitClicks int64
	ProOverageUnitPrice  int64

	// Pipeline sizing.
	DispatcherWorkers    int
	DispatcherQueueSize  int
	DetachedTaskDeadline time.Duration
	ConsumerBatchSize    int
	ConsumerFlush        time.Duration
	StreamMaxLen         int
	AggregationBatchSize int

	// Caches and retention.
	PlanCacheTTL       time.Duration
	RetentionDaysFree  int
	RetentionBatchSize int

	// Reconciliation.
	ReconcileTolerance int64
	ReconcileLookback  time.Duration

	// Scheduling. Hours are UTC.
	AggregateInterval time.Duration
	RetentionHourUTC  int
	ReportHourUTC     int
	ReconcileHourUTC  int

	// Dashboard API.
	APIRatePerSecond int
	APIRateBurst     int
	AllowedOrigins   []string
}

// FromEnv reads the environment and returns a validated configuration.
func FromEnv() (*Config, error) {
	cfg := &Config{
		RedirectAddr: envOr("HTTP_REDIRECT_ADDR", DefaultRedirectAddr),
		APIAddr:      envOr("HTTP_API_ADDR", DefaultAPIAddr),

		MongoURL:      envOr("MONGO_URL", DefaultMongoURL),
		MongoDatabase: envOr("MONGO_DB", DefaultMongoDB),
		RedisURL:      envOr("REDIS_URL", DefaultRedisURL),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		FreeMonthlyCap:       envInt64Or("FREE_MONTHLY_CAP", DefaultFreeMonthlyCap),
		ProIncludedClicks:    envInt64Or("PRO_INCLUDED_CLICKS", DefaultProIncludedClicks),
		ProOverageUnitClicks: envInt64Or("PRO_OVERAGE_UNIT_CLICKS", DefaultProOverageUnitClicks),
		ProOverageUnitPrice:  envInt64Or("PRO_OVERAGE_UNIT_PRICE", DefaultProOverageUnitPrice),

		DispatcherWorkers:    envIntOr("DISPATCHER_WORKERS", DefaultDispatcherWorkers),
		DispatcherQueueSize:  envIntOr("DISPATCHER_QUEUE_SIZE", DefaultDispatcherQueueSize),
		DetachedTaskDeadline: envDurationOr("DETACHED_TASK_DEADLINE", DefaultDetachedTaskDeadline),
		ConsumerBatchSize:    envIntOr("CONSUMER_BATCH_SIZE", DefaultConsumerBatchSize),
		ConsumerFlush:        envDurationOr("CONSUMER_FLUSH_INTERVAL", DefaultConsumerFlush),
		StreamMaxLen:         envIntOr("CLICK_STREAM_MAX_LEN", DefaultStreamMaxLen),
		AggregationBatchSize: envIntOr("AGGREGATION_BATCH_SIZE", DefaultAggregationBatchSize),

		PlanCacheTTL:       time.Duration(envIntOr("PLAN_CACHE_TTL_SECONDS", DefaultPlanCacheTTLSeconds)) * time.Second,
		RetentionDaysFree:  envIntOr("RETENTION_DAYS_FREE", DefaultRetentionDaysFree),
		RetentionBatchSize: envIntOr("RETENTION_BATCH_SIZE", DefaultRetentionBatchSize),

		ReconcileTolerance: envInt64Or("RECONCILIATION_TOLERANCE_CLICKS", DefaultReconcileTolerance),
		ReconcileLookback:  envDurationOr("RECONCILE_LOOKBACK", DefaultReconcileLookback),

		AggregateInterval: envDurationOr("AGGREGATE_INTERVAL", DefaultAggregateInterval),
		RetentionHourUTC:  envIntOr("RETENTION_HOUR_UTC", DefaultRetentionHourUTC),
		ReportHourUTC:     envIntOr("REPORT_HOUR_UTC", DefaultReportHourUTC),
		ReconcileHourUTC:  envIntOr("RECONCILE_HOUR_UTC", DefaultReconcileHourUTC),

		APIRatePerSecond: envIntOr("API_RATE_PER_SECOND", DefaultAPIRatePerSecond),
		APIRateBurst:     envIntOr("API_RATE_BURST", DefaultAPIRateBurst),
		AllowedOrigins:   splitOrigins(os.Getenv("ALLOWED_ORIGINS")),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would run but misbehave.
func (c *Config) Validate() error {
	if c.RedirectAddr == "" {
		return fmt.Errorf("HTTP_REDIRECT_ADDR must not be empty")
	}
	if c.APIAddr == "" {
		return fmt.Errorf("HTTP_API_ADDR must not be empty")
	}
	if c.MongoURL == "" {
		return fmt.Errorf("MONGO_URL must not be empty")
	}
	if c.MongoDatabase == "" {
		return fmt.Errorf("MONGO_DB must not be empty")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must not be empty")
	}
	if c.FreeMonthlyCap <= 0 {
		return fmt.Errorf("FREE_MONTHLY_CAP must be positive, got %d", c.FreeMonthlyCap)
	}
	if c.ProIncludedClicks <= 0 {
		return fmt.Errorf("PRO_INCLUDED_CLICKS must be positive, got %d", c.ProIncludedClicks)
	}
	if c.ProOverageUnitClicks <= 0 {
		return fmt.Errorf("PRO_OVERAGE_UNIT_CLICKS must be positive, got %d", c.ProOverageUnitClicks)
	}
	if c.ProOverageUnitPrice < 0 {
		return fmt.Errorf("PRO_OVERAGE_UNIT_PRICE must not be negative, got %d", c.ProOverageUnitPrice)
	}
	if c.DispatcherWorkers <= 0 {
		return fmt.Errorf("DISPATCHER_WORKERS must be positive, got %d", c.DispatcherWorkers)
	}
	if c.DispatcherQueueSize <= 0 {
		return fmt.Errorf("DISPATCHER_QUEUE_SIZE must be positive, got %d", c.DispatcherQueueSize)
	}
	if c.DetachedTaskDeadline <= 0 {
		return fmt.Errorf("DETACHED_TASK_DEADLINE must be positive, got %s", c.DetachedTaskDeadline)
	}
	if c.ConsumerBatchSize <= 0 {
		return fmt.Errorf("CONSUMER_BATCH_SIZE must be positive, got %d", c.ConsumerBatchSize)
	}
	if c.ConsumerFlush <= 0 {
		return fmt.Errorf("CONSUMER_FLUSH_INTERVAL must be positive, got %s", c.ConsumerFlush)
	}
	if c.StreamMaxLen <= 0 {
		return fmt.Errorf("CLICK_STREAM_MAX_LEN must be positive, got %d", c.StreamMaxLen)
	}
	if c.AggregationBatchSize <= 0 {
		return fmt.Errorf("AGGREGATION_BATCH_SIZE must be positive, got %d", c.AggregationBatchSize)
	}
	if c.PlanCacheTTL < 0 {
		return fmt.Errorf("PLAN_CACHE_TTL_SECONDS must not be negative, got %s", c.PlanCacheTTL)
	}
	if c.RetentionDaysFree <= 0 {
		return fmt.Errorf("RETENTION_DAYS_FREE must be positive, got %d", c.RetentionDaysFree)
	}
	if c.RetentionBatchSize <= 0 {
		return fmt.Errorf("RETENTION_BATCH_SIZE must be positive, got %d", c.RetentionBatchSize)
	}
	if c.ReconcileTolerance < 0 {
		return fmt.Errorf("RECONCILIATION_TOLERANCE_CLICKS must not be negative, got %d", c.ReconcileTolerance)
	}
	if c.ReconcileLookback <= 0 {
		return fmt.Errorf("RECONCILE_LOOKBACK must be positive, got %s", c.ReconcileLookback)
	}
	if c.AggregateInterval <= 0 {
		return fmt.Errorf("AGGREGATE_INTERVAL must be positive, got %s", c.AggregateInterval)
	}
	for _, h := range []struct {
		key  string
		hour int
	}{
		{"RETENTION_HOUR_UTC", c.RetentionHourUTC},
		{"REPORT_HOUR_UTC", c.ReportHourUTC},
		{"RECONCILE_HOUR_UTC", c.ReconcileHourUTC},
	} {
		if h.hour < 0 || h.hour > 23 {
			return fmt.Errorf("%s must be between 0 and 23, got %d", h.key, h.hour)
		}
	}
	if c.APIRatePerSecond <= 0 {
		return fmt.Errorf("API_RATE_PER_SECOND must be positive, got %d", c.APIRatePerSecond)
	}
	if c.APIRateBurst <= 0 {
		return fmt.Errorf("API_RATE_BURST must be positive, got %d", c.APIRateBurst)
	}
	return nil
}

// splitOrigins parses a comma-separated origin list, dropping empty entries.
func splitOrigins(s string) []string {
	if s == "" {
		return nil
	}
	var origins []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envInt64Or returns the environment variable as int64 or a default.
func envInt64Or(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
