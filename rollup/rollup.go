// Package rollup maintains the five daily rollup tables analytics reads are
// served from, plus the aggregation high-water mark that partitions the raw
// click log into rolled-up and pending. Rollup buckets are additive upserts
// keyed on a UTC date; they are never decremented, so aggregates outlive the
// raw rows retention deletes.
package rollup

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// Direct is the referrer bucket for clicks without a referrer header.
const Direct = "(direct)"

// Unknown is the bucket for missing countries and unclassified devices.
const Unknown = "unknown"

type (
	// WorkspaceKey identifies a workspace-day bucket.
	WorkspaceKey struct {
		WorkspaceID string
		Date        string
	}

	// LinkKey identifies a link-day bucket. The workspace is denormalized
	// into the key so per-workspace link reads need no catalog join; a link
	// belongs to exactly one workspace, so bucket identity is unchanged.
	LinkKey struct {
		WorkspaceID string
		LinkID      string
		Date        string
	}

	// ReferrerKey identifies a workspace-day-referrer bucket. Referrer holds
	// the normalized host or Direct.
	ReferrerKey struct {
		WorkspaceID string
		Date        string
		Referrer    string
	}

	// CountryKey identifies a workspace-day-country bucket.
	CountryKey struct {
		WorkspaceID string
		Date        string
		Country     string
	}

	// DeviceKey identifies a workspace-day-device bucket.
	DeviceKey struct {
		WorkspaceID string
		Date        string
		Device      string
	}

	// Batch is one atomic aggregation step: five delta maps plus the new
	// high-water mark. Stores must apply all six writes together-or-not-at-
	// all; a half-applied batch replayed after a crash would double-count.
	Batch struct {
		Workspace map[WorkspaceKey]int64
		Link      map[LinkKey]int64
		Referrer  map[ReferrerKey]int64
		Country   map[CountryKey]int64
		Device    map[DeviceKey]int64
		NewMark   time.Time
	}

	// DayCount is one point of a daily trend, ascending by date.
	DayCount struct {
		Date   string
		Clicks int64
	}

	// KeyCount is one row of a top-N read: the bucket key (link ID, referrer
	// host, country or device class) and its click sum over the window.
	KeyCount struct {
		Key    string
		Clicks int64
	}

	// Store persists rollups and the high-water mark. Read methods take an
	// inclusive [from, to] window of UTC dates (YYYY-MM-DD); top-N results
	// are sorted by clicks descending, key ascending on ties, truncated to
	// limit when limit is positive.
	Store interface {
		// ApplyBatch atomically applies the deltas and advances the mark.
		ApplyBatch(ctx context.Context, b Batch) error
		// HighWaterMark returns the last processed timestamp, the zero time
		// when no batch has been applied yet.
		HighWaterMark(ctx context.Context) (time.Time, error)

		WorkspaceTotal(ctx context.Context, workspaceID, from, to string) (int64, error)
		DailyTrend(ctx context.Context, workspaceID, from, to string) ([]DayCount, error)
		TopLinks(ctx context.Context, workspaceID, from, to string, limit int) ([]KeyCount, error)
		TopReferrers(ctx context.Context, workspaceID, from, to string, limit int) ([]KeyCount, error)
		TopCountries(ctx context.Context, workspaceID, from, to string, limit int) ([]KeyCount, error)
		Devices(ctx context.Context, workspaceID, from, to string) ([]KeyCount, error)
	}
)

// DateOf returns the UTC date key (YYYY-MM-DD) of a click timestamp.
func DateOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

/// NormalizeReferrer maps a raw referrer header to its rollup bucket: empty
// becomes Direct, URLs collapse to their hostname with a leading "www."
// stripped, and anything unparseable is kept verbatim truncated to 100
// characters.
func NormalizeReferrer(raw string) string {
	if raw == "" {
		return Direct
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		if len(raw) > 100 {
			return raw[:100]
		}
		return raw
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
