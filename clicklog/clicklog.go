// Package clicklog defines the append-only raw click log. The queue consumer
// writes it, the aggregator reads it, the retention job truncates it; nothing
// else touches it. Rows are idempotent on the deterministic click ID so
// at-least-once delivery upstream collapses into at-most-one row.
package clicklog

import (
	"context"
	"time"
)

// RawClick is one event log row. IPHash is the only IP-derived field; the raw
// address never reaches this type.
type RawClick struct {
	ClickID        string
	Timestamp      time.Time
	WorkspaceID    string
	LinkID         string
	Domain         string
	Slug           string
	DestinationURL string
	Referrer       string
	UserAgent      string
	IPHash         string
	Country        string
	Region         string
	City           string
	DeviceClass    string
	BotSuspected   bool
}

// Store persists raw clicks.
//
// ListAfter returns rows with timestamp strictly greater than after, ascending
// by (timestamp, click ID), at most limit rows — except that a batch never
// ends mid-timestamp: when the limit falls inside a run of rows sharing the
// final timestamp the batch extends through the run. The aggregator advances
// its high-water mark to the batch's maximum timestamp, so splitting a
// timestamp across batches would silently skip the remainder.
type Store interface {
	// InsertIgnoreDuplicates bulk-inserts rows, tolerating duplicate click
	// IDs, and reports how many rows were actually inserted.
	InsertIgnoreDuplicates(ctx context.Context, clicks []RawClick) (inserted int, err error)
	// ListAfter returns rows newer than after, ascending, per the batching
	// contract above.
	ListAfter(ctx context.Context, after time.Time, limit int) ([]RawClick, error)
	// DeleteBefore removes at most batchSize rows older than cutoff and
	// reports how many were deleted.
	DeleteBefore(ctx context.Context, cutoff time.Time, batchSize int) (deleted int64, err error)
	// CountAll reports the number of stored rows.
	CountAll(ctx context.Context) (int64, error)
}
