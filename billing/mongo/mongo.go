// Package mongo provides a MongoDB implementation of the billing usage store.
//
// Rows are write-once: the unique (workspace_id, period_start, period_end)
// index is what makes a second report attempt for the same period a no-op.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hoplink/hoplink/billing"
)

// Store is a MongoDB implementation of the billing.UsageStore interface.
type Store struct {
	periods *mongo.Collection
}

// Compile-time check that Store implements billing.UsageStore.
var _ billing.UsageStore = (*Store)(nil)

type periodDocument struct {
	WorkspaceID    string    `bson:"workspace_id"`
	PeriodStart    time.Time `bson:"period_start"`
	PeriodEnd      time.Time `bson:"period_end"`
	TotalClicks    int64     `bson:"total_clicks"`
	IncludedClicks int64     `bson:"included_clicks"`
	OverageUnits   int64     `bson:"overage_units"`
	OverageAmount  int64     `bson:"overage_amount"`
	InvoiceItemID  string    `bson:"invoice_item_id,omitempty"`
	ReportedAt     time.Time `bson:"reported_at"`
}

// New creates a new MongoDB usage store.
func New(db *mongo.Database) *Store {
	return &Store{periods: db.Collection("billing_usage_periods")}
}

// EnsureIndexes creates the unique period index and the reported_at index the
// reconciler scans. Safe to call repeatedly.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.periods.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "workspace_id", Value: 1},
				{Key: "period_start", Value: 1},
				{Key: "period_end", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "reported_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongodb create billing indexes: %w", err)
	}
	return nil
}

// Record inserts a usage period, enforcing (workspace, period) uniqueness.
func (s *Store) Record(ctx context.Context, up *billing.UsagePeriod) error {
	_, err := s.periods.InsertOne(ctx, toDocument(up))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return billing.ErrConflict
		}
		return fmt.Errorf("mongodb insert usage period for %q: %w", up.WorkspaceID, err)
	}
	return nil
}

// Find returns the row for a (workspace, period) pair.
func (s *Store) Find(ctx context.Context, workspaceID string, periodStart, periodEnd time.Time) (*billing.UsagePeriod, error) {
	filter := bson.M{
		"workspace_id": workspaceID,
		"period_start": periodStart.UTC(),
		"period_end":   periodEnd.UTC(),
	}
	var doc periodDocument
	if err := s.periods.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, billing.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb find usage period for %q: %w", workspaceID, err)
	}
	return fromDocument(&doc), nil
}

// ReportedSince returns rows reported at or after since, oldest first.
func (s *Store) ReportedSince(ctx context.Context, since time.Time) ([]*billing.UsagePeriod, error) {
	opts := options.Find().SetSort(bson.D{
		{Key: "reported_at", Value: 1},
		{Key: "workspace_id", Value: 1},
	})
	cursor, err := s.periods.Find(ctx, bson.M{"reported_at": bson.M{"$gte": since.UTC()}}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb find usage periods since %s: %w", since.Format(time.RFC3339), err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []periodDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb decode usage periods: %w", err)
	}
	rows := make([]*billing.UsagePeriod, len(docs))
	for i := range docs {
		rows[i] = fromDocument(&docs[i])
	}
	return rows, nil
}

func toDocument(up *billing.UsagePeriod) *periodDocument {
	return &periodDocument{
		WorkspaceID:    up.WorkspaceID,
		PeriodStart:    up.PeriodStart.UTC(),
		PeriodEnd:      up.PeriodEnd.UTC(),
		TotalClicks:    up.TotalClicks,
		IncludedClicks: up.IncludedClicks,
		OverageUnits:   up.OverageUnits,
		OverageAmount:  up.OverageAmount,
		InvoiceItemID:  up.InvoiceItemID,
		ReportedAt:     up.ReportedAt.UTC(),
	}
}

func fromDocument(doc *periodDocument) *billing.UsagePeriod {
	return &billing.UsagePeriod{
		WorkspaceID:    doc.WorkspaceID,
		PeriodStart:    doc.PeriodStart,
		PeriodEnd:      doc.PeriodEnd,
		TotalClicks:    doc.TotalClicks,
		IncludedClicks: doc.IncludedClicks,
		OverageUnits:   doc.OverageUnits,
		OverageAmount:  doc.OverageAmount,
		InvoiceItemID:  doc.InvoiceItemID,
		ReportedAt:     doc.ReportedAt,
	}
}
