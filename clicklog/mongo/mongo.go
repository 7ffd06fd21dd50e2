// Package mongo provides a MongoDB implementation of the raw click log.
//
// Rows live in the raw_clicks collection with the click ID as _id, which
// makes the bulk insert idempotent: redelivered events hit the primary key
// and are skipped.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hoplink/hoplink/clicklog"
)

// Store is a MongoDB implementation of the clicklog.Store interface.
type Store struct {
	clicks *mongo.Collection
}

// Compile-time check that Store implements clicklog.Store.
var _ clicklog.Store = (*Store)(nil)

type clickDocument struct {
	ID             string    `bson:"_id"`
	Timestamp      time.Time `bson:"ts"`
	WorkspaceID    string    `bson:"workspace_id"`
	LinkID         string    `bson:"link_id"`
	Domain         string    `bson:"domain"`
	Slug           string    `bson:"slug"`
	DestinationURL string    `bson:"destination_url"`
	Referrer       string    `bson:"referrer,omitempty"`
	UserAgent      string    `bson:"user_agent,omitempty"`
	IPHash         string    `bson:"ip_hash,omitempty"`
	Country        string    `bson:"country,omitempty"`
	Region         string    `bson:"region,omitempty"`
	City           string    `bson:"city,omitempty"`
	DeviceClass    string    `bson:"device_class,omitempty"`
	BotSuspected   bool      `bson:"bot_suspected,omitempty"`
}

// New creates a new MongoDB raw click log using the raw_clicks collection of
// the provided database.
func New(db *mongo.Database) *Store {
	return &Store{clicks: db.Collection("raw_clicks")}
}

// EnsureIndexes creates the timestamp index the aggregator and retention job
// scan on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.clicks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "ts", Value: 1}, {Key: "_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongodb create raw click ts index: %w", err)
	}
	return nil
}

// InsertIgnoreDuplicates bulk-inserts rows unordered so duplicate click IDs
// fail individually without aborting the rest of the batch. Duplicate-key
// errors are swallowed; anything else is returned.
func (s *Store) InsertIgnoreDuplicates(ctx context.Context, clicks []clicklog.RawClick) (int, error) {
	if len(clicks) == 0 {
		return 0, nil
	}
	docs := make([]any, len(clicks))
	for i := range clicks {
		docs[i] = toDocument(&clicks[i])
	}
	res, err := s.clicks.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	inserted := 0
	if res != nil {
		inserted = len(res.InsertedIDs)
	}
	if err != nil {
		var bwe mongo.BulkWriteException
		if errors.As(err, &bwe) && onlyDuplicateKeys(bwe) {
			return inserted, nil
		}
		return inserted, fmt.Errorf("mongodb insert raw clicks: %w", err)
	}
	return inserted, nil
}

// ListAfter returns rows newer than after, ascending by (ts, _id). When the
// limit falls inside a run of rows sharing the final timestamp the batch
// extends through the run, so a high-water-mark advance never skips
// equal-timestamp rows.
func (s *Store) ListAfter(ctx context.Context, after time.Time, limit int) ([]clicklog.RawClick, error) {
	opts := options.Find().SetSort(bson.D{{Key: "ts", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	docs, err := s.find(ctx, bson.M{"ts": bson.M{"$gt": after.UTC()}}, opts)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(docs) == limit {
		last := docs[len(docs)-1]
		tail, err := s.find(ctx, bson.M{
			"ts":  last.Timestamp,
			"_id": bson.M{"$gt": last.ID},
		}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
		if err != nil {
			return nil, err
		}
		docs = append(docs, tail...)
	}
	rows := make([]clicklog.RawClick, len(docs))
	for i := range docs {
		rows[i] = *fromDocument(&docs[i])
	}
	return rows, nil
}

// DeleteBefore removes at most batchSize rows older than cutoff. MongoDB has
// no bounded delete, so it selects a batch of IDs first and deletes those.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	opts := options.Find().SetProjection(bson.M{"_id": 1})
	if batchSize > 0 {
		opts = opts.SetLimit(int64(batchSize))
	}
	cursor, err := s.clicks.Find(ctx, bson.M{"ts": bson.M{"$lt": cutoff.UTC()}}, opts)
	if err != nil {
		return 0, fmt.Errorf("mongodb select expired raw clicks: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var ids []string
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return 0, fmt.Errorf("mongodb decode expired raw click: %w", err)
		}
		ids = append(ids, doc.ID)
	}
	if err := cursor.Err(); err != nil {
		return 0, fmt.Errorf("mongodb select expired raw clicks: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.clicks.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, fmt.Errorf("mongodb delete expired raw clicks: %w", err)
	}
	return res.DeletedCount, nil
}

// CountAll reports the number of stored rows.
func (s *Store) CountAll(ctx context.Context) (int64, error) {
	n, err := s.clicks.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("mongodb count raw clicks: %w", err)
	}
	return n, nil
}

func (s *Store) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]clickDocument, error) {
	cursor, err := s.clicks.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list raw clicks: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []clickDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list raw clicks decode: %w", err)
	}
	return docs, nil
}

func onlyDuplicateKeys(bwe mongo.BulkWriteException) bool {
	if bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
		return false
	}
	for _, we := range bwe.WriteErrors {
		if !mongo.IsDuplicateKeyError(we) {
			return false
		}
	}
	return true
}

func toDocument(c *clicklog.RawClick) *clickDocument {
	return &clickDocument{
		ID:             c.ClickID,
		Timestamp:      c.Timestamp.UTC(),
		WorkspaceID:    c.WorkspaceID,
		LinkID:         c.LinkID,
		Domain:         c.Domain,
		Slug:           c.Slug,
		DestinationURL: c.DestinationURL,
		Referrer:       c.Referrer,
		UserAgent:      c.UserAgent,
		IPHash:         c.IPHash,
		Country:        c.Country,
		Region:         c.Region,
		City:           c.City,
		DeviceClass:    c.DeviceClass,
		BotSuspected:   c.BotSuspected,
	}
}

func fromDocument(doc *clickDocument) *clicklog.RawClick {
	return &clicklog.RawClick{
		ClickID:        doc.ID,
		Timestamp:      doc.Timestamp.UTC(),
		WorkspaceID:    doc.WorkspaceID,
		LinkID:         doc.LinkID,
		Domain:         doc.Domain,
		Slug:           doc.Slug,
		DestinationURL: doc.DestinationURL,
		Referrer:       doc.Referrer,
		UserAgent:      doc.UserAgent,
		IPHash:         doc.IPHash,
		Country:        doc.Country,
		Region:         doc.Region,
		City:           doc.City,
		DeviceClass:    doc.DeviceClass,
		BotSuspected:   doc.BotSuspected,
	}
}
