// Package mongo provides a MongoDB implementation of the rollup store.
//
// Each of the five rollup tables is a collection of additive upsert documents
// keyed by a unique compound index; the high-water mark lives in a singleton
// aggregation_state document. ApplyBatch wraps the six writes in one
// multi-document transaction so a crash mid-batch never advances the mark
// over half-applied deltas.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hoplink/hoplink/rollup"
)

const stateID = "aggregation"

type (
	// Store is a MongoDB implementation of the rollup.Store interface.
	Store struct {
		db         *mongo.Database
		workspace  *mongo.Collection
		link       *mongo.Collection
		referrer   *mongo.Collection
		country    *mongo.Collection
		device     *mongo.Collection
		state      *mongo.Collection
		disableTxn bool
	}

	// Options configures a Store.
	Options struct {
		// Database holds the rollup collections. Required.
		Database *mongo.Database
		// DisableTransactions applies batches as plain writes, for
		// standalone topologies without replica sets. A crash mid-batch can
		// then double-count on replay; production deployments should leave
		// transactions on.
		DisableTransactions bool
	}
)

// Compile-time check that Store implements rollup.Store.
var _ rollup.Store = (*Store)(nil)

type stateDocument struct {
	ID              string    `bson:"_id"`
	LastProcessedTS time.Time `bson:"last_processed_ts"`
}

// New creates a new MongoDB rollup store.
func New(opts Options) (*Store, error) {
	if opts.Database == nil {
		return nil, fmt.Errorf("database is required")
	}
	db := opts.Database
	return &Store{
		db:         db,
		workspace:  db.Collection("rollup_workspace_daily"),
		link:       db.Collection("rollup_link_daily"),
		referrer:   db.Collection("rollup_referrer_daily"),
		country:    db.Collection("rollup_country_daily"),
		device:     db.Collection("rollup_device_daily"),
		state:      db.Collection("aggregation_state"),
		disableTxn: opts.DisableTransactions,
	}, nil
}

// EnsureIndexes creates the unique bucket indexes the additive upserts key on
// and the (workspace_id, date) index the per-workspace link reads scan.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	unique := func(coll *mongo.Collection, keys bson.D) error {
		_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    keys,
			Options: options.Index().SetUnique(true),
		})
		if err != nil {
			return fmt.Errorf("mongodb create %s index: %w", coll.Name(), err)
		}
		return nil
	}
	if err := unique(s.workspace, bson.D{{Key: "workspace_id", Value: 1}, {Key: "date", Value: 1}}); err != nil {
		return err
	}
	if err := unique(s.link, bson.D{{Key: "link_id", Value: 1}, {Key: "date", Value: 1}}); err != nil {
		return err
	}
	if err := unique(s.referrer, bson.D{{Key: "workspace_id", Value: 1}, {Key: "date", Value: 1}, {Key: "referrer", Value: 1}}); err != nil {
		return err
	}
	if err := unique(s.country, bson.D{{Key: "workspace_id", Value: 1}, {Key: "date", Value: 1}, {Key: "country", Value: 1}}); err != nil {
		return err
	}
	if err := unique(s.device, bson.D{{Key: "workspace_id", Value: 1}, {Key: "date", Value: 1}, {Key: "device_class", Value: 1}}); err != nil {
		return err
	}
	_, err := s.link.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "workspace_id", Value: 1}, {Key: "date", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongodb create rollup_link_daily workspace index: %w", err)
	}
	return nil
}

// ApplyBatch applies the five delta maps as additive upserts and advances the
// high-water mark, all within one transaction unless transactions are
// disabled.
func (s *Store) ApplyBatch(ctx context.Context, b rollup.Batch) error {
	if b.NewMark.IsZero() {
		return fmt.Errorf("batch high-water mark is required")
	}
	apply := func(ctx context.Context) error {
		if err := s.bulkUpsert(ctx, s.workspace, workspaceModels(b.Workspace)); err != nil {
			return err
		}
		if err := s.bulkUpsert(ctx, s.link, linkModels(b.Link)); err != nil {
			return err
		}
		if err := s.bulkUpsert(ctx, s.referrer, referrerModels(b.Referrer)); err != nil {
			return err
		}
		if err := s.bulkUpsert(ctx, s.country, countryModels(b.Country)); err != nil {
			return err
		}
		if err := s.bulkUpsert(ctx, s.device, deviceModels(b.Device)); err != nil {
			return err
		}
		_, err := s.state.UpdateOne(ctx,
			bson.M{"_id": stateID},
			bson.M{"$set": bson.M{"last_processed_ts": b.NewMark.UTC()}},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return fmt.Errorf("mongodb advance high-water mark: %w", err)
		}
		return nil
	}

	if s.disableTxn {
		return apply(ctx)
	}
	session, err := s.db.Client().StartSession()
	if err != nil {
		return fmt.Errorf("mongodb start session: %w", err)
	}
	defer session.EndSession(ctx)
	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, apply(sc)
	})
	return err
}

// HighWaterMark returns the last processed timestamp, zero when no batch has
// been applied yet.
func (s *Store) HighWaterMark(ctx context.Context) (time.Time, error) {
	var doc stateDocument
	err := s.state.FindOne(ctx, bson.M{"_id": stateID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("mongodb get high-water mark: %w", err)
	}
	return doc.LastProcessedTS.UTC(), nil
}

// WorkspaceTotal sums the workspace-day buckets within the window.
func (s *Store) WorkspaceTotal(ctx context.Context, workspaceID, from, to string) (int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: windowFilter(workspaceID, from, to)}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$total_clicks"}}}},
	}
	rows, err := s.aggregate(ctx, s.workspace, pipeline)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Total, nil
}

// DailyTrend returns the workspace-day buckets within the window, ascending
// by date.
func (s *Store) DailyTrend(ctx context.Context, workspaceID, from, to string) ([]rollup.DayCount, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: windowFilter(workspaceID, from, to)}},
		{{Key: "$group", Value: bson.M{"_id": "$date", "total": bson.M{"$sum": "$total_clicks"}}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	}
	rows, err := s.aggregate(ctx, s.workspace, pipeline)
	if err != nil {
		return nil, err
	}
	trend := make([]rollup.DayCount, len(rows))
	for i, r := range rows {
		trend[i] = rollup.DayCount{Date: r.ID, Clicks: r.Total}
	}
	return trend, nil
}

// TopLinks sums link-day buckets per link within the window, clicks
// descending.
func (s *Store) TopLinks(ctx context.Context, workspaceID, from, to string, limit int) ([]rollup.KeyCount, error) {
	return s.topN(ctx, s.link, "$link_id", workspaceID, from, to, limit)
}

// TopReferrers sums referrer buckets per normalized referrer within the
// window, clicks descending.
func (s *Store) TopReferrers(ctx context.Context, workspaceID, from, to string, limit int) ([]rollup.KeyCount, error) {
	return s.topN(ctx, s.referrer, "$referrer", workspaceID, from, to, limit)
}

// TopCountries sums country buckets per country within the window, clicks
// descending.
func (s *Store) TopCountries(ctx context.Context, workspaceID, from, to string, limit int) ([]rollup.KeyCount, error) {
	return s.topN(ctx, s.country, "$country", workspaceID, from, to, limit)
}

// Devices sums device buckets per device class within the window, clicks
// descending. The cardinality is small so no limit applies.
func (s *Store) Devices(ctx context.Context, workspaceID, from, to string) ([]rollup.KeyCount, error) {
	return s.topN(ctx, s.device, "$device_class", workspaceID, from, to, 0)
}

func (s *Store) topN(ctx context.Context, coll *mongo.Collection, groupField, workspaceID, from, to string, limit int) ([]rollup.KeyCount, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: windowFilter(workspaceID, from, to)}},
		{{Key: "$group", Value: bson.M{"_id": groupField, "total": bson.M{"$sum": "$total_clicks"}}}},
		{{Key: "$sort", Value: bson.D{{Key: "total", Value: -1}, {Key: "_id", Value: 1}}}},
	}
	if limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: limit}})
	}
	rows, err := s.aggregate(ctx, coll, pipeline)
	if err != nil {
		return nil, err
	}
	result := make([]rollup.KeyCount, len(rows))
	for i, r := range rows {
		result[i] = rollup.KeyCount{Key: r.ID, Clicks: r.Total}
	}
	return result, nil
}

type sumRow struct {
	ID    string `bson:"_id"`
	Total int64  `bson:"total"`
}

func (s *Store) aggregate(ctx context.Context, coll *mongo.Collection, pipeline mongo.Pipeline) ([]sumRow, error) {
	cursor, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("mongodb aggregate %s: %w", coll.Name(), err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var rows []sumRow
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("mongodb aggregate %s decode: %w", coll.Name(), err)
	}
	return rows, nil
}

func (s *Store) bulkUpsert(ctx context.Context, coll *mongo.Collection, models []mongo.WriteModel) error {
	if len(models) == 0 {
		return nil
	}
	_, err := coll.BulkWrite(ctx, models)
	if err != nil {
		return fmt.Errorf("mongodb upsert %s: %w", coll.Name(), err)
	}
	return nil
}

func windowFilter(workspaceID, from, to string) bson.M {
	return bson.M{
		"workspace_id": workspaceID,
		"date":         bson.M{"$gte": from, "$lte": to},
	}
}

func workspaceModels(deltas map[rollup.WorkspaceKey]int64) []mongo.WriteModel {
	models := make([]mongo.WriteModel, 0, len(deltas))
	for k, n := range deltas {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"workspace_id": k.WorkspaceID, "date": k.Date}).
			SetUpdate(bson.M{"$inc": bson.M{"total_clicks": n}}).
			SetUpsert(true))
	}
	return models
}

func linkModels(deltas map[rollup.LinkKey]int64) []mongo.WriteModel {
	models := make([]mongo.WriteModel, 0, len(deltas))
	for k, n := range deltas {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"link_id": k.LinkID, "date": k.Date}).
			SetUpdate(bson.M{
				"$inc": bson.M{"total_clicks": n},
				"$set": bson.M{"workspace_id": k.WorkspaceID},
			}).
			SetUpsert(true))
	}
	return models
}

func referrerModels(deltas map[rollup.ReferrerKey]int64) []mongo.WriteModel {
	models := make([]mongo.WriteModel, 0, len(deltas))
	for k, n := range deltas {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"workspace_id": k.WorkspaceID, "date": k.Date, "referrer": k.Referrer}).
			SetUpdate(bson.M{"$inc": bson.M{"total_clicks": n}}).
			SetUpsert(true))
	}
	return models
}

func countryModels(deltas map[rollup.CountryKey]int64) []mongo.WriteModel {
	models := make([]mongo.WriteModel, 0, len(deltas))
	for k, n := range deltas {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"workspace_id": k.WorkspaceID, "date": k.Date, "country": k.Country}).
			SetUpdate(bson.M{"$inc": bson.M{"total_clicks": n}}).
			SetUpsert(true))
	}
	return models
}

func deviceModels(deltas map[rollup.DeviceKey]int64) []mongo.WriteModel {
	models := make([]mongo.WriteModel, 0, len(deltas))
	for k, n := range deltas {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"workspace_id": k.WorkspaceID, "date": k.Date, "device_class": k.Device}).
			SetUpdate(bson.M{"$inc": bson.M{"total_clicks": n}}).
			SetUpsert(true))
	}
	return models
}
