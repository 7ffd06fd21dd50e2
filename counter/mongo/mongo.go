// Package mongo provides a MongoDB implementation of the counter store.
//
// State is persisted with an optimistic version check so that concurrent
// writers from different processes cannot lose updates: inserts key on the
// workspace ID, updates match on (workspace, version).
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/hoplink/hoplink/counter"
)

// Store is a MongoDB implementation of the counter.Store interface.
type Store struct {
	collection *mongo.Collection
}

// Compile-time check that Store implements counter.Store.
var _ counter.Store = (*Store)(nil)

type counterDocument struct {
	WorkspaceID    string     `bson:"_id"`
	FreeMonthKey   string     `bson:"free_month_key,omitempty"`
	FreeTracked    int64      `bson:"free_tracked_clicks"`
	ProPeriodStart *time.Time `bson:"pro_period_start,omitempty"`
	ProPeriodEnd   *time.Time `bson:"pro_period_end,omitempty"`
	ProTracked     int64      `bson:"pro_tracked_clicks"`
	Version        int64      `bson:"version"`
}

// New creates a new MongoDB counter store on the workspace_counters
// collection of db.
func New(db *mongo.Database) *Store {
	return &Store{collection: db.Collection("workspace_counters")}
}

// Load returns the state for a workspace, or a zero state at version 0.
func (s *Store) Load(ctx context.Context, workspaceID string) (counter.State, error) {
	var doc counterDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": workspaceID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return counter.State{WorkspaceID: workspaceID}, nil
		}
		return counter.State{}, fmt.Errorf("mongodb load counter %q: %w", workspaceID, err)
	}
	return fromDocument(&doc), nil
}

// Save persists st, enforcing the optimistic version check. A fresh state
// (version 0) inserts; anything else updates matching on the loaded version.
func (s *Store) Save(ctx context.Context, st counter.State) error {
	if st.Version == 0 {
		doc := toDocument(&st)
		doc.Version = 1
		if _, err := s.collection.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return counter.ErrVersionConflict
			}
			return fmt.Errorf("mongodb insert counter %q: %w", st.WorkspaceID, err)
		}
		return nil
	}

	set := bson.M{
		"free_month_key":      st.FreeMonthKey,
		"free_tracked_clicks": st.FreeTracked,
		"pro_tracked_clicks":  st.ProTracked,
	}
	unset := bson.M{}
	if st.ProPeriodStart != nil {
		set["pro_period_start"] = st.ProPeriodStart.UTC()
	} else {
		unset["pro_period_start"] = ""
	}
	if st.ProPeriodEnd != nil {
		set["pro_period_end"] = st.ProPeriodEnd.UTC()
	} else {
		unset["pro_period_end"] = ""
	}
	mutation := bson.M{"$set": set, "$inc": bson.M{"version": 1}}
	if len(unset) > 0 {
		mutation["$unset"] = unset
	}

	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": st.WorkspaceID, "version": st.Version}, mutation)
	if err != nil {
		return fmt.Errorf("mongodb update counter %q: %w", st.WorkspaceID, err)
	}
	if res.MatchedCount == 0 {
		return counter.ErrVersionConflict
	}
	return nil
}

func toDocument(st *counter.State) *counterDocument {
	return &counterDocument{
		WorkspaceID:    st.WorkspaceID,
		FreeMonthKey:   st.FreeMonthKey,
		FreeTracked:    st.FreeTracked,
		ProPeriodStart: utcPtr(st.ProPeriodStart),
		ProPeriodEnd:   utcPtr(st.ProPeriodEnd),
		ProTracked:     st.ProTracked,
		Version:        st.Version,
	}
}

func fromDocument(doc *counterDocument) counter.State {
	return counter.State{
		WorkspaceID:    doc.WorkspaceID,
		FreeMonthKey:   doc.FreeMonthKey,
		FreeTracked:    doc.FreeTracked,
		ProPeriodStart: utcPtr(doc.ProPeriodStart),
		ProPeriodEnd:   utcPtr(doc.ProPeriodEnd),
		ProTracked:     doc.ProTracked,
		Version:        doc.Version,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
