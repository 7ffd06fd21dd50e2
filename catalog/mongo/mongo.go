// Package mongo provides a MongoDB implementation of the catalog store.
//
// This implementation persists workspaces, domains and links to MongoDB for
// durability across restarts, suitable for production deployments.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hoplink/hoplink/catalog"
)

// Store is a MongoDB implementation of the catalog.Store interface.
type Store struct {
	workspaces *mongo.Collection
	domains    *mongo.Collection
	links      *mongo.Collection
}

// Compile-time check that Store implements catalog.Store.
var _ catalog.Store = (*Store)(nil)

type workspaceDocument struct {
	ID            string     `bson:"_id"`
	Plan          string     `bson:"plan"`
	PeriodStart   *time.Time `bson:"period_start,omitempty"`
	PeriodEnd     *time.Time `bson:"period_end,omitempty"`
	BillingStatus string     `bson:"billing_status"`
	CreatedAt     time.Time  `bson:"created_at"`
}

type domainDocument struct {
	ID          string    `bson:"_id"`
	WorkspaceID string    `bson:"workspace_id,omitempty"`
	Hostname    string    `bson:"hostname"`
	Status      string    `bson:"status"`
	CreatedAt   time.Time `bson:"created_at"`
}

type linkDocument struct {
	ID             string    `bson:"_id"`
	WorkspaceID    string    `bson:"workspace_id"`
	DomainID       string    `bson:"domain_id"`
	Slug           string    `bson:"slug"`
	DestinationURL string    `bson:"destination_url"`
	Status         string    `bson:"status"`
	CreatedAt      time.Time `bson:"created_at"`
}

// New creates a new MongoDB catalog store using collections of the provided
// database. The database should be from a connected MongoDB client.
func New(db *mongo.Database) *Store {
	return &Store{
		workspaces: db.Collection("workspaces"),
		domains:    db.Collection("domains"),
		links:      db.Collection("links"),
	}
}

// EnsureIndexes creates the indexes the redirect and listing paths rely on:
// a unique hostname index on domains, a unique (domain, slug) index on links
// and a (workspace, created_at) index on links.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.domains.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "hostname", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongodb create domain hostname index: %w", err)
	}
	_, err = s.links.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "domain_id", Value: 1}, {Key: "slug", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "workspace_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
	})
	if err != nil {
		return fmt.Errorf("mongodb create link indexes: %w", err)
	}
	_, err = s.workspaces.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "plan", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("mongodb create workspace plan index: %w", err)
	}
	return nil
}

// CreateWorkspace stores a new workspace in MongoDB.
func (s *Store) CreateWorkspace(ctx context.Context, ws *catalog.Workspace) error {
	_, err := s.workspaces.InsertOne(ctx, workspaceToDocument(ws))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return catalog.ErrConflict
		}
		return fmt.Errorf("mongodb create workspace %q: %w", ws.ID, err)
	}
	return nil
}

// Workspace retrieves a workspace by ID from MongoDB.
func (s *Store) Workspace(ctx context.Context, id string) (*catalog.Workspace, error) {
	var doc workspaceDocument
	err := s.workspaces.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get workspace %q: %w", id, err)
	}
	return workspaceFromDocument(&doc), nil
}

// UpdateWorkspacePlan overwrites the plan fields of a workspace in MongoDB.
func (s *Store) UpdateWorkspacePlan(ctx context.Context, id string, update catalog.PlanUpdate) error {
	set := bson.M{
		"plan":           string(update.Plan),
		"billing_status": string(update.BillingStatus),
	}
	unset := bson.M{}
	if update.PeriodStart != nil {
		set["period_start"] = update.PeriodStart.UTC()
	} else {
		unset["period_start"] = ""
	}
	if update.PeriodEnd != nil {
		set["period_end"] = update.PeriodEnd.UTC()
	} else {
		unset["period_end"] = ""
	}
	mutation := bson.M{"$set": set}
	if len(unset) > 0 {
		mutation["$unset"] = unset
	}

	res, err := s.workspaces.UpdateOne(ctx, bson.M{"_id": id}, mutation)
	if err != nil {
		return fmt.Errorf("mongodb update workspace plan %q: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

// ListProWorkspaces returns every workspace on the pro plan from MongoDB.
func (s *Store) ListProWorkspaces(ctx context.Context) ([]*catalog.Workspace, error) {
	cursor, err := s.workspaces.Find(ctx, bson.M{"plan": string(catalog.PlanPro)})
	if err != nil {
		return nil, fmt.Errorf("mongodb list pro workspaces: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []workspaceDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list pro workspaces decode: %w", err)
	}
	result := make([]*catalog.Workspace, len(docs))
	for i := range docs {
		result[i] = workspaceFromDocument(&docs[i])
	}
	return result, nil
}

// CreateDomain stores a new domain in MongoDB.
func (s *Store) CreateDomain(ctx context.Context, d *catalog.Domain) error {
	doc := domainToDocument(d)
	doc.Hostname = strings.ToLower(doc.Hostname)
	_, err := s.domains.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return catalog.ErrConflict
		}
		return fmt.Errorf("mongodb create domain %q: %w", d.Hostname, err)
	}
	return nil
}

// DomainByHostname retrieves a domain by hostname from MongoDB.
func (s *Store) DomainByHostname(ctx context.Context, hostname string) (*catalog.Domain, error) {
	var doc domainDocument
	err := s.domains.FindOne(ctx, bson.M{"hostname": strings.ToLower(hostname)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get domain %q: %w", hostname, err)
	}
	return domainFromDocument(&doc), nil
}

// UpdateDomainStatus transitions a domain's verification status in MongoDB.
func (s *Store) UpdateDomainStatus(ctx context.Context, id string, status catalog.DomainStatus) error {
	res, err := s.domains.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"status": string(status)}})
	if err != nil {
		return fmt.Errorf("mongodb update domain status %q: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

// CreateLink stores a new link in MongoDB.
func (s *Store) CreateLink(ctx context.Context, l *catalog.Link) error {
	doc := linkToDocument(l)
	doc.Slug = strings.ToLower(doc.Slug)
	_, err := s.links.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return catalog.ErrConflict
		}
		return fmt.Errorf("mongodb create link %q: %w", l.Slug, err)
	}
	return nil
}

// LinkBySlug retrieves a link by (domain, slug) from MongoDB.
func (s *Store) LinkBySlug(ctx context.Context, domainID, slug string) (*catalog.Link, error) {
	var doc linkDocument
	err := s.links.FindOne(ctx, bson.M{"domain_id": domainID, "slug": strings.ToLower(slug)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get link %q/%q: %w", domainID, slug, err)
	}
	return linkFromDocument(&doc), nil
}

// LinksByIDs returns the links for the given IDs from MongoDB.
func (s *Store) LinksByIDs(ctx context.Context, ids []string) ([]*catalog.Link, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cursor, err := s.links.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("mongodb get links by ids: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []linkDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb get links by ids decode: %w", err)
	}
	result := make([]*catalog.Link, len(docs))
	for i := range docs {
		result[i] = linkFromDocument(&docs[i])
	}
	return result, nil
}

// ListLinks returns a workspace's links from MongoDB, newest first.
func (s *Store) ListLinks(ctx context.Context, workspaceID string) ([]*catalog.Link, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cursor, err := s.links.Find(ctx, bson.M{"workspace_id": workspaceID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list links for %q: %w", workspaceID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []linkDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list links decode: %w", err)
	}
	result := make([]*catalog.Link, len(docs))
	for i := range docs {
		result[i] = linkFromDocument(&docs[i])
	}
	return result, nil
}

// UpdateLinkStatus pauses or reactivates a link in MongoDB.
func (s *Store) UpdateLinkStatus(ctx context.Context, id string, status catalog.LinkStatus) error {
	res, err := s.links.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"status": string(status)}})
	if err != nil {
		return fmt.Errorf("mongodb update link status %q: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return catalog.ErrNotFound
	}
	return nil
}

func workspaceToDocument(ws *catalog.Workspace) *workspaceDocument {
	return &workspaceDocument{
		ID:            ws.ID,
		Plan:          string(ws.Plan),
		PeriodStart:   utcPtr(ws.PeriodStart),
		PeriodEnd:     utcPtr(ws.PeriodEnd),
		BillingStatus: string(ws.BillingStatus),
		CreatedAt:     ws.CreatedAt.UTC(),
	}
}

func workspaceFromDocument(doc *workspaceDocument) *catalog.Workspace {
	return &catalog.Workspace{
		ID:            doc.ID,
		Plan:          catalog.Plan(doc.Plan),
		PeriodStart:   utcPtr(doc.PeriodStart),
		PeriodEnd:     utcPtr(doc.PeriodEnd),
		BillingStatus: catalog.BillingStatus(doc.BillingStatus),
		CreatedAt:     doc.CreatedAt.UTC(),
	}
}

func domainToDocument(d *catalog.Domain) *domainDocument {
	return &domainDocument{
		ID:          d.ID,
		WorkspaceID: d.WorkspaceID,
		Hostname:    d.Hostname,
		Status:      string(d.Status),
		CreatedAt:   d.CreatedAt.UTC(),
	}
}

func domainFromDocument(doc *domainDocument) *catalog.Domain {
	return &catalog.Domain{
		ID:          doc.ID,
		WorkspaceID: doc.WorkspaceID,
		Hostname:    doc.Hostname,
		Status:      catalog.DomainStatus(doc.Status),
		CreatedAt:   doc.CreatedAt.UTC(),
	}
}

func linkToDocument(l *catalog.Link) *linkDocument {
	return &linkDocument{
		ID:             l.ID,
		WorkspaceID:    l.WorkspaceID,
		DomainID:       l.DomainID,
		Slug:           l.Slug,
		DestinationURL: l.DestinationURL,
		Status:         string(l.Status),
		CreatedAt:      l.CreatedAt.UTC(),
	}
}

func linkFromDocument(doc *linkDocument) *catalog.Link {
	return &catalog.Link{
		ID:             doc.ID,
		WorkspaceID:    doc.WorkspaceID,
		DomainID:       doc.DomainID,
		Slug:           doc.Slug,
		DestinationURL: doc.DestinationURL,
		Status:         catalog.LinkStatus(doc.Status),
		CreatedAt:      doc.CreatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
