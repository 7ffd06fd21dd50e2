// Package memory provides an in-memory implementation of the catalog store.
//
// This implementation is suitable for development, testing, and single-node
// deployments where persistence across restarts is not required.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/hoplink/hoplink/catalog"
)

// Store is an in-memory implementation of the catalog.Store interface.
// It is safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	workspaces map[string]catalog.Workspace
	domains    map[string]catalog.Domain
	links      map[string]catalog.Link

	hostIndex map[string]string // hostname -> domain ID
	slugIndex map[string]string // domainID + "\x00" + slug -> link ID
}

// Compile-time check that Store implements catalog.Store.
var _ catalog.Store = (*Store)(nil)

// New creates a new in-memory catalog store.
func New() *Store {
	return &Store{
		workspaces: make(map[string]catalog.Workspace),
		domains:    make(map[string]catalog.Domain),
		links:      make(map[string]catalog.Link),
		hostIndex:  make(map[string]string),
		slugIndex:  make(map[string]string),
	}
}

// CreateWorkspace stores a new workspace.
func (s *Store) CreateWorkspace(ctx context.Context, ws *catalog.Workspace) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[ws.ID]; ok {
		return catalog.ErrConflict
	}
	s.workspaces[ws.ID] = *ws
	return nil
}

// Workspace retrieves a workspace by ID.
func (s *Store) Workspace(ctx context.Context, id string) (*catalog.Workspace, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &ws, nil
}

// UpdateWorkspacePlan overwrites the plan fields of a workspace.
func (s *Store) UpdateWorkspacePlan(ctx context.Context, id string, update catalog.PlanUpdate) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return catalog.ErrNotFound
	}
	ws.Plan = update.Plan
	ws.PeriodStart = update.PeriodStart
	ws.PeriodEnd = update.PeriodEnd
	ws.BillingStatus = update.BillingStatus
	s.workspaces[id] = ws
	return nil
}

// ListProWorkspaces returns every workspace on the pro plan.
func (s *Store) ListProWorkspaces(ctx context.Context) ([]*catalog.Workspace, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*catalog.Workspace, 0)
	for _, ws := range s.workspaces {
		if ws.Plan == catalog.PlanPro {
			ws := ws
			result = append(result, &ws)
		}
	}
	return result, nil
}

// CreateDomain stores a new domain, enforcing hostname uniqueness.
func (s *Store) CreateDomain(ctx context.Context, d *catalog.Domain) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	host := strings.ToLower(d.Hostname)
	if _, ok := s.domains[d.ID]; ok {
		return catalog.ErrConflict
	}
	if _, ok := s.hostIndex[host]; ok {
		return catalog.ErrConflict
	}
	stored := *d
	stored.Hostname = host
	s.domains[d.ID] = stored
	s.hostIndex[host] = d.ID
	return nil
}

// DomainByHostname retrieves a domain by hostname, case-insensitively.
func (s *Store) DomainByHostname(ctx context.Context, hostname string) (*catalog.Domain, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.hostIndex[strings.ToLower(hostname)]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	d := s.domains[id]
	return &d, nil
}

// UpdateDomainStatus transitions a domain's verification status.
func (s *Store) UpdateDomainStatus(ctx context.Context, id string, status catalog.DomainStatus) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[id]
	if !ok {
		return catalog.ErrNotFound
	}
	d.Status = status
	s.domains[id] = d
	return nil
}

// CreateLink stores a new link, enforcing (domain, slug) uniqueness.
func (s *Store) CreateLink(ctx context.Context, l *catalog.Link) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	slug := strings.ToLower(l.Slug)
	key := slugKey(l.DomainID, slug)
	if _, ok := s.links[l.ID]; ok {
		return catalog.ErrConflict
	}
	if _, ok := s.slugIndex[key]; ok {
		return catalog.ErrConflict
	}
	stored := *l
	stored.Slug = slug
	s.links[l.ID] = stored
	s.slugIndex[key] = l.ID
	return nil
}

// LinkBySlug retrieves a link by (domain, slug), case-insensitively.
func (s *Store) LinkBySlug(ctx context.Context, domainID, slug string) (*catalog.Link, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.slugIndex[slugKey(domainID, strings.ToLower(slug))]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	l := s.links[id]
	return &l, nil
}

// LinksByIDs returns the links for the given IDs, skipping missing ones.
func (s *Store) LinksByIDs(ctx context.Context, ids []string) ([]*catalog.Link, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*catalog.Link, 0, len(ids))
	for _, id := range ids {
		if l, ok := s.links[id]; ok {
			l := l
			result = append(result, &l)
		}
	}
	return result, nil
}

// ListLinks returns a workspace's links, newest first.
func (s *Store) ListLinks(ctx context.Context, workspaceID string) ([]*catalog.Link, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*catalog.Link, 0)
	for _, l := range s.links {
		if l.WorkspaceID == workspaceID {
			l := l
			result = append(result, &l)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// UpdateLinkStatus pauses or reactivates a link.
func (s *Store) UpdateLinkStatus(ctx context.Context, id string, status catalog.LinkStatus) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[id]
	if !ok {
		return catalog.ErrNotFound
	}
	l.Status = status
	s.links[id] = l
	return nil
}

func slugKey(domainID, slug string) string {
	return domainID + "\x00" + slug
}
