package catalog

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// slugPattern is deliberately strict: slugs travel in URLs and in rollup
// keys, so only URL-safe characters are admitted.
var slugPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

type (
	// Service is the provisioning surface over the catalog: workspace,
	// domain and link creation plus the plan mutation applied by the billing
	// collaborator. The redirect path never goes through it.
	Service struct {
		store Store
		now   func() time.Time
		newID func() string

		syncProPeriod  func(ctx context.Context, workspaceID string, start, end *time.Time) error
		invalidatePlan func(workspaceID string)
	}

	// ServiceOptions configures the catalog service.
	ServiceOptions struct {
		// Store is the persistence layer. Required.
		Store Store
		// SyncProPeriod, when set, is invoked after a pro plan update so the
		// usage counter observes the new billing period.
		SyncProPeriod func(ctx context.Context, workspaceID string, start, end *time.Time) error
		// InvalidatePlan, when set, is invoked after any plan update so
		// cached plan reads converge faster than their TTL.
		InvalidatePlan func(workspaceID string)
		// Now overrides the clock, for tests.
		Now func() time.Time
		// NewID overrides ID generation, for tests.
		NewID func() string
	}
)

// NewService creates the catalog provisioning service.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	s := &Service{
		store:          opts.Store,
		now:            opts.Now,
		newID:          opts.NewID,
		syncProPeriod:  opts.SyncProPeriod,
		invalidatePlan: opts.InvalidatePlan,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s, nil
}

// CreateWorkspace provisions a new workspace on the given plan. An empty plan
// defaults to free.
func (s *Service) CreateWorkspace(ctx context.Context, plan Plan) (*Workspace, error) {
	if plan == "" {
		plan = PlanFree
	}
	if plan != PlanFree && plan != PlanPro {
		return nil, fmt.Errorf("%w: unknown plan %q", ErrInvalid, plan)
	}
	ws := &Workspace{
		ID:            s.newID(),
		Plan:          plan,
		BillingStatus: BillingActive,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.CreateWorkspace(ctx, ws); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return ws, nil
}

// UpdateWorkspacePlan applies a plan change reported by the billing
// collaborator. On a pro update with a billing period it also pushes the
// period into the usage counter, and in all cases drops any cached plan.
func (s *Service) UpdateWorkspacePlan(ctx context.Context, id string, update PlanUpdate) (*Workspace, error) {
	if update.Plan != PlanFree && update.Plan != PlanPro {
		return nil, fmt.Errorf("%w: unknown plan %q", ErrInvalid, update.Plan)
	}
	if update.Plan == PlanFree && (update.PeriodStart != nil || update.PeriodEnd != nil) {
		return nil, fmt.Errorf("%w: free plan carries no billing period", ErrInvalid)
	}
	if (update.PeriodStart == nil) != (update.PeriodEnd == nil) {
		return nil, fmt.Errorf("%w: billing period must set both bounds or neither", ErrInvalid)
	}
	if update.BillingStatus == "" {
		update.BillingStatus = BillingActive
	}

	if err := s.store.UpdateWorkspacePlan(ctx, id, update); err != nil {
		return nil, fmt.Errorf("update workspace plan: %w", err)
	}
	if s.invalidatePlan != nil {
		s.invalidatePlan(id)
	}
	// Only a pro period reaches the counter. Downgrades leave the pro
	// counter on its last period so a pending usage report stays readable.
	if update.Plan == PlanPro && update.PeriodStart != nil && s.syncProPeriod != nil {
		if err := s.syncProPeriod(ctx, id, update.PeriodStart, update.PeriodEnd); err != nil {
			return nil, fmt.Errorf("sync billing period: %w", err)
		}
	}
	return s.store.Workspace(ctx, id)
}

// CreateDomain registers a hostname for a workspace. The domain starts out
// pending; it resolves only once verified. workspaceID may be empty for
// platform-owned domains.
func (s *Service) CreateDomain(ctx context.Context, workspaceID, hostname string) (*Domain, error) {
	host := NormalizeHostname(hostname)
	if host == "" || strings.ContainsAny(host, " /\\") || !strings.Contains(host, ".") {
		return nil, fmt.Errorf("%w: malformed hostname %q", ErrInvalid, hostname)
	}
	d := &Domain{
		ID:          s.newID(),
		WorkspaceID: workspaceID,
		Hostname:    host,
		Status:      DomainPending,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreateDomain(ctx, d); err != nil {
		return nil, fmt.Errorf("create domain: %w", err)
	}
	return d, nil
}

// UpdateDomainStatus records the outcome of hostname verification.
func (s *Service) UpdateDomainStatus(ctx context.Context, id string, status DomainStatus) error {
	switch status {
	case DomainPending, DomainVerified, DomainFailed:
	default:
		return fmt.Errorf("%w: unknown domain status %q", ErrInvalid, status)
	}
	if err := s.store.UpdateDomainStatus(ctx, id, status); err != nil {
		return fmt.Errorf("update domain status: %w", err)
	}
	return nil
}

// CreateLinkParams carries the inputs for CreateLink.
type CreateLinkParams struct {
	WorkspaceID    string
	DomainID       string
	Slug           string
	DestinationURL string
}

// CreateLink registers a redirect rule. Slugs are lowercased; the destination
// must be an absolute http(s) URL but is otherwise stored verbatim.
func (s *Service) CreateLink(ctx context.Context, p CreateLinkParams) (*Link, error) {
	if p.WorkspaceID == "" || p.DomainID == "" {
		return nil, fmt.Errorf("%w: workspace and domain are required", ErrInvalid)
	}
	if !slugPattern.MatchString(p.Slug) {
		return nil, fmt.Errorf("%w: malformed slug %q", ErrInvalid, p.Slug)
	}
	dest, err := url.Parse(p.DestinationURL)
	if err != nil || (dest.Scheme != "http" && dest.Scheme != "https") || dest.Host == "" {
		return nil, fmt.Errorf("%w: destination must be an absolute http(s) URL", ErrInvalid)
	}
	l := &Link{
		ID:             s.newID(),
		WorkspaceID:    p.WorkspaceID,
		DomainID:       p.DomainID,
		Slug:           strings.ToLower(p.Slug),
		DestinationURL: p.DestinationURL,
		Status:         LinkActive,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.CreateLink(ctx, l); err != nil {
		return nil, fmt.Errorf("create link: %w", err)
	}
	return l, nil
}

// UpdateLinkStatus pauses or reactivates a link. Paused links 404 on the
// redirect path exactly like missing ones.
func (s *Service) UpdateLinkStatus(ctx context.Context, id string, status LinkStatus) error {
	switch status {
	case LinkActive, LinkPaused:
	default:
		return fmt.Errorf("%w: unknown link status %q", ErrInvalid, status)
	}
	if err := s.store.UpdateLinkStatus(ctx, id, status); err != nil {
		return fmt.Errorf("update link status: %w", err)
	}
	return nil
}
