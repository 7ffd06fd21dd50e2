// Package catalog holds the relational link catalog: workspaces, domains and
// links. The redirect path is read-mostly against this package; writers are
// the provisioning surface in Service and the billing collaborator updating
// workspace plans.
package catalog

import (
	"context"
	"errors"
	"time"
)

// Store errors. Implementations map their native errors onto these so callers
// can branch without knowing the backend.
var (
	// ErrNotFound is returned when a workspace, domain or link does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a uniqueness constraint is violated.
	ErrConflict = errors.New("already exists")
	// ErrInvalid is returned by the provisioning surface for malformed input.
	ErrInvalid = errors.New("invalid argument")
)

// Plan identifies the workspace subscription tier.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// BillingStatus mirrors the subscription state reported by the billing
// collaborator. The redirect path never reads it; it is carried for the
// billing jobs and the (external) billing UI.
type BillingStatus string

const (
	BillingActive   BillingStatus = "active"
	BillingPastDue  BillingStatus = "past_due"
	BillingCanceled BillingStatus = "canceled"
)

// DomainStatus tracks hostname verification. Only verified domains resolve.
type DomainStatus string

const (
	DomainPending  DomainStatus = "pending"
	DomainVerified DomainStatus = "verified"
	DomainFailed   DomainStatus = "failed"
)

// LinkStatus gates whether a link participates in resolution.
type LinkStatus string

const (
	LinkActive LinkStatus = "active"
	LinkPaused LinkStatus = "paused"
)

type (
	// Workspace is the owning tenant. Plan is the single authority read on
	// the redirect path; the billing period pair is present iff the
	// workspace has an active pro subscription.
	Workspace struct {
		ID            string
		Plan          Plan
		PeriodStart   *time.Time
		PeriodEnd     *time.Time
		BillingStatus BillingStatus
		CreatedAt     time.Time
	}

	// Domain is a hostname short links are served on. WorkspaceID is empty
	// for platform-owned domains. Hostnames are unique case-insensitively;
	// stores keep them lowercased.
	Domain struct {
		ID          string
		WorkspaceID string
		Hostname    string
		Status      DomainStatus
		CreatedAt   time.Time
	}

	// Link is a redirect rule. (DomainID, Slug) is unique; slugs are stored
	// lowercased. The destination URL is opaque: no normalization beyond
	// what the provisioning surface validates.
	Link struct {
		ID             string
		WorkspaceID    string
		DomainID       string
		Slug           string
		DestinationURL string
		Status         LinkStatus
		CreatedAt      time.Time
	}

	// PlanUpdate carries a plan mutation from the billing collaborator.
	PlanUpdate struct {
		Plan          Plan
		PeriodStart   *time.Time
		PeriodEnd     *time.Time
		BillingStatus BillingStatus
	}
)

// Store is the persistence contract for the catalog. Implementations must
// enforce hostname uniqueness (case-insensitive) and (domain, slug)
// uniqueness, and must index links by (workspace, created_at) for listing.
type Store interface {
	// CreateWorkspace persists a new workspace. ErrConflict if the ID is taken.
	CreateWorkspace(ctx context.Context, ws *Workspace) error
	// Workspace returns a workspace by ID. ErrNotFound if absent.
	Workspace(ctx context.Context, id string) (*Workspace, error)
	// UpdateWorkspacePlan overwrites the plan fields of a workspace.
	UpdateWorkspacePlan(ctx context.Context, id string, update PlanUpdate) error
	// ListProWorkspaces returns every workspace currently on the pro plan.
	ListProWorkspaces(ctx context.Context) ([]*Workspace, error)

	// CreateDomain persists a new domain. ErrConflict if the hostname is taken.
	CreateDomain(ctx context.Context, d *Domain) error
	// DomainByHostname looks a domain up by hostname, case-insensitively.
	DomainByHostname(ctx context.Context, hostname string) (*Domain, error)
	// UpdateDomainStatus transitions a domain's verification status.
	UpdateDomainStatus(ctx context.Context, id string, status DomainStatus) error

	// CreateLink persists a new link. ErrConflict if (domain, slug) is taken.
	CreateLink(ctx context.Context, l *Link) error
	// LinkBySlug looks a link up by (domain, slug), case-insensitively.
	LinkBySlug(ctx context.Context, domainID, slug string) (*Link, error)
	// LinksByIDs returns the links for the given IDs. Missing IDs are
	// silently skipped; order is unspecified.
	LinksByIDs(ctx context.Context, ids []string) ([]*Link, error)
	// ListLinks returns a workspace's links, newest first.
	ListLinks(ctx context.Context, workspaceID string) ([]*Link, error)
	// UpdateLinkStatus pauses or reactivates a link.
	UpdateLinkStatus(ctx context.Context, id string, status LinkStatus) error
}
