package catalog

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Resolution is the outcome of a successful (hostname, slug) lookup. It
// carries everything the redirect path needs so no second catalog read is
// required before responding.
type Resolution struct {
	WorkspaceID    string
	LinkID         string
	DomainID       string
	Domain         string
	Slug           string
	DestinationURL string
}

// Resolver maps (hostname, slug) pairs to redirect destinations. Unresolved
// is a value, not an error: the boolean return is false for missing domains,
// unverified domains, missing links and paused links alike, so callers cannot
// distinguish them (paused links behave as absent).
type Resolver struct {
	store Store
}

// NewResolver creates a resolver over the given catalog store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve looks up the active link served at hostname/slug. Both inputs are
// case-insensitive; a port suffix on the hostname is ignored. Store I/O
// errors are returned as-is and carry no resolution.
func (r *Resolver) Resolve(ctx context.Context, hostname, slug string) (Resolution, bool, error) {
	host := NormalizeHostname(hostname)
	if host == "" || slug == "" {
		return Resolution{}, false, nil
	}

	d, err := r.store.DomainByHostname(ctx, host)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Resolution{}, false, nil
		}
		return Resolution{}, false, err
	}
	if d.Status != DomainVerified {
		return Resolution{}, false, nil
	}

	l, err := r.store.LinkBySlug(ctx, d.ID, strings.ToLower(slug))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Resolution{}, false, nil
		}
		return Resolution{}, false, err
	}
	if l.Status != LinkActive {
		return Resolution{}, false, nil
	}

	return Resolution{
		WorkspaceID:    l.WorkspaceID,
		LinkID:         l.ID,
		DomainID:       d.ID,
		Domain:         d.Hostname,
		Slug:           l.Slug,
		DestinationURL: l.DestinationURL,
	}, true, nil
}

// NormalizeHostname lowercases a hostname and strips any port suffix, so the
// Host header of an incoming request can be used directly.
func NormalizeHostname(hostname string) string {
	h := strings.TrimSpace(strings.ToLower(hostname))
	if h == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(h); err == nil {
		return host
	}
	return h
}
