package catalog_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoplink/hoplink/catalog"
	"github.com/hoplink/hoplink/catalog/memory"
)

func seedCatalog(t *testing.T) catalog.Store {
	t.Helper()
	ctx := context.Background()
	st := memory.New()

	require.NoError(t, st.CreateWorkspace(ctx, &catalog.Workspace{
		ID:        "ws1",
		Plan:      catalog.PlanFree,
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.CreateDomain(ctx, &catalog.Domain{
		ID:          "dom1",
		WorkspaceID: "ws1",
		Hostname:    "example.test",
		Status:      catalog.DomainVerified,
	}))
	require.NoError(t, st.CreateDomain(ctx, &catalog.Domain{
		ID:          "dom2",
		WorkspaceID: "ws1",
		Hostname:    "pending.test",
		Status:      catalog.DomainPending,
	}))
	require.NoError(t, st.CreateLink(ctx, &catalog.Link{
		ID:             "lnk1",
		WorkspaceID:    "ws1",
		DomainID:       "dom1",
		Slug:           "promo",
		DestinationURL: "https://dest.example/path",
		Status:         catalog.LinkActive,
	}))
	require.NoError(t, st.CreateLink(ctx, &catalog.Link{
		ID:             "lnk2",
		WorkspaceID:    "ws1",
		DomainID:       "dom1",
		Slug:           "paused",
		DestinationURL: "https://dest.example/other",
		Status:         catalog.LinkPaused,
	}))
	return st
}

func TestResolverResolvesActiveLink(t *testing.T) {
	r := catalog.NewResolver(seedCatalog(t))

	res, ok, err := r.Resolve(context.Background(), "example.test", "promo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ws1", res.WorkspaceID)
	assert.Equal(t, "lnk1", res.LinkID)
	assert.Equal(t, "dom1", res.DomainID)
	assert.Equal(t, "example.test", res.Domain)
	assert.Equal(t, "promo", res.Slug)
	assert.Equal(t, "https://dest.example/path", res.DestinationURL)
}

func TestResolverNormalizesHostAndSlug(t *testing.T) {
	r := catalog.NewResolver(seedCatalog(t))

	for _, host := range []string{"EXAMPLE.test", "example.test:8080", " Example.Test "} {
		res, ok, err := r.Resolve(context.Background(), host, "PROMO")
		require.NoError(t, err, "host %q", host)
		require.True(t, ok, "host %q", host)
		assert.Equal(t, "lnk1", res.LinkID)
	}
}

func TestResolverUnresolved(t *testing.T) {
	r := catalog.NewResolver(seedCatalog(t))
	ctx := context.Background()

	cases := map[string]struct {
		host string
		slug string
	}{
		"missing domain":    {"unknown.test", "promo"},
		"unverified domain": {"pending.test", "promo"},
		"missing link":      {"example.test", "nope"},
		"paused link":       {"example.test", "paused"},
		"empty slug":        {"example.test", ""},
		"empty host":        {"", "promo"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			res, ok, err := r.Resolve(ctx, tc.host, tc.slug)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Zero(t, res)
		})
	}
}

type failingStore struct {
	catalog.Store
	err error
}

func (f *failingStore) DomainByHostname(context.Context, string) (*catalog.Domain, error) {
	return nil, f.err
}

func TestResolverPropagatesStoreErrors(t *testing.T) {
	boom := errors.New("backend down")
	r := catalog.NewResolver(&failingStore{err: boom})

	_, ok, err := r.Resolve(context.Background(), "example.test", "promo")
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
}

func TestNormalizeHostname(t *testing.T) {
	cases := map[string]string{
		"Example.TEST":       "example.test",
		"example.test:443":   "example.test",
		"  spaced.test  ":    "spaced.test",
		"[::1]:8080":         "::1",
		"":                   "",
		"plain-no-port.test": "plain-no-port.test",
	}
	for in, want := range cases {
		assert.Equal(t, want, catalog.NormalizeHostname(in), "input %q", in)
	}
}
