// Package api serves the authenticated dashboard surface: the
// /api/v1/analytics read endpoints behind bearer auth, a per-client rate
// limit and CORS. Every response, success or failure, uses the apitypes
// envelope.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/hoplink/hoplink/analytics"
	"github.com/hoplink/hoplink/apitypes"
	"github.com/hoplink/hoplink/catalog"
	"github.com/hoplink/hoplink/telemetry"
)

const (
	defaultRatePerSecond = 10
	defaultRateBurst     = 20

	// maxTrackedIPs bounds the rate limiter table; the table resets when it
	// reaches this many addresses.
	maxTrackedIPs = 65536

	queryRange = "range"
)

type (
	// Identity is the caller a bearer token resolves to.
	Identity struct {
		WorkspaceID string
		Plan        catalog.Plan
	}

	// Authenticator resolves bearer tokens. The second return is false for
	// tokens the backend does not know; errors are reserved for backend
	// failures.
	Authenticator interface {
		Authenticate(ctx context.Context, token string) (Identity, bool, error)
	}

	// TokenMap is a fixed token table, enough for development and tests.
	// Deployments back Authenticator with their own auth system.
	TokenMap map[string]Identity

	// Handler answers dashboard API requests.
	Handler struct {
		analytics *analytics.Service
		auth      Authenticator
		limiter   *ipLimiter
		origins   []string
		logger    telemetry.Logger
		metrics   telemetry.Metrics
	}

	// HandlerOptions configures a Handler.
	HandlerOptions struct {
		// Analytics answers the read queries. Required.
		Analytics *analytics.Service
		// Auth resolves bearer tokens. Required.
		Auth Authenticator
		// RatePerSecond is the per-client request rate. Defaults to 10.
		RatePerSecond float64
		// RateBurst is the per-client burst. Defaults to 20.
		RateBurst int
		// AllowedOrigins lists the dashboard origins for CORS. Empty allows
		// any origin.
		AllowedOrigins []string
		// Logger is optional.
		Logger telemetry.Logger
		// Metrics is optional.
		Metrics telemetry.Metrics
	}

	identityKey struct{}
)

// Authenticate implements Authenticator over the fixed table.
func (m TokenMap) Authenticate(_ context.Context, token string) (Identity, bool, error) {
	id, ok := m[token]
	return id, ok, nil
}

// NewHandler creates the API handler.
func NewHandler(opts HandlerOptions) (*Handler, error) {
	if opts.Analytics == nil {
		return nil, fmt.Errorf("analytics service is required")
	}
	if opts.Auth == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if opts.RatePerSecond == 0 {
		opts.RatePerSecond = defaultRatePerSecond
	}
	if opts.RateBurst == 0 {
		opts.RateBurst = defaultRateBurst
	}
	h := &Handler{
		analytics: opts.Analytics,
		auth:      opts.Auth,
		limiter:   newIPLimiter(opts.RatePerSecond, opts.RateBurst),
		origins:   opts.AllowedOrigins,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
	if h.logger == nil {
		h.logger = telemetry.NewNoopLogger()
	}
	if h.metrics == nil {
		h.metrics = telemetry.NewNoopMetrics()
	}
	return h, nil
}

// Router mounts the API surface under /api/v1. CORS and the rate limit wrap
// everything so rejections carry the right headers; auth guards only the
// analytics group.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(h.observe)
	r.Use(h.recoverPanics)
	r.Use(h.rateLimit)
	r.Route("/api/v1/analytics", func(r chi.Router) {
		r.Use(h.authenticate)
		r.Get("/overview", h.overview)
		r.Get("/links", h.links)
		r.Get("/referrers", h.referrers)
		r.Get("/countries", h.countries)
		r.Get("/devices", h.devices)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		apitypes.WriteError(w, apitypes.Errorf(apitypes.CodeNotFound, "no such endpoint"))
	})
	return r
}

func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		h.metrics.IncCounter("api.requests", 1)
		h.metrics.RecordTimer("api.request.duration", time.Since(started))
	})
}

func (h *Handler) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.metrics.IncCounter("api.panics", 1)
				h.logger.Error(r.Context(), "api panic", "panic", fmt.Sprint(rec), "path", r.URL.Path)
				apitypes.WriteError(w, apitypes.Errorf(apitypes.CodeInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.allow(clientIP(r)) {
			h.metrics.IncCounter("api.rate_limited", 1)
			apitypes.WriteError(w, apitypes.Errorf(apitypes.CodeRateLimited, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		token := bearerToken(r)
		if token == "" {
			h.metrics.IncCounter("api.auth.rejected", 1)
			apitypes.WriteError(w, apitypes.Errorf(apitypes.CodeUnauthorized, "missing bearer token"))
			return
		}
		id, ok, err := h.auth.Authenticate(ctx, token)
		if err != nil {
			h.logger.Error(ctx, "authenticate failed", "err", err)
			apitypes.WriteError(w, err)
			return
		}
		if !ok {
			h.metrics.IncCounter("api.auth.rejected", 1)
			apitypes.WriteError(w, apitypes.Errorf(apitypes.CodeUnauthorized, "unknown bearer token"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, identityKey{}, id)))
	})
}

func (h *Handler) overview(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context, id Identity, rng string) (any, error) {
		return h.analytics.Overview(ctx, id.WorkspaceID, id.Plan, rng)
	})
}

func (h *Handler) links(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context, id Identity, rng string) (any, error) {
		return h.analytics.Links(ctx, id.WorkspaceID, id.Plan, rng)
	})
}

func (h *Handler) referrers(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context, id Identity, rng string) (any, error) {
		return h.analytics.Referrers(ctx, id.WorkspaceID, id.Plan, rng)
	})
}

func (h *Handler) countries(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context, id Identity, rng string) (any, error) {
		return h.analytics.Countries(ctx, id.WorkspaceID, id.Plan, rng)
	})
}

func (h *Handler) devices(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context, id Identity, rng string) (any, error) {
		return h.analytics.Devices(ctx, id.WorkspaceID, id.Plan, rng)
	})
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, query func(context.Context, Identity, string) (any, error)) {
	ctx := r.Context()
	id, ok := identityFrom(ctx)
	if !ok {
		apitypes.WriteError(w, apitypes.Errorf(apitypes.CodeInternal, "request reached handler without identity"))
		return
	}
	data, err := query(ctx, id, r.URL.Query().Get(queryRange))
	if err != nil {
		if apitypes.AsError(err).Code == apitypes.CodeInternal {
			h.logger.Error(ctx, "analytics query failed",
				"err", err, "workspace_id", id.WorkspaceID, "path", r.URL.Path)
		}
		h.metrics.IncCounter("api.requests.failed", 1)
		apitypes.WriteError(w, err)
		return
	}
	apitypes.WriteData(w, http.StatusOK, data, nil)
}

func identityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// ipLimiter keeps one token bucket per client address.
type ipLimiter struct {
	mu      sync.Mutex
	clients map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	return &ipLimiter{
		clients: make(map[string]*rate.Limiter),
		limit:   rate.Limit(perSecond),
		burst:   burst,
	}
}

func (l *ipLimiter) allow(addr string) bool {
	l.mu.Lock()
	lim, ok := l.clients[addr]
	if !ok {
		if len(l.clients) >= maxTrackedIPs {
			l.clients = make(map[string]*rate.Limiter, maxTrackedIPs)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.clients[addr] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// clientIP picks the originating address: the first X-Forwarded-For entry
// when the edge set one, else the connection peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
