// Package redirect serves the hot path: slug resolution, the 302 response and
// the detached post-response click accounting. The response never waits on
// counters, queues or plan lookups; those run on the dispatcher's worker pool
// after the status line is committed.
package redirect

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hoplink/hoplink/apitypes"
	"github.com/hoplink/hoplink/catalog"
	"github.com/hoplink/hoplink/telemetry"
)

// Headers read from the fronting edge. Geo values are coarse and optional.
const (
	headerRequestID  = "X-Request-Id"
	headerGeoCountry = "X-Geo-Country"
	headerGeoRegion  = "X-Geo-Region"
	headerGeoCity    = "X-Geo-City"
)

type (
	// LinkResolver maps (hostname, slug) to a destination. *catalog.Resolver
	// implements it.
	LinkResolver interface {
		Resolve(ctx context.Context, hostname, slug string) (catalog.Resolution, bool, error)
	}

	// Handler answers short-link requests.
	Handler struct {
		resolver   LinkResolver
		dispatcher *Dispatcher
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		now        func() time.Time
	}

	// HandlerOptions configures a Handler.
	HandlerOptions struct {
		// Resolver performs the synchronous catalog lookup. Required.
		Resolver LinkResolver
		// Dispatcher receives the post-response task. Required.
		Dispatcher *Dispatcher
		// Logger is optional.
		Logger telemetry.Logger
		// Metrics is optional.
		Metrics telemetry.Metrics
		// Now overrides the clock, for tests.
		Now func() time.Time
	}
)

// NewHandler creates the redirect handler.
func NewHandler(opts HandlerOptions) (*Handler, error) {
	if opts.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	h := &Handler{
		resolver:   opts.Resolver,
		dispatcher: opts.Dispatcher,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
	if h.logger == nil {
		h.logger = telemetry.NewNoopLogger()
	}
	if h.metrics == nil {
		h.metrics = telemetry.NewNoopMetrics()
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h, nil
}

// Router mounts the redirect surface. Every path that is not exactly one slug
// segment is a miss.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/{slug}", h.serve)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w)
	})
	return r
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	started := h.now()
	ctx := r.Context()
	slug := chi.URLParam(r, "slug")

	res, ok, err := h.resolver.Resolve(ctx, r.Host, slug)
	if err != nil {
		// A failing catalog is indistinguishable from a missing link to the
		// visitor; the error stays in the logs.
		h.metrics.IncCounter("redirect.resolve.failed", 1)
		h.logger.Error(ctx, "resolve failed", "err", err, "host", r.Host, "slug", slug)
		writeNotFound(w)
		return
	}
	if !ok {
		h.metrics.IncCounter("redirect.misses", 1)
		writeNotFound(w)
		return
	}

	task := Task{
		Resolution: res,
		Time:       started,
		RequestID:  r.Header.Get(headerRequestID),
		UserAgent:  r.UserAgent(),
		Referrer:   r.Referer(),
		ClientIP:   clientIP(r),
		Country:    r.Header.Get(headerGeoCountry),
		Region:     r.Header.Get(headerGeoRegion),
		City:       r.Header.Get(headerGeoCity),
	}

	w.Header().Set("Location", res.DestinationURL)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusFound)

	h.metrics.IncCounter("redirect.hits", 1)
	h.metrics.RecordTimer("redirect.resolve.duration", h.now().Sub(started))
	h.dispatcher.Dispatch(task)
}

func writeNotFound(w http.ResponseWriter) {
	apitypes.WriteError(w, apitypes.Errorf(apitypes.CodeNotFound, "short link not found"))
}

// clientIP picks the originating address: the first X-Forwarded-For entry
// when the edge set one, else the connection peer. The value is hashed before
// it leaves the dispatcher; the raw string is never logged or persisted.
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
