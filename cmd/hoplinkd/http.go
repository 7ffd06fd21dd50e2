package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/hoplink/hoplink/api"
	"github.com/hoplink/hoplink/redirect"
)

// handleHTTPServer starts an HTTP server and shuts it down gracefully when
// ctx is canceled. Listen errors go to errc.
func handleHTTPServer(ctx context.Context, addr string, handler http.Handler, name string, wg *sync.WaitGroup, errc chan error) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}

	wg.Add(1)
	go func() {
		defer wg.Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			log.Printf(ctx, "%s server listening on %q", name, addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down %s server at %q", name, addr)

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}

// redirectServerHandler wraps the public redirect router with the HTTP log
// middleware, plus body logging in debug mode.
func redirectServerHandler(ctx context.Context, h *redirect.Handler, dbg bool) http.Handler {
	var handler http.Handler = h.Router()
	if dbg {
		// Log query and response bodies if debug logs are enabled.
		handler = debug.HTTP()(handler)
	}
	return log.HTTP(ctx)(handler)
}

// apiServerHandler mounts the analytics API together with the health check
// endpoints. Health checks bypass the API middleware so probes are never
// rate limited. Debug mode adds pprof and the debug log enabler.
func apiServerHandler(ctx context.Context, h *api.Handler, checker health.Checker, dbg bool) http.Handler {
	mux := chi.NewRouter()
	check := health.Handler(checker)
	mux.Get("/healthz", check)
	mux.Get("/livez", check)
	if dbg {
		// Mount pprof handlers for memory profiling under /debug/pprof.
		debug.MountPprofHandlers(chiMuxer{mux})
		// Mount /debug endpoint to enable or disable debug logs at runtime.
		debug.MountDebugLogEnabler(chiMuxer{mux})
	}
	mux.Mount("/", h.Router())

	var handler http.Handler = mux
	if dbg {
		handler = debug.HTTP()(handler)
	}
	return log.HTTP(ctx)(handler)
}

// chiMuxer adapts a chi router to the mux interface the debug package mounts
// its handlers on.
type chiMuxer struct {
	chi.Router
}

func (m chiMuxer) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	m.Router.HandleFunc(pattern, handler)
}
