// Package app wires config, supervisors, executors, and the HTTP surface
// together into one running process: C8 in the design doc, "Config &
// lifespan glue."
//
// Startup is serial (one upstream's supervisor starts, then the next) so
// an early failure fails fast, per design doc §4.7. Shutdown cancels every
// supervisor concurrently, each bounded by its own grace window, using
// errgroup the way the gopls analysis driver fans out independent work.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/toolmesh/toolproxy/internal/config"
	"github.com/toolmesh/toolproxy/internal/executor"
	"github.com/toolmesh/toolproxy/internal/health"
	"github.com/toolmesh/toolproxy/internal/httpapi"
	"github.com/toolmesh/toolproxy/internal/reconnect"
	"github.com/toolmesh/toolproxy/internal/statusfeed"
	"github.com/toolmesh/toolproxy/internal/supervisor"
	"github.com/toolmesh/toolproxy/internal/upstream"
)

// upstreamRuntime bundles everything one upstream needs once it is
// running: its supervisor, its executor, and the mount prefix its
// endpoints live under.
type upstreamRuntime struct {
	name        string
	mountPrefix string
	sup         *supervisor.Supervisor
	exec        *executor.Executor
}

// App owns every upstream's runtime plus the HTTP server fronting them.
type App struct {
	cfg       *config.Config
	overrides *config.Overrides
	status    *health.Store
	feed      *statusfeed.Feed
	counters  *httpapi.Counters
	startedAt time.Time

	classifier *reconnect.Classifier
	runtimes   map[string]*upstreamRuntime

	handler atomic.Value // http.Handler, swapped on catalog drift
	server  *http.Server
}

// New builds an App from cfg. overrides may be nil (no hot-reloadable
// per-upstream attempt/classifier overrides active).
func New(cfg *config.Config, overrides *config.Overrides) (*App, error) {
	names := make([]string, 0, len(cfg.Upstreams))
	for name := range cfg.Upstreams {
		names = append(names, name)
	}

	var extraPatterns []string
	if overrides != nil {
		extraPatterns = overrides.RecoverablePatterns()
	}
	classifier, err := reconnect.NewClassifier(extraPatterns)
	if err != nil {
		return nil, fmt.Errorf("compiling error classifier: %w", err)
	}

	a := &App{
		cfg:        cfg,
		overrides:  overrides,
		status:     health.NewStore(names),
		feed:       statusfeed.New(),
		counters:   &httpapi.Counters{},
		startedAt:  time.Now(),
		classifier: classifier,
		runtimes:   make(map[string]*upstreamRuntime, len(names)),
	}

	a.status.OnChange(func(name string, rec health.Record) {
		if rec.State == health.StateReconnecting {
			a.counters.IncReconnects()
		}
		a.feed.Broadcast(name, rec)
	})

	return a, nil
}

// ReloadClassifier recompiles the error classifier's operator-extension
// patterns from the live Overrides. Wired as the fsnotify watcher's
// callback so a classifier edit takes effect without a restart.
func (a *App) ReloadClassifier() error {
	if a.overrides == nil {
		return nil
	}
	return a.classifier.SetExtraPatterns(a.overrides.RecoverablePatterns())
}

// Start runs every upstream's supervisor startup sequence serially (so an
// early failure fails fast) and mounts its endpoints once ready. An
// upstream whose initial connect exhausts its attempt budget is recorded
// as failed but does not abort startup of the others — its /health simply
// reports unhealthy, per design doc §4.3 "the process MAY still start."
func (a *App) Start(ctx context.Context) error {
	multiplex := len(a.cfg.Upstreams) > 1
	prefix := a.cfg.Server.PathPrefix

	for name, desc := range a.cfg.Upstreams {
		rt := &upstreamRuntime{name: name}
		if multiplex {
			rt.mountPrefix = prefix + "/" + name
		} else {
			rt.mountPrefix = prefix
		}
		a.runtimes[name] = rt

		// onCatalogChange rebinds endpoints in place on reconnect-driven
		// re-enumeration (design doc §4.3 "if the catalog has changed,
		// re-bind them"). rt.exec is nil during the very first call, made
		// synchronously from within Start below; the initial executor is
		// built from the same tool list right after, so nothing is lost.
		onCatalogChange := func(upstreamName string, tools []upstream.ToolDescriptor) {
			if rt.exec != nil {
				rt.exec.UpdateCatalog(upstreamName, tools)
			}
			a.rebuildHandler()
		}

		rt.sup = supervisor.New(desc, *a.cfg, a.status, a.classifier, onCatalogChange)
		if err := rt.sup.Start(ctx); err != nil {
			slog.Error("upstream failed initial connect", "upstream", name, "error", err)
		}

		_, tools := rt.sup.Session()
		exec, err := executor.New(desc, *a.cfg, rt.sup, tools, a.overrides)
		if err != nil {
			return fmt.Errorf("upstream %q: building executor: %w", name, err)
		}
		rt.exec = exec

		slog.Info("upstream mounted", "upstream", name, "prefix", rt.mountPrefix, "tools", len(tools))
	}

	a.rebuildHandler()

	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
	a.server = &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(a.serveHTTP),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// rebuildHandler constructs a fresh ServeMux from every runtime's current
// tool catalog and atomically swaps it in, so an in-flight request always
// sees one fully-formed mux rather than a half-registered one.
func (a *App) rebuildHandler() {
	mux := http.NewServeMux()
	for _, rt := range a.runtimes {
		if rt.exec == nil {
			continue
		}
		reg := httpapi.New(rt.name, rt.exec, a.status, rt.sup.Healthy, a.counters, a.startedAt)
		reg.Mount(mux, rt.mountPrefix)
	}
	mux.Handle("GET /status/ws", a.feed.Handler())
	a.handler.Store(a.authMiddleware(mux))
}

func (a *App) serveHTTP(w http.ResponseWriter, r *http.Request) {
	h, _ := a.handler.Load().(http.Handler)
	if h == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	h.ServeHTTP(w, r)
}

// authMiddleware enforces the single shared bearer token design doc §1
// names as the only authorization this process supports. A blank
// configured token disables the check entirely.
func (a *App) authMiddleware(next http.Handler) http.Handler {
	token := a.cfg.Server.BearerToken
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := "Bearer " + token
		if r.Header.Get("Authorization") != want {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"detail":{"message":"missing or invalid bearer token"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Serve blocks until the HTTP server stops (error or listener closed).
func (a *App) Serve() error {
	slog.Info("toolproxy listening", "addr", a.server.Addr)
	err := a.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting new requests, then cancels every upstream's
// supervisor concurrently, each bounded by the configured shutdown grace
// window — one upstream's slow drain never delays another's.
func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownGrace+2*time.Second)
	defer cancel()
	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, rt := range a.runtimes {
		rt := rt
		g.Go(func() error {
			drainCtx, cancel := context.WithTimeout(gctx, a.cfg.ShutdownGrace)
			defer cancel()
			if err := rt.sup.Stop(drainCtx); err != nil {
				slog.Warn("upstream shutdown grace exceeded", "upstream", rt.name, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Status exposes the shared health store, for callers that want a
// snapshot without going through HTTP.
func (a *App) Status() *health.Store { return a.status }
