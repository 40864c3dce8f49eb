// Package gateway reverse-proxies every request to the upstream front end and
// puts a per-policy rate limiter in front of the routes the policy document
// names. Everything else passes through unthrottled.
//
// The active policy set can be replaced at runtime with Apply. In-flight
// requests finish on the router they started on, and limiters whose policy
// did not change keep their request logs.
package gateway

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/lookupguard/internal/httpmw"
	"github.com/keithlinneman/lookupguard/internal/log"
	"github.com/keithlinneman/lookupguard/internal/pathutil"
	"github.com/keithlinneman/lookupguard/internal/policy"
	"github.com/keithlinneman/lookupguard/internal/ratelimit"
	"github.com/keithlinneman/lookupguard/internal/xerrors"
)

const defaultResponseHeaderTimeout = 30 * time.Second

// Metrics is implemented by the metrics package
type Metrics interface {
	IncUpstreamError(kind string)
}

type Options struct {
	Upstream *url.URL
	Logger   log.Logger
	Metrics  Metrics
	// Transport overrides the upstream round tripper, mainly for tests.
	// The default is a cloned http.DefaultTransport wrapped by otelhttp.
	Transport http.RoundTripper
	// ResponseHeaderTimeout bounds how long the upstream may take to answer. Zero means 30s.
	ResponseHeaderTimeout time.Duration
}

type generation struct {
	routes  []policy.Route
	handler http.Handler
}

type Gateway struct {
	proxy   *httputil.ReverseProxy
	logger  log.Logger
	metrics Metrics

	current atomic.Pointer[generation]

	// mu serializes Apply and guards sweepers
	mu         sync.Mutex
	sweepCtx   context.Context
	stopSweeps context.CancelFunc
	sweepers   map[*ratelimit.Limiter]context.CancelFunc
	closed     bool
}

func New(opts Options) (*Gateway, error) {
	if opts.Upstream == nil || opts.Upstream.Scheme == "" || opts.Upstream.Host == "" {
		return nil, xerrors.New("gateway needs an absolute upstream URL")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Transport == nil {
		base := http.DefaultTransport.(*http.Transport).Clone()
		base.ResponseHeaderTimeout = opts.ResponseHeaderTimeout
		if base.ResponseHeaderTimeout <= 0 {
			base.ResponseHeaderTimeout = defaultResponseHeaderTimeout
		}
		opts.Transport = otelhttp.NewTransport(base)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		sweepCtx:   ctx,
		stopSweeps: cancel,
		sweepers:   make(map[*ratelimit.Limiter]context.CancelFunc),
	}
	g.proxy = newProxy(opts.Upstream, opts.Transport, g.errorHandler)
	g.current.Store(&generation{handler: g.newRouter(nil)})
	return g, nil
}

// ServeHTTP dispatches to the router of the active policy generation.
// Paths the upstream could normalize onto a limited route are refused,
// otherwise /api/users/x/../alice/identity would skip the lookup limiter.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if pathutil.Ambiguous(r.URL) {
		log.FromContext(r.Context()).Debug(r.Context(), "rejected non-canonical path")
		writeJSONError(w, http.StatusBadRequest, "bad request")
		return
	}
	g.current.Load().handler.ServeHTTP(w, r)
}

// RegisterRoutes mounts the gateway on r as the catch-all handler
func (g *Gateway) RegisterRoutes(r chi.Router) {
	r.Handle("/*", g)
}

// Apply swaps in a new set of policy routes. Limiters new to this generation
// start sweeping, limiters no longer referenced stop.
func (g *Gateway) Apply(routes []policy.Route) (err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return xerrors.New("gateway is closed")
	}

	var h http.Handler
	func() {
		// chi panics on conflicting or malformed patterns
		defer func() {
			if rec := recover(); rec != nil {
				err = xerrors.Newf("build policy router: %v", rec)
			}
		}()
		h = g.newRouter(routes)
	}()
	if err != nil {
		return err
	}

	keep := make(map[*ratelimit.Limiter]bool, len(routes))
	for _, rt := range routes {
		keep[rt.Limiter] = true
		if _, running := g.sweepers[rt.Limiter]; !running {
			ctx, cancel := context.WithCancel(g.sweepCtx)
			g.sweepers[rt.Limiter] = cancel
			go rt.Limiter.Run(ctx)
		}
	}
	for l, cancel := range g.sweepers {
		if !keep[l] {
			cancel()
			delete(g.sweepers, l)
		}
	}

	g.current.Store(&generation{routes: slices.Clone(routes), handler: h})
	return nil
}

// Routes returns the active policy routes
func (g *Gateway) Routes() []policy.Route {
	return slices.Clone(g.current.Load().routes)
}

// Stats snapshots every active limiter keyed by policy name
func (g *Gateway) Stats() map[string]ratelimit.Stats {
	routes := g.current.Load().routes
	out := make(map[string]ratelimit.Stats, len(routes))
	for _, rt := range routes {
		out[rt.Policy.Name] = rt.Limiter.Stats()
	}
	return out
}

// Close stops every limiter sweep loop. Serving continues on the last generation.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.stopSweeps()
	clear(g.sweepers)
}

// newRouter registers each policy's methods and path behind its limiter.
// Unmatched paths and methods fall through to the proxy unthrottled.
func (g *Gateway) newRouter(routes []policy.Route) http.Handler {
	r := chi.NewRouter()
	r.NotFound(g.proxy.ServeHTTP)
	r.MethodNotAllowed(g.proxy.ServeHTTP)

	for _, rt := range routes {
		limited := r.With(
			httpmw.Scope("policy", rt.Policy.Name),
			rt.Limiter.Middleware,
		)
		for _, path := range routePaths(rt.Policy.Path) {
			for _, m := range routeMethods(rt.Policy.Methods) {
				limited.Method(m, path, g.proxy)
			}
		}
	}
	return r
}

// routePaths adds the trailing-slash form, most upstreams serve both
func routePaths(path string) []string {
	if strings.HasSuffix(path, "/") || strings.HasSuffix(path, "*") {
		return []string{path}
	}
	return []string{path, path + "/"}
}

// routeMethods adds HEAD wherever GET is limited, otherwise HEAD would probe
// the same resource without spending budget
func routeMethods(methods []string) []string {
	out := slices.Clone(methods)
	if slices.Contains(out, http.MethodGet) && !slices.Contains(out, http.MethodHead) {
		out = append(out, http.MethodHead)
	}
	return out
}
