// Package opshttp runs the admin listener: metrics, health, pprof and the
// rate limit debug snapshot. Debug routes only answer private and loopback
// peers because they expose limiter state.
package opshttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/netip"
	"sync"
	"time"

	"github.com/keithlinneman/lookupguard/internal/health"
	"github.com/keithlinneman/lookupguard/internal/httpmw"
	"github.com/keithlinneman/lookupguard/internal/log"
	"github.com/keithlinneman/lookupguard/internal/xerrors"
)

const defaultPort = 9000

// Start serves the admin endpoints on opts.Port and returns stop(ctx) for graceful shutdown
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	if opts == nil {
		opts = &Options{}
	}
	port := opts.Port
	if port == 0 {
		port = defaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           httpmw.Recover(L, opts.OnPanic)(newMux(L, opts)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// pprof profile/trace stream for up to 30s by default
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for admin port on addr=%v", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}

func newMux(L log.Logger, opts *Options) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("GET /-/healthy", health.HealthzHandler(opts.Health))
	mux.Handle("GET /-/ready", health.ReadyzHandler(opts.Readiness))

	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	if opts.RateLimitStats != nil {
		mux.Handle("GET /debug/ratelimit", requireNonPublicNetwork(L, statsHandler(opts.RateLimitStats)))
	}

	if opts.EnablePprof {
		RegisterPprof(mux, L)
	} else {
		mux.Handle("/debug/pprof/", http.NotFoundHandler())
	}
	return mux
}

// RegisterPprof mounts net/http/pprof under /debug/pprof/, restricted to non-public peers
func RegisterPprof(mux *http.ServeMux, L log.Logger) {
	mux.Handle("/debug/pprof/", requireNonPublicNetwork(L, http.HandlerFunc(pprof.Index)))
	mux.Handle("/debug/pprof/cmdline", requireNonPublicNetwork(L, http.HandlerFunc(pprof.Cmdline)))
	mux.Handle("/debug/pprof/profile", requireNonPublicNetwork(L, http.HandlerFunc(pprof.Profile)))
	mux.Handle("/debug/pprof/symbol", requireNonPublicNetwork(L, http.HandlerFunc(pprof.Symbol)))
	mux.Handle("/debug/pprof/trace", requireNonPublicNetwork(L, http.HandlerFunc(pprof.Trace)))
}

func statsHandler(stats func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(stats()); err != nil {
			log.FromContext(r.Context()).Error(r.Context(), err, "encode ratelimit stats")
		}
	}
}

// requireNonPublicNetwork answers 403 unless the direct peer is loopback,
// private or link-local. Forwarded headers are never consulted here.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip, err := netip.ParseAddr(host)
		if err == nil {
			ip = ip.Unmap()
		}
		if err != nil || !(ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()) {
			L.Warn(r.Context(), "rejected debug request from public network",
				"network.peer.address", host,
				"url.path", r.URL.Path,
			)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
