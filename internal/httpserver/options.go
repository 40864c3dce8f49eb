package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/lookupguard/internal/health"
	"github.com/keithlinneman/lookupguard/internal/httpmw"
	"github.com/keithlinneman/lookupguard/internal/log"
)

// RouteRegistrar mounts routes on the public router, *gateway.Gateway is one
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

type Options struct {
	Logger       log.Logger
	Port         int
	Routes       []RouteRegistrar
	ClientIPOpts httpmw.ClientIPOptions
	// MaxBodyBytes caps forwarded request bodies, 0 disables the cap
	MaxBodyBytes int64
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	// Health and Readiness are also served on the traffic port for load
	// balancers that cannot reach the admin port
	Health    health.Probe
	Readiness health.Probe
}
