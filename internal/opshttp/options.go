package opshttp

import (
	"net/http"

	"github.com/keithlinneman/lookupguard/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// RateLimitStats backs /debug/ratelimit, typically a per-policy map of ratelimit.Stats
	RateLimitStats func() any
	// OnPanic is called for every recovered panic, e.g. to bump http_panic_total
	OnPanic func()
}
