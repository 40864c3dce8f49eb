package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/lookupguard/internal/version"
)

// KeyCounter reports how many keys a limiter is tracking, *ratelimit.Limiter satisfies it
type KeyCounter interface {
	Len() int
}

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	ratelimitDecisions *prometheus.CounterVec
	ratelimitEvictions *prometheus.CounterVec
	trackedKeys        *trackedKeysCollector
	policiesLoaded     prometheus.Gauge
	policySource       *prometheus.GaugeVec
	upstreamErrors     *prometheus.CounterVec

	policyPolls   prometheus.Counter
	policyReloads prometheus.Counter
	policyErrors  *prometheus.CounterVec
	policyStale   prometheus.Gauge

	profilingActive prometheus.Gauge
}

// New returns a fresh registry with the go/process collectors, HTTP metrics and
// rate limit metrics. Labels are bounded: routes are chi patterns and
// policies come from the loaded policy document, never from request data.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Rate limit decisions by policy and outcome (admit, reject)",
		}, []string{"policy", "decision"}),
		ratelimitEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_evictions_total",
			Help: "Keys dropped from a limiter store by policy and reason (lru, ttl)",
		}, []string{"policy", "reason"}),
		trackedKeys: &trackedKeysCollector{
			desc: prometheus.NewDesc(
				"ratelimit_tracked_keys",
				"Keys currently held by each policy's limiter",
				[]string{"policy"}, nil,
			),
			sources: map[string]KeyCounter{},
		},
		policiesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_policies_loaded",
			Help: "Number of rate limit policies in the active policy document",
		}),
		policySource: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratelimit_policy_source_info",
			Help: "Where the active policy document came from (label carries value, gauge is always 1)",
		}, []string{"source"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_errors_total",
			Help: "Requests the gateway could not proxy, by kind",
		}, []string{"kind"}),
		policyPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_policy_polls_total",
			Help: "Total policy watcher poll cycles",
		}),
		policyReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_policy_reloads_total",
			Help: "Total policy documents applied at runtime",
		}),
		policyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_policy_errors_total",
			Help: "Policy watcher failures by kind (fetch, invalid, apply)",
		}, []string{"kind"}),
		policyStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratelimit_policy_stale",
			Help: "Whether the policy watcher has been unable to fetch for too long (1) or not (0)",
		}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDecisions,
		m.ratelimitEvictions,
		m.trackedKeys,
		m.policiesLoaded,
		m.policySource,
		m.upstreamErrors,
		m.policyPolls,
		m.policyReloads,
		m.policyErrors,
		m.policyStale,
		m.profilingActive,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) ObserveRateLimitDecision(policy string, allowed bool) {
	decision := "reject"
	if allowed {
		decision = "admit"
	}
	m.ratelimitDecisions.WithLabelValues(policy, decision).Inc()
}

func (m *ServerMetrics) IncRateLimitEviction(policy, reason string) {
	m.ratelimitEvictions.WithLabelValues(policy, reason).Inc()
}

// SetTrackedLimiters exposes each source's Len() as ratelimit_tracked_keys{policy}
// at scrape time, replacing the previous set so removed policies disappear
func (m *ServerMetrics) SetTrackedLimiters(srcs map[string]KeyCounter) {
	next := make(map[string]KeyCounter, len(srcs))
	for k, v := range srcs {
		next[k] = v
	}
	m.trackedKeys.mu.Lock()
	m.trackedKeys.sources = next
	m.trackedKeys.mu.Unlock()
}

func (m *ServerMetrics) SetPoliciesLoaded(source string, n int) {
	m.policiesLoaded.Set(float64(n))
	m.policySource.Reset()
	m.policySource.WithLabelValues(source).Set(1)
}

func (m *ServerMetrics) IncUpstreamError(kind string) {
	m.upstreamErrors.WithLabelValues(kind).Inc()
}

func (m *ServerMetrics) IncPolicyPolls() {
	m.policyPolls.Inc()
}

func (m *ServerMetrics) IncPolicyReloads() {
	m.policyReloads.Inc()
}

func (m *ServerMetrics) IncPolicyError(kind string) {
	m.policyErrors.WithLabelValues(kind).Inc()
}

func (m *ServerMetrics) SetPolicyStale(stale bool) {
	if stale {
		m.policyStale.Set(1)
	} else {
		m.policyStale.Set(0)
	}
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// trackedKeysCollector reads limiter sizes on scrape rather than mirroring
// every insert and eviction into a gauge
type trackedKeysCollector struct {
	desc    *prometheus.Desc
	mu      sync.Mutex
	sources map[string]KeyCounter
}

func (c *trackedKeysCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *trackedKeysCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for policy, src := range c.sources {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(src.Len()), policy)
	}
}
