package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/lookupguard/internal/log"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	DrainPeriod       time.Duration

	UpstreamURL    string
	TrustedHops    int
	TrustedProxies string
	MaxBodyBytes   int64

	PolicyFile          string
	PolicySSMParam      string
	PolicySigningKeyARN string // requires a detached signature on every policy document
	PolicySignature     string // signature file or ssm parameter, default <policy>.sig
	EnablePolicyReload  bool
	PolicyPollInterval  time.Duration

	// used when neither a policy file nor an ssm parameter is set
	RateLimitWindow         time.Duration
	RateLimitMaxRequests    int
	RateLimitMaxTrackedKeys int
	RateLimitKeyTTL         time.Duration
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.DurationVar(&c.DrainPeriod, "drain-period", 30*time.Second, "time between failing readiness and closing listeners on shutdown")

	fs.StringVar(&c.UpstreamURL, "upstream-url", "http://127.0.0.1:3000", "origin to proxy admitted requests to")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "number of trusted proxies in front of us setting X-Forwarded-For (0..10)")
	fs.StringVar(&c.TrustedProxies, "trusted-proxies", "", "comma separated CIDRs allowed to set X-Forwarded-For (default private and loopback)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 1<<20, "max forwarded request body in bytes, 0 disables")

	fs.StringVar(&c.PolicyFile, "policy-file", "", "path to a YAML rate limit policy document")
	fs.StringVar(&c.PolicySSMParam, "policy-ssm-param", "", "ssm parameter holding the YAML rate limit policy document")
	fs.StringVar(&c.PolicySigningKeyARN, "policy-signing-key-arn", "", "KMS key ARN whose signature every policy document must carry")
	fs.StringVar(&c.PolicySignature, "policy-signature", "", "file or ssm parameter holding the base64 policy signature (default <policy>.sig)")
	fs.BoolVar(&c.EnablePolicyReload, "enable-policy-reload", true, "poll the policy source and apply changes without a restart")
	fs.DurationVar(&c.PolicyPollInterval, "policy-poll-interval", time.Minute, "how often to poll the policy source (>= 1s)")

	fs.DurationVar(&c.RateLimitWindow, "ratelimit-window", time.Minute, "sliding window of the built-in lookup policy")
	fs.IntVar(&c.RateLimitMaxRequests, "ratelimit-max-requests", 20, "requests per client ip per window for the built-in lookup policy")
	fs.IntVar(&c.RateLimitMaxTrackedKeys, "ratelimit-max-tracked-keys", 500, "max client ips tracked by the built-in lookup policy")
	fs.DurationVar(&c.RateLimitKeyTTL, "ratelimit-key-ttl", 0, "idle client ip expiry for the built-in lookup policy (0 = window)")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// ParseTrustedProxies splits the comma separated CIDR list. Bare addresses are
// accepted as single-host prefixes.
func ParseTrustedProxies(s string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "/") {
			addr, err := netip.ParseAddr(part)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", part, err)
			}
			out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(part)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", part, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	if c.DrainPeriod < 0 {
		errs = append(errs, fmt.Errorf("DRAIN_PERIOD must be >= 0 (got %s)", c.DrainPeriod))
	}

	// Proxying
	if u, err := url.Parse(c.UpstreamURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("UPSTREAM_URL must be an http(s) URL (got %q)", c.UpstreamURL))
	}
	if c.TrustedHops < 0 || c.TrustedHops > 10 {
		errs = append(errs, fmt.Errorf("TRUSTED_HOPS must be 0..10 (got %d)", c.TrustedHops))
	}
	if _, err := ParseTrustedProxies(c.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("invalid TRUSTED_PROXIES: %w", err))
	}
	if c.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be >= 0 (got %d)", c.MaxBodyBytes))
	}

	// Policy source, at most one
	if c.PolicyFile != "" && c.PolicySSMParam != "" {
		errs = append(errs, fmt.Errorf("POLICY_FILE and POLICY_SSM_PARAM are mutually exclusive"))
	}
	if c.PolicySSMParam != "" && !strings.HasPrefix(c.PolicySSMParam, "/") {
		errs = append(errs, fmt.Errorf("POLICY_SSM_PARAM must be a full path starting with / (got %q)", c.PolicySSMParam))
	}
	if c.PolicySigningKeyARN != "" && c.PolicyFile == "" && c.PolicySSMParam == "" {
		errs = append(errs, fmt.Errorf("POLICY_SIGNING_KEY_ARN needs POLICY_FILE or POLICY_SSM_PARAM"))
	}
	if c.EnablePolicyReload && c.PolicyPollInterval < time.Second {
		errs = append(errs, fmt.Errorf("POLICY_POLL_INTERVAL must be >= 1s (got %s)", c.PolicyPollInterval))
	}

	// Built-in policy, only checked when it is the one in use
	if c.PolicyFile == "" && c.PolicySSMParam == "" {
		if c.RateLimitWindow < time.Millisecond {
			errs = append(errs, fmt.Errorf("RATELIMIT_WINDOW must be >= 1ms (got %s)", c.RateLimitWindow))
		}
		if c.RateLimitMaxRequests < 1 {
			errs = append(errs, fmt.Errorf("RATELIMIT_MAX_REQUESTS must be >= 1 (got %d)", c.RateLimitMaxRequests))
		}
		if c.RateLimitMaxTrackedKeys < 0 {
			errs = append(errs, fmt.Errorf("RATELIMIT_MAX_TRACKED_KEYS must be >= 0 (got %d)", c.RateLimitMaxTrackedKeys))
		}
		if c.RateLimitKeyTTL < 0 {
			errs = append(errs, fmt.Errorf("RATELIMIT_KEY_TTL must be >= 0 (got %s)", c.RateLimitKeyTTL))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
