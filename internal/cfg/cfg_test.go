package cfg

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet, parses the given args,
// and returns the resulting App. This isolates each test from flag.CommandLine.
func newTestConfig(t *testing.T, args []string) App {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c
}

func TestRegister_Defaults(t *testing.T) {
	c := newTestConfig(t, nil)

	if !c.LogJSON {
		t.Error("LogJSON: want true")
	}
	if c.LogLevel != "info" {
		t.Errorf("LogLevel: want %q, got %q", "info", c.LogLevel)
	}
	if c.HTTPPort != 8080 {
		t.Errorf("HTTPPort: want 8080, got %d", c.HTTPPort)
	}
	if c.AdminPort != 9000 {
		t.Errorf("AdminPort: want 9000, got %d", c.AdminPort)
	}
	if !c.EnablePprof {
		t.Error("EnablePprof: want true")
	}
	if c.EnablePyroscope {
		t.Error("EnablePyroscope: want false")
	}
	if c.EnableTracing {
		t.Error("EnableTracing: want false")
	}
	if c.UpstreamURL != "http://127.0.0.1:3000" {
		t.Errorf("UpstreamURL: got %q", c.UpstreamURL)
	}
	if c.TrustedHops != 0 {
		t.Errorf("TrustedHops: want 0, got %d", c.TrustedHops)
	}
	if c.MaxBodyBytes != 1<<20 {
		t.Errorf("MaxBodyBytes: want 1MiB, got %d", c.MaxBodyBytes)
	}
	if c.PolicyPollInterval != time.Minute {
		t.Errorf("PolicyPollInterval: want 1m, got %s", c.PolicyPollInterval)
	}
	if c.RateLimitWindow != time.Minute || c.RateLimitMaxRequests != 20 || c.RateLimitMaxTrackedKeys != 500 {
		t.Errorf("built-in policy defaults: window=%s max=%d keys=%d",
			c.RateLimitWindow, c.RateLimitMaxRequests, c.RateLimitMaxTrackedKeys)
	}
	if !c.IncludeErrorLinks {
		t.Error("IncludeErrorLinks: want true")
	}
	if c.StacktraceLevel != "error" {
		t.Errorf("StacktraceLevel: want %q, got %q", "error", c.StacktraceLevel)
	}
}

func TestRegister_CLIOverrides(t *testing.T) {
	c := newTestConfig(t, []string{
		"-log-json=false",
		"-log-level=debug",
		"-http-port=9090",
		"-admin-port=9100",
		"-enable-pprof=false",
		"-enable-pyroscope=true",
		"-enable-tracing=true",
		"-trace-sample=0.5",
		"-stacktrace-level=warn",
		"-include-error-links=false",
		"-max-error-links=16",
		"-pyro-server=https://pyro:4040",
		"-pyro-tenant=test-tenant",
		"-otlp-endpoint=otel:4317",
		"-upstream-url=https://origin.internal:8443",
		"-trusted-hops=2",
		"-policy-ssm-param=/lookupguard/policies",
		"-ratelimit-window=30s",
	})

	if c.LogJSON != false {
		t.Error("LogJSON: want false")
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel: want %q, got %q", "debug", c.LogLevel)
	}
	if c.HTTPPort != 9090 {
		t.Errorf("HTTPPort: want 9090, got %d", c.HTTPPort)
	}
	if c.AdminPort != 9100 {
		t.Errorf("AdminPort: want 9100, got %d", c.AdminPort)
	}
	if c.EnablePprof != false {
		t.Error("EnablePprof: want false")
	}
	if c.EnablePyroscope != true {
		t.Error("EnablePyroscope: want true")
	}
	if c.EnableTracing != true {
		t.Error("EnableTracing: want true")
	}
	if c.TraceSample != 0.5 {
		t.Errorf("TraceSample: want 0.5, got %f", c.TraceSample)
	}
	if c.StacktraceLevel != "warn" {
		t.Errorf("StacktraceLevel: want %q, got %q", "warn", c.StacktraceLevel)
	}
	if c.IncludeErrorLinks != false {
		t.Error("IncludeErrorLinks: want false")
	}
	if c.MaxErrorLinks != 16 {
		t.Errorf("MaxErrorLinks: want 16, got %d", c.MaxErrorLinks)
	}
	if c.PyroServer != "https://pyro:4040" {
		t.Errorf("PyroServer: want %q, got %q", "https://pyro:4040", c.PyroServer)
	}
	if c.PyroTenantID != "test-tenant" {
		t.Errorf("PyroTenantID: want %q, got %q", "test-tenant", c.PyroTenantID)
	}
	if c.OTLPEndpoint != "otel:4317" {
		t.Errorf("OTLPEndpoint: want %q, got %q", "otel:4317", c.OTLPEndpoint)
	}
	if c.UpstreamURL != "https://origin.internal:8443" {
		t.Errorf("UpstreamURL: got %q", c.UpstreamURL)
	}
	if c.TrustedHops != 2 {
		t.Errorf("TrustedHops: want 2, got %d", c.TrustedHops)
	}
	if c.PolicySSMParam != "/lookupguard/policies" {
		t.Errorf("PolicySSMParam: got %q", c.PolicySSMParam)
	}
	if c.RateLimitWindow != 30*time.Second {
		t.Errorf("RateLimitWindow: want 30s, got %s", c.RateLimitWindow)
	}
}

func TestFillFromEnv(t *testing.T) {
	pfx := "TESTCFG_"
	t.Setenv(pfx+"LOG_JSON", "false")
	t.Setenv(pfx+"LOG_LEVEL", "debug")
	t.Setenv(pfx+"HTTP_PORT", "8088")
	t.Setenv(pfx+"ADMIN_PORT", "9100")
	t.Setenv(pfx+"ENABLE_PPROF", "false")
	t.Setenv(pfx+"ENABLE_PYROSCOPE", "true")
	t.Setenv(pfx+"ENABLE_TRACING", "true")
	t.Setenv(pfx+"TRACE_SAMPLE", "0.25")
	t.Setenv(pfx+"STACKTRACE_LEVEL", "warn")
	t.Setenv(pfx+"INCLUDE_ERROR_LINKS", "false")
	t.Setenv(pfx+"MAX_ERROR_LINKS", "12")
	t.Setenv(pfx+"PYRO_SERVER", "https://pyro:4040")
	t.Setenv(pfx+"OTLP_ENDPOINT", "otel:4317")
	t.Setenv(pfx+"POLICY_FILE", "/etc/lookupguard/policies.yaml")
	t.Setenv(pfx+"POLICY_POLL_INTERVAL", "15s")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	FillFromEnv(fs, pfx, nil)

	if c.LogJSON != false {
		t.Error("LogJSON: want false from env")
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel: want %q, got %q", "debug", c.LogLevel)
	}
	if c.HTTPPort != 8088 {
		t.Errorf("HTTPPort: want 8088, got %d", c.HTTPPort)
	}
	if c.AdminPort != 9100 {
		t.Errorf("AdminPort: want 9100, got %d", c.AdminPort)
	}
	if c.EnablePprof != false {
		t.Error("EnablePprof: want false from env")
	}
	if c.EnablePyroscope != true {
		t.Error("EnablePyroscope: want true from env")
	}
	if c.EnableTracing != true {
		t.Error("EnableTracing: want true from env")
	}
	if c.TraceSample != 0.25 {
		t.Errorf("TraceSample: want 0.25, got %f", c.TraceSample)
	}
	if c.StacktraceLevel != "warn" {
		t.Errorf("StacktraceLevel: want %q, got %q", "warn", c.StacktraceLevel)
	}
	if c.IncludeErrorLinks != false {
		t.Error("IncludeErrorLinks: want false from env")
	}
	if c.MaxErrorLinks != 12 {
		t.Errorf("MaxErrorLinks: want 12, got %d", c.MaxErrorLinks)
	}
	if c.PyroServer != "https://pyro:4040" {
		t.Errorf("PyroServer: want %q, got %q", "https://pyro:4040", c.PyroServer)
	}
	if c.OTLPEndpoint != "otel:4317" {
		t.Errorf("OTLPEndpoint: want %q, got %q", "otel:4317", c.OTLPEndpoint)
	}
	if c.PolicyFile != "/etc/lookupguard/policies.yaml" {
		t.Errorf("PolicyFile: got %q", c.PolicyFile)
	}
	if c.PolicyPollInterval != 15*time.Second {
		t.Errorf("PolicyPollInterval: want 15s, got %s", c.PolicyPollInterval)
	}
}

func TestFillFromEnv_CLITakesPrecedence(t *testing.T) {
	pfx := "TESTCFG2_"
	t.Setenv(pfx+"HTTP_PORT", "7777")
	t.Setenv(pfx+"LOG_LEVEL", "warn")
	t.Setenv(pfx+"ENABLE_PPROF", "false")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse([]string{"-http-port=9090", "-log-level=debug", "-enable-pprof=true"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var overrideMessages []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		overrideMessages = append(overrideMessages, fmt.Sprintf(format, args...))
	})

	// CLI wins
	if c.HTTPPort != 9090 {
		t.Errorf("HTTPPort: want 9090 (cli), got %d", c.HTTPPort)
	}
	if c.LogLevel != "debug" {
		t.Errorf("LogLevel: want %q (cli), got %q", "debug", c.LogLevel)
	}
	if c.EnablePprof != true {
		t.Error("EnablePprof: want true (cli)")
	}

	// Should have logged override messages for all three
	if len(overrideMessages) != 3 {
		t.Errorf("expected 3 override messages, got %d: %v", len(overrideMessages), overrideMessages)
	}
	for _, msg := range overrideMessages {
		if !strings.Contains(msg, "overrides env") {
			t.Errorf("unexpected override message format: %s", msg)
		}
	}
}

func TestFillFromEnv_InvalidEnvIgnored(t *testing.T) {
	pfx := "TESTCFG3_"
	t.Setenv(pfx+"HTTP_PORT", "not-a-number")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var logMessages []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		logMessages = append(logMessages, fmt.Sprintf(format, args...))
	})

	// Should keep default, not crash
	if c.HTTPPort != 8080 {
		t.Errorf("HTTPPort: want 8080 (default), got %d", c.HTTPPort)
	}
	// Should have logged the error
	if len(logMessages) != 1 {
		t.Fatalf("expected 1 log message, got %d: %v", len(logMessages), logMessages)
	}
	if !strings.Contains(logMessages[0], "ignoring invalid env") {
		t.Errorf("unexpected log message: %s", logMessages[0])
	}
}

func TestValidate_OK(t *testing.T) {
	c := newTestConfig(t, []string{
		"-enable-pyroscope=true",
		"-pyro-server=https://pyro:4040",
		"-pyro-tenant=test-tenant",
		"-enable-tracing=true",
		"-otlp-endpoint=otel:4317",
		"-trace-sample=0.2",
	})
	if err := Validate(c); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_InvalidCombined(t *testing.T) {
	c := newTestConfig(t, []string{
		"-http-port=0",
		"-admin-port=70000",
		"-log-level=nope",
		"-stacktrace-level=alsonope",
		"-trace-sample=2.0",
		"-enable-pyroscope=true",
		"-pyro-server=not-a-url",
		"-enable-tracing=true",
		"-otlp-endpoint=otel",
		"-include-error-links=true",
		"-max-error-links=0",
		"-upstream-url=ftp://origin",
		"-trusted-hops=-1",
		"-trusted-proxies=10.0.0.0/8,bogus",
		"-max-body-bytes=-5",
		"-policy-poll-interval=10ms",
		"-ratelimit-window=0s",
		"-ratelimit-max-requests=0",
	})

	err := Validate(c)
	if err == nil {
		t.Fatal("Validate() expected errors, got <nil>")
	}

	wantErrContains(t, err, "invalid HTTP_PORT")
	wantErrContains(t, err, "invalid ADMIN_PORT")
	wantErrContains(t, err, "invalid LOG_LEVEL")
	wantErrContains(t, err, "invalid STACKTRACE_LEVEL")
	wantErrContains(t, err, "invalid TRACE_SAMPLE")
	wantErrContains(t, err, "PYRO_SERVER must be a URL")
	wantErrContains(t, err, "OTLP_ENDPOINT must be host:port")
	wantErrContains(t, err, "MAX_ERROR_LINKS")
	wantErrContains(t, err, "UPSTREAM_URL")
	wantErrContains(t, err, "TRUSTED_HOPS")
	wantErrContains(t, err, "invalid TRUSTED_PROXIES")
	wantErrContains(t, err, "MAX_BODY_BYTES")
	wantErrContains(t, err, "POLICY_POLL_INTERVAL")
	wantErrContains(t, err, "RATELIMIT_WINDOW")
	wantErrContains(t, err, "RATELIMIT_MAX_REQUESTS")
}

func TestValidate_PolicySources(t *testing.T) {
	c := newTestConfig(t, []string{
		"-policy-file=/etc/lookupguard/policies.yaml",
		"-policy-ssm-param=lookupguard/policies",
	})
	err := Validate(c)
	wantErrContains(t, err, "mutually exclusive")
	wantErrContains(t, err, "must be a full path")
}

func TestValidate_BuiltinPolicyIgnoredWithSource(t *testing.T) {
	c := newTestConfig(t, []string{
		"-policy-file=/etc/lookupguard/policies.yaml",
		"-ratelimit-max-requests=0",
	})
	if err := Validate(c); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_PollIntervalIgnoredWhenReloadDisabled(t *testing.T) {
	c := newTestConfig(t, []string{"-enable-policy-reload=false", "-policy-poll-interval=0s"})
	if err := Validate(c); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}

func TestParseTrustedProxies(t *testing.T) {
	got, err := ParseTrustedProxies(" 10.0.0.0/8, 192.168.1.7 ,2001:db8::/32,, 172.16.5.9/12")
	if err != nil {
		t.Fatalf("ParseTrustedProxies: %v", err)
	}
	want := []string{"10.0.0.0/8", "192.168.1.7/32", "2001:db8::/32", "172.16.0.0/12"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("prefix %d = %s, want %s", i, got[i], want[i])
		}
	}

	if got, err := ParseTrustedProxies(""); err != nil || len(got) != 0 {
		t.Fatalf("empty list: got %v, %v", got, err)
	}
	if _, err := ParseTrustedProxies("10.0.0.0/33"); err == nil {
		t.Fatal("expected error for bad prefix length")
	}
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
