package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keithlinneman/lookupguard/internal/cfg"
	"github.com/keithlinneman/lookupguard/internal/gateway"
	"github.com/keithlinneman/lookupguard/internal/health"
	"github.com/keithlinneman/lookupguard/internal/httpmw"
	"github.com/keithlinneman/lookupguard/internal/httpserver"
	"github.com/keithlinneman/lookupguard/internal/log"
	"github.com/keithlinneman/lookupguard/internal/metrics"
	"github.com/keithlinneman/lookupguard/internal/opshttp"
	"github.com/keithlinneman/lookupguard/internal/otelx"
	"github.com/keithlinneman/lookupguard/internal/policy"
	"github.com/keithlinneman/lookupguard/internal/prof"
	v "github.com/keithlinneman/lookupguard/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			v.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, "LOOKUPGUARD_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging, levels were checked by Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", "gateway")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"upstream_url", conf.UpstreamURL,
		"trusted_hops", conf.TrustedHops,
		"policy_file", conf.PolicyFile,
		"policy_ssm_param", conf.PolicySSMParam,
		"policy_signing_key_arn", conf.PolicySigningKeyARN,
		"enable_policy_reload", conf.EnablePolicyReload,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"trace_sample", conf.TraceSample,
	)

	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		// limiter mutex contention is the interesting profile here
		ProfileMutexFraction: 5,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "gateway",
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// Insecure is true because we only export to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "gateway",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "gateway", &vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	upstream, _ := url.Parse(conf.UpstreamURL)
	g, err := gateway.New(gateway.Options{
		Upstream: upstream,
		Logger:   L,
		Metrics:  m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create gateway")
		os.Exit(1)
	}
	defer g.Close()

	// load rate limit policies, refusing to start without a valid set
	src, err := policySource(ctx, conf)
	if err != nil {
		L.Error(ctx, err, "failed to set up policy source")
		os.Exit(1)
	}
	limiterOpts := limiterOptions(L, m)
	install := func(doc *policy.Document, source string) error {
		routes, err := policy.Build(doc, g.Routes(), limiterOpts)
		if err != nil {
			return err
		}
		if err := g.Apply(routes); err != nil {
			return err
		}
		publishRoutes(m, routes, source)
		logRoutes(ctx, L, routes, source)
		return nil
	}

	var initialDigest string
	if src == nil {
		if err := install(builtinPolicy(conf), "builtin"); err != nil {
			L.Error(ctx, err, "invalid built-in rate limit policy")
			os.Exit(1)
		}
	} else {
		doc, digest, err := policy.Load(ctx, src)
		if err != nil {
			L.Error(ctx, err, "failed to load rate limit policies", "source", src.String())
			os.Exit(1)
		}
		if err := install(doc, src.String()); err != nil {
			L.Error(ctx, err, "failed to apply rate limit policies", "source", src.String())
			os.Exit(1)
		}
		initialDigest = digest
	}

	if src != nil && conf.EnablePolicyReload {
		w, err := policy.NewWatcher(policy.WatcherOptions{
			Logger:        L.With("component", "policy-watcher"),
			Source:        src,
			PollInterval:  conf.PolicyPollInterval,
			InitialDigest: initialDigest,
			Metrics:       m,
			Apply: func(_ context.Context, doc *policy.Document) error {
				return install(doc, src.String())
			},
		})
		if err != nil {
			L.Error(ctx, err, "failed to create policy watcher")
			os.Exit(1)
		}
		go func() { _ = w.Run(ctx) }()
	}

	trusted, _ := cfg.ParseTrustedProxies(conf.TrustedProxies)

	// toggled on shutdown so load balancers stop sending traffic before we close
	var gate health.ShutdownGate
	readiness := health.All(
		gate.Probe(),
		health.Upstream(nil, conf.UpstreamURL),
	)

	appHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger: L,
		Port:   conf.HTTPPort,
		Routes: []httpserver.RouteRegistrar{g},
		ClientIPOpts: httpmw.ClientIPOptions{
			TrustedHops:    conf.TrustedHops,
			TrustedProxies: trusted,
		},
		MaxBodyBytes: conf.MaxBodyBytes,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}
	defer func() { _ = appHTTPStop(context.Background()) }()

	// admin listener for metrics, health, pprof and limiter stats
	// non-public peers only, enforced in opshttp as well as at the network layer
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:           conf.AdminPort,
		Metrics:        m.Handler(),
		EnablePprof:    conf.EnablePprof,
		Health:         health.Fixed(true, ""),
		Readiness:      readiness,
		RateLimitStats: func() any { return g.Stats() },
		OnPanic:        m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd notify skipped", "reason", err.Error())
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so the load balancer drains us
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed, draining", "drain_period", conf.DrainPeriod.String())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.DrainPeriod):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := appHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "app http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	g.Close()
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when the unit is Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
