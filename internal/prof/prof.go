package prof

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/lookupguard/internal/log"
	"github.com/keithlinneman/lookupguard/internal/xerrors"
)

type Options struct {
	Enabled              bool
	AppName              string
	ServerAddress        string
	AuthToken            string
	TenantID             string
	Tags                 map[string]string
	ProfileMutexFraction int
	BlockProfileRate     int
}

// DefaultProfileTypes includes mutex and block profiles, limiter lock
// contention shows up there first
var DefaultProfileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

// Start begins continuous profiling. The returned stop func is always non-nil
// and safe to call more than once, even when err is set.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return func() {}, nil
	}

	if opts.ServerAddress == "" {
		err := xerrors.Newf("invalid server address (%q)", opts.ServerAddress)
		L.Error(ctx, err, "pyroscope options")
		return func() {}, err
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}
	cfg := pyroscope.Config{
		ApplicationName: opts.AppName,
		ServerAddress:   opts.ServerAddress,
		TenantID:        opts.TenantID,
		Tags:            opts.Tags,
		Logger:          pyroLogger{L: L},
		ProfileTypes:    DefaultProfileTypes,
	}
	if opts.AuthToken != "" {
		cfg.HTTPHeaders = map[string]string{"Authorization": "Bearer " + opts.AuthToken}
	}

	profiler, err := pyroscope.Start(cfg)
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed",
			"server_address", opts.ServerAddress,
			"app_name", opts.AppName,
		)
		return func() {}, xerrors.Wrap(err, "start pyroscope")
	}

	L.Info(ctx, "pyroscope started",
		"server_address", opts.ServerAddress,
		"app_name", opts.AppName,
	)

	var once sync.Once
	return func() {
		once.Do(func() {
			profiler.Stop()
			L.Info(context.Background(), "pyroscope stopped",
				"server_address", opts.ServerAddress,
				"app_name", opts.AppName,
			)
		})
	}, nil
}

// pyroLogger routes profiler client logs into ours, debug chatter stays at debug
type pyroLogger struct{ L log.Logger }

func (p pyroLogger) Infof(format string, args ...any) {
	p.L.Debug(context.Background(), fmt.Sprintf(format, args...), "component", "pyroscope")
}

func (p pyroLogger) Debugf(format string, args ...any) {
	p.L.Debug(context.Background(), fmt.Sprintf(format, args...), "component", "pyroscope")
}

func (p pyroLogger) Errorf(format string, args ...any) {
	p.L.Warn(context.Background(), fmt.Sprintf(format, args...), "component", "pyroscope")
}
