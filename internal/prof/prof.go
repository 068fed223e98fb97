// Package prof starts continuous profiling with Pyroscope.
package prof

import (
	"context"
	"net/http"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/sitepress/internal/log"
	"github.com/keithlinneman/sitepress/internal/xerrors"
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

	// OnStatus reports whether the profiler is running; wired to the
	// profiling_active gauge.
	OnStatus func(active bool)
}

func (o *Options) validate() error {
	if o.ServerAddress == "" {
		return xerrors.Ef(xerrors.KindValidation, "invalid server address (%q)", o.ServerAddress)
	}
	if o.AppName == "" {
		return xerrors.E(xerrors.KindValidation, "app name is required")
	}
	return nil
}

func (o *Options) config() pyroscope.Config {
	cfg := pyroscope.Config{
		ApplicationName: o.AppName,
		ServerAddress:   o.ServerAddress,
		Tags:            o.Tags,
		TenantID:        o.TenantID,
	}
	if o.AuthToken != "" {
		// grafana cloud style: tenant id as user, token as password
		cfg.BasicAuthUser = o.TenantID
		cfg.BasicAuthPassword = o.AuthToken
	}
	cfg.ProfileTypes = []pyroscope.ProfileType{
		pyroscope.ProfileCPU,
		pyroscope.ProfileAllocObjects,
		pyroscope.ProfileAllocSpace,
		pyroscope.ProfileInuseObjects,
		pyroscope.ProfileInuseSpace,
		pyroscope.ProfileGoroutines,
	}
	if o.ProfileMutexFraction > 0 {
		cfg.ProfileTypes = append(cfg.ProfileTypes, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration)
	}
	if o.BlockProfileRate > 0 {
		cfg.ProfileTypes = append(cfg.ProfileTypes, pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration)
	}
	return cfg
}

// Start begins profiling when enabled. The returned stop func is always
// non-nil and safe to call more than once.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	status := opts.OnStatus
	if status == nil {
		status = func(bool) {}
	}

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		status(false)
		return func() {}, nil
	}

	if err := opts.validate(); err != nil {
		L.Error(ctx, err, "pyroscope options")
		status(false)
		return func() {}, err
	}

	if opts.ProfileMutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.ProfileMutexFraction)
	}
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(opts.config())
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed",
			"server_address", opts.ServerAddress,
			"app_name", opts.AppName,
		)
		status(false)
		return func() {}, xerrors.Wrap(err, "start pyroscope")
	}

	L.Info(ctx, "pyroscope started",
		"server_address", opts.ServerAddress,
		"app_name", opts.AppName,
	)
	status(true)

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = profiler.Stop()
			status(false)
			L.Info(context.Background(), "pyroscope stopped",
				"server_address", opts.ServerAddress,
				"app_name", opts.AppName,
			)
		})
	}, nil
}

// Labeled runs fn with the profiler label op=name, so CPU and allocation
// samples from publishes and imports can be told apart from site traffic.
// Labels cost little when profiling is off.
func Labeled(ctx context.Context, op string, fn func(context.Context)) {
	pyroscope.TagWrapper(ctx, pyroscope.Labels("op", op), fn)
}

// Middleware labels every request it wraps with op.
func Middleware(op string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			Labeled(r.Context(), op, func(ctx context.Context) {
				next.ServeHTTP(w, r.WithContext(ctx))
			})
		})
	}
}
