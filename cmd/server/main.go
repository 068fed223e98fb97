package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/sitepress/internal/adminapi"
	"github.com/keithlinneman/sitepress/internal/archive"
	"github.com/keithlinneman/sitepress/internal/cfg"
	"github.com/keithlinneman/sitepress/internal/domains"
	"github.com/keithlinneman/sitepress/internal/draftcache"
	"github.com/keithlinneman/sitepress/internal/health"
	"github.com/keithlinneman/sitepress/internal/httpmw"
	"github.com/keithlinneman/sitepress/internal/opshttp"
	"github.com/keithlinneman/sitepress/internal/publish"
	"github.com/keithlinneman/sitepress/internal/ratelimit"
	"github.com/keithlinneman/sitepress/internal/sitehandler"
	"github.com/keithlinneman/sitepress/internal/store"
	"github.com/keithlinneman/sitepress/internal/webassets"

	"github.com/keithlinneman/sitepress/internal/httpserver"
	"github.com/keithlinneman/sitepress/internal/log"
	"github.com/keithlinneman/sitepress/internal/metrics"
	"github.com/keithlinneman/sitepress/internal/otelx"
	"github.com/keithlinneman/sitepress/internal/prof"
	v "github.com/keithlinneman/sitepress/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags, dotenv file and env
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

	stderrf := func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	// the env file may itself be named in the environment
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, stderrf)
	if err := cfg.LoadEnvFile(conf.EnvFile); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, nil)

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	logOpts := log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	}
	if conf.LogFile != "" {
		logOpts.File = &log.FileOptions{Path: conf.LogFile, Compress: true}
	}
	lg, err := log.New(logOpts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// flushes and closes the rotating file sink when one is configured
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"api_port", conf.APIPort,
		"admin_port", conf.AdminPort,
		"trusted_proxy_hops", conf.TrustedProxyHops,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"pyro_server", conf.PyroServer,
		"pyro_tenant", conf.PyroTenantID,
		"trace_sample", conf.TraceSample,
		"db_driver", conf.DBDriver,
		"db_dsn_ssm_param", conf.DBDSNSSMParam,
		"base_domain", conf.BaseDomain,
		"reserved_labels", conf.Reserved(),
		"dns_verify", conf.DNSVerify,
		"artifact_backend", conf.ArtifactBackend,
		"assets_dir", conf.AssetsDir,
		"max_import_bytes", conf.MaxImportBytes,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.ShortCommit(),
			"build_id":  vi.BuildId,
		},
		OnStatus: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// AWS is only needed for the s3 artifact backend or an SSM-held DSN
	var awsCfg aws.Config
	if conf.NeedsAWS() {
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		awsCfg.APIOptions = append(awsCfg.APIOptions, awsmiddleware.AddUserAgentKey(vi.UserAgent()))
	}

	dsn := conf.DBDSN
	if conf.DBDSNSSMParam != "" {
		dsn, err = cfg.ResolveParam(ctx, ssm.NewFromConfig(awsCfg), conf.DBDSNSSMParam)
		if err != nil {
			L.Error(ctx, err, "failed to resolve database DSN", "param", conf.DBDSNSSMParam)
			os.Exit(1)
		}
	}

	st, err := store.Open(ctx, store.Options{
		Driver: conf.DBDriver,
		DSN:    dsn,
		Logger: L,
	})
	if err != nil {
		L.Error(ctx, err, "failed to open content store", "driver", conf.DBDriver)
		os.Exit(1)
	}

	var artifacts publish.Artifacts
	switch conf.ArtifactBackend {
	case "s3":
		artifacts, err = publish.NewS3Artifacts(s3.NewFromConfig(awsCfg), conf.ArtifactS3Bucket, conf.ArtifactS3Prefix)
	default:
		artifacts, err = publish.NewDiskArtifacts(conf.PublicationsDir)
	}
	if err != nil {
		L.Error(ctx, err, "failed to set up artifact store", "backend", conf.ArtifactBackend)
		os.Exit(1)
	}

	pipeline, err := publish.New(publish.Options{
		Logger:    L,
		Store:     st,
		Artifacts: artifacts,
		Metrics:   m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create publish pipeline")
		os.Exit(1)
	}

	importer, err := archive.New(archive.Options{
		Logger:          L,
		Projects:        st,
		Metrics:         m,
		AssetsRoot:      conf.AssetsDir,
		MaxArchiveBytes: conf.MaxImportBytes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create archive importer", "assets_dir", conf.AssetsDir)
		os.Exit(1)
	}

	var verifier domains.Verifier = domains.ManualVerifier{}
	if conf.DNSVerify {
		verifier = domains.DNSVerifier{Resolver: net.DefaultResolver}
	}
	domainMgr, err := domains.New(domains.Options{
		Logger:      L,
		Store:       st,
		Metrics:     m,
		Verifier:    verifier,
		BaseDomain:  conf.BaseDomain,
		CNAMETarget: conf.EffectiveCNAMETarget(),
	})
	if err != nil {
		L.Error(ctx, err, "failed to create domain manager")
		os.Exit(1)
	}

	// site handler serves published sites on subdomains, custom domains and /sites
	fallback, err := webassets.WithOverrides(conf.FallbackDir)
	if err != nil {
		L.Error(ctx, err, "failed to open fallback page directory", "dir", conf.FallbackDir)
		os.Exit(1)
	}
	sites, err := sitehandler.New(&sitehandler.Options{
		Logger:         L,
		Sites:          st,
		Artifacts:      artifacts,
		Domains:        domainMgr,
		Metrics:        m,
		BaseDomain:     conf.BaseDomain,
		Reserved:       conf.Reserved(),
		DomainCacheTTL: conf.DomainCacheTTL,
		FallbackFS:     fallback,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create site handler")
		os.Exit(1)
	}

	var tenantLimit func(http.Handler) http.Handler
	if conf.TenantRate > 0 {
		tenantLimit = newLimiter(ctx, L, m, "tenant",
			ratelimit.WithRate(conf.TenantRate, conf.TenantBurst),
			ratelimit.WithKey(adminapi.TenantKey),
		).Middleware
	}
	api, err := adminapi.New(adminapi.Options{
		Logger:    L,
		Store:     st,
		Publisher: pipeline,
		Importer:  importer,
		Domains:   domainMgr,
		Drafts:    draftcache.NewDrafts(conf.DraftCacheSize),
		Sites:     sites,

		TenantLimit: tenantLimit,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create admin api")
		os.Exit(1)
	}

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// ready once the store answers and we are not draining
	readiness := health.All(
		gate.Probe(),
		health.Ping("store", st, 2*time.Second),
	)
	clientIP := httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops}

	// per-address limit for the public site
	limiter := newLimiter(ctx, L, m, "site")

	// start public site http server
	siteHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:           L,
		Name:             "site",
		Port:             conf.HTTPPort,
		Health:           health.Fixed(true, ""),
		Readiness:        readiness,
		UseRecoverMW:     true,
		OnPanic:          m.IncHttpPanic,
		MetricsMW:        m.Middleware("site"),
		RateLimitMW:      limiter.Middleware,
		ClientIPOpts:     clientIP,
		SecurityHeaders:  httpmw.SiteSecurityHeaders,
		PreRoute:         sites.Middleware,
		Routes:           []func(chi.Router){sites.RegisterRoutes},
		NotFound:         sites.NotFound,
		MethodNotAllowed: sites.MethodNotAllowed,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start site http listener")
		os.Exit(1)
	}
	defer func() { _ = siteHTTPStop(context.Background()) }()

	// start editor api server; authentication is handled by the proxy in front of it
	apiHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Name:         "admin",
		Port:         conf.APIPort,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware("admin"),
		ClientIPOpts: clientIP,
		MaxBodyBytes: conf.MaxImportBytes,
		// archive uploads can be large
		WriteTimeout: 2 * time.Minute,
		Routes:       []func(chi.Router){api.RegisterRoutes},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		os.Exit(1)
	}
	defer func() { _ = apiHTTPStop(context.Background()) }()

	// start ops listener to serve metrics, health checks and pprof
	// we reject connections from public ips in middleware
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so the load balancer stops sending new requests
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	L.Info(context.Background(), "waiting for in-flight requests and load balancer health checks to drain", "drain", conf.DrainPeriod)
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

	if err := siteHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "site http server shutdown")
	}
	if err := apiHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "api http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	if err := st.Close(); err != nil {
		L.Error(context.Background(), err, "content store close")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
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

// newLimiter builds a rate limiter that counts denials under scope and
// logs the first denial of each key until the key is evicted.
func newLimiter(ctx context.Context, L log.Logger, m *metrics.ServerMetrics, scope string, opts ...ratelimit.Option) *ratelimit.Limiter {
	base := []ratelimit.Option{
		ratelimit.WithScope(scope),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied(scope) }),
		ratelimit.WithOnFirstDenied(func(key string) {
			L.Warn(ctx, "rate limit triggered", "scope", scope, "key", key)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity(scope)
			L.Warn(ctx, "rate limit capacity reached, rejecting new keys until some are evicted", "scope", scope)
		}),
	}
	return ratelimit.New(ctx, append(base, opts...)...)
}
