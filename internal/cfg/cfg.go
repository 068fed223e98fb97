package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/keithlinneman/sitepress/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names when reading the
// environment. Flag "db-dsn" maps to SITEPRESS_DB_DSN.
const EnvPrefix = "SITEPRESS_"

type App struct {
	LogJSON           bool
	LogLevel          string
	LogFile           string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort         int
	APIPort          int
	AdminPort        int
	TrustedProxyHops int
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	DBDriver      string
	DBDSN         string
	DBDSNSSMParam string

	BaseDomain     string
	ReservedLabels string
	CNAMETarget    string
	DNSVerify      bool

	ArtifactBackend  string
	PublicationsDir  string
	ArtifactS3Bucket string
	ArtifactS3Prefix string
	AssetsDir        string
	FallbackDir      string

	MaxImportBytes int64
	DraftCacheSize int
	DomainCacheTTL time.Duration
	DrainPeriod    time.Duration
	EnvFile        string

	TenantRate  float64
	TenantBurst int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.LogFile, "log-file", "", "also write logs to this file, rotated by size")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.APIPort, "api-port", 8081, "editor API listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 0, "reverse proxies in front of the server; 0 ignores X-Forwarded-For")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")

	fs.StringVar(&c.DBDriver, "db-driver", "sqlite", "database driver: sqlite|pgx")
	fs.StringVar(&c.DBDSN, "db-dsn", "file:sitepress.db", "database DSN")
	fs.StringVar(&c.DBDSNSSMParam, "db-dsn-ssm-param", "", "ssm parameter holding the database DSN (overrides -db-dsn)")

	fs.StringVar(&c.BaseDomain, "base-domain", "sitepress.localhost", "platform base domain; {site}.{base} serves a site")
	fs.StringVar(&c.ReservedLabels, "reserved-labels", "www,api,admin", "comma separated subdomain labels that never map to a site")
	fs.StringVar(&c.CNAMETarget, "cname-target", "", "CNAME target handed out for custom domains (default sites.{base-domain})")
	fs.BoolVar(&c.DNSVerify, "dns-verify", false, "verify custom domains by TXT lookup instead of manual approval")

	fs.StringVar(&c.ArtifactBackend, "artifact-backend", "disk", "where published artifacts are stored: disk|s3")
	fs.StringVar(&c.PublicationsDir, "publications-dir", "data/publications", "artifact root for the disk backend")
	fs.StringVar(&c.ArtifactS3Bucket, "artifact-s3-bucket", "", "s3 bucket for the s3 artifact backend")
	fs.StringVar(&c.ArtifactS3Prefix, "artifact-s3-prefix", "sitepress/publications", "s3 key prefix for the s3 artifact backend")
	fs.StringVar(&c.AssetsDir, "assets-dir", "data/assets", "root directory for imported project assets")
	fs.StringVar(&c.FallbackDir, "fallback-dir", "", "directory whose 404.html, error.html or unpublished.html replace the built-in pages")

	fs.Int64Var(&c.MaxImportBytes, "max-import-bytes", 50<<20, "maximum archive upload size in bytes")
	fs.IntVar(&c.DraftCacheSize, "draft-cache-size", 1024, "number of draft pages kept in memory for preview")
	fs.DurationVar(&c.DomainCacheTTL, "domain-cache-ttl", 30*time.Second, "how long custom-domain lookups are cached")
	fs.DurationVar(&c.DrainPeriod, "drain-period", 30*time.Second, "how long to fail readiness before stopping listeners on shutdown")
	fs.StringVar(&c.EnvFile, "env-file", "", "dotenv file loaded before reading the environment")

	fs.Float64Var(&c.TenantRate, "tenant-rate", 5, "editor API requests per second allowed per tenant; 0 disables the limit")
	fs.IntVar(&c.TenantBurst, "tenant-burst", 40, "editor API burst allowed per tenant")
}

// LoadEnvFile loads a dotenv file into the process environment without
// overriding variables that are already set. An empty path is a no-op.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
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
				logf("flag -%s: cli value %q overrides env %s", f.Name, f.Value.String(), key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

// Reserved returns the reserved subdomain labels, lower-cased.
func (c App) Reserved() []string {
	var out []string
	for _, l := range strings.Split(c.ReservedLabels, ",") {
		if l = strings.ToLower(strings.TrimSpace(l)); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// EffectiveCNAMETarget returns the configured CNAME target or the default
// derived from the base domain.
func (c App) EffectiveCNAMETarget() string {
	if c.CNAMETarget != "" {
		return c.CNAMETarget
	}
	return "sites." + strings.ToLower(c.BaseDomain)
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.APIPort < 1 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid API_PORT %d (must be 1..65535)", c.APIPort))
	}
	if c.AdminPort == c.HTTPPort || c.APIPort == c.HTTPPort || c.APIPort == c.AdminPort {
		errs = append(errs, fmt.Errorf("HTTP_PORT, API_PORT and ADMIN_PORT must differ (%d/%d/%d)", c.HTTPPort, c.APIPort, c.AdminPort))
	}
	if c.TenantRate < 0 {
		errs = append(errs, fmt.Errorf("TENANT_RATE must not be negative (got %v)", c.TenantRate))
	}
	if c.TenantRate > 0 && c.TenantBurst < 1 {
		errs = append(errs, fmt.Errorf("TENANT_BURST must be at least 1 when TENANT_RATE is set (got %d)", c.TenantBurst))
	}
	if c.TrustedProxyHops < 0 || c.TrustedProxyHops > 10 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be 0..10 (got %d)", c.TrustedProxyHops))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

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
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	switch c.DBDriver {
	case "sqlite", "pgx":
	default:
		errs = append(errs, fmt.Errorf("invalid DB_DRIVER %q (must be sqlite|pgx)", c.DBDriver))
	}
	if c.DBDSN == "" && c.DBDSNSSMParam == "" {
		errs = append(errs, fmt.Errorf("DB_DSN or DB_DSN_SSM_PARAM is required"))
	}

	base := strings.TrimSpace(c.BaseDomain)
	if base == "" || strings.Contains(base, "/") || strings.Contains(base, ":") || !strings.Contains(base, ".") {
		errs = append(errs, fmt.Errorf("BASE_DOMAIN must be a bare hostname with at least two labels (got %q)", c.BaseDomain))
	}

	switch c.ArtifactBackend {
	case "disk":
		if c.PublicationsDir == "" {
			errs = append(errs, fmt.Errorf("PUBLICATIONS_DIR is required when ARTIFACT_BACKEND=disk"))
		}
	case "s3":
		if c.ArtifactS3Bucket == "" {
			errs = append(errs, fmt.Errorf("ARTIFACT_S3_BUCKET is required when ARTIFACT_BACKEND=s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid ARTIFACT_BACKEND %q (must be disk|s3)", c.ArtifactBackend))
	}
	if c.AssetsDir == "" {
		errs = append(errs, fmt.Errorf("ASSETS_DIR is required"))
	}

	if c.MaxImportBytes < 1024 {
		errs = append(errs, fmt.Errorf("MAX_IMPORT_BYTES must be at least 1024 (got %d)", c.MaxImportBytes))
	}
	if c.DraftCacheSize < 1 {
		errs = append(errs, fmt.Errorf("DRAFT_CACHE_SIZE must be positive (got %d)", c.DraftCacheSize))
	}
	if c.DomainCacheTTL < 0 {
		errs = append(errs, fmt.Errorf("DOMAIN_CACHE_TTL must not be negative (got %s)", c.DomainCacheTTL))
	}
	if c.DrainPeriod < 0 {
		errs = append(errs, fmt.Errorf("DRAIN_PERIOD must not be negative (got %s)", c.DrainPeriod))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// NeedsAWS reports whether any configured feature talks to AWS.
func (c App) NeedsAWS() bool {
	return c.ArtifactBackend == "s3" || c.DBDSNSSMParam != ""
}
