package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/sitepress/internal/version"
)

const namespace = "sitepress"

// ServerMetrics owns a private registry. It implements the metrics
// interfaces declared by archive, publish and sitehandler.
type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// http
	inflight       *prometheus.GaugeVec
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter

	ratelimitDeniedTotal   *prometheus.CounterVec
	ratelimitCapacityTotal *prometheus.CounterVec

	// publishing
	importsTotal       *prometheus.CounterVec
	importDuration     prometheus.Histogram
	publicationsTotal  *prometheus.CounterVec
	publicationSize    prometheus.Histogram
	siteRequestsTotal  *prometheus.CounterVec
	domainCacheTotal   *prometheus.CounterVec
	domainChangesTotal *prometheus.CounterVec

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge
}

// New returns a fresh registry + standard collectors.
// Labels are bounded: route patterns, never raw paths or hostnames.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests by server",
		}, []string{"server"}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by server, method, route, and status",
		}, []string{"server", "method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by server, method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"server", "method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by server, method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304},
		}, []string{"server", "method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by server, method and route (SLI)",
		}, []string{"server", "method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		ratelimitDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by a rate limiter, by limiter scope",
		}, []string{"scope"}),
		ratelimitCapacityTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times a rate limiter's key table filled up",
		}, []string{"scope"}),
		importsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imports_total",
			Help:      "Archive imports by result",
		}, []string{"result"}),
		importDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "import_duration_seconds",
			Help:      "Time to unpack, sanitize and store an archive",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		publicationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publications_total",
			Help:      "Publish attempts by result",
		}, []string{"result"}),
		publicationSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publication_size_bytes",
			Help:      "Size of assembled publication documents",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		siteRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "site_requests_total",
			Help:      "Public site requests by route kind and status",
		}, []string{"route", "status"}),
		domainCacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "domain_cache_total",
			Help:      "Custom domain resolution cache lookups by result",
		}, []string{"result"}),
		domainChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "domain_changes_total",
			Help:      "Custom domain registrations, verifications and removals",
		}, []string{"action", "result"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
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
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.importsTotal,
		m.importDuration,
		m.publicationsTotal,
		m.publicationSize,
		m.siteRequestsTotal,
		m.domainCacheTotal,
		m.domainChangesTotal,
		m.buildInfo,
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

// IncRateLimitDenied counts a 429; scope is "site" or "tenant".
func (m *ServerMetrics) IncRateLimitDenied(scope string) {
	m.ratelimitDeniedTotal.WithLabelValues(scope).Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity(scope string) {
	m.ratelimitCapacityTotal.WithLabelValues(scope).Inc()
}

func (m *ServerMetrics) IncImport(result string) {
	m.importsTotal.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) ObserveImportDuration(seconds float64) {
	m.importDuration.Observe(seconds)
}

func (m *ServerMetrics) IncPublish(result string) {
	m.publicationsTotal.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) ObservePublicationSize(bytes int) {
	m.publicationSize.Observe(float64(bytes))
}

// IncSiteRequest counts by route kind (site, page, artifact) so tenant
// names never become label values.
func (m *ServerMetrics) IncSiteRequest(route string, status int) {
	m.siteRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (m *ServerMetrics) IncDomainCache(result string) {
	m.domainCacheTotal.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) IncDomainChange(action, result string) {
	m.domainChangesTotal.WithLabelValues(action, result).Inc()
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

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}
