package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/sitepress/internal/health"
	"github.com/keithlinneman/sitepress/internal/httpmw"
	"github.com/keithlinneman/sitepress/internal/log"
)

type Options struct {
	Logger log.Logger
	// Name tags log lines and spans, e.g. "site" or "admin".
	Name string
	Port int

	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	// SecurityHeaders defaults to httpmw.SecurityHeaders.
	SecurityHeaders func(http.Handler) http.Handler

	Health    health.Probe
	Readiness health.Probe

	MaxBodyBytes int64         // default: 1KB
	WriteTimeout time.Duration // default: DefaultWriteTimeout

	// PreRoute runs inside the router ahead of route matching, so it may
	// rewrite the request path.
	PreRoute         func(http.Handler) http.Handler
	Routes           []func(chi.Router)
	NotFound         http.HandlerFunc
	MethodNotAllowed http.HandlerFunc
}
