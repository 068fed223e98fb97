package httpmw

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/sitepress/internal/log"
)

// IsProbe reports whether r is a liveness or readiness check. Probes are
// kept out of access logs, traces and host routing.
func IsProbe(r *http.Request) bool {
	return r.URL.Path == "/-/healthy" || r.URL.Path == "/-/ready"
}

// WithLogger stores a request-scoped logger in the context and tags the
// span with the same connection facts. The client address comes from
// ClientIP, which must run first; raw forwarding headers are never logged.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			peer := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peer); err == nil {
				peer = host
			}
			client := ClientIPFromContext(ctx)
			if client == "" {
				client = peer
			}
			conn := []struct{ key, val string }{
				{"request_id", RequestIDFromContext(ctx)},
				{"client.address", client},
				{"network.peer.address", peer},
				{"server.address", r.Host},
				{"url.scheme", schemeFromRequest(r)},
			}

			kv := make([]any, 0, 2*len(conn)+4)
			attrs := make([]attribute.KeyValue, 0, len(conn))
			for _, c := range conn {
				kv = append(kv, c.key, c.val)
				attrs = append(attrs, attribute.String(c.key, c.val))
			}
			kv = append(kv, "http.request.method", r.Method, "url.path", r.URL.Path)

			if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
				span.SetAttributes(attrs...)
			}
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, base.With(kv...))))
		})
	}
}

// AccessLog writes one line per request with the logger WithLogger put in
// the context. Server errors are logged at warn so they stand out from
// traffic; probes are skipped.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := newRecorder(w, r)
			next.ServeHTTP(rw, r)
			rw.end()

			if IsProbe(r) {
				return
			}
			ctx := r.Context()
			status := rw.statusCode()
			kv := []any{
				"http.response.status_code", status,
				"http.server.request.duration", time.Since(rw.start).Seconds(),
				"http.response.body.size", rw.written,
				"http.request.body.size", max(r.ContentLength, 0),
				"http.route", r.URL.Path,
			}
			if rc := chi.RouteContext(ctx); rc != nil {
				if p := rc.RoutePattern(); p != "" {
					kv[len(kv)-1] = p
				}
				for _, rp := range routeParams {
					if v := rc.URLParam(rp.param); v != "" {
						kv = append(kv, rp.attr, v)
					}
				}
			}

			L := log.FromContext(ctx)
			if status >= http.StatusInternalServerError {
				L.Warn(ctx, "http request", kv...)
				return
			}
			L.Info(ctx, "http request", kv...)
		})
	}
}

// schemeFromRequest trusts X-Forwarded-Proto only as far as ClientIP left
// it in place, and only accepts http or https.
func schemeFromRequest(r *http.Request) string {
	candidates := []string{}
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		candidates = append(candidates, first)
	}
	if r.URL != nil {
		candidates = append(candidates, r.URL.Scheme)
	}
	for _, c := range candidates {
		if s := strings.ToLower(strings.TrimSpace(c)); s == "http" || s == "https" {
			return s
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Scope tags the request logger and span with the handler name.
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("handler", handler))
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
