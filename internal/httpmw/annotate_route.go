package httpmw

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// routeParams are the chi URL params copied onto the span once routing
// is done.
var routeParams = []struct{ param, attr string }{
	{"tenant", "sitepress.tenant"},
	{"project", "sitepress.project"},
	{"site", "sitepress.site"},
	{"page", "sitepress.page"},
}

// AnnotateHTTPRoute renames the span after the matched chi route and tags
// it with the tenant and site the request was for. Host-rewritten site
// requests report the internal /_sites pattern.
func AnnotateHTTPRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		span := trace.SpanFromContext(r.Context())
		if !span.IsRecording() {
			return
		}
		route := r.URL.Path
		rc := chi.RouteContext(r.Context())
		if rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
			for _, rp := range routeParams {
				if v := rc.URLParam(rp.param); v != "" {
					span.SetAttributes(attribute.String(rp.attr, v))
				}
			}
		}
		span.SetAttributes(attribute.String("http.route", route))
		span.SetName(r.Method + " " + route)
	})
}
