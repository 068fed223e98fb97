package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests no route pattern claimed, so scanners
// probing random paths cannot grow the series count.
const unmatchedRoute = "unmatched"

// Middleware measures inflight, total, duration and size for the named
// server. It must wrap the chi router so the route pattern is known once
// the handler returns; host-rewritten site requests count under their
// internal /_sites pattern.
func (m *ServerMetrics) Middleware(server string) func(http.Handler) http.Handler {
	inflight := m.inflight.WithLabelValues(server)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			inflight.Inc()
			defer inflight.Dec()

			// outside a chi router there is no route context to read back
			rctx := chi.RouteContext(r.Context())
			if rctx == nil {
				rctx = chi.NewRouteContext()
				r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := rctx.RoutePattern()
			if route == "" {
				route = unmatchedRoute
			}
			m.observe(r.Context(), server, r.Method, route, status, time.Since(start), ww.BytesWritten())
		})
	}
}

func (m *ServerMetrics) observe(ctx context.Context, server, method, route string, status int, took time.Duration, size int) {
	m.reqTotal.WithLabelValues(server, method, route, strconv.Itoa(status)).Inc()
	if status >= http.StatusInternalServerError {
		m.errorsTotal.WithLabelValues(server, method, route).Inc()
	}

	obs := m.reqDur.WithLabelValues(server, method, route)
	eo, canExemplar := obs.(prometheus.ExemplarObserver)
	if ex := traceExemplar(ctx); ex != nil && canExemplar {
		eo.ObserveWithExemplar(took.Seconds(), ex)
	} else {
		obs.Observe(took.Seconds())
	}
	m.respBytes.WithLabelValues(server, method, route).Observe(float64(size))
}

// traceExemplar links a latency sample to its trace when the request was
// sampled.
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
