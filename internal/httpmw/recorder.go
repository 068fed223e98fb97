package httpmw

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errNotHijacker = errors.New("response writer does not support hijacking")

// recorder captures what a handler sent and how long it spent blocked on
// the client. The first byte opens a response.write child span, so slow
// readers show up in traces separately from slow handlers.
type recorder struct {
	http.ResponseWriter
	ctx   context.Context
	start time.Time

	status  int
	written int64
	blocked time.Duration
	failure error

	span    trace.Span
	started bool
}

func newRecorder(w http.ResponseWriter, r *http.Request) *recorder {
	return &recorder{ResponseWriter: w, ctx: r.Context(), start: time.Now()}
}

func (rw *recorder) begin() {
	if rw.started {
		return
	}
	rw.started = true
	parent := trace.SpanFromContext(rw.ctx)
	if !parent.IsRecording() {
		return
	}
	ttfb := time.Since(rw.start)
	_, rw.span = otel.Tracer("sitepress/httpmw").Start(rw.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", ttfb.Seconds())))
}

// timed runs a write against the client and adds its duration to blocked.
func (rw *recorder) timed(write func()) {
	rw.begin()
	t := time.Now()
	write()
	rw.blocked += time.Since(t)
}

func (rw *recorder) WriteHeader(code int) {
	rw.status = code
	rw.timed(func() { rw.ResponseWriter.WriteHeader(code) })
}

func (rw *recorder) Write(b []byte) (n int, err error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	rw.timed(func() { n, err = rw.ResponseWriter.Write(b) })
	rw.written += int64(n)
	if err != nil && rw.failure == nil {
		rw.failure = err
	}
	return n, err
}

func (rw *recorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *recorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errNotHijacker
}

// statusCode is the status sent, 200 when the handler wrote nothing.
func (rw *recorder) statusCode() int {
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}

// end closes the response.write span, if one was opened.
func (rw *recorder) end() {
	if rw.span == nil {
		return
	}
	rw.span.SetAttributes(
		attribute.Int("http.response.status_code", rw.statusCode()),
		attribute.Int64("http.response.body.size", rw.written),
		attribute.Float64("http.server.write.block_seconds", rw.blocked.Seconds()),
	)
	if rw.failure != nil {
		rw.span.RecordError(rw.failure)
		rw.span.SetStatus(codes.Error, rw.failure.Error())
	}
	rw.span.End()
}
