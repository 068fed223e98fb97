package ratelimit

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/sitepress/internal/httpmw"
)

type Option func(*Limiter)

// WithRate sets the refill rate and bucket size: WithRate(10, 50) allows a
// burst of 50 requests, then 10 per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *Limiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL controls how long an idle key is remembered.
func WithTTL(d time.Duration) Option {
	return func(l *Limiter) { l.ttl = d }
}

// WithMaxKeys caps the number of tracked keys. Unknown keys are denied
// while the table is full. Zero disables the cap.
func WithMaxKeys(n int) Option {
	return func(l *Limiter) { l.maxKeys = n }
}

// WithKey chooses what a bucket is shared by. The default is the client
// address resolved by httpmw.ClientIP.
func WithKey(fn func(*http.Request) string) Option {
	return func(l *Limiter) { l.key = fn }
}

// WithScope names the limiter in its 429 responses and hook calls.
func WithScope(name string) Option {
	return func(l *Limiter) { l.scope = name }
}

func WithOnFirstDenied(fn func(key string)) Option {
	return func(l *Limiter) { l.onFirstDenied = fn }
}

func WithOnDenied(fn func(key string)) Option {
	return func(l *Limiter) { l.onDenied = fn }
}

func WithOnCapacity(fn func()) Option {
	return func(l *Limiter) { l.onCapacity = fn }
}

func withClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func clientKey(r *http.Request) string { return httpmw.ClientIPFromContext(r.Context()) }
