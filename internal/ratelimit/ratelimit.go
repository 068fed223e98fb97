package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// first denial already reported; resets when the bucket is evicted
	reported bool
}

// Limiter holds one token bucket per key.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	full    bool // onCapacity already fired for the current saturation

	perSecond rate.Limit
	burst     int
	ttl       time.Duration
	maxKeys   int
	key       func(*http.Request) string
	scope     string
	now       func() time.Time

	onFirstDenied func(key string)
	onDenied      func(key string)
	onCapacity    func()
}

// New creates a Limiter; eviction runs until ctx is cancelled.
func New(ctx context.Context, opts ...Option) *Limiter {
	l := &Limiter{
		buckets:   make(map[string]*bucket),
		perSecond: 10,
		burst:     30,
		ttl:       5 * time.Minute,
		maxKeys:   100_000,
		key:       clientKey,
		now:       time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup(ctx)
	return l
}

// allow reports whether key may proceed. Hooks run outside the lock.
func (l *Limiter) allow(key string) bool {
	now := l.now()
	allowed, first, saturated := l.take(key, now)

	if saturated && l.onCapacity != nil {
		l.onCapacity()
	}
	if first && l.onFirstDenied != nil {
		l.onFirstDenied(key)
	}
	if !allowed && l.onDenied != nil {
		l.onDenied(key)
	}
	return allowed
}

// take spends a token from key's bucket, creating the bucket if the table
// has room. saturated is true only for the denial that filled the table.
func (l *Limiter) take(key string, now time.Time) (allowed, first, saturated bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		if l.maxKeys > 0 && len(l.buckets) >= l.maxKeys {
			saturated = !l.full
			l.full = true
			return false, false, saturated
		}
		b = &bucket{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	allowed = b.limiter.AllowN(now, 1)
	if !allowed && !b.reported {
		b.reported = true
		first = true
	}
	return allowed, first, false
}

func (l *Limiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.ttl {
			delete(l.buckets, k)
		}
	}
	if l.maxKeys == 0 || len(l.buckets) < l.maxKeys {
		l.full = false
	}
}

// cleanup runs every TTL/2 so idle buckets never outlive the TTL by much.
func (l *Limiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evict(l.now())
		}
	}
}

type deniedBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Meta    map[string]string `json:"meta,omitempty"`
}

func scopeMeta(scope string) map[string]string {
	if scope == "" {
		return nil
	}
	return map[string]string{"scope": scope}
}

func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware rejects requests over the limit with 429. The body names the
// limiter scope but never the limit or when the bucket refills.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	body, _ := json.Marshal(deniedBody{Code: "rate_limited", Message: "too many requests", Meta: scopeMeta(l.scope)})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(l.key(r)) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", "30")
			w.Header().Set("Cache-Control", "no-store")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write(body)
			return
		}
		next.ServeHTTP(w, r)
	})
}
