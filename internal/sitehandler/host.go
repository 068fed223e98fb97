package sitehandler

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/keithlinneman/sitepress/internal/store"
	"github.com/keithlinneman/sitepress/internal/xerrors"
)

// SitesPrefix is the internal path every site request is rewritten to.
const SitesPrefix = "/_sites/"

type projectKey struct{}

// ProjectFromContext returns the project a custom domain resolved to.
func ProjectFromContext(ctx context.Context) (*store.Project, bool) {
	p, ok := ctx.Value(projectKey{}).(*store.Project)
	return p, ok && p != nil
}

// Middleware rewrites requests addressed to a site hostname onto the
// internal /_sites routes. It must run before routing.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := hostOnly(r.Host)
		if host == "" || host == "localhost" || net.ParseIP(host) != nil {
			next.ServeHTTP(w, r)
			return
		}

		if base := h.opts.BaseDomain; base != "" && (host == base || strings.HasSuffix(host, "."+base)) {
			label := strings.TrimSuffix(strings.TrimSuffix(host, base), ".")
			if label == "" || strings.Contains(label, ".") {
				next.ServeHTTP(w, r)
				return
			}
			if _, reserved := h.reserved[label]; reserved {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, rewrite(r.Context(), r, label))
			return
		}

		if h.domains == nil {
			next.ServeHTTP(w, r)
			return
		}
		p, err := h.domains.lookup(r.Context(), host)
		if err != nil {
			h.serveError(w, r, err)
			return
		}
		if p == nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), projectKey{}, p)
		next.ServeHTTP(w, rewrite(ctx, r, p.Slug))
	})
}

func rewrite(ctx context.Context, r *http.Request, site string) *http.Request {
	r2 := r.Clone(ctx)
	p := strings.TrimSuffix(r.URL.Path, "/")
	r2.URL.Path = SitesPrefix + site + p
	r2.URL.RawPath = ""
	return r2
}

// hostOnly lower-cases a Host header and strips the port and any
// trailing dot.
func hostOnly(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	h = strings.TrimSuffix(strings.TrimPrefix(h, "["), "]")
	return strings.TrimSuffix(h, ".")
}

type cacheEntry struct {
	project *store.Project // nil caches a miss
	expires time.Time
}

// domainCache remembers custom-domain resolutions for a TTL. Concurrent
// misses for one host share a single lookup.
type domainCache struct {
	resolver DomainResolver
	ttl      time.Duration
	now      func() time.Time
	metrics  SiteMetrics

	entries sync.Map // host -> cacheEntry
	group   singleflight.Group
	stores  atomic.Uint64
}

const sweepEvery = 1024

func newDomainCache(r DomainResolver, ttl time.Duration, now func() time.Time, m SiteMetrics) *domainCache {
	return &domainCache{resolver: r, ttl: ttl, now: now, metrics: m}
}

func (c *domainCache) lookup(ctx context.Context, host string) (*store.Project, error) {
	if v, ok := c.entries.Load(host); ok {
		e := v.(cacheEntry)
		if c.now().Before(e.expires) {
			c.metrics.IncDomainCache("hit")
			return e.project, nil
		}
	}
	c.metrics.IncDomainCache("miss")

	v, err, _ := c.group.Do(host, func() (any, error) {
		// shared by every waiter; one caller's cancellation must not fail the rest
		p, err := c.resolver.Resolve(context.WithoutCancel(ctx), host)
		if err != nil {
			if !xerrors.Is(err, xerrors.KindNotFound) && !xerrors.Is(err, xerrors.KindValidation) {
				return nil, err
			}
			p = nil
		}
		c.store(host, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	p, _ := v.(*store.Project)
	return p, nil
}

func (c *domainCache) store(host string, p *store.Project) {
	now := c.now()
	c.entries.Store(host, cacheEntry{project: p, expires: now.Add(c.ttl)})
	if c.stores.Add(1)%sweepEvery != 0 {
		return
	}
	c.entries.Range(func(k, v any) bool {
		if !now.Before(v.(cacheEntry).expires) {
			c.entries.Delete(k)
		}
		return true
	})
}

func (c *domainCache) forget(host string) {
	c.entries.Delete(host)
}
