package sitehandler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/keithlinneman/sitepress/internal/log"
	"github.com/keithlinneman/sitepress/internal/publish"
	"github.com/keithlinneman/sitepress/internal/store"
)

var ErrInvalidOptions = errors.New("sitehandler: invalid options")

// Sites is the read side of the store used while serving.
type Sites interface {
	LookupSite(ctx context.Context, site string) (*store.Site, error)
	LatestPublication(ctx context.Context, projectID, pageSlug string) (*store.Publication, error)
	LatestProjectPublication(ctx context.Context, projectID string) (*store.Publication, error)
}

// DomainResolver maps a custom hostname to the project serving it.
type DomainResolver interface {
	Resolve(ctx context.Context, hostname string) (*store.Project, error)
}

type SiteMetrics interface {
	IncSiteRequest(route string, status int)
	IncDomainCache(result string)
}

type nopMetrics struct{}

func (nopMetrics) IncSiteRequest(string, int) {}
func (nopMetrics) IncDomainCache(string)      {}

type Options struct {
	Logger    log.Logger
	Sites     Sites
	Artifacts publish.Artifacts
	// Domains is optional; without it custom hostnames are never routed.
	Domains DomainResolver
	Metrics SiteMetrics

	// BaseDomain enables {site}.{BaseDomain} routing when set.
	BaseDomain string
	// Reserved labels under BaseDomain that never name a site. "www" is
	// always reserved.
	Reserved       []string
	DomainCacheTTL time.Duration // default: 30s

	// Pages shown when there is nothing published to serve, read from
	// FallbackFS.
	FallbackFS      fs.FS
	UnpublishedFile string // default: "unpublished.html"
	NotFoundFile    string // default: "404.html"
	ErrorFile       string // default: "error.html"

	HTMLCacheControl  string // default: "no-cache"
	OtherCacheControl string // default: "public, max-age=3600"

	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.Metrics == nil {
		o.Metrics = nopMetrics{}
	}
	if o.DomainCacheTTL <= 0 {
		o.DomainCacheTTL = 30 * time.Second
	}
	if o.UnpublishedFile == "" {
		o.UnpublishedFile = "unpublished.html"
	}
	if o.NotFoundFile == "" {
		o.NotFoundFile = "404.html"
	}
	if o.ErrorFile == "" {
		o.ErrorFile = "error.html"
	}
	if o.HTMLCacheControl == "" {
		o.HTMLCacheControl = "no-cache"
	}
	if o.OtherCacheControl == "" {
		o.OtherCacheControl = "public, max-age=3600"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	o.BaseDomain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(o.BaseDomain)), ".")
}

func (o *Options) validate() error {
	if o.Sites == nil {
		return fmt.Errorf("%w: Sites is nil", ErrInvalidOptions)
	}
	if o.Artifacts == nil {
		return fmt.Errorf("%w: Artifacts is nil", ErrInvalidOptions)
	}
	if o.FallbackFS == nil {
		return fmt.Errorf("%w: FallbackFS is nil", ErrInvalidOptions)
	}
	// the placeholder is served with 200 so it has to exist
	if _, err := fs.Stat(o.FallbackFS, o.UnpublishedFile); err != nil {
		return fmt.Errorf("%w: missing %q in fallback FS: %v", ErrInvalidOptions, o.UnpublishedFile, err)
	}
	// 404 and error pages are optional; plain text is served without them
	return nil
}

func (o *Options) reservedSet() map[string]struct{} {
	set := map[string]struct{}{"www": {}}
	for _, l := range o.Reserved {
		l = strings.ToLower(strings.TrimSpace(l))
		if l != "" {
			set[l] = struct{}{}
		}
	}
	return set
}
