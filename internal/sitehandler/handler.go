// Package sitehandler serves published sites.
//
// Requests reach a site three ways: the path-based preview under /sites,
// a platform subdomain ({site}.{base}) or a verified custom domain. The
// last two are rewritten by Middleware onto the internal /_sites routes,
// which render the latest publication at request time.
package sitehandler

import (
	"bytes"
	"io/fs"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/sitepress/internal/cryptoutil"
	"github.com/keithlinneman/sitepress/internal/publish"
	"github.com/keithlinneman/sitepress/internal/store"
	"github.com/keithlinneman/sitepress/internal/xerrors"
)

type Handler struct {
	opts     Options
	reserved map[string]struct{}
	domains  *domainCache
}

func New(opts *Options) (*Handler, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	h := &Handler{opts: *opts, reserved: opts.reservedSet()}
	if opts.Domains != nil {
		h.domains = newDomainCache(opts.Domains, opts.DomainCacheTTL, opts.Now, opts.Metrics)
	}
	return h, nil
}

// RegisterRoutes mounts the site routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Handle("/sites/*", h.instrument("artifact", h.serveArtifact))
	r.Handle(SitesPrefix+"{site}", h.instrument("site", h.serveSite))
	r.Handle(SitesPrefix+"{site}/{page}", h.instrument("page", h.serveSite))
}

// ForgetHost drops a cached custom-domain resolution.
func (h *Handler) ForgetHost(host string) {
	if h.domains != nil {
		h.domains.forget(hostOnly(host))
	}
}

// NotFound serves the 404 page; used as the router fallback.
func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	h.serveFallback(w, r, http.StatusNotFound, h.opts.NotFoundFile)
}

func (h *Handler) MethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	methodNotAllowed(w)
}

func methodNotAllowed(w http.ResponseWriter) {
	w.Header().Set("Allow", "GET, HEAD")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusMethodNotAllowed)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (h *Handler) instrument(route string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		defer func() {
			status := sw.status
			if status == 0 {
				status = http.StatusOK
			}
			h.opts.Metrics.IncSiteRequest(route, status)
		}()

		// only GET/HEAD reach site content
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			methodNotAllowed(sw)
			return
		}
		fn(sw, r)
	})
}

var segmentPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

func validSegment(s string) bool {
	return segmentPattern.MatchString(s) && !strings.Contains(s, "..") && s != "."
}

// serveArtifact serves /sites/{project}/{filename} straight from the
// artifact store. Malformed paths are rejected before storage is touched.
// The project segment is a public site name; only the artifacts of the
// project that owns it are reachable.
func (h *Handler) serveArtifact(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(chi.URLParam(r, "*"), "/")
	if len(parts) != 2 || !validSegment(parts[0]) || !validSegment(parts[1]) {
		h.serveBadRequest(w)
		return
	}
	project, file := parts[0], parts[1]
	if !store.ValidSlug(project) {
		h.serveFallback(w, r, http.StatusNotFound, h.opts.NotFoundFile)
		return
	}

	site, err := h.opts.Sites.LookupSite(r.Context(), project)
	if err != nil {
		h.serveError(w, r, err)
		return
	}
	body, err := h.opts.Artifacts.Get(r.Context(), publish.SiteFileKey(site.Ref(), file))
	if err != nil {
		h.serveError(w, r, err)
		return
	}
	h.serveDocument(w, r, file, body, cacheControlForFile(file, &h.opts))
}

// serveSite renders the latest publication of a site, or of one of its
// pages when the route names it.
func (h *Handler) serveSite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	site, page := chi.URLParam(r, "site"), chi.URLParam(r, "page")
	if !store.ValidSlug(site) || (page != "" && !store.ValidSlug(page)) {
		h.serveBadRequest(w)
		return
	}

	var projectID string
	if p, ok := ProjectFromContext(ctx); ok && p.Slug == site {
		projectID = p.ID
	} else {
		s, err := h.opts.Sites.LookupSite(ctx, site)
		if err != nil {
			h.serveError(w, r, err)
			return
		}
		projectID = s.ID
	}

	var (
		pub *store.Publication
		err error
	)
	if page == "" {
		pub, err = h.opts.Sites.LatestProjectPublication(ctx, projectID)
		if xerrors.Is(err, xerrors.KindNotFound) {
			h.serveFallback(w, r, http.StatusOK, h.opts.UnpublishedFile)
			return
		}
	} else {
		pub, err = h.opts.Sites.LatestPublication(ctx, projectID, page)
	}
	if err != nil {
		h.serveError(w, r, err)
		return
	}

	body, err := publish.RenderPublication(pub)
	if err != nil {
		h.serveError(w, r, err)
		return
	}
	h.serveDocument(w, r, "index.html", body, h.opts.HTMLCacheControl)
}

func (h *Handler) serveDocument(w http.ResponseWriter, r *http.Request, name string, body []byte, cacheControl string) {
	w.Header().Set("ETag", cryptoutil.ETag(body))
	if cacheControl != "" {
		w.Header().Set("Cache-Control", cacheControl)
	}
	http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(body))
}

// serveError maps err to a status page. Bodies never carry error text.
func (h *Handler) serveError(w http.ResponseWriter, r *http.Request, err error) {
	switch status := xerrors.HTTPStatus(xerrors.KindOf(err)); status {
	case http.StatusNotFound:
		h.serveFallback(w, r, http.StatusNotFound, h.opts.NotFoundFile)
	case http.StatusBadRequest:
		h.serveBadRequest(w)
	default:
		h.opts.Logger.Error(r.Context(), err, "serve site", "path", r.URL.Path, "host", r.Host)
		h.serveFallback(w, r, http.StatusInternalServerError, h.opts.ErrorFile)
	}
}

func (h *Handler) serveBadRequest(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write([]byte("400 bad request"))
}

// serveFallback writes an embedded page with a fixed status, degrading to
// plain text when the page is missing.
func (h *Handler) serveFallback(w http.ResponseWriter, r *http.Request, status int, name string) {
	if status == http.StatusOK {
		w.Header().Set("Cache-Control", h.opts.HTMLCacheControl)
	} else {
		w.Header().Set("Cache-Control", "no-store")
	}

	data, err := fs.ReadFile(h.opts.FallbackFS, name)
	if err != nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		if r.Method != http.MethodHead {
			_, _ = w.Write([]byte(http.StatusText(status)))
		}
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(data)
	}
}
