// Package adminapi is the JSON API the editor talks to: projects, pages,
// autosave, preview, publishing, archive import and custom domains.
//
// Authentication happens upstream; every route trusts the tenant in its
// path.
package adminapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/sitepress/internal/archive"
	"github.com/keithlinneman/sitepress/internal/domains"
	"github.com/keithlinneman/sitepress/internal/draftcache"
	"github.com/keithlinneman/sitepress/internal/httpmw"
	"github.com/keithlinneman/sitepress/internal/log"
	"github.com/keithlinneman/sitepress/internal/prof"
	"github.com/keithlinneman/sitepress/internal/publish"
	"github.com/keithlinneman/sitepress/internal/store"
	"github.com/keithlinneman/sitepress/internal/version"
	"github.com/keithlinneman/sitepress/internal/xerrors"
)

// Store is the slice of the content store the API reads and writes.
type Store interface {
	ListProjects(ctx context.Context, tenant string) ([]store.ProjectSummary, error)
	CreateProject(ctx context.Context, ref store.ProjectRef, name string) (*store.Project, error)
	GetProject(ctx context.Context, ref store.ProjectRef) (*store.Project, error)

	ListPages(ctx context.Context, ref store.ProjectRef) ([]store.Page, error)
	GetPage(ctx context.Context, ref store.ProjectRef, slug string) (*store.Page, error)
	CreatePage(ctx context.Context, ref store.ProjectRef, slug string) (*store.Page, error)
	UpsertPage(ctx context.Context, ref store.ProjectRef, slug string, c store.Content) (*store.Page, error)
	RenamePage(ctx context.Context, ref store.ProjectRef, from, to string) (*store.Page, error)
	DuplicatePage(ctx context.Context, ref store.ProjectRef, src string) (*store.Page, error)

	ListPublications(ctx context.Context, projectID, pageSlug string, limit int) ([]store.Publication, error)
	GetDomain(ctx context.Context, id string) (*store.Domain, error)
}

// Publisher owns everything that touches published artifacts, deletes
// included.
type Publisher interface {
	Publish(ctx context.Context, ref store.ProjectRef, pageSlug string) (*publish.Result, error)
	DeletePage(ctx context.Context, ref store.ProjectRef, pageSlug string) error
	DeleteProject(ctx context.Context, ref store.ProjectRef) error
}

type Importer interface {
	Import(ctx context.Context, tenant string, data []byte, archiveName string) (*archive.Result, error)
	MaxArchiveBytes() int64
}

type Domains interface {
	Register(ctx context.Context, ref store.ProjectRef, raw string) (*domains.Registration, error)
	Verify(ctx context.Context, id string) (*store.Domain, error)
	List(ctx context.Context, ref store.ProjectRef) ([]store.Domain, error)
	Delete(ctx context.Context, id string) error
	Instructions(d *store.Domain) domains.Instructions
}

// HostForgetter drops cached custom-domain resolutions after a domain
// changes state.
type HostForgetter interface {
	ForgetHost(host string)
}

type Options struct {
	Logger    log.Logger
	Store     Store
	Publisher Publisher
	Importer  Importer
	Domains   Domains
	Drafts    *draftcache.Drafts
	Sites     HostForgetter

	// TenantLimit, when set, wraps every /tenants/{tenant} route so each
	// tenant is throttled on its own.
	TenantLimit func(http.Handler) http.Handler

	// MaxContentBytes bounds a page autosave body. default: 8MB
	MaxContentBytes int64
}

type API struct {
	logger   log.Logger
	store    Store
	pub      Publisher
	importer Importer
	domains  Domains
	drafts   *draftcache.Drafts
	sites    HostForgetter
	limit    func(http.Handler) http.Handler
	maxBody  int64
}

const defaultMaxContentBytes = 8 << 20

func New(opts Options) (*API, error) {
	if opts.Store == nil || opts.Publisher == nil || opts.Domains == nil {
		return nil, xerrors.New("adminapi: store, publisher and domains are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Drafts == nil {
		opts.Drafts = draftcache.NewDrafts(256)
	}
	if opts.MaxContentBytes <= 0 {
		opts.MaxContentBytes = defaultMaxContentBytes
	}
	return &API{
		logger:   opts.Logger,
		store:    opts.Store,
		pub:      opts.Publisher,
		importer: opts.Importer,
		domains:  opts.Domains,
		drafts:   opts.Drafts,
		sites:    opts.Sites,
		limit:    opts.TenantLimit,
		maxBody:  opts.MaxContentBytes,
	}, nil
}

// TenantKey buckets requests by the {tenant} route param, for use with
// TenantLimit.
func TenantKey(r *http.Request) string { return chi.URLParam(r, "tenant") }

// RegisterRoutes attaches the API under /api/v1.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httpmw.Scope("adminapi"))

		r.Get("/version", api.handleVersion)

		r.Route("/tenants/{tenant}", func(r chi.Router) {
			if api.limit != nil {
				r.Use(api.limit)
			}
			r.Get("/projects", api.handleListProjects)
			r.Post("/projects", api.handleCreateProject)
			r.With(prof.Middleware("import")).Post("/imports", api.handleImport)

			r.Route("/projects/{project}", func(r chi.Router) {
				r.Delete("/", api.handleDeleteProject)

				r.Get("/pages", api.handleListPages)
				r.Post("/pages", api.handleCreatePage)
				r.Route("/pages/{page}", func(r chi.Router) {
					r.Get("/", api.handleGetPage)
					r.Put("/", api.handleUpsertPage)
					r.Delete("/", api.handleDeletePage)
					r.Post("/rename", api.handleRenamePage)
					r.Post("/duplicate", api.handleDuplicatePage)
					r.Get("/preview", api.handlePreview)
					r.With(prof.Middleware("publish")).Post("/publish", api.handlePublish)
					r.Get("/publications", api.handleListPublications)
				})

				r.Get("/domains", api.handleListDomains)
				r.Post("/domains", api.handleRegisterDomain)
			})
		})

		r.Post("/domains/{id}/verify", api.handleVerifyDomain)
		r.Delete("/domains/{id}", api.handleDeleteDomain)

		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			api.writeError(r.Context(), w, xerrors.E(xerrors.KindNotFound, "no such endpoint"))
		})
		r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(r.Context(), api.logger, w, http.StatusMethodNotAllowed, errorBody{
				Code:    "method_not_allowed",
				Message: "method not allowed",
			})
		})
	})
}

func (api *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), api.logger, w, http.StatusOK, version.Get())
}

func projectRef(r *http.Request) store.ProjectRef {
	return store.ProjectRef{
		Tenant:  chi.URLParam(r, "tenant"),
		Project: chi.URLParam(r, "project"),
	}
}
