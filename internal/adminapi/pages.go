package adminapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/sitepress/internal/cryptoutil"
	"github.com/keithlinneman/sitepress/internal/httpmw"
	"github.com/keithlinneman/sitepress/internal/log"
	"github.com/keithlinneman/sitepress/internal/publish"
	"github.com/keithlinneman/sitepress/internal/store"
)

func (api *API) handleListPages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pages, err := api.store.ListPages(ctx, projectRef(r))
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, api.logger, w, http.StatusOK, map[string]any{"pages": pages})
}

func (api *API) handleCreatePage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var dto PageSlugDTO
	if err := decodeJSON(w, r, maxSmallBody, &dto, true); err != nil {
		api.respondDecodeErr(ctx, w, err)
		return
	}
	if fields, ok := dto.Ok(); !ok {
		api.writeFieldErrors(ctx, w, fields)
		return
	}
	page, err := api.store.CreatePage(ctx, projectRef(r), dto.Slug)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	api.drafts.Put(page)
	writeJSON(ctx, api.logger, w, http.StatusCreated, page)
}

func (api *API) handleGetPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page, err := api.store.GetPage(ctx, projectRef(r), chi.URLParam(r, "page"))
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, api.logger, w, http.StatusOK, page)
}

// handleUpsertPage is the editor's autosave. The last write wins.
func (api *API) handleUpsertPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var dto PageContentDTO
	if err := decodeJSON(w, r, api.maxBody, &dto, false); err != nil {
		api.respondDecodeErr(ctx, w, err)
		return
	}
	if fields, ok := dto.Ok(); !ok {
		api.writeFieldErrors(ctx, w, fields)
		return
	}
	page, err := api.store.UpsertPage(ctx, projectRef(r), chi.URLParam(r, "page"), dto.Content())
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	api.drafts.Put(page)
	log.FromContext(ctx).Debug(ctx, "page saved", "page_id", page.ID, "html_bytes", len(page.Content.HTML))
	writeJSON(ctx, api.logger, w, http.StatusOK, page)
}

func (api *API) handleDeletePage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref, slug := projectRef(r), chi.URLParam(r, "page")
	p, err := api.store.GetProject(ctx, ref)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	if err := api.pub.DeletePage(ctx, ref, slug); err != nil {
		api.writeError(ctx, w, err)
		return
	}
	api.drafts.Forget(p.ID, slug)
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) handleRenamePage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var dto PageSlugDTO
	if err := decodeJSON(w, r, maxSmallBody, &dto, true); err != nil {
		api.respondDecodeErr(ctx, w, err)
		return
	}
	if fields, ok := dto.Ok(); !ok {
		api.writeFieldErrors(ctx, w, fields)
		return
	}
	from := chi.URLParam(r, "page")
	page, err := api.store.RenamePage(ctx, projectRef(r), from, dto.Slug)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	api.drafts.Forget(page.ProjectID, from)
	api.drafts.Put(page)
	writeJSON(ctx, api.logger, w, http.StatusOK, page)
}

func (api *API) handleDuplicatePage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page, err := api.store.DuplicatePage(ctx, projectRef(r), chi.URLParam(r, "page"))
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, api.logger, w, http.StatusCreated, page)
}

// handlePreview renders the current draft through the same sanitizer and
// template as a publication. The draft cache answers first; the store is
// authoritative.
func (api *API) handlePreview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref, slug := projectRef(r), chi.URLParam(r, "page")

	p, err := api.store.GetProject(ctx, ref)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	page, ok := api.drafts.Get(p.ID, slug)
	if !ok {
		page, err = api.store.GetPage(ctx, ref, slug)
		if err != nil {
			api.writeError(ctx, w, err)
			return
		}
		api.drafts.Put(page)
	}

	body, err := publish.RenderPage(page)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("Content-Security-Policy", httpmw.SiteCSP)
	// the editor shows previews in a same-origin frame
	h.Set("X-Frame-Options", "SAMEORIGIN")
	h.Set("Cross-Origin-Embedder-Policy", "unsafe-none")
	etag := cryptoutil.ETag(body)
	h.Set("ETag", etag)
	if cryptoutil.ETagMatch(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}

func (api *API) handlePublish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := api.pub.Publish(ctx, projectRef(r), chi.URLParam(r, "page"))
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, api.logger, w, http.StatusCreated, res)
}

func (api *API) handleListPublications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref, slug := projectRef(r), chi.URLParam(r, "page")
	if err := store.ValidateSlug("page", slug); err != nil {
		api.writeError(ctx, w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	p, err := api.store.GetProject(ctx, ref)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	pubs, err := api.store.ListPublications(ctx, p.ID, slug, limit)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	// html and css stay out of the listing; the artifact has them
	writeJSON(ctx, api.logger, w, http.StatusOK, map[string]any{"publications": pubs})
}
