package adminapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/sitepress/internal/log"
	"github.com/keithlinneman/sitepress/internal/store"
)

const maxSmallBody = 16 << 10

func (api *API) handleListProjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projects, err := api.store.ListProjects(ctx, chi.URLParam(r, "tenant"))
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, api.logger, w, http.StatusOK, map[string]any{"projects": projects})
}

func (api *API) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var dto CreateProjectDTO
	if err := decodeJSON(w, r, maxSmallBody, &dto, true); err != nil {
		api.respondDecodeErr(ctx, w, err)
		return
	}
	if fields, ok := dto.Ok(); !ok {
		api.writeFieldErrors(ctx, w, fields)
		return
	}

	ref := store.ProjectRef{Tenant: chi.URLParam(r, "tenant"), Project: dto.Slug}
	p, err := api.store.CreateProject(ctx, ref, dto.Name)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	log.FromContext(ctx).Info(ctx, "project created", "project", p.Ref().String(), "project_id", p.ID)
	writeJSON(ctx, api.logger, w, http.StatusCreated, p)
}

func (api *API) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref := projectRef(r)

	p, err := api.store.GetProject(ctx, ref)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	hosts, err := api.domains.List(ctx, ref)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	if err := api.pub.DeleteProject(ctx, ref); err != nil {
		api.writeError(ctx, w, err)
		return
	}
	api.drafts.ForgetProject(p.ID)
	for _, d := range hosts {
		api.forgetHost(d.Hostname)
	}
	log.FromContext(ctx).Info(ctx, "project deleted", "project", ref.String(), "project_id", p.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) forgetHost(host string) {
	if api.sites != nil {
		api.sites.ForgetHost(host)
	}
}
