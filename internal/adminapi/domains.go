package adminapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/sitepress/internal/domains"
	"github.com/keithlinneman/sitepress/internal/log"
	"github.com/keithlinneman/sitepress/internal/store"
)

type domainView struct {
	Domain       store.Domain         `json:"domain"`
	Instructions domains.Instructions `json:"instructions"`
}

func (api *API) handleListDomains(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	list, err := api.domains.List(ctx, projectRef(r))
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	out := make([]domainView, 0, len(list))
	for i := range list {
		out = append(out, domainView{Domain: list[i], Instructions: api.domains.Instructions(&list[i])})
	}
	writeJSON(ctx, api.logger, w, http.StatusOK, map[string]any{"domains": out})
}

func (api *API) handleRegisterDomain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var dto RegisterDomainDTO
	if err := decodeJSON(w, r, maxSmallBody, &dto, true); err != nil {
		api.respondDecodeErr(ctx, w, err)
		return
	}
	if fields, ok := dto.Ok(); !ok {
		api.writeFieldErrors(ctx, w, fields)
		return
	}
	reg, err := api.domains.Register(ctx, projectRef(r), dto.Hostname)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	status := http.StatusOK
	if reg.Created {
		status = http.StatusCreated
	}
	writeJSON(ctx, api.logger, w, status, reg)
}

// handleVerifyDomain runs the configured verifier. A failed check is a 400
// and leaves the domain as it was.
func (api *API) handleVerifyDomain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, err := api.domains.Verify(ctx, chi.URLParam(r, "id"))
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	// a cached "unknown host" answer would hide the newly served domain
	api.forgetHost(d.Hostname)
	writeJSON(ctx, api.logger, w, http.StatusOK, domainView{Domain: *d, Instructions: api.domains.Instructions(d)})
}

func (api *API) handleDeleteDomain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	d, err := api.store.GetDomain(ctx, id)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	if err := api.domains.Delete(ctx, id); err != nil {
		api.writeError(ctx, w, err)
		return
	}
	api.forgetHost(d.Hostname)
	log.FromContext(ctx).Info(ctx, "domain deleted", "hostname", d.Hostname, "domain_id", d.ID)
	w.WriteHeader(http.StatusNoContent)
}
