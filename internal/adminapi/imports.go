package adminapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/sitepress/internal/xerrors"
)

// handleImport takes a zip or tar.gz as the raw request body. The
// archive name (used for the project slug) comes from ?name=.
func (api *API) handleImport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if api.importer == nil {
		api.writeError(ctx, w, xerrors.E(xerrors.KindNotFound, "archive import is not enabled"))
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		api.writeFieldErrors(ctx, w, map[string]string{"name": fieldMessages["required"]})
		return
	}

	limit := api.importer.MaxArchiveBytes()
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			api.writeTooLarge(ctx, w, limit)
			return
		}
		api.writeError(ctx, w, xerrors.WrapKind(err, xerrors.KindValidation, "read archive"))
		return
	}
	if len(data) == 0 {
		api.writeError(ctx, w, xerrors.E(xerrors.KindValidation, "archive body is empty"))
		return
	}

	res, err := api.importer.Import(ctx, chi.URLParam(r, "tenant"), data, name)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(ctx, api.logger, w, status, res)
}
