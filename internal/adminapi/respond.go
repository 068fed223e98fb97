package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/keithlinneman/sitepress/internal/log"
	"github.com/keithlinneman/sitepress/internal/xerrors"
)

// errorBody is the envelope for every error response.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func writeJSON(ctx context.Context, L log.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if status == http.StatusNoContent || v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}

// writeError maps err's kind to a status. Internal errors are logged and
// their text is never sent to the client.
func (api *API) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	kind := xerrors.KindOf(err)
	status := xerrors.HTTPStatus(kind)
	body := errorBody{Code: kind.String(), Message: err.Error()}
	if status >= 500 {
		log.FromContext(ctx).Error(ctx, err, "admin api request failed")
		body.Message = "internal error"
	}
	writeJSON(ctx, api.logger, w, status, body)
}

func (api *API) writeFieldErrors(ctx context.Context, w http.ResponseWriter, fields map[string]string) {
	writeJSON(ctx, api.logger, w, http.StatusUnprocessableEntity, errorBody{
		Code:    "invalid_fields",
		Message: "request has invalid fields",
		Meta:    map[string]any{"fields": fields},
	})
}

func (api *API) writeTooLarge(ctx context.Context, w http.ResponseWriter, limit int64) {
	writeJSON(ctx, api.logger, w, http.StatusRequestEntityTooLarge, errorBody{
		Code:    "too_large",
		Message: "request body too large",
		Meta:    map[string]any{"limitBytes": limit},
	})
}

// decodeJSON reads a JSON body of at most limit bytes into dst. A second
// JSON value after the first is rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any, strict bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		return classifyDecodeErr(err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return xerrors.E(xerrors.KindValidation, "request body must contain a single JSON object")
	}
	return nil
}

func classifyDecodeErr(err error) error {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return err
	}
	if errors.Is(err, io.EOF) {
		return xerrors.E(xerrors.KindValidation, "request body is empty")
	}
	return xerrors.WrapKind(err, xerrors.KindValidation, "decode request body")
}

// respondDecodeErr writes the response for a decodeJSON failure.
func (api *API) respondDecodeErr(ctx context.Context, w http.ResponseWriter, err error) {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		api.writeTooLarge(ctx, w, tooBig.Limit)
		return
	}
	api.writeError(ctx, w, err)
}
