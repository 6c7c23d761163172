package api

import (
	"encoding/json"
	"net/http"

	"github.com/sandboxbroker/sandboxd/internal/apierr"
)

// statusForCode maps the apierr taxonomy to HTTP status, per the error
// handling design's single translation table.
func statusForCode(code apierr.Code) int {
	switch code {
	case apierr.InvalidInput, apierr.InvalidArchive:
		return http.StatusBadRequest
	case apierr.Unauthorized:
		return http.StatusForbidden
	case apierr.SessionNotFound, apierr.ContainerGone, apierr.NotFound, apierr.PathNotFound:
		return http.StatusNotFound
	case apierr.PatchFailed:
		return http.StatusInternalServerError
	case apierr.EngineUnavailable:
		return http.StatusServiceUnavailable
	case apierr.ImageNotFound:
		return http.StatusBadRequest
	case apierr.VolumeInUse:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apierr.CodeOf(err)
	if code == "" {
		code = apierr.EngineError
	}
	writeJSON(w, statusForCode(code), errorResponse{Error: errorBody{Code: string(code), Message: err.Error()}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
