package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/capitalize-ai/conversation-control/internal/service"
)

// maxRequestBytes bounds agent API request bodies.
const maxRequestBytes = 64 << 10

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code service.ErrorCode, message string) {
	writeJSON(w, status, map[string]any{
		"error": message,
		"code":  code,
	})
}

// writeServiceError writes a service failure with its code and details.
func writeServiceError(w http.ResponseWriter, err error) {
	var se *service.Error
	if !errors.As(err, &se) {
		writeError(w, http.StatusInternalServerError, service.ErrorInternal, "internal error")
		return
	}
	body := map[string]any{
		"error": se.Reason,
		"code":  se.Code,
	}
	for k, v := range se.Details {
		body[k] = v
	}
	writeJSON(w, se.Code.HTTPStatus(), body)
}

// decodeJSON reads a bounded JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, service.ErrorInvalidInput, "invalid request body")
		return false
	}
	return true
}
