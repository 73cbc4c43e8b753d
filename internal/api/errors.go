package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/tuya-lan-core/internal/bridges/tuya"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes {"ok": false, "error": message}.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{OK: false, Error: message})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, message)
}

// commandStatus maps a dispatcher error to an HTTP status: validation
// problems are the caller's fault, everything else is a 500.
func commandStatus(err error) int {
	if errors.Is(err, tuya.ErrValidation) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
