package httpapi

import (
	"encoding/json"
	"net/http"
)

// apiError is the uniform error body from spec.md §7: {"detail": "..."}.
type apiError struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, apiError{Detail: detail})
}

func badRequest(w http.ResponseWriter, detail string)   { writeError(w, http.StatusBadRequest, detail) }
func unauthorized(w http.ResponseWriter, detail string)  { writeError(w, http.StatusUnauthorized, detail) }
func notFound(w http.ResponseWriter, detail string)      { writeError(w, http.StatusNotFound, detail) }
func serviceUnavailable(w http.ResponseWriter, detail string) {
	writeError(w, http.StatusServiceUnavailable, detail)
}
func internalError(w http.ResponseWriter, detail string) {
	writeError(w, http.StatusInternalServerError, detail)
}
