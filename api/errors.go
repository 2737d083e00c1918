package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/ironca/pki"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// statusFor maps the CA error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pki.ErrMalformedRequest):
		return http.StatusBadRequest
	case errors.Is(err, pki.ErrAuthorizationDenied):
		return http.StatusForbidden
	case errors.Is(err, pki.ErrUnknownProfile):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pki.ErrIllegalState):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// mapError writes err with its mapped status. Server-side failures are
// reported generically; the detail goes to the audit log instead.
func mapError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	switch {
	case status == http.StatusServiceUnavailable:
		writeError(w, status, "certificate authority is not available")
	case status >= http.StatusInternalServerError:
		writeError(w, status, "certificate issuance failed")
	default:
		writeError(w, status, err.Error())
	}
}
