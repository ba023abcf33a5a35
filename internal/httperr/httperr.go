// Package httperr maps domain sentinel errors onto HTTP responses so the
// marketplace, staking, and admin handlers agree on status codes.
package httperr

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/impactmx/impact-engine/internal/model"
)

// Status returns the HTTP status code for a domain error.
func Status(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInsufficientSupply),
		errors.Is(err, model.ErrInsufficientBalance),
		errors.Is(err, model.ErrAlreadyExists),
		errors.Is(err, model.ErrAlreadyStaked),
		errors.Is(err, model.ErrAlreadyLocked),
		errors.Is(err, model.ErrPriceMismatch),
		errors.Is(err, model.ErrStateConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Write writes a JSON error response with the mapped status code. The error
// string carries the sentinel text, which is enough for a client to decide
// whether to re-authorize, top up, or wait.
func Write(w http.ResponseWriter, err error) {
	WriteMessage(w, err.Error(), Status(err))
}

// WriteMessage writes a JSON error response with an explicit status.
func WriteMessage(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
