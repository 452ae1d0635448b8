package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/psantana5/kestrel/pkg/models"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StatusForKind maps an error kind to its HTTP status
func StatusForKind(kind error) int {
	switch kind {
	case models.ErrNotFound:
		return http.StatusNotFound
	case models.ErrConflict, models.ErrInvalidStatus:
		return http.StatusConflict
	case models.ErrPrecondition, models.ErrResolution:
		return http.StatusPreconditionFailed
	case models.ErrUserLimitExceeded:
		return http.StatusTooManyRequests
	case models.ErrServerUnavailable:
		return http.StatusServiceUnavailable
	case models.ErrUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// KindForStatus is the fallback mapping for bodies without a kind
func KindForStatus(status int) error {
	switch status {
	case http.StatusNotFound:
		return models.ErrNotFound
	case http.StatusConflict:
		return models.ErrConflict
	case http.StatusPreconditionFailed, http.StatusBadRequest:
		return models.ErrPrecondition
	case http.StatusTooManyRequests:
		return models.ErrUserLimitExceeded
	case http.StatusServiceUnavailable:
		return models.ErrServerUnavailable
	case http.StatusUnauthorized, http.StatusForbidden:
		return models.ErrUnauthorized
	default:
		return models.ErrServer
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := models.KindOf(err)
	status := StatusForKind(kind)
	if status >= 500 {
		log.Printf("[API] %v", err)
	}
	writeJSON(w, status, ErrorResponse{Kind: models.KindName(err), Message: err.Error()})
}

// decode reads a JSON body into v, rejecting unknown fields
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var syntax *json.SyntaxError
		if errors.As(err, &syntax) {
			return models.WrapError(models.ErrPrecondition, "api.decode", err, "malformed JSON at offset %d", syntax.Offset)
		}
		return models.WrapError(models.ErrPrecondition, "api.decode", err, "invalid request body")
	}
	return nil
}
