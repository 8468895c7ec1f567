package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/iotfoundry/tenantflow/internal/service"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps the service error taxonomy onto HTTP statuses.
// Anything unrecognized is a 500 with a generic message.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrDeviceNameRequired),
		errors.Is(err, service.ErrDeviceNameTooLong):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrDeviceQuotaExceeded):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrCredentialNotFound),
		errors.Is(err, service.ErrContainerNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrEngineTimeout),
		errors.Is(err, service.ErrEngineUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
