package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/iotfoundry/tenantflow/internal/api/middleware"
	"github.com/iotfoundry/tenantflow/internal/domain"
	"github.com/iotfoundry/tenantflow/internal/service"
)

// DeviceHandler manages the tenant's device credentials and exposes the
// topic namespace they publish and subscribe under.
type DeviceHandler struct {
	svc *service.BrokerService
}

func NewDeviceHandler(svc *service.BrokerService) *DeviceHandler {
	return &DeviceHandler{svc: svc}
}

type createDeviceRequest struct {
	Name string `json:"name"`
}

func (h *DeviceHandler) Create(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	cred, err := h.svc.CreateDeviceCredential(r.Context(), tenant.ID, req.Name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	// The response is the only place the device secret ever appears.
	writeJSON(w, http.StatusCreated, cred)
}

func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	creds, err := h.svc.ListDeviceCredentials(r.Context(), tenant.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if creds == nil {
		creds = []domain.Credential{}
	}
	writeJSON(w, http.StatusOK, creds)
}

func (h *DeviceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	username := chi.URLParam(r, "username")
	if err := h.svc.DeleteDeviceCredential(r.Context(), tenant.ID, username); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DeviceHandler) Bridge(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	cred, err := h.svc.GetOrCreateBridgeCredential(r.Context(), tenant.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

type topicsResponse struct {
	TopicID  string `json:"topic_id"`
	InTopic  string `json:"in_topic"`
	OutTopic string `json:"out_topic"`
}

func (h *DeviceHandler) Topics(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	topicID, err := h.svc.GetOrCreateNamespace(r.Context(), tenant.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, topicsResponse{
		TopicID:  topicID,
		InTopic:  "in/" + topicID + "/your/subtopic",
		OutTopic: "out/" + topicID + "/your/subtopic",
	})
}
