package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/iotfoundry/tenantflow/internal/api/middleware"
	"github.com/iotfoundry/tenantflow/internal/domain"
	"github.com/iotfoundry/tenantflow/internal/service"
)

// ContainerHandler exposes the lifecycle controller as explicit commands.
// The original manager flow sequenced these through session flags; here
// every command is its own request and the state in the response tells the
// client what to show next.
type ContainerHandler struct {
	svc *service.LifecycleService
}

func NewContainerHandler(svc *service.LifecycleService) *ContainerHandler {
	return &ContainerHandler{svc: svc}
}

type containerStateResponse struct {
	State         domain.ContainerState `json:"state"`
	ContainerName string                `json:"container_name,omitempty"`
	AssignedPort  *int                  `json:"assigned_port,omitempty"`
	Configured    bool                  `json:"configured"`
}

func (h *ContainerHandler) state(ctx context.Context, tenantID uuid.UUID, state domain.ContainerState) containerStateResponse {
	resp := containerStateResponse{State: state}
	if rec, err := h.svc.Record(ctx, tenantID); err == nil {
		resp.ContainerName = rec.ContainerName
		resp.AssignedPort = rec.AssignedPort
		resp.Configured = rec.Configured
	}
	return resp
}

func (h *ContainerHandler) GetState(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	state, err := h.svc.GetState(r.Context(), tenant.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.state(r.Context(), tenant.ID, state))
}

func (h *ContainerHandler) Create(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.svc.Create)
}

func (h *ContainerHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.svc.Stop)
}

func (h *ContainerHandler) Restart(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, h.svc.Restart)
}

func (h *ContainerHandler) command(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID) (domain.ContainerState, error)) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	state, err := op(r.Context(), tenant.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.state(r.Context(), tenant.ID, state))
}

type openContainerResponse struct {
	containerStateResponse
	Path string `json:"path"`
}

// Open readies the container for use: it requires a running container,
// performs the one-time configuration injection if still pending, and
// returns the proxy path the editor is served under.
func (h *ContainerHandler) Open(w http.ResponseWriter, r *http.Request) {
	tenant := middleware.TenantFromContext(r.Context())
	if tenant == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	state, err := h.svc.GetState(r.Context(), tenant.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if state != domain.StateRunning {
		writeJSON(w, http.StatusConflict, h.state(r.Context(), tenant.ID, state))
		return
	}

	if _, err := h.svc.ConfigureOnce(r.Context(), tenant.ID); err != nil {
		writeServiceError(w, err)
		return
	}

	resp := openContainerResponse{containerStateResponse: h.state(r.Context(), tenant.ID, state)}
	resp.Path = "/" + resp.ContainerName + "/"
	writeJSON(w, http.StatusOK, resp)
}
