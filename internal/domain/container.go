package domain

import (
	"time"

	"github.com/google/uuid"
)

// ContainerState is the lifecycle state of a tenant's flow-engine container
// as derived from the container engine.
type ContainerState string

const (
	// StateAbsent means the engine has no container for this tenant.
	StateAbsent ContainerState = "absent"
	// StateStarting means the container exists but is not yet serving
	// (created, restarting, or health check still warming up).
	StateStarting ContainerState = "starting"
	StateRunning  ContainerState = "running"
	StateStopped  ContainerState = "stopped"
	// StateUnavailable means the engine reported an error or an ambiguous
	// status. It is surfaced to the caller and never auto-recovered.
	StateUnavailable ContainerState = "unavailable"
)

// ContainerRecord is the per-tenant registry row for the tenant's container.
// AssignedPort is nil until the engine has bound a host port; when set it is
// unique across all records.
type ContainerRecord struct {
	TenantID      uuid.UUID `json:"tenant_id"`
	ContainerName string    `json:"container_name"`
	AssignedPort  *int      `json:"assigned_port,omitempty"`
	Configured    bool      `json:"configured"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// EngineStatus is what a single engine inspect yields: the mapped lifecycle
// state and, for a live container, the bound host port (nil if not bound yet).
type EngineStatus struct {
	State ContainerState
	Port  *int
}
