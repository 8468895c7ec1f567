package domain

import (
	"time"

	"github.com/google/uuid"
)

// Tenant is one platform account. Every container, namespace, and credential
// in the system is owned by exactly one tenant.
type Tenant struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	APIKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
