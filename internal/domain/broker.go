package domain

import (
	"time"

	"github.com/google/uuid"
)

// CredentialRole distinguishes the single service-owned broker identity a
// tenant's container uses (bridge) from the identities a tenant issues for
// their own external devices (device).
type CredentialRole string

const (
	RoleBridge CredentialRole = "bridge"
	RoleDevice CredentialRole = "device"
)

// MaxDeviceNameLen bounds the tenant-chosen display name of a device credential.
const MaxDeviceNameLen = 30

// NamespaceRecord maps a tenant to its topic namespace. The topic id is
// assigned on first broker interaction and is stable for the tenant's lifetime.
type NamespaceRecord struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	TopicID   string    `json:"topic_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Credential is a broker identity owned by a tenant. Secret carries the
// plaintext only when it is allowed to be shown: always for the bridge
// credential (retrievable for its lifetime), and exactly once at creation
// for device credentials. SecretHash is the broker-side password hash.
type Credential struct {
	Username    string         `json:"username"`
	TenantID    uuid.UUID      `json:"tenant_id"`
	Role        CredentialRole `json:"role"`
	DisplayName string         `json:"display_name,omitempty"`
	Secret      string         `json:"secret,omitempty"`
	SecretHash  string         `json:"-"`
	CreatedAt   time.Time      `json:"created_at"`
}

// InTopic and OutTopic render the two topic trees a credential may use.
// Every permission the broker grants is scoped under one of these.
func InTopic(topicID string) string  { return "in/" + topicID + "/#" }
func OutTopic(topicID string) string { return "out/" + topicID + "/#" }

// ACLEntry is one line of broker provisioning input: a credential joined
// with its owning tenant's topic namespace.
type ACLEntry struct {
	Username   string
	SecretHash string
	TopicID    string
}
