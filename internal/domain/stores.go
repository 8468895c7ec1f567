package domain

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

type TenantStore interface {
	Create(ctx context.Context, t *Tenant) error
	GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error)
	GetByAPIKeyHash(ctx context.Context, apiKeyHash string) (*Tenant, error)
}

// ContainerStore owns the per-tenant container registry. The transactional
// methods (GetOrCreate, ReconcilePort, ConfigureOnce) serialize concurrent
// callers on the tenant's row; ReconcilePort additionally locks any row
// holding the contested port before clearing it.
type ContainerStore interface {
	// GetOrCreate returns the tenant's record, creating it with the given
	// container name if none exists. Concurrent first callers converge on
	// one record. A cross-tenant container-name collision is reported as a
	// duplicate error so the caller can retry with a fresh name.
	GetOrCreate(ctx context.Context, tenantID uuid.UUID, containerName string) (*ContainerRecord, error)
	GetByTenant(ctx context.Context, tenantID uuid.UUID) (*ContainerRecord, error)
	// Rename replaces the stored container name (used when the engine
	// rejects the current name as taken).
	Rename(ctx context.Context, tenantID uuid.UUID, containerName string) error
	// ReconcilePort commits the observed port for the tenant. In one
	// transaction it locks and clears any other tenant's record holding the
	// same port, then persists the new value. It reports whether the stored
	// value changed and the container names whose ports were cleared.
	ReconcilePort(ctx context.Context, tenantID uuid.UUID, port *int) (changed bool, cleared []string, err error)
	// ConfigureOnce runs inject under the tenant's row lock if and only if
	// the record is not yet configured, then flips the flag. It reports
	// whether inject ran. If inject fails nothing is persisted.
	ConfigureOnce(ctx context.Context, tenantID uuid.UUID, inject func(ctx context.Context) error) (bool, error)
	// ListRouted returns all records with a bound port, ordered by
	// container name.
	ListRouted(ctx context.Context) ([]ContainerRecord, error)
}

type NamespaceStore interface {
	// GetOrCreate returns the tenant's namespace record, creating it with
	// the given topic id if none exists. Duplicate-creation races converge
	// on the first committed row.
	GetOrCreate(ctx context.Context, tenantID uuid.UUID, topicID string) (*NamespaceRecord, error)
	GetByTenant(ctx context.Context, tenantID uuid.UUID) (*NamespaceRecord, error)
}

type CredentialStore interface {
	Create(ctx context.Context, c *Credential) error
	// CreateDevice inserts a device credential only while the tenant holds
	// fewer than limit device rows. Count and insert run in one transaction
	// under the tenant's namespace row lock, so concurrent creates for the
	// same tenant serialize and the quota cannot be oversubscribed.
	CreateDevice(ctx context.Context, c *Credential, limit int) error
	GetBridge(ctx context.Context, tenantID uuid.UUID) (*Credential, error)
	// Delete removes the credential only if it belongs to the tenant and
	// has the given role. It reports whether a row was removed.
	Delete(ctx context.Context, tenantID uuid.UUID, username string, role CredentialRole) (bool, error)
	ListByRole(ctx context.Context, tenantID uuid.UUID, role CredentialRole) ([]Credential, error)
	// ListACLEntries joins every credential with its tenant's topic id.
	// Broker provisioning is derived from this and nothing else.
	ListACLEntries(ctx context.Context) ([]ACLEntry, error)
}

// InfluxRecord maps a tenant to its time-series bucket and the token scoped
// to it.
type InfluxRecord struct {
	TenantID    uuid.UUID `json:"tenant_id"`
	BucketName  string    `json:"bucket_name"`
	BucketToken string    `json:"-"`
}

type InfluxStore interface {
	Create(ctx context.Context, rec *InfluxRecord) error
	GetByTenant(ctx context.Context, tenantID uuid.UUID) (*InfluxRecord, error)
}

// ErrNameConflict is returned by ContainerEngine.Create when the requested
// container name is already in use. The caller retries with a fresh name.
var ErrNameConflict = errors.New("container name already in use")

// ContainerEngine is the container runtime consumed by the lifecycle
// controller. All calls block on engine I/O and honor ctx deadlines.
type ContainerEngine interface {
	// Create creates and starts a container under the given name.
	Create(ctx context.Context, name string) error
	Inspect(ctx context.Context, name string) (EngineStatus, error)
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	// ExecConfig runs a configuration script inside the running container
	// with the given environment injected.
	ExecConfig(ctx context.Context, name string, script string, env []string) error
}

// ACLProvisioner regenerates broker credential and topic-permission state
// wholly from current store contents.
type ACLProvisioner interface {
	Sync(ctx context.Context) error
	// SyncIfStale re-runs Sync only if the previous attempt failed, so a
	// credential revoked in the store but still live in the broker files
	// is healed by the next operation instead of waiting for the next
	// mutation or a reboot.
	SyncIfStale(ctx context.Context) error
}

// ProxyConfigurator rewrites the reverse-proxy routing table from the given
// routed records and asks the proxy to reload.
type ProxyConfigurator interface {
	Regenerate(ctx context.Context, records []ContainerRecord) error
}

// BucketTokenSource yields the tenant's time-series bucket token, creating
// bucket and token on first use.
type BucketTokenSource interface {
	GetOrCreateBucketToken(ctx context.Context, tenantID uuid.UUID) (string, error)
}
