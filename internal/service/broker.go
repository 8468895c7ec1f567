package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/iotfoundry/tenantflow/internal/broker"
	"github.com/iotfoundry/tenantflow/internal/domain"
	"github.com/iotfoundry/tenantflow/internal/store"
	"go.uber.org/zap"
)

// BrokerService manages a tenant's topic namespace and broker credentials.
// All decisions are re-derived from the identity store; after any mutation
// the provisioner regenerates broker state wholly from store contents, so a
// failed sync is healed by the next successful one rather than leaving the
// broker permanently behind the store.
type BrokerService struct {
	namespaces  domain.NamespaceStore
	credentials domain.CredentialStore
	provisioner domain.ACLProvisioner
	deviceLimit int
	logger      *zap.Logger
}

func NewBrokerService(
	namespaces domain.NamespaceStore,
	credentials domain.CredentialStore,
	provisioner domain.ACLProvisioner,
	deviceLimit int,
	logger *zap.Logger,
) *BrokerService {
	return &BrokerService{
		namespaces:  namespaces,
		credentials: credentials,
		provisioner: provisioner,
		deviceLimit: deviceLimit,
		logger:      logger,
	}
}

// GetOrCreateNamespace returns the tenant's topic namespace id, assigning
// one on first call. Concurrent first callers converge on a single record.
func (s *BrokerService) GetOrCreateNamespace(ctx context.Context, tenantID uuid.UUID) (string, error) {
	rec, err := s.namespaces.GetByTenant(ctx, tenantID)
	if err == nil {
		return rec.TopicID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	for attempt := 0; attempt < createRetries; attempt++ {
		topicID, err := newTopicID()
		if err != nil {
			return "", err
		}
		rec, err := s.namespaces.GetOrCreate(ctx, tenantID, topicID)
		if err == nil {
			return rec.TopicID, nil
		}
		// Duplicate means the generated id collided with another tenant's;
		// try a fresh one.
		if !errors.Is(err, store.ErrDuplicate) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: topic id collisions", ErrConflict)
}

// GetOrCreateBridgeCredential returns the tenant's single bridge credential,
// issuing it on first call. The secret is generated once and returned on
// every subsequent call unchanged; there is no regeneration path.
func (s *BrokerService) GetOrCreateBridgeCredential(ctx context.Context, tenantID uuid.UUID) (*domain.Credential, error) {
	cred, err := s.credentials.GetBridge(ctx, tenantID)
	if err == nil {
		return cred, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	topicID, err := s.GetOrCreateNamespace(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	secret, err := newSecret()
	if err != nil {
		return nil, err
	}
	hash, err := broker.HashSecret(secret)
	if err != nil {
		return nil, err
	}

	cred = &domain.Credential{
		// One bridge per tenant and one namespace per tenant make this
		// name deterministic and collision-free.
		Username:   "bridge-" + topicID,
		TenantID:   tenantID,
		Role:       domain.RoleBridge,
		Secret:     secret,
		SecretHash: hash,
	}
	if err := s.credentials.Create(ctx, cred); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// A concurrent caller issued it first; theirs is the
			// credential of record.
			return s.credentials.GetBridge(ctx, tenantID)
		}
		return nil, err
	}

	if err := s.provisioner.Sync(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("bridge credential issued",
		zap.String("tenant_id", tenantID.String()),
		zap.String("username", cred.Username))
	return cred, nil
}

// CreateDeviceCredential issues a new device credential under the tenant's
// namespace. The returned Credential carries the plaintext secret exactly
// once; only its hash is persisted.
func (s *BrokerService) CreateDeviceCredential(ctx context.Context, tenantID uuid.UUID, displayName string) (*domain.Credential, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, ErrDeviceNameRequired
	}
	if utf8.RuneCountInString(displayName) > domain.MaxDeviceNameLen {
		return nil, ErrDeviceNameTooLong
	}

	if _, err := s.GetOrCreateNamespace(ctx, tenantID); err != nil {
		return nil, err
	}

	secret, err := newSecret()
	if err != nil {
		return nil, err
	}
	hash, err := broker.HashSecret(secret)
	if err != nil {
		return nil, err
	}

	var cred *domain.Credential
	for attempt := 0; ; attempt++ {
		username, err := newDeviceUsername()
		if err != nil {
			return nil, err
		}
		cred = &domain.Credential{
			Username:    username,
			TenantID:    tenantID,
			Role:        domain.RoleDevice,
			DisplayName: displayName,
			SecretHash:  hash,
		}
		// The store counts and inserts under the tenant's namespace row
		// lock, so concurrent creates cannot slip past the quota together.
		err = s.credentials.CreateDevice(ctx, cred, s.deviceLimit)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrLimitReached) {
			return nil, ErrDeviceQuotaExceeded
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, err
		}
		if attempt+1 >= createRetries {
			return nil, fmt.Errorf("%w: username collisions", ErrConflict)
		}
	}

	if err := s.provisioner.Sync(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("device credential issued",
		zap.String("tenant_id", tenantID.String()),
		zap.String("username", cred.Username),
		zap.String("display_name", displayName))

	cred.Secret = secret
	return cred, nil
}

// DeleteDeviceCredential removes a device credential the tenant owns.
// Ownership and role are checked in the delete predicate itself: another
// tenant's credential, or the bridge, is reported as not found and left
// intact. Credential row and broker rule go together because the broker
// files are regenerated from the store after the delete commits.
func (s *BrokerService) DeleteDeviceCredential(ctx context.Context, tenantID uuid.UUID, username string) error {
	// A previous delete may have committed its row removal and then failed
	// the sync, leaving the revoked credential live broker-side. Heal that
	// before deciding anything, so a retried delete revokes access even
	// when its own row lookup comes up empty.
	if err := s.provisioner.SyncIfStale(ctx); err != nil {
		return err
	}

	deleted, err := s.credentials.Delete(ctx, tenantID, username, domain.RoleDevice)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrCredentialNotFound
	}

	if err := s.provisioner.Sync(ctx); err != nil {
		return err
	}
	s.logger.Info("device credential deleted",
		zap.String("tenant_id", tenantID.String()),
		zap.String("username", username))
	return nil
}

// ListDeviceCredentials returns the tenant's device credentials with all
// secret material removed; a device secret is only ever shown at creation.
func (s *BrokerService) ListDeviceCredentials(ctx context.Context, tenantID uuid.UUID) ([]domain.Credential, error) {
	if err := s.provisioner.SyncIfStale(ctx); err != nil {
		s.logger.Warn("broker resync failed", zap.Error(err))
	}

	creds, err := s.credentials.ListByRole(ctx, tenantID, domain.RoleDevice)
	if err != nil {
		return nil, err
	}
	for i := range creds {
		creds[i].Secret = ""
		creds[i].SecretHash = ""
	}
	return creds, nil
}
