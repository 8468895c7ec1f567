package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/iotfoundry/tenantflow/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NamespaceStore persists the tenant → topic namespace mapping. Rows are
// created once and never mutated.
type NamespaceStore struct {
	db *pgxpool.Pool
}

func NewNamespaceStore(db *pgxpool.Pool) *NamespaceStore {
	return &NamespaceStore{db: db}
}

func (s *NamespaceStore) GetOrCreate(ctx context.Context, tenantID uuid.UUID, topicID string) (*domain.NamespaceRecord, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO namespace_records (tenant_id, topic_id)
		 VALUES ($1, $2)
		 ON CONFLICT (tenant_id) DO NOTHING`,
		tenantID, topicID)
	if err != nil {
		// A topic_id collision with another tenant; caller retries with a
		// freshly generated id.
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}

	rec := &domain.NamespaceRecord{}
	err = tx.QueryRow(ctx,
		`SELECT tenant_id, topic_id, created_at FROM namespace_records WHERE tenant_id = $1`,
		tenantID).Scan(&rec.TenantID, &rec.TopicID, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *NamespaceStore) GetByTenant(ctx context.Context, tenantID uuid.UUID) (*domain.NamespaceRecord, error) {
	rec := &domain.NamespaceRecord{}
	err := s.db.QueryRow(ctx,
		`SELECT tenant_id, topic_id, created_at FROM namespace_records WHERE tenant_id = $1`,
		tenantID).Scan(&rec.TenantID, &rec.TopicID, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// CredentialStore persists broker credentials. The schema enforces at most
// one bridge credential per tenant (partial unique index) and globally
// unique usernames.
type CredentialStore struct {
	db *pgxpool.Pool
}

func NewCredentialStore(db *pgxpool.Pool) *CredentialStore {
	return &CredentialStore{db: db}
}

const credentialColumns = `username, tenant_id, role, display_name, secret, secret_hash, created_at`

func (s *CredentialStore) Create(ctx context.Context, c *domain.Credential) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO broker_credentials (username, tenant_id, role, display_name, secret, secret_hash)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		c.Username, c.TenantID, c.Role, c.DisplayName, c.Secret, c.SecretHash,
	).Scan(&c.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// CreateDevice inserts a device credential under the tenant's device quota.
// The tenant's namespace row is locked first so all device-credential writers
// for the tenant serialize; the count seen under the lock is authoritative.
func (s *CredentialStore) CreateDevice(ctx context.Context, c *domain.Credential, limit int) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var topicID string
	err = tx.QueryRow(ctx,
		`SELECT topic_id FROM namespace_records WHERE tenant_id = $1 FOR UPDATE`,
		c.TenantID).Scan(&topicID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	var n int
	err = tx.QueryRow(ctx,
		`SELECT count(*) FROM broker_credentials WHERE tenant_id = $1 AND role = $2`,
		c.TenantID, domain.RoleDevice).Scan(&n)
	if err != nil {
		return err
	}
	if n >= limit {
		return ErrLimitReached
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO broker_credentials (username, tenant_id, role, display_name, secret, secret_hash)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		c.Username, c.TenantID, c.Role, c.DisplayName, c.Secret, c.SecretHash,
	).Scan(&c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return tx.Commit(ctx)
}

func (s *CredentialStore) GetBridge(ctx context.Context, tenantID uuid.UUID) (*domain.Credential, error) {
	c := &domain.Credential{}
	err := s.db.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM broker_credentials
		 WHERE tenant_id = $1 AND role = $2`,
		tenantID, domain.RoleBridge,
	).Scan(&c.Username, &c.TenantID, &c.Role, &c.DisplayName, &c.Secret, &c.SecretHash, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (s *CredentialStore) Delete(ctx context.Context, tenantID uuid.UUID, username string, role domain.CredentialRole) (bool, error) {
	// Ownership and role are part of the predicate: a tenant can never
	// delete another tenant's credential or its own bridge through here.
	tag, err := s.db.Exec(ctx,
		`DELETE FROM broker_credentials
		 WHERE username = $1 AND tenant_id = $2 AND role = $3`,
		username, tenantID, role)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *CredentialStore) ListByRole(ctx context.Context, tenantID uuid.UUID, role domain.CredentialRole) ([]domain.Credential, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+credentialColumns+` FROM broker_credentials
		 WHERE tenant_id = $1 AND role = $2
		 ORDER BY created_at`,
		tenantID, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []domain.Credential
	for rows.Next() {
		c := domain.Credential{}
		err := rows.Scan(&c.Username, &c.TenantID, &c.Role, &c.DisplayName,
			&c.Secret, &c.SecretHash, &c.CreatedAt)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

func (s *CredentialStore) ListACLEntries(ctx context.Context) ([]domain.ACLEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT c.username, c.secret_hash, n.topic_id
		 FROM broker_credentials c
		 JOIN namespace_records n ON n.tenant_id = c.tenant_id
		 ORDER BY c.username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.ACLEntry
	for rows.Next() {
		e := domain.ACLEntry{}
		if err := rows.Scan(&e.Username, &e.SecretHash, &e.TopicID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
