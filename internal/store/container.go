package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/iotfoundry/tenantflow/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ContainerStore persists per-tenant container registry rows. All invariants
// that span rows (port uniqueness) or need check-then-act atomicity
// (get-or-create, configure-once) are enforced here, inside transactions
// that lock exactly the rows involved.
type ContainerStore struct {
	db *pgxpool.Pool
}

func NewContainerStore(db *pgxpool.Pool) *ContainerStore {
	return &ContainerStore{db: db}
}

const containerColumns = `tenant_id, container_name, assigned_port, configured, created_at, updated_at`

func scanContainer(row pgx.Row) (*domain.ContainerRecord, error) {
	rec := &domain.ContainerRecord{}
	err := row.Scan(&rec.TenantID, &rec.ContainerName, &rec.AssignedPort,
		&rec.Configured, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *ContainerStore) GetOrCreate(ctx context.Context, tenantID uuid.UUID, containerName string) (*domain.ContainerRecord, error) {
	// Insert-then-read inside one transaction. ON CONFLICT on the tenant id
	// makes concurrent first calls converge; a collision on the globally
	// unique container name still raises 23505 and is handed back as
	// ErrDuplicate for the caller to retry with a fresh name.
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO container_records (tenant_id, container_name)
		 VALUES ($1, $2)
		 ON CONFLICT (tenant_id) DO NOTHING`,
		tenantID, containerName)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}

	rec, err := scanContainer(tx.QueryRow(ctx,
		`SELECT `+containerColumns+` FROM container_records WHERE tenant_id = $1`,
		tenantID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *ContainerStore) GetByTenant(ctx context.Context, tenantID uuid.UUID) (*domain.ContainerRecord, error) {
	return scanContainer(s.db.QueryRow(ctx,
		`SELECT `+containerColumns+` FROM container_records WHERE tenant_id = $1`,
		tenantID))
}

func (s *ContainerStore) Rename(ctx context.Context, tenantID uuid.UUID, containerName string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE container_records SET container_name = $2, updated_at = now()
		 WHERE tenant_id = $1`,
		tenantID, containerName)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *ContainerStore) ReconcilePort(ctx context.Context, tenantID uuid.UUID, port *int) (bool, []string, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current *int
	err = tx.QueryRow(ctx,
		`SELECT assigned_port FROM container_records WHERE tenant_id = $1 FOR UPDATE`,
		tenantID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil, ErrNotFound
		}
		return false, nil, err
	}

	if portsEqual(current, port) {
		return false, nil, nil
	}

	var cleared []string
	if port != nil {
		// Lock the row(s) currently holding this port, then clear them.
		// The engine can rebind a formerly assigned port to another
		// tenant's restarted container; the loser's port is cleared, not
		// reassigned (last writer wins).
		rows, err := tx.Query(ctx,
			`SELECT container_name FROM container_records
			 WHERE assigned_port = $1 AND tenant_id <> $2
			 FOR UPDATE`,
			*port, tenantID)
		if err != nil {
			return false, nil, err
		}
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return false, nil, err
			}
			cleared = append(cleared, name)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return false, nil, err
		}

		if len(cleared) > 0 {
			_, err = tx.Exec(ctx,
				`UPDATE container_records SET assigned_port = NULL, updated_at = now()
				 WHERE assigned_port = $1 AND tenant_id <> $2`,
				*port, tenantID)
			if err != nil {
				return false, nil, err
			}
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE container_records SET assigned_port = $2, updated_at = now()
		 WHERE tenant_id = $1`,
		tenantID, port)
	if err != nil {
		// Two reconciliations can race to a port no committed row holds
		// yet; the conflict scan above sees nothing and the loser hits the
		// unique index here. The caller re-inspects and retries.
		if isUniqueViolation(err) {
			return false, nil, ErrDuplicate
		}
		return false, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, nil, fmt.Errorf("commit port reconciliation: %w", err)
	}
	return true, cleared, nil
}

func (s *ContainerStore) ConfigureOnce(ctx context.Context, tenantID uuid.UUID, inject func(ctx context.Context) error) (bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var configured bool
	err = tx.QueryRow(ctx,
		`SELECT configured FROM container_records WHERE tenant_id = $1 FOR UPDATE`,
		tenantID).Scan(&configured)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	if configured {
		return false, nil
	}

	// The row lock is held across the injection so a concurrent caller
	// blocks on the re-check instead of injecting twice.
	if err := inject(ctx); err != nil {
		return false, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE container_records SET configured = true, updated_at = now()
		 WHERE tenant_id = $1`,
		tenantID)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *ContainerStore) ListRouted(ctx context.Context) ([]domain.ContainerRecord, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+containerColumns+` FROM container_records
		 WHERE assigned_port IS NOT NULL
		 ORDER BY container_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.ContainerRecord
	for rows.Next() {
		rec := domain.ContainerRecord{}
		err := rows.Scan(&rec.TenantID, &rec.ContainerName, &rec.AssignedPort,
			&rec.Configured, &rec.CreatedAt, &rec.UpdatedAt)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func portsEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
