package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/iotfoundry/tenantflow/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InfluxStore persists the tenant → bucket/token mapping issued by the
// time-series provisioner.
type InfluxStore struct {
	db *pgxpool.Pool
}

func NewInfluxStore(db *pgxpool.Pool) *InfluxStore {
	return &InfluxStore{db: db}
}

func (s *InfluxStore) Create(ctx context.Context, rec *domain.InfluxRecord) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO influx_records (tenant_id, bucket_name, bucket_token)
		 VALUES ($1, $2, $3)`,
		rec.TenantID, rec.BucketName, rec.BucketToken)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *InfluxStore) GetByTenant(ctx context.Context, tenantID uuid.UUID) (*domain.InfluxRecord, error) {
	rec := &domain.InfluxRecord{}
	err := s.db.QueryRow(ctx,
		`SELECT tenant_id, bucket_name, bucket_token FROM influx_records WHERE tenant_id = $1`,
		tenantID).Scan(&rec.TenantID, &rec.BucketName, &rec.BucketToken)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}
