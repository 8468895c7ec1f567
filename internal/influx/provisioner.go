// Package influx provisions per-tenant time-series buckets and the tokens
// scoped to them.
package influx

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdomain "github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/iotfoundry/tenantflow/internal/domain"
	"github.com/iotfoundry/tenantflow/internal/store"
	"go.uber.org/zap"
)

// Provisioner lazily creates one bucket per tenant plus an authorization
// that can read and write that bucket only, and records both. The stored
// token is what gets injected into the tenant's container.
type Provisioner struct {
	client  influxdb2.Client
	orgID   string
	records domain.InfluxStore
	logger  *zap.Logger
}

func NewProvisioner(client influxdb2.Client, orgID string, records domain.InfluxStore, logger *zap.Logger) *Provisioner {
	return &Provisioner{client: client, orgID: orgID, records: records, logger: logger}
}

func (p *Provisioner) GetOrCreateBucketToken(ctx context.Context, tenantID uuid.UUID) (string, error) {
	rec, err := p.records.GetByTenant(ctx, tenantID)
	if err == nil {
		return rec.BucketToken, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	bucketName := "tenant-" + tenantID.String()
	bucket, err := p.client.BucketsAPI().CreateBucketWithNameWithID(ctx, p.orgID, bucketName)
	if err != nil {
		return "", fmt.Errorf("create bucket %q: %w", bucketName, err)
	}

	token, err := p.createBucketToken(ctx, bucket.Id, bucketName)
	if err != nil {
		return "", err
	}

	err = p.records.Create(ctx, &domain.InfluxRecord{
		TenantID:    tenantID,
		BucketName:  bucketName,
		BucketToken: token,
	})
	if err != nil {
		// A concurrent caller won the insert; their bucket and token are
		// the tenant's record of truth.
		if errors.Is(err, store.ErrDuplicate) {
			rec, rerr := p.records.GetByTenant(ctx, tenantID)
			if rerr != nil {
				return "", rerr
			}
			return rec.BucketToken, nil
		}
		return "", err
	}

	p.logger.Info("bucket provisioned",
		zap.String("tenant_id", tenantID.String()),
		zap.String("bucket", bucketName))
	return token, nil
}

func (p *Provisioner) createBucketToken(ctx context.Context, bucketID *string, bucketName string) (string, error) {
	permissions := []influxdomain.Permission{
		{
			Action: influxdomain.PermissionActionRead,
			Resource: influxdomain.Resource{
				Type:  influxdomain.ResourceTypeBuckets,
				Id:    bucketID,
				OrgID: &p.orgID,
			},
		},
		{
			Action: influxdomain.PermissionActionWrite,
			Resource: influxdomain.Resource{
				Type:  influxdomain.ResourceTypeBuckets,
				Id:    bucketID,
				OrgID: &p.orgID,
			},
		},
	}

	description := "tenantflow token for " + bucketName
	auth := &influxdomain.Authorization{
		OrgID:       &p.orgID,
		Permissions: &permissions,
	}
	auth.Description = &description

	created, err := p.client.AuthorizationsAPI().CreateAuthorization(ctx, auth)
	if err != nil {
		return "", fmt.Errorf("create authorization for %q: %w", bucketName, err)
	}
	if created.Token == nil {
		return "", fmt.Errorf("authorization for %q returned no token", bucketName)
	}
	return *created.Token, nil
}
