package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/iotfoundry/tenantflow/internal/domain"
	"github.com/iotfoundry/tenantflow/internal/store"
	"go.uber.org/zap"
)

// createRetries bounds retries on container-name collisions, both against
// the registry's unique constraint and against the engine.
const createRetries = 3

// configScript writes the injected credentials into the flow engine's data
// volume. It runs inside the container via the engine's exec API with the
// FLOW_* variables set in the exec environment.
const configScript = `umask 077
{
  printf 'FLOW_MQTT_ADDR=%s\n' "$FLOW_MQTT_ADDR"
  printf 'FLOW_MQTT_USERNAME=%s\n' "$FLOW_MQTT_USERNAME"
  printf 'FLOW_MQTT_PASSWORD=%s\n' "$FLOW_MQTT_PASSWORD"
  printf 'FLOW_TOPIC_ID=%s\n' "$FLOW_TOPIC_ID"
  printf 'FLOW_INFLUX_TOKEN=%s\n' "$FLOW_INFLUX_TOKEN"
} > /data/tenantflow.env`

// LifecycleService drives a tenant's container through
// absent → starting → running ⇄ stopped, keeps the registry's assigned
// port consistent with what the engine actually bound, and performs the
// one-time post-start configuration injection.
//
// Port contention across tenants is resolved last-writer-wins: the newest
// observed binding is persisted and the previous holder's stored port is
// cleared, not reassigned.
type LifecycleService struct {
	containers    domain.ContainerStore
	engine        domain.ContainerEngine
	proxy         domain.ProxyConfigurator
	broker        *BrokerService
	buckets       domain.BucketTokenSource
	brokerAddr    string
	engineTimeout time.Duration
	logger        *zap.Logger
}

func NewLifecycleService(
	containers domain.ContainerStore,
	engine domain.ContainerEngine,
	proxy domain.ProxyConfigurator,
	broker *BrokerService,
	buckets domain.BucketTokenSource,
	brokerAddr string,
	engineTimeout time.Duration,
	logger *zap.Logger,
) *LifecycleService {
	return &LifecycleService{
		containers:    containers,
		engine:        engine,
		proxy:         proxy,
		broker:        broker,
		buckets:       buckets,
		brokerAddr:    brokerAddr,
		engineTimeout: engineTimeout,
		logger:        logger,
	}
}

// GetState reports the tenant's lifecycle state. It lazily creates the
// registry record on first access and, whenever the engine reports a live
// container, reconciles the observed port into the registry.
func (s *LifecycleService) GetState(ctx context.Context, tenantID uuid.UUID) (domain.ContainerState, error) {
	rec, err := s.ensureRecord(ctx, tenantID)
	if err != nil {
		return domain.StateUnavailable, err
	}
	return s.observe(ctx, rec)
}

// Record returns the tenant's registry record, creating it lazily.
func (s *LifecycleService) Record(ctx context.Context, tenantID uuid.UUID) (*domain.ContainerRecord, error) {
	return s.ensureRecord(ctx, tenantID)
}

// Create creates and starts the tenant's container. The current state must
// be absent. An engine-side name collision is retried with a freshly
// generated name, bounded.
func (s *LifecycleService) Create(ctx context.Context, tenantID uuid.UUID) (domain.ContainerState, error) {
	rec, err := s.ensureRecord(ctx, tenantID)
	if err != nil {
		return domain.StateUnavailable, err
	}

	status, err := s.inspect(ctx, rec.ContainerName)
	if err != nil {
		return domain.StateUnavailable, err
	}
	if status.State != domain.StateAbsent {
		return status.State, fmt.Errorf("%w: container is %s", ErrInvalidTransition, status.State)
	}

	name := rec.ContainerName
	for attempt := 0; ; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, s.engineTimeout)
		err = s.engine.Create(cctx, name)
		cancel()
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrNameConflict) || attempt+1 >= createRetries {
			if errors.Is(err, domain.ErrNameConflict) {
				return domain.StateUnavailable, fmt.Errorf("%w: container name collisions", ErrConflict)
			}
			return domain.StateUnavailable, mapEngineErr(err)
		}

		// Another host object owns this name. The engine is only ever
		// retried with a name the registry has already committed, so
		// record and container cannot diverge.
		name, err = s.renameFresh(ctx, tenantID)
		if err != nil {
			return domain.StateUnavailable, err
		}
		s.logger.Warn("container name collision, retrying",
			zap.String("tenant_id", tenantID.String()),
			zap.String("name", name))
	}

	rec.ContainerName = name
	return s.observe(ctx, rec)
}

// renameFresh persists a freshly generated container name for the tenant,
// retrying cross-tenant collisions boundedly. It returns the committed name.
func (s *LifecycleService) renameFresh(ctx context.Context, tenantID uuid.UUID) (string, error) {
	for attempt := 0; attempt < createRetries; attempt++ {
		name, err := newContainerName()
		if err != nil {
			return "", err
		}
		err = s.containers.Rename(ctx, tenantID, name)
		if err == nil {
			return name, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: container name collisions", ErrConflict)
}

// Stop stops a running container. Any other state is an invalid transition.
func (s *LifecycleService) Stop(ctx context.Context, tenantID uuid.UUID) (domain.ContainerState, error) {
	return s.transition(ctx, tenantID, domain.StateRunning, s.engine.Stop)
}

// Restart starts a stopped container. Any other state is an invalid
// transition.
func (s *LifecycleService) Restart(ctx context.Context, tenantID uuid.UUID) (domain.ContainerState, error) {
	return s.transition(ctx, tenantID, domain.StateStopped, s.engine.Restart)
}

func (s *LifecycleService) transition(ctx context.Context, tenantID uuid.UUID, required domain.ContainerState, op func(context.Context, string) error) (domain.ContainerState, error) {
	rec, err := s.record(ctx, tenantID)
	if err != nil {
		return domain.StateUnavailable, err
	}

	status, err := s.inspect(ctx, rec.ContainerName)
	if err != nil {
		return domain.StateUnavailable, err
	}
	if status.State != required {
		return status.State, fmt.Errorf("%w: container is %s, not %s", ErrInvalidTransition, status.State, required)
	}

	cctx, cancel := context.WithTimeout(ctx, s.engineTimeout)
	err = op(cctx, rec.ContainerName)
	cancel()
	if err != nil {
		return domain.StateUnavailable, mapEngineErr(err)
	}
	return s.observe(ctx, rec)
}

// ConfigureOnce injects the bridge broker credential and the tenant's
// bucket token into the running container, exactly once per record. The
// registry row lock makes concurrent callers serialize on the configured
// flag, so the injection cannot run twice.
func (s *LifecycleService) ConfigureOnce(ctx context.Context, tenantID uuid.UUID) (bool, error) {
	rec, err := s.record(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if rec.Configured {
		return false, nil
	}

	status, err := s.inspect(ctx, rec.ContainerName)
	if err != nil {
		return false, err
	}
	if status.State != domain.StateRunning {
		return false, fmt.Errorf("%w: container is %s, not running", ErrInvalidTransition, status.State)
	}

	did, err := s.containers.ConfigureOnce(ctx, tenantID, func(ctx context.Context) error {
		return s.inject(ctx, tenantID, rec.ContainerName)
	})
	if err != nil {
		return false, err
	}
	if did {
		s.logger.Info("container configured",
			zap.String("tenant_id", tenantID.String()),
			zap.String("container", rec.ContainerName))
	}
	return did, nil
}

func (s *LifecycleService) inject(ctx context.Context, tenantID uuid.UUID, containerName string) error {
	cred, err := s.broker.GetOrCreateBridgeCredential(ctx, tenantID)
	if err != nil {
		return err
	}
	topicID, err := s.broker.GetOrCreateNamespace(ctx, tenantID)
	if err != nil {
		return err
	}
	token, err := s.buckets.GetOrCreateBucketToken(ctx, tenantID)
	if err != nil {
		return err
	}

	env := []string{
		"FLOW_MQTT_ADDR=" + s.brokerAddr,
		"FLOW_MQTT_USERNAME=" + cred.Username,
		"FLOW_MQTT_PASSWORD=" + cred.Secret,
		"FLOW_TOPIC_ID=" + topicID,
		"FLOW_INFLUX_TOKEN=" + token,
	}

	cctx, cancel := context.WithTimeout(ctx, s.engineTimeout)
	defer cancel()
	if err := s.engine.ExecConfig(cctx, containerName, configScript, env); err != nil {
		return mapEngineErr(err)
	}

	// The flow engine reads its settings at startup; restart it so the
	// injected credentials take effect now rather than whenever the
	// container next happens to restart.
	rctx, rcancel := context.WithTimeout(ctx, s.engineTimeout)
	defer rcancel()
	if err := s.engine.Restart(rctx, containerName); err != nil {
		return mapEngineErr(err)
	}
	return nil
}

// observe inspects the container and reconciles the observed port into the
// registry, regenerating proxy routes when the stored value changed.
func (s *LifecycleService) observe(ctx context.Context, rec *domain.ContainerRecord) (domain.ContainerState, error) {
	status, err := s.inspect(ctx, rec.ContainerName)
	if err != nil {
		return domain.StateUnavailable, err
	}
	if status.State == domain.StateAbsent {
		return status.State, nil
	}

	var (
		changed bool
		cleared []string
	)
	for attempt := 0; ; attempt++ {
		changed, cleared, err = s.containers.ReconcilePort(ctx, rec.TenantID, status.Port)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return status.State, err
		}
		if attempt+1 >= createRetries {
			return status.State, fmt.Errorf("%w: port contention", ErrConflict)
		}
		// Lost a reconciliation race for the port; re-read the engine's
		// current binding and try again.
		status, err = s.inspect(ctx, rec.ContainerName)
		if err != nil {
			return domain.StateUnavailable, err
		}
		if status.State == domain.StateAbsent {
			return status.State, nil
		}
	}
	if !changed {
		return status.State, nil
	}

	for _, name := range cleared {
		s.logger.Warn("port rebound to another tenant, cleared previous holder",
			zap.String("cleared_container", name),
			zap.String("new_container", rec.ContainerName))
	}

	routed, err := s.containers.ListRouted(ctx)
	if err != nil {
		return status.State, err
	}
	if err := s.proxy.Regenerate(ctx, routed); err != nil {
		// The port is committed; stale routing heals on the next
		// successful regeneration.
		s.logger.Error("proxy regeneration failed", zap.Error(err))
		return status.State, err
	}
	return status.State, nil
}

func (s *LifecycleService) inspect(ctx context.Context, name string) (domain.EngineStatus, error) {
	cctx, cancel := context.WithTimeout(ctx, s.engineTimeout)
	defer cancel()
	status, err := s.engine.Inspect(cctx, name)
	if err != nil {
		return domain.EngineStatus{State: domain.StateUnavailable}, mapEngineErr(err)
	}
	return status, nil
}

// ensureRecord lazily creates the tenant's registry record, retrying on
// cross-tenant container-name collisions.
func (s *LifecycleService) ensureRecord(ctx context.Context, tenantID uuid.UUID) (*domain.ContainerRecord, error) {
	for attempt := 0; attempt < createRetries; attempt++ {
		name, err := newContainerName()
		if err != nil {
			return nil, err
		}
		rec, err := s.containers.GetOrCreate(ctx, tenantID, name)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: container name collisions", ErrConflict)
}

// record returns the tenant's registry record without creating it.
func (s *LifecycleService) record(ctx context.Context, tenantID uuid.UUID) (*domain.ContainerRecord, error) {
	rec, err := s.containers.GetByTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrContainerNotFound
		}
		return nil, err
	}
	return rec, nil
}

func mapEngineErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrEngineTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
}
