package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/iotfoundry/tenantflow/internal/domain"
	"github.com/iotfoundry/tenantflow/internal/store"
	"go.uber.org/zap"
)

func setupLifecycleTest() (*LifecycleService, *mockContainerStore, *fakeEngine, *mockProxy) {
	containers := newMockContainerStore()
	engine := newFakeEngine()
	proxy := newMockProxy()

	topics := newMockNamespaceStore()
	creds := newMockCredentialStore(topics)
	brokerSvc := NewBrokerService(topics, creds, &fakeProvisioner{}, 10, zap.NewNop())

	svc := NewLifecycleService(
		containers,
		engine,
		proxy,
		brokerSvc,
		&fakeBuckets{},
		"127.0.0.1:1883",
		5*time.Second,
		zap.NewNop(),
	)
	return svc, containers, engine, proxy
}

func intPtr(n int) *int { return &n }

func TestLifecycleService_GetState_Absent(t *testing.T) {
	svc, containers, _, _ := setupLifecycleTest()
	ctx := context.Background()
	tenantID := uuid.New()

	state, err := svc.GetState(ctx, tenantID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if state != domain.StateAbsent {
		t.Fatalf("expected absent, got %s", state)
	}

	// The registry record exists even before the container does.
	rec, err := containers.GetByTenant(ctx, tenantID)
	if err != nil {
		t.Fatalf("expected record to exist, got %v", err)
	}
	if rec.ContainerName == "" {
		t.Fatal("expected a generated container name")
	}
}

func TestLifecycleService_GetState_RecordIsStable(t *testing.T) {
	svc, containers, _, _ := setupLifecycleTest()
	ctx := context.Background()
	tenantID := uuid.New()

	if _, err := svc.GetState(ctx, tenantID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	first, _ := containers.GetByTenant(ctx, tenantID)

	if _, err := svc.GetState(ctx, tenantID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	second, _ := containers.GetByTenant(ctx, tenantID)

	if first.ContainerName != second.ContainerName {
		t.Fatalf("expected stable container name, got %s then %s", first.ContainerName, second.ContainerName)
	}
}

func TestLifecycleService_Create(t *testing.T) {
	svc, containers, engine, _ := setupLifecycleTest()
	ctx := context.Background()
	tenantID := uuid.New()

	state, err := svc.Create(ctx, tenantID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if state != domain.StateStarting {
		t.Fatalf("expected starting, got %s", state)
	}
	if engine.createCalls != 1 {
		t.Fatalf("expected 1 create call, got %d", engine.createCalls)
	}

	rec, _ := containers.GetByTenant(ctx, tenantID)
	if _, ok := engine.statuses[rec.ContainerName]; !ok {
		t.Fatalf("expected engine container %s to exist", rec.ContainerName)
	}
}

func TestLifecycleService_Create_NotAbsent(t *testing.T) {
	svc, containers, engine, _ := setupLifecycleTest()
	ctx := context.Background()
	tenantID := uuid.New()

	if _, err := svc.GetState(ctx, tenantID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	rec, _ := containers.GetByTenant(ctx, tenantID)
	engine.set(rec.ContainerName, domain.StateRunning, intPtr(1880))

	state, err := svc.Create(ctx, tenantID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if state != domain.StateRunning {
		t.Fatalf("expected running, got %s", state)
	}
	if engine.createCalls != 0 {
		t.Fatalf("expected no create calls, got %d", engine.createCalls)
	}
}

func TestLifecycleService_Create_NameConflictRetries(t *testing.T) {
	svc, containers, engine, _ := setupLifecycleTest()
	ctx := context.Background()
	tenantID := uuid.New()

	if _, err := svc.GetState(ctx, tenantID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	rec, _ := containers.GetByTenant(ctx, tenantID)

	// A foreign host object already owns the first name.
	engine.createErrs[rec.ContainerName] = domain.ErrNameConflict

	state, err := svc.Create(ctx, tenantID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if state != domain.StateStarting {
		t.Fatalf("expected starting, got %s", state)
	}

	renamed, _ := containers.GetByTenant(ctx, tenantID)
	if renamed.ContainerName == rec.ContainerName {
		t.Fatal("expected a fresh container name after collision")
	}
	if engine.createCalls != 2 {
		t.Fatalf("expected 2 create calls, got %d", engine.createCalls)
	}
}

func TestLifecycleService_Create_RenameCollisionKeepsRecordAligned(t *testing.T) {
	svc, containers, engine, _ := setupLifecycleTest()
	ctx := context.Background()
	tenantID := uuid.New()

	if _, err := svc.GetState(ctx, tenantID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	rec, _ := containers.GetByTenant(ctx, tenantID)

	// The first name is taken host-side, and the first replacement loses a
	// registry race. Only a committed name may reach the engine.
	engine.createErrs[rec.ContainerName] = domain.ErrNameConflict
	containers.renameErrs = []error{store.ErrDuplicate}

	state, err := svc.Create(ctx, tenantID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if state != domain.StateStarting {
		t.Fatalf("expected starting, got %s", state)
	}

	stored, _ := containers.GetByTenant(ctx, tenantID)
	if _, ok := engine.statuses[stored.ContainerName]; !ok {
		t.Fatalf("expected engine container under stored name %s", stored.ContainerName)
	}
}

func TestLifecycleService_Stop_RequiresRunning(t *testing.T) {
	svc, containers, engine, _ := setupLifecycleTest()
	ctx := context.Background()
	tenantID := uuid.New()

	if _, err := svc.Create(ctx, tenantID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	rec, _ := containers.GetByTenant(ctx, tenantID)

	// Still starting: a stop is an invalid transition.
	if _, err := svc.Stop(ctx, tenantID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if engine.stopCalls != 0 {
		t.Fatalf("expected no stop calls, got %d", engine.stopCalls)
	}

	engine.set(rec.ContainerName, domain.StateRunning, intPtr(1880))
	state, err := svc.Stop(ctx, tenantID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if state != domain.StateStopped {
		t.Fatalf("expected stopped, got %s", state)
	}
}

func TestLifecycleService_Restart_RequiresStopped(t *testing.T) {
	svc, containers, engine, _ := setupLifecycleTest()
	ctx := context.Background()
	tenantID := uuid.New()

	if _, err := svc.Create(ctx, tenantID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	rec, _ := containers.GetByTenant(ctx, tenantID)
	engine.set(rec.ContainerName, domain.StateRunning, intPtr(1880))

	if _, err := svc.Restart(ctx, tenantID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	engine.set(rec.ContainerName, domain.StateStopped, nil)
	state, err := svc.Restart(ctx, tenantID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if state != domain.StateRunning {
		t.Fatalf("expected running, got %s", state)
	}
}

func TestLifecycleService_Stop_WithoutRecord(t *testing.T) {
	svc, _, _, _ := setupLifecycleTest()

	_, err := svc.Stop(context.Background(), uuid.New())
	if !errors.Is(err, ErrContainerNotFound) {
		t.Fatalf("expected ErrContainerNotFound, got %v", err)
	}
}

func TestLifecycleService_PortReconciliation(t *testing.T) {
	svc, containers, engine, proxy := setupLifecycleTest()
	ctx := context.Background()
	tenantID := uuid.New()

	if _, err := svc.GetState(ctx, tenantID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	rec, _ := containers.GetByTenant(ctx, tenantID)
	engine.set(rec.ContainerName, domain.StateRunning, intPtr(32801))

	if _, err := svc.GetState(ctx, tenantID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	stored, _ := containers.GetByTenant(ctx, tenantID)
	if stored.AssignedPort == nil || *stored.AssignedPort != 32801 {
		t.Fatalf("expected port 32801 persisted, got %v", stored.AssignedPort)
	}
	if got := proxy.lastRoutes[rec.ContainerName]; got != 32801 {
		t.Fatalf("expected route to 32801, got %d", got)
	}

	// Unchanged port must not trigger another regeneration.
	before := proxy.calls
	if _, err := svc.GetState(ctx, tenantID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if proxy.calls != before {
		t.Fatalf("expected no regeneration on unchanged port, got %d extra", proxy.calls-before)
	}
}

func TestLifecycleService_PortConflict_LastWriterWins(t *testing.T) {
	svc, containers, engine, proxy := setupLifecycleTest()
	ctx := context.Background()
	tenantA := uuid.New()
	tenantB := uuid.New()

	if _, err := svc.GetState(ctx, tenantA); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := svc.GetState(ctx, tenantB); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	recA, _ := containers.GetByTenant(ctx, tenantA)
	recB, _ := containers.GetByTenant(ctx, tenantB)

	// A is observed on 1880 first.
	engine.set(recA.ContainerName, domain.StateRunning, intPtr(1880))
	if _, err := svc.GetState(ctx, tenantA); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// A's container dies without being observed; the host rebinds 1880 to B.
	engine.set(recB.ContainerName, domain.StateRunning, intPtr(1880))
	if _, err := svc.GetState(ctx, tenantB); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	storedA, _ := containers.GetByTenant(ctx, tenantA)
	storedB, _ := containers.GetByTenant(ctx, tenantB)
	if storedA.AssignedPort != nil {
		t.Fatalf("expected previous holder's port cleared, got %d", *storedA.AssignedPort)
	}
	if storedB.AssignedPort == nil || *storedB.AssignedPort != 1880 {
		t.Fatalf("expected B to hold 1880, got %v", storedB.AssignedPort)
	}

	if _, ok := proxy.lastRoutes[recA.ContainerName]; ok {
		t.Fatal("expected cleared container to be absent from routing")
	}
	if got := proxy.lastRoutes[recB.ContainerName]; got != 1880 {
		t.Fatalf("expected B routed to 1880, got %d", got)
	}
}

func TestLifecycleService_PortReconcileRace_Retried(t *testing.T) {
	svc, containers, engine, proxy := setupLifecycleTest()
	ctx := context.Background()
	tenantID := uuid.New()

	if _, err := svc.GetState(ctx, tenantID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	rec, _ := containers.GetByTenant(ctx, tenantID)
	engine.set(rec.ContainerName, domain.StateRunning, intPtr(32801))

	// The first reconcile loses a race to another tenant committing the
	// same port; the retry re-inspects and succeeds.
	containers.reconcileErrs = []error{store.ErrDuplicate}

	state, err := svc.GetState(ctx, tenantID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if state != domain.StateRunning {
		t.Fatalf("expected running, got %s", state)
	}

	stored, _ := containers.GetByTenant(ctx, tenantID)
	if stored.AssignedPort == nil || *stored.AssignedPort != 32801 {
		t.Fatalf("expected port 32801 persisted after retry, got %v", stored.AssignedPort)
	}
	if got := proxy.lastRoutes[rec.ContainerName]; got != 32801 {
		t.Fatalf("expected route to 32801, got %d", got)
	}
}

func TestLifecycleService_PortReconcileRace_Bounded(t *testing.T) {
	svc, containers, engine, _ := setupLifecycleTest()
	ctx := context.Background()
	tenantID := uuid.New()

	if _, err := svc.GetState(ctx, tenantID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	rec, _ := containers.GetByTenant(ctx, tenantID)
	engine.set(rec.ContainerName, domain.StateRunning, intPtr(32801))

	containers.reconcileErrs = []error{
		store.ErrDuplicate, store.ErrDuplicate, store.ErrDuplicate,
	}

	_, err := svc.GetState(ctx, tenantID)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict after retry bound, got %v", err)
	}
}

func TestLifecycleService_ConfigureOnce(t *testing.T) {
	svc, containers, engine, _ := setupLifecycleTest()
	ctx := context.Background()
	tenantID := uuid.New()

	if _, err := svc.GetState(ctx, tenantID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	rec, _ := containers.GetByTenant(ctx, tenantID)
	engine.set(rec.ContainerName, domain.StateRunning, intPtr(1880))

	did, err := svc.ConfigureOnce(ctx, tenantID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !did {
		t.Fatal("expected first call to configure")
	}
	if engine.execCalls != 1 {
		t.Fatalf("expected 1 exec call, got %d", engine.execCalls)
	}

	did, err = svc.ConfigureOnce(ctx, tenantID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if did {
		t.Fatal("expected second call to be a no-op")
	}
	if engine.execCalls != 1 {
		t.Fatalf("expected exec to run exactly once, got %d", engine.execCalls)
	}
	// The injected settings are only read at startup, so configuration
	// ends with exactly one engine restart.
	if engine.restartCalls != 1 {
		t.Fatalf("expected 1 restart after injection, got %d", engine.restartCalls)
	}

	stored, _ := containers.GetByTenant(ctx, tenantID)
	if !stored.Configured {
		t.Fatal("expected configured flag to be set")
	}
}

func TestLifecycleService_ConfigureOnce_RequiresRunning(t *testing.T) {
	svc, containers, engine, _ := setupLifecycleTest()
	ctx := context.Background()
	tenantID := uuid.New()

	if _, err := svc.GetState(ctx, tenantID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	rec, _ := containers.GetByTenant(ctx, tenantID)
	engine.set(rec.ContainerName, domain.StateStopped, nil)

	_, err := svc.ConfigureOnce(ctx, tenantID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if engine.execCalls != 0 {
		t.Fatalf("expected no exec calls, got %d", engine.execCalls)
	}

	stored, _ := containers.GetByTenant(ctx, tenantID)
	if stored.Configured {
		t.Fatal("expected configured flag to stay unset")
	}
}

func TestLifecycleService_EngineTimeout(t *testing.T) {
	svc, _, engine, _ := setupLifecycleTest()
	engine.inspectErr = context.DeadlineExceeded

	_, err := svc.GetState(context.Background(), uuid.New())
	if !errors.Is(err, ErrEngineTimeout) {
		t.Fatalf("expected ErrEngineTimeout, got %v", err)
	}
}

func TestLifecycleService_EngineUnavailable(t *testing.T) {
	svc, _, engine, _ := setupLifecycleTest()
	engine.inspectErr = errors.New("cannot connect to the docker daemon")

	_, err := svc.GetState(context.Background(), uuid.New())
	if !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
}
