package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/iotfoundry/tenantflow/internal/domain"
	"github.com/iotfoundry/tenantflow/internal/store"
)

// mockContainerStore mimics the registry's transactional behavior in memory:
// unique container names, unique ports with conflict clearing, and a
// configured flag flipped only when injection succeeds.
type mockContainerStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*domain.ContainerRecord

	// errors popped one per call ahead of the real behavior, for fault
	// injection.
	renameErrs    []error
	reconcileErrs []error
}

func newMockContainerStore() *mockContainerStore {
	return &mockContainerStore{records: make(map[uuid.UUID]*domain.ContainerRecord)}
}

func (m *mockContainerStore) GetOrCreate(_ context.Context, tenantID uuid.UUID, containerName string) (*domain.ContainerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[tenantID]; ok {
		cp := *rec
		return &cp, nil
	}
	for _, rec := range m.records {
		if rec.ContainerName == containerName {
			return nil, store.ErrDuplicate
		}
	}
	rec := &domain.ContainerRecord{TenantID: tenantID, ContainerName: containerName}
	m.records[tenantID] = rec
	cp := *rec
	return &cp, nil
}

func (m *mockContainerStore) GetByTenant(_ context.Context, tenantID uuid.UUID) (*domain.ContainerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[tenantID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *mockContainerStore) Rename(_ context.Context, tenantID uuid.UUID, containerName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.renameErrs) > 0 {
		err := m.renameErrs[0]
		m.renameErrs = m.renameErrs[1:]
		if err != nil {
			return err
		}
	}
	rec, ok := m.records[tenantID]
	if !ok {
		return store.ErrNotFound
	}
	for _, other := range m.records {
		if other.TenantID != tenantID && other.ContainerName == containerName {
			return store.ErrDuplicate
		}
	}
	rec.ContainerName = containerName
	return nil
}

func (m *mockContainerStore) ReconcilePort(_ context.Context, tenantID uuid.UUID, port *int) (bool, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.reconcileErrs) > 0 {
		err := m.reconcileErrs[0]
		m.reconcileErrs = m.reconcileErrs[1:]
		if err != nil {
			return false, nil, err
		}
	}
	rec, ok := m.records[tenantID]
	if !ok {
		return false, nil, store.ErrNotFound
	}
	if portsEqual(rec.AssignedPort, port) {
		return false, nil, nil
	}
	var cleared []string
	if port != nil {
		for _, other := range m.records {
			if other.TenantID != tenantID && other.AssignedPort != nil && *other.AssignedPort == *port {
				cleared = append(cleared, other.ContainerName)
				other.AssignedPort = nil
			}
		}
	}
	rec.AssignedPort = port
	return true, cleared, nil
}

func (m *mockContainerStore) ConfigureOnce(ctx context.Context, tenantID uuid.UUID, inject func(ctx context.Context) error) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[tenantID]
	if !ok {
		return false, store.ErrNotFound
	}
	if rec.Configured {
		return false, nil
	}
	if err := inject(ctx); err != nil {
		return false, err
	}
	rec.Configured = true
	return true, nil
}

func (m *mockContainerStore) ListRouted(_ context.Context) ([]domain.ContainerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var routed []domain.ContainerRecord
	for _, rec := range m.records {
		if rec.AssignedPort != nil {
			routed = append(routed, *rec)
		}
	}
	return routed, nil
}

func portsEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// fakeEngine serves scripted statuses per container name and counts calls.
type fakeEngine struct {
	mu           sync.Mutex
	statuses     map[string]domain.EngineStatus
	createErrs   map[string]error
	inspectErr   error
	execCalls    int
	createCalls  int
	stopCalls    int
	restartCalls int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		statuses:   make(map[string]domain.EngineStatus),
		createErrs: make(map[string]error),
	}
}

func (f *fakeEngine) set(name string, state domain.ContainerState, port *int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[name] = domain.EngineStatus{State: state, Port: port}
}

func (f *fakeEngine) Create(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if err, ok := f.createErrs[name]; ok {
		return err
	}
	f.statuses[name] = domain.EngineStatus{State: domain.StateStarting}
	return nil
}

func (f *fakeEngine) Inspect(_ context.Context, name string) (domain.EngineStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectErr != nil {
		return domain.EngineStatus{State: domain.StateUnavailable}, f.inspectErr
	}
	status, ok := f.statuses[name]
	if !ok {
		return domain.EngineStatus{State: domain.StateAbsent}, nil
	}
	return status, nil
}

func (f *fakeEngine) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	f.statuses[name] = domain.EngineStatus{State: domain.StateStopped}
	return nil
}

func (f *fakeEngine) Restart(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restartCalls++
	status := f.statuses[name]
	status.State = domain.StateRunning
	f.statuses[name] = status
	return nil
}

func (f *fakeEngine) ExecConfig(_ context.Context, _ string, _ string, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCalls++
	return nil
}

// mockProxy records the last regenerated routing set.
type mockProxy struct {
	mu         sync.Mutex
	calls      int
	lastRoutes map[string]int
}

func newMockProxy() *mockProxy {
	return &mockProxy{lastRoutes: make(map[string]int)}
}

func (m *mockProxy) Regenerate(_ context.Context, records []domain.ContainerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastRoutes = make(map[string]int)
	for _, rec := range records {
		if rec.AssignedPort != nil {
			m.lastRoutes[rec.ContainerName] = *rec.AssignedPort
		}
	}
	return nil
}

type mockNamespaceStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*domain.NamespaceRecord
}

func newMockNamespaceStore() *mockNamespaceStore {
	return &mockNamespaceStore{records: make(map[uuid.UUID]*domain.NamespaceRecord)}
}

func (m *mockNamespaceStore) GetOrCreate(_ context.Context, tenantID uuid.UUID, topicID string) (*domain.NamespaceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[tenantID]; ok {
		cp := *rec
		return &cp, nil
	}
	for _, rec := range m.records {
		if rec.TopicID == topicID {
			return nil, store.ErrDuplicate
		}
	}
	rec := &domain.NamespaceRecord{TenantID: tenantID, TopicID: topicID}
	m.records[tenantID] = rec
	cp := *rec
	return &cp, nil
}

func (m *mockNamespaceStore) GetByTenant(_ context.Context, tenantID uuid.UUID) (*domain.NamespaceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[tenantID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

type mockCredentialStore struct {
	mu          sync.Mutex
	credentials map[string]*domain.Credential
	topics      *mockNamespaceStore
}

func newMockCredentialStore(topics *mockNamespaceStore) *mockCredentialStore {
	return &mockCredentialStore{
		credentials: make(map[string]*domain.Credential),
		topics:      topics,
	}
}

func (m *mockCredentialStore) Create(_ context.Context, c *domain.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.credentials[c.Username]; ok {
		return store.ErrDuplicate
	}
	if c.Role == domain.RoleBridge {
		for _, existing := range m.credentials {
			if existing.TenantID == c.TenantID && existing.Role == domain.RoleBridge {
				return store.ErrDuplicate
			}
		}
	}
	cp := *c
	m.credentials[c.Username] = &cp
	return nil
}

func (m *mockCredentialStore) CreateDevice(_ context.Context, c *domain.Credential, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Count and insert under one lock, like the row-locked transaction in
	// the real store.
	n := 0
	for _, existing := range m.credentials {
		if existing.TenantID == c.TenantID && existing.Role == domain.RoleDevice {
			n++
		}
	}
	if n >= limit {
		return store.ErrLimitReached
	}
	if _, ok := m.credentials[c.Username]; ok {
		return store.ErrDuplicate
	}
	cp := *c
	m.credentials[c.Username] = &cp
	return nil
}

func (m *mockCredentialStore) GetBridge(_ context.Context, tenantID uuid.UUID) (*domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.credentials {
		if c.TenantID == tenantID && c.Role == domain.RoleBridge {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockCredentialStore) Delete(_ context.Context, tenantID uuid.UUID, username string, role domain.CredentialRole) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[username]
	if !ok || c.TenantID != tenantID || c.Role != role {
		return false, nil
	}
	delete(m.credentials, username)
	return true, nil
}

func (m *mockCredentialStore) ListByRole(_ context.Context, tenantID uuid.UUID, role domain.CredentialRole) ([]domain.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var creds []domain.Credential
	for _, c := range m.credentials {
		if c.TenantID == tenantID && c.Role == role {
			creds = append(creds, *c)
		}
	}
	return creds, nil
}

func (m *mockCredentialStore) ListACLEntries(_ context.Context) ([]domain.ACLEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []domain.ACLEntry
	for _, c := range m.credentials {
		topicID := ""
		if m.topics != nil {
			if rec, ok := m.topics.records[c.TenantID]; ok {
				topicID = rec.TopicID
			}
		}
		entries = append(entries, domain.ACLEntry{
			Username:   c.Username,
			SecretHash: c.SecretHash,
			TopicID:    topicID,
		})
	}
	return entries, nil
}

type fakeProvisioner struct {
	mu    sync.Mutex
	syncs int
	stale bool
	err   error
}

func (f *fakeProvisioner) Sync(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		f.stale = true
		return f.err
	}
	f.stale = false
	f.syncs++
	return nil
}

func (f *fakeProvisioner) SyncIfStale(ctx context.Context) error {
	f.mu.Lock()
	stale := f.stale
	f.mu.Unlock()
	if !stale {
		return nil
	}
	return f.Sync(ctx)
}

type fakeBuckets struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeBuckets) GetOrCreateBucketToken(_ context.Context, tenantID uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return "token-" + tenantID.String()[:8], nil
}
