package services

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/stretchr/testify/mock"

	"masterflow/backend/internal/flowerr"
	"masterflow/backend/internal/repository"
	"masterflow/backend/pkg/models"
)

// NoOpLogger for testing
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, args ...any) {}
func (l *NoOpLogger) Info(msg string, args ...any)  {}
func (l *NoOpLogger) Warn(msg string, args ...any)  {}
func (l *NoOpLogger) Error(msg string, args ...any) {}

// MockExecutor satisfies PhaseExecutor
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Execute(ctx context.Context, flowCtx FlowContext, phase string, input map[string]any) (*PhaseOutcome, error) {
	args := m.Called(ctx, flowCtx, phase, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*PhaseOutcome), args.Error(1)
}

// fakeMasterStore is an in-memory MasterFlowStore with the same optimistic
// version semantics as the Postgres implementation.
type fakeMasterStore struct {
	mu    sync.Mutex
	flows map[string]*models.MasterFlow
}

func newFakeMasterStore() *fakeMasterStore {
	return &fakeMasterStore{flows: make(map[string]*models.MasterFlow)}
}

func cloneMaster(src *models.MasterFlow) *models.MasterFlow {
	raw, _ := json.Marshal(src)
	var dst models.MasterFlow
	_ = json.Unmarshal(raw, &dst)
	dst.DeletedAt = src.DeletedAt
	return &dst
}

func (s *fakeMasterStore) Create(ctx context.Context, q repository.Querier, flow *models.MasterFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.flows {
		if existing.IdempotencyKey == flow.IdempotencyKey &&
			existing.Tenant.ClientAccountID == flow.Tenant.ClientAccountID &&
			existing.Tenant.EngagementID == flow.Tenant.EngagementID {
			return flowerr.New(flowerr.KindDuplicateFlow, "flow with idempotency key %q already exists", flow.IdempotencyKey)
		}
	}
	flow.Version = 1
	s.flows[flow.ID] = cloneMaster(flow)
	return nil
}

func (s *fakeMasterStore) Get(ctx context.Context, tenant models.TenantContext, flowID string) (*models.MasterFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flow, ok := s.flows[flowID]
	if !ok || flow.DeletedAt != nil ||
		flow.Tenant.ClientAccountID != tenant.ClientAccountID ||
		flow.Tenant.EngagementID != tenant.EngagementID {
		return nil, flowerr.New(flowerr.KindNotFound, "flow %s not found", flowID)
	}
	return cloneMaster(flow), nil
}

func (s *fakeMasterStore) GetByIdempotencyKey(ctx context.Context, tenant models.TenantContext, key string) (*models.MasterFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, flow := range s.flows {
		if flow.IdempotencyKey == key && flow.DeletedAt == nil &&
			flow.Tenant.ClientAccountID == tenant.ClientAccountID &&
			flow.Tenant.EngagementID == tenant.EngagementID {
			return cloneMaster(flow), nil
		}
	}
	return nil, nil
}

func (s *fakeMasterStore) Update(ctx context.Context, flow *models.MasterFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.flows[flow.ID]
	if !ok || current.Version != flow.Version {
		return flowerr.New(flowerr.KindConflict, "flow %s version %d is stale", flow.ID, flow.Version)
	}
	flow.Version++
	s.flows[flow.ID] = cloneMaster(flow)
	return nil
}

func (s *fakeMasterStore) List(ctx context.Context, tenant models.TenantContext) ([]*models.MasterFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.MasterFlow
	for _, flow := range s.flows {
		if flow.DeletedAt == nil &&
			flow.Tenant.ClientAccountID == tenant.ClientAccountID &&
			flow.Tenant.EngagementID == tenant.EngagementID {
			out = append(out, cloneMaster(flow))
		}
	}
	return out, nil
}

func (s *fakeMasterStore) HardDelete(ctx context.Context, q repository.Querier, tenant models.TenantContext, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	flow, ok := s.flows[flowID]
	if !ok || flow.Tenant.ClientAccountID != tenant.ClientAccountID {
		return flowerr.New(flowerr.KindNotFound, "flow %s not found", flowID)
	}
	delete(s.flows, flowID)
	return nil
}

// transitionCount is a test helper: total transitions recorded for a flow.
func (s *fakeMasterStore) transitionCount(flowID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flows[flowID].PhaseTransitions)
}

// fakeDomainStore is an in-memory DomainFlowStore.
type fakeDomainStore struct {
	mu    sync.Mutex
	flows map[string]*models.DomainFlow // keyed by master flow id
}

func newFakeDomainStore() *fakeDomainStore {
	return &fakeDomainStore{flows: make(map[string]*models.DomainFlow)}
}

func cloneDomain(src *models.DomainFlow) *models.DomainFlow {
	raw, _ := json.Marshal(src)
	var dst models.DomainFlow
	_ = json.Unmarshal(raw, &dst)
	return &dst
}

func (s *fakeDomainStore) Create(ctx context.Context, q repository.Querier, flow *models.DomainFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[flow.MasterFlowID] = cloneDomain(flow)
	return nil
}

func (s *fakeDomainStore) GetByMasterFlowID(ctx context.Context, masterFlowID string) (*models.DomainFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flow, ok := s.flows[masterFlowID]
	if !ok {
		return nil, flowerr.New(flowerr.KindNotFound, "domain flow for master flow %s not found", masterFlowID)
	}
	return cloneDomain(flow), nil
}

func (s *fakeDomainStore) Update(ctx context.Context, flow *models.DomainFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[flow.MasterFlowID] = cloneDomain(flow)
	return nil
}

func (s *fakeDomainStore) DeleteByMasterFlowID(ctx context.Context, q repository.Querier, masterFlowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, masterFlowID)
	return nil
}

// fakeGapStore is an in-memory GapStore with the same carry-forward
// semantics on recomputation as the Postgres implementation.
type fakeGapStore struct {
	mu     sync.Mutex
	gaps   map[string]map[string]map[string]models.Gap // flow → asset → field
	errors map[string]string                           // asset → message
}

func newFakeGapStore() *fakeGapStore {
	return &fakeGapStore{
		gaps:   make(map[string]map[string]map[string]models.Gap),
		errors: make(map[string]string),
	}
}

func (s *fakeGapStore) ReplaceForAsset(ctx context.Context, domainFlowID, assetID string, gaps []models.Gap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gaps[domainFlowID] == nil {
		s.gaps[domainFlowID] = make(map[string]map[string]models.Gap)
	}
	prior := s.gaps[domainFlowID][assetID]
	next := make(map[string]models.Gap, len(gaps))
	for _, g := range gaps {
		if p, ok := prior[g.FieldID]; ok && p.Status != models.GapStatusUnresolved && g.IsTrueGap {
			g.Status = p.Status
		}
		next[g.FieldID] = g
	}
	s.gaps[domainFlowID][assetID] = next
	delete(s.errors, assetID)
	return nil
}

func (s *fakeGapStore) CountPending(ctx context.Context, domainFlowID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, byAsset := range s.gaps[domainFlowID] {
		for _, g := range byAsset {
			if g.IsTrueGap && g.Status == models.GapStatusUnresolved {
				count++
			}
		}
	}
	return count, nil
}

func (s *fakeGapStore) ListByFlow(ctx context.Context, domainFlowID string) ([]models.Gap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Gap
	for _, byAsset := range s.gaps[domainFlowID] {
		for _, g := range byAsset {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *fakeGapStore) SetStatus(ctx context.Context, domainFlowID, assetID, fieldID string, status models.GapStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byAsset, ok := s.gaps[domainFlowID][assetID]
	if !ok {
		return flowerr.New(flowerr.KindNotFound, "gap %s/%s not found", assetID, fieldID)
	}
	g, ok := byAsset[fieldID]
	if !ok {
		return flowerr.New(flowerr.KindNotFound, "gap %s/%s not found", assetID, fieldID)
	}
	g.Status = status
	byAsset[fieldID] = g
	return nil
}

func (s *fakeGapStore) MarkAssetError(ctx context.Context, domainFlowID, assetID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[assetID] = message
	return nil
}

// PendingGaps lets the fake stand in for the analyzer as a PendingGapCounter.
func (s *fakeGapStore) PendingGaps(ctx context.Context, domainFlowID string) (int, error) {
	return s.CountPending(ctx, domainFlowID)
}

// seedPending inserts n synthetic unresolved true gaps for a flow.
func (s *fakeGapStore) seedPending(domainFlowID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gaps[domainFlowID] == nil {
		s.gaps[domainFlowID] = make(map[string]map[string]models.Gap)
	}
	byField := make(map[string]models.Gap, n)
	for i := 0; i < n; i++ {
		fieldID := string(rune('a' + i))
		byField[fieldID] = models.Gap{
			DomainFlowID: domainFlowID,
			AssetID:      "seeded-asset",
			FieldID:      fieldID,
			Priority:     models.GapPriorityHigh,
			Status:       models.GapStatusUnresolved,
			IsTrueGap:    true,
		}
	}
	s.gaps[domainFlowID]["seeded-asset"] = byField
}

// fakeAssetStore is an in-memory AssetDataStore.
type fakeAssetStore struct {
	mu     sync.Mutex
	values map[string]map[string]map[models.SourceType]string // asset → path → source
	fail   map[string]bool                                    // assets whose lookups error
}

func newFakeAssetStore() *fakeAssetStore {
	return &fakeAssetStore{
		values: make(map[string]map[string]map[models.SourceType]string),
		fail:   make(map[string]bool),
	}
}

func (s *fakeAssetStore) set(assetID, path string, source models.SourceType, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values[assetID] == nil {
		s.values[assetID] = make(map[string]map[models.SourceType]string)
	}
	if s.values[assetID][path] == nil {
		s.values[assetID][path] = make(map[models.SourceType]string)
	}
	s.values[assetID][path][source] = value
}

func (s *fakeAssetStore) Lookup(ctx context.Context, assetID, fieldPath string, source models.SourceType) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[assetID] {
		return "", false, flowerr.New(flowerr.KindTransientExecution, "lookup failed for %s", assetID)
	}
	value, ok := s.values[assetID][fieldPath][source]
	return value, ok && value != "", nil
}

func (s *fakeAssetStore) UpsertFieldValue(ctx context.Context, assetID, fieldPath string, source models.SourceType, value string) error {
	s.set(assetID, fieldPath, source, value)
	return nil
}

// fakeDeps is an in-memory DependencyProvider.
type fakeDeps struct {
	edges map[string][]string
	calls int
}

func (d *fakeDeps) GetDependencies(ctx context.Context, assetID string) ([]string, error) {
	d.calls++
	return d.edges[assetID], nil
}
