package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contextgraph/contextgraph/internal/domain"
)

// In-memory implementations of the repository interfaces. They honor the same
// contracts as the Postgres implementations and back the unit tests; nothing
// outside tests should construct them for durable use.

// MemoryEventRepository keeps per-tenant chains in memory.
type MemoryEventRepository struct {
	mu       sync.Mutex
	events   map[uuid.UUID]domain.Event
	byTenant map[string][]uuid.UUID
	tips     map[string]domain.ChainTip
}

// NewMemoryEventRepository creates an empty in-memory event repository.
func NewMemoryEventRepository() *MemoryEventRepository {
	return &MemoryEventRepository{
		events:   make(map[uuid.UUID]domain.Event),
		byTenant: make(map[string][]uuid.UUID),
		tips:     make(map[string]domain.ChainTip),
	}
}

func (r *MemoryEventRepository) Append(ctx context.Context, event domain.Event) (domain.EventAck, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if stored, ok := r.events[event.EventID]; ok {
		return domain.EventAck{EventID: event.EventID, Hash: stored.Hash, Position: stored.Position, Duplicate: true}, nil
	}

	tip, ok := r.tips[event.TenantID]
	if !ok {
		tip = domain.ChainTip{TenantID: event.TenantID, TipHash: domain.GenesisHash}
	}
	if event.PrevHash != tip.TipHash {
		return domain.EventAck{}, domain.ValidationErrorf("prev_hash %s does not match chain tip %s for tenant %s", event.PrevHash, tip.TipHash, event.TenantID)
	}

	event.Position = tip.Position + 1
	r.events[event.EventID] = event
	r.byTenant[event.TenantID] = append(r.byTenant[event.TenantID], event.EventID)
	r.tips[event.TenantID] = domain.ChainTip{
		TenantID: event.TenantID,
		Position: event.Position,
		TipHash:  event.Hash,
		Updated:  time.Now().UTC(),
	}
	return domain.EventAck{EventID: event.EventID, Hash: event.Hash, Position: event.Position}, nil
}

func (r *MemoryEventRepository) GetByID(ctx context.Context, eventID uuid.UUID) (domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[eventID]
	if !ok {
		return domain.Event{}, domain.NotFoundf("event %s", eventID)
	}
	return event, nil
}

func (r *MemoryEventRepository) ListByRun(ctx context.Context, tenantID, runID string) ([]domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := []domain.Event{}
	for _, id := range r.byTenant[tenantID] {
		if event := r.events[id]; event.RunID == runID {
			events = append(events, event)
		}
	}
	return events, nil
}

func (r *MemoryEventRepository) ListByTenant(ctx context.Context, tenantID string, fromPosition int64, limit int) ([]domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = 500
	}
	events := []domain.Event{}
	for _, id := range r.byTenant[tenantID] {
		event := r.events[id]
		if event.Position <= fromPosition {
			continue
		}
		events = append(events, event)
		if len(events) == limit {
			break
		}
	}
	return events, nil
}

func (r *MemoryEventRepository) ChainTip(ctx context.Context, tenantID string) (domain.ChainTip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tip, ok := r.tips[tenantID]; ok {
		return tip, nil
	}
	return domain.ChainTip{TenantID: tenantID, TipHash: domain.GenesisHash}, nil
}

func (r *MemoryEventRepository) Tenants(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tenants := make([]string, 0, len(r.tips))
	for tenant := range r.tips {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)
	return tenants, nil
}

// Corrupt rewrites a stored event in place. Only integrity verification tests
// use it; the real store has no mutation path.
func (r *MemoryEventRepository) Corrupt(eventID uuid.UUID, mutate func(*domain.Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[eventID]
	if !ok {
		return
	}
	mutate(&event)
	r.events[eventID] = event
}

// MemoryGraphRepository keeps the temporal graph in memory.
type MemoryGraphRepository struct {
	mu    sync.Mutex
	nodes map[uuid.UUID]domain.Node
	edges map[uuid.UUID]domain.Edge
}

// NewMemoryGraphRepository creates an empty in-memory graph repository.
func NewMemoryGraphRepository() *MemoryGraphRepository {
	return &MemoryGraphRepository{
		nodes: make(map[uuid.UUID]domain.Node),
		edges: make(map[uuid.UUID]domain.Edge),
	}
}

func (r *MemoryGraphRepository) UpsertNode(ctx context.Context, node domain.Node) (domain.Node, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.nodes[node.NodeID]
	if !ok {
		r.nodes[node.NodeID] = node
		return node, true, nil
	}
	merged, err := existing.Merge(node)
	if err != nil {
		return domain.Node{}, false, err
	}
	r.nodes[node.NodeID] = merged
	return merged, false, nil
}

func (r *MemoryGraphRepository) GetNode(ctx context.Context, nodeID uuid.UUID) (domain.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[nodeID]
	if !ok {
		return domain.Node{}, domain.NotFoundf("node %s", nodeID)
	}
	return node, nil
}

func (r *MemoryGraphRepository) FindNode(ctx context.Context, tenantID, namespace string, nodeType domain.NodeType, externalID string) (domain.Node, error) {
	return r.GetNode(ctx, domain.NodeIdentity(tenantID, namespace, nodeType, externalID))
}

func (r *MemoryGraphRepository) OpenEdge(ctx context.Context, edge domain.Edge) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.edges[edge.EdgeID]; ok {
		return false, nil
	}
	r.edges[edge.EdgeID] = edge
	return true, nil
}

func (r *MemoryGraphRepository) CloseEdge(ctx context.Context, edgeID uuid.UUID, validTo time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	edge, ok := r.edges[edgeID]
	if !ok || edge.ValidTo != nil {
		return nil
	}
	edge.ValidTo = &validTo
	r.edges[edgeID] = edge
	return nil
}

func (r *MemoryGraphRepository) OpenEdgesFrom(ctx context.Context, fromNodeID uuid.UUID, edgeType domain.EdgeType) ([]domain.Edge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	edges := []domain.Edge{}
	for _, edge := range r.edges {
		if edge.FromNodeID == fromNodeID && edge.EdgeType == edgeType && edge.Open() {
			edges = append(edges, edge)
		}
	}
	sortEdges(edges)
	return edges, nil
}

func (r *MemoryGraphRepository) EdgesTouching(ctx context.Context, nodeID uuid.UUID, at time.Time) ([]domain.Edge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	edges := []domain.Edge{}
	for _, edge := range r.edges {
		if edge.FromNodeID != nodeID && edge.ToNodeID != nodeID {
			continue
		}
		if edge.ValidAt(at) {
			edges = append(edges, edge)
		}
	}
	sortEdges(edges)
	return edges, nil
}

func sortEdges(edges []domain.Edge) {
	sort.Slice(edges, func(i, j int) bool {
		if !edges[i].ValidFrom.Equal(edges[j].ValidFrom) {
			return edges[i].ValidFrom.Before(edges[j].ValidFrom)
		}
		return edges[i].EdgeID.String() < edges[j].EdgeID.String()
	})
}

// MemoryProjectionStateRepository keeps projection bookkeeping in memory.
type MemoryProjectionStateRepository struct {
	mu       sync.Mutex
	applied  map[uuid.UUID]bool
	failures map[string]domain.ProjectionFailure
	order    []string
}

// NewMemoryProjectionStateRepository creates empty projection bookkeeping.
func NewMemoryProjectionStateRepository() *MemoryProjectionStateRepository {
	return &MemoryProjectionStateRepository{
		applied:  make(map[uuid.UUID]bool),
		failures: make(map[string]domain.ProjectionFailure),
	}
}

func (r *MemoryProjectionStateRepository) IsApplied(ctx context.Context, eventID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applied[eventID], nil
}

func (r *MemoryProjectionStateRepository) MarkApplied(ctx context.Context, eventID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.applied[eventID] {
		return false, nil
	}
	r.applied[eventID] = true
	return true, nil
}

func (r *MemoryProjectionStateRepository) RecordFailure(ctx context.Context, failure domain.ProjectionFailure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.failures[failure.EventID]; !ok {
		r.order = append(r.order, failure.EventID)
	}
	r.failures[failure.EventID] = failure
	return nil
}

func (r *MemoryProjectionStateRepository) ClearFailure(ctx context.Context, eventID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.failures, eventID.String())
	return nil
}

func (r *MemoryProjectionStateRepository) ListFailures(ctx context.Context, tenantID, runID string) ([]domain.ProjectionFailure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	failures := []domain.ProjectionFailure{}
	for _, id := range r.order {
		failure, ok := r.failures[id]
		if !ok {
			continue
		}
		if failure.TenantID == tenantID && failure.RunID == runID {
			failures = append(failures, failure)
		}
	}
	return failures, nil
}

func (r *MemoryProjectionStateRepository) RunHasFailures(ctx context.Context, tenantID, runID string) (bool, error) {
	failures, err := r.ListFailures(ctx, tenantID, runID)
	if err != nil {
		return false, err
	}
	return len(failures) > 0, nil
}

// MemoryDecisionRecordRepository keeps decision records in memory.
type MemoryDecisionRecordRepository struct {
	mu      sync.Mutex
	records map[string]domain.DecisionRecord
}

// NewMemoryDecisionRecordRepository creates an empty record repository.
func NewMemoryDecisionRecordRepository() *MemoryDecisionRecordRepository {
	return &MemoryDecisionRecordRepository{records: make(map[string]domain.DecisionRecord)}
}

func (r *MemoryDecisionRecordRepository) Upsert(ctx context.Context, record domain.DecisionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.records[record.DecisionID]; ok {
		// referenced_by is maintained by AddReferencedBy, not materialization.
		record.ReferencedBy = existing.ReferencedBy
	}
	record.UpdatedAt = time.Now().UTC()
	r.records[record.DecisionID] = record
	return nil
}

func (r *MemoryDecisionRecordRepository) GetByID(ctx context.Context, decisionID string) (domain.DecisionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[decisionID]
	if !ok {
		return domain.DecisionRecord{}, domain.NotFoundf("decision %s", decisionID)
	}
	return record, nil
}

func (r *MemoryDecisionRecordRepository) ListByRun(ctx context.Context, tenantID, runID string) ([]domain.DecisionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := []domain.DecisionRecord{}
	for _, record := range r.records {
		if record.TenantID == tenantID && record.RunID == runID {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Timestamp.Before(records[j].Timestamp)
		}
		return records[i].DecisionID < records[j].DecisionID
	})
	return records, nil
}

func (r *MemoryDecisionRecordRepository) AddReferencedBy(ctx context.Context, decisionID, byDecisionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[decisionID]
	if !ok {
		return domain.NotFoundf("decision %s", decisionID)
	}
	for _, existing := range record.ReferencedBy {
		if existing == byDecisionID {
			return nil
		}
	}
	record.ReferencedBy = append(record.ReferencedBy, byDecisionID)
	sort.Strings(record.ReferencedBy)
	record.UpdatedAt = time.Now().UTC()
	r.records[decisionID] = record
	return nil
}

func (r *MemoryDecisionRecordRepository) Search(ctx context.Context, tenantID string, filter domain.PrecedentFilter) ([]domain.DecisionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := []domain.DecisionRecord{}
	for _, record := range r.records {
		if record.TenantID != tenantID {
			continue
		}
		if filter.Matches(record) {
			matched = append(matched, record)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].DecisionID < matched[j].DecisionID
	})
	limit := filter.Limit
	if limit <= 0 {
		limit = domain.DefaultPrecedentLimit
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// MemoryRunLocker serializes runs with per-key mutexes.
type MemoryRunLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMemoryRunLocker creates an in-process run locker.
func NewMemoryRunLocker() *MemoryRunLocker {
	return &MemoryRunLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *MemoryRunLocker) AcquireRunLock(ctx context.Context, tenantID, runID string) (func(), error) {
	key := tenantID + "\x1f" + runID
	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[key] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock.Unlock, nil
}
