package projector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/contextgraph/contextgraph/internal/domain"
	"github.com/contextgraph/contextgraph/internal/eventschema"
	"github.com/contextgraph/contextgraph/internal/eventstore"
	"github.com/contextgraph/contextgraph/internal/repository"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *eventstore.Store
	events  *repository.MemoryEventRepository
	graph   *repository.MemoryGraphRepository
	state   *repository.MemoryProjectionStateRepository
	records *repository.MemoryDecisionRecordRepository
	proj    *Projector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry, err := eventschema.NewRegistry()
	if err != nil {
		t.Fatalf("failed to build schema registry: %v", err)
	}
	events := repository.NewMemoryEventRepository()
	graph := repository.NewMemoryGraphRepository()
	state := repository.NewMemoryProjectionStateRepository()
	records := repository.NewMemoryDecisionRecordRepository()
	return &fixture{
		store:   eventstore.NewStore(events, registry),
		events:  events,
		graph:   graph,
		state:   state,
		records: records,
		proj:    New(events, graph, state, records),
	}
}

func (f *fixture) submit(t *testing.T, event domain.Event) domain.Event {
	t.Helper()
	prepared, err := f.store.Prepare(context.Background(), event)
	if err != nil {
		t.Fatalf("failed to prepare event: %v", err)
	}
	if _, err := f.store.Append(context.Background(), prepared); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}
	stored, err := f.events.GetByID(context.Background(), prepared.EventID)
	if err != nil {
		t.Fatalf("failed to reload event: %v", err)
	}
	return stored
}

func (f *fixture) apply(t *testing.T, event domain.Event) ApplyResult {
	t.Helper()
	result, err := f.proj.Apply(context.Background(), event)
	if err != nil {
		t.Fatalf("failed to apply event: %v", err)
	}
	return result
}

func proposalEvent(decisionID string, subject ...domain.EntityRef) domain.Event {
	return domain.Event{
		RunID:         "run-1",
		Timestamp:     baseTime,
		EventType:     domain.EventTypeDecisionProposed,
		SchemaVersion: 1,
		Actor:         &domain.Actor{Kind: domain.ActorKindAgent, ID: "agent-1"},
		Payload:       domain.DecisionProposedPayload{Decision: decisionID, Subject: subject},
	}
}

func evidenceEvent(decisionID string, ref *domain.EntityRef) domain.Event {
	return domain.Event{
		RunID:         "run-1",
		Timestamp:     baseTime.Add(time.Minute),
		EventType:     domain.EventTypeEvidenceObserved,
		SchemaVersion: 1,
		Payload: domain.EvidenceObservedPayload{
			Decision:    decisionID,
			EvidenceID:  "ev-1",
			Source:      "crm-api",
			EntityRef:   ref,
			RetrievedAt: baseTime.Add(time.Minute),
		},
	}
}

func actionEvent(decisionID, actionID string, target *domain.EntityRef, at time.Time) domain.Event {
	return domain.Event{
		RunID:         "run-1",
		Timestamp:     at,
		EventType:     domain.EventTypeActionCommitted,
		SchemaVersion: 1,
		Payload: domain.ActionCommittedPayload{
			Decision:     decisionID,
			ActionID:     actionID,
			Tool:         "crm.update",
			TargetEntity: target,
			CommittedAt:  at,
			Success:      true,
		},
	}
}

func TestApplyProjectsNodesAndEdges(t *testing.T) {
	f := newFixture(t)
	account := domain.EntityRef{Namespace: "crm", EntityType: "account", ExternalID: "acct-9"}

	stored := f.submit(t, evidenceEvent("dec-1", &account))
	// decision-proposed needs to exist before an action, but evidence alone
	// projects fine.
	result := f.apply(t, stored)

	if result.Skipped {
		t.Fatalf("first apply was skipped")
	}
	// run, decision, evidence, entity
	if result.NodesUpserted != 4 {
		t.Fatalf("expected 4 nodes, got %d", result.NodesUpserted)
	}
	// run-produced-decision, decision-used-evidence, evidence-about-entity
	if result.EdgesOpened != 3 {
		t.Fatalf("expected 3 edges, got %d", result.EdgesOpened)
	}

	entity, err := f.graph.FindNode(context.Background(), domain.DefaultTenant, "crm", domain.NodeTypeEntity, "acct-9")
	if err != nil {
		t.Fatalf("entity node missing: %v", err)
	}
	if entity.Properties["entity_type"] != "account" {
		t.Fatalf("entity node missing entity_type property: %+v", entity.Properties)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	f := newFixture(t)
	stored := f.submit(t, proposalEvent("dec-1"))

	first := f.apply(t, stored)
	if first.Skipped {
		t.Fatalf("first apply was skipped")
	}

	second := f.apply(t, stored)
	if !second.Skipped {
		t.Fatalf("re-apply was not skipped")
	}
	if second.NodesUpserted != 0 || second.EdgesOpened != 0 {
		t.Fatalf("re-apply wrote to the graph: %+v", second)
	}
}

func TestStatefulEdgeClosesPriorTarget(t *testing.T) {
	f := newFixture(t)
	first := domain.EntityRef{Namespace: "crm", EntityType: "account", ExternalID: "acct-1"}
	second := domain.EntityRef{Namespace: "crm", EntityType: "account", ExternalID: "acct-2"}

	f.apply(t, f.submit(t, proposalEvent("dec-1")))
	f.apply(t, f.submit(t, actionEvent("dec-1", "act-1", &first, baseTime.Add(time.Hour))))
	f.apply(t, f.submit(t, actionEvent("dec-1", "act-1", &second, baseTime.Add(2*time.Hour))))

	actionNodeID := domain.NodeIdentity(domain.DefaultTenant, coreNamespace, domain.NodeTypeAction, "act-1")
	open, err := f.graph.OpenEdgesFrom(context.Background(), actionNodeID, domain.EdgeTypeActionWroteEntity)
	if err != nil {
		t.Fatalf("failed to list open edges: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected exactly one open stateful edge, got %d", len(open))
	}
	secondEntityID := domain.NodeIdentity(domain.DefaultTenant, "crm", domain.NodeTypeEntity, "acct-2")
	if open[0].ToNodeID != secondEntityID {
		t.Fatalf("open edge points at the wrong entity")
	}
}

func TestStatefulEdgeReassertedTargetSupersedesPrior(t *testing.T) {
	f := newFixture(t)
	account := domain.EntityRef{Namespace: "crm", EntityType: "account", ExternalID: "acct-1"}

	f.apply(t, f.submit(t, proposalEvent("dec-1")))
	f.apply(t, f.submit(t, actionEvent("dec-1", "act-1", &account, baseTime.Add(time.Hour))))
	// A second write to the same entity from a later event supersedes the
	// first edge instead of accumulating beside it.
	result := f.apply(t, f.submit(t, actionEvent("dec-1", "act-1", &account, baseTime.Add(2*time.Hour))))
	if result.EdgesClosed != 1 {
		t.Fatalf("expected prior edge closed, got %d", result.EdgesClosed)
	}

	actionNodeID := domain.NodeIdentity(domain.DefaultTenant, coreNamespace, domain.NodeTypeAction, "act-1")
	open, err := f.graph.OpenEdgesFrom(context.Background(), actionNodeID, domain.EdgeTypeActionWroteEntity)
	if err != nil {
		t.Fatalf("failed to list open edges: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected exactly one open stateful edge, got %d", len(open))
	}
	if !open[0].ValidFrom.Equal(baseTime.Add(2 * time.Hour)) {
		t.Fatalf("surviving edge is not the later assertion: valid from %s", open[0].ValidFrom)
	}
}

func TestApplyMaterializesDecisionRecord(t *testing.T) {
	f := newFixture(t)
	account := domain.EntityRef{Namespace: "crm", EntityType: "account", ExternalID: "acct-9"}

	f.apply(t, f.submit(t, proposalEvent("dec-1", account)))
	f.apply(t, f.submit(t, actionEvent("dec-1", "act-1", &account, baseTime.Add(time.Hour))))

	record, err := f.records.GetByID(context.Background(), "dec-1")
	if err != nil {
		t.Fatalf("decision record missing: %v", err)
	}
	if record.Outcome != domain.OutcomeCommitted {
		t.Fatalf("expected committed outcome, got %s", record.Outcome)
	}
	if record.Incomplete {
		t.Fatalf("record marked incomplete without projection failures")
	}
}

func TestPrecedentReferenceLinksBack(t *testing.T) {
	f := newFixture(t)

	f.apply(t, f.submit(t, proposalEvent("dec-1")))

	follow := domain.Event{
		RunID:         "run-1",
		Timestamp:     baseTime.Add(time.Hour),
		EventType:     domain.EventTypeDecisionProposed,
		SchemaVersion: 1,
		Payload:       domain.DecisionProposedPayload{Decision: "dec-2", PrecedentRefs: []string{"dec-1"}},
	}
	f.apply(t, f.submit(t, follow))

	precedent, err := f.records.GetByID(context.Background(), "dec-1")
	if err != nil {
		t.Fatalf("precedent record missing: %v", err)
	}
	if len(precedent.ReferencedBy) != 1 || precedent.ReferencedBy[0] != "dec-2" {
		t.Fatalf("expected dec-1 to be referenced by dec-2, got %v", precedent.ReferencedBy)
	}
}

// flakyGraph fails node upserts while tripped, then behaves normally.
type flakyGraph struct {
	*repository.MemoryGraphRepository
	tripped bool
}

func (g *flakyGraph) UpsertNode(ctx context.Context, node domain.Node) (domain.Node, bool, error) {
	if g.tripped {
		return domain.Node{}, false, errors.New("graph storage unavailable")
	}
	return g.MemoryGraphRepository.UpsertNode(ctx, node)
}

func TestProjectionFailureIsRecordedSkippedAndRetried(t *testing.T) {
	f := newFixture(t)
	graph := &flakyGraph{MemoryGraphRepository: f.graph, tripped: true}
	proj := New(f.events, graph, f.state, f.records)

	stored := f.submit(t, proposalEvent("dec-1"))
	result, err := proj.Apply(context.Background(), stored)
	if err != nil {
		t.Fatalf("apply returned error instead of recording failure: %v", err)
	}
	if !result.Skipped {
		t.Fatalf("failed event was not skipped")
	}

	failures, err := f.state.ListFailures(context.Background(), domain.DefaultTenant, "run-1")
	if err != nil {
		t.Fatalf("failed to list failures: %v", err)
	}
	if len(failures) != 1 {
		t.Fatalf("expected 1 recorded failure, got %d", len(failures))
	}

	record, err := f.records.GetByID(context.Background(), "dec-1")
	if err != nil {
		t.Fatalf("record should still materialize while incomplete: %v", err)
	}
	if !record.Incomplete {
		t.Fatalf("record not marked incomplete while failures exist")
	}

	// Storage recovers; replay clears the failure.
	graph.tripped = false
	if err := proj.RetryFailures(context.Background(), domain.DefaultTenant, "run-1"); err != nil {
		t.Fatalf("retry returned error: %v", err)
	}

	failures, err = f.state.ListFailures(context.Background(), domain.DefaultTenant, "run-1")
	if err != nil {
		t.Fatalf("failed to list failures: %v", err)
	}
	if len(failures) != 0 {
		t.Fatalf("failure not cleared after successful retry")
	}

	record, err = f.records.GetByID(context.Background(), "dec-1")
	if err != nil {
		t.Fatalf("record missing after retry: %v", err)
	}
	if record.Incomplete {
		t.Fatalf("record still marked incomplete after retry")
	}
}

func TestFailedEventCarriesNoAppliedMarker(t *testing.T) {
	f := newFixture(t)
	graph := &flakyGraph{MemoryGraphRepository: f.graph, tripped: true}
	proj := New(f.events, graph, f.state, f.records)

	stored := f.submit(t, proposalEvent("dec-1"))
	result, err := proj.Apply(context.Background(), stored)
	if err != nil {
		t.Fatalf("apply returned error instead of recording failure: %v", err)
	}
	if !result.Skipped {
		t.Fatalf("failed event was not skipped")
	}

	applied, err := f.state.IsApplied(context.Background(), stored.EventID)
	if err != nil {
		t.Fatalf("failed to check applied marker: %v", err)
	}
	if applied {
		t.Fatalf("failed event was marked applied; replay would never revisit it")
	}

	// Storage recovers; an ordinary replay of the event now lands it.
	graph.tripped = false
	result, err = proj.Apply(context.Background(), stored)
	if err != nil {
		t.Fatalf("replay apply failed: %v", err)
	}
	if result.Skipped {
		t.Fatalf("replay of the unapplied event was skipped")
	}

	applied, err = f.state.IsApplied(context.Background(), stored.EventID)
	if err != nil {
		t.Fatalf("failed to check applied marker: %v", err)
	}
	if !applied {
		t.Fatalf("successful apply did not set the marker")
	}
	failures, err := f.state.ListFailures(context.Background(), domain.DefaultTenant, "run-1")
	if err != nil {
		t.Fatalf("failed to list failures: %v", err)
	}
	if len(failures) != 0 {
		t.Fatalf("failure not cleared after successful replay")
	}
	record, err := f.records.GetByID(context.Background(), "dec-1")
	if err != nil {
		t.Fatalf("record missing after replay: %v", err)
	}
	if record.Incomplete {
		t.Fatalf("record still marked incomplete after replay")
	}
}

func TestPoolProjectTenantAppliesEveryRun(t *testing.T) {
	f := newFixture(t)

	runA := proposalEvent("dec-a")
	runA.RunID = "run-a"
	runB := proposalEvent("dec-b")
	runB.RunID = "run-b"
	f.submit(t, runA)
	f.submit(t, runB)

	pool := NewPool(f.events, f.proj, repository.NewMemoryRunLocker(), 2)
	if err := pool.ProjectTenant(context.Background(), domain.DefaultTenant); err != nil {
		t.Fatalf("failed to project tenant: %v", err)
	}

	for _, decisionID := range []string{"dec-a", "dec-b"} {
		if _, err := f.records.GetByID(context.Background(), decisionID); err != nil {
			t.Fatalf("decision %s not materialized: %v", decisionID, err)
		}
	}

	// Replaying the tenant is a no-op.
	if err := pool.ProjectTenant(context.Background(), domain.DefaultTenant); err != nil {
		t.Fatalf("replay returned error: %v", err)
	}
}
