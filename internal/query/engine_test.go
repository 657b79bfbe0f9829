package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextgraph/contextgraph/internal/domain"
	"github.com/contextgraph/contextgraph/internal/eventschema"
	"github.com/contextgraph/contextgraph/internal/eventstore"
	"github.com/contextgraph/contextgraph/internal/projector"
	"github.com/contextgraph/contextgraph/internal/repository"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *eventstore.Store
	events  *repository.MemoryEventRepository
	graph   *repository.MemoryGraphRepository
	state   *repository.MemoryProjectionStateRepository
	records *repository.MemoryDecisionRecordRepository
	proj    *projector.Projector
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry, err := eventschema.NewRegistry()
	require.NoError(t, err)

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
		proj:    projector.New(events, graph, state, records),
		engine:  NewEngine(events, graph, records, state),
	}
}

func (f *fixture) ingest(t *testing.T, event domain.Event) domain.Event {
	t.Helper()
	prepared, err := f.store.Prepare(context.Background(), event)
	require.NoError(t, err)
	_, err = f.store.Append(context.Background(), prepared)
	require.NoError(t, err)
	stored, err := f.events.GetByID(context.Background(), prepared.EventID)
	require.NoError(t, err)
	_, err = f.proj.Apply(context.Background(), stored)
	require.NoError(t, err)
	return stored
}

func (f *fixture) ingestDecision(t *testing.T, runID, decisionID string, at time.Time, entity domain.EntityRef) {
	t.Helper()
	f.ingest(t, domain.Event{
		RunID:         runID,
		Timestamp:     at,
		EventType:     domain.EventTypeDecisionProposed,
		SchemaVersion: 1,
		Actor:         &domain.Actor{Kind: domain.ActorKindAgent, ID: "agent-1"},
		Payload:       domain.DecisionProposedPayload{Decision: decisionID, Subject: []domain.EntityRef{entity}},
	})
	f.ingest(t, domain.Event{
		RunID:         runID,
		Timestamp:     at.Add(time.Minute),
		EventType:     domain.EventTypePolicyEvaluated,
		SchemaVersion: 1,
		Payload: domain.PolicyEvaluatedPayload{
			Decision: decisionID, PolicyID: "discount-limit", PolicyVersion: "3",
			Result: domain.PolicyResultPass,
		},
	})
	f.ingest(t, domain.Event{
		RunID:         runID,
		Timestamp:     at.Add(2 * time.Minute),
		EventType:     domain.EventTypeActionCommitted,
		SchemaVersion: 1,
		Payload: domain.ActionCommittedPayload{
			Decision: decisionID, ActionID: decisionID + "-act", Tool: "crm.update",
			TargetEntity: &entity, CommittedAt: at.Add(2 * time.Minute), Success: true,
		},
	})
}

// ingestDeniedDecision stages a decision that tripped an exception and was
// refused by its approver.
func (f *fixture) ingestDeniedDecision(t *testing.T, runID, decisionID string, at time.Time, entity domain.EntityRef) {
	t.Helper()
	f.ingest(t, domain.Event{
		RunID:         runID,
		Timestamp:     at,
		EventType:     domain.EventTypeDecisionProposed,
		SchemaVersion: 1,
		Actor:         &domain.Actor{Kind: domain.ActorKindAgent, ID: "agent-1"},
		Payload:       domain.DecisionProposedPayload{Decision: decisionID, Subject: []domain.EntityRef{entity}},
	})
	f.ingest(t, domain.Event{
		RunID:         runID,
		Timestamp:     at.Add(time.Minute),
		EventType:     domain.EventTypePolicyEvaluated,
		SchemaVersion: 1,
		Payload: domain.PolicyEvaluatedPayload{
			Decision: decisionID, PolicyID: "discount-limit", PolicyVersion: "3",
			Result: domain.PolicyResultExceptionRequired,
		},
	})
	f.ingest(t, domain.Event{
		RunID:         runID,
		Timestamp:     at.Add(2 * time.Minute),
		EventType:     domain.EventTypeApprovalRequested,
		SchemaVersion: 1,
		Payload: domain.ApprovalRequestedPayload{
			Decision: decisionID, ApprovalID: decisionID + "-appr",
			RequestedFrom: domain.Actor{Kind: domain.ActorKindHuman, ID: "mgr-7"},
		},
	})
	f.ingest(t, domain.Event{
		RunID:         runID,
		Timestamp:     at.Add(3 * time.Minute),
		EventType:     domain.EventTypeApprovalResolved,
		SchemaVersion: 1,
		Payload: domain.ApprovalResolvedPayload{
			Decision: decisionID, ApprovalID: decisionID + "-appr",
			Approver: domain.Actor{Kind: domain.ActorKindHuman, ID: "mgr-7"},
			Granted:  false, Reason: "out of budget",
			ResolvedAt: at.Add(3 * time.Minute),
		},
	})
}

func TestExplainReturnsRecordAndOrderedEvents(t *testing.T) {
	f := newFixture(t)
	account := domain.EntityRef{Namespace: "crm", EntityType: "account", ExternalID: "acct-9"}
	f.ingestDecision(t, "run-1", "dec-1", baseTime, account)

	explanation, err := f.engine.Explain(context.Background(), "dec-1")
	require.NoError(t, err)

	assert.Equal(t, domain.OutcomeCommitted, explanation.Record.Outcome)
	require.Len(t, explanation.Events, 3)
	for i := 1; i < len(explanation.Events); i++ {
		assert.Less(t, explanation.Events[i-1].Position, explanation.Events[i].Position)
		assert.Equal(t, explanation.Events[i-1].Hash, explanation.Events[i].PrevHash)
	}
}

func TestExplainUnknownDecisionIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Explain(context.Background(), "dec-404")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExplainDetectsTamperedEvent(t *testing.T) {
	f := newFixture(t)
	account := domain.EntityRef{Namespace: "crm", EntityType: "account", ExternalID: "acct-9"}
	f.ingestDecision(t, "run-1", "dec-1", baseTime, account)

	explanation, err := f.engine.Explain(context.Background(), "dec-1")
	require.NoError(t, err)

	// Rewrite a stored payload without recomputing the hash.
	f.events.Corrupt(explanation.Events[1].EventID, func(e *domain.Event) {
		e.Payload = domain.PolicyEvaluatedPayload{
			Decision: "dec-1", PolicyID: "discount-limit", PolicyVersion: "3",
			Result: domain.PolicyResultFail,
		}
	})

	_, err = f.engine.Explain(context.Background(), "dec-1")
	assert.ErrorIs(t, err, domain.ErrIntegrityViolation)
}

func TestStateAsOfOverlaysEdgePropertiesInOrder(t *testing.T) {
	f := newFixture(t)
	account := domain.EntityRef{Namespace: "crm", EntityType: "account", ExternalID: "acct-9"}
	f.ingestDecision(t, "run-1", "dec-1", baseTime, account)

	state, err := f.engine.StateAsOf(context.Background(), domain.DefaultTenant, account, baseTime.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, "account", state.Properties["entity_type"])
	// The action-wrote-entity edge contributes its success property.
	assert.Equal(t, true, state.Properties["success"])
	assert.NotEmpty(t, state.Edges)
}

func TestStateAsOfBeforeFirstSeenIsNotFound(t *testing.T) {
	f := newFixture(t)
	account := domain.EntityRef{Namespace: "crm", EntityType: "account", ExternalID: "acct-9"}
	f.ingestDecision(t, "run-1", "dec-1", baseTime, account)

	_, err := f.engine.StateAsOf(context.Background(), domain.DefaultTenant, account, baseTime.Add(-time.Hour))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	unknown := domain.EntityRef{Namespace: "crm", EntityType: "account", ExternalID: "acct-404"}
	_, err = f.engine.StateAsOf(context.Background(), domain.DefaultTenant, unknown, baseTime.Add(time.Hour))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFindPrecedentsOrdersAndBounds(t *testing.T) {
	f := newFixture(t)
	account := domain.EntityRef{Namespace: "crm", EntityType: "account", ExternalID: "acct-9"}

	for i := 0; i < 5; i++ {
		runID := fmt.Sprintf("run-%d", i)
		decisionID := fmt.Sprintf("dec-%d", i)
		f.ingestDecision(t, runID, decisionID, baseTime.Add(time.Duration(i)*time.Hour), account)
	}
	// A pair sharing one timestamp to exercise the tie-break.
	f.ingestDecision(t, "run-tie-b", "dec-tie-b", baseTime.Add(10*time.Hour), account)
	f.ingestDecision(t, "run-tie-a", "dec-tie-a", baseTime.Add(10*time.Hour), account)

	results, err := f.engine.FindPrecedents(context.Background(), domain.DefaultTenant, domain.PrecedentFilter{
		PolicyID: "discount-limit",
		Outcome:  domain.OutcomeCommitted,
	})
	require.NoError(t, err)
	require.Len(t, results, 7)

	assert.Equal(t, "dec-tie-a", results[0].DecisionID)
	assert.Equal(t, "dec-tie-b", results[1].DecisionID)
	assert.Equal(t, "dec-4", results[2].DecisionID)

	limited, err := f.engine.FindPrecedents(context.Background(), domain.DefaultTenant, domain.PrecedentFilter{
		PolicyID: "discount-limit",
		Limit:    2,
	})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	since := baseTime.Add(3 * time.Hour)
	recent, err := f.engine.FindPrecedents(context.Background(), domain.DefaultTenant, domain.PrecedentFilter{
		PolicyID: "discount-limit",
		Since:    &since,
	})
	require.NoError(t, err)
	assert.Len(t, recent, 4)
}

func TestFindPrecedentsOutcomeExcludesDeniedDecisions(t *testing.T) {
	f := newFixture(t)
	account := domain.EntityRef{Namespace: "crm", EntityType: "account", ExternalID: "acct-9"}

	f.ingestDecision(t, "run-ok", "dec-ok", baseTime, account)
	f.ingestDeniedDecision(t, "run-denied", "dec-denied", baseTime.Add(time.Hour), account)

	committed, err := f.engine.FindPrecedents(context.Background(), domain.DefaultTenant, domain.PrecedentFilter{
		PolicyID: "discount-limit",
		Outcome:  domain.OutcomeCommitted,
	})
	require.NoError(t, err)
	require.Len(t, committed, 1)
	assert.Equal(t, "dec-ok", committed[0].DecisionID)

	denied, err := f.engine.FindPrecedents(context.Background(), domain.DefaultTenant, domain.PrecedentFilter{
		PolicyID: "discount-limit",
		Outcome:  domain.OutcomeDenied,
	})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, "dec-denied", denied[0].DecisionID)
}

func TestFindPrecedentsConjunction(t *testing.T) {
	f := newFixture(t)
	account := domain.EntityRef{Namespace: "crm", EntityType: "account", ExternalID: "acct-9"}
	f.ingestDecision(t, "run-1", "dec-1", baseTime, account)

	none, err := f.engine.FindPrecedents(context.Background(), domain.DefaultTenant, domain.PrecedentFilter{
		PolicyID: "discount-limit",
		Tool:     "payments.refund",
	})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestProjectionFailuresDiagnostics(t *testing.T) {
	f := newFixture(t)
	failure := domain.ProjectionFailure{
		EventID:  "0190a6e2-6f3a-7000-8000-0123456789ab",
		TenantID: domain.DefaultTenant,
		RunID:    "run-1",
		Reason:   "graph storage unavailable",
	}
	require.NoError(t, f.state.RecordFailure(context.Background(), failure))

	failures, err := f.engine.ProjectionFailures(context.Background(), domain.DefaultTenant, "run-1")
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, failure, failures[0])
}
