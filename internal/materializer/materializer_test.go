package materializer

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextgraph/contextgraph/internal/domain"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func event(offset time.Duration, eventType domain.EventType, payload domain.Payload) domain.Event {
	return domain.Event{
		EventID:       uuid.New(),
		TenantID:      "default",
		RunID:         "run-1",
		Timestamp:     baseTime.Add(offset),
		EventType:     eventType,
		SchemaVersion: 1,
		Payload:       payload,
	}
}

func approvedFlow() []domain.Event {
	return []domain.Event{
		event(0, domain.EventTypeDecisionProposed, domain.DecisionProposedPayload{
			Decision: "dec-1",
			Subject:  []domain.EntityRef{{Namespace: "crm", EntityType: "account", ExternalID: "acct-9"}},
			Reason:   "renewal discount",
		}),
		event(time.Minute, domain.EventTypeEvidenceObserved, domain.EvidenceObservedPayload{
			Decision:    "dec-1",
			EvidenceID:  "ev-1",
			Source:      "crm-api",
			RetrievedAt: baseTime.Add(time.Minute),
		}),
		event(2*time.Minute, domain.EventTypePolicyEvaluated, domain.PolicyEvaluatedPayload{
			Decision:      "dec-1",
			PolicyID:      "discount-limit",
			PolicyVersion: "3",
			Result:        domain.PolicyResultPass,
		}),
		event(3*time.Minute, domain.EventTypeActionCommitted, domain.ActionCommittedPayload{
			Decision:    "dec-1",
			ActionID:    "act-1",
			Tool:        "crm.update",
			CommittedAt: baseTime.Add(3 * time.Minute),
			Success:     true,
		}),
	}
}

func TestMaterializeCommittedDecision(t *testing.T) {
	records := Materialize(approvedFlow())
	require.Len(t, records, 1)

	record := records["dec-1"]
	assert.Equal(t, domain.OutcomeCommitted, record.Outcome)
	assert.True(t, record.Terminal)
	assert.Equal(t, "run-1", record.RunID)
	assert.Equal(t, baseTime, record.Timestamp)
	require.Len(t, record.Evidence, 1)
	require.Len(t, record.Policies, 1)
	require.Len(t, record.Actions, 1)
	assert.Equal(t, "ev-1", record.Evidence[0].EvidenceID)
	assert.Equal(t, domain.PolicyResultPass, record.Policies[0].Result)
}

func TestMaterializeIsByteDeterministic(t *testing.T) {
	events := approvedFlow()

	first, err := CanonicalRecord(Materialize(events)["dec-1"])
	require.NoError(t, err)
	second, err := CanonicalRecord(Materialize(events)["dec-1"])
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}

func TestMaterializeExceptionRequired(t *testing.T) {
	events := []domain.Event{
		event(0, domain.EventTypeDecisionProposed, domain.DecisionProposedPayload{Decision: "dec-1"}),
		event(time.Minute, domain.EventTypePolicyEvaluated, domain.PolicyEvaluatedPayload{
			Decision:      "dec-1",
			PolicyID:      "discount-limit",
			PolicyVersion: "3",
			Result:        domain.PolicyResultExceptionRequired,
			Message:       "discount above 20% needs a manager",
		}),
	}

	record := Materialize(events)["dec-1"]
	assert.Equal(t, domain.OutcomeExceptionRequired, record.Outcome)
	assert.False(t, record.Terminal)
	assert.Equal(t, "discount above 20% needs a manager", record.OutcomeReason)
}

func TestMaterializeLaterEvaluationSupersedesException(t *testing.T) {
	events := []domain.Event{
		event(0, domain.EventTypeDecisionProposed, domain.DecisionProposedPayload{Decision: "dec-1"}),
		event(time.Minute, domain.EventTypePolicyEvaluated, domain.PolicyEvaluatedPayload{
			Decision: "dec-1", PolicyID: "discount-limit", PolicyVersion: "3",
			Result:  domain.PolicyResultExceptionRequired,
			Message: "discount above 20% needs a manager",
		}),
		// Re-evaluation passes; the exception no longer stands.
		event(2*time.Minute, domain.EventTypePolicyEvaluated, domain.PolicyEvaluatedPayload{
			Decision: "dec-1", PolicyID: "discount-limit", PolicyVersion: "4",
			Result: domain.PolicyResultPass,
		}),
	}

	record := Materialize(events)["dec-1"]
	assert.Equal(t, domain.OutcomeProposed, record.Outcome)
	assert.False(t, record.Terminal)

	committed := append(events, event(3*time.Minute, domain.EventTypeActionCommitted, domain.ActionCommittedPayload{
		Decision: "dec-1", ActionID: "act-1", Tool: "crm.update",
		CommittedAt: baseTime.Add(3 * time.Minute), Success: true,
	}))
	record = Materialize(committed)["dec-1"]
	assert.Equal(t, domain.OutcomeCommitted, record.Outcome)
	assert.True(t, record.Terminal)
}

func TestMaterializeGrantedExceptionThenCommit(t *testing.T) {
	events := []domain.Event{
		event(0, domain.EventTypeDecisionProposed, domain.DecisionProposedPayload{Decision: "dec-1"}),
		event(time.Minute, domain.EventTypePolicyEvaluated, domain.PolicyEvaluatedPayload{
			Decision: "dec-1", PolicyID: "discount-limit", PolicyVersion: "3",
			Result: domain.PolicyResultExceptionRequired,
		}),
		event(2*time.Minute, domain.EventTypeApprovalRequested, domain.ApprovalRequestedPayload{
			Decision: "dec-1", ApprovalID: "appr-1",
			RequestedFrom: domain.Actor{Kind: domain.ActorKindHuman, ID: "mgr-7"},
		}),
		event(3*time.Minute, domain.EventTypeApprovalResolved, domain.ApprovalResolvedPayload{
			Decision: "dec-1", ApprovalID: "appr-1",
			Approver: domain.Actor{Kind: domain.ActorKindHuman, ID: "mgr-7"},
			Granted:  true, ResolvedAt: baseTime.Add(3 * time.Minute),
		}),
		event(4*time.Minute, domain.EventTypeActionCommitted, domain.ActionCommittedPayload{
			Decision: "dec-1", ActionID: "act-1", Tool: "crm.update",
			CommittedAt: baseTime.Add(4 * time.Minute), Success: true,
		}),
	}

	record := Materialize(events)["dec-1"]
	assert.Equal(t, domain.OutcomeCommitted, record.Outcome)
	assert.True(t, record.Terminal)

	require.Len(t, record.Approvals, 1)
	approval := record.Approvals[0]
	require.NotNil(t, approval.Granted)
	assert.True(t, *approval.Granted)
	assert.Equal(t, "mgr-7", approval.ApproverID)
	require.NotNil(t, approval.ResolvedAt)
}

func TestMaterializeDeniedDecision(t *testing.T) {
	events := []domain.Event{
		event(0, domain.EventTypeDecisionProposed, domain.DecisionProposedPayload{Decision: "dec-1"}),
		event(time.Minute, domain.EventTypeApprovalRequested, domain.ApprovalRequestedPayload{
			Decision: "dec-1", ApprovalID: "appr-1",
			RequestedFrom: domain.Actor{Kind: domain.ActorKindHuman, ID: "mgr-7"},
		}),
		event(2*time.Minute, domain.EventTypeApprovalResolved, domain.ApprovalResolvedPayload{
			Decision: "dec-1", ApprovalID: "appr-1",
			Approver: domain.Actor{Kind: domain.ActorKindHuman, ID: "mgr-7"},
			Granted:  false, ResolvedAt: baseTime.Add(2 * time.Minute),
			Reason: "out of budget",
		}),
	}

	record := Materialize(events)["dec-1"]
	assert.Equal(t, domain.OutcomeDenied, record.Outcome)
	assert.True(t, record.Terminal)
	assert.Equal(t, "out of budget", record.OutcomeReason)
}

func TestMaterializeSeparatesDecisionsInOneRun(t *testing.T) {
	events := append(approvedFlow(),
		event(10*time.Minute, domain.EventTypeDecisionProposed, domain.DecisionProposedPayload{
			Decision:      "dec-2",
			PrecedentRefs: []string{"dec-1"},
		}),
	)

	records := Materialize(events)
	require.Len(t, records, 2)
	assert.Equal(t, domain.OutcomeCommitted, records["dec-1"].Outcome)
	assert.Equal(t, domain.OutcomeProposed, records["dec-2"].Outcome)
	assert.Equal(t, []string{"dec-1"}, records["dec-2"].PrecedentRefs)
}

func TestMaterializeDecisionMissing(t *testing.T) {
	_, ok := MaterializeDecision(approvedFlow(), "dec-404")
	assert.False(t, ok)
}
