// Package materializer derives decision records from a run's chain-ordered
// event prefix. Materialization is a pure function: the same prefix always
// produces byte-identical records, which is what makes replay safe.
package materializer

import (
	"github.com/contextgraph/contextgraph/internal/canonical"
	"github.com/contextgraph/contextgraph/internal/domain"
)

// Materialize builds the decision records implied by the run prefix, keyed by
// decision id. Events must be in chain-position order; records carry no
// ReferencedBy or UpdatedAt, which are maintained by storage.
func Materialize(runEvents []domain.Event) map[string]domain.DecisionRecord {
	records := make(map[string]domain.DecisionRecord)
	for _, event := range runEvents {
		decisionID := event.DecisionID()
		if decisionID == "" {
			continue
		}
		if _, ok := records[decisionID]; !ok {
			records[decisionID] = materializeDecision(runEvents, decisionID)
		}
	}
	return records
}

// MaterializeDecision builds the record for one decision from the run prefix.
func MaterializeDecision(runEvents []domain.Event, decisionID string) (domain.DecisionRecord, bool) {
	for _, event := range runEvents {
		if event.DecisionID() == decisionID {
			return materializeDecision(runEvents, decisionID), true
		}
	}
	return domain.DecisionRecord{}, false
}

// CanonicalRecord returns the RFC 8785 encoding of a record, the form in
// which replay determinism is defined.
func CanonicalRecord(record domain.DecisionRecord) ([]byte, error) {
	return canonical.Marshal(record)
}

func materializeDecision(runEvents []domain.Event, decisionID string) domain.DecisionRecord {
	record := domain.DecisionRecord{
		DecisionID: decisionID,
		Evidence:   []domain.EvidenceRef{},
		Policies:   []domain.PolicyRef{},
		Approvals:  []domain.ApprovalRef{},
		Actions:    []domain.ActionRef{},
	}

	var (
		first           = true
		hasSuccess      bool
		exceptionOpen   bool
		denied          bool
		deniedReason    string
		exceptionReason string
		approvalIdx     = map[string]int{}
	)

	for _, event := range runEvents {
		if event.DecisionID() != decisionID {
			continue
		}
		if first {
			record.RunID = event.RunID
			record.TenantID = event.TenantID
			record.Timestamp = event.Timestamp
			record.Actor = event.Actor
			first = false
		}

		switch payload := event.Payload.(type) {
		case domain.DecisionProposedPayload:
			record.Subject = append(record.Subject, payload.Subject...)
			record.PrecedentRefs = append(record.PrecedentRefs, payload.PrecedentRefs...)
			if record.OutcomeReason == "" {
				record.OutcomeReason = payload.Reason
			}
			if event.Actor != nil {
				record.Actor = event.Actor
			}

		case domain.EvidenceObservedPayload:
			record.Evidence = append(record.Evidence, domain.EvidenceRef{
				EvidenceID: payload.EvidenceID,
				Source:     payload.Source,
				ToolName:   payload.ToolName,
				EntityRef:  payload.EntityRef,
				ObservedAt: payload.RetrievedAt,
			})

		case domain.PolicyEvaluatedPayload:
			record.Policies = append(record.Policies, domain.PolicyRef{
				PolicyID:      payload.PolicyID,
				PolicyVersion: payload.PolicyVersion,
				Result:        payload.Result,
				Message:       payload.Message,
				EvaluatedAt:   event.Timestamp,
			})
			// The latest evaluation governs: a passing re-evaluation
			// supersedes an earlier exception_required.
			exceptionOpen = payload.Result == domain.PolicyResultExceptionRequired
			if exceptionOpen {
				exceptionReason = payload.Message
			}

		case domain.ApprovalRequestedPayload:
			record.Approvals = append(record.Approvals, domain.ApprovalRef{
				ApprovalID:   payload.ApprovalID,
				Route:        payload.Route,
				ApproverKind: payload.RequestedFrom.Kind,
				ApproverID:   payload.RequestedFrom.ID,
				Reason:       payload.Reason,
				RequestedAt:  event.Timestamp,
			})
			approvalIdx[payload.ApprovalID] = len(record.Approvals) - 1

		case domain.ApprovalResolvedPayload:
			granted := payload.Granted
			resolvedAt := payload.ResolvedAt
			idx, ok := approvalIdx[payload.ApprovalID]
			if !ok {
				// Resolution without a stored request still counts.
				record.Approvals = append(record.Approvals, domain.ApprovalRef{
					ApprovalID:  payload.ApprovalID,
					RequestedAt: event.Timestamp,
				})
				idx = len(record.Approvals) - 1
				approvalIdx[payload.ApprovalID] = idx
			}
			record.Approvals[idx].Granted = &granted
			record.Approvals[idx].ResolvedAt = &resolvedAt
			record.Approvals[idx].ApproverKind = payload.Approver.Kind
			record.Approvals[idx].ApproverID = payload.Approver.ID
			if payload.Reason != "" {
				record.Approvals[idx].Reason = payload.Reason
			}
			if granted {
				exceptionOpen = false
			} else {
				denied = true
				deniedReason = payload.Reason
			}

		case domain.ActionCommittedPayload:
			record.Actions = append(record.Actions, domain.ActionRef{
				ActionID:     payload.ActionID,
				Tool:         payload.Tool,
				Operation:    payload.Operation,
				TargetEntity: payload.TargetEntity,
				Success:      payload.Success,
				CommittedAt:  payload.CommittedAt,
			})
			if payload.Success {
				hasSuccess = true
			}
		}
	}

	switch {
	case denied:
		record.Outcome = domain.OutcomeDenied
		record.Terminal = true
		if deniedReason != "" {
			record.OutcomeReason = deniedReason
		}
	case hasSuccess && !exceptionOpen:
		record.Outcome = domain.OutcomeCommitted
		record.Terminal = true
	case exceptionOpen:
		record.Outcome = domain.OutcomeExceptionRequired
		if exceptionReason != "" {
			record.OutcomeReason = exceptionReason
		}
	default:
		record.Outcome = domain.OutcomeProposed
	}
	return record
}
