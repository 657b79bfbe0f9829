package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityRef names a domain entity by its natural key. Repeated references
// from independent producers collapse to the same graph node.
type EntityRef struct {
	Namespace  string   `json:"namespace"`
	EntityType string   `json:"entity_type"`
	ExternalID string   `json:"external_id"`
	Aliases    []string `json:"aliases,omitempty"`
}

// PolicyResult is the verdict of a single policy evaluation.
type PolicyResult string

const (
	PolicyResultPass              PolicyResult = "pass"
	PolicyResultFail              PolicyResult = "fail"
	PolicyResultWarn              PolicyResult = "warn"
	PolicyResultSkip              PolicyResult = "skip"
	PolicyResultExceptionRequired PolicyResult = "exception_required"
)

// Payload is the tagged union carried by an event envelope, one variant per
// event type.
type Payload interface {
	DecisionID() string
	payloadType() EventType
}

// EvidenceObservedPayload records a piece of evidence gathered during a run.
type EvidenceObservedPayload struct {
	Decision     string          `json:"decision_id"`
	EvidenceID   string          `json:"evidence_id"`
	Source       string          `json:"source"`
	EntityRef    *EntityRef      `json:"entity_ref,omitempty"`
	Snapshot     map[string]any  `json:"snapshot,omitempty"`
	SnapshotHash string          `json:"snapshot_hash,omitempty"`
	RetrievedAt  time.Time       `json:"retrieved_at"`
	ToolName     string          `json:"tool_name,omitempty"`
	ToolArgs     json.RawMessage `json:"tool_args,omitempty"`
}

func (p EvidenceObservedPayload) DecisionID() string     { return p.Decision }
func (p EvidenceObservedPayload) payloadType() EventType { return EventTypeEvidenceObserved }

// PolicyEvaluatedPayload records the outcome of evaluating one policy version.
type PolicyEvaluatedPayload struct {
	Decision      string       `json:"decision_id"`
	PolicyID      string       `json:"policy_id"`
	PolicyVersion string       `json:"policy_version"`
	Result        PolicyResult `json:"result"`
	InputsHash    string       `json:"inputs_hash,omitempty"`
	Message       string       `json:"message,omitempty"`
}

func (p PolicyEvaluatedPayload) DecisionID() string     { return p.Decision }
func (p PolicyEvaluatedPayload) payloadType() EventType { return EventTypePolicyEvaluated }

// ApprovalRequestedPayload records that a decision was routed for approval.
type ApprovalRequestedPayload struct {
	Decision      string `json:"decision_id"`
	ApprovalID    string `json:"approval_id"`
	Route         string `json:"route,omitempty"`
	RequestedFrom Actor  `json:"requested_from"`
	Reason        string `json:"reason,omitempty"`
}

func (p ApprovalRequestedPayload) DecisionID() string     { return p.Decision }
func (p ApprovalRequestedPayload) payloadType() EventType { return EventTypeApprovalRequested }

// ApprovalResolvedPayload records the resolution of an approval request.
type ApprovalResolvedPayload struct {
	Decision   string    `json:"decision_id"`
	ApprovalID string    `json:"approval_id"`
	Approver   Actor     `json:"approver"`
	Granted    bool      `json:"granted"`
	ResolvedAt time.Time `json:"resolved_at"`
	Reason     string    `json:"reason,omitempty"`
}

func (p ApprovalResolvedPayload) DecisionID() string     { return p.Decision }
func (p ApprovalResolvedPayload) payloadType() EventType { return EventTypeApprovalResolved }

// ActionCommittedPayload records an action executed against an external
// system, successful or not.
type ActionCommittedPayload struct {
	Decision     string          `json:"decision_id"`
	ActionID     string          `json:"action_id"`
	Tool         string          `json:"tool"`
	Operation    string          `json:"operation,omitempty"`
	TargetEntity *EntityRef      `json:"target_entity,omitempty"`
	Params       map[string]any  `json:"params,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CommittedAt  time.Time       `json:"committed_at"`
	Success      bool            `json:"success"`
}

func (p ActionCommittedPayload) DecisionID() string     { return p.Decision }
func (p ActionCommittedPayload) payloadType() EventType { return EventTypeActionCommitted }

// DecisionProposedPayload opens a decision and names its subject entities.
type DecisionProposedPayload struct {
	Decision      string      `json:"decision_id"`
	Subject       []EntityRef `json:"subject,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	PrecedentRefs []string    `json:"precedent_refs,omitempty"`
}

func (p DecisionProposedPayload) DecisionID() string     { return p.Decision }
func (p DecisionProposedPayload) payloadType() EventType { return EventTypeDecisionProposed }

// DecodePayload decodes raw payload JSON into the variant for the event type.
func DecodePayload(eventType EventType, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("event type %s requires a payload", eventType)
	}

	switch eventType {
	case EventTypeEvidenceObserved:
		var p EvidenceObservedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", eventType, err)
		}
		return p, nil
	case EventTypePolicyEvaluated:
		var p PolicyEvaluatedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", eventType, err)
		}
		return p, nil
	case EventTypeApprovalRequested:
		var p ApprovalRequestedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", eventType, err)
		}
		return p, nil
	case EventTypeApprovalResolved:
		var p ApprovalResolvedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", eventType, err)
		}
		return p, nil
	case EventTypeActionCommitted:
		var p ActionCommittedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", eventType, err)
		}
		return p, nil
	case EventTypeDecisionProposed:
		var p DecisionProposedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", eventType, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unrecognized event type %q", eventType)
	}
}
