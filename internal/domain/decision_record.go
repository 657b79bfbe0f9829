package domain

import "time"

// Outcome is the derived state of a decision.
type Outcome string

const (
	OutcomeProposed          Outcome = "proposed"
	OutcomeCommitted         Outcome = "committed"
	OutcomeDenied            Outcome = "denied"
	OutcomeExceptionRequired Outcome = "exception_required"
)

// EvidenceRef is a compact projection of an evidence-observed event.
type EvidenceRef struct {
	EvidenceID string     `json:"evidence_id"`
	Source     string     `json:"source"`
	ToolName   string     `json:"tool_name,omitempty"`
	EntityRef  *EntityRef `json:"entity_ref,omitempty"`
	ObservedAt time.Time  `json:"observed_at"`
}

// PolicyRef is a compact projection of a policy-evaluated event.
type PolicyRef struct {
	PolicyID      string       `json:"policy_id"`
	PolicyVersion string       `json:"policy_version"`
	Result        PolicyResult `json:"result"`
	Message       string       `json:"message,omitempty"`
	EvaluatedAt   time.Time    `json:"evaluated_at"`
}

// ApprovalRef is a compact projection of an approval event pair.
type ApprovalRef struct {
	ApprovalID   string     `json:"approval_id"`
	Route        string     `json:"route,omitempty"`
	ApproverKind ActorKind  `json:"approver_kind,omitempty"`
	ApproverID   string     `json:"approver_id,omitempty"`
	Granted      *bool      `json:"granted,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	RequestedAt  time.Time  `json:"requested_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// ActionRef is a compact projection of an action-committed event.
type ActionRef struct {
	ActionID     string     `json:"action_id"`
	Tool         string     `json:"tool"`
	Operation    string     `json:"operation,omitempty"`
	TargetEntity *EntityRef `json:"target_entity,omitempty"`
	Success      bool       `json:"success"`
	CommittedAt  time.Time  `json:"committed_at"`
}

// DecisionRecord is the materialized, denormalized aggregate for one
// decision. It is derived from the run's event prefix; the event log stays
// the single source of truth.
type DecisionRecord struct {
	DecisionID    string        `json:"decision_id"`
	RunID         string        `json:"run_id"`
	TenantID      string        `json:"tenant_id"`
	Timestamp     time.Time     `json:"timestamp"`
	Outcome       Outcome       `json:"outcome"`
	OutcomeReason string        `json:"outcome_reason,omitempty"`
	Actor         *Actor        `json:"actor,omitempty"`
	Subject       []EntityRef   `json:"subject,omitempty"`
	Evidence      []EvidenceRef `json:"evidence"`
	Policies      []PolicyRef   `json:"policies"`
	Approvals     []ApprovalRef `json:"approvals"`
	Actions       []ActionRef   `json:"actions"`
	PrecedentRefs []string      `json:"precedent_refs,omitempty"`
	ReferencedBy  []string      `json:"referenced_by,omitempty"`
	Terminal      bool          `json:"terminal"`
	Incomplete    bool          `json:"incomplete,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// PrecedentFilter is a conjunction of exact-match predicates over decision
// record fields, with an optional recency window and result bound.
type PrecedentFilter struct {
	PolicyID      string
	PolicyVersion string
	Outcome       Outcome
	ApproverID    string
	Tool          string
	Since         *time.Time
	Limit         int
}

// DefaultPrecedentLimit bounds find_precedents results when the filter does
// not set one.
const DefaultPrecedentLimit = 20

// Matches reports whether the record satisfies every predicate in the filter.
// Recency and limit are applied by the caller.
func (f PrecedentFilter) Matches(rec DecisionRecord) bool {
	if f.Outcome != "" && rec.Outcome != f.Outcome {
		return false
	}
	if f.PolicyID != "" {
		found := false
		for _, p := range rec.Policies {
			if p.PolicyID != f.PolicyID {
				continue
			}
			if f.PolicyVersion != "" && p.PolicyVersion != f.PolicyVersion {
				continue
			}
			found = true
			break
		}
		if !found {
			return false
		}
	} else if f.PolicyVersion != "" {
		found := false
		for _, p := range rec.Policies {
			if p.PolicyVersion == f.PolicyVersion {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ApproverID != "" {
		found := false
		for _, a := range rec.Approvals {
			if a.ApproverID == f.ApproverID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Tool != "" {
		found := false
		for _, a := range rec.Actions {
			if a.Tool == f.Tool {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since != nil && rec.Timestamp.Before(*f.Since) {
		return false
	}
	return true
}
