package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies one step of a decision-making run.
type EventType string

const (
	EventTypeEvidenceObserved  EventType = "evidence-observed"
	EventTypePolicyEvaluated   EventType = "policy-evaluated"
	EventTypeApprovalRequested EventType = "approval-requested"
	EventTypeApprovalResolved  EventType = "approval-resolved"
	EventTypeActionCommitted   EventType = "action-committed"
	EventTypeDecisionProposed  EventType = "decision-proposed"
)

// KnownEventTypes lists every event type the store accepts.
var KnownEventTypes = []EventType{
	EventTypeEvidenceObserved,
	EventTypePolicyEvaluated,
	EventTypeApprovalRequested,
	EventTypeApprovalResolved,
	EventTypeActionCommitted,
	EventTypeDecisionProposed,
}

// IsKnown reports whether the event type is one the engine understands.
func (t EventType) IsKnown() bool {
	for _, known := range KnownEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ActorKind distinguishes who performed a step.
type ActorKind string

const (
	ActorKindAgent  ActorKind = "agent"
	ActorKindHuman  ActorKind = "human"
	ActorKindSystem ActorKind = "system"
)

// Actor identifies the agent, human, or system behind an event.
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id"`
	Name string    `json:"name,omitempty"`
}

// GenesisHash is the prev_hash of the first event in a tenant chain.
const GenesisHash = "genesis"

// DefaultTenant is used when producers do not partition by tenant.
const DefaultTenant = "default"

// Event is the immutable envelope submitted by producers. Events are never
// updated or deleted; Position is assigned by the store when the event is
// accepted onto its tenant chain.
type Event struct {
	EventID       uuid.UUID `json:"event_id"`
	TenantID      string    `json:"tenant_id"`
	RunID         string    `json:"run_id"`
	Timestamp     time.Time `json:"timestamp"`
	EventType     EventType `json:"event_type"`
	SchemaVersion int       `json:"schema_version"`
	Actor         *Actor    `json:"actor,omitempty"`
	Payload       Payload   `json:"payload"`
	PrevHash      string    `json:"prev_hash"`
	Hash          string    `json:"hash,omitempty"`
	Position      int64     `json:"position,omitempty"`
}

// DecisionID returns the decision the event belongs to.
func (e Event) DecisionID() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.DecisionID()
}

// eventAlias avoids recursing into the custom JSON methods.
type eventAlias struct {
	EventID       uuid.UUID       `json:"event_id"`
	TenantID      string          `json:"tenant_id"`
	RunID         string          `json:"run_id"`
	Timestamp     time.Time       `json:"timestamp"`
	EventType     EventType       `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	Actor         *Actor          `json:"actor,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	PrevHash      string          `json:"prev_hash"`
	Hash          string          `json:"hash,omitempty"`
	Position      int64           `json:"position,omitempty"`
}

// MarshalJSON encodes the envelope with the payload inlined for its type.
func (e Event) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if e.Payload != nil {
		encoded, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", e.EventType, err)
		}
		raw = encoded
	}
	return json.Marshal(eventAlias{
		EventID:       e.EventID,
		TenantID:      e.TenantID,
		RunID:         e.RunID,
		Timestamp:     e.Timestamp,
		EventType:     e.EventType,
		SchemaVersion: e.SchemaVersion,
		Actor:         e.Actor,
		Payload:       raw,
		PrevHash:      e.PrevHash,
		Hash:          e.Hash,
		Position:      e.Position,
	})
}

// UnmarshalJSON decodes the envelope and dispatches the payload on event_type.
func (e *Event) UnmarshalJSON(data []byte) error {
	var alias eventAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	payload, err := DecodePayload(alias.EventType, alias.Payload)
	if err != nil {
		return err
	}

	e.EventID = alias.EventID
	e.TenantID = alias.TenantID
	e.RunID = alias.RunID
	e.Timestamp = alias.Timestamp
	e.EventType = alias.EventType
	e.SchemaVersion = alias.SchemaVersion
	e.Actor = alias.Actor
	e.Payload = payload
	e.PrevHash = alias.PrevHash
	e.Hash = alias.Hash
	e.Position = alias.Position
	return nil
}

// HashContent returns the envelope fields covered by the event hash: the
// whole envelope minus hash and position. The payload is re-encoded so the
// hash is independent of producer-side key ordering.
func (e Event) HashContent() (map[string]any, error) {
	var payload map[string]any
	if e.Payload != nil {
		encoded, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", e.EventType, err)
		}
		if err := json.Unmarshal(encoded, &payload); err != nil {
			return nil, fmt.Errorf("failed to normalize %s payload: %w", e.EventType, err)
		}
	}

	content := map[string]any{
		"event_id":       e.EventID.String(),
		"tenant_id":      e.TenantID,
		"run_id":         e.RunID,
		"timestamp":      e.Timestamp.UTC().Format(time.RFC3339Nano),
		"event_type":     string(e.EventType),
		"schema_version": e.SchemaVersion,
		"payload":        payload,
		"prev_hash":      e.PrevHash,
	}
	if e.Actor != nil {
		content["actor"] = map[string]any{
			"kind": string(e.Actor.Kind),
			"id":   e.Actor.ID,
			"name": e.Actor.Name,
		}
	}
	return content, nil
}

// EventAck acknowledges a durably accepted event. Duplicate is set when the
// event was already on the chain and the stored acknowledgement is returned.
type EventAck struct {
	EventID   uuid.UUID `json:"event_id"`
	Hash      string    `json:"hash"`
	Position  int64     `json:"position"`
	Duplicate bool      `json:"duplicate,omitempty"`
}

// ChainTip is the head of a tenant's hash chain.
type ChainTip struct {
	TenantID string    `json:"tenant_id"`
	Position int64     `json:"position"`
	TipHash  string    `json:"tip_hash"`
	Updated  time.Time `json:"updated_at"`
}
