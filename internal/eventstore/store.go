// Package eventstore implements the append-only, hash-chained event log.
// Append is the only write path: events are validated, hashed onto the
// tenant chain, and never updated or deleted afterwards.
package eventstore

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/contextgraph/contextgraph/internal/canonical"
	"github.com/contextgraph/contextgraph/internal/domain"
	"github.com/contextgraph/contextgraph/internal/eventschema"
	"github.com/contextgraph/contextgraph/internal/repository"
)

// Store accepts events onto tenant hash chains.
type Store struct {
	events  repository.EventRepository
	schemas *eventschema.Registry
}

// NewStore creates an event store over the given repository and schema
// registry.
func NewStore(events repository.EventRepository, schemas *eventschema.Registry) *Store {
	return &Store{events: events, schemas: schemas}
}

// Prepare fills in the store-owned envelope fields a producer may omit: a
// fresh UUIDv7 event id, the default tenant, and the current chain tip as
// prev_hash, then seals the event by computing its hash. The prepared event
// still goes through full validation on Append.
func (s *Store) Prepare(ctx context.Context, event domain.Event) (domain.Event, error) {
	if event.EventID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Event{}, fmt.Errorf("failed to generate event id: %w", err)
		}
		event.EventID = id
	}
	if event.TenantID == "" {
		event.TenantID = domain.DefaultTenant
	}
	if event.PrevHash == "" {
		tip, err := s.events.ChainTip(ctx, event.TenantID)
		if err != nil {
			return domain.Event{}, err
		}
		event.PrevHash = tip.TipHash
	}
	hash, err := canonical.EventHash(event)
	if err != nil {
		return domain.Event{}, err
	}
	event.Hash = hash
	return event, nil
}

// Append validates the event and appends it to its tenant chain.
//
// Validation failures (malformed envelope, unknown type/version, schema
// violation, stale prev_hash, hash mismatch) reject the event with
// domain.ErrValidation. Cross-event invariant failures reject with
// domain.ErrInvariantViolation. A duplicate event_id returns the stored
// acknowledgement with Duplicate set and is not an error.
func (s *Store) Append(ctx context.Context, event domain.Event) (domain.EventAck, error) {
	if err := s.validateEnvelope(event); err != nil {
		return domain.EventAck{}, err
	}
	if err := s.schemas.ValidateEvent(event); err != nil {
		return domain.EventAck{}, err
	}

	computed, err := canonical.EventHash(event)
	if err != nil {
		return domain.EventAck{}, err
	}
	if event.Hash != "" && event.Hash != computed {
		return domain.EventAck{}, domain.ValidationErrorf("event %s hash mismatch: supplied %s, computed %s", event.EventID, event.Hash, computed)
	}
	event.Hash = computed

	if event.EventType == domain.EventTypeActionCommitted {
		if err := s.checkActionInvariants(ctx, event); err != nil {
			return domain.EventAck{}, err
		}
	}

	ack, err := s.events.Append(ctx, event)
	if err != nil {
		return domain.EventAck{}, err
	}
	if ack.Duplicate {
		log.Printf("[eventstore] duplicate event %s acknowledged at position %d", ack.EventID, ack.Position)
	}
	return ack, nil
}

func (s *Store) validateEnvelope(event domain.Event) error {
	if event.EventID == uuid.Nil {
		return domain.ValidationErrorf("event_id is required")
	}
	if event.TenantID == "" {
		return domain.ValidationErrorf("tenant_id is required")
	}
	if event.RunID == "" {
		return domain.ValidationErrorf("run_id is required")
	}
	if event.Timestamp.IsZero() {
		return domain.ValidationErrorf("timestamp is required")
	}
	if !event.EventType.IsKnown() {
		return domain.ValidationErrorf("unknown event type %q", event.EventType)
	}
	if event.SchemaVersion <= 0 {
		return domain.ValidationErrorf("schema_version must be positive, got %d", event.SchemaVersion)
	}
	if event.Payload == nil {
		return domain.ValidationErrorf("payload is required")
	}
	if event.DecisionID() == "" {
		return domain.ValidationErrorf("payload decision_id is required")
	}
	if event.PrevHash == "" {
		return domain.ValidationErrorf("prev_hash is required")
	}
	if event.Actor != nil {
		switch event.Actor.Kind {
		case domain.ActorKindAgent, domain.ActorKindHuman, domain.ActorKindSystem:
		default:
			return domain.ValidationErrorf("unknown actor kind %q", event.Actor.Kind)
		}
	}
	return nil
}

// checkActionInvariants enforces the cross-event rules for action-committed
// against the run's stored prefix. The prefix is read before the chain-tip
// compare-and-swap; if a racing append lands first, this event's prev_hash no
// longer matches the tip and the append is rejected there, so reading outside
// the transaction does not admit stale decisions.
func (s *Store) checkActionInvariants(ctx context.Context, event domain.Event) error {
	decisionID := event.DecisionID()
	prefix, err := s.events.ListByRun(ctx, event.TenantID, event.RunID)
	if err != nil {
		return err
	}

	var (
		hasBasis        bool
		exceptionOpen   bool
		permanentDenial bool
	)
	for _, prior := range prefix {
		if prior.DecisionID() != decisionID {
			continue
		}
		switch prior.EventType {
		case domain.EventTypeEvidenceObserved, domain.EventTypeDecisionProposed:
			hasBasis = true
		case domain.EventTypePolicyEvaluated:
			if payload, ok := prior.Payload.(domain.PolicyEvaluatedPayload); ok {
				// The latest evaluation governs: a later non-exception
				// result supersedes an earlier exception_required.
				exceptionOpen = payload.Result == domain.PolicyResultExceptionRequired
			}
		case domain.EventTypeApprovalResolved:
			payload, ok := prior.Payload.(domain.ApprovalResolvedPayload)
			if !ok {
				continue
			}
			if payload.Granted {
				exceptionOpen = false
			} else {
				permanentDenial = true
			}
		}
	}

	if !hasBasis {
		return domain.InvariantViolationf("action for decision %s has no prior evidence or proposal in run %s", decisionID, event.RunID)
	}
	if permanentDenial {
		return domain.InvariantViolationf("action for decision %s follows a denied approval", decisionID)
	}
	if exceptionOpen {
		return domain.InvariantViolationf("action for decision %s requires an exception approval that has not been granted", decisionID)
	}
	return nil
}
