// Package projector folds accepted events into the temporal property graph
// and keeps the derived decision records current. Projection is idempotent:
// deterministic node and edge identities plus per-event applied markers make
// re-applying any prefix a no-op.
package projector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/contextgraph/contextgraph/internal/domain"
	"github.com/contextgraph/contextgraph/internal/materializer"
	"github.com/contextgraph/contextgraph/internal/repository"
)

// coreNamespace scopes graph nodes the engine itself derives (runs,
// decisions, actors, policies, evidence, actions). Entity nodes keep the
// producer-supplied namespace from their entity_ref.
const coreNamespace = "core"

// ApplyResult summarizes the graph writes one event produced.
type ApplyResult struct {
	NodesUpserted int
	EdgesOpened   int
	EdgesClosed   int
	Skipped       bool
}

// Projector applies events to the graph and re-materializes affected
// decision records.
type Projector struct {
	events  repository.EventRepository
	graph   repository.GraphRepository
	state   repository.ProjectionStateRepository
	records repository.DecisionRecordRepository
}

// New creates a projector over the given repositories.
func New(
	events repository.EventRepository,
	graph repository.GraphRepository,
	state repository.ProjectionStateRepository,
	records repository.DecisionRecordRepository,
) *Projector {
	return &Projector{events: events, graph: graph, state: state, records: records}
}

// Apply projects one event. Already-applied events are skipped. An event
// that cannot be projected is recorded as a projection failure and skipped
// rather than blocking later events; RetryFailures replays it.
func (p *Projector) Apply(ctx context.Context, event domain.Event) (ApplyResult, error) {
	applied, err := p.state.IsApplied(ctx, event.EventID)
	if err != nil {
		return ApplyResult{}, err
	}
	if applied {
		return ApplyResult{Skipped: true}, nil
	}

	result, err := p.project(ctx, event)
	if err != nil {
		log.Printf("[projector] event %s failed projection: %v", event.EventID, err)
		failure := domain.ProjectionFailure{
			EventID:  event.EventID.String(),
			TenantID: event.TenantID,
			RunID:    event.RunID,
			Reason:   err.Error(),
		}
		if recordErr := p.state.RecordFailure(ctx, failure); recordErr != nil {
			return ApplyResult{}, fmt.Errorf("failed to record projection failure: %w", recordErr)
		}
		if err := p.rematerialize(ctx, event.TenantID, event.RunID, event.DecisionID()); err != nil {
			return ApplyResult{}, err
		}
		return ApplyResult{Skipped: true}, nil
	}

	// The marker commits only after the graph writes land. A crash in
	// between replays the event; deterministic identities make the replay
	// a no-op.
	first, err := p.state.MarkApplied(ctx, event.EventID)
	if err != nil {
		return ApplyResult{}, err
	}
	if !first {
		return ApplyResult{Skipped: true}, nil
	}
	if err := p.state.ClearFailure(ctx, event.EventID); err != nil {
		return ApplyResult{}, err
	}
	if err := p.rematerialize(ctx, event.TenantID, event.RunID, event.DecisionID()); err != nil {
		return ApplyResult{}, err
	}
	return result, nil
}

// RetryFailures replays every recorded projection failure for the run,
// clearing the ones that now succeed.
func (p *Projector) RetryFailures(ctx context.Context, tenantID, runID string) error {
	failures, err := p.state.ListFailures(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	for _, failure := range failures {
		event, err := p.eventForFailure(ctx, failure)
		if err != nil {
			return err
		}
		if _, err := p.project(ctx, event); err != nil {
			log.Printf("[projector] event %s still failing projection: %v", event.EventID, err)
			continue
		}
		if _, err := p.state.MarkApplied(ctx, event.EventID); err != nil {
			return err
		}
		if err := p.state.ClearFailure(ctx, event.EventID); err != nil {
			return err
		}
		if err := p.rematerialize(ctx, event.TenantID, event.RunID, event.DecisionID()); err != nil {
			return err
		}
	}
	return nil
}

func (p *Projector) eventForFailure(ctx context.Context, failure domain.ProjectionFailure) (domain.Event, error) {
	eventID, err := uuid.Parse(failure.EventID)
	if err != nil {
		return domain.Event{}, fmt.Errorf("invalid event id in projection failure: %w", err)
	}
	return p.events.GetByID(ctx, eventID)
}

// rematerialize rebuilds the decision's record from the run's stored prefix.
// The record is flagged incomplete while the run has unresolved projection
// failures; it stays servable either way.
func (p *Projector) rematerialize(ctx context.Context, tenantID, runID, decisionID string) error {
	if decisionID == "" {
		return nil
	}
	prefix, err := p.events.ListByRun(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	record, ok := materializer.MaterializeDecision(prefix, decisionID)
	if !ok {
		return nil
	}
	incomplete, err := p.state.RunHasFailures(ctx, tenantID, runID)
	if err != nil {
		return err
	}
	record.Incomplete = incomplete
	if err := p.records.Upsert(ctx, record); err != nil {
		return err
	}

	for _, precedentID := range record.PrecedentRefs {
		err := p.records.AddReferencedBy(ctx, precedentID, record.DecisionID)
		if err != nil && !isNotFound(err) {
			return err
		}
	}
	return nil
}

// project extracts the event's nodes and edges and writes them.
func (p *Projector) project(ctx context.Context, event domain.Event) (ApplyResult, error) {
	w := &graphWriter{ctx: ctx, graph: p.graph}

	runNode := w.upsert(domain.NewNode(event.TenantID, coreNamespace, domain.NodeTypeRun, event.RunID, nil, event.Timestamp))
	decisionNode := w.upsert(domain.NewNode(event.TenantID, coreNamespace, domain.NodeTypeDecision, event.DecisionID(), nil, event.Timestamp))
	w.open(domain.NewEdge(event.EventID, event.TenantID, domain.EdgeTypeRunProducedDecision, runNode.NodeID, decisionNode.NodeID, nil, event.Timestamp))

	switch payload := event.Payload.(type) {
	case domain.DecisionProposedPayload:
		props := map[string]any{}
		if payload.Reason != "" {
			props["reason"] = payload.Reason
		}
		w.upsert(domain.NewNode(event.TenantID, coreNamespace, domain.NodeTypeDecision, payload.Decision, props, event.Timestamp))
		for _, ref := range payload.Subject {
			w.upsert(domain.NodeForRef(event.TenantID, ref, event.Timestamp))
		}
		for _, precedentID := range payload.PrecedentRefs {
			precedentNode := w.upsert(domain.NewNode(event.TenantID, coreNamespace, domain.NodeTypeDecision, precedentID, nil, event.Timestamp))
			w.open(domain.NewEdge(event.EventID, event.TenantID, domain.EdgeTypeDecisionReferencesPrecedent, decisionNode.NodeID, precedentNode.NodeID, nil, event.Timestamp))
		}
		if event.Actor != nil {
			w.upsertActor(event.TenantID, *event.Actor, event.Timestamp)
		}

	case domain.EvidenceObservedPayload:
		props := map[string]any{"source": payload.Source}
		if payload.ToolName != "" {
			props["tool_name"] = payload.ToolName
		}
		if payload.SnapshotHash != "" {
			props["snapshot_hash"] = payload.SnapshotHash
		}
		evidenceNode := w.upsert(domain.NewNode(event.TenantID, coreNamespace, domain.NodeTypeEvidence, payload.EvidenceID, props, event.Timestamp))
		w.open(domain.NewEdge(event.EventID, event.TenantID, domain.EdgeTypeDecisionUsedEvidence, decisionNode.NodeID, evidenceNode.NodeID, nil, event.Timestamp))
		if payload.EntityRef != nil {
			entityNode := w.upsert(domain.NodeForRef(event.TenantID, *payload.EntityRef, event.Timestamp))
			w.open(domain.NewEdge(event.EventID, event.TenantID, domain.EdgeTypeEvidenceAboutEntity, evidenceNode.NodeID, entityNode.NodeID, nil, event.Timestamp))
		}

	case domain.PolicyEvaluatedPayload:
		policyNode := w.upsert(domain.NewNode(event.TenantID, coreNamespace, domain.NodeTypePolicy, payload.PolicyID, nil, event.Timestamp))
		edgeProps := map[string]any{
			"policy_version": payload.PolicyVersion,
			"result":         string(payload.Result),
		}
		w.open(domain.NewEdge(event.EventID, event.TenantID, domain.EdgeTypeDecisionAppliedPolicy, decisionNode.NodeID, policyNode.NodeID, edgeProps, event.Timestamp))

	case domain.ApprovalRequestedPayload:
		w.upsertActor(event.TenantID, payload.RequestedFrom, event.Timestamp)

	case domain.ApprovalResolvedPayload:
		approverNode := w.upsertActor(event.TenantID, payload.Approver, event.Timestamp)
		edgeProps := map[string]any{
			"approval_id": payload.ApprovalID,
			"granted":     payload.Granted,
		}
		w.open(domain.NewEdge(event.EventID, event.TenantID, domain.EdgeTypeDecisionApprovedBy, decisionNode.NodeID, approverNode.NodeID, edgeProps, event.Timestamp))

	case domain.ActionCommittedPayload:
		props := map[string]any{
			"tool":    payload.Tool,
			"success": payload.Success,
		}
		if payload.Operation != "" {
			props["operation"] = payload.Operation
		}
		actionNode := w.upsert(domain.NewNode(event.TenantID, coreNamespace, domain.NodeTypeAction, payload.ActionID, props, event.Timestamp))
		w.open(domain.NewEdge(event.EventID, event.TenantID, domain.EdgeTypeDecisionActedVia, decisionNode.NodeID, actionNode.NodeID, nil, event.Timestamp))
		if payload.TargetEntity != nil {
			entityNode := w.upsert(domain.NodeForRef(event.TenantID, *payload.TargetEntity, event.Timestamp))
			edgeProps := map[string]any{"success": payload.Success}
			if payload.Operation != "" {
				edgeProps["operation"] = payload.Operation
			}
			w.openStateful(domain.NewEdge(event.EventID, event.TenantID, domain.EdgeTypeActionWroteEntity, actionNode.NodeID, entityNode.NodeID, edgeProps, event.Timestamp))
		}

	default:
		return ApplyResult{}, fmt.Errorf("no projection for event type %s", event.EventType)
	}

	if w.err != nil {
		return ApplyResult{}, w.err
	}
	return w.result, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

// graphWriter accumulates graph writes for one event, short-circuiting after
// the first error.
type graphWriter struct {
	ctx    context.Context
	graph  repository.GraphRepository
	result ApplyResult
	err    error
}

func (w *graphWriter) upsert(node domain.Node) domain.Node {
	if w.err != nil {
		return node
	}
	stored, created, err := w.graph.UpsertNode(w.ctx, node)
	if err != nil {
		w.err = err
		return node
	}
	if created {
		w.result.NodesUpserted++
	}
	return stored
}

func (w *graphWriter) upsertActor(tenantID string, actor domain.Actor, seen time.Time) domain.Node {
	props := map[string]any{"kind": string(actor.Kind)}
	if actor.Name != "" {
		props["name"] = actor.Name
	}
	return w.upsert(domain.NewNode(tenantID, coreNamespace, domain.NodeTypeActor, actor.ID, props, seen))
}

func (w *graphWriter) open(edge domain.Edge) {
	if w.err != nil {
		return
	}
	inserted, err := w.graph.OpenEdge(w.ctx, edge)
	if err != nil {
		w.err = err
		return
	}
	if inserted {
		w.result.EdgesOpened++
	}
}

// openStateful opens a stateful edge, first closing every other open edge of
// the same (from, edge_type) — a re-asserted fact supersedes the prior edge
// even when the target is unchanged. At most one open edge survives per
// (from, edge_type, to) triple.
func (w *graphWriter) openStateful(edge domain.Edge) {
	if w.err != nil {
		return
	}
	open, err := w.graph.OpenEdgesFrom(w.ctx, edge.FromNodeID, edge.EdgeType)
	if err != nil {
		w.err = err
		return
	}
	for _, existing := range open {
		if existing.EdgeID == edge.EdgeID {
			continue
		}
		if err := w.graph.CloseEdge(w.ctx, existing.EdgeID, edge.ValidFrom); err != nil {
			w.err = err
			return
		}
		w.result.EdgesClosed++
	}
	w.open(edge)
}
