// Package query answers provenance questions from the derived relations:
// why a decision happened, what an entity looked like at a point in time,
// and which past decisions resemble a filter.
package query

import (
	"context"
	"time"

	"github.com/contextgraph/contextgraph/internal/canonical"
	"github.com/contextgraph/contextgraph/internal/domain"
	"github.com/contextgraph/contextgraph/internal/repository"
)

// Engine serves the read-side operations.
type Engine struct {
	events  repository.EventRepository
	graph   repository.GraphRepository
	records repository.DecisionRecordRepository
	state   repository.ProjectionStateRepository
}

// NewEngine creates a query engine over the given repositories.
func NewEngine(
	events repository.EventRepository,
	graph repository.GraphRepository,
	records repository.DecisionRecordRepository,
	state repository.ProjectionStateRepository,
) *Engine {
	return &Engine{events: events, graph: graph, records: records, state: state}
}

// Explanation is the full provenance of one decision: the materialized
// record plus the raw events of its run in chain order.
type Explanation struct {
	Record domain.DecisionRecord `json:"record"`
	Events []domain.Event        `json:"events"`
}

// Explain returns the decision's record and the ordered events behind it.
// Every event's hash is recomputed on read; a mismatch surfaces as an
// integrity violation rather than silently serving tampered provenance.
func (e *Engine) Explain(ctx context.Context, decisionID string) (Explanation, error) {
	record, err := e.records.GetByID(ctx, decisionID)
	if err != nil {
		return Explanation{}, err
	}

	events, err := e.events.ListByRun(ctx, record.TenantID, record.RunID)
	if err != nil {
		return Explanation{}, err
	}
	for _, event := range events {
		if err := canonical.VerifyEventHash(event); err != nil {
			return Explanation{}, err
		}
	}
	return Explanation{Record: record, Events: events}, nil
}

// EntityState is an entity's reconstructed view at one instant: the node's
// own properties overlaid with the properties of every edge valid then, in
// valid_from order, plus the edges themselves.
type EntityState struct {
	Node       domain.Node    `json:"node"`
	Properties map[string]any `json:"properties"`
	Edges      []domain.Edge  `json:"edges"`
	AsOf       time.Time      `json:"as_of"`
}

// StateAsOf reconstructs the entity's state at instant t. Not found when the
// entity has no node or was first seen after t.
func (e *Engine) StateAsOf(ctx context.Context, tenantID string, ref domain.EntityRef, t time.Time) (EntityState, error) {
	node, err := e.graph.FindNode(ctx, tenantID, ref.Namespace, domain.NodeTypeEntity, ref.ExternalID)
	if err != nil {
		return EntityState{}, err
	}
	if node.FirstSeen.After(t) {
		return EntityState{}, domain.NotFoundf("entity %s/%s not yet seen at %s", ref.Namespace, ref.ExternalID, t.UTC().Format(time.RFC3339))
	}

	edges, err := e.graph.EdgesTouching(ctx, node.NodeID, t)
	if err != nil {
		return EntityState{}, err
	}

	properties := make(map[string]any, len(node.Properties))
	for k, v := range node.Properties {
		properties[k] = v
	}
	for _, edge := range edges {
		for k, v := range edge.Properties {
			properties[k] = v
		}
	}
	return EntityState{Node: node, Properties: properties, Edges: edges, AsOf: t}, nil
}

// FindPrecedents returns past decisions matching every predicate in the
// filter, most recent first, ties broken by decision id. The filter is a
// conjunction of exact matches; there is no similarity ranking.
func (e *Engine) FindPrecedents(ctx context.Context, tenantID string, filter domain.PrecedentFilter) ([]domain.DecisionRecord, error) {
	return e.records.Search(ctx, tenantID, filter)
}

// ProjectionFailures exposes the run's recorded projection failures for
// diagnostics. Affected decision records are marked incomplete but stay
// servable.
func (e *Engine) ProjectionFailures(ctx context.Context, tenantID, runID string) ([]domain.ProjectionFailure, error) {
	return e.state.ListFailures(ctx, tenantID, runID)
}
