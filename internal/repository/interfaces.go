package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/contextgraph/contextgraph/internal/domain"
)

// EventRepository owns the immutable event relation and the per-tenant chain
// tips. Append performs the transactional compare-and-swap on the tip so
// appends within one tenant serialize; different tenants are independent.
type EventRepository interface {
	// Append inserts the event and advances the chain tip in one
	// transaction. A duplicate event_id returns the stored acknowledgement
	// with Duplicate set instead of an error. A prev_hash that does not
	// match the current tip returns a wrapped domain.ErrValidation.
	Append(ctx context.Context, event domain.Event) (domain.EventAck, error)
	GetByID(ctx context.Context, eventID uuid.UUID) (domain.Event, error)
	// ListByRun returns the run's events in chain-position order.
	ListByRun(ctx context.Context, tenantID, runID string) ([]domain.Event, error)
	// ListByTenant pages the tenant chain in position order, starting after
	// fromPosition.
	ListByTenant(ctx context.Context, tenantID string, fromPosition int64, limit int) ([]domain.Event, error)
	ChainTip(ctx context.Context, tenantID string) (domain.ChainTip, error)
	Tenants(ctx context.Context) ([]string, error)
}

// GraphRepository owns node and edge writes. Only the projector writes
// through it; queries read through it.
type GraphRepository interface {
	// UpsertNode creates the node or merges properties into the existing
	// one, keeping the earliest first_seen and latest last_seen. Returns
	// true when the node was created.
	UpsertNode(ctx context.Context, node domain.Node) (domain.Node, bool, error)
	GetNode(ctx context.Context, nodeID uuid.UUID) (domain.Node, error)
	FindNode(ctx context.Context, tenantID, namespace string, nodeType domain.NodeType, externalID string) (domain.Node, error)
	// OpenEdge inserts the edge if absent. Returns true when inserted.
	OpenEdge(ctx context.Context, edge domain.Edge) (bool, error)
	CloseEdge(ctx context.Context, edgeID uuid.UUID, validTo time.Time) error
	// OpenEdgesFrom lists still-open edges of one type leaving a node.
	OpenEdgesFrom(ctx context.Context, fromNodeID uuid.UUID, edgeType domain.EdgeType) ([]domain.Edge, error)
	// EdgesTouching lists edges incident to the node (either direction)
	// valid at the given instant, ordered by valid_from ascending.
	EdgesTouching(ctx context.Context, nodeID uuid.UUID, at time.Time) ([]domain.Edge, error)
}

// ProjectionStateRepository tracks which events were applied and which
// accepted events failed projection.
type ProjectionStateRepository interface {
	// IsApplied reports whether the event's applied marker exists.
	IsApplied(ctx context.Context, eventID uuid.UUID) (bool, error)
	// MarkApplied records the applied marker. Returns false when the event
	// was already marked. The projector sets it only after the event's graph
	// writes have landed.
	MarkApplied(ctx context.Context, eventID uuid.UUID) (bool, error)
	RecordFailure(ctx context.Context, failure domain.ProjectionFailure) error
	// ClearFailure removes the failure marker once a replay succeeds.
	ClearFailure(ctx context.Context, eventID uuid.UUID) error
	ListFailures(ctx context.Context, tenantID, runID string) ([]domain.ProjectionFailure, error)
	RunHasFailures(ctx context.Context, tenantID, runID string) (bool, error)
}

// DecisionRecordRepository owns the derived decision_records relation. The
// projector writes it; the query engine reads it.
type DecisionRecordRepository interface {
	Upsert(ctx context.Context, record domain.DecisionRecord) error
	GetByID(ctx context.Context, decisionID string) (domain.DecisionRecord, error)
	ListByRun(ctx context.Context, tenantID, runID string) ([]domain.DecisionRecord, error)
	// AddReferencedBy links a later decision back to this one. Terminal
	// records stay receptive to these links.
	AddReferencedBy(ctx context.Context, decisionID, byDecisionID string) error
	// Search returns records matching the filter, most recent first, ties
	// broken by decision_id ascending, bounded by the filter's limit.
	Search(ctx context.Context, tenantID string, filter domain.PrecedentFilter) ([]domain.DecisionRecord, error)
}

// RunLocker serializes projection per run: all events of one run are applied
// by exactly one worker at a time.
type RunLocker interface {
	// AcquireRunLock blocks until the run lock is held and returns the
	// release function.
	AcquireRunLock(ctx context.Context, tenantID, runID string) (func(), error)
}
