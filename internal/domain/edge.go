package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EdgeType classifies graph relationships.
type EdgeType string

const (
	EdgeTypeDecisionUsedEvidence        EdgeType = "decision-used-evidence"
	EdgeTypeDecisionAppliedPolicy       EdgeType = "decision-applied-policy"
	EdgeTypeDecisionApprovedBy          EdgeType = "decision-approved-by"
	EdgeTypeDecisionActedVia            EdgeType = "decision-acted-via"
	EdgeTypeActionWroteEntity           EdgeType = "action-wrote-entity"
	EdgeTypeDecisionReferencesPrecedent EdgeType = "decision-references-precedent"
	EdgeTypeRunProducedDecision         EdgeType = "run-produced-decision"
	EdgeTypeEvidenceAboutEntity         EdgeType = "evidence-about-entity"
)

// Stateful reports whether the edge type represents current state rather
// than an append-only link. Stateful types keep at most one open edge per
// (from, edge_type, to) triple; a new fact closes the prior edge.
func (t EdgeType) Stateful() bool {
	return t == EdgeTypeActionWroteEntity
}

// Edge is a typed, time-bounded relationship. ValidTo nil means still valid.
type Edge struct {
	EdgeID     uuid.UUID      `json:"edge_id"`
	TenantID   string         `json:"tenant_id"`
	EdgeType   EdgeType       `json:"edge_type"`
	FromNodeID uuid.UUID      `json:"from_node_id"`
	ToNodeID   uuid.UUID      `json:"to_node_id"`
	Properties map[string]any `json:"properties,omitempty"`
	ValidFrom  time.Time      `json:"valid_from"`
	ValidTo    *time.Time     `json:"valid_to,omitempty"`
}

var edgeNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("contextgraph/edges"))

// EdgeIdentity derives a deterministic edge id so replays upsert rather than
// duplicate. The originating event id keeps edges from distinct events apart.
func EdgeIdentity(eventID uuid.UUID, edgeType EdgeType, from, to uuid.UUID) uuid.UUID {
	key := strings.Join([]string{eventID.String(), string(edgeType), from.String(), to.String()}, "\x1f")
	return uuid.NewSHA1(edgeNamespace, []byte(key))
}

// NewEdge opens an edge valid from the given instant.
func NewEdge(eventID uuid.UUID, tenantID string, edgeType EdgeType, from, to uuid.UUID, properties map[string]any, validFrom time.Time) Edge {
	return Edge{
		EdgeID:     EdgeIdentity(eventID, edgeType, from, to),
		TenantID:   tenantID,
		EdgeType:   edgeType,
		FromNodeID: from,
		ToNodeID:   to,
		Properties: copyProperties(properties),
		ValidFrom:  validFrom,
	}
}

// Open reports whether the edge is still valid.
func (e Edge) Open() bool {
	return e.ValidTo == nil
}

// ValidAt reports whether the edge was valid at the given instant.
func (e Edge) ValidAt(t time.Time) bool {
	if t.Before(e.ValidFrom) {
		return false
	}
	return e.ValidTo == nil || t.Before(*e.ValidTo)
}
