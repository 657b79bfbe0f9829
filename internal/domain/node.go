package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NodeType classifies graph nodes.
type NodeType string

const (
	NodeTypeEntity    NodeType = "entity"
	NodeTypeRun       NodeType = "run"
	NodeTypeDecision  NodeType = "decision"
	NodeTypeActor     NodeType = "actor"
	NodeTypePolicy    NodeType = "policy"
	NodeTypeEvidence  NodeType = "evidence"
	NodeTypeAction    NodeType = "action"
	NodeTypeException NodeType = "exception"
)

// Node is an entity in the temporal property graph. Identity is a pure
// function of the natural key, never of event arrival order.
type Node struct {
	NodeID     uuid.UUID      `json:"node_id"`
	TenantID   string         `json:"tenant_id"`
	Namespace  string         `json:"namespace"`
	NodeType   NodeType       `json:"node_type"`
	ExternalID string         `json:"external_id"`
	Properties map[string]any `json:"properties"`
	FirstSeen  time.Time      `json:"first_seen"`
	LastSeen   time.Time      `json:"last_seen"`
}

// ledgerNamespace scopes node identifiers produced by this engine.
var ledgerNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("contextgraph/nodes"))

// NodeIdentity derives the deterministic node id for a natural key. Every
// writer computes the same id independently, which is what makes node
// upserts idempotent.
func NodeIdentity(tenantID, namespace string, nodeType NodeType, externalID string) uuid.UUID {
	key := strings.Join([]string{tenantID, namespace, string(nodeType), externalID}, "\x1f")
	return uuid.NewSHA1(ledgerNamespace, []byte(key))
}

// NewNode creates a node for a natural key observed at seen.
func NewNode(tenantID, namespace string, nodeType NodeType, externalID string, properties map[string]any, seen time.Time) Node {
	return Node{
		NodeID:     NodeIdentity(tenantID, namespace, nodeType, externalID),
		TenantID:   tenantID,
		Namespace:  namespace,
		NodeType:   nodeType,
		ExternalID: externalID,
		Properties: copyProperties(properties),
		FirstSeen:  seen,
		LastSeen:   seen,
	}
}

// NodeForRef builds the node a payload entity reference resolves to.
func NodeForRef(tenantID string, ref EntityRef, seen time.Time) Node {
	props := map[string]any{}
	if len(ref.Aliases) > 0 {
		aliases := make([]any, len(ref.Aliases))
		for i, alias := range ref.Aliases {
			aliases[i] = alias
		}
		props["aliases"] = aliases
	}
	node := NewNode(tenantID, ref.Namespace, NodeTypeEntity, ref.ExternalID, props, seen)
	node.Properties["entity_type"] = ref.EntityType
	return node
}

// Merge folds another observation of the same node into this one: properties
// are overlaid, first_seen keeps the earliest sighting and last_seen the
// latest. Merge is a pure function so concurrent upserts converge.
func (n Node) Merge(other Node) (Node, error) {
	if n.NodeID != other.NodeID {
		return Node{}, fmt.Errorf("cannot merge node %s into %s", other.NodeID, n.NodeID)
	}
	merged := n
	merged.Properties = copyProperties(n.Properties)
	for k, v := range other.Properties {
		merged.Properties[k] = v
	}
	if other.FirstSeen.Before(merged.FirstSeen) {
		merged.FirstSeen = other.FirstSeen
	}
	if other.LastSeen.After(merged.LastSeen) {
		merged.LastSeen = other.LastSeen
	}
	return merged, nil
}

// copyProperties creates a shallow copy of the properties map so merges never
// mutate a caller's view.
func copyProperties(properties map[string]any) map[string]any {
	copied := make(map[string]any, len(properties))
	for k, v := range properties {
		copied[k] = v
	}
	return copied
}
