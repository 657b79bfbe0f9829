package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/contextgraph/contextgraph/internal/domain"
)

// graphRepository implements GraphRepository on Postgres.
type graphRepository struct {
	pool *pgxpool.Pool
}

// NewGraphRepository wires a graph repository backed by pgxpool.
func NewGraphRepository(pool *pgxpool.Pool) GraphRepository {
	return &graphRepository{pool: pool}
}

const nodeColumns = `node_id, tenant_id, namespace, node_type, external_id, properties, first_seen, last_seen`

const edgeColumns = `edge_id, tenant_id, edge_type, from_node_id, to_node_id, properties, valid_from, valid_to`

// UpsertNode merges the node into any existing row with the same identity.
// Properties overlay the stored ones; first_seen keeps the earliest sighting
// and last_seen the latest. The ON CONFLICT merge runs inside Postgres so
// concurrent upserts of the same node converge without a read-modify-write.
func (r *graphRepository) UpsertNode(ctx context.Context, node domain.Node) (domain.Node, bool, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO nodes (node_id, tenant_id, namespace, node_type, external_id, properties, first_seen, last_seen)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (node_id) DO UPDATE SET
		 	properties = nodes.properties || EXCLUDED.properties,
		 	first_seen = LEAST(nodes.first_seen, EXCLUDED.first_seen),
		 	last_seen = GREATEST(nodes.last_seen, EXCLUDED.last_seen)
		 RETURNING `+nodeColumns+`, (xmax = 0) AS created`,
		node.NodeID, node.TenantID, node.Namespace, string(node.NodeType),
		node.ExternalID, node.Properties, node.FirstSeen, node.LastSeen,
	)

	stored, created, err := scanNodeCreated(row)
	if err != nil {
		return domain.Node{}, false, fmt.Errorf("failed to upsert node: %w", err)
	}
	return stored, created, nil
}

func (r *graphRepository) GetNode(ctx context.Context, nodeID uuid.UUID) (domain.Node, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE node_id = $1`,
		nodeID,
	)
	node, err := scanNode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Node{}, domain.NotFoundf("node %s", nodeID)
	}
	if err != nil {
		return domain.Node{}, fmt.Errorf("failed to get node: %w", err)
	}
	return node, nil
}

func (r *graphRepository) FindNode(ctx context.Context, tenantID, namespace string, nodeType domain.NodeType, externalID string) (domain.Node, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE tenant_id = $1 AND namespace = $2 AND node_type = $3 AND external_id = $4`,
		tenantID, namespace, string(nodeType), externalID,
	)
	node, err := scanNode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Node{}, domain.NotFoundf("%s node %s/%s in tenant %s", nodeType, namespace, externalID, tenantID)
	}
	if err != nil {
		return domain.Node{}, fmt.Errorf("failed to find node: %w", err)
	}
	return node, nil
}

func (r *graphRepository) OpenEdge(ctx context.Context, edge domain.Edge) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO edges (edge_id, tenant_id, edge_type, from_node_id, to_node_id, properties, valid_from, valid_to)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULL)
		 ON CONFLICT (edge_id) DO NOTHING`,
		edge.EdgeID, edge.TenantID, string(edge.EdgeType), edge.FromNodeID,
		edge.ToNodeID, edge.Properties, edge.ValidFrom,
	)
	if err != nil {
		return false, fmt.Errorf("failed to open edge: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *graphRepository) CloseEdge(ctx context.Context, edgeID uuid.UUID, validTo time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE edges SET valid_to = $2 WHERE edge_id = $1 AND valid_to IS NULL`,
		edgeID, validTo,
	)
	if err != nil {
		return fmt.Errorf("failed to close edge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already closed or never opened; closing is idempotent.
		return nil
	}
	return nil
}

func (r *graphRepository) OpenEdgesFrom(ctx context.Context, fromNodeID uuid.UUID, edgeType domain.EdgeType) ([]domain.Edge, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+edgeColumns+` FROM edges
		 WHERE from_node_id = $1 AND edge_type = $2 AND valid_to IS NULL
		 ORDER BY valid_from`,
		fromNodeID, string(edgeType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list open edges: %w", err)
	}
	defer rows.Close()
	return collectEdges(rows)
}

func (r *graphRepository) EdgesTouching(ctx context.Context, nodeID uuid.UUID, at time.Time) ([]domain.Edge, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+edgeColumns+` FROM edges
		 WHERE (from_node_id = $1 OR to_node_id = $1)
		   AND valid_from <= $2
		   AND (valid_to IS NULL OR valid_to > $2)
		 ORDER BY valid_from, edge_id`,
		nodeID, at,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges touching node: %w", err)
	}
	defer rows.Close()
	return collectEdges(rows)
}

func scanNode(row pgx.Row) (domain.Node, error) {
	var node domain.Node
	var nodeType string
	if err := row.Scan(
		&node.NodeID,
		&node.TenantID,
		&node.Namespace,
		&nodeType,
		&node.ExternalID,
		&node.Properties,
		&node.FirstSeen,
		&node.LastSeen,
	); err != nil {
		return domain.Node{}, err
	}
	node.NodeType = domain.NodeType(nodeType)
	return node, nil
}

func scanNodeCreated(row pgx.Row) (domain.Node, bool, error) {
	var node domain.Node
	var nodeType string
	var created bool
	if err := row.Scan(
		&node.NodeID,
		&node.TenantID,
		&node.Namespace,
		&nodeType,
		&node.ExternalID,
		&node.Properties,
		&node.FirstSeen,
		&node.LastSeen,
		&created,
	); err != nil {
		return domain.Node{}, false, err
	}
	node.NodeType = domain.NodeType(nodeType)
	return node, created, nil
}

func scanEdge(row pgx.Row) (domain.Edge, error) {
	var edge domain.Edge
	var edgeType string
	var validTo pgtype.Timestamptz
	if err := row.Scan(
		&edge.EdgeID,
		&edge.TenantID,
		&edgeType,
		&edge.FromNodeID,
		&edge.ToNodeID,
		&edge.Properties,
		&edge.ValidFrom,
		&validTo,
	); err != nil {
		return domain.Edge{}, err
	}
	edge.EdgeType = domain.EdgeType(edgeType)
	if validTo.Valid {
		t := validTo.Time
		edge.ValidTo = &t
	}
	return edge, nil
}

func collectEdges(rows pgx.Rows) ([]domain.Edge, error) {
	edges := []domain.Edge{}
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate edges: %w", err)
	}
	return edges, nil
}
