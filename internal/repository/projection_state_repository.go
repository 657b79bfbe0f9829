package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/contextgraph/contextgraph/internal/domain"
)

// projectionStateRepository implements ProjectionStateRepository on Postgres.
type projectionStateRepository struct {
	pool *pgxpool.Pool
}

// NewProjectionStateRepository wires projection bookkeeping backed by pgxpool.
func NewProjectionStateRepository(pool *pgxpool.Pool) ProjectionStateRepository {
	return &projectionStateRepository{pool: pool}
}

func (r *projectionStateRepository) IsApplied(ctx context.Context, eventID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM projection_markers WHERE event_id = $1)`,
		eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check applied marker: %w", err)
	}
	return exists, nil
}

func (r *projectionStateRepository) MarkApplied(ctx context.Context, eventID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO projection_markers (event_id) VALUES ($1)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark event applied: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *projectionStateRepository) RecordFailure(ctx context.Context, failure domain.ProjectionFailure) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO projection_failures (event_id, tenant_id, run_id, reason)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id) DO UPDATE SET reason = EXCLUDED.reason, failed_at = NOW()`,
		failure.EventID, failure.TenantID, failure.RunID, failure.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to record projection failure: %w", err)
	}
	return nil
}

func (r *projectionStateRepository) ClearFailure(ctx context.Context, eventID uuid.UUID) error {
	if _, err := r.pool.Exec(ctx,
		`DELETE FROM projection_failures WHERE event_id = $1`,
		eventID,
	); err != nil {
		return fmt.Errorf("failed to clear projection failure: %w", err)
	}
	return nil
}

func (r *projectionStateRepository) ListFailures(ctx context.Context, tenantID, runID string) ([]domain.ProjectionFailure, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT event_id, tenant_id, run_id, reason FROM projection_failures
		 WHERE tenant_id = $1 AND run_id = $2
		 ORDER BY failed_at`,
		tenantID, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list projection failures: %w", err)
	}
	defer rows.Close()

	failures := []domain.ProjectionFailure{}
	for rows.Next() {
		var f domain.ProjectionFailure
		if err := rows.Scan(&f.EventID, &f.TenantID, &f.RunID, &f.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan projection failure: %w", err)
		}
		failures = append(failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate projection failures: %w", err)
	}
	return failures, nil
}

func (r *projectionStateRepository) RunHasFailures(ctx context.Context, tenantID, runID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM projection_failures WHERE tenant_id = $1 AND run_id = $2)`,
		tenantID, runID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check projection failures: %w", err)
	}
	return exists, nil
}
