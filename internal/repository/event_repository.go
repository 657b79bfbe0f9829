package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/contextgraph/contextgraph/internal/domain"
)

// eventRepository implements EventRepository on Postgres.
type eventRepository struct {
	pool *pgxpool.Pool
}

// NewEventRepository wires an event repository backed by pgxpool.
func NewEventRepository(pool *pgxpool.Pool) EventRepository {
	return &eventRepository{pool: pool}
}

const eventColumns = `event_id, tenant_id, run_id, position, event_type, schema_version, ts, actor, payload, prev_hash, hash`

// Append inserts the event and advances the tenant chain tip in one
// transaction. The tip row is locked FOR UPDATE, which is what serializes
// concurrent appends to the same tenant.
func (r *eventRepository) Append(ctx context.Context, event domain.Event) (domain.EventAck, error) {
	var ack domain.EventAck

	payloadJSON, actorJSON, err := encodeEventColumns(event)
	if err != nil {
		return ack, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return ack, fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Idempotent duplicate: return the stored acknowledgement.
	var storedHash string
	var storedPosition int64
	err = tx.QueryRow(ctx,
		`SELECT hash, position FROM events WHERE event_id = $1`,
		event.EventID,
	).Scan(&storedHash, &storedPosition)
	if err == nil {
		return domain.EventAck{EventID: event.EventID, Hash: storedHash, Position: storedPosition, Duplicate: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ack, fmt.Errorf("failed to check for duplicate event: %w", err)
	}

	// Ensure the tip row exists, then lock it.
	if _, err := tx.Exec(ctx,
		`INSERT INTO chain_tips (tenant_id, position, tip_hash) VALUES ($1, 0, $2)
		 ON CONFLICT (tenant_id) DO NOTHING`,
		event.TenantID, domain.GenesisHash,
	); err != nil {
		return ack, fmt.Errorf("failed to seed chain tip: %w", err)
	}

	var tipPosition int64
	var tipHash string
	if err := tx.QueryRow(ctx,
		`SELECT position, tip_hash FROM chain_tips WHERE tenant_id = $1 FOR UPDATE`,
		event.TenantID,
	).Scan(&tipPosition, &tipHash); err != nil {
		return ack, fmt.Errorf("failed to lock chain tip: %w", err)
	}

	if event.PrevHash != tipHash {
		return ack, domain.ValidationErrorf("prev_hash %s does not match chain tip %s for tenant %s", event.PrevHash, tipHash, event.TenantID)
	}

	position := tipPosition + 1
	if _, err := tx.Exec(ctx,
		`INSERT INTO events (event_id, tenant_id, run_id, position, event_type, schema_version, ts, actor, payload, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		event.EventID, event.TenantID, event.RunID, position, string(event.EventType),
		event.SchemaVersion, event.Timestamp, actorJSON, payloadJSON, event.PrevHash, event.Hash,
	); err != nil {
		return ack, fmt.Errorf("failed to insert event: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE chain_tips SET position = $2, tip_hash = $3, updated_at = NOW() WHERE tenant_id = $1`,
		event.TenantID, position, event.Hash,
	); err != nil {
		return ack, fmt.Errorf("failed to advance chain tip: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return ack, fmt.Errorf("failed to commit append: %w", err)
	}

	return domain.EventAck{EventID: event.EventID, Hash: event.Hash, Position: position}, nil
}

func (r *eventRepository) GetByID(ctx context.Context, eventID uuid.UUID) (domain.Event, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM events WHERE event_id = $1`,
		eventID,
	)
	event, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Event{}, domain.NotFoundf("event %s", eventID)
	}
	if err != nil {
		return domain.Event{}, fmt.Errorf("failed to get event: %w", err)
	}
	return event, nil
}

func (r *eventRepository) ListByRun(ctx context.Context, tenantID, runID string) ([]domain.Event, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE tenant_id = $1 AND run_id = $2
		 ORDER BY position`,
		tenantID, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list run events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (r *eventRepository) ListByTenant(ctx context.Context, tenantID string, fromPosition int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE tenant_id = $1 AND position > $2
		 ORDER BY position
		 LIMIT $3`,
		tenantID, fromPosition, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (r *eventRepository) ChainTip(ctx context.Context, tenantID string) (domain.ChainTip, error) {
	tip := domain.ChainTip{TenantID: tenantID, TipHash: domain.GenesisHash}
	var updated pgtype.Timestamptz
	err := r.pool.QueryRow(ctx,
		`SELECT position, tip_hash, updated_at FROM chain_tips WHERE tenant_id = $1`,
		tenantID,
	).Scan(&tip.Position, &tip.TipHash, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		// No events yet; the genesis tip is implicit.
		return tip, nil
	}
	if err != nil {
		return domain.ChainTip{}, fmt.Errorf("failed to get chain tip: %w", err)
	}
	if updated.Valid {
		tip.Updated = updated.Time
	}
	return tip, nil
}

func (r *eventRepository) Tenants(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT tenant_id FROM chain_tips ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, tenant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tenants: %w", err)
	}
	return tenants, nil
}

func encodeEventColumns(event domain.Event) (payloadJSON, actorJSON []byte, err error) {
	if event.Payload == nil {
		return nil, nil, domain.ValidationErrorf("event %s has no payload", event.EventID)
	}
	payloadJSON, err = json.Marshal(event.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if event.Actor != nil {
		actorJSON, err = json.Marshal(event.Actor)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal actor: %w", err)
		}
	}
	return payloadJSON, actorJSON, nil
}

func scanEvent(row pgx.Row) (domain.Event, error) {
	var (
		event      domain.Event
		eventType  string
		actorJSON  []byte
		payloadRaw []byte
	)
	if err := row.Scan(
		&event.EventID,
		&event.TenantID,
		&event.RunID,
		&event.Position,
		&eventType,
		&event.SchemaVersion,
		&event.Timestamp,
		&actorJSON,
		&payloadRaw,
		&event.PrevHash,
		&event.Hash,
	); err != nil {
		return domain.Event{}, err
	}

	event.EventType = domain.EventType(eventType)
	if len(actorJSON) > 0 {
		var actor domain.Actor
		if err := json.Unmarshal(actorJSON, &actor); err != nil {
			return domain.Event{}, fmt.Errorf("failed to decode actor: %w", err)
		}
		event.Actor = &actor
	}

	payload, err := domain.DecodePayload(event.EventType, payloadRaw)
	if err != nil {
		return domain.Event{}, err
	}
	event.Payload = payload
	return event, nil
}

func collectEvents(rows pgx.Rows) ([]domain.Event, error) {
	events := []domain.Event{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}
