package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/contextgraph/contextgraph/internal/domain"
)

// decisionRecordRepository implements DecisionRecordRepository on Postgres.
type decisionRecordRepository struct {
	pool *pgxpool.Pool
}

// NewDecisionRecordRepository wires a decision record repository backed by
// pgxpool.
func NewDecisionRecordRepository(pool *pgxpool.Pool) DecisionRecordRepository {
	return &decisionRecordRepository{pool: pool}
}

const decisionColumns = `decision_id, tenant_id, run_id, ts, outcome, outcome_reason, actor, subject, evidence, policies, approvals, actions, precedent_refs, referenced_by, terminal, incomplete, updated_at`

// Upsert replaces the stored record wholesale. Materialization is
// deterministic over the run prefix, so last-write-wins is safe; the
// referenced_by column is preserved because it is maintained out of band by
// AddReferencedBy.
func (r *decisionRecordRepository) Upsert(ctx context.Context, record domain.DecisionRecord) error {
	cols, err := encodeDecisionColumns(record)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO decision_records (decision_id, tenant_id, run_id, ts, outcome, outcome_reason, actor, subject, evidence, policies, approvals, actions, precedent_refs, referenced_by, terminal, incomplete, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW())
		 ON CONFLICT (decision_id) DO UPDATE SET
		 	tenant_id = EXCLUDED.tenant_id,
		 	run_id = EXCLUDED.run_id,
		 	ts = EXCLUDED.ts,
		 	outcome = EXCLUDED.outcome,
		 	outcome_reason = EXCLUDED.outcome_reason,
		 	actor = EXCLUDED.actor,
		 	subject = EXCLUDED.subject,
		 	evidence = EXCLUDED.evidence,
		 	policies = EXCLUDED.policies,
		 	approvals = EXCLUDED.approvals,
		 	actions = EXCLUDED.actions,
		 	precedent_refs = EXCLUDED.precedent_refs,
		 	terminal = EXCLUDED.terminal,
		 	incomplete = EXCLUDED.incomplete,
		 	updated_at = NOW()`,
		record.DecisionID, record.TenantID, record.RunID, record.Timestamp,
		string(record.Outcome), record.OutcomeReason,
		cols.actor, cols.subject, cols.evidence, cols.policies, cols.approvals,
		cols.actions, cols.precedentRefs, cols.referencedBy,
		record.Terminal, record.Incomplete,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert decision record: %w", err)
	}
	return nil
}

func (r *decisionRecordRepository) GetByID(ctx context.Context, decisionID string) (domain.DecisionRecord, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM decision_records WHERE decision_id = $1`,
		decisionID,
	)
	record, err := scanDecisionRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DecisionRecord{}, domain.NotFoundf("decision %s", decisionID)
	}
	if err != nil {
		return domain.DecisionRecord{}, fmt.Errorf("failed to get decision record: %w", err)
	}
	return record, nil
}

func (r *decisionRecordRepository) ListByRun(ctx context.Context, tenantID, runID string) ([]domain.DecisionRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+decisionColumns+` FROM decision_records
		 WHERE tenant_id = $1 AND run_id = $2
		 ORDER BY ts, decision_id`,
		tenantID, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list run decision records: %w", err)
	}
	defer rows.Close()
	return collectDecisionRecords(rows)
}

func (r *decisionRecordRepository) AddReferencedBy(ctx context.Context, decisionID, byDecisionID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE decision_records
		 SET referenced_by = (
		 	SELECT COALESCE(jsonb_agg(DISTINCT ref ORDER BY ref), '[]'::jsonb)
		 	FROM jsonb_array_elements_text(referenced_by || to_jsonb($2::text)) AS ref
		 ), updated_at = NOW()
		 WHERE decision_id = $1`,
		decisionID, byDecisionID,
	)
	if err != nil {
		return fmt.Errorf("failed to add decision reference: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("decision %s", decisionID)
	}
	return nil
}

// Search applies the filter's exact-match predicates in SQL. Collection
// predicates use JSONB containment so the indexes on the arrays can serve
// them. Results come back most recent first, ties broken by decision_id.
func (r *decisionRecordRepository) Search(ctx context.Context, tenantID string, filter domain.PrecedentFilter) ([]domain.DecisionRecord, error) {
	query := `SELECT ` + decisionColumns + ` FROM decision_records WHERE tenant_id = $1`
	args := []any{tenantID}

	if filter.Outcome != "" {
		args = append(args, string(filter.Outcome))
		query += fmt.Sprintf(" AND outcome = $%d", len(args))
	}
	if filter.PolicyID != "" {
		policy := map[string]string{"policy_id": filter.PolicyID}
		if filter.PolicyVersion != "" {
			policy["policy_version"] = filter.PolicyVersion
		}
		probe, err := json.Marshal([]map[string]string{policy})
		if err != nil {
			return nil, fmt.Errorf("failed to build policy predicate: %w", err)
		}
		args = append(args, probe)
		query += fmt.Sprintf(" AND policies @> $%d", len(args))
	} else if filter.PolicyVersion != "" {
		probe, err := json.Marshal([]map[string]string{{"policy_version": filter.PolicyVersion}})
		if err != nil {
			return nil, fmt.Errorf("failed to build policy predicate: %w", err)
		}
		args = append(args, probe)
		query += fmt.Sprintf(" AND policies @> $%d", len(args))
	}
	if filter.ApproverID != "" {
		probe, err := json.Marshal([]map[string]string{{"approver_id": filter.ApproverID}})
		if err != nil {
			return nil, fmt.Errorf("failed to build approver predicate: %w", err)
		}
		args = append(args, probe)
		query += fmt.Sprintf(" AND approvals @> $%d", len(args))
	}
	if filter.Tool != "" {
		probe, err := json.Marshal([]map[string]string{{"tool": filter.Tool}})
		if err != nil {
			return nil, fmt.Errorf("failed to build tool predicate: %w", err)
		}
		args = append(args, probe)
		query += fmt.Sprintf(" AND actions @> $%d", len(args))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = domain.DefaultPrecedentLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY ts DESC, decision_id ASC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search decision records: %w", err)
	}
	defer rows.Close()
	return collectDecisionRecords(rows)
}

type decisionJSONColumns struct {
	actor         []byte
	subject       []byte
	evidence      []byte
	policies      []byte
	approvals     []byte
	actions       []byte
	precedentRefs []byte
	referencedBy  []byte
}

func encodeDecisionColumns(record domain.DecisionRecord) (decisionJSONColumns, error) {
	var cols decisionJSONColumns
	var err error

	if record.Actor != nil {
		if cols.actor, err = json.Marshal(record.Actor); err != nil {
			return cols, fmt.Errorf("failed to marshal actor: %w", err)
		}
	}
	marshals := []struct {
		name string
		dst  *[]byte
		src  any
	}{
		{"subject", &cols.subject, emptySlice(record.Subject)},
		{"evidence", &cols.evidence, emptySlice(record.Evidence)},
		{"policies", &cols.policies, emptySlice(record.Policies)},
		{"approvals", &cols.approvals, emptySlice(record.Approvals)},
		{"actions", &cols.actions, emptySlice(record.Actions)},
		{"precedent_refs", &cols.precedentRefs, emptySlice(record.PrecedentRefs)},
		{"referenced_by", &cols.referencedBy, emptySlice(record.ReferencedBy)},
	}
	for _, m := range marshals {
		if *m.dst, err = json.Marshal(m.src); err != nil {
			return cols, fmt.Errorf("failed to marshal %s: %w", m.name, err)
		}
	}
	return cols, nil
}

// emptySlice keeps nil slices encoding as [] instead of null so JSONB
// containment predicates behave.
func emptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func scanDecisionRecord(row pgx.Row) (domain.DecisionRecord, error) {
	var (
		record    domain.DecisionRecord
		outcome   string
		actorJSON []byte
		subject   []byte
		evidence  []byte
		policies  []byte
		approvals []byte
		actions   []byte
		precRefs  []byte
		refBy     []byte
	)
	if err := row.Scan(
		&record.DecisionID,
		&record.TenantID,
		&record.RunID,
		&record.Timestamp,
		&outcome,
		&record.OutcomeReason,
		&actorJSON,
		&subject,
		&evidence,
		&policies,
		&approvals,
		&actions,
		&precRefs,
		&refBy,
		&record.Terminal,
		&record.Incomplete,
		&record.UpdatedAt,
	); err != nil {
		return domain.DecisionRecord{}, err
	}

	record.Outcome = domain.Outcome(outcome)
	if len(actorJSON) > 0 {
		var actor domain.Actor
		if err := json.Unmarshal(actorJSON, &actor); err != nil {
			return domain.DecisionRecord{}, fmt.Errorf("failed to decode actor: %w", err)
		}
		record.Actor = &actor
	}
	unmarshals := []struct {
		name string
		src  []byte
		dst  any
	}{
		{"subject", subject, &record.Subject},
		{"evidence", evidence, &record.Evidence},
		{"policies", policies, &record.Policies},
		{"approvals", approvals, &record.Approvals},
		{"actions", actions, &record.Actions},
		{"precedent_refs", precRefs, &record.PrecedentRefs},
		{"referenced_by", refBy, &record.ReferencedBy},
	}
	for _, u := range unmarshals {
		if len(u.src) == 0 {
			continue
		}
		if err := json.Unmarshal(u.src, u.dst); err != nil {
			return domain.DecisionRecord{}, fmt.Errorf("failed to decode %s: %w", u.name, err)
		}
	}
	return record, nil
}

func collectDecisionRecords(rows pgx.Rows) ([]domain.DecisionRecord, error) {
	records := []domain.DecisionRecord{}
	for rows.Next() {
		record, err := scanDecisionRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate decision records: %w", err)
	}
	return records, nil
}
