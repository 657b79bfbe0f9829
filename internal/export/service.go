// Package export writes audit workbooks for decision records. Auditors get
// one xlsx per export: a summary sheet over the matched decisions plus one
// provenance sheet per decision.
package export

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/contextgraph/contextgraph/internal/domain"
	"github.com/contextgraph/contextgraph/internal/repository"
)

// Service produces audit workbooks from the decision record store.
type Service struct {
	records repository.DecisionRecordRepository

	exportDir string
	now       func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithExportDirectory overrides where finished workbooks land.
func WithExportDirectory(dir string) Option {
	return func(s *Service) {
		if strings.TrimSpace(dir) != "" {
			s.exportDir = filepath.Clean(dir)
		}
	}
}

// NewService creates an export service.
func NewService(records repository.DecisionRecordRepository, opts ...Option) *Service {
	service := &Service{
		records:   records,
		exportDir: filepath.Join(os.TempDir(), "contextgraph-exports"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// ExportAuditWorkbook writes a workbook covering every decision record that
// matches the filter and returns its path. The file is written to a
// temporary name and renamed on completion, so a path that exists is always
// a complete workbook.
func (s *Service) ExportAuditWorkbook(ctx context.Context, tenantID string, filter domain.PrecedentFilter) (string, error) {
	records, err := s.records.Search(ctx, tenantID, filter)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", domain.NotFoundf("no decision records match the export filter for tenant %s", tenantID)
	}

	workbook, err := buildWorkbook(records)
	if err != nil {
		return "", err
	}
	defer func() { _ = workbook.Close() }()

	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	finalPath := filepath.Join(s.exportDir, fmt.Sprintf("audit-%s-%s.xlsx", tenantID, s.now().UTC().Format("20060102-150405")))
	tempPath := finalPath + ".tmp-" + uuid.NewString()

	if err := workbook.SaveAs(tempPath); err != nil {
		return "", fmt.Errorf("failed to write workbook: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("failed to finalize workbook: %w", err)
	}

	log.Printf("[export] wrote audit workbook %s (%d decisions)", finalPath, len(records))
	return finalPath, nil
}

const summarySheet = "Decisions"

var summaryHeader = []string{
	"Decision ID", "Run ID", "Tenant", "Timestamp", "Outcome", "Outcome Reason",
	"Actor", "Evidence", "Policies", "Approvals", "Actions", "Terminal", "Incomplete",
}

func buildWorkbook(records []domain.DecisionRecord) (*excelize.File, error) {
	workbook := excelize.NewFile()
	if err := workbook.SetSheetName(workbook.GetSheetName(0), summarySheet); err != nil {
		return nil, fmt.Errorf("failed to name summary sheet: %w", err)
	}

	if err := writeRow(workbook, summarySheet, 1, toCells(summaryHeader)); err != nil {
		return nil, err
	}
	for i, record := range records {
		actor := ""
		if record.Actor != nil {
			actor = fmt.Sprintf("%s:%s", record.Actor.Kind, record.Actor.ID)
		}
		row := []any{
			record.DecisionID, record.RunID, record.TenantID,
			record.Timestamp.UTC().Format(time.RFC3339), string(record.Outcome),
			record.OutcomeReason, actor,
			len(record.Evidence), len(record.Policies), len(record.Approvals),
			len(record.Actions), record.Terminal, record.Incomplete,
		}
		if err := writeRow(workbook, summarySheet, i+2, row); err != nil {
			return nil, err
		}
	}

	for i, record := range records {
		if err := addDecisionSheet(workbook, i, record); err != nil {
			return nil, err
		}
	}
	return workbook, nil
}

// addDecisionSheet writes one decision's full provenance chain. Sheet names
// are prefixed with an index because xlsx caps sheet names at 31 characters
// and decision ids routinely exceed that.
func addDecisionSheet(workbook *excelize.File, index int, record domain.DecisionRecord) (err error) {
	sheet := fmt.Sprintf("D%02d %s", index+1, record.DecisionID)
	if len(sheet) > 31 {
		sheet = sheet[:31]
	}
	if _, err := workbook.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to add sheet for decision %s: %w", record.DecisionID, err)
	}

	row := 1
	write := func(cells []any) {
		if err == nil {
			err = writeRow(workbook, sheet, row, cells)
			row++
		}
	}

	write([]any{"Decision", record.DecisionID, string(record.Outcome), record.OutcomeReason})
	write(nil)

	write([]any{"Evidence", "Source", "Tool", "Entity", "Observed At"})
	for _, ev := range record.Evidence {
		entity := ""
		if ev.EntityRef != nil {
			entity = ev.EntityRef.Namespace + "/" + ev.EntityRef.ExternalID
		}
		write([]any{ev.EvidenceID, ev.Source, ev.ToolName, entity, ev.ObservedAt.UTC().Format(time.RFC3339)})
	}
	write(nil)

	write([]any{"Policy", "Version", "Result", "Message", "Evaluated At"})
	for _, pol := range record.Policies {
		write([]any{pol.PolicyID, pol.PolicyVersion, string(pol.Result), pol.Message, pol.EvaluatedAt.UTC().Format(time.RFC3339)})
	}
	write(nil)

	write([]any{"Approval", "Approver", "Granted", "Reason", "Resolved At"})
	for _, appr := range record.Approvals {
		granted := "pending"
		if appr.Granted != nil {
			granted = fmt.Sprintf("%t", *appr.Granted)
		}
		resolved := ""
		if appr.ResolvedAt != nil {
			resolved = appr.ResolvedAt.UTC().Format(time.RFC3339)
		}
		write([]any{appr.ApprovalID, appr.ApproverID, granted, appr.Reason, resolved})
	}
	write(nil)

	write([]any{"Action", "Tool", "Operation", "Target", "Success", "Committed At"})
	for _, act := range record.Actions {
		target := ""
		if act.TargetEntity != nil {
			target = act.TargetEntity.Namespace + "/" + act.TargetEntity.ExternalID
		}
		write([]any{act.ActionID, act.Tool, act.Operation, target, act.Success, act.CommittedAt.UTC().Format(time.RFC3339)})
	}
	return err
}

func writeRow(workbook *excelize.File, sheet string, row int, cells []any) error {
	if len(cells) == 0 {
		return nil
	}
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("failed to compute cell name: %w", err)
	}
	if err := workbook.SetSheetRow(sheet, cell, &cells); err != nil {
		return fmt.Errorf("failed to write row %d of %s: %w", row, sheet, err)
	}
	return nil
}

func toCells(values []string) []any {
	cells := make([]any, len(values))
	for i, v := range values {
		cells[i] = v
	}
	return cells
}
