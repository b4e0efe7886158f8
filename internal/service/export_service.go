package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/edutier-api/internal/dto"
	"github.com/noah-isme/edutier-api/internal/models"
	appErrors "github.com/noah-isme/edutier-api/pkg/errors"
	"github.com/noah-isme/edutier-api/pkg/export"
)

const (
	exportPageSize = maxRequestPageSize
	defaultMaxRows = 5000
)

type csvRenderer interface {
	Render(t export.Table) ([]byte, error)
}

type pdfRenderer interface {
	Render(t export.Table) ([]byte, error)
}

// ExportService renders approval request listings for offline audit.
type ExportService struct {
	approvals *ApprovalService
	csv       csvRenderer
	pdf       pdfRenderer
	logger    *zap.Logger
	maxRows   int
}

// NewExportService constructs an ExportService. Nil renderers fall back to the defaults.
func NewExportService(approvals *ApprovalService, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer, maxRows int) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	if maxRows <= 0 {
		maxRows = defaultMaxRows
	}
	return &ExportService{approvals: approvals, csv: csv, pdf: pdf, logger: logger, maxRows: maxRows}
}

// ExportRequests renders every request matching query that the caller may review.
func (s *ExportService) ExportRequests(ctx context.Context, p models.Principal, query dto.ApprovalQuery, format dto.ExportFormat) (*dto.ExportFile, error) {
	if p == nil {
		return nil, appErrors.ErrUnauthorized
	}
	target := query.InstitutionID
	if p.CallerRole().Track() == models.TrackInstitutional {
		target = p.CallerInstitutionID()
	}
	if err := s.approvals.authz.Require(p, ViewInstitutionAction(target)); err != nil {
		return nil, err
	}
	format = dto.ExportFormat(strings.ToLower(string(format)))
	if format == "" {
		format = dto.ExportFormatCSV
	}
	if format != dto.ExportFormatCSV && format != dto.ExportFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format %q", format))
	}

	now := s.approvals.now()
	table := export.Table{
		Title:       "Approval requests",
		GeneratedAt: now,
		Columns: []export.Column{
			{Title: "ID", Width: 2.4},
			{Title: "Institution", Width: 2.4},
			{Title: "Requestor", Width: 2.4},
			{Title: "Role", Width: 1.2},
			{Title: "Kind", Width: 1.2},
			{Title: "Status", Width: 1.2},
			{Title: "Submitted", Width: 1.5},
			{Title: "Reviewer", Width: 2.4},
			{Title: "Reviewed", Width: 1.5},
			{Title: "Documents", Width: 1},
			{Title: "Notes", Width: 3},
		},
	}

	query.InstitutionID = target
	query.PageSize = exportPageSize
	for page := 1; ; page++ {
		query.Page = page
		items, pagination, err := s.approvals.ListRequests(ctx, p, query)
		if err != nil {
			return nil, err
		}
		for _, req := range items {
			if len(table.Rows) >= s.maxRows {
				break
			}
			table.AddRow(requestRow(req)...)
		}
		if len(table.Rows) >= s.maxRows || page*pagination.PageSize >= pagination.TotalCount || len(items) == 0 {
			break
		}
	}

	var (
		body        []byte
		err         error
		contentType string
	)
	switch format {
	case dto.ExportFormatPDF:
		body, err = s.pdf.Render(table)
		contentType = "application/pdf"
	default:
		body, err = s.csv.Render(table)
		contentType = "text/csv"
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}

	s.logger.Info("approval requests exported",
		zap.String("subject", p.Subject()),
		zap.String("format", string(format)),
		zap.Int("rows", len(table.Rows)),
	)
	return &dto.ExportFile{
		Filename:    fmt.Sprintf("approval-requests-%s.%s", now.Format("20060102-150405"), format),
		ContentType: contentType,
		Body:        body,
	}, nil
}

func requestRow(req models.ApprovalRequest) []string {
	verified := 0
	for _, doc := range req.Documents {
		if doc.Verified {
			verified++
		}
	}
	return []string{
		req.ID,
		req.InstitutionID,
		req.RequestorID,
		string(req.RequestedRole),
		string(req.Kind),
		string(req.Status),
		req.SubmittedAt.UTC().Format(time.RFC3339),
		deref(req.ReviewerID),
		formatTime(req.ReviewedAt),
		fmt.Sprintf("%d/%d", verified, len(req.Documents)),
		deref(req.ReviewNotes),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
