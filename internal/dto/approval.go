package dto

import "github.com/noah-isme/edutier-api/internal/models"

// SubmitApprovalRequest is the payload for asking to join an institution or change role within it.
type SubmitApprovalRequest struct {
	InstitutionID string            `json:"institutionId" validate:"required"`
	RequestedRole models.Role       `json:"requestedRole" validate:"required"`
	AdminType     *models.AdminType `json:"adminType,omitempty" validate:"omitempty,oneof=PRIMARY SECONDARY"`
	Documents     []string          `json:"documents" validate:"omitempty,max=20,dive,required,max=255"`
}

// TransitionRequest applies one event to a request or institution.
type TransitionRequest struct {
	Event models.Event `json:"event" validate:"required"`
	Notes string       `json:"notes" validate:"max=2000"`
}

// BulkRequest applies the same event to many targets.
type BulkRequest struct {
	IDs   []string     `json:"ids" validate:"required,min=1,dive,required"`
	Event models.Event `json:"event" validate:"required"`
	Notes string       `json:"notes" validate:"max=2000"`
}

// BulkFailure describes one target that did not transition.
type BulkFailure struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// BulkResult lists every input id exactly once, either as succeeded or failed.
type BulkResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// DocumentVerifyRequest toggles the reviewer-set verified flag on an attached document.
type DocumentVerifyRequest struct {
	Verified bool `json:"verified"`
}

// ApprovalQuery mirrors supported listing filters.
type ApprovalQuery struct {
	Status        []models.ApprovalStatus
	InstitutionID string
	RequestorID   string
	RequestedRole models.Role
	Page          int
	PageSize      int
}

// ExportFormat selects the audit export encoding.
type ExportFormat string

const (
	ExportFormatCSV ExportFormat = "csv"
	ExportFormatPDF ExportFormat = "pdf"
)

// ExportFile is a rendered export ready to stream.
type ExportFile struct {
	Filename    string
	ContentType string
	Body        []byte
}

// TransitionResult reports the committed status change of one target.
type TransitionResult struct {
	Entity      models.EntityKind       `json:"entity"`
	ID          string                  `json:"id"`
	From        string                  `json:"from"`
	To          string                  `json:"to"`
	Request     *models.ApprovalRequest `json:"request,omitempty"`
	Institution *models.Institution     `json:"institution,omitempty"`
}
