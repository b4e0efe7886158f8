package models

import "time"

// ApprovalStatus captures workflow states for approval requests and users.
type ApprovalStatus string

const (
	ApprovalStatusPending     ApprovalStatus = "PENDING"
	ApprovalStatusUnderReview ApprovalStatus = "UNDER_REVIEW"
	ApprovalStatusApproved    ApprovalStatus = "APPROVED"
	ApprovalStatusRejected    ApprovalStatus = "REJECTED"
)

// Open reports whether the status still awaits a decision.
func (s ApprovalStatus) Open() bool {
	return s == ApprovalStatusPending || s == ApprovalStatusUnderReview
}

// RequestKind distinguishes an account's own approval from a later role change.
type RequestKind string

const (
	RequestKindRegistration RequestKind = "REGISTRATION"
	RequestKindElevation    RequestKind = "ELEVATION"
)

// AdminType is informational metadata on admin requests.
type AdminType string

const (
	AdminTypePrimary   AdminType = "PRIMARY"
	AdminTypeSecondary AdminType = "SECONDARY"
)

// Document is a supporting file reference attached to a request.
type Document struct {
	Position   int        `db:"position" json:"position"`
	Name       string     `db:"name" json:"name"`
	Verified   bool       `db:"verified" json:"verified"`
	VerifiedBy *string    `db:"verified_by" json:"verified_by,omitempty"`
	VerifiedAt *time.Time `db:"verified_at" json:"verified_at,omitempty"`
}

// ApprovalRequest is a request to join an institution or change role within it.
type ApprovalRequest struct {
	ID            string         `db:"id" json:"id"`
	RequestorID   string         `db:"requestor_id" json:"requestor_id"`
	InstitutionID string         `db:"institution_id" json:"institution_id"`
	RequestedRole Role           `db:"requested_role" json:"requested_role"`
	Kind          RequestKind    `db:"kind" json:"kind"`
	AdminType     *AdminType     `db:"admin_type" json:"admin_type,omitempty"`
	Status        ApprovalStatus `db:"status" json:"status"`
	ReviewerID    *string        `db:"reviewer_id" json:"reviewer_id,omitempty"`
	ReviewNotes   *string        `db:"review_notes" json:"review_notes,omitempty"`
	SubmittedAt   time.Time      `db:"submitted_at" json:"submitted_at"`
	ReviewedAt    *time.Time     `db:"reviewed_at" json:"reviewed_at,omitempty"`
	Documents     []Document     `db:"-" json:"documents"`
}

// ApprovalFilter constrains listing queries.
type ApprovalFilter struct {
	Status        []ApprovalStatus
	InstitutionID string
	RequestorID   string
	RequestedRole Role
	Limit         int
	Offset        int
}
