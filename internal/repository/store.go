package repository

import (
	"context"
	"errors"
	"time"

	"github.com/noah-isme/edutier-api/internal/models"
)

// Sentinel store outcomes. Missing rows are reported as sql.ErrNoRows.
var (
	ErrDuplicatePending = errors.New("repository: open approval request already exists")
	ErrDuplicateEmail   = errors.New("repository: email already registered")
	ErrDuplicateCode    = errors.New("repository: institution code already registered")
	ErrStaleState       = errors.New("repository: row no longer in expected state")
)

// Headcount is the number of approved and active capacity-limited members of an institution.
type Headcount struct {
	Admins     int `db:"admins" json:"admins"`
	Moderators int `db:"moderators" json:"moderators"`
}

// Of returns the count for role, zero for roles without a limit.
func (h Headcount) Of(role models.Role) int {
	switch role {
	case models.RoleAdmin:
		return h.Admins
	case models.RoleModerator:
		return h.Moderators
	default:
		return 0
	}
}

// UpdateRequestStatusParams moves a request from one status to another.
// The update only applies while the stored status still equals From.
type UpdateRequestStatusParams struct {
	ID         string
	From       models.ApprovalStatus
	To         models.ApprovalStatus
	ReviewerID string
	Notes      *string
	ReviewedAt *time.Time
}

// UpdateUserApprovalParams carries the user-side effects of a decision.
type UpdateUserApprovalParams struct {
	UserID         string
	Role           *models.Role
	InstitutionID  *string
	ApprovalStatus models.ApprovalStatus
	UpdatedAt      time.Time
}

// UpdateInstitutionStatusParams moves an institution between verification states.
type UpdateInstitutionStatusParams struct {
	ID         string
	From       models.InstitutionStatus
	To         models.InstitutionStatus
	ReviewerID string
	Notes      *string
	ReviewedAt time.Time
}

// StoreTx is the view of the store handed to code running inside an
// institution's critical section. Reads observe writes made earlier in the same section.
type StoreTx interface {
	GetInstitution(ctx context.Context, id string) (*models.Institution, error)
	CountHeadcount(ctx context.Context, institutionID string) (Headcount, error)
	GetRequest(ctx context.Context, id string) (*models.ApprovalRequest, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	HasRejectedRequest(ctx context.Context, requestorID, institutionID string, role models.Role) (bool, error)

	CreateUser(ctx context.Context, user *models.User) error
	CreateRequest(ctx context.Context, req *models.ApprovalRequest) error
	UpdateRequestStatus(ctx context.Context, params UpdateRequestStatusParams) error
	UpdateUserApproval(ctx context.Context, params UpdateUserApprovalParams) error
	UpdateInstitutionStatus(ctx context.Context, params UpdateInstitutionStatusParams) error
	UpdateInstitutionSettings(ctx context.Context, id string, settings models.InstitutionSettings, at time.Time) error
	SetUserActive(ctx context.Context, userID string, active bool, at time.Time) error
	// SetDocumentVerified changes one document of a request that is still open.
	SetDocumentVerified(ctx context.Context, requestID string, position int, verified bool, by string, at time.Time) error
}

// ApprovalStore persists users, institutions and approval requests.
type ApprovalStore interface {
	StoreTx

	// WithinInstitution runs fn while holding the exclusive section for institutionID.
	// Writes made through tx become visible together when fn returns nil and are
	// discarded otherwise. Unknown institutions yield sql.ErrNoRows.
	WithinInstitution(ctx context.Context, institutionID string, fn func(tx StoreTx) error) error

	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error
	ListRequests(ctx context.Context, filter models.ApprovalFilter) ([]models.ApprovalRequest, int, error)
	ListMemberIDs(ctx context.Context, institutionID string, role models.Role) ([]string, error)
	CreateInstitution(ctx context.Context, inst *models.Institution) error
	ListInstitutions(ctx context.Context, filter models.InstitutionFilter) ([]models.Institution, int, error)
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

func normalizeLimit(limit, offset int) (int, int) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
