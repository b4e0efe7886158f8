package service

import "github.com/noah-isme/edutier-api/internal/models"

// Action describes what a caller is attempting and the rank and scope it requires.
type Action struct {
	Name                string
	MinRank             int
	InstitutionScoped   bool
	TargetInstitutionID string
	AllowLimited        bool
}

// Action names used in decisions, logs and metrics.
const (
	ActionReviewMemberRequest    = "review_member_request"
	ActionReviewModeratorRequest = "review_moderator_request"
	ActionReviewAdminRequest     = "review_admin_request"
	ActionReviewInstitution      = "review_institution"
	ActionUpdateLimits           = "update_institution_limits"
	ActionViewInstitution        = "view_institution"
	ActionViewInstitutionProfile = "view_institution_profile"
	ActionListInstitutions       = "list_institutions"
	ActionSetMemberActive        = "set_member_active"
	ActionVerifyDocument         = "verify_document"
	ActionSubmitRequest          = "submit_request"
	ActionViewOwnRequests        = "view_own_requests"
)

// ReviewRequestAction is the action for deciding a request for requestedRole at institutionID.
func ReviewRequestAction(requestedRole models.Role, institutionID string) Action {
	action := Action{
		Name:                ActionReviewMemberRequest,
		MinRank:             models.RoleModerator.Rank(),
		InstitutionScoped:   true,
		TargetInstitutionID: institutionID,
	}
	switch requestedRole {
	case models.RoleModerator:
		action.Name = ActionReviewModeratorRequest
		action.MinRank = models.RoleAdmin.Rank()
	case models.RoleAdmin:
		action.Name = ActionReviewAdminRequest
		action.MinRank = models.RoleAdmin.Rank()
	}
	return action
}

// ReviewInstitutionAction covers verify, reject, suspend, reactivate and reopen.
func ReviewInstitutionAction() Action {
	return Action{Name: ActionReviewInstitution, MinRank: models.RoleSuperModerator.Rank()}
}

// UpdateLimitsAction changes an institution's capacity settings.
func UpdateLimitsAction() Action {
	return Action{Name: ActionUpdateLimits, MinRank: models.RoleSuperAdmin.Rank()}
}

// ViewInstitutionAction reads counts and requests of one institution.
func ViewInstitutionAction(institutionID string) Action {
	return Action{
		Name:                ActionViewInstitution,
		MinRank:             models.RoleModerator.Rank(),
		InstitutionScoped:   true,
		TargetInstitutionID: institutionID,
	}
}

// ViewInstitutionProfileAction reads the institution record itself; members may see their own.
func ViewInstitutionProfileAction(institutionID string) Action {
	return Action{
		Name:                ActionViewInstitutionProfile,
		MinRank:             models.RoleStudent.Rank(),
		InstitutionScoped:   true,
		TargetInstitutionID: institutionID,
		AllowLimited:        true,
	}
}

// ListInstitutionsAction browses every institution on the platform.
func ListInstitutionsAction() Action {
	return Action{Name: ActionListInstitutions, MinRank: models.RoleSuperModerator.Rank()}
}

// SetMemberActiveAction suspends or reactivates a member of institutionID.
func SetMemberActiveAction(institutionID string) Action {
	return Action{
		Name:                ActionSetMemberActive,
		MinRank:             models.RoleAdmin.Rank(),
		InstitutionScoped:   true,
		TargetInstitutionID: institutionID,
	}
}

// VerifyDocumentAction flags a supporting document as checked.
func VerifyDocumentAction(institutionID string) Action {
	return Action{
		Name:                ActionVerifyDocument,
		MinRank:             models.RoleModerator.Rank(),
		InstitutionScoped:   true,
		TargetInstitutionID: institutionID,
	}
}

// SubmitRequestAction is available to limited accounts.
func SubmitRequestAction() Action {
	return Action{Name: ActionSubmitRequest, MinRank: models.RoleStudent.Rank(), AllowLimited: true}
}

// ViewOwnRequestsAction is available to limited accounts.
func ViewOwnRequestsAction() Action {
	return Action{Name: ActionViewOwnRequests, MinRank: models.RoleStudent.Rank(), AllowLimited: true}
}
