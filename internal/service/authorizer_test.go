package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/edutier-api/internal/models"
	appErrors "github.com/noah-isme/edutier-api/pkg/errors"
)

func TestAuthorizeRankAndScope(t *testing.T) {
	authz := NewAuthorizer()

	cases := []struct {
		name        string
		role        models.Role
		institution string
		action      Action
		allowed     bool
	}{
		{"moderator reviews student in own institution", models.RoleModerator, "inst-a", ReviewRequestAction(models.RoleStudent, "inst-a"), true},
		{"moderator cannot review admin request", models.RoleModerator, "inst-a", ReviewRequestAction(models.RoleAdmin, "inst-a"), false},
		{"moderator cannot review moderator request", models.RoleModerator, "inst-a", ReviewRequestAction(models.RoleModerator, "inst-a"), false},
		{"admin reviews admin request", models.RoleAdmin, "inst-a", ReviewRequestAction(models.RoleAdmin, "inst-a"), true},
		{"admin of other institution", models.RoleAdmin, "inst-b", ReviewRequestAction(models.RoleStudent, "inst-a"), false},
		{"institutional caller without institution", models.RoleAdmin, "", ReviewRequestAction(models.RoleStudent, "inst-a"), false},
		{"super admin bypasses scope", models.RoleSuperAdmin, "", ReviewRequestAction(models.RoleAdmin, "inst-x"), true},
		{"super moderator reviews institutions", models.RoleSuperModerator, "", ReviewInstitutionAction(), true},
		{"admin cannot review institutions", models.RoleAdmin, "inst-a", ReviewInstitutionAction(), false},
		{"super moderator cannot update limits", models.RoleSuperModerator, "", UpdateLimitsAction(), false},
		{"instructor views own institution profile", models.RoleInstructor, "inst-a", ViewInstitutionProfileAction("inst-a"), true},
		{"student cannot view counts", models.RoleStudent, "inst-a", ViewInstitutionAction("inst-a"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision, err := authz.Authorize(tc.role, tc.institution, tc.action)
			require.NoError(t, err)
			assert.Equal(t, tc.allowed, decision.Allowed, decision.Reason)
			assert.NotEmpty(t, decision.Reason)
		})
	}
}

func TestAuthorizeModeratorDeniedAdminElevation(t *testing.T) {
	decision, err := NewAuthorizer().Authorize(models.RoleModerator, "inst-a", ReviewRequestAction(models.RoleAdmin, "inst-a"))
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "requires rank 4")
}

func TestAuthorizePlatformCallerWithoutInstitution(t *testing.T) {
	p, err := models.NewPlatformPrincipal("root", models.RoleSuperAdmin)
	require.NoError(t, err)

	decision, err := NewAuthorizer().AuthorizePrincipal(p, ReviewRequestAction(models.RoleAdmin, "inst-x"))
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestAuthorizeUnknownRole(t *testing.T) {
	_, err := NewAuthorizer().Authorize(models.Role("JANITOR"), "inst-a", ViewOwnRequestsAction())
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrInvalidRole)
}

func TestAuthorizeLimitedPrincipal(t *testing.T) {
	authz := NewAuthorizer()
	p, err := models.NewInstitutionPrincipal("u-1", models.RoleAdmin, "inst-a", models.ApprovalStatusPending)
	require.NoError(t, err)

	decision, err := authz.AuthorizePrincipal(p, ReviewRequestAction(models.RoleStudent, "inst-a"))
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "until the account is approved")

	decision, err = authz.AuthorizePrincipal(p, SubmitRequestAction())
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	err = authz.Require(p, SetMemberActiveAction("inst-a"))
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
}

func TestAuthorizeNilPrincipal(t *testing.T) {
	_, err := NewAuthorizer().AuthorizePrincipal(nil, ViewOwnRequestsAction())
	assert.ErrorIs(t, err, appErrors.ErrUnauthorized)
}
