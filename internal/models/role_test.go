package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/edutier-api/pkg/errors"
)

func TestRoleRanksAreTotalAndOrdered(t *testing.T) {
	roles := Roles()
	for i, role := range roles {
		assert.Equal(t, i+1, role.Rank(), role)
	}
	assert.Equal(t, 6, RoleSuperAdmin.Rank())
	assert.Equal(t, 0, Role("JANITOR").Rank())
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole(" admin ")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, role)

	_, err = ParseRole("principal")
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrInvalidRole))

	_, err = RankOf(Role("nope"))
	assert.True(t, errors.Is(err, appErrors.ErrInvalidRole))
}

func TestRoleTracks(t *testing.T) {
	assert.Equal(t, TrackPlatform, RoleSuperAdmin.Track())
	assert.Equal(t, TrackPlatform, RoleSuperModerator.Track())
	for _, role := range []Role{RoleAdmin, RoleModerator, RoleInstructor, RoleStudent} {
		assert.Equal(t, TrackInstitutional, role.Track())
	}
	assert.True(t, RoleAdmin.CapacityLimited())
	assert.True(t, RoleModerator.CapacityLimited())
	assert.False(t, RoleInstructor.CapacityLimited())
}

func TestPrincipalFromClaims(t *testing.T) {
	p, err := PrincipalFromClaims(&JWTClaims{UserID: "su", Role: RoleSuperAdmin})
	require.NoError(t, err)
	assert.IsType(t, PlatformPrincipal{}, p)
	assert.Empty(t, p.CallerInstitutionID())
	assert.False(t, p.Limited())

	p, err = PrincipalFromClaims(&JWTClaims{UserID: "u1", Role: RoleAdmin, InstitutionID: "inst-1", ApprovalStatus: ApprovalStatusPending})
	require.NoError(t, err)
	assert.IsType(t, InstitutionPrincipal{}, p)
	assert.Equal(t, "inst-1", p.CallerInstitutionID())
	assert.True(t, p.Limited())

	_, err = PrincipalFromClaims(&JWTClaims{UserID: "u2", Role: RoleStudent})
	assert.True(t, errors.Is(err, appErrors.ErrUnauthorized))

	_, err = PrincipalFromClaims(&JWTClaims{UserID: "u3", Role: Role("GOD")})
	assert.True(t, errors.Is(err, appErrors.ErrInvalidRole))
}

func TestInstitutionSettingsLimit(t *testing.T) {
	s := InstitutionSettings{MaxAdmins: 2, MaxModerators: 5}
	assert.Equal(t, 2, s.Limit(RoleAdmin))
	assert.Equal(t, 5, s.Limit(RoleModerator))
	assert.Equal(t, -1, s.Limit(RoleStudent))
}

func TestFeatureFlagsScan(t *testing.T) {
	var f FeatureFlags
	require.NoError(t, f.Scan([]byte(`{"quizzes":true}`)))
	assert.True(t, f["quizzes"])
	require.NoError(t, f.Scan(nil))
	assert.Empty(t, f)
	assert.Error(t, f.Scan(42))
}
