package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/edutier-api/internal/models"
	"github.com/noah-isme/edutier-api/internal/repository"
	appErrors "github.com/noah-isme/edutier-api/pkg/errors"
)

func TestCapacityGuardWouldExceed(t *testing.T) {
	store := repository.NewMemoryStore()
	inst := seedInstitution(t, store, models.InstitutionStatusVerified, 2, 1)
	guard := NewCapacityGuard(store, 0)
	ctx := context.Background()

	exceeded, err := guard.WouldExceed(ctx, inst.ID, models.RoleAdmin)
	require.NoError(t, err)
	assert.False(t, exceeded)

	seedUser(t, store, models.RoleAdmin, inst.ID, models.ApprovalStatusApproved)
	seedUser(t, store, models.RoleAdmin, inst.ID, models.ApprovalStatusApproved)
	seedUser(t, store, models.RoleModerator, inst.ID, models.ApprovalStatusPending)

	exceeded, err = guard.WouldExceed(ctx, inst.ID, models.RoleAdmin)
	require.NoError(t, err)
	assert.True(t, exceeded)

	exceeded, err = guard.WouldExceed(ctx, inst.ID, models.RoleModerator)
	require.NoError(t, err)
	assert.False(t, exceeded, "pending moderators do not occupy a slot")
}

func TestCapacityGuardWouldExceedIsIdempotent(t *testing.T) {
	store := repository.NewMemoryStore()
	inst := seedInstitution(t, store, models.InstitutionStatusVerified, 2, 5)
	seedUser(t, store, models.RoleAdmin, inst.ID, models.ApprovalStatusApproved)
	guard := NewCapacityGuard(store, 0)

	before, err := store.CountHeadcount(context.Background(), inst.ID)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		exceeded, err := guard.WouldExceed(context.Background(), inst.ID, models.RoleAdmin)
		require.NoError(t, err)
		assert.False(t, exceeded)
	}
	after, err := store.CountHeadcount(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCapacityGuardUnlimitedRoles(t *testing.T) {
	store := repository.NewMemoryStore()
	guard := NewCapacityGuard(store, 0)

	for _, role := range []models.Role{models.RoleStudent, models.RoleInstructor, models.RoleSuperAdmin} {
		exceeded, err := guard.WouldExceed(context.Background(), "missing", role)
		require.NoError(t, err)
		assert.False(t, exceeded)
	}
}

func TestCapacityGuardErrors(t *testing.T) {
	guard := NewCapacityGuard(repository.NewMemoryStore(), 0)

	_, err := guard.WouldExceed(context.Background(), "missing", models.RoleAdmin)
	assert.ErrorIs(t, err, appErrors.ErrInstitutionNotFound)

	_, err = guard.WouldExceed(context.Background(), "missing", models.Role("OWNER"))
	assert.ErrorIs(t, err, appErrors.ErrInvalidRole)
}

func TestCapacityGuardCheckMessage(t *testing.T) {
	store := repository.NewMemoryStore()
	inst := seedInstitution(t, store, models.InstitutionStatusVerified, 2, 5)
	seedUser(t, store, models.RoleAdmin, inst.ID, models.ApprovalStatusApproved)
	seedUser(t, store, models.RoleAdmin, inst.ID, models.ApprovalStatusApproved)
	guard := NewCapacityGuard(store, 0)

	err := guard.Check(context.Background(), store, inst.ID, models.RoleAdmin)
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrCapacityExceeded)
	assert.Equal(t, "admin limit reached: 2/2", err.Error())
}
