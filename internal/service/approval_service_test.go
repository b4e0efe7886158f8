package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/edutier-api/internal/dto"
	"github.com/noah-isme/edutier-api/internal/models"
	"github.com/noah-isme/edutier-api/internal/repository"
	appErrors "github.com/noah-isme/edutier-api/pkg/errors"
)

func TestApproveAdminUntilCapacity(t *testing.T) {
	svc, store, _ := newApprovalFixture(t, defaultEngineConfig())
	ctx := context.Background()
	inst := seedInstitution(t, store, models.InstitutionStatusVerified, 2, 5)
	seedUser(t, store, models.RoleAdmin, inst.ID, models.ApprovalStatusApproved)
	reviewer := superAdmin(t, store)

	_, second := pendingMember(t, store, inst.ID, models.RoleAdmin)
	result, err := svc.Transition(ctx, reviewer, models.EntityApprovalRequest, second.ID, models.EventApprove, "welcome")
	require.NoError(t, err)
	assert.Equal(t, string(models.ApprovalStatusApproved), result.To)

	counts, err := store.CountHeadcount(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Admins)

	thirdUser, third := pendingMember(t, store, inst.ID, models.RoleAdmin)
	_, err = svc.Transition(ctx, reviewer, models.EntityApprovalRequest, third.ID, models.EventApprove, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrCapacityExceeded)
	assert.Equal(t, "admin limit reached: 2/2", err.Error())

	counts, err = store.CountHeadcount(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Admins)

	stored, err := store.GetRequest(ctx, third.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusPending, stored.Status)
	user, err := store.GetUser(ctx, thirdUser.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusPending, user.ApprovalStatus)
}

func TestConcurrentApprovalsNeverExceedCapacity(t *testing.T) {
	svc, store, _ := newApprovalFixture(t, defaultEngineConfig())
	inst := seedInstitution(t, store, models.InstitutionStatusVerified, 2, 5)
	reviewer := superAdmin(t, store)

	requests := make([]*models.ApprovalRequest, 5)
	for i := range requests {
		_, requests[i] = pendingMember(t, store, inst.ID, models.RoleAdmin)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(requests))
	start := make(chan struct{})
	for i, req := range requests {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			<-start
			_, errs[i] = svc.Transition(context.Background(), reviewer, models.EntityApprovalRequest, id, models.EventApprove, "")
		}(i, req.ID)
	}
	close(start)
	wg.Wait()

	succeeded, refused := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, appErrors.ErrCapacityExceeded):
			refused++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 3, refused)

	counts, err := store.CountHeadcount(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Admins)
}

func TestTransitionRollsBackWhenUserUpdateFails(t *testing.T) {
	memory := repository.NewMemoryStore()
	store := &failingStore{ApprovalStore: memory, failUserUpdate: errors.New("connection reset")}
	svc := NewApprovalService(store, nil, defaultEngineConfig())
	ctx := context.Background()
	inst := seedInstitution(t, memory, models.InstitutionStatusVerified, 2, 5)
	user, req := pendingMember(t, memory, inst.ID, models.RoleModerator)
	reviewer := superAdmin(t, memory)

	_, err := svc.Transition(ctx, reviewer, models.EntityApprovalRequest, req.ID, models.EventApprove, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrStoreUnavailable)
	assert.True(t, appErrors.FromError(err).Retryable())

	stored, err := memory.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusPending, stored.Status)
	assert.Nil(t, stored.ReviewerID)

	storedUser, err := memory.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusPending, storedUser.ApprovalStatus)

	counts, err := memory.CountHeadcount(ctx, inst.ID)
	require.NoError(t, err)
	assert.Zero(t, counts.Moderators)
}

func TestApproveCommitsRequestAndUserTogether(t *testing.T) {
	svc, store, events := newApprovalFixture(t, defaultEngineConfig())
	ctx := context.Background()
	inst := seedInstitution(t, store, models.InstitutionStatusVerified, 2, 5)
	admin := seedUser(t, store, models.RoleAdmin, inst.ID, models.ApprovalStatusApproved)
	user, req := pendingMember(t, store, inst.ID, models.RoleModerator)

	result, err := svc.Transition(ctx, principalOf(t, admin), models.EntityApprovalRequest, req.ID, models.EventApprove, "looks good")
	require.NoError(t, err)
	require.NotNil(t, result.Request)
	assert.Equal(t, string(models.ApprovalStatusPending), result.From)
	assert.Equal(t, admin.ID, *result.Request.ReviewerID)
	assert.Equal(t, "looks good", *result.Request.ReviewNotes)
	assert.Equal(t, fixedNow, *result.Request.ReviewedAt)

	storedUser, err := store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusApproved, storedUser.ApprovalStatus)
	assert.Equal(t, models.RoleModerator, storedUser.Role)

	published := events.Events()
	require.Len(t, published, 1)
	assert.Equal(t, "approval_request.approved", published[0].Type)
	assert.Equal(t, user.ID, published[0].TargetUserID)
	assert.Len(t, published[0].ID, 26)

	logs := store.AuditLogs()
	require.NotEmpty(t, logs)
	assert.Equal(t, models.AuditActionRequestTransition, logs[len(logs)-1].Action)
}

func TestApproveRequiresVerifiedInstitution(t *testing.T) {
	svc, store, _ := newApprovalFixture(t, defaultEngineConfig())
	inst := seedInstitution(t, store, models.InstitutionStatusPending, 2, 5)
	_, req := pendingMember(t, store, inst.ID, models.RoleAdmin)

	_, err := svc.Transition(context.Background(), superAdmin(t, store), models.EntityApprovalRequest, req.ID, models.EventApprove, "")
	assert.ErrorIs(t, err, appErrors.ErrInstitutionNotVerified)
}

func TestModeratorCannotDecideAdminRequest(t *testing.T) {
	svc, store, events := newApprovalFixture(t, defaultEngineConfig())
	inst := seedInstitution(t, store, models.InstitutionStatusVerified, 2, 5)
	moderator := seedUser(t, store, models.RoleModerator, inst.ID, models.ApprovalStatusApproved)
	_, req := pendingMember(t, store, inst.ID, models.RoleAdmin)

	_, err := svc.Transition(context.Background(), principalOf(t, moderator), models.EntityApprovalRequest, req.ID, models.EventApprove, "")
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
	assert.Empty(t, events.Events())
}

func TestReviewerCannotDecideOwnRequest(t *testing.T) {
	svc, store, _ := newApprovalFixture(t, defaultEngineConfig())
	inst := seedInstitution(t, store, models.InstitutionStatusVerified, 3, 5)
	admin := seedUser(t, store, models.RoleAdmin, inst.ID, models.ApprovalStatusApproved)
	own := seedRequest(t, store, admin, models.RoleModerator, models.RequestKindElevation)

	_, err := svc.Transition(context.Background(), principalOf(t, admin), models.EntityApprovalRequest, own.ID, models.EventReject, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
	assert.Contains(t, err.Error(), "own request")
}

func TestTransitionFromTerminalState(t *testing.T) {
	svc, store, _ := newApprovalFixture(t, defaultEngineConfig())
	inst := seedInstitution(t, store, models.InstitutionStatusVerified, 2, 5)
	_, req := pendingMember(t, store, inst.ID, models.RoleModerator)
	reviewer := superAdmin(t, store)

	_, err := svc.Transition(context.Background(), reviewer, models.EntityApprovalRequest, req.ID, models.EventReject, "incomplete")
	require.NoError(t, err)

	_, err = svc.Transition(context.Background(), reviewer, models.EntityApprovalRequest, req.ID, models.EventApprove, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)
	assert.Equal(t, "cannot approve request in state REJECTED", err.Error())
}

func TestRejectRegistrationMarksUserRejected(t *testing.T) {
	svc, store, _ := newApprovalFixture(t, defaultEngineConfig())
	ctx := context.Background()
	inst := seedInstitution(t, store, models.InstitutionStatusVerified, 2, 5)
	user, req := pendingMember(t, store, inst.ID, models.RoleModerator)
	reviewer := superAdmin(t, store)

	_, err := svc.Transition(ctx, reviewer, models.EntityApprovalRequest, req.ID, models.EventReviewStart, "")
	require.NoError(t, err)
	storedUser, err := store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusUnderReview, storedUser.ApprovalStatus)

	_, err = svc.Transition(ctx, reviewer, models.EntityApprovalRequest, req.ID, models.EventReject, "no documents")
	require.NoError(t, err)
	storedUser, err = store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusRejected, storedUser.ApprovalStatus)
}

func TestRejectElevationKeepsCurrentRole(t *testing.T) {
	svc, store, _ := newApprovalFixture(t, defaultEngineConfig())
	ctx := context.Background()
	inst := seedInstitution(t, store, models.InstitutionStatusVerified, 2, 5)
	instructor := seedUser(t, store, models.RoleInstructor, inst.ID, models.ApprovalStatusApproved)
	req := seedRequest(t, store, instructor, models.RoleModerator, models.RequestKindElevation)

	_, err := svc.Transition(ctx, superAdmin(t, store), models.EntityApprovalRequest, req.ID, models.EventReject, "")
	require.NoError(t, err)

	storedUser, err := store.GetUser(ctx, instructor.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoleInstructor, storedUser.Role)
	assert.Equal(t, models.ApprovalStatusApproved, storedUser.ApprovalStatus)
}

func TestTransitionCancelledBeforeCommit(t *testing.T) {
	svc, store, _ := newApprovalFixture(t, defaultEngineConfig())
	inst := seedInstitution(t, store, models.InstitutionStatusVerified, 2, 5)
	_, req := pendingMember(t, store, inst.ID, models.RoleModerator)
	reviewer := superAdmin(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Transition(ctx, reviewer, models.EntityApprovalRequest, req.ID, models.EventApprove, "")
	assert.ErrorIs(t, err, appErrors.ErrStoreUnavailable)

	stored, err := store.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusPending, stored.Status)
}

func TestTransitionUnknownTargets(t *testing.T) {
	svc, store, _ := newApprovalFixture(t, defaultEngineConfig())
	reviewer := superAdmin(t, store)

	_, err := svc.Transition(context.Background(), reviewer, models.EntityApprovalRequest, "missing", models.EventApprove, "")
	assert.ErrorIs(t, err, appErrors.ErrRequestNotFound)

	_, err = svc.Transition(context.Background(), reviewer, models.EntityInstitution, "missing", models.EventVerify, "")
	assert.ErrorIs(t, err, appErrors.ErrInstitutionNotFound)

	_, err = svc.Transition(context.Background(), reviewer, models.EntityKind("course"), "x", models.EventVerify, "")
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestInstitutionLifecycle(t *testing.T) {
	svc, store, events := newApprovalFixture(t, defaultEngineConfig())
	inst := seedInstitution(t, store, models.InstitutionStatusPending, 2, 5)
	reviewer := principalOf(t, seedUser(t, store, models.RoleSuperModerator, "", models.ApprovalStatusApproved))
	ctx := context.Background()

	for _, step := range []struct {
		event models.Event
		want  models.InstitutionStatus
	}{
		{models.EventVerify, models.InstitutionStatusVerified},
		{models.EventSuspend, models.InstitutionStatusSuspended},
		{models.EventReactivate, models.InstitutionStatusVerified},
	} {
		result, err := svc.Transition(ctx, reviewer, models.EntityInstitution, inst.ID, step.event, "")
		require.NoError(t, err)
		assert.Equal(t, string(step.want), result.To)
		require.NotNil(t, result.Institution)
		assert.Equal(t, step.want, result.Institution.Status)
	}
	assert.Len(t, events.Events(), 3)

	_, err := svc.Transition(ctx, reviewer, models.EntityInstitution, inst.ID, models.EventVerify, "")
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)
}

func TestInstitutionEventsAddressEveryAdmin(t *testing.T) {
	svc, store, events := newApprovalFixture(t, defaultEngineConfig())
	inst := seedInstitution(t, store, models.InstitutionStatusPending, 2, 5)
	approved := seedUser(t, store, models.RoleAdmin, inst.ID, models.ApprovalStatusApproved)
	waiting := seedUser(t, store, models.RoleAdmin, inst.ID, models.ApprovalStatusPending)
	seedUser(t, store, models.RoleAdmin, inst.ID, models.ApprovalStatusRejected)
	seedUser(t, store, models.RoleModerator, inst.ID, models.ApprovalStatusApproved)
	reviewer := superAdmin(t, store)

	_, err := svc.Transition(context.Background(), reviewer, models.EntityInstitution, inst.ID, models.EventVerify, "")
	require.NoError(t, err)

	published := events.Events()
	require.Len(t, published, 2)
	targets := []string{published[0].TargetUserID, published[1].TargetUserID}
	assert.ElementsMatch(t, []string{approved.ID, waiting.ID}, targets)
	for _, event := range published {
		assert.Equal(t, "institution.verified", event.Type)
		assert.Equal(t, inst.ID, event.EntityID)
	}
	assert.NotEqual(t, published[0].ID, published[1].ID)
}

func TestInstitutionReopenFollowsConfig(t *testing.T) {
	cfg := defaultEngineConfig()
	svc, store, _ := newApprovalFixture(t, cfg)
	inst := seedInstitution(t, store, models.InstitutionStatusRejected, 2, 5)
	reviewer := superAdmin(t, store)

	_, err := svc.Transition(context.Background(), reviewer, models.EntityInstitution, inst.ID, models.EventReopen, "")
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)

	cfg.AllowInstitutionReopen = true
	reopening := NewApprovalService(store, nil, cfg)
	result, err := reopening.Transition(context.Background(), reviewer, models.EntityInstitution, inst.ID, models.EventReopen, "")
	require.NoError(t, err)
	assert.Equal(t, string(models.InstitutionStatusPending), result.To)
}

func TestSubmitRequest(t *testing.T) {
	svc, store, events := newApprovalFixture(t, defaultEngineConfig())
	inst := seedInstitution(t, store, models.InstitutionStatusVerified, 2, 5)
	instructor := seedUser(t, store, models.RoleInstructor, inst.ID, models.ApprovalStatusApproved)
	primary := models.AdminTypePrimary

	req, err := svc.SubmitRequest(context.Background(), principalOf(t, instructor), dto.SubmitApprovalRequest{
		InstitutionID: inst.ID,
		RequestedRole: models.RoleModerator,
		AdminType:     &primary,
		Documents:     []string{"id-card.pdf", " ", "letter.pdf"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RequestKindElevation, req.Kind)
	assert.Equal(t, models.ApprovalStatusPending, req.Status)
	assert.Nil(t, req.AdminType, "admin type is only kept on admin requests")
	require.Len(t, req.Documents, 2)
	assert.Equal(t, 1, req.Documents[1].Position)
	assert.Len(t, events.Events(), 1)

	_, err = svc.SubmitRequest(context.Background(), principalOf(t, instructor), dto.SubmitApprovalRequest{
		InstitutionID: inst.ID,
		RequestedRole: models.RoleModerator,
	})
	assert.ErrorIs(t, err, appErrors.ErrDuplicatePendingRequest)
}

func TestSubmitRequestValidation(t *testing.T) {
	svc, store, _ := newApprovalFixture(t, defaultEngineConfig())
	inst := seedInstitution(t, store, models.InstitutionStatusVerified, 2, 5)
	other := seedInstitution(t, store, models.InstitutionStatusVerified, 2, 5)
	moderator := principalOf(t, seedUser(t, store, models.RoleModerator, inst.ID, models.ApprovalStatusApproved))

	_, err := svc.SubmitRequest(context.Background(), moderator, dto.SubmitApprovalRequest{InstitutionID: inst.ID, RequestedRole: models.RoleInstructor})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = svc.SubmitRequest(context.Background(), moderator, dto.SubmitApprovalRequest{InstitutionID: inst.ID, RequestedRole: models.RoleSuperAdmin})
	assert.ErrorIs(t, err, appErrors.ErrInvalidRole)

	_, err = svc.SubmitRequest(context.Background(), moderator, dto.SubmitApprovalRequest{InstitutionID: inst.ID, RequestedRole: "owner"})
	assert.ErrorIs(t, err, appErrors.ErrInvalidRole)

	_, err = svc.SubmitRequest(context.Background(), moderator, dto.SubmitApprovalRequest{InstitutionID: other.ID, RequestedRole: models.RoleAdmin})
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
}

func TestResubmissionPolicy(t *testing.T) {
	cfg := defaultEngineConfig()
	cfg.AllowResubmission = false
	svc, store, _ := newApprovalFixture(t, cfg)
	inst := seedInstitution(t, store, models.InstitutionStatusVerified, 2, 5)
	user, req := pendingMember(t, store, inst.ID, models.RoleModerator)

	_, err := svc.Transition(context.Background(), superAdmin(t, store), models.EntityApprovalRequest, req.ID, models.EventReject, "")
	require.NoError(t, err)

	rejected, err := store.GetUser(context.Background(), user.ID)
	require.NoError(t, err)
	_, err = svc.SubmitRequest(context.Background(), principalOf(t, rejected), dto.SubmitApprovalRequest{
		InstitutionID: inst.ID,
		RequestedRole: models.RoleModerator,
	})
	assert.ErrorIs(t, err, appErrors.ErrResubmissionBlocked)

	cfg.AllowResubmission = true
	lenient := NewApprovalService(store, nil, cfg)
	again, err := lenient.SubmitRequest(context.Background(), principalOf(t, rejected), dto.SubmitApprovalRequest{
		InstitutionID: inst.ID,
		RequestedRole: models.RoleModerator,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RequestKindRegistration, again.Kind)
}

func TestListRequestsScoping(t *testing.T) {
	svc, store, _ := newApprovalFixture(t, defaultEngineConfig())
	instA := seedInstitution(t, store, models.InstitutionStatusVerified, 2, 5)
	instB := seedInstitution(t, store, models.InstitutionStatusVerified, 2, 5)
	studentA := seedUser(t, store, models.RoleStudent, instA.ID, models.ApprovalStatusApproved)
	seedRequest(t, store, studentA, models.RoleInstructor, models.RequestKindElevation)
	pendingMember(t, store, instA.ID, models.RoleModerator)
	pendingMember(t, store, instB.ID, models.RoleModerator)
	moderatorA := seedUser(t, store, models.RoleModerator, instA.ID, models.ApprovalStatusApproved)
	ctx := context.Background()

	items, page, err := svc.ListRequests(ctx, principalOf(t, studentA), dto.ApprovalQuery{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, studentA.ID, items[0].RequestorID)
	assert.Equal(t, 1, page.TotalCount)

	items, _, err = svc.ListRequests(ctx, principalOf(t, moderatorA), dto.ApprovalQuery{InstitutionID: instB.ID})
	require.NoError(t, err)
	assert.Len(t, items, 2)
	for _, item := range items {
		assert.Equal(t, instA.ID, item.InstitutionID)
	}

	items, _, err = svc.ListRequests(ctx, superAdmin(t, store), dto.ApprovalQuery{})
	require.NoError(t, err)
	assert.Len(t, items, 3)

	_, _, err = svc.ListRequests(ctx, principalOf(t, moderatorA), dto.ApprovalQuery{RequestedRole: "owner"})
	assert.ErrorIs(t, err, appErrors.ErrInvalidRole)
}

func TestSetDocumentVerified(t *testing.T) {
	svc, store, _ := newApprovalFixture(t, defaultEngineConfig())
	inst := seedInstitution(t, store, models.InstitutionStatusVerified, 2, 5)
	user := seedUser(t, store, models.RoleModerator, inst.ID, models.ApprovalStatusPending)
	req := seedRequest(t, store, user, models.RoleModerator, models.RequestKindRegistration, "id.pdf", "letter.pdf")
	admin := principalOf(t, seedUser(t, store, models.RoleAdmin, inst.ID, models.ApprovalStatusApproved))
	ctx := context.Background()

	updated, err := svc.SetDocumentVerified(ctx, admin, req.ID, 1, true)
	require.NoError(t, err)
	assert.False(t, updated.Documents[0].Verified)
	assert.True(t, updated.Documents[1].Verified)
	require.NotNil(t, updated.Documents[1].VerifiedBy)
	assert.Equal(t, admin.Subject(), *updated.Documents[1].VerifiedBy)

	_, err = svc.SetDocumentVerified(ctx, admin, req.ID, 5, true)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)

	_, err = svc.Transition(ctx, admin, models.EntityApprovalRequest, req.ID, models.EventApprove, "")
	require.NoError(t, err)
	_, err = svc.SetDocumentVerified(ctx, admin, req.ID, 0, true)
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)
}

func TestSetDocumentVerifiedAfterConcurrentDecision(t *testing.T) {
	memory := repository.NewMemoryStore()
	inst := seedInstitution(t, memory, models.InstitutionStatusVerified, 2, 5)
	user := seedUser(t, memory, models.RoleModerator, inst.ID, models.ApprovalStatusPending)
	req := seedRequest(t, memory, user, models.RoleModerator, models.RequestKindRegistration, "id.pdf")
	admin := principalOf(t, seedUser(t, memory, models.RoleAdmin, inst.ID, models.ApprovalStatusApproved))
	ctx := context.Background()

	store := &interleavingStore{ApprovalStore: memory, beforeSection: func() {
		reviewed := fixedNow
		require.NoError(t, memory.UpdateRequestStatus(ctx, repository.UpdateRequestStatusParams{
			ID: req.ID, From: models.ApprovalStatusPending, To: models.ApprovalStatusRejected, ReviewerID: "other", ReviewedAt: &reviewed,
		}))
	}}
	svc := NewApprovalService(store, nil, defaultEngineConfig(), WithClock(func() time.Time { return fixedNow }))

	_, err := svc.SetDocumentVerified(ctx, admin, req.ID, 0, true)
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)

	stored, err := memory.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusRejected, stored.Status)
	assert.False(t, stored.Documents[0].Verified)
}

func TestGetCountsUsesCacheAndInvalidatesOnApproval(t *testing.T) {
	cache := &stubCacheRepo{}
	svc, store, _ := newApprovalFixture(t, defaultEngineConfig(),
		WithCountsCache(NewCacheService(cache, nil, time.Minute, nil, true)))
	inst := seedInstitution(t, store, models.InstitutionStatusVerified, 2, 5)
	admin := principalOf(t, seedUser(t, store, models.RoleAdmin, inst.ID, models.ApprovalStatusApproved))
	_, req := pendingMember(t, store, inst.ID, models.RoleModerator)
	ctx := context.Background()

	snapshot, err := svc.GetCounts(ctx, admin, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snapshot.Admins)
	assert.Equal(t, 0, snapshot.Moderators)
	assert.Equal(t, 5, snapshot.MaxModerators)
	assert.Contains(t, cache.data, countsCacheKey(inst.ID))

	_, err = svc.Transition(ctx, admin, models.EntityApprovalRequest, req.ID, models.EventApprove, "")
	require.NoError(t, err)
	assert.Contains(t, cache.deleted, countsCacheKey(inst.ID))

	snapshot, err = svc.GetCounts(ctx, admin, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snapshot.Moderators)

	student := principalOf(t, seedUser(t, store, models.RoleStudent, inst.ID, models.ApprovalStatusApproved))
	_, err = svc.GetCounts(ctx, student, inst.ID)
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
}

func TestWouldExceedRequiresViewer(t *testing.T) {
	svc, store, _ := newApprovalFixture(t, defaultEngineConfig())
	inst := seedInstitution(t, store, models.InstitutionStatusVerified, 1, 5)
	admin := principalOf(t, seedUser(t, store, models.RoleAdmin, inst.ID, models.ApprovalStatusApproved))

	exceeded, err := svc.WouldExceed(context.Background(), admin, inst.ID, models.RoleAdmin)
	require.NoError(t, err)
	assert.True(t, exceeded)

	other := seedInstitution(t, store, models.InstitutionStatusVerified, 1, 5)
	_, err = svc.WouldExceed(context.Background(), admin, other.ID, models.RoleAdmin)
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
}
