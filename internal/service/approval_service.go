package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/edutier-api/internal/dto"
	"github.com/noah-isme/edutier-api/internal/models"
	"github.com/noah-isme/edutier-api/internal/repository"
	appErrors "github.com/noah-isme/edutier-api/pkg/errors"
)

const (
	defaultRequestPageSize = 20
	maxRequestPageSize     = 100
)

// ApprovalService decides role requests and institution status changes.
type ApprovalService struct {
	engine
}

// NewApprovalService constructs the approval engine.
func NewApprovalService(store repository.ApprovalStore, logger *zap.Logger, cfg EngineConfig, opts ...EngineOption) *ApprovalService {
	return &ApprovalService{engine: newEngine(store, logger, cfg, opts...)}
}

// Authorize evaluates action for p without performing it.
func (s *ApprovalService) Authorize(p models.Principal, action Action) (Decision, error) {
	return s.authz.AuthorizePrincipal(p, action)
}

// SubmitRequest files a request from the caller for a role at their own institution.
// Approved callers file an elevation; everyone else files their registration.
func (s *ApprovalService) SubmitRequest(ctx context.Context, p models.Principal, req dto.SubmitApprovalRequest) (*models.ApprovalRequest, error) {
	if err := s.authz.Require(p, SubmitRequestAction()); err != nil {
		return nil, err
	}
	role, err := models.ParseRole(string(req.RequestedRole))
	if err != nil {
		return nil, err
	}
	if role.Track() == models.TrackPlatform {
		return nil, appErrors.Clone(appErrors.ErrInvalidRole, fmt.Sprintf("role %s cannot be requested", role))
	}
	institutionID := strings.TrimSpace(req.InstitutionID)
	if institutionID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "institutionId is required")
	}
	if p.CallerInstitutionID() != institutionID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "requests are limited to the caller's own institution")
	}
	adminType := req.AdminType
	if role != models.RoleAdmin {
		adminType = nil
	}
	if err := cancelledBeforeCommit(ctx); err != nil {
		return nil, err
	}

	now := s.now()
	var created *models.ApprovalRequest
	err = s.within(ctx, "submit_request", institutionID, func(ctx context.Context, tx repository.StoreTx) error {
		user, err := tx.GetUser(ctx, p.Subject())
		if err != nil {
			return storeError(err, appErrors.ErrUserNotFound)
		}
		kind := models.RequestKindRegistration
		if user.ApprovalStatus == models.ApprovalStatusApproved {
			kind = models.RequestKindElevation
			if role.Rank() <= user.Rank() {
				return appErrors.Clone(appErrors.ErrValidation,
					fmt.Sprintf("requested role %s does not outrank current role %s", role, user.Role))
			}
		}
		if !s.cfg.AllowResubmission {
			rejected, err := tx.HasRejectedRequest(ctx, user.ID, institutionID, role)
			if err != nil {
				return storeError(err, appErrors.ErrRequestNotFound)
			}
			if rejected {
				return appErrors.ErrResubmissionBlocked
			}
		}
		request := &models.ApprovalRequest{
			ID:            uuid.NewString(),
			RequestorID:   user.ID,
			InstitutionID: institutionID,
			RequestedRole: role,
			Kind:          kind,
			AdminType:     adminType,
			Status:        models.ApprovalStatusPending,
			SubmittedAt:   now,
			Documents:     newDocuments(req.Documents),
		}
		if err := tx.CreateRequest(ctx, request); err != nil {
			return storeError(err, appErrors.ErrRequestNotFound)
		}
		created = request
		return nil
	})
	if err != nil {
		return nil, storeError(err, appErrors.ErrInstitutionNotFound)
	}

	s.logger.Info("approval request submitted",
		zap.String("request_id", created.ID),
		zap.String("institution_id", institutionID),
		zap.String("requested_role", string(role)),
		zap.String("kind", string(created.Kind)),
	)
	s.publish(models.EntityApprovalRequest, created.ID, created.RequestorID, p.Subject(), "", string(created.Status), "", now)
	s.emitAudit(ctx, p.Subject(), models.AuditActionRequestSubmit, "approval_request", created.ID, nil, map[string]interface{}{
		"requested_role": role,
		"kind":           created.Kind,
		"institution_id": institutionID,
	})
	return created, nil
}

func newDocuments(names []string) []models.Document {
	docs := make([]models.Document, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		docs = append(docs, models.Document{Position: len(docs), Name: name})
	}
	return docs
}

// Transition applies event to the request or institution identified by id.
func (s *ApprovalService) Transition(ctx context.Context, p models.Principal, kind models.EntityKind, id string, event models.Event, notes string) (*dto.TransitionResult, error) {
	var (
		result *dto.TransitionResult
		err    error
	)
	switch kind {
	case models.EntityApprovalRequest:
		result, err = s.transitionRequest(ctx, p, id, event, notes)
	case models.EntityInstitution:
		result, err = s.transitionInstitution(ctx, p, id, event, notes)
	default:
		err = appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown entity kind %q", kind))
	}
	outcome := "ok"
	if err != nil {
		outcome = appErrors.Code(err)
	}
	s.metrics.ObserveTransition(string(kind), eventLabel(event), outcome)
	return result, err
}

func eventLabel(event models.Event) string {
	switch event {
	case models.EventReviewStart, models.EventApprove, models.EventReject,
		models.EventVerify, models.EventSuspend, models.EventReactivate, models.EventReopen:
		return string(event)
	}
	return "unknown"
}

func (s *ApprovalService) transitionRequest(ctx context.Context, p models.Principal, id string, event models.Event, notes string) (*dto.TransitionResult, error) {
	if p == nil {
		return nil, appErrors.ErrUnauthorized
	}
	current, err := s.loadRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Require(p, ReviewRequestAction(current.RequestedRole, current.InstitutionID)); err != nil {
		return nil, err
	}
	if current.RequestorID == p.Subject() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "reviewers cannot decide their own request")
	}
	if _, err := s.machine.NextRequestStatus(current.Status, event); err != nil {
		return nil, err
	}
	if err := cancelledBeforeCommit(ctx); err != nil {
		return nil, err
	}

	now := s.now()
	var updated *models.ApprovalRequest
	var from models.ApprovalStatus
	err = s.within(ctx, "transition_request", current.InstitutionID, func(ctx context.Context, tx repository.StoreTx) error {
		req, err := tx.GetRequest(ctx, id)
		if err != nil {
			return storeError(err, appErrors.ErrRequestNotFound)
		}
		to, err := s.machine.NextRequestStatus(req.Status, event)
		if err != nil {
			return err
		}
		if to == models.ApprovalStatusApproved {
			if err := s.checkApproval(ctx, tx, req); err != nil {
				return err
			}
		}
		if err := s.commitRequestDecision(ctx, tx, req, to, p.Subject(), notes, now); err != nil {
			return err
		}
		from = req.Status
		updated = decided(req, to, p.Subject(), notes, now)
		return nil
	})
	if err != nil {
		if appErrors.Code(err) == appErrors.ErrCapacityExceeded.Code {
			s.metrics.ObserveCapacityRejection(string(current.RequestedRole))
		}
		return nil, storeError(err, appErrors.ErrInstitutionNotFound)
	}

	if updated.Status == models.ApprovalStatusApproved {
		s.invalidateCounts(ctx, updated.InstitutionID)
	}
	s.logger.Info("approval request transitioned",
		zap.String("request_id", id),
		zap.String("event", string(event)),
		zap.String("from", string(from)),
		zap.String("to", string(updated.Status)),
	)
	s.publish(models.EntityApprovalRequest, id, updated.RequestorID, p.Subject(), string(from), string(updated.Status), notes, now)
	s.emitAudit(ctx, p.Subject(), models.AuditActionRequestTransition, "approval_request", id,
		map[string]interface{}{"status": from},
		map[string]interface{}{"status": updated.Status, "event": event, "notes": notes})

	return &dto.TransitionResult{
		Entity:  models.EntityApprovalRequest,
		ID:      id,
		From:    string(from),
		To:      string(updated.Status),
		Request: updated,
	}, nil
}

// checkApproval runs inside the institution's critical section.
func (s *ApprovalService) checkApproval(ctx context.Context, tx repository.StoreTx, req *models.ApprovalRequest) error {
	if !req.RequestedRole.CapacityLimited() {
		return nil
	}
	if s.cfg.RequireVerifiedInstitution {
		inst, err := tx.GetInstitution(ctx, req.InstitutionID)
		if err != nil {
			return storeError(err, appErrors.ErrInstitutionNotFound)
		}
		if inst.Status != models.InstitutionStatusVerified {
			return appErrors.Clone(appErrors.ErrInstitutionNotVerified,
				fmt.Sprintf("institution %s is %s, %s approvals require a verified institution", inst.Code, inst.Status, req.RequestedRole.Label()))
		}
	}
	return s.guard.Check(ctx, tx, req.InstitutionID, req.RequestedRole)
}

// commitRequestDecision writes the request status and the requestor's matching user state.
func (s *ApprovalService) commitRequestDecision(ctx context.Context, tx repository.StoreTx, req *models.ApprovalRequest, to models.ApprovalStatus, reviewerID, notes string, now time.Time) error {
	params := repository.UpdateRequestStatusParams{
		ID:         req.ID,
		From:       req.Status,
		To:         to,
		ReviewerID: reviewerID,
		Notes:      optionalString(notes),
	}
	if to != models.ApprovalStatusUnderReview {
		params.ReviewedAt = &now
	}
	if err := tx.UpdateRequestStatus(ctx, params); err != nil {
		return storeError(err, appErrors.ErrRequestNotFound)
	}

	userUpdate := repository.UpdateUserApprovalParams{UserID: req.RequestorID, ApprovalStatus: to, UpdatedAt: now}
	switch {
	case to == models.ApprovalStatusApproved:
		role, institutionID := req.RequestedRole, req.InstitutionID
		userUpdate.Role = &role
		userUpdate.InstitutionID = &institutionID
	case req.Kind == models.RequestKindRegistration:
	default:
		return nil
	}
	if err := tx.UpdateUserApproval(ctx, userUpdate); err != nil {
		return storeError(err, appErrors.ErrUserNotFound)
	}
	return nil
}

func decided(req *models.ApprovalRequest, to models.ApprovalStatus, reviewerID, notes string, now time.Time) *models.ApprovalRequest {
	out := *req
	out.Status = to
	reviewer := reviewerID
	out.ReviewerID = &reviewer
	if n := optionalString(notes); n != nil {
		out.ReviewNotes = n
	}
	if to != models.ApprovalStatusUnderReview {
		ts := now
		out.ReviewedAt = &ts
	}
	return &out
}

func (s *ApprovalService) transitionInstitution(ctx context.Context, p models.Principal, id string, event models.Event, notes string) (*dto.TransitionResult, error) {
	if err := s.authz.Require(p, ReviewInstitutionAction()); err != nil {
		return nil, err
	}
	lookupCtx, cancel := withStoreTimeout(ctx, s.cfg.StoreTimeout)
	current, err := s.store.GetInstitution(lookupCtx, id)
	cancel()
	if err != nil {
		return nil, storeError(err, appErrors.ErrInstitutionNotFound)
	}
	if _, err := s.machine.NextInstitutionStatus(current.Status, event); err != nil {
		return nil, err
	}
	if err := cancelledBeforeCommit(ctx); err != nil {
		return nil, err
	}

	now := s.now()
	var updated *models.Institution
	var from models.InstitutionStatus
	err = s.within(ctx, "transition_institution", id, func(ctx context.Context, tx repository.StoreTx) error {
		inst, err := tx.GetInstitution(ctx, id)
		if err != nil {
			return storeError(err, appErrors.ErrInstitutionNotFound)
		}
		to, err := s.machine.NextInstitutionStatus(inst.Status, event)
		if err != nil {
			return err
		}
		if err := tx.UpdateInstitutionStatus(ctx, repository.UpdateInstitutionStatusParams{
			ID:         id,
			From:       inst.Status,
			To:         to,
			ReviewerID: p.Subject(),
			Notes:      optionalString(notes),
			ReviewedAt: now,
		}); err != nil {
			return storeError(err, appErrors.ErrInstitutionNotFound)
		}
		updated, err = tx.GetInstitution(ctx, id)
		from = inst.Status
		return storeError(err, appErrors.ErrInstitutionNotFound)
	})
	if err != nil {
		return nil, storeError(err, appErrors.ErrInstitutionNotFound)
	}

	s.logger.Info("institution transitioned",
		zap.String("institution_id", id),
		zap.String("event", string(event)),
		zap.String("from", string(from)),
		zap.String("to", string(updated.Status)),
	)
	s.publishToInstitution(ctx, id, p.Subject(), string(from), string(updated.Status), notes, now)
	s.emitAudit(ctx, p.Subject(), models.AuditActionInstitutionStatus, "institution", id,
		map[string]interface{}{"status": from},
		map[string]interface{}{"status": updated.Status, "event": event, "notes": notes})

	return &dto.TransitionResult{
		Entity:      models.EntityInstitution,
		ID:          id,
		From:        string(from),
		To:          string(updated.Status),
		Institution: updated,
	}, nil
}

func (s *ApprovalService) loadRequest(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	ctx, cancel := withStoreTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, storeError(err, appErrors.ErrRequestNotFound)
	}
	return req, nil
}

// GetRequest returns a request visible to the caller: their own, or one of an institution they may view.
func (s *ApprovalService) GetRequest(ctx context.Context, p models.Principal, id string) (*models.ApprovalRequest, error) {
	if p == nil {
		return nil, appErrors.ErrUnauthorized
	}
	req, err := s.loadRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	action := ViewInstitutionAction(req.InstitutionID)
	if req.RequestorID == p.Subject() {
		action = ViewOwnRequestsAction()
	}
	if err := s.authz.Require(p, action); err != nil {
		return nil, err
	}
	return req, nil
}

// ListRequests lists requests visible to the caller. Callers who may not view their
// institution only see their own requests.
func (s *ApprovalService) ListRequests(ctx context.Context, p models.Principal, query dto.ApprovalQuery) ([]models.ApprovalRequest, *models.Pagination, error) {
	if p == nil {
		return nil, nil, appErrors.ErrUnauthorized
	}
	page := query.Page
	if page <= 0 {
		page = 1
	}
	size := query.PageSize
	if size <= 0 {
		size = defaultRequestPageSize
	}
	if size > maxRequestPageSize {
		size = maxRequestPageSize
	}
	filter := models.ApprovalFilter{
		Status:      query.Status,
		RequestorID: query.RequestorID,
		Limit:       size,
		Offset:      (page - 1) * size,
	}
	if query.RequestedRole != "" {
		role, err := models.ParseRole(string(query.RequestedRole))
		if err != nil {
			return nil, nil, err
		}
		filter.RequestedRole = role
	}

	target := query.InstitutionID
	if p.CallerRole().Track() == models.TrackInstitutional {
		target = p.CallerInstitutionID()
	}
	decision, err := s.authz.AuthorizePrincipal(p, ViewInstitutionAction(target))
	if err != nil {
		return nil, nil, err
	}
	if decision.Allowed {
		filter.InstitutionID = target
	} else {
		if err := s.authz.Require(p, ViewOwnRequestsAction()); err != nil {
			return nil, nil, err
		}
		filter.RequestorID = p.Subject()
		filter.InstitutionID = ""
	}

	ctx, cancel := withStoreTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	items, total, err := s.store.ListRequests(ctx, filter)
	if err != nil {
		return nil, nil, storeError(err, appErrors.ErrRequestNotFound)
	}
	return items, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// SetDocumentVerified flags a supporting document; documents of decided requests are frozen.
// The check and the write share the institution section with decisions on the request.
func (s *ApprovalService) SetDocumentVerified(ctx context.Context, p models.Principal, requestID string, position int, verified bool) (*models.ApprovalRequest, error) {
	if p == nil {
		return nil, appErrors.ErrUnauthorized
	}
	req, err := s.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Require(p, VerifyDocumentAction(req.InstitutionID)); err != nil {
		return nil, err
	}
	if err := cancelledBeforeCommit(ctx); err != nil {
		return nil, err
	}

	missing := appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("document %d not found", position))
	now := s.now()
	var before bool
	var updated *models.ApprovalRequest
	err = s.within(ctx, "verify_document", req.InstitutionID, func(ctx context.Context, tx repository.StoreTx) error {
		current, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return storeError(err, appErrors.ErrRequestNotFound)
		}
		if !current.Status.Open() {
			return appErrors.Clone(appErrors.ErrInvalidTransition,
				fmt.Sprintf("documents of a request in state %s cannot change", current.Status))
		}
		if position < 0 || position >= len(current.Documents) {
			return missing
		}
		before = current.Documents[position].Verified
		if err := tx.SetDocumentVerified(ctx, requestID, position, verified, p.Subject(), now); err != nil {
			return storeError(err, missing)
		}
		updated, err = tx.GetRequest(ctx, requestID)
		return storeError(err, appErrors.ErrRequestNotFound)
	})
	if err != nil {
		return nil, storeError(err, appErrors.ErrRequestNotFound)
	}

	s.emitAudit(ctx, p.Subject(), models.AuditActionDocumentVerify, "approval_request", requestID,
		map[string]interface{}{"position": position, "verified": before},
		map[string]interface{}{"position": position, "verified": verified})
	return updated, nil
}

// GetCounts reports capacity usage for display. Snapshots may be served from cache
// while no decision has committed since they were computed.
func (s *ApprovalService) GetCounts(ctx context.Context, p models.Principal, institutionID string) (*models.HeadcountSnapshot, error) {
	if err := s.authz.Require(p, ViewInstitutionAction(institutionID)); err != nil {
		return nil, err
	}
	key := countsCacheKey(institutionID)
	version := s.countsVersion(ctx, institutionID)
	var cached countsEntry
	if s.cache.Get(ctx, key, &cached) && cached.Version == version {
		return &cached.Snapshot, nil
	}

	ctx, cancel := withStoreTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	inst, err := s.store.GetInstitution(ctx, institutionID)
	if err != nil {
		return nil, storeError(err, appErrors.ErrInstitutionNotFound)
	}
	counts, err := s.store.CountHeadcount(ctx, institutionID)
	if err != nil {
		return nil, storeError(err, appErrors.ErrInstitutionNotFound)
	}
	snapshot := &models.HeadcountSnapshot{
		InstitutionID: institutionID,
		Admins:        counts.Admins,
		Moderators:    counts.Moderators,
		MaxAdmins:     inst.MaxAdmins,
		MaxModerators: inst.MaxModerators,
		ComputedAt:    s.now(),
	}
	s.cache.Set(ctx, key, countsEntry{Version: version, Snapshot: *snapshot}, 0)
	return snapshot, nil
}

// WouldExceed answers whether approving one more member with role would breach the limit.
func (s *ApprovalService) WouldExceed(ctx context.Context, p models.Principal, institutionID string, role models.Role) (bool, error) {
	if err := s.authz.Require(p, ViewInstitutionAction(institutionID)); err != nil {
		return false, err
	}
	return s.guard.WouldExceed(ctx, institutionID, role)
}
