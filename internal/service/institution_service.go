package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/edutier-api/internal/dto"
	"github.com/noah-isme/edutier-api/internal/models"
	"github.com/noah-isme/edutier-api/internal/repository"
	appErrors "github.com/noah-isme/edutier-api/pkg/errors"
)

// InstitutionService manages institution records, their limits and member activation.
type InstitutionService struct {
	engine
	defaults models.InstitutionSettings
}

// NewInstitutionService constructs the service. defaults seed the limits of new institutions.
func NewInstitutionService(store repository.ApprovalStore, logger *zap.Logger, cfg EngineConfig, defaults models.InstitutionSettings, opts ...EngineOption) *InstitutionService {
	if defaults.MaxAdmins <= 0 {
		defaults.MaxAdmins = 2
	}
	if defaults.MaxModerators <= 0 {
		defaults.MaxModerators = 5
	}
	return &InstitutionService{engine: newEngine(store, logger, cfg, opts...), defaults: defaults}
}

// RegisterInstitution creates an institution awaiting verification. Platform callers
// seed it verified. p may be nil for self-service registration.
func (s *InstitutionService) RegisterInstitution(ctx context.Context, p models.Principal, req dto.RegisterInstitutionRequest) (*models.Institution, error) {
	name := strings.TrimSpace(req.Name)
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if name == "" || code == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "name and code are required")
	}
	now := s.now()
	inst := &models.Institution{
		ID:        uuid.NewString(),
		Name:      name,
		Code:      code,
		Type:      strings.TrimSpace(req.Type),
		Location:  strings.TrimSpace(req.Location),
		Status:    models.InstitutionStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		InstitutionSettings: models.InstitutionSettings{
			MaxAdmins:     s.defaults.MaxAdmins,
			MaxModerators: s.defaults.MaxModerators,
			FeatureFlags:  models.FeatureFlags{},
		},
	}
	actorID := ""
	if p != nil {
		actorID = p.Subject()
		if p.CallerRole().Track() == models.TrackPlatform {
			inst.Status = models.InstitutionStatusVerified
			inst.ReviewedBy = &actorID
			inst.ReviewedAt = &now
		}
	}

	writeCtx, cancel := withStoreTimeout(ctx, s.cfg.StoreTimeout)
	err := s.store.CreateInstitution(writeCtx, inst)
	cancel()
	if err != nil {
		return nil, storeError(err, appErrors.ErrInstitutionNotFound)
	}

	s.logger.Info("institution registered",
		zap.String("institution_id", inst.ID),
		zap.String("code", inst.Code),
		zap.String("status", string(inst.Status)),
	)
	s.publishToInstitution(ctx, inst.ID, actorID, "", string(inst.Status), "", now)
	s.emitAudit(ctx, actorID, models.AuditActionInstitutionCreate, "institution", inst.ID, nil, inst)
	return inst, nil
}

// GetInstitution returns one institution; institutional callers may only read their own.
func (s *InstitutionService) GetInstitution(ctx context.Context, p models.Principal, id string) (*models.Institution, error) {
	if err := s.authz.Require(p, ViewInstitutionProfileAction(id)); err != nil {
		return nil, err
	}
	ctx, cancel := withStoreTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	inst, err := s.store.GetInstitution(ctx, id)
	if err != nil {
		return nil, storeError(err, appErrors.ErrInstitutionNotFound)
	}
	return inst, nil
}

// ListInstitutions lists institutions for platform reviewers.
func (s *InstitutionService) ListInstitutions(ctx context.Context, p models.Principal, filter models.InstitutionFilter, page, pageSize int) ([]models.Institution, *models.Pagination, error) {
	if err := s.authz.Require(p, ListInstitutionsAction()); err != nil {
		return nil, nil, err
	}
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultRequestPageSize
	}
	if pageSize > maxRequestPageSize {
		pageSize = maxRequestPageSize
	}
	filter.Limit = pageSize
	filter.Offset = (page - 1) * pageSize

	ctx, cancel := withStoreTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	items, total, err := s.store.ListInstitutions(ctx, filter)
	if err != nil {
		return nil, nil, storeError(err, appErrors.ErrInstitutionNotFound)
	}
	return items, &models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}, nil
}

// UpdateInstitutionLimits replaces capacity limits. A limit below the number of
// members already holding the role is refused.
func (s *InstitutionService) UpdateInstitutionLimits(ctx context.Context, p models.Principal, id string, req dto.UpdateLimitsRequest) (*models.Institution, error) {
	if err := s.authz.Require(p, UpdateLimitsAction()); err != nil {
		return nil, err
	}
	if err := cancelledBeforeCommit(ctx); err != nil {
		return nil, err
	}

	now := s.now()
	var before, after models.InstitutionSettings
	var updated *models.Institution
	err := s.within(ctx, "update_limits", id, func(ctx context.Context, tx repository.StoreTx) error {
		inst, err := tx.GetInstitution(ctx, id)
		if err != nil {
			return storeError(err, appErrors.ErrInstitutionNotFound)
		}
		before = inst.InstitutionSettings
		after = before
		if req.MaxAdmins != nil {
			after.MaxAdmins = *req.MaxAdmins
		}
		if req.MaxModerators != nil {
			after.MaxModerators = *req.MaxModerators
		}
		if req.FeatureFlags != nil {
			after.FeatureFlags = req.FeatureFlags
		}

		counts, err := tx.CountHeadcount(ctx, id)
		if err != nil {
			return storeError(err, appErrors.ErrInstitutionNotFound)
		}
		for _, role := range []models.Role{models.RoleAdmin, models.RoleModerator} {
			if limit, current := after.Limit(role), counts.Of(role); limit < current {
				return appErrors.Clone(appErrors.ErrCapacityExceeded,
					fmt.Sprintf("cannot lower %s limit to %d: %d approved members hold the role", role.Label(), limit, current))
			}
		}

		if err := tx.UpdateInstitutionSettings(ctx, id, after, now); err != nil {
			return storeError(err, appErrors.ErrInstitutionNotFound)
		}
		updated, err = tx.GetInstitution(ctx, id)
		return storeError(err, appErrors.ErrInstitutionNotFound)
	})
	if err != nil {
		return nil, storeError(err, appErrors.ErrInstitutionNotFound)
	}

	s.invalidateCounts(ctx, id)
	s.logger.Info("institution limits updated",
		zap.String("institution_id", id),
		zap.Int("max_admins", after.MaxAdmins),
		zap.Int("max_moderators", after.MaxModerators),
	)
	s.emitAudit(ctx, p.Subject(), models.AuditActionInstitutionLimits, "institution", id, before, after)
	return updated, nil
}

// SetMemberActive suspends or reactivates a member. Reactivating an approved
// Admin or Moderator must fit the institution's capacity.
func (s *InstitutionService) SetMemberActive(ctx context.Context, p models.Principal, institutionID, userID string, active bool) (*models.User, error) {
	if err := s.authz.Require(p, SetMemberActiveAction(institutionID)); err != nil {
		return nil, err
	}
	if userID == p.Subject() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "members cannot change their own active flag")
	}
	if err := cancelledBeforeCommit(ctx); err != nil {
		return nil, err
	}

	now := s.now()
	changed := false
	var role models.Role
	var updated *models.User
	err := s.within(ctx, "set_member_active", institutionID, func(ctx context.Context, tx repository.StoreTx) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return storeError(err, appErrors.ErrUserNotFound)
		}
		role = user.Role
		if user.Institution() != institutionID {
			return appErrors.Clone(appErrors.ErrUserNotFound, "user is not a member of this institution")
		}
		if p.CallerRole().Track() == models.TrackInstitutional && user.Rank() >= p.CallerRole().Rank() {
			return appErrors.Clone(appErrors.ErrForbidden,
				fmt.Sprintf("%s cannot change the active flag of %s", p.CallerRole(), user.Role))
		}
		if user.Active == active {
			updated = user
			return nil
		}
		if active && user.ApprovalStatus == models.ApprovalStatusApproved {
			if err := s.guard.Check(ctx, tx, institutionID, user.Role); err != nil {
				return err
			}
		}
		if err := tx.SetUserActive(ctx, userID, active, now); err != nil {
			return storeError(err, appErrors.ErrUserNotFound)
		}
		changed = true
		updated, err = tx.GetUser(ctx, userID)
		return storeError(err, appErrors.ErrUserNotFound)
	})
	if err != nil {
		if appErrors.Code(err) == appErrors.ErrCapacityExceeded.Code {
			s.metrics.ObserveCapacityRejection(string(role))
		}
		return nil, storeError(err, appErrors.ErrInstitutionNotFound)
	}
	if !changed {
		return updated, nil
	}

	from, to := activeLabel(!active), activeLabel(active)
	s.invalidateCounts(ctx, institutionID)
	s.logger.Info("member active flag changed",
		zap.String("institution_id", institutionID),
		zap.String("user_id", userID),
		zap.Bool("active", active),
	)
	s.publish(models.EntityUser, userID, userID, p.Subject(), from, to, "", now)
	s.emitAudit(ctx, p.Subject(), models.AuditActionMemberActiveToggle, "user", userID,
		map[string]interface{}{"active": !active},
		map[string]interface{}{"active": active})
	return updated, nil
}

func activeLabel(active bool) string {
	if active {
		return "ACTIVE"
	}
	return "INACTIVE"
}
