package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/edutier-api/internal/dto"
	"github.com/noah-isme/edutier-api/internal/middleware"
	"github.com/noah-isme/edutier-api/internal/models"
	appErrors "github.com/noah-isme/edutier-api/pkg/errors"
	"github.com/noah-isme/edutier-api/pkg/response"
)

type institutionService interface {
	RegisterInstitution(ctx context.Context, p models.Principal, req dto.RegisterInstitutionRequest) (*models.Institution, error)
	GetInstitution(ctx context.Context, p models.Principal, id string) (*models.Institution, error)
	ListInstitutions(ctx context.Context, p models.Principal, filter models.InstitutionFilter, page, pageSize int) ([]models.Institution, *models.Pagination, error)
	UpdateInstitutionLimits(ctx context.Context, p models.Principal, id string, req dto.UpdateLimitsRequest) (*models.Institution, error)
	SetMemberActive(ctx context.Context, p models.Principal, institutionID, userID string, active bool) (*models.User, error)
}

type capacityService interface {
	transitioner
	GetCounts(ctx context.Context, p models.Principal, institutionID string) (*models.HeadcountSnapshot, error)
	WouldExceed(ctx context.Context, p models.Principal, institutionID string, role models.Role) (bool, error)
}

// InstitutionHandler exposes institution lifecycle, limits and membership endpoints.
type InstitutionHandler struct {
	institutions institutionService
	capacity     capacityService
	bulk         bulkService
	validate     *validator.Validate
}

// NewInstitutionHandler constructs the handler.
func NewInstitutionHandler(institutions institutionService, capacity capacityService, bulk bulkService, validate *validator.Validate) *InstitutionHandler {
	return &InstitutionHandler{institutions: institutions, capacity: capacity, bulk: bulk, validate: validate}
}

// Register godoc
// @Summary Register institution
// @Description Self-service registrations start PENDING; platform callers create VERIFIED institutions
// @Tags Institutions
// @Accept json
// @Produce json
// @Param payload body dto.RegisterInstitutionRequest true "Institution"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /institutions [post]
func (h *InstitutionHandler) Register(c *gin.Context) {
	var req dto.RegisterInstitutionRequest
	if !bindJSON(c, h.validate, &req, "invalid institution payload") {
		return
	}
	inst, err := h.institutions.RegisterInstitution(c.Request.Context(), middleware.PrincipalFrom(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, inst)
}

// List godoc
// @Summary List institutions
// @Tags Institutions
// @Produce json
// @Security BearerAuth
// @Param status query string false "Comma-separated statuses"
// @Param search query string false "Name or code search"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /institutions [get]
func (h *InstitutionHandler) List(c *gin.Context) {
	p, ok := principalOrAbort(c)
	if !ok {
		return
	}
	filter := models.InstitutionFilter{Search: c.Query("search")}
	for _, status := range csvQuery(c, "status") {
		filter.Status = append(filter.Status, models.InstitutionStatus(status))
	}
	page, size := pageParams(c)
	items, pagination, err := h.institutions.ListInstitutions(c.Request.Context(), p, filter, page, size)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, pagination)
}

// Get godoc
// @Summary Get institution
// @Tags Institutions
// @Produce json
// @Security BearerAuth
// @Param id path string true "Institution ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /institutions/{id} [get]
func (h *InstitutionHandler) Get(c *gin.Context) {
	p, ok := principalOrAbort(c)
	if !ok {
		return
	}
	inst, err := h.institutions.GetInstitution(c.Request.Context(), p, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, inst, nil)
}

// Transition godoc
// @Summary Apply lifecycle event to institution
// @Description verify, reject, suspend, reactivate or reopen
// @Tags Institutions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Institution ID"
// @Param payload body dto.TransitionRequest true "Event"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /institutions/{id}/transition [post]
func (h *InstitutionHandler) Transition(c *gin.Context) {
	transition(c, h.capacity, h.validate, models.EntityInstitution)
}

// Bulk godoc
// @Summary Apply lifecycle event to many institutions
// @Tags Institutions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body dto.BulkRequest true "Bulk payload"
// @Success 200 {object} response.Envelope
// @Router /institutions/bulk [post]
func (h *InstitutionHandler) Bulk(c *gin.Context) {
	bulk(c, h.bulk, h.validate, models.EntityInstitution)
}

// Counts godoc
// @Summary Current capacity-limited headcount
// @Tags Institutions
// @Produce json
// @Security BearerAuth
// @Param id path string true "Institution ID"
// @Success 200 {object} response.Envelope
// @Router /institutions/{id}/counts [get]
func (h *InstitutionHandler) Counts(c *gin.Context) {
	p, ok := principalOrAbort(c)
	if !ok {
		return
	}
	snapshot, err := h.capacity.GetCounts(c.Request.Context(), p, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, snapshot, nil)
}

// Capacity godoc
// @Summary Would approving one more member of role exceed the limit
// @Tags Institutions
// @Produce json
// @Security BearerAuth
// @Param id path string true "Institution ID"
// @Param role query string true "Role"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /institutions/{id}/capacity [get]
func (h *InstitutionHandler) Capacity(c *gin.Context) {
	p, ok := principalOrAbort(c)
	if !ok {
		return
	}
	role, err := models.ParseRole(c.Query("role"))
	if err != nil {
		response.Error(c, err)
		return
	}
	id := c.Param("id")
	exceeded, err := h.capacity.WouldExceed(c.Request.Context(), p, id, role)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.CapacityResponse{InstitutionID: id, Role: role, WouldExceed: exceeded}, nil)
}

// UpdateLimits godoc
// @Summary Replace capacity limits
// @Tags Institutions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Institution ID"
// @Param payload body dto.UpdateLimitsRequest true "Limits"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /institutions/{id}/limits [put]
func (h *InstitutionHandler) UpdateLimits(c *gin.Context) {
	p, ok := principalOrAbort(c)
	if !ok {
		return
	}
	var req dto.UpdateLimitsRequest
	if !bindJSON(c, h.validate, &req, "invalid limits payload") {
		return
	}
	if req.MaxAdmins == nil && req.MaxModerators == nil && req.FeatureFlags == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "nothing to update"))
		return
	}
	inst, err := h.institutions.UpdateInstitutionLimits(c.Request.Context(), p, c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, inst, nil)
}

// SetMemberActive godoc
// @Summary Suspend or reactivate a member
// @Tags Institutions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Institution ID"
// @Param userId path string true "User ID"
// @Param payload body dto.SetActiveRequest true "Flag"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /institutions/{id}/members/{userId}/active [patch]
func (h *InstitutionHandler) SetMemberActive(c *gin.Context) {
	p, ok := principalOrAbort(c)
	if !ok {
		return
	}
	var req dto.SetActiveRequest
	if !bindJSON(c, h.validate, &req, "invalid member payload") {
		return
	}
	user, err := h.institutions.SetMemberActive(c.Request.Context(), p, c.Param("id"), c.Param("userId"), req.Active)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, userSummary(user), nil)
}

func userSummary(user *models.User) gin.H {
	return gin.H{
		"id":              user.ID,
		"email":           user.Email,
		"full_name":       user.FullName,
		"role":            user.Role,
		"approval_status": user.ApprovalStatus,
		"active":          user.Active,
	}
}
