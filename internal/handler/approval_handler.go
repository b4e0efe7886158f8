package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/edutier-api/internal/dto"
	"github.com/noah-isme/edutier-api/internal/models"
	appErrors "github.com/noah-isme/edutier-api/pkg/errors"
	"github.com/noah-isme/edutier-api/pkg/response"
)

type approvalService interface {
	SubmitRequest(ctx context.Context, p models.Principal, req dto.SubmitApprovalRequest) (*models.ApprovalRequest, error)
	Transition(ctx context.Context, p models.Principal, kind models.EntityKind, id string, event models.Event, notes string) (*dto.TransitionResult, error)
	GetRequest(ctx context.Context, p models.Principal, id string) (*models.ApprovalRequest, error)
	ListRequests(ctx context.Context, p models.Principal, query dto.ApprovalQuery) ([]models.ApprovalRequest, *models.Pagination, error)
	SetDocumentVerified(ctx context.Context, p models.Principal, requestID string, position int, verified bool) (*models.ApprovalRequest, error)
}

type bulkService interface {
	ApplyBulk(ctx context.Context, p models.Principal, kind models.EntityKind, ids []string, event models.Event, notes string) (*dto.BulkResult, error)
}

type exportService interface {
	ExportRequests(ctx context.Context, p models.Principal, query dto.ApprovalQuery, format dto.ExportFormat) (*dto.ExportFile, error)
}

// ApprovalHandler exposes approval request endpoints.
type ApprovalHandler struct {
	approvals approvalService
	bulk      bulkService
	exports   exportService
	validate  *validator.Validate
}

// NewApprovalHandler constructs the handler.
func NewApprovalHandler(approvals approvalService, bulk bulkService, exports exportService, validate *validator.Validate) *ApprovalHandler {
	return &ApprovalHandler{approvals: approvals, bulk: bulk, exports: exports, validate: validate}
}

// Submit godoc
// @Summary Submit approval request
// @Description Files a registration or elevation request for the caller
// @Tags Approvals
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body dto.SubmitApprovalRequest true "Request payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /approvals [post]
func (h *ApprovalHandler) Submit(c *gin.Context) {
	p, ok := principalOrAbort(c)
	if !ok {
		return
	}
	var req dto.SubmitApprovalRequest
	if !bindJSON(c, h.validate, &req, "invalid approval request payload") {
		return
	}
	created, err := h.approvals.SubmitRequest(c.Request.Context(), p, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, created)
}

// List godoc
// @Summary List approval requests
// @Description Reviewers see their institution's requests; other callers see their own
// @Tags Approvals
// @Produce json
// @Security BearerAuth
// @Param status query string false "Comma-separated statuses"
// @Param institution_id query string false "Institution filter (platform reviewers)"
// @Param requestor_id query string false "Requestor filter"
// @Param role query string false "Requested role"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /approvals [get]
func (h *ApprovalHandler) List(c *gin.Context) {
	p, ok := principalOrAbort(c)
	if !ok {
		return
	}
	items, pagination, err := h.approvals.ListRequests(c.Request.Context(), p, approvalQuery(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, pagination)
}

// Get godoc
// @Summary Get approval request
// @Tags Approvals
// @Produce json
// @Security BearerAuth
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /approvals/{id} [get]
func (h *ApprovalHandler) Get(c *gin.Context) {
	p, ok := principalOrAbort(c)
	if !ok {
		return
	}
	req, err := h.approvals.GetRequest(c.Request.Context(), p, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, req, nil)
}

// Transition godoc
// @Summary Apply event to approval request
// @Description Applies review_start, approve or reject. Approval of Admin and Moderator requests is capacity guarded.
// @Tags Approvals
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Request ID"
// @Param payload body dto.TransitionRequest true "Event"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 412 {object} response.Envelope
// @Router /approvals/{id}/transition [post]
func (h *ApprovalHandler) Transition(c *gin.Context) {
	transition(c, h.approvals, h.validate, models.EntityApprovalRequest)
}

// Bulk godoc
// @Summary Apply event to many approval requests
// @Description Every id appears once in the result, as succeeded or failed with a code
// @Tags Approvals
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body dto.BulkRequest true "Bulk payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /approvals/bulk [post]
func (h *ApprovalHandler) Bulk(c *gin.Context) {
	bulk(c, h.bulk, h.validate, models.EntityApprovalRequest)
}

// VerifyDocument godoc
// @Summary Set document verified flag
// @Tags Approvals
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Request ID"
// @Param index path int true "Document position"
// @Param payload body dto.DocumentVerifyRequest true "Flag"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /approvals/{id}/documents/{index} [patch]
func (h *ApprovalHandler) VerifyDocument(c *gin.Context) {
	p, ok := principalOrAbort(c)
	if !ok {
		return
	}
	position, err := strconv.Atoi(c.Param("index"))
	if err != nil || position < 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "document index must be a non-negative integer"))
		return
	}
	var req dto.DocumentVerifyRequest
	if !bindJSON(c, h.validate, &req, "invalid document payload") {
		return
	}
	updated, err := h.approvals.SetDocumentVerified(c.Request.Context(), p, c.Param("id"), position, req.Verified)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, updated, nil)
}

// Export godoc
// @Summary Export approval requests
// @Description Streams the filtered listing as CSV or PDF
// @Tags Approvals
// @Produce text/csv
// @Produce application/pdf
// @Security BearerAuth
// @Param format query string false "csv or pdf"
// @Param status query string false "Comma-separated statuses"
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Router /approvals/export [get]
func (h *ApprovalHandler) Export(c *gin.Context) {
	p, ok := principalOrAbort(c)
	if !ok {
		return
	}
	file, err := h.exports.ExportRequests(c.Request.Context(), p, approvalQuery(c), dto.ExportFormat(c.DefaultQuery("format", "csv")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.File(c, file.Filename, file.ContentType, file.Body)
}

func approvalQuery(c *gin.Context) dto.ApprovalQuery {
	page, size := pageParams(c)
	query := dto.ApprovalQuery{
		InstitutionID: c.Query("institution_id"),
		RequestorID:   c.Query("requestor_id"),
		RequestedRole: models.Role(c.Query("role")),
		Page:          page,
		PageSize:      size,
	}
	for _, status := range csvQuery(c, "status") {
		query.Status = append(query.Status, models.ApprovalStatus(status))
	}
	return query
}

type transitioner interface {
	Transition(ctx context.Context, p models.Principal, kind models.EntityKind, id string, event models.Event, notes string) (*dto.TransitionResult, error)
}

func transition(c *gin.Context, svc transitioner, validate *validator.Validate, kind models.EntityKind) {
	p, ok := principalOrAbort(c)
	if !ok {
		return
	}
	var req dto.TransitionRequest
	if !bindJSON(c, validate, &req, "invalid transition payload") {
		return
	}
	result, err := svc.Transition(c.Request.Context(), p, kind, c.Param("id"), req.Event, req.Notes)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

func bulk(c *gin.Context, svc bulkService, validate *validator.Validate, kind models.EntityKind) {
	p, ok := principalOrAbort(c)
	if !ok {
		return
	}
	var req dto.BulkRequest
	if !bindJSON(c, validate, &req, "invalid bulk payload") {
		return
	}
	result, err := svc.ApplyBulk(c.Request.Context(), p, kind, req.IDs, req.Event, req.Notes)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}
