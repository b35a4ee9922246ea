package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/campuskit/approval-api/internal/dto"
	"github.com/campuskit/approval-api/internal/models"
	appErrors "github.com/campuskit/approval-api/pkg/errors"
	"github.com/campuskit/approval-api/pkg/response"
)

type requestService interface {
	CreateApprovalRequest(ctx context.Context, req dto.CreateApprovalRequest, actor *models.JWTClaims) (*models.ApprovalRequest, error)
	GetApprovalRequest(ctx context.Context, id string) (*models.ApprovalRequest, error)
	GetApprovalRequests(ctx context.Context, query dto.RequestQuery) ([]models.ApprovalRequest, *models.Pagination, error)
	GetActiveTodayApprovals(ctx context.Context, query dto.ActiveTodayQuery) ([]*dto.EnrichedApprovalRequest, *models.Pagination, error)
	ApproveStep(ctx context.Context, id string, req dto.DecisionRequest, actor *models.JWTClaims) (*models.ApprovalRequest, error)
	RejectStep(ctx context.Context, id string, req dto.DecisionRequest, actor *models.JWTClaims) (*models.ApprovalRequest, error)
	CancelApprovalRequest(ctx context.Context, id, reason string, actor *models.JWTClaims) (*models.ApprovalRequest, error)
	DeleteApprovalRequest(ctx context.Context, id string) error
	GetStatistics(ctx context.Context, query dto.RequestQuery) (*models.ApprovalRequestStats, error)
}

// ApprovalRequestHandler exposes REST endpoints for the request lifecycle.
type ApprovalRequestHandler struct {
	service requestService
}

// NewApprovalRequestHandler constructs the handler.
func NewApprovalRequestHandler(service requestService) *ApprovalRequestHandler {
	return &ApprovalRequestHandler{service: service}
}

// Create godoc
// @Summary Open an approval request for a reservation
// @Tags ApprovalRequests
// @Accept json
// @Produce json
// @Param payload body dto.CreateApprovalRequest true "Request payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /approval-requests [post]
func (h *ApprovalRequestHandler) Create(c *gin.Context) {
	var req dto.CreateApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid request payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	request, err := h.service.CreateApprovalRequest(c.Request.Context(), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, request, nil)
}

// List godoc
// @Summary List approval requests
// @Tags ApprovalRequests
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param requesterId query string false "Requester ID"
// @Param approvalFlowId query string false "Flow ID"
// @Param reservationId query string false "Reservation ID"
// @Param resourceId query string false "Resource ID (metadata)"
// @Param programId query string false "Program ID (metadata)"
// @Param priority query string false "Priority (metadata)"
// @Param search query string false "Free text search"
// @Param dateFrom query string false "Window start (RFC3339 or YYYY-MM-DD)"
// @Param dateTo query string false "Window end (RFC3339 or YYYY-MM-DD)"
// @Success 200 {object} response.Envelope
// @Router /approval-requests [get]
func (h *ApprovalRequestHandler) List(c *gin.Context) {
	query := dto.RequestQuery{
		RequesterID:    strings.TrimSpace(c.Query("requesterId")),
		ApprovalFlowID: strings.TrimSpace(c.Query("approvalFlowId")),
		ReservationID:  strings.TrimSpace(c.Query("reservationId")),
		Status:         queryStatuses(c, "status"),
		ResourceID:     strings.TrimSpace(c.Query("resourceId")),
		ProgramID:      strings.TrimSpace(c.Query("programId")),
		Priority:       strings.TrimSpace(c.Query("priority")),
		Search:         strings.TrimSpace(c.Query("search")),
		DateFrom:       queryTime(c, "dateFrom"),
		DateTo:         queryTime(c, "dateTo"),
		Page:           queryInt(c, "page", 1),
		PageSize:       queryInt(c, "pageSize", 20),
	}

	requests, pagination, err := h.service.GetApprovalRequests(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, requests, pagination)
}

// ActiveToday godoc
// @Summary List approved reservations active on a day
// @Tags ApprovalRequests
// @Produce json
// @Param date query string false "Target day (YYYY-MM-DD), defaults to today"
// @Param resourceId query string false "Resource ID"
// @Param programId query string false "Program ID"
// @Param resourceType query string false "Resource type"
// @Success 200 {object} response.Envelope
// @Router /approval-requests/active-today [get]
func (h *ApprovalRequestHandler) ActiveToday(c *gin.Context) {
	query := dto.ActiveTodayQuery{
		Date:         queryTime(c, "date"),
		ResourceID:   strings.TrimSpace(c.Query("resourceId")),
		ProgramID:    strings.TrimSpace(c.Query("programId")),
		ResourceType: strings.TrimSpace(c.Query("resourceType")),
		Page:         queryInt(c, "page", 1),
		PageSize:     queryInt(c, "pageSize", 20),
	}

	requests, pagination, err := h.service.GetActiveTodayApprovals(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, requests, pagination)
}

// Get godoc
// @Summary Get approval request detail
// @Tags ApprovalRequests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /approval-requests/{id} [get]
func (h *ApprovalRequestHandler) Get(c *gin.Context) {
	request, err := h.service.GetApprovalRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// Approve godoc
// @Summary Approve the current step
// @Tags ApprovalRequests
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.DecisionRequest true "Decision payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /approval-requests/{id}/approve [post]
func (h *ApprovalRequestHandler) Approve(c *gin.Context) {
	h.decide(c, h.service.ApproveStep)
}

// Reject godoc
// @Summary Reject the current step
// @Tags ApprovalRequests
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.DecisionRequest true "Decision payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /approval-requests/{id}/reject [post]
func (h *ApprovalRequestHandler) Reject(c *gin.Context) {
	h.decide(c, h.service.RejectStep)
}

func (h *ApprovalRequestHandler) decide(c *gin.Context, decision func(context.Context, string, dto.DecisionRequest, *models.JWTClaims) (*models.ApprovalRequest, error)) {
	var req dto.DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid decision payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	request, err := decision(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// Cancel godoc
// @Summary Cancel an approval request
// @Tags ApprovalRequests
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.CancelRequest false "Cancellation reason"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /approval-requests/{id}/cancel [post]
func (h *ApprovalRequestHandler) Cancel(c *gin.Context) {
	var req dto.CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid cancellation payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	request, err := h.service.CancelApprovalRequest(c.Request.Context(), c.Param("id"), req.Reason, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// Delete godoc
// @Summary Hard-delete an approval request
// @Tags ApprovalRequests
// @Produce json
// @Param id path string true "Request ID"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /approval-requests/{id} [delete]
func (h *ApprovalRequestHandler) Delete(c *gin.Context) {
	if err := h.service.DeleteApprovalRequest(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Statistics godoc
// @Summary Approval request statistics
// @Tags ApprovalRequests
// @Produce json
// @Param requesterId query string false "Requester ID"
// @Param approvalFlowId query string false "Flow ID"
// @Success 200 {object} response.Envelope
// @Router /approval-requests/statistics [get]
func (h *ApprovalRequestHandler) Statistics(c *gin.Context) {
	query := dto.RequestQuery{
		RequesterID:    strings.TrimSpace(c.Query("requesterId")),
		ApprovalFlowID: strings.TrimSpace(c.Query("approvalFlowId")),
	}
	stats, err := h.service.GetStatistics(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats, nil)
}
