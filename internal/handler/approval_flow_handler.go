package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/campuskit/approval-api/internal/dto"
	"github.com/campuskit/approval-api/internal/middleware"
	"github.com/campuskit/approval-api/internal/models"
	appErrors "github.com/campuskit/approval-api/pkg/errors"
	"github.com/campuskit/approval-api/pkg/response"
)

type flowService interface {
	CreateFlow(ctx context.Context, req dto.CreateFlowRequest, actor *models.JWTClaims) (*models.ApprovalFlow, error)
	GetFlow(ctx context.Context, id string) (*models.ApprovalFlow, error)
	ListFlows(ctx context.Context, query dto.FlowQuery) ([]models.ApprovalFlow, *models.Pagination, bool, error)
	UpdateFlow(ctx context.Context, id string, req dto.UpdateFlowRequest, actor *models.JWTClaims) (*models.ApprovalFlow, error)
	DeactivateFlow(ctx context.Context, id string, actor *models.JWTClaims) error
	DeleteFlow(ctx context.Context, id string) error
	FindFlowForResourceType(ctx context.Context, resourceType string) (*models.ApprovalFlow, error)
}

// ApprovalFlowHandler exposes REST endpoints for flow definitions.
type ApprovalFlowHandler struct {
	service flowService
}

// NewApprovalFlowHandler constructs the handler.
func NewApprovalFlowHandler(service flowService) *ApprovalFlowHandler {
	return &ApprovalFlowHandler{service: service}
}

// Create godoc
// @Summary Define an approval flow
// @Tags ApprovalFlows
// @Accept json
// @Produce json
// @Param payload body dto.CreateFlowRequest true "Flow definition"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /approval-flows [post]
func (h *ApprovalFlowHandler) Create(c *gin.Context) {
	var req dto.CreateFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid flow payload"))
		return
	}
	flow, err := h.service.CreateFlow(c.Request.Context(), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, flow, nil)
}

// List godoc
// @Summary List approval flows
// @Tags ApprovalFlows
// @Produce json
// @Param resourceType query string false "Resource type"
// @Param isActive query bool false "Active flag"
// @Param search query string false "Name search"
// @Success 200 {object} response.Envelope
// @Router /approval-flows [get]
func (h *ApprovalFlowHandler) List(c *gin.Context) {
	query := dto.FlowQuery{
		ResourceType: strings.TrimSpace(c.Query("resourceType")),
		Search:       strings.TrimSpace(c.Query("search")),
		Page:         queryInt(c, "page", 1),
		PageSize:     queryInt(c, "pageSize", 20),
	}
	if raw := c.Query("isActive"); raw != "" {
		active := strings.EqualFold(raw, "true")
		query.IsActive = &active
	}

	flows, pagination, fromCache, err := h.service.ListFlows(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, fromCache)
	response.JSON(c, http.StatusOK, flows, pagination, middleware.ExtractMeta(c))
}

// Get godoc
// @Summary Get approval flow detail
// @Tags ApprovalFlows
// @Produce json
// @Param id path string true "Flow ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /approval-flows/{id} [get]
func (h *ApprovalFlowHandler) Get(c *gin.Context) {
	flow, err := h.service.GetFlow(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, flow, nil)
}

// Resolve godoc
// @Summary Resolve the flow for a resource type
// @Tags ApprovalFlows
// @Produce json
// @Param resourceType query string true "Resource type"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /approval-flows/resolve [get]
func (h *ApprovalFlowHandler) Resolve(c *gin.Context) {
	resourceType := strings.TrimSpace(c.Query("resourceType"))
	if resourceType == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "resourceType is required"))
		return
	}
	flow, err := h.service.FindFlowForResourceType(c.Request.Context(), resourceType)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, flow, nil)
}

// Update godoc
// @Summary Update an approval flow
// @Tags ApprovalFlows
// @Accept json
// @Produce json
// @Param id path string true "Flow ID"
// @Param payload body dto.UpdateFlowRequest true "Flow changes"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /approval-flows/{id} [put]
func (h *ApprovalFlowHandler) Update(c *gin.Context) {
	var req dto.UpdateFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid flow payload"))
		return
	}
	flow, err := h.service.UpdateFlow(c.Request.Context(), c.Param("id"), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, flow, nil)
}

// Deactivate godoc
// @Summary Deactivate an approval flow
// @Tags ApprovalFlows
// @Produce json
// @Param id path string true "Flow ID"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /approval-flows/{id}/deactivate [post]
func (h *ApprovalFlowHandler) Deactivate(c *gin.Context) {
	if err := h.service.DeactivateFlow(c.Request.Context(), c.Param("id"), claimsFromContext(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Delete godoc
// @Summary Delete an approval flow
// @Tags ApprovalFlows
// @Produce json
// @Param id path string true "Flow ID"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /approval-flows/{id} [delete]
func (h *ApprovalFlowHandler) Delete(c *gin.Context) {
	if err := h.service.DeleteFlow(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
