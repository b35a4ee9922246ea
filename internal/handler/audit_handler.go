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

type auditService interface {
	GetTrail(ctx context.Context, requestID string) ([]models.ApprovalAuditLog, error)
	GetByActor(ctx context.Context, actorID string, limit, offset int) ([]models.ApprovalAuditLog, error)
	GetStatistics(ctx context.Context, query dto.AuditQuery) (*models.AuditStats, error)
	VerifyAuditTrail(ctx context.Context, requestID string) (*models.AuditVerification, error)
	ExportLogs(ctx context.Context, query dto.ExportQuery, actorID, actorRole string) (*dto.ExportResult, error)
}

// AuditHandler exposes read-only endpoints over the audit trail.
type AuditHandler struct {
	service auditService
}

// NewAuditHandler constructs the handler.
func NewAuditHandler(service auditService) *AuditHandler {
	return &AuditHandler{service: service}
}

// Trail godoc
// @Summary Audit trail for a request, most recent first
// @Tags Audit
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Router /approval-requests/{id}/audit [get]
func (h *AuditHandler) Trail(c *gin.Context) {
	logs, err := h.service.GetTrail(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, logs, nil)
}

// Verify godoc
// @Summary Verify audit trail integrity for a request
// @Tags Audit
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Router /approval-requests/{id}/audit/verify [get]
func (h *AuditHandler) Verify(c *gin.Context) {
	verification, err := h.service.VerifyAuditTrail(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, verification, nil)
}

// ByActor godoc
// @Summary Audit entries written by an actor
// @Tags Audit
// @Produce json
// @Param actorId path string true "Actor ID"
// @Success 200 {object} response.Envelope
// @Router /audit/actors/{actorId} [get]
func (h *AuditHandler) ByActor(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	logs, err := h.service.GetByActor(c.Request.Context(), c.Param("actorId"), limit, offset)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, logs, nil)
}

// Statistics godoc
// @Summary Audit statistics
// @Tags Audit
// @Produce json
// @Param from query string false "Window start"
// @Param to query string false "Window end"
// @Success 200 {object} response.Envelope
// @Router /audit/statistics [get]
func (h *AuditHandler) Statistics(c *gin.Context) {
	stats, err := h.service.GetStatistics(c.Request.Context(), h.query(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats, nil)
}

// Export godoc
// @Summary Export audit entries as CSV or PDF
// @Tags Audit
// @Produce octet-stream
// @Param format query string false "csv or pdf" default(csv)
// @Param requestId query string false "Request ID"
// @Param actorId query string false "Actor ID"
// @Param from query string false "Window start"
// @Param to query string false "Window end"
// @Success 200 {file} binary
// @Router /audit/export [get]
func (h *AuditHandler) Export(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	format := dto.ExportFormat(strings.ToLower(strings.TrimSpace(c.DefaultQuery("format", "csv"))))
	if format != dto.ExportCSV && format != dto.ExportPDF {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf"))
		return
	}

	result, err := h.service.ExportLogs(c.Request.Context(), dto.ExportQuery{
		AuditQuery: h.query(c),
		Format:     format,
	}, claims.UserID, string(claims.Role))
	if err != nil {
		response.Error(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+result.FileName+`"`)
	c.Data(http.StatusOK, result.ContentType, result.Content)
}

func (h *AuditHandler) query(c *gin.Context) dto.AuditQuery {
	query := dto.AuditQuery{
		ApprovalRequestID: strings.TrimSpace(c.Query("requestId")),
		ActorID:           strings.TrimSpace(c.Query("actorId")),
		From:              queryTime(c, "from"),
		To:                queryTime(c, "to"),
		Limit:             queryInt(c, "limit", 0),
		Offset:            queryInt(c, "offset", 0),
	}
	if raw := strings.TrimSpace(c.Query("action")); raw != "" {
		query.Action = models.AuditAction(strings.ToUpper(raw))
	}
	return query
}
