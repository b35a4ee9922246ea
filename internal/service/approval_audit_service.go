package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/campuskit/approval-api/internal/dto"
	"github.com/campuskit/approval-api/internal/models"
	appErrors "github.com/campuskit/approval-api/pkg/errors"
	"github.com/campuskit/approval-api/pkg/export"
)

type auditStore interface {
	Create(ctx context.Context, entry *models.ApprovalAuditLog) error
	FindByRequestID(ctx context.Context, requestID string) ([]models.ApprovalAuditLog, error)
	FindByActorID(ctx context.Context, actorID string, limit, offset int) ([]models.ApprovalAuditLog, error)
	FindWithFilters(ctx context.Context, filter models.AuditFilter) ([]models.ApprovalAuditLog, error)
	GetStatistics(ctx context.Context, filter models.AuditFilter) (*models.AuditStats, error)
}

// criticalDispatcher receives events for approval/rejection/cancellation
// actions after their audit entry is durably written.
type criticalDispatcher interface {
	Dispatch(event AuditEvent)
}

// ApprovalAuditService writes the append-only trail for every workflow state
// change and verifies trail integrity on demand.
type ApprovalAuditService struct {
	repo       auditStore
	dispatcher criticalDispatcher
	metrics    *MetricsService
	logger     *zap.Logger
	csv        *export.CSVExporter
	pdf        *export.PDFExporter
	maxExport  int
}

// NewApprovalAuditService constructs the audit service.
func NewApprovalAuditService(repo auditStore, dispatcher criticalDispatcher, metrics *MetricsService, logger *zap.Logger, maxExport int) *ApprovalAuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxExport <= 0 {
		maxExport = 5000
	}
	return &ApprovalAuditService{
		repo:       repo,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
		csv:        export.NewCSVExporter(),
		pdf:        export.NewPDFExporter(),
		maxExport:  maxExport,
	}
}

// log persists one entry; critical actions additionally fan out an event.
// The audit write must succeed before anything is published.
func (s *ApprovalAuditService) log(ctx context.Context, entry *models.ApprovalAuditLog) error {
	if err := s.repo.Create(ctx, entry); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to write audit entry")
	}
	if s.metrics != nil {
		s.metrics.RecordAuditWrite()
	}
	if entry.Action.IsCritical() && s.dispatcher != nil {
		comment := ""
		if entry.Comment != nil {
			comment = *entry.Comment
		}
		s.dispatcher.Dispatch(AuditEvent{
			ApprovalRequestID: entry.ApprovalRequestID,
			Action:            entry.Action,
			ActorID:           entry.ActorID,
			ActorRole:         entry.ActorRole,
			Comment:           comment,
			OccurredAt:        entry.Timestamp,
		})
	}
	return nil
}

func newEntry(requestID string, action models.AuditAction, actorID, actorRole string, comment string, metadata models.Metadata) *models.ApprovalAuditLog {
	entry := &models.ApprovalAuditLog{
		ApprovalRequestID: requestID,
		Action:            action,
		ActorID:           actorID,
		ActorRole:         actorRole,
		Metadata:          metadata,
		Timestamp:         time.Now().UTC(),
	}
	if comment != "" {
		entry.Comment = &comment
	}
	return entry
}

// LogRequestCreation records the REQUEST_CREATED entry.
func (s *ApprovalAuditService) LogRequestCreation(ctx context.Context, requestID, actorID, actorRole string, metadata models.Metadata) error {
	return s.log(ctx, newEntry(requestID, models.AuditRequestCreated, actorID, actorRole, "", metadata))
}

// LogStepApproval records one approved step.
func (s *ApprovalAuditService) LogStepApproval(ctx context.Context, requestID, actorID, actorRole, stepName, comment string) error {
	return s.log(ctx, newEntry(requestID, models.AuditStepApproved, actorID, actorRole, comment,
		models.Metadata{"stepName": stepName}))
}

// LogStepRejection records one rejected step.
func (s *ApprovalAuditService) LogStepRejection(ctx context.Context, requestID, actorID, actorRole, stepName, comment string) error {
	return s.log(ctx, newEntry(requestID, models.AuditStepRejected, actorID, actorRole, comment,
		models.Metadata{"stepName": stepName}))
}

// LogRequestApproval records the terminal approval of the whole request.
func (s *ApprovalAuditService) LogRequestApproval(ctx context.Context, requestID, actorID, actorRole string) error {
	return s.log(ctx, newEntry(requestID, models.AuditRequestApproved, actorID, actorRole, "", nil))
}

// LogRequestRejection records the terminal rejection of the whole request.
func (s *ApprovalAuditService) LogRequestRejection(ctx context.Context, requestID, actorID, actorRole, comment string) error {
	return s.log(ctx, newEntry(requestID, models.AuditRequestRejected, actorID, actorRole, comment, nil))
}

// LogRequestCancellation records a cancellation.
func (s *ApprovalAuditService) LogRequestCancellation(ctx context.Context, requestID, actorID, actorRole, reason string) error {
	return s.log(ctx, newEntry(requestID, models.AuditRequestCancelled, actorID, actorRole, reason, nil))
}

// LogDocumentGeneration records that a document was rendered for the request.
func (s *ApprovalAuditService) LogDocumentGeneration(ctx context.Context, requestID, actorID, actorRole, fileName string) error {
	return s.log(ctx, newEntry(requestID, models.AuditDocumentGenerated, actorID, actorRole, "",
		models.Metadata{"fileName": fileName}))
}

// LogNotificationSent records a delivered notification event.
func (s *ApprovalAuditService) LogNotificationSent(ctx context.Context, requestID, channel string) error {
	return s.log(ctx, newEntry(requestID, models.AuditNotificationSent, "system", "SYSTEM", "",
		models.Metadata{"channel": channel}))
}

// GetTrail returns the trail for a request, most recent first.
func (s *ApprovalAuditService) GetTrail(ctx context.Context, requestID string) ([]models.ApprovalAuditLog, error) {
	logs, err := s.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load audit trail")
	}
	return logs, nil
}

// GetByActor returns entries produced by one actor.
func (s *ApprovalAuditService) GetByActor(ctx context.Context, actorID string, limit, offset int) ([]models.ApprovalAuditLog, error) {
	logs, err := s.repo.FindByActorID(ctx, actorID, limit, offset)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load actor audit trail")
	}
	return logs, nil
}

// GetStatistics aggregates trail entries.
func (s *ApprovalAuditService) GetStatistics(ctx context.Context, query dto.AuditQuery) (*models.AuditStats, error) {
	stats, err := s.repo.GetStatistics(ctx, models.AuditFilter{From: query.From, To: query.To})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate audit statistics")
	}
	return stats, nil
}

// VerifyAuditTrail runs the read-only integrity diagnostic over a request's
// trail. Issues are reported as data; nothing is repaired.
//
// The repository contract returns entries most recent first, so iterating
// forward the timestamps must be non-increasing.
func (s *ApprovalAuditService) VerifyAuditTrail(ctx context.Context, requestID string) (*models.AuditVerification, error) {
	logs, err := s.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load audit trail")
	}

	issues := make([]string, 0, 4)

	hasCreation := false
	hasApproval := false
	hasRejection := false
	hasCancellation := false
	for _, entry := range logs {
		switch {
		case entry.Action == models.AuditRequestCreated:
			hasCreation = true
		case entry.Action.IsApprovalClass():
			hasApproval = true
		case entry.Action.IsRejectionClass():
			hasRejection = true
		case entry.Action == models.AuditRequestCancelled:
			hasCancellation = true
		}
	}

	if !hasCreation {
		issues = append(issues, "missing REQUEST_CREATED entry")
	}
	for i := 0; i+1 < len(logs); i++ {
		if logs[i].Timestamp.Before(logs[i+1].Timestamp) {
			issues = append(issues, fmt.Sprintf(
				"audit entries out of chronological order at position %d: %s before %s",
				i, logs[i].Timestamp.Format(time.RFC3339Nano), logs[i+1].Timestamp.Format(time.RFC3339Nano)))
		}
	}
	if hasApproval && hasRejection {
		issues = append(issues, "trail contains both approval and rejection entries")
	}
	if hasCancellation && (hasApproval || hasRejection) {
		issues = append(issues, "request was cancelled after an approval or rejection was recorded")
	}

	return &models.AuditVerification{
		IsValid: len(issues) == 0,
		Issues:  issues,
		Logs:    logs,
	}, nil
}

// ExportLogs renders a filtered trail window as CSV or PDF and records a
// DOCUMENT_GENERATED entry when the export targets a single request.
func (s *ApprovalAuditService) ExportLogs(ctx context.Context, query dto.ExportQuery, actorID, actorRole string) (*dto.ExportResult, error) {
	filter := models.AuditFilter{
		ApprovalRequestID: query.ApprovalRequestID,
		ActorID:           query.ActorID,
		Action:            query.Action,
		From:              query.From,
		To:                query.To,
		Limit:             s.maxExport,
	}
	logs, err := s.repo.FindWithFilters(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load audit entries for export")
	}

	dataset := export.Dataset{
		Headers: []string{"Timestamp", "Request", "Action", "Actor", "Role", "Comment"},
		Rows:    make([]map[string]string, 0, len(logs)),
	}
	for _, entry := range logs {
		comment := ""
		if entry.Comment != nil {
			comment = *entry.Comment
		}
		dataset.Rows = append(dataset.Rows, map[string]string{
			"Timestamp": entry.Timestamp.Format(time.RFC3339),
			"Request":   entry.ApprovalRequestID,
			"Action":    string(entry.Action),
			"Actor":     entry.ActorID,
			"Role":      entry.ActorRole,
			"Comment":   comment,
		})
	}

	result := &dto.ExportResult{Entries: len(logs)}
	stamp := time.Now().UTC().Format("20060102-150405")
	switch query.Format {
	case dto.ExportPDF:
		content, err := s.pdf.Render(dataset, "Approval Audit Trail")
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render audit pdf")
		}
		result.Content = content
		result.ContentType = "application/pdf"
		result.FileName = "audit-" + stamp + ".pdf"
	default:
		content, err := s.csv.Render(dataset)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render audit csv")
		}
		result.Content = content
		result.ContentType = "text/csv"
		result.FileName = "audit-" + stamp + ".csv"
	}

	if query.ApprovalRequestID != "" {
		if err := s.LogDocumentGeneration(ctx, query.ApprovalRequestID, actorID, actorRole, result.FileName); err != nil {
			s.logger.Warn("failed to record document generation",
				zap.String("request_id", query.ApprovalRequestID), zap.Error(err))
		}
	}
	return result, nil
}
