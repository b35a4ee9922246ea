package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/campuskit/approval-api/internal/dto"
	"github.com/campuskit/approval-api/internal/models"
	"github.com/campuskit/approval-api/internal/repository"
	appErrors "github.com/campuskit/approval-api/pkg/errors"
)

const requestCachePattern = "approval:requests:*"

// secondPassFetchSize bounds the storage fetch when metadata-only filters
// force the pagination to be recomputed in memory.
const secondPassFetchSize = 1000

type requestStore interface {
	Create(ctx context.Context, request *models.ApprovalRequest) error
	FindByID(ctx context.Context, id string) (*models.ApprovalRequest, error)
	FindActiveByReservation(ctx context.Context, reservationID string) (*models.ApprovalRequest, error)
	List(ctx context.Context, filter models.ApprovalRequestFilter) ([]models.ApprovalRequest, int, error)
	FindApprovedInWindow(ctx context.Context, filter repository.ActiveWindowFilter) ([]models.ApprovalRequest, int, error)
	FindPendingCreatedBefore(ctx context.Context, threshold time.Time) ([]models.ApprovalRequest, error)
	Update(ctx context.Context, request *models.ApprovalRequest, expectedUpdatedAt time.Time) error
	Delete(ctx context.Context, id string) error
	GetStatistics(ctx context.Context, filter models.ApprovalRequestFilter) (*models.ApprovalRequestStats, error)
}

type auditTrail interface {
	LogRequestCreation(ctx context.Context, requestID, actorID, actorRole string, metadata models.Metadata) error
	LogStepApproval(ctx context.Context, requestID, actorID, actorRole, stepName, comment string) error
	LogStepRejection(ctx context.Context, requestID, actorID, actorRole, stepName, comment string) error
	LogRequestApproval(ctx context.Context, requestID, actorID, actorRole string) error
	LogRequestRejection(ctx context.Context, requestID, actorID, actorRole, comment string) error
	LogRequestCancellation(ctx context.Context, requestID, actorID, actorRole, reason string) error
}

type requestEnricher interface {
	EnrichApprovalRequest(ctx context.Context, request *models.ApprovalRequest) *dto.EnrichedApprovalRequest
}

// ApprovalRequestService drives the per-request state machine using the
// referenced flow, writes the audit trail, and serves queries on top.
type ApprovalRequestService struct {
	requests    requestStore
	flows       flowStore
	audit       auditTrail
	enricher    requestEnricher
	flowService *ApprovalFlowService
	cache       *CacheService
	metrics     *MetricsService
	logger      *zap.Logger
	autoApprove bool
}

// NewApprovalRequestService constructs the orchestrator.
func NewApprovalRequestService(
	requests requestStore,
	flows flowStore,
	audit auditTrail,
	enricher requestEnricher,
	flowService *ApprovalFlowService,
	cache *CacheService,
	metrics *MetricsService,
	logger *zap.Logger,
	autoApprove bool,
) *ApprovalRequestService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApprovalRequestService{
		requests:    requests,
		flows:       flows,
		audit:       audit,
		enricher:    enricher,
		flowService: flowService,
		cache:       cache,
		metrics:     metrics,
		logger:      logger,
		autoApprove: autoApprove,
	}
}

// CreateApprovalRequest opens an approval lifecycle for a reservation. A
// reservation carries at most one non-completed request at any time.
func (s *ApprovalRequestService) CreateApprovalRequest(ctx context.Context, req dto.CreateApprovalRequest, actor *models.JWTClaims) (*models.ApprovalRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}

	flow, err := s.flows.FindByID(ctx, req.ApprovalFlowID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "approval flow not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load approval flow")
	}
	if !flow.IsFlowActive() {
		return nil, appErrors.Clone(appErrors.ErrBusinessRule, fmt.Sprintf("approval flow %q is not active", flow.Name))
	}

	if existing, err := s.requests.FindActiveByReservation(ctx, req.ReservationID); err == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict,
			fmt.Sprintf("reservation %s already has an active approval request (%s)", req.ReservationID, existing.ID))
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check for active request")
	}

	request := &models.ApprovalRequest{
		ReservationID:    req.ReservationID,
		RequesterID:      actor.UserID,
		ApprovalFlowID:   flow.ID,
		Status:           models.StatusPending,
		CurrentStepIndex: 0,
		Metadata:         models.Metadata(req.Metadata),
		History:          models.HistoryList{},
		CreatedBy:        actor.UserID,
		UpdatedBy:        actor.UserID,
	}
	if err := s.requests.Create(ctx, request); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create approval request")
	}
	if err := s.audit.LogRequestCreation(ctx, request.ID, actor.UserID, string(actor.Role), request.Metadata); err != nil {
		s.logger.Warn("failed to write creation audit entry", zap.String("request_id", request.ID), zap.Error(err))
	}

	if s.autoApprove && s.flowService != nil {
		start, end := request.ReservationWindow()
		if s.flowService.ShouldAutoApprove(flow, string(actor.Role), start, end, time.Now().UTC()) {
			approved := request.Complete()
			approved.History = append(approved.History, models.HistoryEntry{
				StepName:   "Auto Approval",
				ApproverID: "system",
				Decision:   models.DecisionApproved,
				Comment:    "auto-approved by flow policy",
				ApprovedAt: approved.UpdatedAt,
			})
			approved.UpdatedBy = "system"
			if err := s.requests.Update(ctx, &approved, request.UpdatedAt); err != nil {
				s.logger.Warn("auto-approval persist failed, request stays pending",
					zap.String("request_id", request.ID), zap.Error(err))
			} else {
				if err := s.audit.LogRequestApproval(ctx, request.ID, "system", "SYSTEM"); err != nil {
					s.logger.Warn("failed to write auto-approval audit entry", zap.String("request_id", request.ID), zap.Error(err))
				}
				s.invalidateCache(ctx)
				s.logger.Info("approval request auto-approved", zap.String("request_id", request.ID))
				return &approved, nil
			}
		}
	}

	s.invalidateCache(ctx)
	s.logger.Info("approval request created",
		zap.String("request_id", request.ID),
		zap.String("reservation_id", request.ReservationID),
		zap.String("flow_id", flow.ID))
	return request, nil
}

// loadReviewable fetches a request and its flow and verifies the request can
// still accept step decisions.
func (s *ApprovalRequestService) loadReviewable(ctx context.Context, id, stepName string) (*models.ApprovalRequest, *models.ApprovalFlow, error) {
	request, err := s.getRequest(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !request.IsPending() && !request.IsInReview() {
		return nil, nil, appErrors.Clone(appErrors.ErrBusinessRule,
			fmt.Sprintf("approval request %s is %s and cannot accept decisions", request.ID, request.Status))
	}

	flow, err := s.flows.FindByID(ctx, request.ApprovalFlowID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "approval flow for request not found")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load approval flow")
	}

	step := flow.GetStep(request.CurrentStepIndex)
	if step == nil {
		return nil, nil, appErrors.Clone(appErrors.ErrBusinessRule,
			fmt.Sprintf("flow %q no longer defines a step at position %d; the flow definition changed under the request", flow.Name, request.CurrentStepIndex+1))
	}
	if step.Name != stepName {
		return nil, nil, appErrors.Clone(appErrors.ErrBusinessRule,
			fmt.Sprintf("step mismatch: expected %q at position %d, got %q", step.Name, request.CurrentStepIndex+1, stepName))
	}
	return request, flow, nil
}

// canDecide checks the actor may decide the given step.
func canDecide(step *models.ApprovalStep, actor *models.JWTClaims) bool {
	if actor == nil {
		return false
	}
	if actor.Role == models.RoleAdmin {
		return true
	}
	return step.ApproverRoles.Contains(string(actor.Role))
}

// ApproveStep records an approval for the flow's current step, advancing the
// request and completing it when the final step clears.
func (s *ApprovalRequestService) ApproveStep(ctx context.Context, id string, req dto.DecisionRequest, actor *models.JWTClaims) (*models.ApprovalRequest, error) {
	request, flow, err := s.loadReviewable(ctx, id, req.StepName)
	if err != nil {
		return nil, err
	}
	if !canDecide(flow.GetStep(request.CurrentStepIndex), actor) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, fmt.Sprintf("role is not an approver for step %q", req.StepName))
	}

	next, err := request.ApproveStep(actor.UserID, req.StepName, req.Comment)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, "approval request already completed")
	}

	completed := false
	if next.CurrentStepIndex >= flow.GetTotalSteps() {
		next = next.Complete()
		next.UpdatedBy = actor.UserID
		completed = true
	}

	if err := s.persistSnapshot(ctx, &next, request.UpdatedAt); err != nil {
		return nil, err
	}

	if err := s.audit.LogStepApproval(ctx, next.ID, actor.UserID, string(actor.Role), req.StepName, req.Comment); err != nil {
		s.logger.Warn("failed to write step approval audit entry", zap.String("request_id", next.ID), zap.Error(err))
	}
	if completed {
		if err := s.audit.LogRequestApproval(ctx, next.ID, actor.UserID, string(actor.Role)); err != nil {
			s.logger.Warn("failed to write request approval audit entry", zap.String("request_id", next.ID), zap.Error(err))
		}
	}

	if s.metrics != nil {
		s.metrics.RecordDecision(string(models.AuditStepApproved))
	}
	s.invalidateCache(ctx)
	s.logger.Info("approval step approved",
		zap.String("request_id", next.ID),
		zap.String("step", req.StepName),
		zap.Int("next_step_index", next.CurrentStepIndex),
		zap.Bool("completed", completed))
	return &next, nil
}

// RejectStep records a rejection for the flow's current step. Rejection at
// any step terminates the whole request.
func (s *ApprovalRequestService) RejectStep(ctx context.Context, id string, req dto.DecisionRequest, actor *models.JWTClaims) (*models.ApprovalRequest, error) {
	request, flow, err := s.loadReviewable(ctx, id, req.StepName)
	if err != nil {
		return nil, err
	}
	if !canDecide(flow.GetStep(request.CurrentStepIndex), actor) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, fmt.Sprintf("role is not an approver for step %q", req.StepName))
	}

	next, err := request.RejectStep(actor.UserID, req.StepName, req.Comment)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, "approval request already completed")
	}

	if err := s.persistSnapshot(ctx, &next, request.UpdatedAt); err != nil {
		return nil, err
	}

	if err := s.audit.LogStepRejection(ctx, next.ID, actor.UserID, string(actor.Role), req.StepName, req.Comment); err != nil {
		s.logger.Warn("failed to write step rejection audit entry", zap.String("request_id", next.ID), zap.Error(err))
	}
	if err := s.audit.LogRequestRejection(ctx, next.ID, actor.UserID, string(actor.Role), req.Comment); err != nil {
		s.logger.Warn("failed to write request rejection audit entry", zap.String("request_id", next.ID), zap.Error(err))
	}

	if s.metrics != nil {
		s.metrics.RecordDecision(string(models.AuditStepRejected))
	}
	s.invalidateCache(ctx)
	s.logger.Info("approval request rejected",
		zap.String("request_id", next.ID),
		zap.String("step", req.StepName))
	return &next, nil
}

// CancelApprovalRequest terminates a request that has not resolved yet.
func (s *ApprovalRequestService) CancelApprovalRequest(ctx context.Context, id, reason string, actor *models.JWTClaims) (*models.ApprovalRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	request, err := s.getRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if request.IsCompleted() {
		return nil, appErrors.Clone(appErrors.ErrConflict,
			fmt.Sprintf("approval request %s already completed with status %s", request.ID, request.Status))
	}

	next, err := request.Cancel(actor.UserID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, "approval request already completed")
	}

	if err := s.persistSnapshot(ctx, &next, request.UpdatedAt); err != nil {
		return nil, err
	}
	if err := s.audit.LogRequestCancellation(ctx, next.ID, actor.UserID, string(actor.Role), reason); err != nil {
		s.logger.Warn("failed to write cancellation audit entry", zap.String("request_id", next.ID), zap.Error(err))
	}

	if s.metrics != nil {
		s.metrics.RecordDecision(string(models.AuditRequestCancelled))
	}
	s.invalidateCache(ctx)
	s.logger.Info("approval request cancelled", zap.String("request_id", next.ID), zap.String("by", actor.UserID))
	return &next, nil
}

// GetApprovalRequest loads a single request.
func (s *ApprovalRequestService) GetApprovalRequest(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return s.getRequest(ctx, id)
}

// DeleteApprovalRequest hard-removes a request. Admin tooling only; the
// normal lifecycle retains requests for audit.
func (s *ApprovalRequestService) DeleteApprovalRequest(ctx context.Context, id string) error {
	if err := s.requests.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "approval request not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete approval request")
	}
	s.invalidateCache(ctx)
	return nil
}

// GetApprovalRequests lists requests. Storage applies the base filters; the
// metadata-only filters run here in a second pass, after which the
// pagination totals are recomputed from the filtered count.
func (s *ApprovalRequestService) GetApprovalRequests(ctx context.Context, query dto.RequestQuery) ([]models.ApprovalRequest, *models.Pagination, error) {
	filter := models.ApprovalRequestFilter{
		RequesterID:    query.RequesterID,
		ApprovalFlowID: query.ApprovalFlowID,
		ReservationID:  query.ReservationID,
		Status:         query.Status,
		Page:           query.Page,
		PageSize:       query.PageSize,
	}

	if !hasMetadataFilters(query) {
		requests, total, err := s.requests.List(ctx, filter)
		if err != nil {
			return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list approval requests")
		}
		return requests, models.NewPagination(query.Page, query.PageSize, total), nil
	}

	filter.Page = 1
	filter.PageSize = secondPassFetchSize
	requests, _, err := s.requests.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list approval requests")
	}
	if len(requests) == secondPassFetchSize {
		s.logger.Warn("metadata-filtered listing hit the candidate fetch bound, totals may undercount",
			zap.Int("fetch_size", secondPassFetchSize))
	}

	filtered := applyMetadataFilters(requests, query)

	page := query.Page
	if page < 1 {
		page = 1
	}
	pageSize := query.PageSize
	if pageSize < 1 {
		pageSize = 20
	}
	start := (page - 1) * pageSize
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + pageSize
	if end > len(filtered) {
		end = len(filtered)
	}

	return filtered[start:end], models.NewPagination(page, pageSize, len(filtered)), nil
}

func hasMetadataFilters(query dto.RequestQuery) bool {
	return query.ResourceID != "" || query.ProgramID != "" || query.Priority != "" ||
		query.Search != "" || query.DateFrom != nil || query.DateTo != nil
}

func applyMetadataFilters(requests []models.ApprovalRequest, query dto.RequestQuery) []models.ApprovalRequest {
	filtered := make([]models.ApprovalRequest, 0, len(requests))
	search := strings.ToLower(strings.TrimSpace(query.Search))
	for _, request := range requests {
		if query.ResourceID != "" && request.Metadata.String(models.MetaResourceID) != query.ResourceID {
			continue
		}
		if query.ProgramID != "" && request.Metadata.String(models.MetaProgramID) != query.ProgramID {
			continue
		}
		if query.Priority != "" && !strings.EqualFold(request.Metadata.String(models.MetaPriority), query.Priority) {
			continue
		}
		if query.DateFrom != nil || query.DateTo != nil {
			start, end := request.ReservationWindow()
			if query.DateFrom != nil && end.Before(*query.DateFrom) {
				continue
			}
			if query.DateTo != nil && start.After(*query.DateTo) {
				continue
			}
		}
		if search != "" && !matchesSearch(&request, search) {
			continue
		}
		filtered = append(filtered, request)
	}
	return filtered
}

func matchesSearch(request *models.ApprovalRequest, search string) bool {
	for _, key := range []string{models.MetaUserName, models.MetaResourceName, models.MetaPurpose, models.MetaUserEmail} {
		if strings.Contains(strings.ToLower(request.Metadata.String(key)), search) {
			return true
		}
	}
	return false
}

// GetActiveTodayApprovals lists APPROVED requests whose reservation falls on
// the target calendar day, enriched with display data.
func (s *ApprovalRequestService) GetActiveTodayApprovals(ctx context.Context, query dto.ActiveTodayQuery) ([]*dto.EnrichedApprovalRequest, *models.Pagination, error) {
	day := time.Now().UTC()
	if query.Date != nil {
		day = query.Date.UTC()
	}
	startOfDay := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	endOfDay := startOfDay.Add(24*time.Hour - time.Millisecond)

	requests, total, err := s.requests.FindApprovedInWindow(ctx, repository.ActiveWindowFilter{
		Start:        startOfDay,
		End:          endOfDay,
		ResourceID:   query.ResourceID,
		ProgramID:    query.ProgramID,
		ResourceType: query.ResourceType,
		Page:         query.Page,
		PageSize:     query.PageSize,
	})
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load today's approvals")
	}

	enriched := make([]*dto.EnrichedApprovalRequest, 0, len(requests))
	for i := range requests {
		enriched = append(enriched, s.enrich(ctx, &requests[i]))
	}
	return enriched, models.NewPagination(query.Page, query.PageSize, total), nil
}

// FindPendingOlderThan returns PENDING requests created before now minus the
// threshold. Consumed by the reminder sweep.
func (s *ApprovalRequestService) FindPendingOlderThan(ctx context.Context, thresholdHours int) ([]models.ApprovalRequest, error) {
	if thresholdHours <= 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "threshold hours must be positive")
	}
	threshold := time.Now().UTC().Add(-time.Duration(thresholdHours) * time.Hour)
	requests, err := s.requests.FindPendingCreatedBefore(ctx, threshold)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load stale pending requests")
	}
	return requests, nil
}

// GetStatistics aggregates request counts and completion timing.
func (s *ApprovalRequestService) GetStatistics(ctx context.Context, query dto.RequestQuery) (*models.ApprovalRequestStats, error) {
	stats, err := s.requests.GetStatistics(ctx, models.ApprovalRequestFilter{
		RequesterID:    query.RequesterID,
		ApprovalFlowID: query.ApprovalFlowID,
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate request statistics")
	}
	return stats, nil
}

func (s *ApprovalRequestService) getRequest(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	request, err := s.requests.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "approval request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load approval request")
	}
	return request, nil
}

// persistSnapshot writes the new state guarded by the loaded snapshot's
// updated_at. Losing the guard means a concurrent writer beat this decision.
func (s *ApprovalRequestService) persistSnapshot(ctx context.Context, next *models.ApprovalRequest, expectedUpdatedAt time.Time) error {
	if err := s.requests.Update(ctx, next, expectedUpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrConflict,
				fmt.Sprintf("approval request %s was modified concurrently, reload and retry", next.ID))
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist approval request")
	}
	return nil
}

func (s *ApprovalRequestService) enrich(ctx context.Context, request *models.ApprovalRequest) *dto.EnrichedApprovalRequest {
	if s.enricher == nil {
		return &dto.EnrichedApprovalRequest{
			ApprovalRequest: *request,
			RequesterName:   request.RequesterID,
			ResourceName:    request.Metadata.String(models.MetaResourceID),
		}
	}
	return s.enricher.EnrichApprovalRequest(ctx, request)
}

func (s *ApprovalRequestService) invalidateCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, requestCachePattern); err != nil {
		s.logger.Warn("failed to invalidate request cache", zap.Error(err))
	}
}
