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
	appErrors "github.com/campuskit/approval-api/pkg/errors"
)

const flowCachePattern = "approval:flows:*"

type flowStore interface {
	Create(ctx context.Context, flow *models.ApprovalFlow) error
	FindByID(ctx context.Context, id string) (*models.ApprovalFlow, error)
	FindByName(ctx context.Context, name string) (*models.ApprovalFlow, error)
	FindActiveByResourceType(ctx context.Context, resourceType string) ([]models.ApprovalFlow, error)
	List(ctx context.Context, filter models.ApprovalFlowFilter) ([]models.ApprovalFlow, int, error)
	Update(ctx context.Context, flow *models.ApprovalFlow) error
	SetActive(ctx context.Context, id string, active bool, updatedBy string) error
	Delete(ctx context.Context, id string) error
}

// ApprovalFlowService manages approval flow definitions.
type ApprovalFlowService struct {
	repo   flowStore
	cache  *CacheService
	logger *zap.Logger
}

// NewApprovalFlowService constructs the service.
func NewApprovalFlowService(repo flowStore, cache *CacheService, logger *zap.Logger) *ApprovalFlowService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApprovalFlowService{repo: repo, cache: cache, logger: logger}
}

// validateSteps enforces the contiguous 1-based ordering invariant and step
// name uniqueness.
func validateSteps(steps models.ApprovalStepList) error {
	if len(steps) == 0 {
		return appErrors.Clone(appErrors.ErrValidation, "flow requires at least one step")
	}
	names := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		if strings.TrimSpace(step.Name) == "" {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("step %d has no name", i+1))
		}
		if step.Order != i+1 {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("step orders must be contiguous starting at 1, got %d at position %d", step.Order, i+1))
		}
		if len(step.ApproverRoles) == 0 {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("step %q requires at least one approver role", step.Name))
		}
		key := strings.ToLower(step.Name)
		if _, dup := names[key]; dup {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("duplicate step name %q", step.Name))
		}
		names[key] = struct{}{}
	}
	return nil
}

// CreateFlow defines a new approval flow. Flow names are unique.
func (s *ApprovalFlowService) CreateFlow(ctx context.Context, req dto.CreateFlowRequest, actor *models.JWTClaims) (*models.ApprovalFlow, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	steps := req.StepModels()
	if err := validateSteps(steps); err != nil {
		return nil, err
	}

	if _, err := s.repo.FindByName(ctx, req.Name); err == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("approval flow %q already exists", req.Name))
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check flow name")
	}

	flow := &models.ApprovalFlow{
		Name:          req.Name,
		Description:   req.Description,
		ResourceTypes: models.StringList(req.ResourceTypes),
		Steps:         steps,
		AutoApprove:   dto.AutoApproveModel(req.AutoApprove),
		IsActive:      true,
		CreatedBy:     actor.UserID,
		UpdatedBy:     actor.UserID,
	}
	if err := s.repo.Create(ctx, flow); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create approval flow")
	}
	s.invalidateCache(ctx)
	s.logger.Info("approval flow created", zap.String("flow_id", flow.ID), zap.String("name", flow.Name))
	return flow, nil
}

// GetFlow loads one flow.
func (s *ApprovalFlowService) GetFlow(ctx context.Context, id string) (*models.ApprovalFlow, error) {
	flow, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "approval flow not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load approval flow")
	}
	return flow, nil
}

type cachedFlowList struct {
	Flows      []models.ApprovalFlow `json:"flows"`
	Pagination *models.Pagination    `json:"pagination"`
}

// ListFlows returns flows matching the query plus whether the result came
// from cache. Cached entries are invalidated on any flow mutation.
func (s *ApprovalFlowService) ListFlows(ctx context.Context, query dto.FlowQuery) ([]models.ApprovalFlow, *models.Pagination, bool, error) {
	active := ""
	if query.IsActive != nil {
		active = fmt.Sprintf("%t", *query.IsActive)
	}
	cacheKey := fmt.Sprintf("approval:flows:%s:%s:%s:%d:%d",
		query.ResourceType, active, strings.ToLower(query.Search), query.Page, query.PageSize)

	var cached cachedFlowList
	if hit, err := s.cache.Get(ctx, cacheKey, &cached); err == nil && hit {
		return cached.Flows, cached.Pagination, true, nil
	}

	flows, total, err := s.repo.List(ctx, models.ApprovalFlowFilter{
		ResourceType: query.ResourceType,
		IsActive:     query.IsActive,
		Search:       query.Search,
		Page:         query.Page,
		PageSize:     query.PageSize,
	})
	if err != nil {
		return nil, nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list approval flows")
	}

	pagination := models.NewPagination(query.Page, query.PageSize, total)
	if err := s.cache.Set(ctx, cacheKey, cachedFlowList{Flows: flows, Pagination: pagination}, 0); err != nil {
		s.logger.Warn("failed to cache flow listing", zap.Error(err))
	}
	return flows, pagination, false, nil
}

// UpdateFlow replaces the mutable parts of a flow definition. In-flight
// requests keep their own step index; shrinking the step list can strand
// them, which surfaces as a step-mismatch error on their next decision.
func (s *ApprovalFlowService) UpdateFlow(ctx context.Context, id string, req dto.UpdateFlowRequest, actor *models.JWTClaims) (*models.ApprovalFlow, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	flow, err := s.GetFlow(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != "" && req.Name != flow.Name {
		if existing, err := s.repo.FindByName(ctx, req.Name); err == nil && existing.ID != id {
			return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("approval flow %q already exists", req.Name))
		} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check flow name")
		}
		flow.Name = req.Name
	}
	if req.Description != nil {
		flow.Description = *req.Description
	}
	if len(req.ResourceTypes) > 0 {
		flow.ResourceTypes = models.StringList(req.ResourceTypes)
	}
	if len(req.Steps) > 0 {
		steps := req.StepModels()
		if err := validateSteps(steps); err != nil {
			return nil, err
		}
		flow.Steps = steps
	}
	if req.AutoApprove != nil {
		flow.AutoApprove = dto.AutoApproveModel(req.AutoApprove)
	}
	if req.IsActive != nil {
		flow.IsActive = *req.IsActive
	}
	flow.UpdatedBy = actor.UserID

	if err := s.repo.Update(ctx, flow); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "approval flow not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update approval flow")
	}
	s.invalidateCache(ctx)
	return flow, nil
}

// DeactivateFlow stops a flow from accepting new requests without deleting
// it. Preferred over deletion while requests may reference the flow.
func (s *ApprovalFlowService) DeactivateFlow(ctx context.Context, id string, actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	if err := s.repo.SetActive(ctx, id, false, actor.UserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "approval flow not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate approval flow")
	}
	s.invalidateCache(ctx)
	s.logger.Info("approval flow deactivated", zap.String("flow_id", id), zap.String("by", actor.UserID))
	return nil
}

// DeleteFlow hard-removes a flow. Explicit admin action only.
func (s *ApprovalFlowService) DeleteFlow(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "approval flow not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete approval flow")
	}
	s.invalidateCache(ctx)
	return nil
}

// FindFlowForResourceType resolves the flow a new reservation of the given
// resource type should enter. The earliest-defined active flow wins.
func (s *ApprovalFlowService) FindFlowForResourceType(ctx context.Context, resourceType string) (*models.ApprovalFlow, error) {
	flows, err := s.repo.FindActiveByResourceType(ctx, resourceType)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve flow for resource type")
	}
	if len(flows) == 0 {
		return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("no active approval flow covers resource type %q", resourceType))
	}
	return &flows[0], nil
}

// ShouldAutoApprove evaluates a flow's auto-approve conditions against the
// requester and reservation window. Every configured condition must hold;
// a flow with no conditions never auto-approves.
func (s *ApprovalFlowService) ShouldAutoApprove(flow *models.ApprovalFlow, requesterRole string, start, end time.Time, now time.Time) bool {
	if flow == nil || flow.AutoApprove.IsZero() {
		return false
	}
	cond := flow.AutoApprove
	if len(cond.UserRoles) > 0 && !cond.UserRoles.Contains(requesterRole) {
		return false
	}
	if cond.MaxDurationMinutes > 0 {
		if end.Before(start) || end.Sub(start) > time.Duration(cond.MaxDurationMinutes)*time.Minute {
			return false
		}
	}
	if cond.MaxAdvanceDays > 0 {
		if start.Sub(now) > time.Duration(cond.MaxAdvanceDays)*24*time.Hour {
			return false
		}
	}
	return true
}

func (s *ApprovalFlowService) invalidateCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, flowCachePattern); err != nil {
		s.logger.Warn("failed to invalidate flow cache", zap.Error(err))
	}
}
