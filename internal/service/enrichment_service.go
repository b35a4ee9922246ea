package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/campuskit/approval-api/internal/dto"
	"github.com/campuskit/approval-api/internal/models"
)

const (
	directoryUserKey     = "directory:user:%s"
	directoryResourceKey = "directory:resource:%s"
)

// directoryRecord is the shape the directory sync job stores in the cache for
// users and resources.
type directoryRecord struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// EnrichmentService resolves display names for raw identifiers on approval
// requests. Enrichment is best-effort: a lookup miss or failure falls back to
// the request's own metadata, then to the raw identifier. It never returns an
// error.
type EnrichmentService struct {
	flows  flowStore
	cache  *CacheService
	logger *zap.Logger
}

// NewEnrichmentService constructs the enricher.
func NewEnrichmentService(flows flowStore, cache *CacheService, logger *zap.Logger) *EnrichmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrichmentService{flows: flows, cache: cache, logger: logger}
}

// EnrichApprovalRequest decorates a request with requester, resource, step
// and flow display data.
func (s *EnrichmentService) EnrichApprovalRequest(ctx context.Context, request *models.ApprovalRequest) *dto.EnrichedApprovalRequest {
	enriched := &dto.EnrichedApprovalRequest{
		ApprovalRequest: *request,
		RequesterName:   request.Metadata.String(models.MetaUserName),
		RequesterEmail:  request.Metadata.String(models.MetaUserEmail),
		ResourceName:    request.Metadata.String(models.MetaResourceName),
	}

	if user, ok := s.lookup(ctx, fmt.Sprintf(directoryUserKey, request.RequesterID)); ok {
		if user.Name != "" {
			enriched.RequesterName = user.Name
		}
		if user.Email != "" {
			enriched.RequesterEmail = user.Email
		}
	}
	if enriched.RequesterName == "" {
		enriched.RequesterName = request.RequesterID
	}

	if resourceID := request.Metadata.String(models.MetaResourceID); resourceID != "" {
		if resource, ok := s.lookup(ctx, fmt.Sprintf(directoryResourceKey, resourceID)); ok && resource.Name != "" {
			enriched.ResourceName = resource.Name
		}
		if enriched.ResourceName == "" {
			enriched.ResourceName = resourceID
		}
	}

	s.resolveFlow(ctx, request, enriched)
	return enriched
}

func (s *EnrichmentService) lookup(ctx context.Context, key string) (*directoryRecord, bool) {
	if s.cache == nil {
		return nil, false
	}
	var record directoryRecord
	hit, err := s.cache.Get(ctx, key, &record)
	if err != nil {
		s.logger.Debug("directory lookup failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if !hit {
		return nil, false
	}
	return &record, true
}

func (s *EnrichmentService) resolveFlow(ctx context.Context, request *models.ApprovalRequest, enriched *dto.EnrichedApprovalRequest) {
	if s.flows == nil {
		return
	}
	flow, err := s.flows.FindByID(ctx, request.ApprovalFlowID)
	if err != nil {
		s.logger.Debug("flow lookup failed during enrichment",
			zap.String("request_id", request.ID),
			zap.String("flow_id", request.ApprovalFlowID),
			zap.Error(err))
		return
	}
	enriched.FlowName = flow.Name
	if !request.IsCompleted() {
		if step := flow.GetStep(request.CurrentStepIndex); step != nil {
			enriched.CurrentStep = step.Name
		}
	}
}
