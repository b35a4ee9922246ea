package service

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/campuskit/approval-api/internal/dto"
	"github.com/campuskit/approval-api/internal/models"
	"github.com/campuskit/approval-api/internal/repository"
	appErrors "github.com/campuskit/approval-api/pkg/errors"
)

type requestRepoStub struct {
	requests  map[string]*models.ApprovalRequest
	updateErr error
}

func newRequestRepoStub() *requestRepoStub {
	return &requestRepoStub{requests: make(map[string]*models.ApprovalRequest)}
}

func (r *requestRepoStub) Create(ctx context.Context, request *models.ApprovalRequest) error {
	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	request.SubmittedAt = now
	request.CreatedAt = now
	request.UpdatedAt = now
	copy := *request
	r.requests[request.ID] = &copy
	return nil
}

func (r *requestRepoStub) FindByID(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	if request, ok := r.requests[id]; ok {
		copy := *request
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func (r *requestRepoStub) FindActiveByReservation(ctx context.Context, reservationID string) (*models.ApprovalRequest, error) {
	for _, request := range r.requests {
		if request.ReservationID == reservationID && (request.IsPending() || request.IsInReview()) {
			copy := *request
			return &copy, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r *requestRepoStub) List(ctx context.Context, filter models.ApprovalRequestFilter) ([]models.ApprovalRequest, int, error) {
	result := make([]models.ApprovalRequest, 0, len(r.requests))
	for _, request := range r.requests {
		if filter.RequesterID != "" && request.RequesterID != filter.RequesterID {
			continue
		}
		if len(filter.Status) > 0 {
			matched := false
			for _, status := range filter.Status {
				if request.Status == status {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		result = append(result, *request)
	}
	return result, len(result), nil
}

func (r *requestRepoStub) FindApprovedInWindow(ctx context.Context, filter repository.ActiveWindowFilter) ([]models.ApprovalRequest, int, error) {
	result := make([]models.ApprovalRequest, 0)
	for _, request := range r.requests {
		if request.Status != models.StatusApproved {
			continue
		}
		start, end := request.ReservationWindow()
		if end.Before(filter.Start) || start.After(filter.End) {
			continue
		}
		result = append(result, *request)
	}
	return result, len(result), nil
}

func (r *requestRepoStub) FindPendingCreatedBefore(ctx context.Context, threshold time.Time) ([]models.ApprovalRequest, error) {
	result := make([]models.ApprovalRequest, 0)
	for _, request := range r.requests {
		if request.IsPending() && request.CreatedAt.Before(threshold) {
			result = append(result, *request)
		}
	}
	return result, nil
}

func (r *requestRepoStub) Update(ctx context.Context, request *models.ApprovalRequest, expectedUpdatedAt time.Time) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	stored, ok := r.requests[request.ID]
	if !ok || !stored.UpdatedAt.Equal(expectedUpdatedAt) {
		return sql.ErrNoRows
	}
	copy := *request
	r.requests[request.ID] = &copy
	return nil
}

func (r *requestRepoStub) Delete(ctx context.Context, id string) error {
	if _, ok := r.requests[id]; !ok {
		return sql.ErrNoRows
	}
	delete(r.requests, id)
	return nil
}

func (r *requestRepoStub) GetStatistics(ctx context.Context, filter models.ApprovalRequestFilter) (*models.ApprovalRequestStats, error) {
	stats := &models.ApprovalRequestStats{}
	for _, request := range r.requests {
		stats.Total++
		switch request.Status {
		case models.StatusPending:
			stats.Pending++
		case models.StatusInReview:
			stats.InReview++
		case models.StatusApproved:
			stats.Approved++
		case models.StatusRejected:
			stats.Rejected++
		case models.StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

type flowRepoStub struct {
	flows map[string]*models.ApprovalFlow
}

func newFlowRepoStub() *flowRepoStub {
	return &flowRepoStub{flows: make(map[string]*models.ApprovalFlow)}
}

func (f *flowRepoStub) Create(ctx context.Context, flow *models.ApprovalFlow) error {
	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}
	copy := *flow
	f.flows[flow.ID] = &copy
	return nil
}

func (f *flowRepoStub) FindByID(ctx context.Context, id string) (*models.ApprovalFlow, error) {
	if flow, ok := f.flows[id]; ok {
		copy := *flow
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func (f *flowRepoStub) FindByName(ctx context.Context, name string) (*models.ApprovalFlow, error) {
	for _, flow := range f.flows {
		if flow.Name == name {
			copy := *flow
			return &copy, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f *flowRepoStub) FindActiveByResourceType(ctx context.Context, resourceType string) ([]models.ApprovalFlow, error) {
	result := make([]models.ApprovalFlow, 0)
	for _, flow := range f.flows {
		if flow.IsActive && flow.AppliesTo(resourceType) {
			result = append(result, *flow)
		}
	}
	return result, nil
}

func (f *flowRepoStub) List(ctx context.Context, filter models.ApprovalFlowFilter) ([]models.ApprovalFlow, int, error) {
	result := make([]models.ApprovalFlow, 0, len(f.flows))
	for _, flow := range f.flows {
		result = append(result, *flow)
	}
	return result, len(result), nil
}

func (f *flowRepoStub) Update(ctx context.Context, flow *models.ApprovalFlow) error {
	if _, ok := f.flows[flow.ID]; !ok {
		return sql.ErrNoRows
	}
	copy := *flow
	f.flows[flow.ID] = &copy
	return nil
}

func (f *flowRepoStub) SetActive(ctx context.Context, id string, active bool, updatedBy string) error {
	flow, ok := f.flows[id]
	if !ok {
		return sql.ErrNoRows
	}
	flow.IsActive = active
	return nil
}

func (f *flowRepoStub) Delete(ctx context.Context, id string) error {
	if _, ok := f.flows[id]; !ok {
		return sql.ErrNoRows
	}
	delete(f.flows, id)
	return nil
}

type auditTrailStub struct {
	actions []models.AuditAction
	steps   []string
}

func (a *auditTrailStub) record(action models.AuditAction, step string) error {
	a.actions = append(a.actions, action)
	a.steps = append(a.steps, step)
	return nil
}

func (a *auditTrailStub) LogRequestCreation(ctx context.Context, requestID, actorID, actorRole string, metadata models.Metadata) error {
	return a.record(models.AuditRequestCreated, "")
}

func (a *auditTrailStub) LogStepApproval(ctx context.Context, requestID, actorID, actorRole, stepName, comment string) error {
	return a.record(models.AuditStepApproved, stepName)
}

func (a *auditTrailStub) LogStepRejection(ctx context.Context, requestID, actorID, actorRole, stepName, comment string) error {
	return a.record(models.AuditStepRejected, stepName)
}

func (a *auditTrailStub) LogRequestApproval(ctx context.Context, requestID, actorID, actorRole string) error {
	return a.record(models.AuditRequestApproved, "")
}

func (a *auditTrailStub) LogRequestRejection(ctx context.Context, requestID, actorID, actorRole, comment string) error {
	return a.record(models.AuditRequestRejected, "")
}

func (a *auditTrailStub) LogRequestCancellation(ctx context.Context, requestID, actorID, actorRole, reason string) error {
	return a.record(models.AuditRequestCancelled, "")
}

func twoStepFlow() *models.ApprovalFlow {
	return &models.ApprovalFlow{
		ID:            "flow-1",
		Name:          "Auditorium Booking",
		ResourceTypes: models.StringList{"AUDITORIUM"},
		Steps: models.ApprovalStepList{
			{Name: "Department Review", ApproverRoles: models.StringList{"APPROVER"}, Order: 1, IsRequired: true},
			{Name: "Facilities Review", ApproverRoles: models.StringList{"APPROVER"}, Order: 2, IsRequired: true},
		},
		IsActive: true,
	}
}

func requesterClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "user-1", Role: models.RoleRequester, Email: "user@campus.edu"}
}

func approverClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "approver-1", Role: models.RoleApprover}
}

func newTestRequestService(t *testing.T) (*ApprovalRequestService, *requestRepoStub, *flowRepoStub, *auditTrailStub) {
	t.Helper()
	requests := newRequestRepoStub()
	flows := newFlowRepoStub()
	audit := &auditTrailStub{}
	flowSvc := NewApprovalFlowService(flows, nil, nil)
	svc := NewApprovalRequestService(requests, flows, audit, nil, flowSvc, nil, nil, nil, false)
	return svc, requests, flows, audit
}

func TestCreateApprovalRequest(t *testing.T) {
	svc, _, flows, audit := newTestRequestService(t)
	require.NoError(t, flows.Create(context.Background(), twoStepFlow()))

	request, err := svc.CreateApprovalRequest(context.Background(), dto.CreateApprovalRequest{
		ReservationID:  "res-1",
		ApprovalFlowID: "flow-1",
		Metadata:       map[string]interface{}{"resourceId": "room-9"},
	}, requesterClaims())
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, request.Status)
	require.Equal(t, 0, request.CurrentStepIndex)
	require.Empty(t, request.History)
	require.Equal(t, []models.AuditAction{models.AuditRequestCreated}, audit.actions)
}

func TestCreateApprovalRequestRejectsDuplicateActive(t *testing.T) {
	svc, _, flows, _ := newTestRequestService(t)
	require.NoError(t, flows.Create(context.Background(), twoStepFlow()))

	payload := dto.CreateApprovalRequest{ReservationID: "res-1", ApprovalFlowID: "flow-1"}
	_, err := svc.CreateApprovalRequest(context.Background(), payload, requesterClaims())
	require.NoError(t, err)

	_, err = svc.CreateApprovalRequest(context.Background(), payload, requesterClaims())
	require.Error(t, err)
	require.True(t, appErrors.Is(err, appErrors.ErrConflict))
}

func TestCreateApprovalRequestRejectsInactiveFlow(t *testing.T) {
	svc, _, flows, _ := newTestRequestService(t)
	flow := twoStepFlow()
	flow.IsActive = false
	require.NoError(t, flows.Create(context.Background(), flow))

	_, err := svc.CreateApprovalRequest(context.Background(), dto.CreateApprovalRequest{
		ReservationID:  "res-1",
		ApprovalFlowID: "flow-1",
	}, requesterClaims())
	require.Error(t, err)
	require.True(t, appErrors.Is(err, appErrors.ErrBusinessRule))
}

func TestCreateApprovalRequestAutoApprove(t *testing.T) {
	requests := newRequestRepoStub()
	flows := newFlowRepoStub()
	audit := &auditTrailStub{}
	flowSvc := NewApprovalFlowService(flows, nil, nil)
	svc := NewApprovalRequestService(requests, flows, audit, nil, flowSvc, nil, nil, nil, true)

	flow := twoStepFlow()
	flow.AutoApprove = models.AutoApproveConditions{UserRoles: models.StringList{"ADMIN"}}
	require.NoError(t, flows.Create(context.Background(), flow))

	request, err := svc.CreateApprovalRequest(context.Background(), dto.CreateApprovalRequest{
		ReservationID:  "res-1",
		ApprovalFlowID: "flow-1",
	}, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})
	require.NoError(t, err)
	require.Equal(t, models.StatusApproved, request.Status)
	require.NotNil(t, request.CompletedAt)
	require.Len(t, request.History, 1)
	require.Equal(t, "system", request.History[0].ApproverID)
	require.Equal(t, models.DecisionApproved, request.History[0].Decision)
	require.Equal(t, []models.AuditAction{models.AuditRequestCreated, models.AuditRequestApproved}, audit.actions)
}

func TestApproveStepAdvancesToInReview(t *testing.T) {
	svc, _, flows, audit := newTestRequestService(t)
	require.NoError(t, flows.Create(context.Background(), twoStepFlow()))
	created, err := svc.CreateApprovalRequest(context.Background(), dto.CreateApprovalRequest{
		ReservationID:  "res-1",
		ApprovalFlowID: "flow-1",
	}, requesterClaims())
	require.NoError(t, err)

	updated, err := svc.ApproveStep(context.Background(), created.ID, dto.DecisionRequest{
		StepName: "Department Review",
		Comment:  "looks fine",
	}, approverClaims())
	require.NoError(t, err)
	require.Equal(t, models.StatusInReview, updated.Status)
	require.Equal(t, 1, updated.CurrentStepIndex)
	require.Len(t, updated.History, 1)
	require.Equal(t, models.DecisionApproved, updated.History[0].Decision)
	require.Equal(t, "Department Review", updated.History[0].StepName)
	require.Contains(t, audit.actions, models.AuditStepApproved)
	require.NotContains(t, audit.actions, models.AuditRequestApproved)
}

func TestApproveFinalStepCompletesRequest(t *testing.T) {
	svc, _, flows, audit := newTestRequestService(t)
	require.NoError(t, flows.Create(context.Background(), twoStepFlow()))
	created, err := svc.CreateApprovalRequest(context.Background(), dto.CreateApprovalRequest{
		ReservationID:  "res-1",
		ApprovalFlowID: "flow-1",
	}, requesterClaims())
	require.NoError(t, err)

	_, err = svc.ApproveStep(context.Background(), created.ID, dto.DecisionRequest{StepName: "Department Review"}, approverClaims())
	require.NoError(t, err)
	final, err := svc.ApproveStep(context.Background(), created.ID, dto.DecisionRequest{StepName: "Facilities Review"}, approverClaims())
	require.NoError(t, err)

	require.Equal(t, models.StatusApproved, final.Status)
	require.NotNil(t, final.CompletedAt)
	require.Len(t, final.History, 2)
	require.Contains(t, audit.actions, models.AuditRequestApproved)
}

func TestApproveStepNameMismatch(t *testing.T) {
	svc, _, flows, _ := newTestRequestService(t)
	require.NoError(t, flows.Create(context.Background(), twoStepFlow()))
	created, err := svc.CreateApprovalRequest(context.Background(), dto.CreateApprovalRequest{
		ReservationID:  "res-1",
		ApprovalFlowID: "flow-1",
	}, requesterClaims())
	require.NoError(t, err)

	_, err = svc.ApproveStep(context.Background(), created.ID, dto.DecisionRequest{StepName: "Facilities Review"}, approverClaims())
	require.Error(t, err)
	require.True(t, appErrors.Is(err, appErrors.ErrBusinessRule))

	// The failed decision must not have touched the stored request.
	reloaded, err := svc.GetApprovalRequest(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, reloaded.Status)
	require.Empty(t, reloaded.History)
}

func TestApproveStepRequiresApproverRole(t *testing.T) {
	svc, _, flows, _ := newTestRequestService(t)
	require.NoError(t, flows.Create(context.Background(), twoStepFlow()))
	created, err := svc.CreateApprovalRequest(context.Background(), dto.CreateApprovalRequest{
		ReservationID:  "res-1",
		ApprovalFlowID: "flow-1",
	}, requesterClaims())
	require.NoError(t, err)

	_, err = svc.ApproveStep(context.Background(), created.ID, dto.DecisionRequest{StepName: "Department Review"}, requesterClaims())
	require.Error(t, err)
	require.True(t, appErrors.Is(err, appErrors.ErrForbidden))
}

func TestRejectStepTerminatesRequest(t *testing.T) {
	svc, _, flows, audit := newTestRequestService(t)
	require.NoError(t, flows.Create(context.Background(), twoStepFlow()))
	created, err := svc.CreateApprovalRequest(context.Background(), dto.CreateApprovalRequest{
		ReservationID:  "res-1",
		ApprovalFlowID: "flow-1",
	}, requesterClaims())
	require.NoError(t, err)

	rejected, err := svc.RejectStep(context.Background(), created.ID, dto.DecisionRequest{
		StepName: "Department Review",
		Comment:  "room already booked",
	}, approverClaims())
	require.NoError(t, err)
	require.Equal(t, models.StatusRejected, rejected.Status)
	require.NotNil(t, rejected.CompletedAt)
	require.Contains(t, audit.actions, models.AuditStepRejected)
	require.Contains(t, audit.actions, models.AuditRequestRejected)

	// Terminal requests accept no further decisions.
	_, err = svc.ApproveStep(context.Background(), created.ID, dto.DecisionRequest{StepName: "Department Review"}, approverClaims())
	require.Error(t, err)
	require.True(t, appErrors.Is(err, appErrors.ErrBusinessRule))
}

func TestCancelCompletedRequestConflicts(t *testing.T) {
	svc, _, flows, _ := newTestRequestService(t)
	require.NoError(t, flows.Create(context.Background(), twoStepFlow()))
	created, err := svc.CreateApprovalRequest(context.Background(), dto.CreateApprovalRequest{
		ReservationID:  "res-1",
		ApprovalFlowID: "flow-1",
	}, requesterClaims())
	require.NoError(t, err)

	_, err = svc.RejectStep(context.Background(), created.ID, dto.DecisionRequest{StepName: "Department Review"}, approverClaims())
	require.NoError(t, err)

	_, err = svc.CancelApprovalRequest(context.Background(), created.ID, "changed plans", requesterClaims())
	require.Error(t, err)
	require.True(t, appErrors.Is(err, appErrors.ErrConflict))
}

func TestCancelPendingRequest(t *testing.T) {
	svc, _, flows, audit := newTestRequestService(t)
	require.NoError(t, flows.Create(context.Background(), twoStepFlow()))
	created, err := svc.CreateApprovalRequest(context.Background(), dto.CreateApprovalRequest{
		ReservationID:  "res-1",
		ApprovalFlowID: "flow-1",
	}, requesterClaims())
	require.NoError(t, err)

	cancelled, err := svc.CancelApprovalRequest(context.Background(), created.ID, "changed plans", requesterClaims())
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, cancelled.Status)
	require.Contains(t, audit.actions, models.AuditRequestCancelled)
}

func TestApproveStepConcurrentModification(t *testing.T) {
	svc, requests, flows, _ := newTestRequestService(t)
	require.NoError(t, flows.Create(context.Background(), twoStepFlow()))
	created, err := svc.CreateApprovalRequest(context.Background(), dto.CreateApprovalRequest{
		ReservationID:  "res-1",
		ApprovalFlowID: "flow-1",
	}, requesterClaims())
	require.NoError(t, err)

	requests.updateErr = sql.ErrNoRows
	_, err = svc.ApproveStep(context.Background(), created.ID, dto.DecisionRequest{StepName: "Department Review"}, approverClaims())
	require.Error(t, err)
	require.True(t, appErrors.Is(err, appErrors.ErrConflict))
}

func TestGetApprovalRequestsSecondPassFilter(t *testing.T) {
	svc, requests, flows, _ := newTestRequestService(t)
	require.NoError(t, flows.Create(context.Background(), twoStepFlow()))

	seed := func(reservation, resource, user string) {
		require.NoError(t, requests.Create(context.Background(), &models.ApprovalRequest{
			ReservationID:  reservation,
			RequesterID:    "user-1",
			ApprovalFlowID: "flow-1",
			Status:         models.StatusPending,
			Metadata: models.Metadata{
				models.MetaResourceID: resource,
				models.MetaUserName:   user,
			},
		}))
	}
	seed("res-1", "room-1", "Alice Johnson")
	seed("res-2", "room-2", "Bob Smith")
	seed("res-3", "room-1", "Carol Diaz")

	filtered, pagination, err := svc.GetApprovalRequests(context.Background(), dto.RequestQuery{
		ResourceID: "room-1",
		Page:       1,
		PageSize:   20,
	})
	require.NoError(t, err)
	require.Len(t, filtered, 2)
	require.Equal(t, 2, pagination.TotalCount)

	searched, pagination, err := svc.GetApprovalRequests(context.Background(), dto.RequestQuery{
		Search:   "alice",
		Page:     1,
		PageSize: 20,
	})
	require.NoError(t, err)
	require.Len(t, searched, 1)
	require.Equal(t, 1, pagination.TotalCount)
	require.Equal(t, "res-1", searched[0].ReservationID)
}

func TestGetApprovalRequestsWarnsWhenCandidateFetchSaturated(t *testing.T) {
	requests := newRequestRepoStub()
	flows := newFlowRepoStub()
	core, logs := observer.New(zap.WarnLevel)
	svc := NewApprovalRequestService(requests, flows, &auditTrailStub{}, nil,
		NewApprovalFlowService(flows, nil, nil), nil, nil, zap.New(core), false)
	require.NoError(t, flows.Create(context.Background(), twoStepFlow()))

	for i := 0; i < secondPassFetchSize; i++ {
		require.NoError(t, requests.Create(context.Background(), &models.ApprovalRequest{
			ReservationID:  fmt.Sprintf("res-%d", i),
			RequesterID:    "user-1",
			ApprovalFlowID: "flow-1",
			Status:         models.StatusPending,
			Metadata:       models.Metadata{models.MetaResourceID: "room-1"},
		}))
	}

	filtered, pagination, err := svc.GetApprovalRequests(context.Background(), dto.RequestQuery{
		ResourceID: "room-1",
		Page:       1,
		PageSize:   20,
	})
	require.NoError(t, err)
	require.Len(t, filtered, 20)
	require.Equal(t, secondPassFetchSize, pagination.TotalCount)
	require.Equal(t, 1, logs.FilterMessage("metadata-filtered listing hit the candidate fetch bound, totals may undercount").Len())
}

func TestFindPendingOlderThanValidatesThreshold(t *testing.T) {
	svc, _, _, _ := newTestRequestService(t)
	_, err := svc.FindPendingOlderThan(context.Background(), 0)
	require.Error(t, err)
	require.True(t, appErrors.Is(err, appErrors.ErrValidation))
}
