package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/campuskit/approval-api/internal/dto"
	"github.com/campuskit/approval-api/internal/models"
	appErrors "github.com/campuskit/approval-api/pkg/errors"
)

func adminClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin}
}

func validFlowPayload() dto.CreateFlowRequest {
	return dto.CreateFlowRequest{
		Name:          "Lab Booking",
		ResourceTypes: []string{"LAB"},
		Steps: []dto.StepInput{
			{Name: "Lab Manager Review", ApproverRoles: []string{"APPROVER"}, Order: 1, IsRequired: true},
		},
	}
}

func TestCreateFlow(t *testing.T) {
	repo := newFlowRepoStub()
	svc := NewApprovalFlowService(repo, nil, nil)

	flow, err := svc.CreateFlow(context.Background(), validFlowPayload(), adminClaims())
	require.NoError(t, err)
	require.True(t, flow.IsActive)
	require.Equal(t, "admin-1", flow.CreatedBy)
	require.Len(t, flow.Steps, 1)
}

func TestCreateFlowDuplicateName(t *testing.T) {
	repo := newFlowRepoStub()
	svc := NewApprovalFlowService(repo, nil, nil)

	_, err := svc.CreateFlow(context.Background(), validFlowPayload(), adminClaims())
	require.NoError(t, err)

	_, err = svc.CreateFlow(context.Background(), validFlowPayload(), adminClaims())
	require.Error(t, err)
	require.True(t, appErrors.Is(err, appErrors.ErrConflict))
}

func TestCreateFlowRejectsBadStepOrder(t *testing.T) {
	repo := newFlowRepoStub()
	svc := NewApprovalFlowService(repo, nil, nil)

	payload := validFlowPayload()
	payload.Steps = []dto.StepInput{
		{Name: "First", ApproverRoles: []string{"APPROVER"}, Order: 1},
		{Name: "Third", ApproverRoles: []string{"APPROVER"}, Order: 3},
	}
	_, err := svc.CreateFlow(context.Background(), payload, adminClaims())
	require.Error(t, err)
	require.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestCreateFlowRejectsDuplicateStepNames(t *testing.T) {
	repo := newFlowRepoStub()
	svc := NewApprovalFlowService(repo, nil, nil)

	payload := validFlowPayload()
	payload.Steps = []dto.StepInput{
		{Name: "Review", ApproverRoles: []string{"APPROVER"}, Order: 1},
		{Name: "review", ApproverRoles: []string{"APPROVER"}, Order: 2},
	}
	_, err := svc.CreateFlow(context.Background(), payload, adminClaims())
	require.Error(t, err)
	require.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestUpdateFlowPartial(t *testing.T) {
	repo := newFlowRepoStub()
	svc := NewApprovalFlowService(repo, nil, nil)

	flow, err := svc.CreateFlow(context.Background(), validFlowPayload(), adminClaims())
	require.NoError(t, err)

	inactive := false
	updated, err := svc.UpdateFlow(context.Background(), flow.ID, dto.UpdateFlowRequest{
		IsActive: &inactive,
	}, adminClaims())
	require.NoError(t, err)
	require.False(t, updated.IsActive)
	require.Equal(t, flow.Name, updated.Name)
	require.Len(t, updated.Steps, 1)
}

func TestFindFlowForResourceType(t *testing.T) {
	repo := newFlowRepoStub()
	svc := NewApprovalFlowService(repo, nil, nil)

	_, err := svc.CreateFlow(context.Background(), validFlowPayload(), adminClaims())
	require.NoError(t, err)

	flow, err := svc.FindFlowForResourceType(context.Background(), "LAB")
	require.NoError(t, err)
	require.Equal(t, "Lab Booking", flow.Name)

	_, err = svc.FindFlowForResourceType(context.Background(), "AUDITORIUM")
	require.Error(t, err)
	require.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestShouldAutoApprove(t *testing.T) {
	svc := NewApprovalFlowService(newFlowRepoStub(), nil, nil)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	start := now.Add(24 * time.Hour)
	end := start.Add(30 * time.Minute)

	flow := &models.ApprovalFlow{
		AutoApprove: models.AutoApproveConditions{
			UserRoles:          models.StringList{"ADMIN"},
			MaxDurationMinutes: 60,
			MaxAdvanceDays:     7,
		},
	}

	require.True(t, svc.ShouldAutoApprove(flow, "ADMIN", start, end, now))
	require.False(t, svc.ShouldAutoApprove(flow, "REQUESTER", start, end, now))
	require.False(t, svc.ShouldAutoApprove(flow, "ADMIN", start, start.Add(2*time.Hour), now))
	require.False(t, svc.ShouldAutoApprove(flow, "ADMIN", now.Add(10*24*time.Hour), now.Add(10*24*time.Hour+time.Minute), now))

	// A flow without conditions never short-circuits the steps.
	require.False(t, svc.ShouldAutoApprove(&models.ApprovalFlow{}, "ADMIN", start, end, now))
}
