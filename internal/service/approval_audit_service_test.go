package service

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/campuskit/approval-api/internal/dto"
	"github.com/campuskit/approval-api/internal/models"
)

type auditRepoStub struct {
	entries []models.ApprovalAuditLog
	// unsorted makes FindByRequestID return entries in insertion order,
	// simulating a store whose index does not guarantee ordering.
	unsorted bool
}

func (a *auditRepoStub) Create(ctx context.Context, entry *models.ApprovalAuditLog) error {
	a.entries = append(a.entries, *entry)
	return nil
}

// FindByRequestID mirrors the repository contract: most recent first.
func (a *auditRepoStub) FindByRequestID(ctx context.Context, requestID string) ([]models.ApprovalAuditLog, error) {
	result := make([]models.ApprovalAuditLog, 0)
	for _, entry := range a.entries {
		if entry.ApprovalRequestID == requestID {
			result = append(result, entry)
		}
	}
	if !a.unsorted {
		sort.SliceStable(result, func(i, j int) bool {
			return result[i].Timestamp.After(result[j].Timestamp)
		})
	}
	return result, nil
}

func (a *auditRepoStub) FindByActorID(ctx context.Context, actorID string, limit, offset int) ([]models.ApprovalAuditLog, error) {
	result := make([]models.ApprovalAuditLog, 0)
	for _, entry := range a.entries {
		if entry.ActorID == actorID {
			result = append(result, entry)
		}
	}
	return result, nil
}

func (a *auditRepoStub) FindWithFilters(ctx context.Context, filter models.AuditFilter) ([]models.ApprovalAuditLog, error) {
	result := make([]models.ApprovalAuditLog, 0)
	for _, entry := range a.entries {
		if filter.ApprovalRequestID != "" && entry.ApprovalRequestID != filter.ApprovalRequestID {
			continue
		}
		result = append(result, entry)
	}
	return result, nil
}

func (a *auditRepoStub) GetStatistics(ctx context.Context, filter models.AuditFilter) (*models.AuditStats, error) {
	return &models.AuditStats{Total: len(a.entries)}, nil
}

type dispatcherStub struct {
	events []AuditEvent
}

func (d *dispatcherStub) Dispatch(event AuditEvent) {
	d.events = append(d.events, event)
}

func TestAuditServiceDispatchesCriticalActions(t *testing.T) {
	repo := &auditRepoStub{}
	dispatcher := &dispatcherStub{}
	svc := NewApprovalAuditService(repo, dispatcher, nil, nil, 0)
	ctx := context.Background()

	require.NoError(t, svc.LogRequestCreation(ctx, "req-1", "user-1", "REQUESTER", nil))
	require.NoError(t, svc.LogStepApproval(ctx, "req-1", "approver-1", "APPROVER", "Department Review", "ok"))
	require.NoError(t, svc.LogNotificationSent(ctx, "req-1", "approval.audit.critical"))

	// Creation and notification entries are informational; only the step
	// approval is critical.
	require.Len(t, dispatcher.events, 1)
	require.Equal(t, models.AuditStepApproved, dispatcher.events[0].Action)
	require.Equal(t, "approver-1", dispatcher.events[0].ActorID)
	require.Len(t, repo.entries, 3)
}

func TestVerifyAuditTrailValid(t *testing.T) {
	repo := &auditRepoStub{}
	svc := NewApprovalAuditService(repo, nil, nil, nil, 0)
	ctx := context.Background()

	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	seed := func(action models.AuditAction, at time.Time) {
		repo.entries = append(repo.entries, models.ApprovalAuditLog{
			ApprovalRequestID: "req-1",
			Action:            action,
			ActorID:           "actor-1",
			ActorRole:         "APPROVER",
			Timestamp:         at,
		})
	}
	seed(models.AuditRequestCreated, base)
	seed(models.AuditStepApproved, base.Add(time.Hour))
	seed(models.AuditRequestApproved, base.Add(2*time.Hour))

	verification, err := svc.VerifyAuditTrail(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, verification.IsValid)
	require.Empty(t, verification.Issues)
	require.Len(t, verification.Logs, 3)
	// Most recent first.
	require.Equal(t, models.AuditRequestApproved, verification.Logs[0].Action)
}

func TestVerifyAuditTrailOutOfOrderTimestamps(t *testing.T) {
	repo := &auditRepoStub{unsorted: true}
	svc := NewApprovalAuditService(repo, nil, nil, nil, 0)

	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	repo.entries = append(repo.entries,
		models.ApprovalAuditLog{ApprovalRequestID: "req-1", Action: models.AuditRequestCreated, Timestamp: base},
		models.ApprovalAuditLog{ApprovalRequestID: "req-1", Action: models.AuditStepApproved, Timestamp: base.Add(time.Hour)},
	)

	verification, err := svc.VerifyAuditTrail(context.Background(), "req-1")
	require.NoError(t, err)
	require.False(t, verification.IsValid)
	require.Len(t, verification.Issues, 1)
	require.Contains(t, verification.Issues[0], "out of chronological order at position 0")
}

func TestVerifyAuditTrailMissingCreation(t *testing.T) {
	repo := &auditRepoStub{}
	svc := NewApprovalAuditService(repo, nil, nil, nil, 0)

	repo.entries = append(repo.entries, models.ApprovalAuditLog{
		ApprovalRequestID: "req-1",
		Action:            models.AuditStepApproved,
		Timestamp:         time.Now().UTC(),
	})

	verification, err := svc.VerifyAuditTrail(context.Background(), "req-1")
	require.NoError(t, err)
	require.False(t, verification.IsValid)
	require.Contains(t, verification.Issues, "missing REQUEST_CREATED entry")
}

func TestVerifyAuditTrailApprovalAndRejectionConflict(t *testing.T) {
	repo := &auditRepoStub{}
	svc := NewApprovalAuditService(repo, nil, nil, nil, 0)

	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	repo.entries = []models.ApprovalAuditLog{
		{ApprovalRequestID: "req-1", Action: models.AuditRequestCreated, Timestamp: base},
		{ApprovalRequestID: "req-1", Action: models.AuditRequestApproved, Timestamp: base.Add(time.Hour)},
		{ApprovalRequestID: "req-1", Action: models.AuditRequestRejected, Timestamp: base.Add(2 * time.Hour)},
	}

	verification, err := svc.VerifyAuditTrail(context.Background(), "req-1")
	require.NoError(t, err)
	require.False(t, verification.IsValid)
	require.Contains(t, verification.Issues, "trail contains both approval and rejection entries")
}

func TestVerifyAuditTrailCancellationAfterCompletion(t *testing.T) {
	repo := &auditRepoStub{}
	svc := NewApprovalAuditService(repo, nil, nil, nil, 0)

	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	repo.entries = []models.ApprovalAuditLog{
		{ApprovalRequestID: "req-1", Action: models.AuditRequestCreated, Timestamp: base},
		{ApprovalRequestID: "req-1", Action: models.AuditRequestApproved, Timestamp: base.Add(time.Hour)},
		{ApprovalRequestID: "req-1", Action: models.AuditRequestCancelled, Timestamp: base.Add(2 * time.Hour)},
	}

	verification, err := svc.VerifyAuditTrail(context.Background(), "req-1")
	require.NoError(t, err)
	require.False(t, verification.IsValid)
	require.Contains(t, verification.Issues, "request was cancelled after an approval or rejection was recorded")
}

func TestExportLogsCSV(t *testing.T) {
	repo := &auditRepoStub{}
	svc := NewApprovalAuditService(repo, nil, nil, nil, 0)
	ctx := context.Background()

	require.NoError(t, svc.LogRequestCreation(ctx, "req-1", "user-1", "REQUESTER", nil))
	require.NoError(t, svc.LogStepApproval(ctx, "req-1", "approver-1", "APPROVER", "Department Review", "ok"))

	result, err := svc.ExportLogs(ctx, dto.ExportQuery{
		AuditQuery: dto.AuditQuery{ApprovalRequestID: "req-1"},
		Format:     dto.ExportCSV,
	}, "admin-1", "ADMIN")
	require.NoError(t, err)
	require.Equal(t, 2, result.Entries)
	require.Equal(t, "text/csv", result.ContentType)
	require.NotEmpty(t, result.Content)

	// Single-request exports leave a DOCUMENT_GENERATED entry behind.
	trail, err := svc.GetTrail(ctx, "req-1")
	require.NoError(t, err)
	var found bool
	for _, entry := range trail {
		if entry.Action == models.AuditDocumentGenerated {
			found = true
		}
	}
	require.True(t, found)
}
