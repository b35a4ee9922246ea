package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/campuskit/approval-api/internal/models"
)

func flowRows(id, name string) *sqlmock.Rows {
	now := time.Now().UTC()
	steps := `[{"name":"Department Review","order":1,"approverRoles":["APPROVER"]}]`
	return sqlmock.NewRows([]string{
		"id", "name", "description", "resource_types", "steps", "auto_approve_conditions",
		"is_active", "created_by", "updated_by", "created_at", "updated_at",
	}).AddRow(id, name, "", `["CLASSROOM"]`, steps, `{}`, true, "admin-1", "admin-1", now, now)
}

func TestApprovalFlowRepositoryCreateAndFind(t *testing.T) {
	db, mock, cleanup := newRequestRepoMock(t)
	defer cleanup()

	repo := NewApprovalFlowRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approval_flows")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	flow := &models.ApprovalFlow{
		Name:          "Classroom Approval",
		ResourceTypes: models.StringList{"CLASSROOM"},
		Steps: models.ApprovalStepList{
			{Name: "Department Review", Order: 1, ApproverRoles: models.StringList{"APPROVER"}},
		},
		IsActive:  true,
		CreatedBy: "admin-1",
		UpdatedBy: "admin-1",
	}
	require.NoError(t, repo.Create(context.Background(), flow))
	require.NotEmpty(t, flow.ID)

	mock.ExpectQuery(regexp.QuoteMeta("FROM approval_flows WHERE id = $1 LIMIT 1")).
		WithArgs(flow.ID).
		WillReturnRows(flowRows(flow.ID, flow.Name))

	found, err := repo.FindByID(context.Background(), flow.ID)
	require.NoError(t, err)
	require.Equal(t, flow.Name, found.Name)
	require.Len(t, found.Steps, 1)
	require.Equal(t, "Department Review", found.Steps[0].Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalFlowRepositoryFindActiveByResourceType(t *testing.T) {
	db, mock, cleanup := newRequestRepoMock(t)
	defer cleanup()

	repo := NewApprovalFlowRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE is_active = TRUE AND resource_types @> $1")).
		WithArgs(`["CLASSROOM"]`).
		WillReturnRows(flowRows("flow-1", "Classroom Approval"))

	flows, err := repo.FindActiveByResourceType(context.Background(), "CLASSROOM")
	require.NoError(t, err)
	require.Len(t, flows, 1)
	require.Equal(t, "flow-1", flows[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalFlowRepositoryListFilters(t *testing.T) {
	db, mock, cleanup := newRequestRepoMock(t)
	defer cleanup()

	repo := NewApprovalFlowRepository(db)
	active := true
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM approval_flows WHERE is_active = $1")).
		WithArgs(true).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM approval_flows WHERE is_active = $1")).
		WithArgs(true).
		WillReturnRows(flowRows("flow-1", "Classroom Approval"))

	flows, total, err := repo.List(context.Background(), models.ApprovalFlowFilter{IsActive: &active, Page: 1, PageSize: 20})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, flows, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalFlowRepositorySetActiveMissing(t *testing.T) {
	db, mock, cleanup := newRequestRepoMock(t)
	defer cleanup()

	repo := NewApprovalFlowRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE approval_flows SET is_active = $2")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SetActive(context.Background(), "flow-gone", false, "admin-1")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}
