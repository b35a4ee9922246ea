package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/campuskit/approval-api/internal/models"
)

func newRequestRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func requestRows(id string, status models.ApprovalStatus) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "reservation_id", "requester_id", "approval_flow_id", "status", "current_step_index",
		"submitted_at", "completed_at", "metadata", "approval_history", "created_by", "updated_by", "created_at", "updated_at",
	}).AddRow(id, "res-1", "user-1", "flow-1", string(status), 0,
		now, nil, `{"resourceId":"room-101"}`, `[]`, "user-1", "user-1", now, now)
}

func TestApprovalRequestRepositoryCreateAndFind(t *testing.T) {
	db, mock, cleanup := newRequestRepoMock(t)
	defer cleanup()

	repo := NewApprovalRequestRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approval_requests")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	request := &models.ApprovalRequest{
		ReservationID:  "res-1",
		RequesterID:    "user-1",
		ApprovalFlowID: "flow-1",
		Status:         models.StatusPending,
		Metadata:       models.Metadata{"resourceId": "room-101"},
		CreatedBy:      "user-1",
		UpdatedBy:      "user-1",
	}
	require.NoError(t, repo.Create(context.Background(), request))
	require.NotEmpty(t, request.ID)
	require.False(t, request.SubmittedAt.IsZero())

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, reservation_id, requester_id")).
		WithArgs(request.ID).
		WillReturnRows(requestRows(request.ID, models.StatusPending))

	found, err := repo.FindByID(context.Background(), request.ID)
	require.NoError(t, err)
	require.Equal(t, request.ID, found.ID)
	require.Equal(t, "room-101", found.Metadata["resourceId"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalRequestRepositoryFindActiveByReservation(t *testing.T) {
	db, mock, cleanup := newRequestRepoMock(t)
	defer cleanup()

	repo := NewApprovalRequestRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE reservation_id = $1 AND status IN ($2, $3)")).
		WithArgs("res-1", "PENDING", "IN_REVIEW").
		WillReturnRows(requestRows("req-1", models.StatusInReview))

	found, err := repo.FindActiveByReservation(context.Background(), "res-1")
	require.NoError(t, err)
	require.Equal(t, "req-1", found.ID)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE reservation_id = $1 AND status IN ($2, $3)")).
		WithArgs("res-2", "PENDING", "IN_REVIEW").
		WillReturnError(sql.ErrNoRows)

	_, err = repo.FindActiveByReservation(context.Background(), "res-2")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalRequestRepositoryListFilters(t *testing.T) {
	db, mock, cleanup := newRequestRepoMock(t)
	defer cleanup()

	repo := NewApprovalRequestRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM approval_requests WHERE requester_id = $1 AND status IN ($2)")).
		WithArgs("user-1", "PENDING").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE requester_id = $1 AND status IN ($2)")).
		WithArgs("user-1", "PENDING").
		WillReturnRows(requestRows("req-1", models.StatusPending))

	list, total, err := repo.List(context.Background(), models.ApprovalRequestFilter{
		RequesterID: "user-1",
		Status:      []models.ApprovalStatus{models.StatusPending},
		Page:        1,
		PageSize:    20,
	})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Len(t, list, 1)
	require.Equal(t, "req-1", list[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalRequestRepositoryUpdateGuardsUpdatedAt(t *testing.T) {
	db, mock, cleanup := newRequestRepoMock(t)
	defer cleanup()

	repo := NewApprovalRequestRepository(db)
	request := &models.ApprovalRequest{
		ID:        "req-1",
		Status:    models.StatusInReview,
		Metadata:  models.Metadata{},
		History:   models.HistoryList{},
		UpdatedBy: "approver-1",
		UpdatedAt: time.Now().UTC(),
	}
	expected := request.UpdatedAt.Add(-time.Minute)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE approval_requests SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Update(context.Background(), request, expected))

	// A concurrent writer already bumped updated_at: zero rows match.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE approval_requests SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.Update(context.Background(), request, expected)
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalRequestRepositoryDeleteMissing(t *testing.T) {
	db, mock, cleanup := newRequestRepoMock(t)
	defer cleanup()

	repo := NewApprovalRequestRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM approval_requests WHERE id = $1")).
		WithArgs("req-gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Delete(context.Background(), "req-gone")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}
