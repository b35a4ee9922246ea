package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/campuskit/approval-api/internal/models"
)

func auditRows(entries ...[2]string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "approval_request_id", "action", "actor_id", "actor_role", "comment", "metadata", "timestamp",
	})
	ts := time.Now().UTC()
	for i, e := range entries {
		rows.AddRow(e[0], "req-1", e[1], "user-1", "REQUESTER", nil, `{}`, ts.Add(-time.Duration(i)*time.Minute))
	}
	return rows
}

func TestApprovalAuditRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newRequestRepoMock(t)
	defer cleanup()

	repo := NewApprovalAuditRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO approval_audit_logs")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	entry := &models.ApprovalAuditLog{
		ApprovalRequestID: "req-1",
		Action:            models.AuditRequestCreated,
		ActorID:           "user-1",
		ActorRole:         "REQUESTER",
		Metadata:          models.Metadata{},
	}
	require.NoError(t, repo.Create(context.Background(), entry))
	require.NotEmpty(t, entry.ID)
	require.False(t, entry.Timestamp.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalAuditRepositoryFindByRequestID(t *testing.T) {
	db, mock, cleanup := newRequestRepoMock(t)
	defer cleanup()

	repo := NewApprovalAuditRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE approval_request_id = $1 ORDER BY timestamp DESC")).
		WithArgs("req-1").
		WillReturnRows(auditRows(
			[2]string{"log-2", string(models.AuditStepApproved)},
			[2]string{"log-1", string(models.AuditRequestCreated)},
		))

	logs, err := repo.FindByRequestID(context.Background(), "req-1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, models.AuditStepApproved, logs[0].Action)
	require.Equal(t, models.AuditRequestCreated, logs[1].Action)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalAuditRepositoryFindWithFilters(t *testing.T) {
	db, mock, cleanup := newRequestRepoMock(t)
	defer cleanup()

	repo := NewApprovalAuditRepository(db)
	from := time.Now().UTC().Add(-24 * time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE actor_id = $1 AND action = $2 AND timestamp >= $3")).
		WithArgs("user-1", "STEP_APPROVED", from).
		WillReturnRows(auditRows([2]string{"log-1", string(models.AuditStepApproved)}))

	logs, err := repo.FindWithFilters(context.Background(), models.AuditFilter{
		ActorID: "user-1",
		Action:  models.AuditStepApproved,
		From:    &from,
	})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "log-1", logs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApprovalAuditRepositoryStatistics(t *testing.T) {
	db, mock, cleanup := newRequestRepoMock(t)
	defer cleanup()

	repo := NewApprovalAuditRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM approval_audit_logs")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY action ORDER BY count DESC")).
		WillReturnRows(sqlmock.NewRows([]string{"action", "count"}).
			AddRow("STEP_APPROVED", 2).
			AddRow("REQUEST_CREATED", 1))
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY actor_id ORDER BY count DESC")).
		WillReturnRows(sqlmock.NewRows([]string{"actor_id", "count"}).AddRow("user-1", 3))

	stats, err := repo.GetStatistics(context.Background(), models.AuditFilter{})
	require.NoError(t, err)
	require.Equal(t, 3, stats.Total)
	require.Len(t, stats.PerAction, 2)
	require.Equal(t, models.AuditAction("STEP_APPROVED"), stats.PerAction[0].Action)
	require.NoError(t, mock.ExpectationsWereMet())
}
