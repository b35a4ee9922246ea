package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/campuskit/approval-api/internal/models"
)

const auditColumns = `id, approval_request_id, action, actor_id, actor_role, comment, metadata, timestamp`

// ApprovalAuditRepository persists the append-only audit trail. Entries are
// never updated or deleted here.
type ApprovalAuditRepository struct {
	db *sqlx.DB
}

// NewApprovalAuditRepository constructs the repository.
func NewApprovalAuditRepository(db *sqlx.DB) *ApprovalAuditRepository {
	return &ApprovalAuditRepository{db: db}
}

// Create appends one audit entry.
func (r *ApprovalAuditRepository) Create(ctx context.Context, entry *models.ApprovalAuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	const query = `INSERT INTO approval_audit_logs
	(id, approval_request_id, action, actor_id, actor_role, comment, metadata, timestamp)
	VALUES (:id, :approval_request_id, :action, :actor_id, :actor_role, :comment, :metadata, :timestamp)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("create audit entry: %w", err)
	}
	return nil
}

// FindByRequestID returns the full trail for a request, most recent first.
// The ordering is part of the contract relied on by trail verification.
func (r *ApprovalAuditRepository) FindByRequestID(ctx context.Context, requestID string) ([]models.ApprovalAuditLog, error) {
	query := `SELECT ` + auditColumns + ` FROM approval_audit_logs
	WHERE approval_request_id = $1 ORDER BY timestamp DESC`
	var logs []models.ApprovalAuditLog
	if err := r.db.SelectContext(ctx, &logs, query, requestID); err != nil {
		return nil, fmt.Errorf("find audit by request: %w", err)
	}
	return logs, nil
}

// FindByActorID returns entries produced by one actor, most recent first.
func (r *ApprovalAuditRepository) FindByActorID(ctx context.Context, actorID string, limit, offset int) ([]models.ApprovalAuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + auditColumns + ` FROM approval_audit_logs
	WHERE actor_id = $1 ORDER BY timestamp DESC` +
		fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	var logs []models.ApprovalAuditLog
	if err := r.db.SelectContext(ctx, &logs, query, actorID); err != nil {
		return nil, fmt.Errorf("find audit by actor: %w", err)
	}
	return logs, nil
}

// FindWithFilters returns entries matching the filter, most recent first.
func (r *ApprovalAuditRepository) FindWithFilters(ctx context.Context, filter models.AuditFilter) ([]models.ApprovalAuditLog, error) {
	conditions := make([]string, 0, 5)
	args := make([]interface{}, 0, 5)

	if filter.ApprovalRequestID != "" {
		args = append(args, filter.ApprovalRequestID)
		conditions = append(conditions, fmt.Sprintf("approval_request_id = $%d", len(args)))
	}
	if filter.ActorID != "" {
		args = append(args, filter.ActorID)
		conditions = append(conditions, fmt.Sprintf("actor_id = $%d", len(args)))
	}
	if filter.Action != "" {
		args = append(args, filter.Action)
		conditions = append(conditions, fmt.Sprintf("action = $%d", len(args)))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		conditions = append(conditions, fmt.Sprintf("timestamp <= $%d", len(args)))
	}

	builder := strings.Builder{}
	builder.WriteString(`SELECT ` + auditColumns + ` FROM approval_audit_logs`)
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY timestamp DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 5000 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var logs []models.ApprovalAuditLog
	if err := r.db.SelectContext(ctx, &logs, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("find audit with filters: %w", err)
	}
	return logs, nil
}

// GetStatistics aggregates entry counts per action and per actor.
func (r *ApprovalAuditRepository) GetStatistics(ctx context.Context, filter models.AuditFilter) (*models.AuditStats, error) {
	conditions := make([]string, 0, 2)
	args := make([]interface{}, 0, 2)
	if filter.From != nil {
		args = append(args, *filter.From)
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		conditions = append(conditions, fmt.Sprintf("timestamp <= $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	stats := &models.AuditStats{}
	if err := r.db.GetContext(ctx, &stats.Total, "SELECT COUNT(*) FROM approval_audit_logs"+where, args...); err != nil {
		return nil, fmt.Errorf("audit total: %w", err)
	}
	perAction := `SELECT action, COUNT(*) AS count FROM approval_audit_logs` + where + ` GROUP BY action ORDER BY count DESC`
	if err := r.db.SelectContext(ctx, &stats.PerAction, perAction, args...); err != nil {
		return nil, fmt.Errorf("audit per-action: %w", err)
	}
	perActor := `SELECT actor_id, COUNT(*) AS count FROM approval_audit_logs` + where + ` GROUP BY actor_id ORDER BY count DESC LIMIT 50`
	if err := r.db.SelectContext(ctx, &stats.PerActor, perActor, args...); err != nil {
		return nil, fmt.Errorf("audit per-actor: %w", err)
	}
	return stats, nil
}
