package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/campuskit/approval-api/internal/models"
)

const flowColumns = `id, name, description, resource_types, steps, auto_approve_conditions,
       is_active, created_by, updated_by, created_at, updated_at`

// ApprovalFlowRepository persists approval flow definitions.
type ApprovalFlowRepository struct {
	db *sqlx.DB
}

// NewApprovalFlowRepository constructs the repository.
func NewApprovalFlowRepository(db *sqlx.DB) *ApprovalFlowRepository {
	return &ApprovalFlowRepository{db: db}
}

// Create inserts a new flow row.
func (r *ApprovalFlowRepository) Create(ctx context.Context, flow *models.ApprovalFlow) error {
	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = now
	}
	flow.UpdatedAt = now
	const query = `INSERT INTO approval_flows
	(id, name, description, resource_types, steps, auto_approve_conditions, is_active, created_by, updated_by, created_at, updated_at)
	VALUES (:id, :name, :description, :resource_types, :steps, :auto_approve_conditions, :is_active, :created_by, :updated_by, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, flow); err != nil {
		return fmt.Errorf("create approval flow: %w", err)
	}
	return nil
}

// FindByID fetches a flow by identifier.
func (r *ApprovalFlowRepository) FindByID(ctx context.Context, id string) (*models.ApprovalFlow, error) {
	query := `SELECT ` + flowColumns + ` FROM approval_flows WHERE id = $1 LIMIT 1`
	var flow models.ApprovalFlow
	if err := r.db.GetContext(ctx, &flow, query, id); err != nil {
		return nil, err
	}
	return &flow, nil
}

// FindByName fetches a flow by its unique name.
func (r *ApprovalFlowRepository) FindByName(ctx context.Context, name string) (*models.ApprovalFlow, error) {
	query := `SELECT ` + flowColumns + ` FROM approval_flows WHERE name = $1 LIMIT 1`
	var flow models.ApprovalFlow
	if err := r.db.GetContext(ctx, &flow, query, name); err != nil {
		return nil, err
	}
	return &flow, nil
}

// FindActiveByResourceType returns active flows covering the resource type,
// oldest first so the earliest-defined flow wins ties.
func (r *ApprovalFlowRepository) FindActiveByResourceType(ctx context.Context, resourceType string) ([]models.ApprovalFlow, error) {
	query := `SELECT ` + flowColumns + ` FROM approval_flows
	WHERE is_active = TRUE AND resource_types @> $1
	ORDER BY created_at ASC`
	typeJSON := fmt.Sprintf(`["%s"]`, resourceType)
	var flows []models.ApprovalFlow
	if err := r.db.SelectContext(ctx, &flows, query, typeJSON); err != nil {
		return nil, fmt.Errorf("find flows by resource type: %w", err)
	}
	return flows, nil
}

// List returns flows matching the filter plus the unpaginated total.
func (r *ApprovalFlowRepository) List(ctx context.Context, filter models.ApprovalFlowFilter) ([]models.ApprovalFlow, int, error) {
	conditions := make([]string, 0, 3)
	args := make([]interface{}, 0, 3)

	if filter.ResourceType != "" {
		args = append(args, fmt.Sprintf(`["%s"]`, filter.ResourceType))
		conditions = append(conditions, fmt.Sprintf("resource_types @> $%d", len(args)))
	}
	if filter.IsActive != nil {
		args = append(args, *filter.IsActive)
		conditions = append(conditions, fmt.Sprintf("is_active = $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
		conditions = append(conditions, fmt.Sprintf("(LOWER(name) LIKE $%d OR LOWER(description) LIKE $%d)", len(args), len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM approval_flows"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count approval flows: %w", err)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 20
	}

	query := `SELECT ` + flowColumns + ` FROM approval_flows` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d OFFSET %d", pageSize, (page-1)*pageSize)

	var flows []models.ApprovalFlow
	if err := r.db.SelectContext(ctx, &flows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list approval flows: %w", err)
	}
	return flows, total, nil
}

// Update replaces the mutable columns of a flow.
func (r *ApprovalFlowRepository) Update(ctx context.Context, flow *models.ApprovalFlow) error {
	flow.UpdatedAt = time.Now().UTC()
	const query = `UPDATE approval_flows SET
	name = :name,
	description = :description,
	resource_types = :resource_types,
	steps = :steps,
	auto_approve_conditions = :auto_approve_conditions,
	is_active = :is_active,
	updated_by = :updated_by,
	updated_at = :updated_at
	WHERE id = :id`
	result, err := r.db.NamedExecContext(ctx, query, flow)
	if err != nil {
		return fmt.Errorf("update approval flow: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check flow update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetActive toggles the is_active flag.
func (r *ApprovalFlowRepository) SetActive(ctx context.Context, id string, active bool, updatedBy string) error {
	const query = `UPDATE approval_flows SET is_active = $2, updated_by = $3, updated_at = $4 WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id, active, updatedBy, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set flow active: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check flow activate rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete hard-removes a flow. Deactivation is preferred whenever requests may
// still reference the flow.
func (r *ApprovalFlowRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM approval_flows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete approval flow: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check flow delete rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
