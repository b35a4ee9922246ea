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

const requestColumns = `id, reservation_id, requester_id, approval_flow_id, status, current_step_index,
       submitted_at, completed_at, metadata, approval_history, created_by, updated_by, created_at, updated_at`

var activeStatuses = []models.ApprovalStatus{models.StatusPending, models.StatusInReview}

// ApprovalRequestRepository persists approval request state.
type ApprovalRequestRepository struct {
	db *sqlx.DB
}

// NewApprovalRequestRepository constructs the repository.
func NewApprovalRequestRepository(db *sqlx.DB) *ApprovalRequestRepository {
	return &ApprovalRequestRepository{db: db}
}

// Create inserts a new request row.
func (r *ApprovalRequestRepository) Create(ctx context.Context, request *models.ApprovalRequest) error {
	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if request.SubmittedAt.IsZero() {
		request.SubmittedAt = now
	}
	if request.CreatedAt.IsZero() {
		request.CreatedAt = now
	}
	request.UpdatedAt = request.CreatedAt
	const query = `INSERT INTO approval_requests
	(id, reservation_id, requester_id, approval_flow_id, status, current_step_index, submitted_at, completed_at, metadata, approval_history, created_by, updated_by, created_at, updated_at)
	VALUES (:id, :reservation_id, :requester_id, :approval_flow_id, :status, :current_step_index, :submitted_at, :completed_at, :metadata, :approval_history, :created_by, :updated_by, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, request); err != nil {
		return fmt.Errorf("create approval request: %w", err)
	}
	return nil
}

// FindByID fetches a request by identifier.
func (r *ApprovalRequestRepository) FindByID(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id = $1 LIMIT 1`
	var request models.ApprovalRequest
	if err := r.db.GetContext(ctx, &request, query, id); err != nil {
		return nil, err
	}
	return &request, nil
}

// FindActiveByReservation returns the non-completed request for a
// reservation, or sql.ErrNoRows when none is in flight.
func (r *ApprovalRequestRepository) FindActiveByReservation(ctx context.Context, reservationID string) (*models.ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests
	WHERE reservation_id = $1 AND status IN ($2, $3)
	ORDER BY created_at DESC LIMIT 1`
	var request models.ApprovalRequest
	if err := r.db.GetContext(ctx, &request, query, reservationID, activeStatuses[0], activeStatuses[1]); err != nil {
		return nil, err
	}
	return &request, nil
}

// List returns requests matching the storage-layer filters plus the
// unpaginated total. Metadata-only filters belong to the service's second
// pass and are deliberately not interpreted here.
func (r *ApprovalRequestRepository) List(ctx context.Context, filter models.ApprovalRequestFilter) ([]models.ApprovalRequest, int, error) {
	conditions := make([]string, 0, 4)
	args := make([]interface{}, 0, 6)

	if filter.RequesterID != "" {
		args = append(args, filter.RequesterID)
		conditions = append(conditions, fmt.Sprintf("requester_id = $%d", len(args)))
	}
	if filter.ApprovalFlowID != "" {
		args = append(args, filter.ApprovalFlowID)
		conditions = append(conditions, fmt.Sprintf("approval_flow_id = $%d", len(args)))
	}
	if filter.ReservationID != "" {
		args = append(args, filter.ReservationID)
		conditions = append(conditions, fmt.Sprintf("reservation_id = $%d", len(args)))
	}
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM approval_requests"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count approval requests: %w", err)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 1000 {
		pageSize = 20
	}

	query := `SELECT ` + requestColumns + ` FROM approval_requests` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d OFFSET %d", pageSize, (page-1)*pageSize)

	var requests []models.ApprovalRequest
	if err := r.db.SelectContext(ctx, &requests, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list approval requests: %w", err)
	}
	return requests, total, nil
}

// ActiveWindowFilter narrows the approved-in-window listing.
type ActiveWindowFilter struct {
	Start        time.Time
	End          time.Time
	ResourceID   string
	ProgramID    string
	ResourceType string
	Page         int
	PageSize     int
}

// FindApprovedInWindow returns APPROVED requests whose reservation falls in
// the window. Resource and program filters reach into the metadata document.
func (r *ApprovalRequestRepository) FindApprovedInWindow(ctx context.Context, filter ActiveWindowFilter) ([]models.ApprovalRequest, int, error) {
	conditions := []string{
		"status = $1",
		"COALESCE((metadata->>'reservationStartDate')::timestamptz, created_at) <= $3",
		"COALESCE((metadata->>'reservationEndDate')::timestamptz, (metadata->>'reservationStartDate')::timestamptz, created_at) >= $2",
	}
	args := []interface{}{models.StatusApproved, filter.Start, filter.End}

	if filter.ResourceID != "" {
		args = append(args, filter.ResourceID)
		conditions = append(conditions, fmt.Sprintf("metadata->>'resourceId' = $%d", len(args)))
	}
	if filter.ProgramID != "" {
		args = append(args, filter.ProgramID)
		conditions = append(conditions, fmt.Sprintf("metadata->>'programId' = $%d", len(args)))
	}
	if filter.ResourceType != "" {
		args = append(args, filter.ResourceType)
		conditions = append(conditions, fmt.Sprintf("metadata->>'resourceType' = $%d", len(args)))
	}

	where := " WHERE " + strings.Join(conditions, " AND ")

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM approval_requests"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count approved in window: %w", err)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 20
	}

	query := `SELECT ` + requestColumns + ` FROM approval_requests` + where +
		fmt.Sprintf(" ORDER BY COALESCE((metadata->>'reservationStartDate')::timestamptz, created_at) ASC LIMIT %d OFFSET %d", pageSize, (page-1)*pageSize)

	var requests []models.ApprovalRequest
	if err := r.db.SelectContext(ctx, &requests, query, args...); err != nil {
		return nil, 0, fmt.Errorf("find approved in window: %w", err)
	}
	return requests, total, nil
}

// FindPendingCreatedBefore returns PENDING requests older than the threshold,
// oldest first. Used by the reminder sweep.
func (r *ApprovalRequestRepository) FindPendingCreatedBefore(ctx context.Context, threshold time.Time) ([]models.ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests
	WHERE status = $1 AND created_at < $2
	ORDER BY created_at ASC`
	var requests []models.ApprovalRequest
	if err := r.db.SelectContext(ctx, &requests, query, models.StatusPending, threshold); err != nil {
		return nil, fmt.Errorf("find pending older than: %w", err)
	}
	return requests, nil
}

// Update persists a new snapshot guarded by the previous updated_at value.
// A stale snapshot (concurrent writer won the race) yields sql.ErrNoRows.
func (r *ApprovalRequestRepository) Update(ctx context.Context, request *models.ApprovalRequest, expectedUpdatedAt time.Time) error {
	const query = `UPDATE approval_requests SET
	status = :status,
	current_step_index = :current_step_index,
	completed_at = :completed_at,
	metadata = :metadata,
	approval_history = :approval_history,
	updated_by = :updated_by,
	updated_at = :updated_at
	WHERE id = :id AND updated_at = :expected_updated_at`
	result, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"id":                  request.ID,
		"status":              request.Status,
		"current_step_index":  request.CurrentStepIndex,
		"completed_at":        request.CompletedAt,
		"metadata":            request.Metadata,
		"approval_history":    request.History,
		"updated_by":          request.UpdatedBy,
		"updated_at":          request.UpdatedAt,
		"expected_updated_at": expectedUpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("update approval request: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check request update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete hard-removes a request. Reserved for explicit admin tooling; the
// normal lifecycle never deletes.
func (r *ApprovalRequestRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM approval_requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete approval request: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check request delete rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetStatistics aggregates request counts per status plus the average
// completion time for resolved requests.
func (r *ApprovalRequestRepository) GetStatistics(ctx context.Context, filter models.ApprovalRequestFilter) (*models.ApprovalRequestStats, error) {
	conditions := make([]string, 0, 2)
	args := make([]interface{}, 0, 2)

	if filter.RequesterID != "" {
		args = append(args, filter.RequesterID)
		conditions = append(conditions, fmt.Sprintf("requester_id = $%d", len(args)))
	}
	if filter.ApprovalFlowID != "" {
		args = append(args, filter.ApprovalFlowID)
		conditions = append(conditions, fmt.Sprintf("approval_flow_id = $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	query := `SELECT
	COUNT(*) AS total,
	COUNT(*) FILTER (WHERE status = 'PENDING') AS pending,
	COUNT(*) FILTER (WHERE status = 'IN_REVIEW') AS in_review,
	COUNT(*) FILTER (WHERE status = 'APPROVED') AS approved,
	COUNT(*) FILTER (WHERE status = 'REJECTED') AS rejected,
	COUNT(*) FILTER (WHERE status = 'CANCELLED') AS cancelled,
	COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - created_at)) / 3600.0) FILTER (WHERE completed_at IS NOT NULL), 0) AS avg_completion_hours
	FROM approval_requests` + where

	var stats models.ApprovalRequestStats
	if err := r.db.GetContext(ctx, &stats, query, args...); err != nil {
		return nil, fmt.Errorf("approval request statistics: %w", err)
	}

	perFlowWhere := ""
	if len(conditions) > 0 {
		prefixed := make([]string, len(conditions))
		for i, cond := range conditions {
			prefixed[i] = "ar." + cond
		}
		perFlowWhere = " WHERE " + strings.Join(prefixed, " AND ")
	}
	perFlowQuery := `SELECT ar.approval_flow_id, COALESCE(af.name, '') AS flow_name, COUNT(*) AS count
	FROM approval_requests ar
	LEFT JOIN approval_flows af ON af.id = ar.approval_flow_id` + perFlowWhere + `
	GROUP BY ar.approval_flow_id, af.name
	ORDER BY count DESC`
	if err := r.db.SelectContext(ctx, &stats.PerFlow, perFlowQuery, args...); err != nil {
		return nil, fmt.Errorf("approval request per-flow statistics: %w", err)
	}
	return &stats, nil
}
