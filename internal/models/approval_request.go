package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ApprovalStatus enumerates the request lifecycle states.
type ApprovalStatus string

const (
	StatusPending   ApprovalStatus = "PENDING"
	StatusInReview  ApprovalStatus = "IN_REVIEW"
	StatusApproved  ApprovalStatus = "APPROVED"
	StatusRejected  ApprovalStatus = "REJECTED"
	StatusCancelled ApprovalStatus = "CANCELLED"
)

// ApprovalDecision is the outcome recorded for a single step.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "APPROVED"
	DecisionRejected ApprovalDecision = "REJECTED"
)

// HistoryEntry records one step decision in the approval history.
type HistoryEntry struct {
	StepName   string           `json:"stepName"`
	ApproverID string           `json:"approverId"`
	Decision   ApprovalDecision `json:"decision"`
	Comment    string           `json:"comment,omitempty"`
	ApprovedAt time.Time        `json:"approvedAt"`
}

// HistoryList stores the ordered step decisions as jsonb.
type HistoryList []HistoryEntry

// Value implements driver.Valuer.
func (l HistoryList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *HistoryList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// Metadata keys the engine reads from the request's open metadata map.
const (
	MetaResourceID           = "resourceId"
	MetaResourceName         = "resourceName"
	MetaResourceType         = "resourceType"
	MetaProgramID            = "programId"
	MetaPriority             = "priority"
	MetaPurpose              = "purpose"
	MetaUserName             = "userName"
	MetaUserEmail            = "userEmail"
	MetaReservationStartDate = "reservationStartDate"
	MetaReservationEndDate   = "reservationEndDate"
)

// ApprovalRequest is one approval lifecycle instance tied to a single
// reservation. State transitions return new snapshots; the stored value is
// never mutated in place.
type ApprovalRequest struct {
	ID               string         `db:"id" json:"id"`
	ReservationID    string         `db:"reservation_id" json:"reservation_id"`
	RequesterID      string         `db:"requester_id" json:"requester_id"`
	ApprovalFlowID   string         `db:"approval_flow_id" json:"approval_flow_id"`
	Status           ApprovalStatus `db:"status" json:"status"`
	CurrentStepIndex int            `db:"current_step_index" json:"current_step_index"`
	SubmittedAt      time.Time      `db:"submitted_at" json:"submitted_at"`
	CompletedAt      *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	Metadata         Metadata       `db:"metadata" json:"metadata"`
	History          HistoryList    `db:"approval_history" json:"approval_history"`
	CreatedBy        string         `db:"created_by" json:"created_by"`
	UpdatedBy        string         `db:"updated_by" json:"updated_by"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at" json:"updated_at"`
}

// IsPending reports whether the request sits at its initial state.
func (r *ApprovalRequest) IsPending() bool {
	return r != nil && r.Status == StatusPending
}

// IsInReview reports whether the request is mid-flow.
func (r *ApprovalRequest) IsInReview() bool {
	return r != nil && r.Status == StatusInReview
}

// IsCompleted reports whether the request reached a terminal state.
func (r *ApprovalRequest) IsCompleted() bool {
	if r == nil {
		return false
	}
	switch r.Status {
	case StatusApproved, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// snapshot returns a deep copy so transitions never alias the receiver's
// history or metadata.
func (r *ApprovalRequest) snapshot() ApprovalRequest {
	next := *r
	next.History = append(HistoryList(nil), r.History...)
	if r.Metadata != nil {
		next.Metadata = make(Metadata, len(r.Metadata))
		for k, v := range r.Metadata {
			next.Metadata[k] = v
		}
	}
	return next
}

// ApproveStep appends an approval history entry for the named step and
// advances the current step index. The caller must have verified the step
// name against the flow's current step beforehand.
func (r *ApprovalRequest) ApproveStep(approverID, stepName, comment string) (ApprovalRequest, error) {
	if r.IsCompleted() {
		return ApprovalRequest{}, fmt.Errorf("approval request %s already completed with status %s", r.ID, r.Status)
	}
	now := time.Now().UTC()
	next := r.snapshot()
	next.History = append(next.History, HistoryEntry{
		StepName:   stepName,
		ApproverID: approverID,
		Decision:   DecisionApproved,
		Comment:    comment,
		ApprovedAt: now,
	})
	next.CurrentStepIndex++
	next.Status = StatusInReview
	next.UpdatedBy = approverID
	next.UpdatedAt = now
	return next, nil
}

// RejectStep appends a rejection history entry and terminates the request.
// Rejection at any step rejects the whole request.
func (r *ApprovalRequest) RejectStep(approverID, stepName, comment string) (ApprovalRequest, error) {
	if r.IsCompleted() {
		return ApprovalRequest{}, fmt.Errorf("approval request %s already completed with status %s", r.ID, r.Status)
	}
	now := time.Now().UTC()
	next := r.snapshot()
	next.History = append(next.History, HistoryEntry{
		StepName:   stepName,
		ApproverID: approverID,
		Decision:   DecisionRejected,
		Comment:    comment,
		ApprovedAt: now,
	})
	next.Status = StatusRejected
	next.CompletedAt = &now
	next.UpdatedBy = approverID
	next.UpdatedAt = now
	return next, nil
}

// Complete marks the request approved once every step has been cleared.
func (r *ApprovalRequest) Complete() ApprovalRequest {
	now := time.Now().UTC()
	next := r.snapshot()
	next.Status = StatusApproved
	next.CompletedAt = &now
	next.UpdatedAt = now
	return next
}

// Cancel terminates a request that has not yet completed.
func (r *ApprovalRequest) Cancel(cancelledBy string) (ApprovalRequest, error) {
	if r.IsCompleted() {
		return ApprovalRequest{}, fmt.Errorf("approval request %s already completed with status %s", r.ID, r.Status)
	}
	now := time.Now().UTC()
	next := r.snapshot()
	next.Status = StatusCancelled
	next.CompletedAt = &now
	next.UpdatedBy = cancelledBy
	next.UpdatedAt = now
	return next, nil
}

// ReservationWindow resolves the reservation start/end carried in metadata,
// falling back to CreatedAt when the hints are absent or malformed.
func (r *ApprovalRequest) ReservationWindow() (time.Time, time.Time) {
	start := parseMetaTime(r.Metadata.String(MetaReservationStartDate), r.CreatedAt)
	end := parseMetaTime(r.Metadata.String(MetaReservationEndDate), start)
	return start, end
}

func parseMetaTime(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return fallback
}

// ApprovalRequestFilter constrains request listing queries. RequesterID,
// ApprovalFlowID, ReservationID, and Status are applied at the storage layer;
// the remaining fields only exist inside the metadata map and are applied by
// the service in a second pass.
type ApprovalRequestFilter struct {
	RequesterID    string
	ApprovalFlowID string
	ReservationID  string
	Status         []ApprovalStatus

	ResourceID string
	ProgramID  string
	Priority   string
	Search     string
	DateFrom   *time.Time
	DateTo     *time.Time

	Page     int
	PageSize int
}

// ApprovalRequestStats aggregates request counts per status.
type ApprovalRequestStats struct {
	Total              int                `db:"total" json:"total"`
	Pending            int                `db:"pending" json:"pending"`
	InReview           int                `db:"in_review" json:"in_review"`
	Approved           int                `db:"approved" json:"approved"`
	Rejected           int                `db:"rejected" json:"rejected"`
	Cancelled          int                `db:"cancelled" json:"cancelled"`
	AvgCompletionHours float64            `db:"avg_completion_hours" json:"avg_completion_hours"`
	PerFlow            []FlowRequestCount `json:"per_flow,omitempty"`
}

// FlowRequestCount is the per-flow slice of the statistics breakdown.
type FlowRequestCount struct {
	ApprovalFlowID string `db:"approval_flow_id" json:"approval_flow_id"`
	FlowName       string `db:"flow_name" json:"flow_name"`
	Count          int    `db:"count" json:"count"`
}
