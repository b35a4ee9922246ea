package dto

import (
	"time"

	"github.com/campuskit/approval-api/internal/models"
)

// CreateApprovalRequest payload for opening an approval lifecycle against a
// reservation.
type CreateApprovalRequest struct {
	ReservationID  string                 `json:"reservationId" binding:"required"`
	ApprovalFlowID string                 `json:"approvalFlowId" binding:"required"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// DecisionRequest captures an approver's step decision.
type DecisionRequest struct {
	StepName string `json:"stepName" binding:"required"`
	Comment  string `json:"comment"`
}

// CancelRequest carries the optional cancellation reason.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// RequestQuery mirrors supported request listing filters. The metadata-only
// filters (resourceId, programId, priority, date range, search) are applied
// by the service after the repository pass.
type RequestQuery struct {
	RequesterID    string
	ApprovalFlowID string
	ReservationID  string
	Status         []models.ApprovalStatus
	ResourceID     string
	ProgramID      string
	Priority       string
	Search         string
	DateFrom       *time.Time
	DateTo         *time.Time
	Page           int
	PageSize       int
}

// ActiveTodayQuery filters the approved-reservations-for-a-day listing.
type ActiveTodayQuery struct {
	Date         *time.Time
	ResourceID   string
	ProgramID    string
	ResourceType string
	Page         int
	PageSize     int
}

// EnrichedApprovalRequest decorates a raw request with display data resolved
// from the directory cache. When enrichment fails the display fields fall
// back to the raw identifiers.
type EnrichedApprovalRequest struct {
	models.ApprovalRequest
	RequesterName  string `json:"requester_name"`
	RequesterEmail string `json:"requester_email,omitempty"`
	ResourceName   string `json:"resource_name"`
	CurrentStep    string `json:"current_step,omitempty"`
	FlowName       string `json:"flow_name,omitempty"`
}
