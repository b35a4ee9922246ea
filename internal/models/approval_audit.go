package models

import "time"

// AuditAction enumerates every state-changing action recorded in the trail.
type AuditAction string

const (
	AuditRequestCreated    AuditAction = "REQUEST_CREATED"
	AuditStepApproved      AuditAction = "STEP_APPROVED"
	AuditStepRejected      AuditAction = "STEP_REJECTED"
	AuditRequestApproved   AuditAction = "REQUEST_APPROVED"
	AuditRequestRejected   AuditAction = "REQUEST_REJECTED"
	AuditRequestCancelled  AuditAction = "REQUEST_CANCELLED"
	AuditDocumentGenerated AuditAction = "DOCUMENT_GENERATED"
	AuditNotificationSent  AuditAction = "NOTIFICATION_SENT"
)

// IsCritical reports whether the action triggers an external notification
// event after the audit write.
func (a AuditAction) IsCritical() bool {
	switch a {
	case AuditStepApproved, AuditStepRejected,
		AuditRequestApproved, AuditRequestRejected, AuditRequestCancelled:
		return true
	}
	return false
}

// IsApprovalClass groups actions that record an approval outcome.
func (a AuditAction) IsApprovalClass() bool {
	return a == AuditStepApproved || a == AuditRequestApproved
}

// IsRejectionClass groups actions that record a rejection outcome.
func (a AuditAction) IsRejectionClass() bool {
	return a == AuditStepRejected || a == AuditRequestRejected
}

// ApprovalAuditLog is one append-only entry in a request's audit trail.
type ApprovalAuditLog struct {
	ID                string      `db:"id" json:"id"`
	ApprovalRequestID string      `db:"approval_request_id" json:"approval_request_id"`
	Action            AuditAction `db:"action" json:"action"`
	ActorID           string      `db:"actor_id" json:"actor_id"`
	ActorRole         string      `db:"actor_role" json:"actor_role"`
	Comment           *string     `db:"comment" json:"comment,omitempty"`
	Metadata          Metadata    `db:"metadata" json:"metadata,omitempty"`
	Timestamp         time.Time   `db:"timestamp" json:"timestamp"`
}

// AuditFilter constrains audit listing and export queries.
type AuditFilter struct {
	ApprovalRequestID string
	ActorID           string
	Action            AuditAction
	From              *time.Time
	To                *time.Time
	Limit             int
	Offset            int
}

// AuditVerification is the read-only result of an integrity check over a
// request's trail. It reports issues as data and never repairs.
type AuditVerification struct {
	IsValid bool               `json:"is_valid"`
	Issues  []string           `json:"issues"`
	Logs    []ApprovalAuditLog `json:"logs"`
}

// AuditActionCount is one slice of the audit statistics breakdown.
type AuditActionCount struct {
	Action AuditAction `db:"action" json:"action"`
	Count  int         `db:"count" json:"count"`
}

// AuditStats aggregates trail entries per action and actor.
type AuditStats struct {
	Total     int                `json:"total"`
	PerAction []AuditActionCount `json:"per_action"`
	PerActor  []AuditActorCount  `json:"per_actor"`
}

// AuditActorCount counts entries produced by a single actor.
type AuditActorCount struct {
	ActorID string `db:"actor_id" json:"actor_id"`
	Count   int    `db:"count" json:"count"`
}
