package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// ApprovalStep is one ordered step in an approval flow. Order is 1-based and
// must be contiguous across the flow's steps. AllowParallel is reserved;
// enforcement is strictly sequential.
type ApprovalStep struct {
	Name          string     `json:"name"`
	ApproverRoles StringList `json:"approverRoles"`
	Order         int        `json:"order"`
	IsRequired    bool       `json:"isRequired"`
	AllowParallel bool       `json:"allowParallel"`
	TimeoutHours  int        `json:"timeoutHours,omitempty"`
}

// ApprovalStepList stores the ordered steps as jsonb.
type ApprovalStepList []ApprovalStep

// Value implements driver.Valuer.
func (l ApprovalStepList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *ApprovalStepList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// AutoApproveConditions short-circuits the flow when every configured
// condition matches the incoming reservation.
type AutoApproveConditions struct {
	UserRoles          StringList `json:"userRoles,omitempty"`
	MaxDurationMinutes int        `json:"maxDurationMinutes,omitempty"`
	MaxAdvanceDays     int        `json:"maxAdvanceDays,omitempty"`
}

// Value implements driver.Valuer.
func (c AutoApproveConditions) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan implements sql.Scanner.
func (c *AutoApproveConditions) Scan(src interface{}) error {
	return scanJSON(src, c)
}

// IsZero reports whether no condition is configured.
func (c AutoApproveConditions) IsZero() bool {
	return len(c.UserRoles) == 0 && c.MaxDurationMinutes == 0 && c.MaxAdvanceDays == 0
}

// ApprovalFlow defines an ordered multi-step approval pipeline applied to
// reservations of the listed resource types.
type ApprovalFlow struct {
	ID            string                `db:"id" json:"id"`
	Name          string                `db:"name" json:"name"`
	Description   string                `db:"description" json:"description"`
	ResourceTypes StringList            `db:"resource_types" json:"resource_types"`
	Steps         ApprovalStepList      `db:"steps" json:"steps"`
	AutoApprove   AutoApproveConditions `db:"auto_approve_conditions" json:"auto_approve_conditions"`
	IsActive      bool                  `db:"is_active" json:"is_active"`
	CreatedBy     string                `db:"created_by" json:"created_by"`
	UpdatedBy     string                `db:"updated_by" json:"updated_by"`
	CreatedAt     time.Time             `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time             `db:"updated_at" json:"updated_at"`
}

// IsFlowActive reports whether the flow accepts new requests.
func (f *ApprovalFlow) IsFlowActive() bool {
	return f != nil && f.IsActive
}

// GetStep returns the step at the zero-based index, or nil when out of range.
func (f *ApprovalFlow) GetStep(index int) *ApprovalStep {
	if f == nil || index < 0 || index >= len(f.Steps) {
		return nil
	}
	return &f.Steps[index]
}

// GetTotalSteps returns the number of steps in the flow.
func (f *ApprovalFlow) GetTotalSteps() int {
	if f == nil {
		return 0
	}
	return len(f.Steps)
}

// AppliesTo reports whether the flow covers the given resource type.
func (f *ApprovalFlow) AppliesTo(resourceType string) bool {
	return f != nil && f.ResourceTypes.Contains(resourceType)
}

// ApprovalFlowFilter constrains flow listing queries.
type ApprovalFlowFilter struct {
	ResourceType string
	IsActive     *bool
	Search       string
	Page         int
	PageSize     int
}
