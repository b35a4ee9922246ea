package dto

import "github.com/campuskit/approval-api/internal/models"

// StepInput describes one step when creating or updating a flow.
type StepInput struct {
	Name          string   `json:"name" binding:"required"`
	ApproverRoles []string `json:"approverRoles" binding:"required,min=1"`
	Order         int      `json:"order" binding:"required,min=1"`
	IsRequired    bool     `json:"isRequired"`
	AllowParallel bool     `json:"allowParallel"`
	TimeoutHours  int      `json:"timeoutHours" binding:"omitempty,min=1"`
}

// AutoApproveInput configures auto-approval short-circuit conditions.
type AutoApproveInput struct {
	UserRoles          []string `json:"userRoles"`
	MaxDurationMinutes int      `json:"maxDurationMinutes" binding:"omitempty,min=1"`
	MaxAdvanceDays     int      `json:"maxAdvanceDays" binding:"omitempty,min=1"`
}

// CreateFlowRequest payload for defining an approval flow.
type CreateFlowRequest struct {
	Name          string            `json:"name" binding:"required"`
	Description   string            `json:"description"`
	ResourceTypes []string          `json:"resourceTypes" binding:"required,min=1"`
	Steps         []StepInput       `json:"steps" binding:"required,min=1,dive"`
	AutoApprove   *AutoApproveInput `json:"autoApproveConditions"`
}

// UpdateFlowRequest payload for replacing a flow's definition.
type UpdateFlowRequest struct {
	Name          string            `json:"name"`
	Description   *string           `json:"description"`
	ResourceTypes []string          `json:"resourceTypes"`
	Steps         []StepInput       `json:"steps" binding:"omitempty,min=1,dive"`
	AutoApprove   *AutoApproveInput `json:"autoApproveConditions"`
	IsActive      *bool             `json:"isActive"`
}

// FlowQuery mirrors supported flow listing filters.
type FlowQuery struct {
	ResourceType string
	IsActive     *bool
	Search       string
	Page         int
	PageSize     int
}

// StepModels converts step inputs to the model representation.
func (r CreateFlowRequest) StepModels() models.ApprovalStepList {
	return stepModels(r.Steps)
}

func stepModels(inputs []StepInput) models.ApprovalStepList {
	steps := make(models.ApprovalStepList, 0, len(inputs))
	for _, in := range inputs {
		steps = append(steps, models.ApprovalStep{
			Name:          in.Name,
			ApproverRoles: models.StringList(in.ApproverRoles),
			Order:         in.Order,
			IsRequired:    in.IsRequired,
			AllowParallel: in.AllowParallel,
			TimeoutHours:  in.TimeoutHours,
		})
	}
	return steps
}

// AutoApproveModel converts the optional auto-approve input.
func AutoApproveModel(in *AutoApproveInput) models.AutoApproveConditions {
	if in == nil {
		return models.AutoApproveConditions{}
	}
	return models.AutoApproveConditions{
		UserRoles:          models.StringList(in.UserRoles),
		MaxDurationMinutes: in.MaxDurationMinutes,
		MaxAdvanceDays:     in.MaxAdvanceDays,
	}
}

// StepModels converts update step inputs.
func (r UpdateFlowRequest) StepModels() models.ApprovalStepList {
	return stepModels(r.Steps)
}
