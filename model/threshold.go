package model

import "time"

// Priority orders matched thresholds.
type Priority string

// Threshold priorities, highest first.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns a sortable weight for the priority; unknown priorities rank 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// ApproverRequirement asks for Count approvals from holders of Role.
type ApproverRequirement struct {
	Role       string `json:"role" yaml:"role"`
	Count      int    `json:"count" yaml:"count"`
	EscalateTo string `json:"escalate_to,omitempty" yaml:"escalate_to,omitempty"`
	SLAHours   int    `json:"sla_hours,omitempty" yaml:"sla_hours,omitempty"`
}

// Threshold maps a document condition to the approvers it requires.
type Threshold struct {
	ID                     string                `json:"id" yaml:"id"`
	Name                   string                `json:"name" yaml:"name"`
	Description            string                `json:"description,omitempty" yaml:"description,omitempty"`
	Condition              Condition             `json:"condition" yaml:"condition"`
	RequiredApprovers      []ApproverRequirement `json:"required_approvers" yaml:"required_approvers"`
	Priority               Priority              `json:"priority" yaml:"priority"`
	AutoEscalateAfterHours int                   `json:"auto_escalate_after_hours,omitempty" yaml:"auto_escalate_after_hours,omitempty"`
	Parallel               bool                  `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	WorkflowType           string                `json:"workflow_type,omitempty" yaml:"workflow_type,omitempty"`
	Disabled               bool                  `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Version                int                   `json:"version" yaml:"-"`
	CreatedAt              time.Time             `json:"created_at" yaml:"-"`
	UpdatedAt              time.Time             `json:"updated_at" yaml:"-"`
}

// Clone returns a deep copy of the threshold.
func (t Threshold) Clone() Threshold {
	out := t
	out.RequiredApprovers = append([]ApproverRequirement(nil), t.RequiredApprovers...)
	return out
}

// ThresholdRef pins the version of a threshold an instance was built from.
type ThresholdRef struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}
