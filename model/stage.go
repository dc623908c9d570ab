package model

import "time"

// AssignmentType says how a stage's seats are filled.
type AssignmentType string

// Assignment types.
const (
	// AssignUser fills every seat with a fixed assignee.
	AssignUser AssignmentType = "user"
	// AssignRole fills seats from the holders of each required role.
	AssignRole AssignmentType = "role"
	// AssignDynamic is a role assignment whose role was chosen by amount.
	AssignDynamic AssignmentType = "dynamic"
	// AssignGroup seats every holder of the role; Count of them must approve.
	AssignGroup AssignmentType = "group"
)

// StageRequirement is one role requirement within a stage.
type StageRequirement struct {
	Role  string `json:"role"`
	Count int    `json:"count"`
}

// StageTemplate describes a stage before it is instantiated.
type StageTemplate struct {
	Name           string             `json:"name"`
	AssignmentType AssignmentType     `json:"assignment_type"`
	Requirements   []StageRequirement `json:"requirements"`
	Assignee       string             `json:"assignee,omitempty"`
	SLAHours       int                `json:"sla_hours,omitempty"`
	EscalateTo     string             `json:"escalate_to,omitempty"`
	Parallel       bool               `json:"parallel,omitempty"`
	ThresholdIDs   []string           `json:"threshold_ids,omitempty"`
}

// SeatStatus is the state of a single approver seat.
type SeatStatus string

// Seat states.
const (
	SeatPending  SeatStatus = "pending"
	SeatApproved SeatStatus = "approved"
	SeatRejected SeatStatus = "rejected"
)

// Approver is one required seat within an instantiated stage.
type Approver struct {
	SeatID           string     `json:"seat_id"`
	Role             string     `json:"role"`
	Nominal          string     `json:"nominal"`
	Identity         string     `json:"identity"`
	DelegationRuleID string     `json:"delegation_rule_id,omitempty"`
	EscalatedFrom    string     `json:"escalated_from,omitempty"`
	Status           SeatStatus `json:"status"`
	RespondedAt      *time.Time `json:"responded_at,omitempty"`
	Comments         string     `json:"comments,omitempty"`
}

// ApprovalStage is one instantiated step of an approval workflow.
type ApprovalStage struct {
	Sequence       int                `json:"sequence"`
	Name           string             `json:"name"`
	AssignmentType AssignmentType     `json:"assignment_type"`
	Assignee       string             `json:"assignee,omitempty"`
	SLAHours       int                `json:"sla_hours,omitempty"`
	EscalateTo     string             `json:"escalate_to,omitempty"`
	Parallel       bool               `json:"parallel"`
	Requirements   []StageRequirement `json:"requirements"`
	Seats          []Approver         `json:"seats,omitempty"`
	EnteredAt      *time.Time         `json:"entered_at,omitempty"`
	DeadlineAt     *time.Time         `json:"deadline_at,omitempty"`
	EscalatedAt    *time.Time         `json:"escalated_at,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
}

// Entered reports whether the stage has been entered.
func (s *ApprovalStage) Entered() bool { return s.EnteredAt != nil }

// Escalated reports whether the stage has already been escalated.
func (s *ApprovalStage) Escalated() bool { return s.EscalatedAt != nil }

// Completed reports whether the stage's completion rule has been met.
func (s *ApprovalStage) Completed() bool { return s.CompletedAt != nil }
