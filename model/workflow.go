package model

import "time"

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

// Workflow instance states.
const (
	StatusPending    InstanceStatus = "pending"
	StatusInProgress InstanceStatus = "in_progress"
	StatusApproved   InstanceStatus = "approved"
	StatusRejected   InstanceStatus = "rejected"
	StatusEscalated  InstanceStatus = "escalated"
	StatusExpired    InstanceStatus = "expired"
	StatusCancelled  InstanceStatus = "cancelled"
)

// Terminal reports whether no further mutation is permitted.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Open reports whether the instance still awaits a decision.
func (s InstanceStatus) Open() bool {
	return s != "" && !s.Terminal()
}

// StatusReason explains an escalated or expired status.
type StatusReason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HistoryAction is the kind of a recorded transition.
type HistoryAction string

// History actions.
const (
	ActionApproved   HistoryAction = "approved"
	ActionRejected   HistoryAction = "rejected"
	ActionReturned   HistoryAction = "returned"
	ActionEscalated  HistoryAction = "escalated"
	ActionDelegated  HistoryAction = "delegated"
	ActionReassigned HistoryAction = "reassigned"
	ActionExpired    HistoryAction = "expired"
	ActionCancelled  HistoryAction = "cancelled"
)

// HistoryEntry records one transition of an instance. Entries are append-only.
type HistoryEntry struct {
	ID                      string        `json:"id"`
	InstanceID              string        `json:"instance_id"`
	Stage                   int           `json:"stage"`
	Action                  HistoryAction `json:"action"`
	ActionBy                string        `json:"action_by"`
	Timestamp               time.Time     `json:"timestamp"`
	Comments                string        `json:"comments,omitempty"`
	DurationSinceStageStart time.Duration `json:"duration_since_stage_start"`
	FromStage               int           `json:"from_stage"`
	ToStage                 int           `json:"to_stage"`
	DelegationRuleID        string        `json:"delegation_rule_id,omitempty"`
}

// WorkflowInstance is the aggregate root of an approval request.
type WorkflowInstance struct {
	ID                string          `json:"id"`
	Document          Document        `json:"document"`
	WorkflowType      string          `json:"workflow_type"`
	SubmittedBy       string          `json:"submitted_by,omitempty"`
	Status            InstanceStatus  `json:"status"`
	StatusReason      *StatusReason   `json:"status_reason,omitempty"`
	CurrentStageIndex int             `json:"current_stage_index"`
	Stages            []ApprovalStage `json:"stages"`
	History           []HistoryEntry  `json:"history"`
	ThresholdRefs     []ThresholdRef  `json:"threshold_refs,omitempty"`
	Outbox            []Notification  `json:"outbox,omitempty"`
	NotificationSeq   int64           `json:"notification_seq"`
	CurrentDeadline   *time.Time      `json:"current_deadline,omitempty"`
	Version           int             `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// CurrentStage returns the stage at CurrentStageIndex, or nil when the
// instance has no stage at that index.
func (w *WorkflowInstance) CurrentStage() *ApprovalStage {
	if w.CurrentStageIndex < 0 || w.CurrentStageIndex >= len(w.Stages) {
		return nil
	}
	return &w.Stages[w.CurrentStageIndex]
}

// Stage returns the stage with the given 1-based sequence, or nil.
func (w *WorkflowInstance) Stage(seq int) *ApprovalStage {
	if seq < 1 || seq > len(w.Stages) {
		return nil
	}
	return &w.Stages[seq-1]
}

// Clone returns a deep copy that shares no slices or pointers with w.
func (w WorkflowInstance) Clone() WorkflowInstance {
	out := w
	out.Document = w.Document.Clone()
	if w.StatusReason != nil {
		r := *w.StatusReason
		out.StatusReason = &r
	}
	out.Stages = make([]ApprovalStage, len(w.Stages))
	for i, st := range w.Stages {
		st.Requirements = append([]StageRequirement(nil), st.Requirements...)
		st.Seats = append([]Approver(nil), st.Seats...)
		for j := range st.Seats {
			st.Seats[j].RespondedAt = cloneTime(st.Seats[j].RespondedAt)
		}
		st.EnteredAt = cloneTime(st.EnteredAt)
		st.DeadlineAt = cloneTime(st.DeadlineAt)
		st.EscalatedAt = cloneTime(st.EscalatedAt)
		st.CompletedAt = cloneTime(st.CompletedAt)
		out.Stages[i] = st
	}
	out.History = append([]HistoryEntry(nil), w.History...)
	out.ThresholdRefs = append([]ThresholdRef(nil), w.ThresholdRefs...)
	out.Outbox = make([]Notification, len(w.Outbox))
	for i, n := range w.Outbox {
		n.Recipients = append([]string(nil), n.Recipients...)
		out.Outbox[i] = n
	}
	out.CurrentDeadline = cloneTime(w.CurrentDeadline)
	out.CompletedAt = cloneTime(w.CompletedAt)
	return out
}

// PendingSeat is an open seat on an instance's current stage, as listed in an
// approver's inbox.
type PendingSeat struct {
	InstanceID string     `json:"instance_id"`
	DocumentID string     `json:"document_id"`
	Stage      int        `json:"stage"`
	StageName  string     `json:"stage_name"`
	SeatID     string     `json:"seat_id"`
	Role       string     `json:"role"`
	DeadlineAt *time.Time `json:"deadline_at,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
