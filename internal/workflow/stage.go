package workflow

import (
	"fmt"
	"slices"
	"time"

	"github.com/pitabwire/ratify/model"
)

// decisionSeat validates that identity may act on stage seq and returns the
// stage and the index of the seat it acts on.
func decisionSeat(inst *model.WorkflowInstance, seq int, identity string) (*model.ApprovalStage, int, error) {
	st := inst.Stage(seq)
	if inst.Status.Terminal() {
		// A caller whose own seat was already decided lost a race on it.
		if st != nil {
			if _, err := seatFor(st, identity); model.IsCode(err, model.ErrAlreadyResolved) {
				return nil, -1, err
			}
		}
		return nil, -1, model.NewAlreadyTerminalError(inst.ID, inst.Status)
	}
	if st == nil {
		return nil, -1, model.NewNotFoundError(fmt.Sprintf("instance %q has no stage %d", inst.ID, seq))
	}
	if identity == SystemActor {
		return nil, -1, model.NewNotAuthorizedError("the " + SystemActor + " identity cannot record decisions")
	}
	if identity == "" || identity == inst.SubmittedBy {
		return nil, -1, model.NewNotAuthorizedError("the submitter cannot act on their own document")
	}
	if inst.Status == model.StatusEscalated {
		// An approver whose seat was escalated away lost the race on it.
		if st.EscalatedAt != nil && seq-1 == inst.CurrentStageIndex {
			if _, err := seatFor(st, identity); err == nil || model.IsCode(err, model.ErrAlreadyResolved) {
				return nil, -1, model.NewAlreadyResolvedError(fmt.Sprintf("stage %d was escalated", seq))
			}
		}
		return nil, -1, model.NewWorkflowNotActiveError(inst.ID, inst.Status)
	}
	if seq-1 < inst.CurrentStageIndex || st.Completed() {
		return nil, -1, model.NewAlreadyResolvedError(fmt.Sprintf("stage %d is already complete", seq))
	}
	if seq-1 > inst.CurrentStageIndex {
		return nil, -1, model.NewNotAuthorizedError(fmt.Sprintf("stage %d is not active yet", seq))
	}
	i, err := seatFor(st, identity)
	if err != nil {
		return nil, -1, err
	}
	return st, i, nil
}

// seatFor finds the pending seat identity holds, directly or as its nominal
// holder.
func seatFor(st *model.ApprovalStage, identity string) (int, error) {
	for i, seat := range st.Seats {
		if seat.Status == model.SeatPending && (seat.Identity == identity || seat.Nominal == identity) {
			return i, nil
		}
	}
	for _, seat := range st.Seats {
		decided := seat.Status != model.SeatPending && (seat.Identity == identity || seat.Nominal == identity)
		if decided || (seat.EscalatedFrom != "" && seat.EscalatedFrom == identity) {
			return -1, model.NewAlreadyResolvedError(
				fmt.Sprintf("seat %s on stage %d is already resolved", seat.SeatID, st.Sequence),
			)
		}
	}
	return -1, model.NewNotAuthorizedError(
		fmt.Sprintf("%q holds no pending seat on stage %d", identity, st.Sequence),
	)
}

// currentStage returns stage seq if it is the instance's open stage.
func currentStage(inst *model.WorkflowInstance, seq int) (*model.ApprovalStage, error) {
	st := inst.Stage(seq)
	if st == nil {
		return nil, model.NewNotFoundError(fmt.Sprintf("instance %q has no stage %d", inst.ID, seq))
	}
	if seq-1 != inst.CurrentStageIndex || st.Completed() {
		return nil, model.NewAlreadyResolvedError(fmt.Sprintf("stage %d is not the open stage", seq))
	}
	return st, nil
}

// stageComplete applies the completion rule. Parallel stages need one
// approval per distinct role, group stages need Count approvals per role,
// and every other stage needs all seats approved.
func stageComplete(st *model.ApprovalStage) bool {
	approved := make(map[string]int)
	total := 0
	for _, seat := range st.Seats {
		if seat.Status == model.SeatApproved {
			approved[seat.Role]++
			total++
		}
	}
	switch {
	case st.Parallel:
		for _, r := range st.Requirements {
			if approved[r.Role] < 1 {
				return false
			}
		}
		return true
	case st.AssignmentType == model.AssignGroup:
		for _, r := range st.Requirements {
			if approved[r.Role] < r.Count {
				return false
			}
		}
		return true
	default:
		return len(st.Seats) > 0 && total == len(st.Seats)
	}
}

func markEscalated(inst *model.WorkflowInstance, st *model.ApprovalStage, reason model.StatusReason, now time.Time) {
	inst.Status = model.StatusEscalated
	inst.StatusReason = &reason
	setDeadline(inst, st, now)
}

func setDeadline(inst *model.WorkflowInstance, st *model.ApprovalStage, now time.Time) {
	if st.SLAHours <= 0 {
		st.DeadlineAt = nil
		inst.CurrentDeadline = nil
		return
	}
	d := now.Add(time.Duration(st.SLAHours) * time.Hour)
	st.DeadlineAt = &d
	dc := d
	inst.CurrentDeadline = &dc
}

func deadlineReason(st *model.ApprovalStage) model.StatusReason {
	return model.StatusReason{
		Code:    ReasonDeadlineExceeded,
		Message: fmt.Sprintf("stage %d exceeded its %dh SLA", st.Sequence, st.SLAHours),
	}
}

func holdsSeat(st *model.ApprovalStage, identity string) bool {
	for _, seat := range st.Seats {
		if seat.Identity == identity {
			return true
		}
	}
	return false
}

// actingRule returns the delegation rule behind a decision, if the actor
// was the delegate rather than the nominal holder.
func actingRule(seat model.Approver, actor string) string {
	if actor == seat.Identity && actor != seat.Nominal {
		return seat.DelegationRuleID
	}
	return ""
}

func seatID(st *model.ApprovalStage) string {
	return fmt.Sprintf("%d-%d", st.Sequence, len(st.Seats)+1)
}

func scopeOf(inst *model.WorkflowInstance) model.DelegationScope {
	return model.DelegationScope{WorkflowType: inst.WorkflowType, Amount: inst.Document.Amount}
}

func instantiate(templates []model.StageTemplate) []model.ApprovalStage {
	stages := make([]model.ApprovalStage, len(templates))
	for i, t := range templates {
		at := t.AssignmentType
		if at == "" {
			at = model.AssignRole
		}
		reqs := slices.Clone(t.Requirements)
		if at == model.AssignUser && len(reqs) == 0 {
			reqs = []model.StageRequirement{{Role: "assignee", Count: 1}}
		}
		stages[i] = model.ApprovalStage{
			Sequence:       i + 1,
			Name:           t.Name,
			AssignmentType: at,
			Assignee:       t.Assignee,
			SLAHours:       t.SLAHours,
			EscalateTo:     t.EscalateTo,
			Parallel:       t.Parallel,
			Requirements:   reqs,
		}
	}
	return stages
}

func instanceIDs(insts []model.WorkflowInstance) []string {
	ids := make([]string, len(insts))
	for i, inst := range insts {
		ids[i] = inst.ID
	}
	return ids
}
