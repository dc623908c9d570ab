package workflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/ratify/model"
)

// transition describes one history entry to append.
type transition struct {
	action   model.HistoryAction
	actor    string
	comments string
	stage    int
	toStage  int
	ruleID   string
}

// appendHistory records a transition. Entries are only ever appended.
func appendHistory(inst *model.WorkflowInstance, tr transition, now time.Time) {
	var since time.Duration
	if st := inst.Stage(tr.stage); st != nil && st.EnteredAt != nil {
		since = now.Sub(*st.EnteredAt)
	}
	inst.History = append(inst.History, model.HistoryEntry{
		ID:                      newID(),
		InstanceID:              inst.ID,
		Stage:                   tr.stage,
		Action:                  tr.action,
		ActionBy:                tr.actor,
		Timestamp:               now,
		Comments:                tr.comments,
		DurationSinceStageStart: since,
		FromStage:               tr.stage,
		ToStage:                 tr.toStage,
		DelegationRuleID:        tr.ruleID,
	})
}

// queue adds a notification to the instance outbox. It is persisted with
// the transition and delivered afterwards.
func queue(
	inst *model.WorkflowInstance,
	typ model.NotificationType,
	stage int,
	actor string,
	recipients []string,
	now time.Time,
) {
	inst.NotificationSeq++
	inst.Outbox = append(inst.Outbox, model.Notification{
		ID:         fmt.Sprintf("%s-%d", inst.ID, inst.NotificationSeq),
		InstanceID: inst.ID,
		DocumentID: inst.Document.DocumentID,
		Type:       typ,
		Stage:      stage,
		Status:     inst.Status,
		Recipients: compact(recipients),
		ActionBy:   actor,
		OccurredAt: now,
		Sequence:   inst.NotificationSeq,
	})
}

// compact drops empty and repeated recipients, keeping order.
func compact(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, r := range in {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

func newID() string {
	return uuid.New().String()
}

// validateSubmit checks a submission before any approver is resolved.
func validateSubmit(req SubmitRequest) error {
	var details []model.FieldError
	if req.Document.DocumentID == "" {
		details = append(details, model.FieldError{
			Field: "document_id", Code: "REQUIRED", Message: "document_id is required",
		})
	}
	if req.Document.Amount.IsNegative() {
		details = append(details, model.FieldError{
			Field: "amount", Code: "INVALID", Message: "amount must not be negative",
		})
	}
	for i, t := range req.Stages {
		field := fmt.Sprintf("stages[%d]", i)
		switch t.AssignmentType {
		case "", model.AssignRole, model.AssignDynamic, model.AssignGroup:
			if len(t.Requirements) == 0 {
				details = append(details, model.FieldError{
					Field: field + ".requirements", Code: "REQUIRED", Message: "at least one requirement is required",
				})
			}
		case model.AssignUser:
			if t.Assignee == "" {
				details = append(details, model.FieldError{
					Field: field + ".assignee", Code: "REQUIRED", Message: "assignee is required for user assignment",
				})
			}
		default:
			details = append(details, model.FieldError{
				Field: field + ".assignment_type", Code: "INVALID", Message: fmt.Sprintf("unknown assignment type %q", t.AssignmentType),
			})
		}
		for j, r := range t.Requirements {
			if r.Role == "" || r.Count < 1 {
				details = append(details, model.FieldError{
					Field:   fmt.Sprintf("%s.requirements[%d]", field, j),
					Code:    "INVALID",
					Message: "requirement needs a role and a count of at least 1",
				})
			}
		}
		if t.SLAHours < 0 {
			details = append(details, model.FieldError{
				Field: field + ".sla_hours", Code: "INVALID", Message: "sla_hours must not be negative",
			})
		}
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}
