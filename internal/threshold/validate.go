package threshold

import (
	"fmt"
	"strings"

	"github.com/pitabwire/ratify/internal/condition"
	"github.com/pitabwire/ratify/model"
)

// Validate checks a threshold definition. A malformed condition yields
// INVALID_CONDITION; any other problem yields VALIDATION_ERROR with details.
func Validate(t model.Threshold) error {
	if err := condition.Validate(t.Condition); err != nil {
		return err
	}

	var details []model.FieldError
	add := func(field, code, msg string) {
		details = append(details, model.FieldError{Field: field, Code: code, Message: msg})
	}

	if strings.TrimSpace(t.Name) == "" {
		add("name", "REQUIRED", "name is required")
	}
	if t.Priority.Rank() == 0 {
		add("priority", "INVALID", fmt.Sprintf("unknown priority %q", t.Priority))
	}
	if t.AutoEscalateAfterHours < 0 {
		add("auto_escalate_after_hours", "INVALID", "must not be negative")
	}
	for i, req := range t.RequiredApprovers {
		field := fmt.Sprintf("required_approvers[%d]", i)
		if strings.TrimSpace(req.Role) == "" {
			add(field+".role", "REQUIRED", "role is required")
		}
		if req.Count < 1 {
			add(field+".count", "INVALID", "count must be at least 1")
		}
		if req.SLAHours < 0 {
			add(field+".sla_hours", "INVALID", "must not be negative")
		}
	}

	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}
