package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Approval routing error codes.
const (
	ErrInvalidCondition      = "INVALID_CONDITION"
	ErrNotAuthorized         = "NOT_AUTHORIZED"
	ErrAlreadyTerminal       = "ALREADY_TERMINAL"
	ErrAlreadyResolved       = "ALREADY_RESOLVED"
	ErrMissingJustification  = "MISSING_JUSTIFICATION"
	ErrNoApproversResolvable = "NO_APPROVERS_RESOLVABLE"
	ErrWorkflowNotActive     = "WORKFLOW_NOT_ACTIVE"
)

// ErrorEnvelope is the standard error response envelope returned by the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope unwraps err to an *ErrorEnvelope if one is in its chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env, true
	}
	return nil, false
}

// IsCode reports whether err carries an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	env, ok := AsEnvelope(err)
	return ok && env.Code == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewInvalidConditionError returns an INVALID_CONDITION error.
func NewInvalidConditionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidCondition, Message: msg}
}

// NewNotAuthorizedError returns a NOT_AUTHORIZED error.
func NewNotAuthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotAuthorized, Message: msg}
}

// NewAlreadyTerminalError returns an ALREADY_TERMINAL error.
func NewAlreadyTerminalError(instanceID string, status InstanceStatus) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAlreadyTerminal,
		Message: fmt.Sprintf("instance %q is already %s", instanceID, status),
	}
}

// NewAlreadyResolvedError returns an ALREADY_RESOLVED error.
func NewAlreadyResolvedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrAlreadyResolved, Message: msg}
}

// NewMissingJustificationError returns a MISSING_JUSTIFICATION error.
func NewMissingJustificationError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrMissingJustification,
		Message: "comments are required when rejecting",
	}
}

// NewNoApproversResolvableError returns a NO_APPROVERS_RESOLVABLE error.
func NewNoApproversResolvableError(role string, want, got int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrNoApproversResolvable,
		Message: fmt.Sprintf("role %q needs %d approver(s), %d resolvable", role, want, got),
	}
}

// NewWorkflowNotActiveError returns a WORKFLOW_NOT_ACTIVE error.
func NewWorkflowNotActiveError(instanceID string, status InstanceStatus) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrWorkflowNotActive,
		Message: fmt.Sprintf("instance %q is %s", instanceID, status),
	}
}
