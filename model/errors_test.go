package model

import (
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "instance not found"}
	want := "NOT_FOUND: instance not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewNotFoundError(t *testing.T) {
	e := NewNotFoundError("resource missing")
	if e.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", e.Code, ErrNotFound)
	}
	if e.Message != "resource missing" {
		t.Errorf("Message = %q, want %q", e.Message, "resource missing")
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "name", Code: "REQUIRED", Message: "name is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "name" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "name")
	}
}

func TestRoutingErrorConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *ErrorEnvelope
		code string
	}{
		{"invalid condition", NewInvalidConditionError("lo > hi"), ErrInvalidCondition},
		{"not authorized", NewNotAuthorizedError("no seat"), ErrNotAuthorized},
		{"already terminal", NewAlreadyTerminalError("wf-1", StatusApproved), ErrAlreadyTerminal},
		{"already resolved", NewAlreadyResolvedError("seat taken"), ErrAlreadyResolved},
		{"missing justification", NewMissingJustificationError(), ErrMissingJustification},
		{"no approvers", NewNoApproversResolvableError("cfo", 1, 0), ErrNoApproversResolvable},
		{"not active", NewWorkflowNotActiveError("wf-1", StatusEscalated), ErrWorkflowNotActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.Message == "" {
				t.Error("Message is empty")
			}
		})
	}
}

func TestIsCode_unwraps(t *testing.T) {
	wrapped := fmt.Errorf("approve: %w", NewAlreadyResolvedError("seat taken"))
	if !IsCode(wrapped, ErrAlreadyResolved) {
		t.Error("IsCode(wrapped, ALREADY_RESOLVED) = false, want true")
	}
	if IsCode(wrapped, ErrNotAuthorized) {
		t.Error("IsCode(wrapped, NOT_AUTHORIZED) = true, want false")
	}
	if IsCode(fmt.Errorf("plain"), ErrInternalError) {
		t.Error("IsCode(plain error) = true, want false")
	}
}
