package model

import (
	"errors"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	err := NewNotFoundError("execution \"abc\" not found")
	want := "NOT_FOUND: execution \"abc\" not found"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestErrorCode(t *testing.T) {
	if code := ErrorCode(NewInvalidTransitionError("step already completed")); code != ErrInvalidTransition {
		t.Errorf("code = %q, want %q", code, ErrInvalidTransition)
	}
	if code := ErrorCode(NewConflictError("version conflict")); code != ErrConflict {
		t.Errorf("code = %q, want %q", code, ErrConflict)
	}
	if code := ErrorCode(errors.New("plain")); code != ErrInternalError {
		t.Errorf("code = %q, want %q", code, ErrInternalError)
	}
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError([]FieldError{
		{Field: "steps", Code: "required", Message: "at least one step is required"},
	})
	if err.Code != ErrValidationError {
		t.Errorf("code = %q", err.Code)
	}
	if len(err.Details) != 1 || err.Details[0].Field != "steps" {
		t.Errorf("details = %+v", err.Details)
	}
}
