package identity

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKinds(t *testing.T) {
	conflict := fmt.Errorf("wrap: %w", ConflictError{Op: "op", Field: "email"})
	if !IsConflict(conflict) || !errors.Is(conflict, ErrConflict) {
		t.Fatalf("conflict classification failed")
	}
	if f, ok := ConflictField(conflict); !ok || f != "email" {
		t.Fatalf("ConflictField = %q, %v", f, ok)
	}

	nf := NotFoundError{Op: "op", Resource: "account"}
	if !IsNotFound(nf) || IsConflict(nf) {
		t.Fatalf("not found classification failed")
	}

	if !IsInvalidInput(invalid("op", "bad")) {
		t.Fatalf("invalid input classification failed")
	}
}

func TestValidationError(t *testing.T) {
	ve := &ValidationError{}
	if ve.Err() != nil {
		t.Fatalf("empty ValidationError must be nil error")
	}

	ve.Add("email", "invalid")
	ve.Add("email", "second message ignored")
	ve.Add("handle", "required")

	err := ve.Err()
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput")
	}
	if got := err.Error(); got != "validation failed: email: invalid; handle: required" {
		t.Fatalf("Error() = %q", got)
	}
}
