package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInactiveReference = errors.New("referenced item is not active")
	ErrConflict          = errors.New("conflict")
	ErrTimeout           = errors.New("timeout")
	ErrState             = errors.New("invalid state")
)

// ValidationError carries every issue found while checking an input.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return ErrValidation.Error()
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(e.Issues, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func NewValidationError(issues ...string) *ValidationError {
	return &ValidationError{Issues: issues}
}

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func Statef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrState, fmt.Sprintf(format, args...))
}

func Inactivef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInactiveReference, fmt.Sprintf(format, args...))
}
