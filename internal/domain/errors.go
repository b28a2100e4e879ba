package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy. Callers branch with errors.Is against the sentinels;
// the typed variants carry the detail (colliding version IDs, expected vs
// actual lock numbers) needed to build an actionable message.
var (
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")
	ErrNotFound   = errors.New("not found")
)

// ValidationError reports malformed input: a bad condition tree, a missing
// required field, or a duplicate code within a version. Never retryable.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError reports an optimistic-lock mismatch or an effective-window
// overlap. The caller may re-read current state and retry the whole
// operation; the write itself is never retried internally.
type ConflictError struct {
	Msg string

	// ConflictingVersionIDs lists the published versions whose windows
	// collide with the attempted one, when that is the cause.
	ConflictingVersionIDs []string

	// ExpectedVersion / ActualVersion are set on lock mismatches.
	ExpectedVersion int
	ActualVersion   int
}

func (e *ConflictError) Error() string {
	if len(e.ConflictingVersionIDs) > 0 {
		return fmt.Sprintf("%s: overlapping versions [%s]", e.Msg, strings.Join(e.ConflictingVersionIDs, ", "))
	}
	if e.ExpectedVersion != 0 || e.ActualVersion != 0 {
		return fmt.Sprintf("%s: expected version %d, found %d", e.Msg, e.ExpectedVersion, e.ActualVersion)
	}
	return e.Msg
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// NotFoundError reports an unknown entity ID.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }
