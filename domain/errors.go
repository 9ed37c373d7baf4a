package domain

import (
	"errors"
	"fmt"
)

// Validation errors.
var (
	ErrEmptyTitle      = errors.New("task title cannot be empty")
	ErrTitleTooLong    = errors.New("task title cannot exceed 255 characters")
	ErrInvalidStatus   = errors.New("invalid task status")
	ErrInvalidPriority = errors.New("invalid task priority")
	ErrInvalidDueDate  = errors.New("due date must be formatted as YYYY-MM-DD")
	ErrEmptyPatch      = errors.New("update has no fields")
	ErrEmptyName       = errors.New("project name cannot be empty")
	ErrMissingTeam     = errors.New("project team is required")
	ErrMissingSession  = errors.New("operation requires an authenticated user")
)

// ErrInvalidMove is returned when a move does not match the current board,
// e.g. an index out of range or a task not found at the source position.
var ErrInvalidMove = errors.New("invalid move")

// IsValidation reports whether err was caused by bad caller input.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrEmptyTitle, ErrTitleTooLong, ErrInvalidStatus, ErrInvalidPriority,
		ErrInvalidDueDate, ErrEmptyPatch, ErrEmptyName, ErrMissingTeam, ErrInvalidMove,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ReferentialInconsistencyError reports a paired write that only partially
// succeeded, leaving the task document and the project's task list out of
// step.
type ReferentialInconsistencyError struct {
	Op        string
	TaskID    string
	ProjectID string
	Err       error
}

func (e *ReferentialInconsistencyError) Error() string {
	return fmt.Sprintf("%s task %s: project %s task list out of sync: %v", e.Op, e.TaskID, e.ProjectID, e.Err)
}

func (e *ReferentialInconsistencyError) Unwrap() error { return e.Err }
