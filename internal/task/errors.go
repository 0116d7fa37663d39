package task

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation covers missing or malformed task input. Rejected before any persistence.
	ErrValidation = errors.New("invalid task")
	// ErrMissingParameter is a ValidationError for a required parameter key.
	ErrMissingParameter = errors.New("missing parameter")
	// ErrDuplicateTask reports an identical task already exists. No state changes.
	ErrDuplicateTask = errors.New("task already exists")
	// ErrUnknownTaskKind reports a kind with no registered handler.
	ErrUnknownTaskKind = errors.New("unknown task kind")
	// ErrNotFound reports a task name that is not in the store.
	ErrNotFound = errors.New("task not found")
	// ErrPersistence reports that the task table could not be written.
	ErrPersistence = errors.New("task store write failed")
)

// MissingParameterError names the required key that was absent.
type MissingParameterError struct {
	Kind Kind
	Key  string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("missing parameter %q for %s", e.Key, e.Kind)
}

func (e *MissingParameterError) Is(target error) bool {
	return target == ErrMissingParameter || target == ErrValidation
}

// DuplicateError carries the name of the existing identical task.
type DuplicateError struct {
	Existing string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("task already exists as %s", e.Existing)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicateTask }

// HandlerError wraps a failed handler invocation. The scheduler recovers these locally.
type HandlerError struct {
	Task string
	Err  error
}

func (e *HandlerError) Error() string { return fmt.Sprintf("task %s failed: %v", e.Task, e.Err) }
func (e *HandlerError) Unwrap() error { return e.Err }
