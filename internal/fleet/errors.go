package fleet

import "errors"

var (
	// ErrTimeout is the cause recorded when an attempt exceeds its time budget
	ErrTimeout = errors.New("attempt timed out")

	// ErrExternalFailure wraps an error returned by an executor
	ErrExternalFailure = errors.New("external call failed")

	// ErrEmptySubtasks is returned when a run has nothing to do
	ErrEmptySubtasks = errors.New("no subtasks to run")

	// ErrDuplicateSubtask is returned when two subtasks share an id
	ErrDuplicateSubtask = errors.New("duplicate subtask id")

	// ErrUnroutableTier is returned when no provider serves a subtask's tier
	ErrUnroutableTier = errors.New("no provider for tier")
)
