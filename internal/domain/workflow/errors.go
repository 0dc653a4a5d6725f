package workflow

import "errors"

var (
	// ErrInvalidTransition is returned when a signal is not legal for the
	// instance's current projected state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrVersionConflict is returned when a caller-supplied expected version
	// does not match the instance's current version.
	ErrVersionConflict = errors.New("version conflict")

	// ErrTerminalInstance marks a signal refused because the instance already
	// reached a terminal status. It travels wrapped alongside
	// ErrInvalidTransition so callers can tell terminal refusals apart.
	ErrTerminalInstance = errors.New("instance is terminal")

	// ErrUnknownTask is returned when a completed task does not belong to the
	// current stage.
	ErrUnknownTask = errors.New("unknown task")

	// ErrUnknownApprover is returned when the signal actor is not the current
	// approver slot.
	ErrUnknownApprover = errors.New("unknown approver")

	// ErrDefinitionNotFound is returned when a workflow definition is not
	// registered.
	ErrDefinitionNotFound = errors.New("workflow definition not found")

	// ErrInstanceNotFound is returned when no instance exists for the given ID.
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrEntityNotFound is returned when the external entity reference cannot
	// be resolved on start.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrValidation is returned for malformed signal payloads or invalid
	// definitions, before anything touches the event log.
	ErrValidation = errors.New("validation failed")
)
