package tools

import "errors"

// Tool registry errors.
var (
	// ErrToolNotFound is returned when a tool is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolNameEmpty is returned when a tool has no name.
	ErrToolNameEmpty = errors.New("tool name cannot be empty")

	// ErrToolExecuteNil is returned when a tool has no execute function.
	ErrToolExecuteNil = errors.New("tool execute function cannot be nil")

	// ErrToolAlreadyRegistered is returned when registering a duplicate.
	ErrToolAlreadyRegistered = errors.New("tool already registered")

	// ErrMissingRequiredArg is returned when a required argument is missing.
	ErrMissingRequiredArg = errors.New("missing required argument")

	// ErrInvalidArgType is returned when an argument has the wrong type.
	ErrInvalidArgType = errors.New("invalid argument type")

	// ErrUnknownArg is returned for arguments the schema does not declare.
	ErrUnknownArg = errors.New("unknown argument")

	// ErrInvalidEnum is returned when a value is outside the declared enum.
	ErrInvalidEnum = errors.New("value not in enum")

	// ErrToolPanic wraps a recovered tool panic.
	ErrToolPanic = errors.New("tool panicked")

	// ErrToolCancelled is returned when the call was cancelled or timed out.
	ErrToolCancelled = errors.New("tool call cancelled")

	// ErrCommitStepMutation is returned when an evolution task in the commit
	// step calls a repo-mutating tool other than the commit tool. The commit
	// step may only record the tree the gates approved.
	ErrCommitStepMutation = errors.New("the commit step may only commit the gated tree")
)
