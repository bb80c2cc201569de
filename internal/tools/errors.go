package tools

import "errors"

var (
	// ErrNotFound indicates the requested file does not exist in the
	// workspace. Returned to the calling step as a tool error.
	ErrNotFound = errors.New("file not found")

	// ErrCapabilityViolation indicates a caller invoked a tool outside
	// its declared subset. Fatal to the step.
	ErrCapabilityViolation = errors.New("tool not granted to caller")

	// ErrInvalidPattern indicates a list pattern contains dangerous or
	// malformed constructs.
	ErrInvalidPattern = errors.New("invalid file pattern")

	// ErrUnknownTool indicates dispatch of a tool name that is not
	// registered at all.
	ErrUnknownTool = errors.New("unknown tool")
)
