package apperrors

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrUnavailable       = errors.New("workflow is not active or not enabled")
	ErrLockTimeout       = errors.New("lock acquisition timed out")
	ErrCycle             = errors.New("cycle detected")
	ErrDeadlock          = errors.New("deadlock")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrUnknownEngine     = errors.New("unknown database engine")
	ErrUnknownTaskType   = errors.New("unknown task type")
	ErrUnsupported       = errors.New("operation not supported")
	ErrSubWorkflowDepth  = errors.New("sub-workflow recursion depth exceeded")
	ErrInjectionDetected = errors.New("sql injection pattern detected")
)
