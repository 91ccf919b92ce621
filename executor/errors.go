package executor

import "errors"

var (
	ErrPoolTimeout         = errors.New("no execution environment available")
	ErrRuntimeCreation     = errors.New("execution environment could not be created")
	ErrRuntimeUnavailable  = errors.New("container runtime unavailable")
	ErrInstanceUnavailable = errors.New("execution environment is not running")
	ErrInstanceInUse       = errors.New("execution environment is already tracked")
	ErrNoActiveProcess     = errors.New("no active process")
	ErrExecutionTimeout    = errors.New("execution timed out")
)
