package orchestrator

import "errors"

var (
	// ErrJobNotFound is returned when neither the registry nor storage knows the id.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobActive is returned when restarting a job whose id is held by another live instance.
	ErrJobActive = errors.New("job is already active")
	// ErrShuttingDown is returned for new work once Shutdown has been called.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
	// ErrTaskCatalog is returned when the task catalog could not be read.
	ErrTaskCatalog = errors.New("failed to get available tasks")
)
