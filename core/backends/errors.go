package backends

import (
	"errors"
	"fmt"

	"hpc-orchestrator/core/models"
)

// Sentinel errors for backend operations.
var (
	// ErrNotExist indicates the requested file or directory does not exist.
	ErrNotExist = errors.New("no such file or directory")

	// ErrJobNotFound indicates the backend has no record of the job.
	ErrJobNotFound = errors.New("job not found")

	// ErrUnavailable indicates the backend could not be reached.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrAccessDenied indicates the backend rejected our credentials.
	ErrAccessDenied = errors.New("access denied")

	// ErrUnsupported indicates the backend does not implement the operation.
	ErrUnsupported = errors.New("operation not supported by backend")
)

// BackendError wraps backend-specific errors with context.
type BackendError struct {
	// Op is the operation that failed (e.g. "Submit", "Read").
	Op string

	// Backend is the backend type.
	Backend models.BackendType

	// Cluster is the endpoint involved.
	Cluster string

	// Path is the file path or job id, if applicable.
	Path string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s:%s: %v", e.Backend, e.Op, e.Cluster, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.Cluster, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// IsNotExist returns true if the error indicates a missing file.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}

// IsJobNotFound returns true if the backend has no record of the job.
func IsJobNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}

// IsUnsupported returns true if the backend does not implement the operation.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}
