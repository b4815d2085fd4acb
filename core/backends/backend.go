// Package backends defines the protocol the engine speaks to remote compute:
// job submission, state polling, cancellation, working-directory file access
// and optional ad-hoc code execution.
package backends

import (
	"context"
	"time"

	"hpc-orchestrator/core/models"
)

// Backend submits and tracks batch jobs on one kind of remote compute.
// Every call carries the resource handle so a single backend can serve
// many clusters of its kind.
type Backend interface {
	// Name returns the backend type served
	Name() models.BackendType

	// Prepare creates a fresh working directory for a task and returns its path
	Prepare(ctx context.Context, res models.ResourceHandle, name string) (workdir string, err error)

	// Submit starts a job and returns its backend job id
	Submit(ctx context.Context, req SubmitRequest) (jobID string, err error)

	// Poll returns the raw backend-specific state of a job
	Poll(ctx context.Context, res models.ResourceHandle, jobID string) (raw string, err error)

	// Cancel requests termination of a job. Cancelling a finished job is not an error.
	Cancel(ctx context.Context, res models.ResourceHandle, jobID string) error

	// Files returns file access scoped to the resource's cluster
	Files(res models.ResourceHandle) (FileSystem, error)
}

// SubmitRequest describes one job submission
type SubmitRequest struct {
	TaskID   string
	Name     string
	WorkDir  string
	Resource models.ResourceHandle
	Script   string // Shell commands run from WorkDir
}

// FileInfo describes one entry of a remote directory
type FileInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

// FileSystem is remote file access. Paths are absolute backend paths.
// Missing paths return an error wrapping ErrNotExist.
type FileSystem interface {
	List(ctx context.Context, dir string) ([]FileInfo, error)
	Stat(ctx context.Context, path string) (FileInfo, error)
	Read(ctx context.Context, path string) ([]byte, error)
	// Write replaces path atomically: readers never observe a partial file
	Write(ctx context.Context, path string, data []byte) error
	Mkdir(ctx context.Context, path string) error
}

// RunSpec is a piece of code to execute inside a working directory
type RunSpec struct {
	Language     string // "python" or "shell"
	Source       string
	Env          map[string]string
	Dependencies []string
}

// RunOutput is the captured result of a RunSpec
type RunOutput struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner is implemented by backends that can execute code next to a live job.
// A returned error means the code never ran; a non-zero exit is reported in RunOutput.
type Runner interface {
	Run(ctx context.Context, res models.ResourceHandle, workdir string, spec RunSpec) (RunOutput, error)
}
