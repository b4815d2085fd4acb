// Package errs defines the error taxonomy shared by every engine component.
//
// Every failure surfaced to callers is an *Error carrying a Kind plus the
// affected plan and task identity, so callers can branch on errors.Is with the
// sentinel of each kind instead of matching message text.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an engine error.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindAuthentication  Kind = "authentication"
	KindPersistence     Kind = "persistence"
	KindTransfer        Kind = "transfer"
	KindNotFound        Kind = "not_found"
	KindDecode          Kind = "decode"
	KindRemoteExecution Kind = "remote_execution"
	KindInvalidState    Kind = "invalid_state"
	KindTimeout         Kind = "timeout"
)

// Sentinel errors, one per Kind.
var (
	ErrValidation      = errors.New("validation failed")
	ErrAuthentication  = errors.New("authentication required")
	ErrPersistence     = errors.New("persistence failed")
	ErrTransfer        = errors.New("transfer failed")
	ErrNotFound        = errors.New("not found")
	ErrDecode          = errors.New("content is not valid text")
	ErrRemoteExecution = errors.New("remote execution failed")
	ErrInvalidState    = errors.New("invalid state for operation")
	ErrTimeout         = errors.New("timed out")
)

// ErrConflict marks a persistence error caused by saving over a revision
// another writer has already replaced.
var ErrConflict = errors.New("stored revision changed")

var sentinels = map[Kind]error{
	KindValidation:      ErrValidation,
	KindAuthentication:  ErrAuthentication,
	KindPersistence:     ErrPersistence,
	KindTransfer:        ErrTransfer,
	KindNotFound:        ErrNotFound,
	KindDecode:          ErrDecode,
	KindRemoteExecution: ErrRemoteExecution,
	KindInvalidState:    ErrInvalidState,
	KindTimeout:         ErrTimeout,
}

// Phase distinguishes where a remote execution failed.
type Phase string

const (
	// PhaseDispatch means the code never ran: connectivity, auth or an
	// unsupported backend.
	PhaseDispatch Phase = "dispatch"

	// PhaseRemote means the code ran and exited unsuccessfully.
	PhaseRemote Phase = "remote"
)

// Error is the structured error returned by engine operations.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Op is the operation that failed (e.g. "Plan.Launch", "Gateway.Upload").
	Op string

	// PlanID and TaskID identify the affected entities, if any.
	PlanID string
	TaskID string

	// Path is the file path involved, if any.
	Path string

	// Phase is set for KindRemoteExecution.
	Phase Phase

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Phase != "" {
		fmt.Fprintf(&b, " (%s)", e.Phase)
	}
	if e.PlanID != "" {
		fmt.Fprintf(&b, " plan=%s", e.PlanID)
	}
	if e.TaskID != "" {
		fmt.Fprintf(&b, " task=%s", e.TaskID)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " path=%s", e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// New creates an error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf creates an error of the given kind with a formatted cause.
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithPlan sets the plan identity and returns e.
func (e *Error) WithPlan(planID string) *Error {
	e.PlanID = planID
	return e
}

// WithTask sets the task identity and returns e.
func (e *Error) WithTask(taskID string) *Error {
	e.TaskID = taskID
	return e
}

// WithPath sets the path and returns e.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// PhaseOf returns the execution Phase of err, or "" if none.
func PhaseOf(err error) Phase {
	var e *Error
	if errors.As(err, &e) {
		return e.Phase
	}
	return ""
}

// IsNotFound returns true if err is a NotFound error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidState returns true if err is an InvalidState error.
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

// IsConflict returns true if err is a stale-revision persistence error.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsTimeout returns true if err is a Timeout error.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }
