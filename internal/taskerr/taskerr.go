// Package taskerr defines the structured failure reasons a task can
// terminate with, and the error type each runner step returns so the
// runner can map any failure to exactly one reason on the task row.
package taskerr

import (
	"errors"
	"fmt"
)

// Reason is the machine-readable failure code stored on a failed task.
type Reason string

// Task failure reasons.
const (
	ReasonProvision     Reason = "provision"
	ReasonCloneAuth     Reason = "clone_auth"
	ReasonCloneNotFound Reason = "clone_not_found"
	ReasonCloneNetwork  Reason = "clone_network"
	ReasonCloneTimeout  Reason = "clone_timeout"
	ReasonAgentExit     Reason = "agent_exit"
	ReasonAgentTimeout  Reason = "agent_timeout"
	ReasonNoChanges     Reason = "no_changes"
	ReasonCommit        Reason = "commit"
	ReasonOrphan        Reason = "orphan"
	ReasonShutdown      Reason = "shutdown"
	ReasonCancelled     Reason = "cancelled"
	ReasonInternal      Reason = "internal"
)

// TaskError carries a failure reason plus a human-readable message. The
// message must already be credential-scrubbed by the time a TaskError is
// constructed; nothing downstream re-filters it.
type TaskError struct {
	Reason  Reason
	Message string
	Err     error
}

// New builds a TaskError with a formatted message.
func New(reason Reason, format string, args ...any) *TaskError {
	return &TaskError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a TaskError around an underlying error.
func Wrap(reason Reason, msg string, err error) *TaskError {
	return &TaskError{Reason: reason, Message: msg, Err: err}
}

func (e *TaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *TaskError) Unwrap() error { return e.Err }

// ReasonOf extracts the failure reason from err, or ReasonInternal if err
// carries no TaskError.
func ReasonOf(err error) Reason {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Reason
	}
	return ReasonInternal
}
