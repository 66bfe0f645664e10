package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// The error taxonomy for pipeline execution. Task-level errors stay on the
// task and only escalate to the run via the superstep fail-fast rule.

// SubmissionError wraps an adapter rejection at submit time.
type SubmissionError struct {
	TaskType string
	Err      error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit %s: %v", e.TaskType, e.Err)
}
func (e *SubmissionError) Unwrap() error { return e.Err }

// TransientPollError means the external service could not answer right now.
// The task is not terminal; the driver re-polls later.
type TransientPollError struct {
	Err error
}

func (e *TransientPollError) Error() string { return fmt.Sprintf("transient poll: %v", e.Err) }
func (e *TransientPollError) Unwrap() error { return e.Err }

// PermanentPollError is treated exactly like an explicit failed outcome.
type PermanentPollError struct {
	Err error
}

func (e *PermanentPollError) Error() string { return fmt.Sprintf("permanent poll: %v", e.Err) }
func (e *PermanentPollError) Unwrap() error { return e.Err }

// TemplateError is a configuration fault: a params template referenced a
// path that resolves to nothing. It fails the owning task before submission.
type TemplateError struct {
	Placeholder string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("unresolved template placeholder %q", e.Placeholder)
}

// InconsistentStateError means a caller reported a terminal outcome for a
// task that already holds a different terminal outcome. External services may
// duplicate callbacks but must not contradict themselves; the first recorded
// outcome stays authoritative and this error must never be swallowed.
type InconsistentStateError struct {
	TaskID string
	Have   TaskState
	Got    TaskState
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("task %s already %s, conflicting outcome %s", e.TaskID, e.Have, e.Got)
}

// PollTimeoutError is injected by the driver loop when a submitted task
// exceeds its deadline.
type PollTimeoutError struct {
	TaskID string
	After  time.Duration
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.TaskID, e.After)
}

// ErrCancelled is recorded as the failure reason when a run is cancelled
// mid-flight (e.g. the user deleted the node).
var ErrCancelled = errors.New("cancelled")

// ErrUnknownTask is returned for outcomes addressed to a task id the run's
// definition does not contain.
var ErrUnknownTask = errors.New("unknown task id")
