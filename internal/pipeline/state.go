package pipeline

import (
	"time"
)

// TaskState is the per-task lifecycle:
// pending -> submitted -> completed | failed. No regression from a terminal
// state, ever.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskSubmitted TaskState = "submitted"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

func (s TaskState) Terminal() bool { return s == TaskCompleted || s == TaskFailed }

type TaskRun struct {
	ID          string         `json:"id"`
	State       TaskState      `json:"state"`
	ExternalID  string         `json:"external_id,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	SubmittedAt *time.Time     `json:"submitted_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// RunOutcome is the terminal verdict of a whole run.
type RunOutcome string

const (
	OutcomeCompleted RunOutcome = "completed"
	OutcomeFailed    RunOutcome = "failed"
)

// Run is the live execution state of one pipeline instance attached to one
// node. It is a flat serializable map (task id -> state) rather than a graph
// of references, so the whole thing round-trips through a jsonb column and
// can be compared-and-swapped atomically.
//
// Tasks holds entries for every superstep reached so far, not just the
// current one, to support auditing and idempotent resume.
type Run struct {
	PipelineID       string              `json:"pipeline_id"`
	CurrentSuperstep int                 `json:"current_superstep"`
	Tasks            map[string]*TaskRun `json:"tasks"`
	Outcome          RunOutcome          `json:"outcome,omitempty"`
	FailureReason    string              `json:"failure_reason,omitempty"`
	StartedAt        time.Time           `json:"started_at"`
	CompletedAt      *time.Time          `json:"completed_at,omitempty"`
}

// Terminal is true once the run carries a CompletedAt timestamp, whichever
// the outcome.
func (r *Run) Terminal() bool { return r.CompletedAt != nil }

func (r *Run) Task(id string) *TaskRun {
	if r.Tasks == nil {
		return nil
	}
	return r.Tasks[id]
}

// TaskResults collects the results of every completed task, keyed by task id.
// This is the prior-task half of the template resolution context.
func (r *Run) TaskResults() map[string]map[string]any {
	out := map[string]map[string]any{}
	for id, t := range r.Tasks {
		if t.State == TaskCompleted && t.Result != nil {
			out[id] = t.Result
		}
	}
	return out
}

// supstepTasks returns the runtime entries for one superstep of def, in
// definition order.
func (r *Run) superstepTasks(def *Definition, idx int) []*TaskRun {
	if idx < 0 || idx >= len(def.Supersteps) {
		return nil
	}
	out := make([]*TaskRun, 0, len(def.Supersteps[idx].Tasks))
	for _, td := range def.Supersteps[idx].Tasks {
		if t := r.Task(td.ID); t != nil {
			out = append(out, t)
		}
	}
	return out
}
