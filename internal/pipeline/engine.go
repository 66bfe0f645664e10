package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loomstudio/loom-backend/internal/logger"
	"github.com/loomstudio/loom-backend/internal/observability"
)

// Engine advances one run at a time. It is a pure library: it holds no
// clock-driven scheduler and no persistence — the caller owns the driver
// loop, serializes mutations per run (the pipeline_run row's version CAS),
// and persists the Run after every call. Tasks inside a superstep execute
// concurrently at the external-service level; the engine only tracks and
// aggregates them.
type Engine struct {
	adapter Adapter
	log     *logger.Logger
	now     func() time.Time
}

func NewEngine(adapter Adapter, baseLog *logger.Logger) *Engine {
	return &Engine{
		adapter: adapter,
		log:     baseLog.With("component", "PipelineEngine"),
		now:     time.Now,
	}
}

// NodeData is the triggering node's data fields, the second half of the
// template resolution context.
type NodeData map[string]any

// Start builds a fresh run for def and submits superstep 0.
func (e *Engine) Start(ctx context.Context, def *Definition, node NodeData) (*Run, error) {
	if def == nil {
		return nil, fmt.Errorf("nil definition")
	}
	run := &Run{
		PipelineID:       def.ID,
		CurrentSuperstep: 0,
		Tasks:            map[string]*TaskRun{},
		StartedAt:        e.now().UTC(),
	}
	for _, td := range def.Supersteps[0].Tasks {
		run.Tasks[td.ID] = &TaskRun{ID: td.ID, State: TaskPending}
	}
	e.submitSuperstep(ctx, def, run, 0, node)
	return run, nil
}

// OnTaskUpdate applies a poll/callback outcome to one task, idempotently.
// Repeating the same terminal outcome is a no-op; a conflicting outcome is a
// *InconsistentStateError and the first recorded outcome stays authoritative.
// Outcomes arriving after the run is terminal are ignored (late reports from
// backends that could not be cancelled).
func (e *Engine) OnTaskUpdate(run *Run, def *Definition, taskID string, outcome TaskOutcome) error {
	if outcome.State != TaskCompleted && outcome.State != TaskFailed {
		return fmt.Errorf("outcome state must be terminal, got %q", outcome.State)
	}
	td, _, ok := def.TaskDef(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	t := run.Task(taskID)
	if t == nil {
		return fmt.Errorf("%w: %s not reached yet", ErrUnknownTask, taskID)
	}
	if run.Terminal() {
		e.log.Debug("outcome for terminal run ignored", "pipeline_id", run.PipelineID, "task_id", taskID, "state", outcome.State)
		return nil
	}
	if t.State.Terminal() {
		if t.State == outcome.State {
			return nil
		}
		return &InconsistentStateError{TaskID: taskID, Have: t.State, Got: outcome.State}
	}
	if t.State != TaskSubmitted {
		return &InconsistentStateError{TaskID: taskID, Have: t.State, Got: outcome.State}
	}
	now := e.now().UTC()
	t.State = outcome.State
	t.CompletedAt = &now
	if outcome.State == TaskCompleted {
		t.Result = outcome.Result
	} else {
		t.Error = outcome.Error
	}
	observability.GetMetrics().IncTaskOutcome(td.TaskType, string(outcome.State))
	return nil
}

type TaskOutcome struct {
	State  TaskState
	Result map[string]any
	Error  string
}

// Advance is the result of one TryAdvance call. Outcome is set only when the
// run just reached a terminal state.
type Advance struct {
	Advanced bool
	Outcome  RunOutcome
}

// TryAdvance checks the barrier: once every task of the current superstep is
// terminal, the run either fails fast (any task failed — no partial credit),
// completes (last superstep all completed), or fans out the next superstep.
func (e *Engine) TryAdvance(ctx context.Context, run *Run, def *Definition, node NodeData) (Advance, error) {
	if run.Terminal() {
		return Advance{}, nil
	}
	if run.PipelineID != def.ID {
		return Advance{}, fmt.Errorf("run belongs to pipeline %q, definition is %q", run.PipelineID, def.ID)
	}
	tasks := run.superstepTasks(def, run.CurrentSuperstep)
	if len(tasks) == 0 {
		return Advance{}, fmt.Errorf("run has no tasks for superstep %d", run.CurrentSuperstep)
	}
	failed := []*TaskRun{}
	for _, t := range tasks {
		if !t.State.Terminal() {
			return Advance{}, nil
		}
		if t.State == TaskFailed {
			failed = append(failed, t)
		}
	}
	if len(failed) > 0 {
		e.finish(run, OutcomeFailed, failureSummary(failed))
		return Advance{Outcome: OutcomeFailed}, nil
	}
	if run.CurrentSuperstep == len(def.Supersteps)-1 {
		e.finish(run, OutcomeCompleted, "")
		return Advance{Outcome: OutcomeCompleted}, nil
	}
	run.CurrentSuperstep++
	next := run.CurrentSuperstep
	for _, td := range def.Supersteps[next].Tasks {
		run.Tasks[td.ID] = &TaskRun{ID: td.ID, State: TaskPending}
	}
	e.submitSuperstep(ctx, def, run, next, node)
	return Advance{Advanced: true}, nil
}

// InjectTimeout forcibly fails a task stuck in submitted. The engine cannot
// own a wall clock; the driver loop decides when a task has waited too long.
func (e *Engine) InjectTimeout(run *Run, def *Definition, taskID string, after time.Duration) error {
	return e.OnTaskUpdate(run, def, taskID, TaskOutcome{
		State: TaskFailed,
		Error: (&PollTimeoutError{TaskID: taskID, After: after}).Error(),
	})
}

// Cancel marks the run failed with a cancelled reason and asks the adapter,
// best effort, to stop any in-flight tasks. Backends that keep running will
// eventually report into an already-terminal run, which is a no-op.
func (e *Engine) Cancel(ctx context.Context, run *Run, def *Definition) {
	if run.Terminal() {
		return
	}
	now := e.now().UTC()
	for _, t := range run.Tasks {
		if t.State == TaskSubmitted {
			td, _, ok := def.TaskDef(t.ID)
			if ok && t.ExternalID != "" {
				if err := e.adapter.Cancel(ctx, td.TaskType, t.ExternalID); err != nil {
					e.log.Debug("adapter cancel failed", "task_id", t.ID, "error", err)
				}
			}
		}
		if !t.State.Terminal() {
			t.State = TaskFailed
			t.Error = ErrCancelled.Error()
			t.CompletedAt = &now
		}
	}
	e.finish(run, OutcomeFailed, ErrCancelled.Error())
}

// submitSuperstep submits every pending task of one superstep. A task whose
// template fails to resolve, or whose submission is rejected, is marked
// failed on the spot without blocking its siblings (failure isolation: the
// superstep still fails fast, but only once the barrier is evaluated).
func (e *Engine) submitSuperstep(ctx context.Context, def *Definition, run *Run, idx int, node NodeData) {
	results := run.TaskResults()
	for _, td := range def.Supersteps[idx].Tasks {
		t := run.Task(td.ID)
		if t == nil || t.State != TaskPending {
			continue
		}
		params, err := ResolveParams(td.Params, node, results)
		if err != nil {
			e.failBeforeSubmit(t, td.TaskType, err)
			continue
		}
		extID, err := e.adapter.Submit(ctx, td.TaskType, params)
		if err != nil {
			e.failBeforeSubmit(t, td.TaskType, &SubmissionError{TaskType: td.TaskType, Err: err})
			continue
		}
		now := e.now().UTC()
		t.State = TaskSubmitted
		t.ExternalID = extID
		t.SubmittedAt = &now
		e.log.Debug("task submitted", "pipeline_id", run.PipelineID, "task_id", t.ID, "task_type", td.TaskType, "external_id", extID)
	}
}

func (e *Engine) failBeforeSubmit(t *TaskRun, taskType string, err error) {
	now := e.now().UTC()
	t.State = TaskFailed
	t.Error = err.Error()
	t.CompletedAt = &now
	observability.GetMetrics().IncTaskSubmitError(taskType)
	e.log.Warn("task failed before submission", "task_id", t.ID, "error", err)
}

func (e *Engine) finish(run *Run, outcome RunOutcome, reason string) {
	now := e.now().UTC()
	run.Outcome = outcome
	run.FailureReason = reason
	run.CompletedAt = &now
}

func failureSummary(failed []*TaskRun) string {
	parts := make([]string, 0, len(failed))
	for _, t := range failed {
		msg := t.Error
		if msg == "" {
			msg = "failed"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", t.ID, msg))
	}
	return strings.Join(parts, "; ")
}
