package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/loomstudio/loom-backend/internal/logger"
	"github.com/loomstudio/loom-backend/internal/observability"
)

// fakeAdapter records submissions and lets tests script per-task-type
// behavior.
type fakeAdapter struct {
	submits   []string
	cancels   []string
	failTypes map[string]error
	nextID    int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{failTypes: map[string]error{}}
}

func (a *fakeAdapter) Submit(ctx context.Context, taskType string, params map[string]string) (string, error) {
	if err, ok := a.failTypes[taskType]; ok {
		return "", err
	}
	a.nextID++
	a.submits = append(a.submits, taskType)
	return fmt.Sprintf("ext-%d", a.nextID), nil
}

func (a *fakeAdapter) Poll(ctx context.Context, taskType string, externalID string) (PollResult, error) {
	return PollResult{Status: PollRunning}, nil
}

func (a *fakeAdapter) Cancel(ctx context.Context, taskType string, externalID string) error {
	a.cancels = append(a.cancels, externalID)
	return nil
}

func twoStepDef() *Definition {
	return &Definition{
		ID:         "video-generate",
		NodeType:   "video",
		FromStatus: StatusUploading,
		ToStatus:   StatusGenerating,
		Supersteps: []SuperstepDefinition{
			{ID: "assets", Tasks: []TaskDefinition{
				{ID: "keyframe", TaskType: "image.generate", Params: map[string]string{"prompt": "{{prompt}}"}},
				{ID: "soundtrack", TaskType: "audio.generate", Params: map[string]string{"prompt": "{{prompt}}"}},
			}},
			{ID: "compose", Tasks: []TaskDefinition{
				{ID: "render", TaskType: "video.generate", Params: map[string]string{
					"keyframe_url": "{{tasks.keyframe.url}}",
				}},
			}},
		},
	}
}

// fanoutDef has a four-task first superstep, wide enough that shuffled
// delivery orders are meaningfully different.
func fanoutDef() *Definition {
	return &Definition{
		ID:         "video-generate-wide",
		NodeType:   "video",
		FromStatus: StatusUploading,
		ToStatus:   StatusGenerating,
		Supersteps: []SuperstepDefinition{
			{ID: "fanout", Tasks: []TaskDefinition{
				{ID: "a", TaskType: "image.generate", Params: map[string]string{"prompt": "{{prompt}}"}},
				{ID: "b", TaskType: "image.generate", Params: map[string]string{"prompt": "{{prompt}}"}},
				{ID: "c", TaskType: "audio.generate", Params: map[string]string{"prompt": "{{prompt}}"}},
				{ID: "d", TaskType: "audio.generate", Params: map[string]string{"prompt": "{{prompt}}"}},
			}},
			{ID: "final", Tasks: []TaskDefinition{
				{ID: "final", TaskType: "video.generate", Params: map[string]string{
					"a_url": "{{tasks.a.url}}",
				}},
			}},
		},
	}
}

func testEngine(a Adapter) *Engine {
	e := NewEngine(a, logger.NewNop())
	e.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return e
}

func TestEngineStartSubmitsFirstSuperstep(t *testing.T) {
	adapter := newFakeAdapter()
	e := testEngine(adapter)
	def := twoStepDef()

	run, err := e.Start(context.Background(), def, NodeData{"prompt": "a sunrise"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.CurrentSuperstep != 0 {
		t.Fatalf("superstep: want=0 got=%d", run.CurrentSuperstep)
	}
	if len(adapter.submits) != 2 {
		t.Fatalf("submits: want=2 got=%d (%v)", len(adapter.submits), adapter.submits)
	}
	for _, id := range []string{"keyframe", "soundtrack"} {
		tr := run.Task(id)
		if tr == nil || tr.State != TaskSubmitted {
			t.Fatalf("task %s: expected submitted, got %+v", id, tr)
		}
		if tr.ExternalID == "" {
			t.Fatalf("task %s: missing external id", id)
		}
	}
	// Second superstep must not exist yet.
	if run.Task("render") != nil {
		t.Fatalf("render task created before its superstep")
	}
}

func TestEngineBarrierHoldsUntilAllTerminal(t *testing.T) {
	adapter := newFakeAdapter()
	e := testEngine(adapter)
	def := twoStepDef()
	ctx := context.Background()
	node := NodeData{"prompt": "p"}

	run, err := e.Start(ctx, def, node)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.OnTaskUpdate(run, def, "keyframe", TaskOutcome{State: TaskCompleted, Result: map[string]any{"url": "https://cdn/kf.png"}}); err != nil {
		t.Fatalf("OnTaskUpdate keyframe: %v", err)
	}

	adv, err := e.TryAdvance(ctx, run, def, node)
	if err != nil {
		t.Fatalf("TryAdvance: %v", err)
	}
	if adv.Advanced || adv.Outcome != "" {
		t.Fatalf("barrier broke with one task pending: %+v", adv)
	}
	if run.CurrentSuperstep != 0 {
		t.Fatalf("superstep moved early: %d", run.CurrentSuperstep)
	}

	if err := e.OnTaskUpdate(run, def, "soundtrack", TaskOutcome{State: TaskCompleted, Result: map[string]any{"url": "https://cdn/st.mp3"}}); err != nil {
		t.Fatalf("OnTaskUpdate soundtrack: %v", err)
	}
	adv, err = e.TryAdvance(ctx, run, def, node)
	if err != nil {
		t.Fatalf("TryAdvance: %v", err)
	}
	if !adv.Advanced {
		t.Fatalf("expected advance after barrier, got %+v", adv)
	}
	if run.CurrentSuperstep != 1 {
		t.Fatalf("superstep: want=1 got=%d", run.CurrentSuperstep)
	}

	// The second superstep's template must see the first superstep's result.
	render := run.Task("render")
	if render == nil || render.State != TaskSubmitted {
		t.Fatalf("render not submitted: %+v", render)
	}
	if got := adapter.submits[len(adapter.submits)-1]; got != "video.generate" {
		t.Fatalf("last submit: want=video.generate got=%s", got)
	}
}

func TestEngineCompletesOnLastSuperstep(t *testing.T) {
	adapter := newFakeAdapter()
	e := testEngine(adapter)
	def := twoStepDef()
	ctx := context.Background()
	node := NodeData{"prompt": "p"}

	run, _ := e.Start(ctx, def, node)
	for _, id := range []string{"keyframe", "soundtrack"} {
		if err := e.OnTaskUpdate(run, def, id, TaskOutcome{State: TaskCompleted, Result: map[string]any{"url": "u"}}); err != nil {
			t.Fatalf("OnTaskUpdate %s: %v", id, err)
		}
	}
	if _, err := e.TryAdvance(ctx, run, def, node); err != nil {
		t.Fatalf("TryAdvance: %v", err)
	}
	if err := e.OnTaskUpdate(run, def, "render", TaskOutcome{State: TaskCompleted, Result: map[string]any{"url": "final"}}); err != nil {
		t.Fatalf("OnTaskUpdate render: %v", err)
	}
	adv, err := e.TryAdvance(ctx, run, def, node)
	if err != nil {
		t.Fatalf("TryAdvance: %v", err)
	}
	if adv.Outcome != OutcomeCompleted {
		t.Fatalf("outcome: want=completed got=%+v", adv)
	}
	if !run.Terminal() || run.Outcome != OutcomeCompleted {
		t.Fatalf("run not terminal completed: %+v", run)
	}
}

func TestEngineFailFastNoPartialCredit(t *testing.T) {
	adapter := newFakeAdapter()
	e := testEngine(adapter)
	def := twoStepDef()
	ctx := context.Background()
	node := NodeData{"prompt": "p"}

	run, _ := e.Start(ctx, def, node)
	if err := e.OnTaskUpdate(run, def, "keyframe", TaskOutcome{State: TaskFailed, Error: "backend rejected"}); err != nil {
		t.Fatalf("OnTaskUpdate: %v", err)
	}

	// Barrier still holds: soundtrack is in flight.
	adv, err := e.TryAdvance(ctx, run, def, node)
	if err != nil {
		t.Fatalf("TryAdvance: %v", err)
	}
	if adv.Outcome != "" {
		t.Fatalf("failed before barrier: %+v", adv)
	}

	if err := e.OnTaskUpdate(run, def, "soundtrack", TaskOutcome{State: TaskCompleted, Result: map[string]any{"url": "u"}}); err != nil {
		t.Fatalf("OnTaskUpdate: %v", err)
	}
	adv, err = e.TryAdvance(ctx, run, def, node)
	if err != nil {
		t.Fatalf("TryAdvance: %v", err)
	}
	if adv.Outcome != OutcomeFailed {
		t.Fatalf("outcome: want=failed got=%+v", adv)
	}
	if run.FailureReason == "" {
		t.Fatalf("missing failure reason")
	}
	// The sibling's success is not forgotten, but the run is failed.
	if st := run.Task("soundtrack").State; st != TaskCompleted {
		t.Fatalf("soundtrack state: want=completed got=%s", st)
	}
	if run.Task("render") != nil {
		t.Fatalf("second superstep fanned out after failure")
	}
}

// Terminal outcomes arrive in whatever order backends finish. Shuffle the
// delivery order across many iterations, with a random subset of tasks
// failing, and check the run lands in the same place regardless: the barrier
// holds until the last delivery, the superstep index never regresses, and the
// final outcome depends only on which tasks failed, not on when their reports
// came in.
func TestEngineShuffledArrivalOrderIndependence(t *testing.T) {
	rng := rand.New(rand.NewSource(91227))
	def := fanoutDef()
	ctx := context.Background()
	node := NodeData{"prompt": "p"}
	ids := []string{"a", "b", "c", "d"}

	for iter := 0; iter < 200; iter++ {
		e := testEngine(newFakeAdapter())
		run, err := e.Start(ctx, def, node)
		if err != nil {
			t.Fatalf("iter %d: Start: %v", iter, err)
		}

		failSet := map[string]bool{}
		for _, id := range ids {
			if rng.Intn(3) == 0 {
				failSet[id] = true
			}
		}
		order := rng.Perm(len(ids))

		prevStep := run.CurrentSuperstep
		for i, idx := range order {
			id := ids[idx]
			outcome := TaskOutcome{State: TaskCompleted, Result: map[string]any{"url": "u-" + id}}
			if failSet[id] {
				outcome = TaskOutcome{State: TaskFailed, Error: id + " backend error"}
			}
			if err := e.OnTaskUpdate(run, def, id, outcome); err != nil {
				t.Fatalf("iter %d order %v: OnTaskUpdate %s: %v", iter, order, id, err)
			}
			adv, err := e.TryAdvance(ctx, run, def, node)
			if err != nil {
				t.Fatalf("iter %d order %v: TryAdvance after %s: %v", iter, order, id, err)
			}
			if run.CurrentSuperstep < prevStep {
				t.Fatalf("iter %d order %v: superstep regressed %d -> %d", iter, order, prevStep, run.CurrentSuperstep)
			}
			prevStep = run.CurrentSuperstep
			if i < len(order)-1 {
				// Barrier: nothing moves until every task has reported, even
				// when a failure is already on record.
				if adv.Advanced || adv.Outcome != "" || run.Terminal() || run.CurrentSuperstep != 0 {
					t.Fatalf("iter %d order %v: barrier broke after %d/%d deliveries: adv=%+v superstep=%d",
						iter, order, i+1, len(order), adv, run.CurrentSuperstep)
				}
			}
		}

		if len(failSet) > 0 {
			if !run.Terminal() || run.Outcome != OutcomeFailed {
				t.Fatalf("iter %d order %v: want failed run, got %+v", iter, order, run)
			}
			for id := range failSet {
				if !strings.Contains(run.FailureReason, id) {
					t.Fatalf("iter %d: failure reason misses %s: %q", iter, id, run.FailureReason)
				}
			}
			if run.Task("final") != nil {
				t.Fatalf("iter %d order %v: second superstep fanned out after failure", iter, order)
			}
		} else {
			if run.Terminal() || run.CurrentSuperstep != 1 {
				t.Fatalf("iter %d order %v: want superstep 1, got terminal=%v superstep=%d",
					iter, order, run.Terminal(), run.CurrentSuperstep)
			}
			if tr := run.Task("final"); tr == nil || tr.State != TaskSubmitted {
				t.Fatalf("iter %d order %v: final not submitted: %+v", iter, order, tr)
			}
		}
	}
}

func TestEngineOnTaskUpdateIdempotent(t *testing.T) {
	e := testEngine(newFakeAdapter())
	def := twoStepDef()
	run, _ := e.Start(context.Background(), def, NodeData{"prompt": "p"})

	outcome := TaskOutcome{State: TaskCompleted, Result: map[string]any{"url": "u"}}
	if err := e.OnTaskUpdate(run, def, "keyframe", outcome); err != nil {
		t.Fatalf("first update: %v", err)
	}
	// Duplicate delivery of the same outcome is a no-op.
	if err := e.OnTaskUpdate(run, def, "keyframe", outcome); err != nil {
		t.Fatalf("duplicate update: %v", err)
	}
	if got := run.Task("keyframe").Result["url"]; got != "u" {
		t.Fatalf("result clobbered: %v", got)
	}

	// A conflicting terminal outcome is an inconsistency, and the first
	// recorded outcome stays.
	err := e.OnTaskUpdate(run, def, "keyframe", TaskOutcome{State: TaskFailed, Error: "late failure"})
	var inconsistent *InconsistentStateError
	if !errors.As(err, &inconsistent) {
		t.Fatalf("want InconsistentStateError, got %v", err)
	}
	if st := run.Task("keyframe").State; st != TaskCompleted {
		t.Fatalf("state regressed: %s", st)
	}
}

func TestEngineIgnoresOutcomesAfterTerminal(t *testing.T) {
	e := testEngine(newFakeAdapter())
	def := twoStepDef()
	ctx := context.Background()
	node := NodeData{"prompt": "p"}

	run, _ := e.Start(ctx, def, node)
	_ = e.OnTaskUpdate(run, def, "keyframe", TaskOutcome{State: TaskFailed, Error: "x"})
	_ = e.OnTaskUpdate(run, def, "soundtrack", TaskOutcome{State: TaskFailed, Error: "y"})
	if _, err := e.TryAdvance(ctx, run, def, node); err != nil {
		t.Fatalf("TryAdvance: %v", err)
	}
	if !run.Terminal() {
		t.Fatalf("run should be terminal")
	}
	// A backend that could not be cancelled reports in late.
	if err := e.OnTaskUpdate(run, def, "keyframe", TaskOutcome{State: TaskCompleted, Result: map[string]any{"url": "late"}}); err != nil {
		t.Fatalf("late outcome should be ignored, got %v", err)
	}
	if adv, err := e.TryAdvance(ctx, run, def, node); err != nil || adv.Advanced || adv.Outcome != "" {
		t.Fatalf("terminal run advanced: adv=%+v err=%v", adv, err)
	}
}

func TestEngineRejectsUnknownAndNonTerminalOutcomes(t *testing.T) {
	e := testEngine(newFakeAdapter())
	def := twoStepDef()
	run, _ := e.Start(context.Background(), def, NodeData{"prompt": "p"})

	if err := e.OnTaskUpdate(run, def, "nope", TaskOutcome{State: TaskCompleted}); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("want ErrUnknownTask, got %v", err)
	}
	// render exists in the definition but its superstep has not been reached.
	if err := e.OnTaskUpdate(run, def, "render", TaskOutcome{State: TaskCompleted}); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("want ErrUnknownTask for unreached task, got %v", err)
	}
	if err := e.OnTaskUpdate(run, def, "keyframe", TaskOutcome{State: TaskSubmitted}); err == nil {
		t.Fatalf("non-terminal outcome accepted")
	}
}

func TestEngineTemplateFaultFailsTaskBeforeSubmit(t *testing.T) {
	adapter := newFakeAdapter()
	e := testEngine(adapter)
	def := twoStepDef()

	// No prompt in node data: both first-superstep templates are unresolvable.
	run, err := e.Start(context.Background(), def, NodeData{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(adapter.submits) != 0 {
		t.Fatalf("submitted despite template fault: %v", adapter.submits)
	}
	for _, id := range []string{"keyframe", "soundtrack"} {
		tr := run.Task(id)
		if tr.State != TaskFailed {
			t.Fatalf("task %s: want=failed got=%s", id, tr.State)
		}
	}
	adv, err := e.TryAdvance(context.Background(), run, def, NodeData{})
	if err != nil {
		t.Fatalf("TryAdvance: %v", err)
	}
	if adv.Outcome != OutcomeFailed {
		t.Fatalf("run should fail fast on template faults: %+v", adv)
	}
}

func TestEngineSubmissionErrorIsolatedToTask(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.failTypes["image.generate"] = errors.New("quota exceeded")
	e := testEngine(adapter)
	def := twoStepDef()

	run, err := e.Start(context.Background(), def, NodeData{"prompt": "p"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st := run.Task("keyframe").State; st != TaskFailed {
		t.Fatalf("keyframe: want=failed got=%s", st)
	}
	// The sibling still went out.
	if st := run.Task("soundtrack").State; st != TaskSubmitted {
		t.Fatalf("soundtrack: want=submitted got=%s", st)
	}
}

func TestEngineInjectTimeout(t *testing.T) {
	e := testEngine(newFakeAdapter())
	def := twoStepDef()
	run, _ := e.Start(context.Background(), def, NodeData{"prompt": "p"})

	if err := e.InjectTimeout(run, def, "keyframe", 15*time.Minute); err != nil {
		t.Fatalf("InjectTimeout: %v", err)
	}
	tr := run.Task("keyframe")
	if tr.State != TaskFailed {
		t.Fatalf("state: want=failed got=%s", tr.State)
	}
	if tr.Error == "" {
		t.Fatalf("timeout left no error message")
	}
}

func TestEngineRecordsTaskMetrics(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.failTypes["audio.generate"] = errors.New("quota exceeded")
	e := testEngine(adapter)
	def := twoStepDef()

	run, err := e.Start(context.Background(), def, NodeData{"prompt": "p"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.OnTaskUpdate(run, def, "keyframe", TaskOutcome{State: TaskCompleted, Result: map[string]any{"url": "u"}}); err != nil {
		t.Fatalf("OnTaskUpdate: %v", err)
	}

	var b strings.Builder
	if err := observability.GetMetrics().WritePrometheus(&b); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := b.String()
	for _, want := range []string{
		`loom_pipeline_task_outcomes_total{task_type="image.generate",state="completed"}`,
		`loom_pipeline_task_submit_errors_total{task_type="audio.generate"}`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("exposition missing %q:\n%s", want, out)
		}
	}
}

func TestEngineCancel(t *testing.T) {
	adapter := newFakeAdapter()
	e := testEngine(adapter)
	def := twoStepDef()
	ctx := context.Background()

	run, _ := e.Start(ctx, def, NodeData{"prompt": "p"})
	e.Cancel(ctx, run, def)

	if !run.Terminal() || run.Outcome != OutcomeFailed {
		t.Fatalf("cancelled run not terminal failed: %+v", run)
	}
	if run.FailureReason != ErrCancelled.Error() {
		t.Fatalf("failure reason: %q", run.FailureReason)
	}
	if len(adapter.cancels) != 2 {
		t.Fatalf("adapter cancels: want=2 got=%d", len(adapter.cancels))
	}
	// Cancelling twice is a no-op.
	e.Cancel(ctx, run, def)
	if len(adapter.cancels) != 2 {
		t.Fatalf("double cancel reached adapter")
	}
}
