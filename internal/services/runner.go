package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/loomstudio/loom-backend/internal/logger"
	"github.com/loomstudio/loom-backend/internal/observability"
	"github.com/loomstudio/loom-backend/internal/pipeline"
	"github.com/loomstudio/loom-backend/internal/repos"
	"github.com/loomstudio/loom-backend/internal/types"
	"github.com/loomstudio/loom-backend/internal/utils"
)

// RunnerService is the driver loop around the pipeline engine. The engine
// itself is pure; everything operational lives here: claiming run rows,
// polling external tasks, injecting timeouts, persisting state through the
// version CAS, moving node statuses, and chaining the next pipeline when one
// completes.
//
// Any number of replicas may run the poll loop concurrently. The CAS on
// pipeline_run.version makes duplicate driving harmless: losers of the race
// reload and find the work already done.
type RunnerService interface {
	// StartForNode launches the pipeline registered for the node's
	// (kind, status) pair. If none applies and the node sits at completed, it
	// is promoted to fin. Returns the created run, or nil when no pipeline
	// applies.
	StartForNode(ctx context.Context, node *types.CanvasNode) (*types.PipelineRun, error)
	// HandleTaskCallback applies an externally pushed task outcome (the
	// generation service's webhook) to a run.
	HandleTaskCallback(ctx context.Context, runID uuid.UUID, taskID string, state string, result map[string]any, errMsg string) error
	// CancelForNode cancels the node's active run, if any, and marks the node
	// failed.
	CancelForNode(ctx context.Context, nodeID uuid.UUID) error
	// StartPolling drives all running rows until ctx is done.
	StartPolling(ctx context.Context)
	// PollOnce drives every currently running row a single step. Exposed for
	// the loop and for tests.
	PollOnce(ctx context.Context) error
}

type runnerService struct {
	log      *logger.Logger
	catalog  *pipeline.Catalog
	engine   *pipeline.Engine
	adapter  pipeline.Adapter
	runs     repos.PipelineRunRepo
	nodes    repos.CanvasNodeRepo
	notifier NotifierService

	pollInterval time.Duration
	taskTimeout  time.Duration
	casRetries   int
}

func NewRunnerService(
	baseLog *logger.Logger,
	catalog *pipeline.Catalog,
	adapter pipeline.Adapter,
	runs repos.PipelineRunRepo,
	nodes repos.CanvasNodeRepo,
	notifier NotifierService,
) RunnerService {
	log := baseLog.With("service", "RunnerService")
	return &runnerService{
		log:          log,
		catalog:      catalog,
		engine:       pipeline.NewEngine(adapter, baseLog),
		adapter:      adapter,
		runs:         runs,
		nodes:        nodes,
		notifier:     notifier,
		pollInterval: utils.GetEnvAsDuration("PIPELINE_POLL_INTERVAL", 5*time.Second, log),
		taskTimeout:  utils.GetEnvAsDuration("PIPELINE_TASK_TIMEOUT", 15*time.Minute, log),
		casRetries:   3,
	}
}

func (rs *runnerService) StartForNode(ctx context.Context, node *types.CanvasNode) (*types.PipelineRun, error) {
	if node == nil {
		return nil, fmt.Errorf("no node given")
	}
	def, ok := rs.catalog.Find(node.Kind, pipeline.NodeStatus(node.Status))
	if !ok {
		// No pipeline applies from here. A node at completed with nothing left
		// to run has finished its whole chain: promote it to fin.
		if pipeline.NodeStatus(node.Status) == pipeline.StatusCompleted {
			won, err := rs.nodes.UpdateStatusFrom(ctx, nil, node.ID, string(pipeline.StatusCompleted), string(pipeline.StatusFin), "")
			if err != nil {
				return nil, err
			}
			if won {
				node.Status = string(pipeline.StatusFin)
				rs.notifier.NodeStatusChanged(ctx, node)
			}
		}
		return nil, nil
	}

	active, err := rs.runs.GetActiveByNode(ctx, nil, node.ID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, fmt.Errorf("node %s already has a running pipeline", node.ID)
	}

	run, err := rs.engine.Start(ctx, def, pipeline.NodeData(node.DataMap()))
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(run)
	if err != nil {
		return nil, err
	}
	row := &types.PipelineRun{
		NodeID:      node.ID,
		OwnerUserID: node.OwnerUserID,
		PipelineID:  def.ID,
		Status:      types.PipelineRunRunning,
		State:       datatypes.JSON(raw),
		Version:     1,
		StartedAt:   run.StartedAt,
	}
	if _, err := rs.runs.Create(ctx, nil, row); err != nil {
		return nil, err
	}
	rs.log.Info("pipeline started", "run_id", row.ID, "node_id", node.ID, "pipeline_id", def.ID)
	observability.GetMetrics().IncPipelineStarted(def.ID)
	rs.notifier.PipelineProgress(ctx, node, row, run.CurrentSuperstep)

	// Superstep 0 may already be terminal (every submission rejected before
	// reaching the external service).
	if _, err := rs.engine.TryAdvance(ctx, run, def, pipeline.NodeData(node.DataMap())); err != nil {
		return row, err
	}
	if err := rs.persistRun(ctx, row, run); err != nil {
		return row, err
	}
	if run.Terminal() {
		rs.finalizeRun(ctx, row, run, def)
	}
	return row, nil
}

func (rs *runnerService) HandleTaskCallback(ctx context.Context, runID uuid.UUID, taskID string, state string, result map[string]any, errMsg string) error {
	ts := pipeline.TaskState(state)
	if ts != pipeline.TaskCompleted && ts != pipeline.TaskFailed {
		return fmt.Errorf("callback state must be completed or failed, got %q", state)
	}
	outcome := pipeline.TaskOutcome{State: ts, Result: result, Error: errMsg}
	return rs.mutateRun(ctx, runID, func(run *pipeline.Run, def *pipeline.Definition, node pipeline.NodeData) error {
		if err := rs.engine.OnTaskUpdate(run, def, taskID, outcome); err != nil {
			return err
		}
		_, err := rs.engine.TryAdvance(ctx, run, def, node)
		return err
	})
}

func (rs *runnerService) CancelForNode(ctx context.Context, nodeID uuid.UUID) error {
	row, err := rs.runs.GetActiveByNode(ctx, nil, nodeID)
	if err != nil {
		return err
	}
	if row == nil {
		return nil
	}
	return rs.mutateRun(ctx, row.ID, func(run *pipeline.Run, def *pipeline.Definition, node pipeline.NodeData) error {
		rs.engine.Cancel(ctx, run, def)
		return nil
	})
}

func (rs *runnerService) StartPolling(ctx context.Context) {
	ticker := time.NewTicker(rs.pollInterval)
	defer ticker.Stop()
	rs.log.Info("pipeline poll loop started", "interval", rs.pollInterval)
	for {
		select {
		case <-ctx.Done():
			rs.log.Info("pipeline poll loop stopped")
			return
		case <-ticker.C:
			if err := rs.PollOnce(ctx); err != nil {
				rs.log.Warn("poll pass failed", "error", err)
			}
		}
	}
}

func (rs *runnerService) PollOnce(ctx context.Context) error {
	rows, err := rs.runs.ListRunning(ctx, nil, 0)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := rs.driveRun(ctx, row); err != nil {
			rs.log.Warn("failed to drive run", "run_id", row.ID, "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	observability.GetMetrics().IncPollPass()
	return nil
}

type taskOutcomeUpdate struct {
	taskID  string
	timeout bool
	outcome pipeline.TaskOutcome
}

// driveRun polls every in-flight task of one run and folds the results back
// into the persisted state. Network polling happens outside the CAS window;
// only the read-modify-write of the row is guarded.
func (rs *runnerService) driveRun(ctx context.Context, row *types.PipelineRun) error {
	var run pipeline.Run
	if err := json.Unmarshal(row.State, &run); err != nil {
		return rs.failRunRow(ctx, row, fmt.Sprintf("corrupt run state: %v", err))
	}
	def, ok := rs.catalog.Get(run.PipelineID)
	if !ok {
		return rs.failRunRow(ctx, row, fmt.Sprintf("unknown pipeline %q", run.PipelineID))
	}

	now := time.Now().UTC()
	type inflight struct {
		taskID     string
		taskType   string
		externalID string
	}
	var toPoll []inflight
	var timedOut []string
	for id, t := range run.Tasks {
		if t.State != pipeline.TaskSubmitted {
			continue
		}
		if t.SubmittedAt != nil && now.Sub(*t.SubmittedAt) > rs.taskTimeout {
			timedOut = append(timedOut, id)
			continue
		}
		td, _, ok := def.TaskDef(id)
		if !ok {
			continue
		}
		toPoll = append(toPoll, inflight{taskID: id, taskType: td.TaskType, externalID: t.ExternalID})
	}
	if len(toPoll) == 0 && len(timedOut) == 0 {
		return nil
	}

	updates := make([]taskOutcomeUpdate, 0, len(toPoll)+len(timedOut))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, tp := range toPoll {
		tp := tp
		g.Go(func() error {
			res, err := rs.adapter.Poll(gctx, tp.taskType, tp.externalID)
			if err != nil {
				var transient *pipeline.TransientPollError
				if errors.As(err, &transient) {
					observability.GetMetrics().IncPollError("transient")
					rs.log.Debug("transient poll error, will retry", "run_id", row.ID, "task_id", tp.taskID, "error", err)
					return nil
				}
				observability.GetMetrics().IncPollError("permanent")
				mu.Lock()
				updates = append(updates, taskOutcomeUpdate{taskID: tp.taskID, outcome: pipeline.TaskOutcome{State: pipeline.TaskFailed, Error: err.Error()}})
				mu.Unlock()
				return nil
			}
			switch res.Status {
			case pipeline.PollRunning:
				return nil
			case pipeline.PollCompleted:
				mu.Lock()
				updates = append(updates, taskOutcomeUpdate{taskID: tp.taskID, outcome: pipeline.TaskOutcome{State: pipeline.TaskCompleted, Result: res.Result}})
				mu.Unlock()
			case pipeline.PollFailed:
				mu.Lock()
				updates = append(updates, taskOutcomeUpdate{taskID: tp.taskID, outcome: pipeline.TaskOutcome{State: pipeline.TaskFailed, Error: res.Error}})
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, id := range timedOut {
		updates = append(updates, taskOutcomeUpdate{taskID: id, timeout: true})
	}
	if len(updates) == 0 {
		return nil
	}

	return rs.mutateRun(ctx, row.ID, func(run *pipeline.Run, def *pipeline.Definition, node pipeline.NodeData) error {
		for _, u := range updates {
			var err error
			if u.timeout {
				err = rs.engine.InjectTimeout(run, def, u.taskID, rs.taskTimeout)
			} else {
				err = rs.engine.OnTaskUpdate(run, def, u.taskID, u.outcome)
			}
			if err != nil {
				var inconsistent *pipeline.InconsistentStateError
				if errors.As(err, &inconsistent) {
					// Another driver won this task; its recorded outcome stands.
					rs.log.Debug("stale task outcome dropped", "run_id", row.ID, "task_id", u.taskID, "error", err)
					continue
				}
				return err
			}
		}
		_, err := rs.engine.TryAdvance(ctx, run, def, node)
		return err
	})
}

// mutateRun is the CAS retry loop shared by callbacks, polling and cancel:
// reload row, rebuild engine state, apply fn, write back at the observed
// version. A version conflict means someone else advanced the run; reload and
// replay, relying on the engine's idempotence.
func (rs *runnerService) mutateRun(ctx context.Context, runID uuid.UUID, fn func(run *pipeline.Run, def *pipeline.Definition, node pipeline.NodeData) error) error {
	var lastErr error
	for attempt := 0; attempt <= rs.casRetries; attempt++ {
		row, err := rs.runs.GetByID(ctx, nil, runID)
		if err != nil {
			return err
		}
		if row == nil {
			return fmt.Errorf("pipeline run %s not found", runID)
		}
		if row.Status != types.PipelineRunRunning {
			return nil
		}
		var run pipeline.Run
		if err := json.Unmarshal(row.State, &run); err != nil {
			return rs.failRunRow(ctx, row, fmt.Sprintf("corrupt run state: %v", err))
		}
		def, ok := rs.catalog.Get(run.PipelineID)
		if !ok {
			return rs.failRunRow(ctx, row, fmt.Sprintf("unknown pipeline %q", run.PipelineID))
		}
		nodeRow, err := rs.nodes.GetByID(ctx, nil, row.NodeID)
		if err != nil {
			return err
		}
		var nodeData pipeline.NodeData
		if nodeRow != nil {
			nodeData = pipeline.NodeData(nodeRow.DataMap())
		}

		if err := fn(&run, def, nodeData); err != nil {
			return err
		}

		if err := rs.persistRun(ctx, row, &run); err != nil {
			if errors.Is(err, repos.ErrVersionConflict) {
				observability.GetMetrics().IncCASConflict()
				lastErr = err
				continue
			}
			return err
		}
		if run.Terminal() {
			rs.finalizeRun(ctx, row, &run, def)
		} else if nodeRow != nil {
			rs.notifier.PipelineProgress(ctx, nodeRow, row, run.CurrentSuperstep)
		}
		return nil
	}
	return fmt.Errorf("run %s: gave up after %d version conflicts: %w", runID, rs.casRetries+1, lastErr)
}

// persistRun writes the engine state back at the row's current version and
// keeps the row's summary columns in sync with it.
func (rs *runnerService) persistRun(ctx context.Context, row *types.PipelineRun, run *pipeline.Run) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{
		"state": datatypes.JSON(raw),
	}
	if run.Terminal() {
		switch run.Outcome {
		case pipeline.OutcomeCompleted:
			updates["status"] = types.PipelineRunCompleted
		default:
			updates["status"] = types.PipelineRunFailed
			updates["error"] = run.FailureReason
		}
		updates["completed_at"] = *run.CompletedAt
	}
	if err := rs.runs.UpdateCAS(ctx, nil, row.ID, row.Version, updates); err != nil {
		return err
	}
	row.Version++
	row.State = datatypes.JSON(raw)
	if s, ok := updates["status"].(string); ok {
		row.Status = s
	}
	if e, ok := updates["error"].(string); ok {
		row.Error = e
	}
	row.CompletedAt = run.CompletedAt
	return nil
}

// finalizeRun applies a terminal run to its node: completed moves the node to
// the definition's to_status and starts the next pipeline in the chain (or
// promotes to fin when none applies); failed marks the node failed with the
// aggregated reason. The node-status CAS makes sure only one racing driver
// performs the side effects.
func (rs *runnerService) finalizeRun(ctx context.Context, row *types.PipelineRun, run *pipeline.Run, def *pipeline.Definition) {
	node, err := rs.nodes.GetByID(ctx, nil, row.NodeID)
	if err != nil || node == nil {
		rs.log.Warn("terminal run has no node", "run_id", row.ID, "node_id", row.NodeID, "error", err)
		return
	}
	rs.notifier.PipelineFinished(ctx, node, row)
	if run.CompletedAt != nil {
		observability.GetMetrics().ObservePipelineFinished(run.PipelineID, string(run.Outcome), run.CompletedAt.Sub(run.StartedAt))
	}

	if run.Outcome == pipeline.OutcomeFailed {
		won, err := rs.nodes.UpdateStatusFrom(ctx, nil, node.ID, string(def.FromStatus), string(pipeline.StatusFailed), run.FailureReason)
		if err != nil {
			rs.log.Error("failed to mark node failed", "node_id", node.ID, "error", err)
			return
		}
		if won {
			node.Status = string(pipeline.StatusFailed)
			node.StatusError = run.FailureReason
			rs.notifier.NodeStatusChanged(ctx, node)
		}
		return
	}

	won, err := rs.nodes.UpdateStatusFrom(ctx, nil, node.ID, string(def.FromStatus), string(def.ToStatus), "")
	if err != nil {
		rs.log.Error("failed to advance node status", "node_id", node.ID, "error", err)
		return
	}
	if !won {
		return
	}
	node.Status = string(def.ToStatus)
	node.StatusError = ""
	rs.mergeTaskResults(ctx, node, run)
	rs.notifier.NodeStatusChanged(ctx, node)

	// Chain: the next definition keyed on the node's new status, or fin when
	// the chain is exhausted.
	if _, err := rs.StartForNode(ctx, node); err != nil {
		rs.log.Error("failed to chain next pipeline", "node_id", node.ID, "error", err)
	}
}

// mergeTaskResults folds completed task outputs into the node's data payload
// so later pipelines (and the client) can reference them.
func (rs *runnerService) mergeTaskResults(ctx context.Context, node *types.CanvasNode, run *pipeline.Run) {
	data := node.DataMap()
	changed := false
	for id, result := range run.TaskResults() {
		data["task_"+id] = result
		changed = true
		if url, ok := result["url"].(string); ok && url != "" {
			data["url"] = url
		}
		if gsURI, ok := result["gs_uri"].(string); ok && gsURI != "" {
			data["gs_uri"] = gsURI
		}
		if desc, ok := result["description"].(string); ok && desc != "" {
			data["description"] = desc
		}
		if tr, ok := result["transcript"].(string); ok && tr != "" {
			data["transcript"] = tr
		}
	}
	if !changed {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		rs.log.Warn("could not marshal merged node data", "node_id", node.ID, "error", err)
		return
	}
	if err := rs.nodes.UpdateFields(ctx, nil, node.ID, map[string]interface{}{"data": datatypes.JSON(raw)}); err != nil {
		rs.log.Warn("could not persist merged node data", "node_id", node.ID, "error", err)
		return
	}
	node.Data = datatypes.JSON(raw)
}

// failRunRow force-fails a row whose state cannot even be interpreted.
func (rs *runnerService) failRunRow(ctx context.Context, row *types.PipelineRun, reason string) error {
	rs.log.Error("failing unrecoverable run", "run_id", row.ID, "reason", reason)
	now := time.Now().UTC()
	err := rs.runs.UpdateCAS(ctx, nil, row.ID, row.Version, map[string]interface{}{
		"status":       types.PipelineRunFailed,
		"error":        reason,
		"completed_at": now,
	})
	if err != nil && !errors.Is(err, repos.ErrVersionConflict) {
		return err
	}
	if node, nerr := rs.nodes.GetByID(ctx, nil, row.NodeID); nerr == nil && node != nil {
		if won, uerr := rs.nodes.UpdateStatusFrom(ctx, nil, node.ID, node.Status, string(pipeline.StatusFailed), reason); uerr == nil && won {
			node.Status = string(pipeline.StatusFailed)
			node.StatusError = reason
			rs.notifier.NodeStatusChanged(ctx, node)
		}
	}
	return nil
}
