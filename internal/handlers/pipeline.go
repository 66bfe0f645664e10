package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/loomstudio/loom-backend/internal/repos"
	"github.com/loomstudio/loom-backend/internal/services"
)

type PipelineHandler struct {
	runner services.RunnerService
	runs   repos.PipelineRunRepo
	nodes  repos.CanvasNodeRepo
}

func NewPipelineHandler(runner services.RunnerService, runs repos.PipelineRunRepo, nodes repos.CanvasNodeRepo) *PipelineHandler {
	return &PipelineHandler{runner: runner, runs: runs, nodes: nodes}
}

// TaskCallback is the generation service's webhook: it pushes a terminal task
// outcome instead of waiting for the next poll pass. Internal surface only.
func (ph *PipelineHandler) TaskCallback(c *gin.Context) {
	var req struct {
		RunID  uuid.UUID      `json:"run_id"`
		TaskID string         `json:"task_id"`
		State  string         `json:"state"` // completed|failed
		Result map[string]any `json:"result"`
		Error  string         `json:"error"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	if req.RunID == uuid.Nil || req.TaskID == "" {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("run_id and task_id are required"))
		return
	}
	if err := ph.runner.HandleTaskCallback(c.Request.Context(), req.RunID, req.TaskID, req.State, req.Result, req.Error); err != nil {
		RespondError(c, http.StatusConflict, "callback_failed", err)
		return
	}
	RespondOK(c, gin.H{"success": true})
}

// GetNodeRun returns the active (or latest) run state for one node, so the
// client can show per-task progress.
func (ph *PipelineHandler) GetNodeRun(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "unauthorized", fmt.Errorf("no authenticated user"))
		return
	}
	nodeID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", fmt.Errorf("invalid node id"))
		return
	}
	node, err := ph.nodes.GetByID(c.Request.Context(), nil, nodeID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "lookup_failed", err)
		return
	}
	if node == nil || node.OwnerUserID != userID {
		RespondError(c, http.StatusNotFound, "not_found", fmt.Errorf("node not found"))
		return
	}
	run, err := ph.runs.GetActiveByNode(c.Request.Context(), nil, nodeID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "lookup_failed", err)
		return
	}
	if run == nil {
		RespondError(c, http.StatusNotFound, "not_found", fmt.Errorf("no active run for node"))
		return
	}
	RespondOK(c, run)
}
