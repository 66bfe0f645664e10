package services

import (
	"context"

	"github.com/google/uuid"

	redisclient "github.com/loomstudio/loom-backend/internal/clients/redis"
	"github.com/loomstudio/loom-backend/internal/logger"
	"github.com/loomstudio/loom-backend/internal/sse"
	"github.com/loomstudio/loom-backend/internal/types"
)

// NotifierService pushes canvas events to connected clients. Every event goes
// through the Redis bus so all replicas see it; the forwarder feeds the local
// hub. When the bus is absent (tests, single-instance dev) events go straight
// to the hub.
type NotifierService interface {
	NodeStatusChanged(ctx context.Context, node *types.CanvasNode)
	NodeUpdated(ctx context.Context, node *types.CanvasNode)
	PipelineProgress(ctx context.Context, node *types.CanvasNode, run *types.PipelineRun, superstep int)
	PipelineFinished(ctx context.Context, node *types.CanvasNode, run *types.PipelineRun)
	ChatMessage(ctx context.Context, projectID uuid.UUID, msg *types.ChatMessage)
}

type notifierService struct {
	log *logger.Logger
	hub *sse.SSEHub
	bus redisclient.SSEBus
}

func NewNotifierService(log *logger.Logger, hub *sse.SSEHub, bus redisclient.SSEBus) NotifierService {
	return &notifierService{
		log: log.With("service", "NotifierService"),
		hub: hub,
		bus: bus,
	}
}

// ProjectChannel is the SSE channel for one project's canvas.
func ProjectChannel(projectID uuid.UUID) string {
	return "project:" + projectID.String()
}

func (ns *notifierService) publish(ctx context.Context, msg sse.SSEMessage) {
	if ns.bus != nil {
		if err := ns.bus.Publish(ctx, msg); err == nil {
			return
		} else {
			ns.log.Warn("redis publish failed, falling back to local hub", "channel", msg.Channel, "event", msg.Event, "error", err)
		}
	}
	ns.hub.Broadcast(msg)
}

func (ns *notifierService) NodeStatusChanged(ctx context.Context, node *types.CanvasNode) {
	if node == nil {
		return
	}
	ns.publish(ctx, sse.SSEMessage{
		Channel: ProjectChannel(node.ProjectID),
		Event:   sse.SSEEventNodeStatusChanged,
		Data: map[string]any{
			"node_id":      node.ID,
			"status":       node.Status,
			"status_error": node.StatusError,
		},
	})
}

func (ns *notifierService) NodeUpdated(ctx context.Context, node *types.CanvasNode) {
	if node == nil {
		return
	}
	ns.publish(ctx, sse.SSEMessage{
		Channel: ProjectChannel(node.ProjectID),
		Event:   sse.SSEEventNodeUpdated,
		Data:    node,
	})
}

func (ns *notifierService) PipelineProgress(ctx context.Context, node *types.CanvasNode, run *types.PipelineRun, superstep int) {
	if node == nil || run == nil {
		return
	}
	ns.publish(ctx, sse.SSEMessage{
		Channel: ProjectChannel(node.ProjectID),
		Event:   sse.SSEEventPipelineProgress,
		Data: map[string]any{
			"node_id":     node.ID,
			"run_id":      run.ID,
			"pipeline_id": run.PipelineID,
			"superstep":   superstep,
		},
	})
}

func (ns *notifierService) PipelineFinished(ctx context.Context, node *types.CanvasNode, run *types.PipelineRun) {
	if node == nil || run == nil {
		return
	}
	ns.publish(ctx, sse.SSEMessage{
		Channel: ProjectChannel(node.ProjectID),
		Event:   sse.SSEEventPipelineFinished,
		Data: map[string]any{
			"node_id":     node.ID,
			"run_id":      run.ID,
			"pipeline_id": run.PipelineID,
			"status":      run.Status,
			"error":       run.Error,
		},
	})
}

func (ns *notifierService) ChatMessage(ctx context.Context, projectID uuid.UUID, msg *types.ChatMessage) {
	if msg == nil {
		return
	}
	ns.publish(ctx, sse.SSEMessage{
		Channel: ProjectChannel(projectID),
		Event:   sse.SSEEventChatMessage,
		Data:    msg,
	})
}
