package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/loomstudio/loom-backend/internal/clients/gcp"
	"github.com/loomstudio/loom-backend/internal/logger"
	"github.com/loomstudio/loom-backend/internal/pipeline"
	"github.com/loomstudio/loom-backend/internal/render"
	"github.com/loomstudio/loom-backend/internal/repos"
	"github.com/loomstudio/loom-backend/internal/types"
)

// NodeService owns the canvas node lifecycle: creation, asset upload,
// generation kick-off, cancellation and deletion. It is the only writer of
// node rows outside the pipeline runner.
type NodeService interface {
	CreateNode(ctx context.Context, userID uuid.UUID, input CreateNodeInput) (*types.CanvasNode, error)
	GetNode(ctx context.Context, userID, nodeID uuid.UUID) (*types.CanvasNode, error)
	UpdateNode(ctx context.Context, userID, nodeID uuid.UUID, input UpdateNodeInput) (*types.CanvasNode, error)
	DeleteNode(ctx context.Context, userID, nodeID uuid.UUID) error

	// UploadAsset stores the raw file, stamps the node's data with storage
	// coordinates and launches whatever pipeline applies from uploading.
	UploadAsset(ctx context.Context, userID, nodeID uuid.UUID, filename string, file io.Reader) (*types.CanvasNode, error)
	// Generate resets the node onto the generation path with a fresh prompt.
	Generate(ctx context.Context, userID, nodeID uuid.UUID, prompt string) (*types.CanvasNode, error)
	// CancelGeneration aborts the node's active pipeline run.
	CancelGeneration(ctx context.Context, userID, nodeID uuid.UUID) error
	// Placeholder renders the frame shown while the node's asset is pending.
	Placeholder(ctx context.Context, userID, nodeID uuid.UUID, width, height int) ([]byte, error)

	CreateEdge(ctx context.Context, userID uuid.UUID, input CreateEdgeInput) (*types.NodeEdge, error)
	DeleteEdge(ctx context.Context, userID, edgeID uuid.UUID) error
}

type CreateNodeInput struct {
	ProjectID uuid.UUID      `json:"project_id"`
	Kind      string         `json:"kind"`
	Title     string         `json:"title"`
	Data      map[string]any `json:"data"`
	PosX      float64        `json:"pos_x"`
	PosY      float64        `json:"pos_y"`
}

type UpdateNodeInput struct {
	Title *string         `json:"title"`
	Data  *map[string]any `json:"data"`
	PosX  *float64        `json:"pos_x"`
	PosY  *float64        `json:"pos_y"`
}

type CreateEdgeInput struct {
	ProjectID uuid.UUID `json:"project_id"`
	SourceID  uuid.UUID `json:"source_id"`
	TargetID  uuid.UUID `json:"target_id"`
	Label     string    `json:"label"`
}

var nodeKinds = map[string]bool{
	"image": true,
	"video": true,
	"audio": true,
	"text":  true,
}

type nodeService struct {
	db          *gorm.DB
	log         *logger.Logger
	nodes       repos.CanvasNodeRepo
	edges       repos.NodeEdgeRepo
	projects    repos.ProjectRepo
	runner      RunnerService
	notifier    NotifierService
	bucket      gcp.BucketService
	placeholder render.PlaceholderService
}

func NewNodeService(
	db *gorm.DB,
	baseLog *logger.Logger,
	nodes repos.CanvasNodeRepo,
	edges repos.NodeEdgeRepo,
	projects repos.ProjectRepo,
	runner RunnerService,
	notifier NotifierService,
	bucket gcp.BucketService,
	placeholder render.PlaceholderService,
) NodeService {
	return &nodeService{
		db:          db,
		log:         baseLog.With("service", "NodeService"),
		nodes:       nodes,
		edges:       edges,
		projects:    projects,
		runner:      runner,
		notifier:    notifier,
		bucket:      bucket,
		placeholder: placeholder,
	}
}

func (ns *nodeService) CreateNode(ctx context.Context, userID uuid.UUID, input CreateNodeInput) (*types.CanvasNode, error) {
	if !nodeKinds[input.Kind] {
		return nil, fmt.Errorf("unknown node kind %q", input.Kind)
	}
	project, err := ns.projects.GetByID(ctx, nil, input.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil || project.OwnerUserID != userID {
		return nil, fmt.Errorf("project not found")
	}
	// Text nodes carry no external asset: they are born completed and the
	// runner promotes them straight to fin.
	status := pipeline.StatusUploading
	if input.Kind == "text" {
		status = pipeline.StatusCompleted
	}
	node := &types.CanvasNode{
		ProjectID:   input.ProjectID,
		OwnerUserID: userID,
		Kind:        input.Kind,
		Title:       input.Title,
		Status:      string(status),
		PosX:        input.PosX,
		PosY:        input.PosY,
	}
	if input.Data != nil {
		raw, err := json.Marshal(input.Data)
		if err != nil {
			return nil, fmt.Errorf("bad node data: %w", err)
		}
		node.Data = datatypes.JSON(raw)
	}
	if _, err := ns.nodes.Create(ctx, nil, node); err != nil {
		return nil, err
	}
	ns.notifier.NodeUpdated(ctx, node)
	if status == pipeline.StatusCompleted {
		if _, err := ns.runner.StartForNode(ctx, node); err != nil {
			ns.log.Warn("could not finalize text node", "node_id", node.ID, "error", err)
		}
	}
	return node, nil
}

func (ns *nodeService) GetNode(ctx context.Context, userID, nodeID uuid.UUID) (*types.CanvasNode, error) {
	node, err := ns.nodes.GetByID(ctx, nil, nodeID)
	if err != nil {
		return nil, err
	}
	if node == nil || node.OwnerUserID != userID {
		return nil, fmt.Errorf("node not found")
	}
	return node, nil
}

func (ns *nodeService) UpdateNode(ctx context.Context, userID, nodeID uuid.UUID, input UpdateNodeInput) (*types.CanvasNode, error) {
	node, err := ns.GetNode(ctx, userID, nodeID)
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{}
	if input.Title != nil {
		updates["title"] = *input.Title
		node.Title = *input.Title
	}
	if input.PosX != nil {
		updates["pos_x"] = *input.PosX
		node.PosX = *input.PosX
	}
	if input.PosY != nil {
		updates["pos_y"] = *input.PosY
		node.PosY = *input.PosY
	}
	if input.Data != nil {
		merged := node.DataMap()
		for k, v := range *input.Data {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		raw, err := json.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("bad node data: %w", err)
		}
		updates["data"] = datatypes.JSON(raw)
		node.Data = datatypes.JSON(raw)
	}
	if len(updates) == 0 {
		return node, nil
	}
	if err := ns.nodes.UpdateFields(ctx, nil, nodeID, updates); err != nil {
		return nil, err
	}
	ns.notifier.NodeUpdated(ctx, node)
	return node, nil
}

func (ns *nodeService) DeleteNode(ctx context.Context, userID, nodeID uuid.UUID) error {
	node, err := ns.GetNode(ctx, userID, nodeID)
	if err != nil {
		return err
	}
	// Stop any in-flight generation before the row disappears, so late
	// outcomes have nowhere to land.
	if err := ns.runner.CancelForNode(ctx, nodeID); err != nil {
		ns.log.Warn("could not cancel run before node delete", "node_id", nodeID, "error", err)
	}
	err = ns.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ns.edges.DeleteByNode(ctx, tx, nodeID); err != nil {
			return err
		}
		return ns.nodes.Delete(ctx, tx, nodeID)
	})
	if err != nil {
		return err
	}
	if key, ok := node.DataMap()["storage_key"].(string); ok && key != "" {
		if err := ns.bucket.DeleteFile(ctx, gcp.BucketCategoryUpload, key); err != nil {
			ns.log.Warn("could not delete uploaded asset", "node_id", nodeID, "key", key, "error", err)
		}
	}
	ns.notifier.NodeUpdated(ctx, node)
	return nil
}

func (ns *nodeService) UploadAsset(ctx context.Context, userID, nodeID uuid.UUID, filename string, file io.Reader) (*types.CanvasNode, error) {
	node, err := ns.GetNode(ctx, userID, nodeID)
	if err != nil {
		return nil, err
	}
	if pipeline.NodeStatus(node.Status) != pipeline.StatusUploading && pipeline.NodeStatus(node.Status) != pipeline.StatusFailed {
		return nil, fmt.Errorf("node %s cannot accept an upload in status %s", nodeID, node.Status)
	}
	name := path.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == "/" {
		return nil, fmt.Errorf("bad filename")
	}
	key := fmt.Sprintf("uploads/%s/%s", nodeID, name)
	if err := ns.bucket.UploadFile(ctx, gcp.BucketCategoryUpload, key, file); err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}

	data := node.DataMap()
	data["storage_key"] = key
	data["url"] = ns.bucket.GetPublicURL(gcp.BucketCategoryUpload, key)
	data["gs_uri"] = ns.bucket.GetGsURI(gcp.BucketCategoryUpload, key)
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	// The upload itself is the uploading phase and it just finished, so the
	// node moves to generating and enters the enrichment chain from there.
	updates := map[string]interface{}{
		"data":         datatypes.JSON(raw),
		"status":       string(pipeline.StatusGenerating),
		"status_error": "",
	}
	if err := ns.nodes.UpdateFields(ctx, nil, nodeID, updates); err != nil {
		return nil, err
	}
	node.Data = datatypes.JSON(raw)
	node.Status = string(pipeline.StatusGenerating)
	node.StatusError = ""
	ns.notifier.NodeStatusChanged(ctx, node)

	if _, err := ns.runner.StartForNode(ctx, node); err != nil {
		return nil, fmt.Errorf("could not start processing pipeline: %w", err)
	}
	return node, nil
}

func (ns *nodeService) Generate(ctx context.Context, userID, nodeID uuid.UUID, prompt string) (*types.CanvasNode, error) {
	node, err := ns.GetNode(ctx, userID, nodeID)
	if err != nil {
		return nil, err
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, fmt.Errorf("a prompt is required to generate")
	}
	if pipeline.NodeStatus(node.Status) == pipeline.StatusGenerating {
		return nil, fmt.Errorf("node %s is already generating", nodeID)
	}
	// A retry from failed, or a fresh start, both reset to the head of the
	// status order.
	data := node.DataMap()
	data["prompt"] = prompt
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	if err := ns.nodes.UpdateFields(ctx, nil, nodeID, map[string]interface{}{
		"data":         datatypes.JSON(raw),
		"status":       string(pipeline.StatusUploading),
		"status_error": "",
	}); err != nil {
		return nil, err
	}
	node.Data = datatypes.JSON(raw)
	node.Status = string(pipeline.StatusUploading)
	node.StatusError = ""
	ns.notifier.NodeStatusChanged(ctx, node)

	if _, err := ns.runner.StartForNode(ctx, node); err != nil {
		return nil, fmt.Errorf("could not start generation pipeline: %w", err)
	}
	return node, nil
}

func (ns *nodeService) CancelGeneration(ctx context.Context, userID, nodeID uuid.UUID) error {
	if _, err := ns.GetNode(ctx, userID, nodeID); err != nil {
		return err
	}
	return ns.runner.CancelForNode(ctx, nodeID)
}

func (ns *nodeService) Placeholder(ctx context.Context, userID, nodeID uuid.UUID, width, height int) ([]byte, error) {
	node, err := ns.GetNode(ctx, userID, nodeID)
	if err != nil {
		return nil, err
	}
	return ns.placeholder.RenderPNG(node.Title, node.ID.String(), width, height)
}

func (ns *nodeService) CreateEdge(ctx context.Context, userID uuid.UUID, input CreateEdgeInput) (*types.NodeEdge, error) {
	if input.SourceID == input.TargetID {
		return nil, fmt.Errorf("an edge cannot connect a node to itself")
	}
	source, err := ns.GetNode(ctx, userID, input.SourceID)
	if err != nil {
		return nil, fmt.Errorf("source node not found")
	}
	target, err := ns.GetNode(ctx, userID, input.TargetID)
	if err != nil {
		return nil, fmt.Errorf("target node not found")
	}
	if source.ProjectID != input.ProjectID || target.ProjectID != input.ProjectID {
		return nil, fmt.Errorf("edge endpoints must belong to the project")
	}
	edge := &types.NodeEdge{
		ProjectID: input.ProjectID,
		SourceID:  input.SourceID,
		TargetID:  input.TargetID,
		Label:     input.Label,
	}
	if _, err := ns.edges.Create(ctx, nil, edge); err != nil {
		return nil, err
	}
	return edge, nil
}

func (ns *nodeService) DeleteEdge(ctx context.Context, userID, edgeID uuid.UUID) error {
	return ns.edges.Delete(ctx, nil, edgeID)
}
