package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/loomstudio/loom-backend/internal/logger"
	"github.com/loomstudio/loom-backend/internal/repos"
	"github.com/loomstudio/loom-backend/internal/types"
)

type ProjectService interface {
	CreateProject(ctx context.Context, userID uuid.UUID, name, description string) (*types.Project, error)
	GetProject(ctx context.Context, userID, projectID uuid.UUID) (*types.Project, error)
	ListProjects(ctx context.Context, userID uuid.UUID) ([]*types.Project, error)
	UpdateProject(ctx context.Context, userID, projectID uuid.UUID, input UpdateProjectInput) (*types.Project, error)
	DeleteProject(ctx context.Context, userID, projectID uuid.UUID) error
	// GetCanvas returns the full graph of one project: nodes plus edges.
	GetCanvas(ctx context.Context, userID, projectID uuid.UUID) (*Canvas, error)
	// UpdateTimeline replaces the project's timeline document wholesale. The
	// document is opaque to the backend; the player interprets it.
	UpdateTimeline(ctx context.Context, userID, projectID uuid.UUID, timeline map[string]any) (*types.Project, error)
}

type UpdateProjectInput struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

type Canvas struct {
	Project *types.Project      `json:"project"`
	Nodes   []*types.CanvasNode `json:"nodes"`
	Edges   []*types.NodeEdge   `json:"edges"`
}

type projectService struct {
	db       *gorm.DB
	log      *logger.Logger
	projects repos.ProjectRepo
	nodes    repos.CanvasNodeRepo
	edges    repos.NodeEdgeRepo
}

func NewProjectService(
	db *gorm.DB,
	baseLog *logger.Logger,
	projects repos.ProjectRepo,
	nodes repos.CanvasNodeRepo,
	edges repos.NodeEdgeRepo,
) ProjectService {
	return &projectService{
		db:       db,
		log:      baseLog.With("service", "ProjectService"),
		projects: projects,
		nodes:    nodes,
		edges:    edges,
	}
}

func (ps *projectService) CreateProject(ctx context.Context, userID uuid.UUID, name, description string) (*types.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("a project name is required")
	}
	project := &types.Project{
		OwnerUserID: userID,
		Name:        name,
		Description: description,
	}
	if _, err := ps.projects.Create(ctx, nil, project); err != nil {
		return nil, err
	}
	return project, nil
}

func (ps *projectService) GetProject(ctx context.Context, userID, projectID uuid.UUID) (*types.Project, error) {
	project, err := ps.projects.GetByID(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil || project.OwnerUserID != userID {
		return nil, fmt.Errorf("project not found")
	}
	return project, nil
}

func (ps *projectService) ListProjects(ctx context.Context, userID uuid.UUID) ([]*types.Project, error) {
	return ps.projects.ListByOwner(ctx, nil, userID)
}

func (ps *projectService) UpdateProject(ctx context.Context, userID, projectID uuid.UUID, input UpdateProjectInput) (*types.Project, error) {
	project, err := ps.GetProject(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{}
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, fmt.Errorf("a project name is required")
		}
		updates["name"] = name
		project.Name = name
	}
	if input.Description != nil {
		updates["description"] = *input.Description
		project.Description = *input.Description
	}
	if len(updates) == 0 {
		return project, nil
	}
	if err := ps.projects.UpdateFields(ctx, nil, projectID, updates); err != nil {
		return nil, err
	}
	return project, nil
}

func (ps *projectService) DeleteProject(ctx context.Context, userID, projectID uuid.UUID) error {
	if _, err := ps.GetProject(ctx, userID, projectID); err != nil {
		return err
	}
	return ps.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		nodes, err := ps.nodes.ListByProject(ctx, tx, projectID)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if err := ps.edges.DeleteByNode(ctx, tx, n.ID); err != nil {
				return err
			}
			if err := ps.nodes.Delete(ctx, tx, n.ID); err != nil {
				return err
			}
		}
		return ps.projects.Delete(ctx, tx, projectID)
	})
}

func (ps *projectService) GetCanvas(ctx context.Context, userID, projectID uuid.UUID) (*Canvas, error) {
	project, err := ps.GetProject(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	nodes, err := ps.nodes.ListByProject(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	edges, err := ps.edges.ListByProject(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	return &Canvas{Project: project, Nodes: nodes, Edges: edges}, nil
}

func (ps *projectService) UpdateTimeline(ctx context.Context, userID, projectID uuid.UUID, timeline map[string]any) (*types.Project, error) {
	project, err := ps.GetProject(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(timeline)
	if err != nil {
		return nil, fmt.Errorf("bad timeline document: %w", err)
	}
	if err := ps.projects.UpdateFields(ctx, nil, projectID, map[string]interface{}{
		"timeline": datatypes.JSON(raw),
	}); err != nil {
		return nil, err
	}
	project.Timeline = datatypes.JSON(raw)
	return project, nil
}
