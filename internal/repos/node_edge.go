package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/loomstudio/loom-backend/internal/logger"
	"github.com/loomstudio/loom-backend/internal/types"
)

type NodeEdgeRepo interface {
	Create(ctx context.Context, tx *gorm.DB, edge *types.NodeEdge) (*types.NodeEdge, error)
	ListByProject(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) ([]*types.NodeEdge, error)
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	DeleteByNode(ctx context.Context, tx *gorm.DB, nodeID uuid.UUID) error
}

type nodeEdgeRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewNodeEdgeRepo(db *gorm.DB, baseLog *logger.Logger) NodeEdgeRepo {
	return &nodeEdgeRepo{db: db, log: baseLog.With("repo", "NodeEdgeRepo")}
}

func (r *nodeEdgeRepo) Create(ctx context.Context, tx *gorm.DB, edge *types.NodeEdge) (*types.NodeEdge, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(ctx).Create(edge).Error; err != nil {
		return nil, err
	}
	return edge, nil
}

func (r *nodeEdgeRepo) ListByProject(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) ([]*types.NodeEdge, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.NodeEdge
	if err := transaction.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *nodeEdgeRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Delete(&types.NodeEdge{}, "id = ?", id).Error
}

func (r *nodeEdgeRepo) DeleteByNode(ctx context.Context, tx *gorm.DB, nodeID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Delete(&types.NodeEdge{}, "source_id = ? OR target_id = ?", nodeID, nodeID).Error
}
