package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/loomstudio/loom-backend/internal/logger"
	"github.com/loomstudio/loom-backend/internal/types"
)

type CanvasNodeRepo interface {
	Create(ctx context.Context, tx *gorm.DB, node *types.CanvasNode) (*types.CanvasNode, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.CanvasNode, error)
	ListByProject(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) ([]*types.CanvasNode, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// UpdateStatusFrom moves a node's status only if it still holds the
	// expected one; reports whether the write won. Guards the status machine
	// against racing callbacks.
	UpdateStatusFrom(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to, statusError string) (bool, error)
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type canvasNodeRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCanvasNodeRepo(db *gorm.DB, baseLog *logger.Logger) CanvasNodeRepo {
	return &canvasNodeRepo{db: db, log: baseLog.With("repo", "CanvasNodeRepo")}
}

func (r *canvasNodeRepo) Create(ctx context.Context, tx *gorm.DB, node *types.CanvasNode) (*types.CanvasNode, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(ctx).Create(node).Error; err != nil {
		return nil, err
	}
	return node, nil
}

func (r *canvasNodeRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.CanvasNode, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var node types.CanvasNode
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &node, nil
}

func (r *canvasNodeRepo) ListByProject(ctx context.Context, tx *gorm.DB, projectID uuid.UUID) ([]*types.CanvasNode, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.CanvasNode
	if err := transaction.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *canvasNodeRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.CanvasNode{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *canvasNodeRepo) UpdateStatusFrom(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to, statusError string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Model(&types.CanvasNode{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":       to,
			"status_error": statusError,
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *canvasNodeRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Delete(&types.CanvasNode{}, "id = ?", id).Error
}
