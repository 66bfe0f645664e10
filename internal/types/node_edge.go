package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NodeEdge connects two canvas nodes (e.g. an image node feeding a video
// node's reference input).
type NodeEdge struct {
	ID        uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	SourceID  uuid.UUID      `gorm:"type:uuid;not null;index:idx_edge_source" json:"source_id"`
	TargetID  uuid.UUID      `gorm:"type:uuid;not null;index:idx_edge_target" json:"target_id"`
	Label     string         `gorm:"column:label" json:"label,omitempty"`
	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (NodeEdge) TableName() string { return "node_edge" }
