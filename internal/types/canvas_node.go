package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CanvasNode is one node on the canvas and the asset it carries.
// Status follows pipeline.NodeStatus (uploading|generating|completed|fin|
// failed); Data holds the node's user-editable fields (prompt, url,
// storage_key, description, ...) and is the node half of the pipeline
// template resolution context.
type CanvasNode struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID   uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	OwnerUserID uuid.UUID      `gorm:"type:uuid;not null;index" json:"owner_user_id"`
	Kind        string         `gorm:"column:kind;not null;index" json:"kind"` // image|video|audio|text
	Title       string         `gorm:"column:title" json:"title,omitempty"`
	Status      string         `gorm:"column:status;not null;index" json:"status"`
	StatusError string         `gorm:"column:status_error" json:"status_error,omitempty"`
	Data        datatypes.JSON `gorm:"column:data;type:jsonb" json:"data,omitempty"`
	PosX        float64        `gorm:"column:pos_x;not null;default:0" json:"pos_x"`
	PosY        float64        `gorm:"column:pos_y;not null;default:0" json:"pos_y"`
	CreatedAt   time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (CanvasNode) TableName() string { return "canvas_node" }

// DataMap decodes the node's data payload; never returns nil.
func (n *CanvasNode) DataMap() map[string]any {
	out := map[string]any{}
	if len(n.Data) == 0 {
		return out
	}
	_ = json.Unmarshal(n.Data, &out)
	return out
}
