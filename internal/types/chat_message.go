package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ChatMessage is one turn of the copilot conversation attached to a project.
// Actions records the graph edits the agent proposed/executed for this turn;
// the LLM orchestration itself lives outside this service.
type ChatMessage struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID   uuid.UUID      `gorm:"type:uuid;not null;index" json:"project_id"`
	OwnerUserID uuid.UUID      `gorm:"type:uuid;not null;index" json:"owner_user_id"`
	Role        string         `gorm:"column:role;not null" json:"role"` // user|assistant
	Content     string         `gorm:"column:content;type:text" json:"content"`
	Actions     datatypes.JSON `gorm:"column:actions;type:jsonb" json:"actions,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ChatMessage) TableName() string { return "chat_message" }
