package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PipelineRun is the persisted execution state of one pipeline instance.
// State is the engine's runtime state serialized as-is (flat task map), so
// the row can be reloaded and resumed idempotently. Version backs the
// optimistic-concurrency control: independent poll/callback invocations race
// to update the same row, and only one read-modify-write wins per version.
//
// The node is the long-lived entity; a run is ephemeral per-attempt state.
type PipelineRun struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	NodeID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"node_id"`
	OwnerUserID uuid.UUID      `gorm:"type:uuid;not null;index" json:"owner_user_id"`
	PipelineID  string         `gorm:"column:pipeline_id;not null;index" json:"pipeline_id"`
	Status      string         `gorm:"column:status;not null;index" json:"status"` // running|completed|failed
	State       datatypes.JSON `gorm:"column:state;type:jsonb" json:"state"`
	Error       string         `gorm:"column:error" json:"error,omitempty"`
	Version     int            `gorm:"column:version;not null;default:1" json:"version"`
	StartedAt   time.Time      `gorm:"column:started_at;not null;default:now()" json:"started_at"`
	CompletedAt *time.Time     `gorm:"column:completed_at;index" json:"completed_at,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (PipelineRun) TableName() string { return "pipeline_run" }

const (
	PipelineRunRunning   = "running"
	PipelineRunCompleted = "completed"
	PipelineRunFailed    = "failed"
)
