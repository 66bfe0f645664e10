package testutil

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/loomstudio/loom-backend/internal/types"
)

func SeedUser(tb testing.TB, ctx context.Context, tx *gorm.DB, email string) *types.User {
	tb.Helper()
	u := &types.User{
		ID:        uuid.New(),
		Email:     email,
		Password:  "pw",
		FirstName: "A",
		LastName:  "B",
	}
	if err := tx.WithContext(ctx).Create(u).Error; err != nil {
		tb.Fatalf("seed user: %v", err)
	}
	return u
}

func SeedProject(tb testing.TB, ctx context.Context, tx *gorm.DB, ownerID uuid.UUID) *types.Project {
	tb.Helper()
	p := &types.Project{
		ID:          uuid.New(),
		OwnerUserID: ownerID,
		Name:        "project",
		Timeline:    datatypes.JSON([]byte("{}")),
	}
	if err := tx.WithContext(ctx).Create(p).Error; err != nil {
		tb.Fatalf("seed project: %v", err)
	}
	return p
}

func SeedNode(tb testing.TB, ctx context.Context, tx *gorm.DB, projectID, ownerID uuid.UUID, kind, status string) *types.CanvasNode {
	tb.Helper()
	n := &types.CanvasNode{
		ID:          uuid.New(),
		ProjectID:   projectID,
		OwnerUserID: ownerID,
		Kind:        kind,
		Status:      status,
		Data:        datatypes.JSON([]byte("{}")),
	}
	if err := tx.WithContext(ctx).Create(n).Error; err != nil {
		tb.Fatalf("seed node: %v", err)
	}
	return n
}

func SeedRun(tb testing.TB, ctx context.Context, tx *gorm.DB, nodeID, ownerID uuid.UUID, pipelineID, status string) *types.PipelineRun {
	tb.Helper()
	r := &types.PipelineRun{
		ID:          uuid.New(),
		NodeID:      nodeID,
		OwnerUserID: ownerID,
		PipelineID:  pipelineID,
		Status:      status,
		State:       datatypes.JSON([]byte("{}")),
		Version:     1,
	}
	if err := tx.WithContext(ctx).Create(r).Error; err != nil {
		tb.Fatalf("seed run: %v", err)
	}
	return r
}
