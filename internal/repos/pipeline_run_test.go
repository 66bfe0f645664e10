package repos

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/loomstudio/loom-backend/internal/repos/testutil"
	"github.com/loomstudio/loom-backend/internal/types"
)

func TestPipelineRunRepoCAS(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()

	user := testutil.SeedUser(t, ctx, tx, "runrepo@example.com")
	project := testutil.SeedProject(t, ctx, tx, user.ID)
	node := testutil.SeedNode(t, ctx, tx, project.ID, user.ID, "image", "uploading")

	repo := NewPipelineRunRepo(db, testutil.Logger(t))

	run, err := repo.Create(ctx, tx, &types.PipelineRun{
		ID:          uuid.New(),
		NodeID:      node.ID,
		OwnerUserID: user.ID,
		PipelineID:  "image-generate",
		Status:      types.PipelineRunRunning,
		State:       datatypes.JSON([]byte(`{"current_superstep":0}`)),
		Version:     1,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := repo.UpdateCAS(ctx, tx, run.ID, 1, map[string]interface{}{
		"state": datatypes.JSON([]byte(`{"current_superstep":1}`)),
	}); err != nil {
		t.Fatalf("UpdateCAS at v1: %v", err)
	}

	got, err := repo.GetByID(ctx, tx, run.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("version after CAS: want=2 got=%d", got.Version)
	}

	// A write against the stale version loses.
	err = repo.UpdateCAS(ctx, tx, run.ID, 1, map[string]interface{}{"status": types.PipelineRunFailed})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale CAS: want=ErrVersionConflict got=%v", err)
	}
	got, err = repo.GetByID(ctx, tx, run.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != types.PipelineRunRunning {
		t.Fatalf("lost write mutated row: status=%s", got.Status)
	}
}

func TestPipelineRunRepoActiveByNode(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()

	user := testutil.SeedUser(t, ctx, tx, "runactive@example.com")
	project := testutil.SeedProject(t, ctx, tx, user.ID)
	node := testutil.SeedNode(t, ctx, tx, project.ID, user.ID, "image", "uploading")

	repo := NewPipelineRunRepo(db, testutil.Logger(t))

	if got, err := repo.GetActiveByNode(ctx, tx, node.ID); err != nil || got != nil {
		t.Fatalf("GetActiveByNode empty: got=%v err=%v", got, err)
	}

	testutil.SeedRun(t, ctx, tx, node.ID, user.ID, "image-generate", types.PipelineRunFailed)
	active := testutil.SeedRun(t, ctx, tx, node.ID, user.ID, "image-generate", types.PipelineRunRunning)

	got, err := repo.GetActiveByNode(ctx, tx, node.ID)
	if err != nil {
		t.Fatalf("GetActiveByNode: %v", err)
	}
	if got == nil || got.ID != active.ID {
		t.Fatalf("GetActiveByNode: want=%s got=%+v", active.ID, got)
	}

	running, err := repo.ListRunning(ctx, tx, 10)
	if err != nil {
		t.Fatalf("ListRunning: %v", err)
	}
	found := false
	for _, r := range running {
		if r.ID == active.ID {
			found = true
		}
		if r.Status != types.PipelineRunRunning {
			t.Fatalf("ListRunning returned non-running row: %+v", r)
		}
	}
	if !found {
		t.Fatalf("ListRunning missed active run")
	}
}
