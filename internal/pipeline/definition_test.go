package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validDef(id string) Definition {
	return Definition{
		ID:         id,
		NodeType:   "image",
		FromStatus: StatusUploading,
		ToStatus:   StatusGenerating,
		Supersteps: []SuperstepDefinition{
			{ID: "s0", Tasks: []TaskDefinition{
				{ID: "a", TaskType: "image.generate", Params: map[string]string{"prompt": "{{prompt}}"}},
			}},
		},
	}
}

func TestDefinitionValidate(t *testing.T) {
	mutate := func(fn func(*Definition)) Definition {
		d := validDef("p")
		fn(&d)
		return d
	}

	cases := []struct {
		name    string
		def     Definition
		wantSub string
	}{
		{"missing id", mutate(func(d *Definition) { d.ID = " " }), "missing id"},
		{"missing node_type", mutate(func(d *Definition) { d.NodeType = "" }), "missing node_type"},
		{"terminal from_status", mutate(func(d *Definition) { d.FromStatus = StatusFin }), "bad from_status"},
		{"failed to_status", mutate(func(d *Definition) { d.ToStatus = StatusFailed }), "bad to_status"},
		{"backward transition", mutate(func(d *Definition) {
			d.FromStatus, d.ToStatus = StatusCompleted, StatusGenerating
		}), "must come after"},
		{"no supersteps", mutate(func(d *Definition) { d.Supersteps = nil }), "no supersteps"},
		{"empty superstep", mutate(func(d *Definition) {
			d.Supersteps = append(d.Supersteps, SuperstepDefinition{ID: "s1"})
		}), "has no tasks"},
		{"duplicate task id", mutate(func(d *Definition) {
			d.Supersteps = append(d.Supersteps, SuperstepDefinition{ID: "s1", Tasks: []TaskDefinition{
				{ID: "a", TaskType: "x"},
			}})
		}), "duplicate task id"},
		{"missing task_type", mutate(func(d *Definition) {
			d.Supersteps[0].Tasks[0].TaskType = ""
		}), "missing task_type"},
		{"unknown task ref", mutate(func(d *Definition) {
			d.Supersteps[0].Tasks[0].Params = map[string]string{"u": "{{tasks.ghost.url}}"}
		}), "unknown task"},
		{"same-superstep ref", mutate(func(d *Definition) {
			d.Supersteps[0].Tasks = append(d.Supersteps[0].Tasks, TaskDefinition{
				ID: "b", TaskType: "x", Params: map[string]string{"u": "{{tasks.a.url}}"},
			})
		}), "must be earlier"},
	}
	for _, tc := range cases {
		err := tc.def.validate()
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.wantSub) {
			t.Fatalf("%s: error %q does not contain %q", tc.name, err, tc.wantSub)
		}
	}

	good := validDef("p")
	if err := good.validate(); err != nil {
		t.Fatalf("valid definition rejected: %v", err)
	}
}

func TestDefinitionValidateAllowsEarlierSuperstepRef(t *testing.T) {
	d := validDef("p")
	d.Supersteps = append(d.Supersteps, SuperstepDefinition{ID: "s1", Tasks: []TaskDefinition{
		{ID: "b", TaskType: "video.generate", Params: map[string]string{"u": "{{tasks.a.url}}"}},
	}})
	if err := d.validate(); err != nil {
		t.Fatalf("cross-superstep reference rejected: %v", err)
	}
}

func TestCatalogLookups(t *testing.T) {
	gen := validDef("image-generate")
	enrich := validDef("image-enrich")
	enrich.FromStatus, enrich.ToStatus = StatusGenerating, StatusCompleted

	cat, err := NewCatalog([]Definition{gen, enrich})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}

	d, ok := cat.Find("image", StatusUploading)
	if !ok || d.ID != "image-generate" {
		t.Fatalf("Find uploading: %v %v", d, ok)
	}
	d, ok = cat.Find("image", StatusGenerating)
	if !ok || d.ID != "image-enrich" {
		t.Fatalf("Find generating: %v %v", d, ok)
	}
	// Chaining ends where no definition applies.
	if _, ok := cat.Find("image", StatusCompleted); ok {
		t.Fatalf("unexpected definition at completed")
	}
	if _, ok := cat.Find("text", StatusUploading); ok {
		t.Fatalf("unexpected definition for text nodes")
	}

	if _, ok := cat.Get("image-enrich"); !ok {
		t.Fatalf("Get by id failed")
	}
	if _, ok := cat.Get("ghost"); ok {
		t.Fatalf("Get returned unknown id")
	}
}

func TestCatalogRejectsConflicts(t *testing.T) {
	a := validDef("a")
	b := validDef("b")
	if _, err := NewCatalog([]Definition{a, b}); err == nil {
		t.Fatalf("two definitions for the same (node_type, from_status) accepted")
	}
	dupA := validDef("a")
	dupA.NodeType = "video"
	dup := validDef("a")
	if _, err := NewCatalog([]Definition{dup, dupA}); err == nil {
		t.Fatalf("duplicate pipeline id accepted")
	}
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipelines.yaml")
	doc := `
pipelines:
  - id: image-generate
    node_type: image
    from_status: uploading
    to_status: generating
    supersteps:
      - id: generate
        tasks:
          - id: render
            task_type: image.generate
            params:
              prompt: "{{prompt}}"
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cat, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	d, ok := cat.Find("image", StatusUploading)
	if !ok || d.Supersteps[0].Tasks[0].TaskType != "image.generate" {
		t.Fatalf("loaded definition wrong: %+v ok=%v", d, ok)
	}

	if _, err := LoadCatalog(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("missing file accepted")
	}
	if err := os.WriteFile(path, []byte("pipelines: ["), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadCatalog(path); err == nil {
		t.Fatalf("malformed yaml accepted")
	}
}
