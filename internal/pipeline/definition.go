package pipeline

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions are configuration-time data: loaded once at process start,
// never mutated afterwards. The engine interprets them; they carry no
// behavior of their own.

type TaskDefinition struct {
	ID       string            `yaml:"id" json:"id"`
	TaskType string            `yaml:"task_type" json:"task_type"`
	Params   map[string]string `yaml:"params" json:"params"`
}

// SuperstepDefinition is a barrier-synchronized batch: tasks inside it run
// concurrently with no inter-task ordering, and the pipeline only advances
// once every one of them is terminal.
type SuperstepDefinition struct {
	ID    string           `yaml:"id" json:"id"`
	Tasks []TaskDefinition `yaml:"tasks" json:"tasks"`
}

type Definition struct {
	ID         string                `yaml:"id" json:"id"`
	NodeType   string                `yaml:"node_type" json:"node_type"`
	FromStatus NodeStatus            `yaml:"from_status" json:"from_status"`
	ToStatus   NodeStatus            `yaml:"to_status" json:"to_status"`
	Supersteps []SuperstepDefinition `yaml:"supersteps" json:"supersteps"`
}

// TaskDef returns the task definition and its superstep index.
func (d *Definition) TaskDef(taskID string) (*TaskDefinition, int, bool) {
	for si := range d.Supersteps {
		for ti := range d.Supersteps[si].Tasks {
			if d.Supersteps[si].Tasks[ti].ID == taskID {
				return &d.Supersteps[si].Tasks[ti], si, true
			}
		}
	}
	return nil, 0, false
}

func (d *Definition) validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("pipeline missing id")
	}
	if strings.TrimSpace(d.NodeType) == "" {
		return fmt.Errorf("pipeline %s: missing node_type", d.ID)
	}
	if !d.FromStatus.Valid() || d.FromStatus.Terminal() {
		return fmt.Errorf("pipeline %s: bad from_status %q", d.ID, d.FromStatus)
	}
	if !d.ToStatus.Valid() || d.ToStatus == StatusFailed {
		return fmt.Errorf("pipeline %s: bad to_status %q", d.ID, d.ToStatus)
	}
	if !d.FromStatus.Before(d.ToStatus) {
		return fmt.Errorf("pipeline %s: to_status %q must come after from_status %q", d.ID, d.ToStatus, d.FromStatus)
	}
	if len(d.Supersteps) == 0 {
		return fmt.Errorf("pipeline %s: no supersteps", d.ID)
	}
	seen := map[string]int{}
	for si, ss := range d.Supersteps {
		if len(ss.Tasks) == 0 {
			return fmt.Errorf("pipeline %s: superstep %d has no tasks", d.ID, si)
		}
		for _, t := range ss.Tasks {
			if strings.TrimSpace(t.ID) == "" {
				return fmt.Errorf("pipeline %s: superstep %d: task missing id", d.ID, si)
			}
			if strings.TrimSpace(t.TaskType) == "" {
				return fmt.Errorf("pipeline %s: task %s: missing task_type", d.ID, t.ID)
			}
			if _, dup := seen[t.ID]; dup {
				return fmt.Errorf("pipeline %s: duplicate task id %q", d.ID, t.ID)
			}
			seen[t.ID] = si
		}
	}
	// Templates may only reference tasks from earlier supersteps: siblings
	// complete in no guaranteed order.
	for si, ss := range d.Supersteps {
		for _, t := range ss.Tasks {
			for _, tmpl := range t.Params {
				for _, ph := range placeholders(tmpl) {
					ref, ok := taskRef(ph)
					if !ok {
						continue
					}
					refStep, known := seen[ref]
					if !known {
						return fmt.Errorf("pipeline %s: task %s references unknown task %q", d.ID, t.ID, ref)
					}
					if refStep >= si {
						return fmt.Errorf("pipeline %s: task %s references task %q in superstep %d (must be earlier than %d)", d.ID, t.ID, ref, refStep, si)
					}
				}
			}
		}
	}
	return nil
}

// taskRef extracts the referenced task id from a "tasks.<id>.<field>" path.
func taskRef(path string) (string, bool) {
	parts := strings.Split(path, ".")
	if len(parts) < 2 || parts[0] != "tasks" {
		return "", false
	}
	return parts[1], true
}

// Catalog holds every loaded definition and answers the two lookups the
// coordinator needs: which pipeline applies to a (nodeType, status) pair,
// and therefore whether a chained pipeline follows a completed one.
type Catalog struct {
	defs  []Definition
	byKey map[string]*Definition
}

func NewCatalog(defs []Definition) (*Catalog, error) {
	c := &Catalog{defs: defs, byKey: make(map[string]*Definition, len(defs))}
	ids := map[string]bool{}
	for i := range defs {
		d := &c.defs[i]
		if err := d.validate(); err != nil {
			return nil, err
		}
		if ids[d.ID] {
			return nil, fmt.Errorf("duplicate pipeline id %q", d.ID)
		}
		ids[d.ID] = true
		key := catalogKey(d.NodeType, d.FromStatus)
		if _, exists := c.byKey[key]; exists {
			return nil, fmt.Errorf("pipelines %s: more than one definition for node_type=%s from_status=%s", d.ID, d.NodeType, d.FromStatus)
		}
		c.byKey[key] = d
	}
	return c, nil
}

func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline config: %w", err)
	}
	var doc struct {
		Pipelines []Definition `yaml:"pipelines"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse pipeline config: %w", err)
	}
	return NewCatalog(doc.Pipelines)
}

// Find returns the definition that moves nodeType out of status, if any.
func (c *Catalog) Find(nodeType string, from NodeStatus) (*Definition, bool) {
	d, ok := c.byKey[catalogKey(nodeType, from)]
	return d, ok
}

// Get looks a definition up by id, for rehydrating persisted runs.
func (c *Catalog) Get(id string) (*Definition, bool) {
	for i := range c.defs {
		if c.defs[i].ID == id {
			return &c.defs[i], true
		}
	}
	return nil, false
}

func catalogKey(nodeType string, from NodeStatus) string {
	return nodeType + "|" + string(from)
}
