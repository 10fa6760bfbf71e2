package workflow

import (
	"fmt"
	"os"

	"github.com/BaSui01/agentorch/types"
	"gopkg.in/yaml.v3"
)

// Definition is the serialized form of a workflow.
//
//	name: nightly-eval
//	tasks:
//	  - id: fetch
//	    name: Fetch dataset
//	    agent: fetcher
//	    inputs: {execution_type: container, image: alpine:3.20}
//	  - id: score
//	    name: Score
//	    agent: scorer
//	    depends_on: [fetch]
type Definition struct {
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Tasks       []TaskSpec `yaml:"tasks" json:"tasks"`
}

// ParseDefinition decodes a YAML (or JSON) workflow definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, types.NewError(types.ErrValidation, "parse workflow definition").WithCause(err)
	}
	if def.Name == "" {
		return nil, types.NewError(types.ErrValidation, "workflow name is required")
	}
	return &def, nil
}

// LoadDefinitionFile reads and parses a definition file.
func LoadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definition: %w", err)
	}
	return ParseDefinition(data)
}

// Build creates a workflow from the definition. Tasks may reference tasks
// declared later in the list; every task needs an explicit ID in that case.
func (d *Definition) Build() (*Workflow, error) {
	w := New(d.Name, d.Description)

	// tasks first, edges second, so declaration order does not matter
	ids := make([]string, len(d.Tasks))
	for i, spec := range d.Tasks {
		id, err := w.AddTask(TaskSpec{
			ID:     spec.ID,
			Name:   spec.Name,
			Agent:  spec.Agent,
			Inputs: spec.Inputs,
		})
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		ids[i] = id
	}
	for i, spec := range d.Tasks {
		for _, dep := range spec.DependsOn {
			if err := w.AddDependency(ids[i], dep); err != nil {
				return nil, err
			}
		}
	}
	return w, nil
}
