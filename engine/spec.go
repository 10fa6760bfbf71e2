package engine

import (
	"encoding/json"
	"strings"

	"github.com/BaSui01/agentorch/types"
)

// ContainerSpec runs an image with a command.
type ContainerSpec struct {
	Image   string            `json:"image"`
	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Volumes []string          `json:"volumes,omitempty"`
	Inputs  map[string]any    `json:"inputs,omitempty"`
}

// PipelineSpec submits a pipeline definition to the backend.
type PipelineSpec struct {
	Definition string            `json:"definition"`
	Env        map[string]string `json:"env,omitempty"`
	Inputs     map[string]any    `json:"inputs,omitempty"`
}

// ExecutionSpec is the decoded form of ExecutionRequest.Parameters.
// Exactly one of Container or Pipeline is set for the built-in types.
// Raw keeps every key the typed variant does not recognize; for other
// execution types it holds all parameters.
type ExecutionSpec struct {
	Type      string         `json:"type"`
	Container *ContainerSpec `json:"container,omitempty"`
	Pipeline  *PipelineSpec  `json:"pipeline,omitempty"`
	// Upstream carries outputs of completed dependencies, keyed by task ID.
	Upstream map[string]any `json:"upstream,omitempty"`
	Raw      map[string]any `json:"raw,omitempty"`
}

// UpstreamKey is the parameter key under which dependency outputs are passed.
const UpstreamKey = "upstream"

var (
	containerKeys = []string{"image", "command", "env", "volumes", "inputs"}
	pipelineKeys  = []string{"definition", "env", "inputs"}
)

// DecodeSpec validates params for the given execution type.
func DecodeSpec(executionType string, params map[string]any) (*ExecutionSpec, error) {
	spec := &ExecutionSpec{Type: executionType}

	var known []string
	switch executionType {
	case TypeContainer:
		var c ContainerSpec
		if err := decodeInto(params, &c); err != nil {
			return nil, err
		}
		if strings.TrimSpace(c.Image) == "" {
			return nil, types.NewError(types.ErrValidation, "container execution requires an image")
		}
		spec.Container = &c
		known = containerKeys
	case TypePipeline:
		var p PipelineSpec
		if err := decodeInto(params, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Definition) == "" {
			return nil, types.NewError(types.ErrValidation, "pipeline execution requires a definition")
		}
		spec.Pipeline = &p
		known = pipelineKeys
	}

	if up, ok := params[UpstreamKey]; ok {
		m, ok := up.(map[string]any)
		if !ok {
			return nil, types.NewError(types.ErrValidation, "upstream must be an object")
		}
		spec.Upstream = m
	}

	raw := make(map[string]any)
	for k, v := range params {
		if k == UpstreamKey || contains(known, k) {
			continue
		}
		raw[k] = v
	}
	if len(raw) > 0 {
		spec.Raw = raw
	}
	return spec, nil
}

// decodeInto maps params onto a typed spec. A command given as a single
// string is split on whitespace.
func decodeInto(params map[string]any, out any) error {
	if cmd, ok := params["command"].(string); ok {
		cp := make(map[string]any, len(params))
		for k, v := range params {
			cp[k] = v
		}
		cp["command"] = strings.Fields(cmd)
		params = cp
	}
	data, err := json.Marshal(params)
	if err != nil {
		return types.NewError(types.ErrValidation, "parameters are not serializable").WithCause(err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return types.NewError(types.ErrValidation, "invalid parameters").WithCause(err)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
