package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BaSui01/agentorch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDefinition = `
name: eval
description: nightly evaluation
tasks:
  - id: score
    name: Score
    agent: scorer
    depends_on: [fetch]
  - id: fetch
    name: Fetch
    agent: fetcher
    inputs:
      execution_type: container
      image: alpine:3.20
`

func TestParseDefinition_Build(t *testing.T) {
	def, err := ParseDefinition([]byte(sampleDefinition))
	require.NoError(t, err)
	assert.Equal(t, "eval", def.Name)
	require.Len(t, def.Tasks, 2)

	w, err := def.Build()
	require.NoError(t, err)

	order, err := Order(w)
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch", "score"}, ids(order))

	fetch, _ := w.Task("fetch")
	assert.Equal(t, "alpine:3.20", fetch.Inputs["image"])
}

func TestParseDefinition_Errors(t *testing.T) {
	_, err := ParseDefinition([]byte("name: [unclosed"))
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	_, err = ParseDefinition([]byte("tasks: []"))
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	def, err := ParseDefinition([]byte("name: x\ntasks:\n  - id: a\n    name: A\n    depends_on: [zzz]\n"))
	require.NoError(t, err)
	_, err = def.Build()
	assert.Equal(t, types.ErrDependencyNotFound, types.GetErrorCode(err))
}

func TestLoadDefinitionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDefinition), 0o644))

	def, err := LoadDefinitionFile(path)
	require.NoError(t, err)
	assert.Equal(t, "nightly evaluation", def.Description)

	_, err = LoadDefinitionFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
