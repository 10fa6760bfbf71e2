package backend

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/BaSui01/agentorch/engine"
	"github.com/BaSui01/agentorch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDocker writes a shell script standing in for the docker binary.
func fakeDocker(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts required")
	}
	path := filepath.Join(t.TempDir(), "docker")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestDockerBackend_BuildsRunCommand(t *testing.T) {
	bin := fakeDocker(t, `echo "$@"`)
	b := NewDockerBackend(DockerConfig{Binary: bin, ExtraArgs: []string{"--network", "none"}}, nil)

	req := &engine.BackendRequest{
		TaskID: "t9",
		Spec: &engine.ExecutionSpec{
			Type: engine.TypeContainer,
			Container: &engine.ContainerSpec{
				Image:   "alpine:3",
				Command: []string{"echo", "hi"},
				Env:     map[string]string{"MODE": "x"},
				Volumes: []string{"/data:/data"},
			},
		},
	}
	out, err := b.Execute(context.Background(), req)
	require.NoError(t, err)

	stdout := strings.TrimSpace(out["stdout"].(string))
	assert.Equal(t,
		"run --rm --network none -e AGENTORCH_TASK_ID=t9 -e MODE=x -v /data:/data alpine:3 echo hi",
		stdout)
	assert.Equal(t, 0, out["exit_code"])
	assert.NotContains(t, out, "output")
}

func TestDockerBackend_ParsesJSONOutput(t *testing.T) {
	bin := fakeDocker(t, `echo '{"answer": 42}'`)
	b := NewDockerBackend(DockerConfig{Binary: bin}, nil)

	out, err := b.Execute(context.Background(), containerBackendRequest())
	require.NoError(t, err)
	require.Contains(t, out, "output")
	assert.EqualValues(t, 42, out["output"].(map[string]any)["answer"])
}

func TestDockerBackend_PassesUpstreamAsEnv(t *testing.T) {
	bin := fakeDocker(t, `echo "$@"`)
	b := NewDockerBackend(DockerConfig{Binary: bin}, nil)

	req := containerBackendRequest()
	req.Spec.Upstream = map[string]any{"A": map[string]any{"v": 1}}
	out, err := b.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, out["stdout"], `AGENTORCH_UPSTREAM={"A":{"v":1}}`)
}

func TestDockerBackend_ExitCodes(t *testing.T) {
	tests := []struct {
		exit string
		code types.ErrorCode
	}{
		{"1", types.ErrBackend},
		{"125", types.ErrBackendUnavailable},
		{"126", types.ErrBackendRejected},
		{"127", types.ErrBackendRejected},
	}
	for _, tt := range tests {
		t.Run("exit "+tt.exit, func(t *testing.T) {
			bin := fakeDocker(t, "echo failure >&2\nexit "+tt.exit)
			b := NewDockerBackend(DockerConfig{Binary: bin}, nil)

			_, err := b.Execute(context.Background(), containerBackendRequest())
			require.Error(t, err)
			assert.Equal(t, tt.code, types.GetErrorCode(err))
			assert.Contains(t, err.Error(), "failure")
		})
	}
}

func TestDockerBackend_MissingBinary(t *testing.T) {
	b := NewDockerBackend(DockerConfig{Binary: "agentorch-no-such-docker"}, nil)
	_, err := b.Execute(context.Background(), containerBackendRequest())
	assert.True(t, types.IsErrorCode(err, types.ErrBackendUnavailable))
	assert.False(t, types.IsRetryable(err))
}

func TestDockerBackend_Timeout(t *testing.T) {
	bin := fakeDocker(t, "exec sleep 5")
	b := NewDockerBackend(DockerConfig{Binary: bin}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := b.Execute(ctx, containerBackendRequest())
	assert.True(t, types.IsErrorCode(err, types.ErrBackendTimeout))
}

func TestDockerBackend_RejectsPipeline(t *testing.T) {
	b := NewDockerBackend(DockerConfig{}, nil)
	_, err := b.Execute(context.Background(), &engine.BackendRequest{
		Spec: &engine.ExecutionSpec{Type: engine.TypePipeline, Pipeline: &engine.PipelineSpec{Definition: "x"}},
	})
	assert.True(t, types.IsErrorCode(err, types.ErrUnsupportedType))
}

func TestNew(t *testing.T) {
	b, err := New(Config{Kind: KindDocker, Name: "local"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "local", b.Name())

	b, err = New(Config{Kind: KindHTTP, URL: "http://example.invalid"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "http", b.Name())

	b, err = New(Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindEcho, b.Name())

	_, err = New(Config{Kind: "lambda"}, nil)
	assert.Error(t, err)
}

func TestEchoBackend(t *testing.T) {
	out, err := NewEchoBackend("").Execute(context.Background(), containerBackendRequest())
	require.NoError(t, err)
	assert.Equal(t, "t1", out["task_id"])
	assert.Equal(t, "alpine", out["image"])
}
