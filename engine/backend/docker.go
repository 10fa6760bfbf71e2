package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/BaSui01/agentorch/engine"
	"github.com/BaSui01/agentorch/types"
	"go.uber.org/zap"
)

// Environment variables set inside the container.
const (
	EnvInputs   = "AGENTORCH_INPUTS"
	EnvUpstream = "AGENTORCH_UPSTREAM"
	EnvTaskID   = "AGENTORCH_TASK_ID"
)

// docker run exit codes that describe the run itself rather than the command.
const (
	exitDaemonError   = 125
	exitNotExecutable = 126
	exitNotFound      = 127
)

// waitDelay bounds how long a killed run may hold its output pipes open.
const waitDelay = 2 * time.Second

// DockerConfig 本地 docker CLI 后端配置
type DockerConfig struct {
	Name string
	// Binary docker 可执行文件，默认 "docker"
	Binary string
	// ExtraArgs 追加在 "run" 之后、镜像之前的参数，例如 --network
	ExtraArgs []string
}

// DockerBackend 通过 docker CLI 运行容器类执行
type DockerBackend struct {
	cfg    DockerConfig
	logger *zap.Logger
}

// NewDockerBackend 创建 docker 后端
func NewDockerBackend(cfg DockerConfig, logger *zap.Logger) *DockerBackend {
	if cfg.Name == "" {
		cfg.Name = "docker"
	}
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DockerBackend{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "docker_backend"), zap.String("backend", cfg.Name)),
	}
}

// Name implements engine.Backend.
func (b *DockerBackend) Name() string { return b.cfg.Name }

// Execute implements engine.Backend.
func (b *DockerBackend) Execute(ctx context.Context, req *engine.BackendRequest) (map[string]any, error) {
	if req.Spec == nil || req.Spec.Container == nil {
		return nil, types.NewError(types.ErrUnsupportedType, "docker backend only runs container executions").
			WithBackend(b.cfg.Name)
	}

	args, err := b.runArgs(req)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, b.cfg.Binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	b.logger.Debug("starting container",
		zap.String("task_id", req.TaskID),
		zap.String("image", req.Spec.Container.Image),
	)

	runErr := cmd.Run()
	if runErr != nil {
		return nil, b.mapRunError(ctx, runErr, stderr.String())
	}

	out := map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": 0,
	}
	var parsed map[string]any
	if json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &parsed) == nil {
		out["output"] = parsed
	}
	return out, nil
}

// runArgs 构造 docker run 参数；环境变量按名称排序以保证命令行稳定
func (b *DockerBackend) runArgs(req *engine.BackendRequest) ([]string, error) {
	c := req.Spec.Container
	args := []string{"run", "--rm"}
	args = append(args, b.cfg.ExtraArgs...)

	env := map[string]string{EnvTaskID: req.TaskID}
	for k, v := range c.Env {
		env[k] = v
	}
	if len(c.Inputs) > 0 {
		data, err := json.Marshal(c.Inputs)
		if err != nil {
			return nil, types.NewError(types.ErrValidation, "encode inputs").WithCause(err)
		}
		env[EnvInputs] = string(data)
	}
	if len(req.Spec.Upstream) > 0 {
		data, err := json.Marshal(req.Spec.Upstream)
		if err != nil {
			return nil, types.NewError(types.ErrValidation, "encode upstream").WithCause(err)
		}
		env[EnvUpstream] = string(data)
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+env[k])
	}
	for _, v := range c.Volumes {
		args = append(args, "-v", v)
	}

	args = append(args, c.Image)
	args = append(args, c.Command...)
	return args, nil
}

func (b *DockerBackend) mapRunError(ctx context.Context, err error, stderr string) error {
	if ctx.Err() != nil {
		return MapTransportError(ctx, err, b.cfg.Name)
	}
	if errors.Is(err, exec.ErrNotFound) {
		return types.NewError(types.ErrBackendUnavailable, fmt.Sprintf("%s binary not found", b.cfg.Binary)).
			WithCause(err).WithBackend(b.cfg.Name).WithRetryable(false)
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return types.NewError(types.ErrBackendUnavailable, "start container").WithCause(err).WithBackend(b.cfg.Name)
	}

	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = exitErr.Error()
	}
	code := exitErr.ExitCode()
	switch code {
	case exitDaemonError:
		return types.Errorf(types.ErrBackendUnavailable, "docker run failed: %s", msg).WithBackend(b.cfg.Name)
	case exitNotExecutable, exitNotFound:
		return types.Errorf(types.ErrBackendRejected, "container command not runnable (exit %d): %s", code, msg).
			WithBackend(b.cfg.Name)
	default:
		return types.Errorf(types.ErrBackend, "container exited with code %d: %s", code, msg).WithBackend(b.cfg.Name)
	}
}
