package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/agentorch/engine"
	"go.uber.org/zap"
)

// Backend kinds accepted by New.
const (
	KindHTTP   = "http"
	KindDocker = "docker"
	KindEcho   = "echo"
)

// Config selects and configures a backend.
type Config struct {
	Kind string
	Name string

	// http
	URL       string
	APIKey    string
	Timeout   time.Duration
	RateLimit float64
	Burst     int

	// docker
	DockerBinary string
	DockerArgs   []string
}

// New 按 Kind 创建后端
func New(cfg Config, logger *zap.Logger) (engine.Backend, error) {
	switch cfg.Kind {
	case KindHTTP:
		return NewHTTPBackend(HTTPConfig{
			Name:      cfg.Name,
			BaseURL:   cfg.URL,
			APIKey:    cfg.APIKey,
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
			Burst:     cfg.Burst,
		}, logger)
	case KindDocker:
		return NewDockerBackend(DockerConfig{
			Name:      cfg.Name,
			Binary:    cfg.DockerBinary,
			ExtraArgs: cfg.DockerArgs,
		}, logger), nil
	case KindEcho, "":
		return NewEchoBackend(cfg.Name), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

// EchoBackend returns the decoded spec as the result. Useful for dry runs
// of workflow definitions.
type EchoBackend struct {
	name string
}

// NewEchoBackend creates an echo backend.
func NewEchoBackend(name string) *EchoBackend {
	if name == "" {
		name = KindEcho
	}
	return &EchoBackend{name: name}
}

// Name implements engine.Backend.
func (b *EchoBackend) Name() string { return b.name }

// Execute implements engine.Backend.
func (b *EchoBackend) Execute(ctx context.Context, req *engine.BackendRequest) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, MapTransportError(ctx, err, b.name)
	}
	out := map[string]any{"task_id": req.TaskID}
	if req.Spec != nil {
		out["type"] = req.Spec.Type
		switch {
		case req.Spec.Container != nil:
			out["image"] = req.Spec.Container.Image
			out["command"] = req.Spec.Container.Command
		case req.Spec.Pipeline != nil:
			out["definition"] = req.Spec.Pipeline.Definition
		}
		if len(req.Spec.Upstream) > 0 {
			out["upstream"] = req.Spec.Upstream
		}
	}
	return out, nil
}
