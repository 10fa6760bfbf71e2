package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/agentorch/engine"
	"github.com/BaSui01/agentorch/internal/tlsutil"
	"github.com/BaSui01/agentorch/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ExecutionsPath is appended to the backend base URL.
const ExecutionsPath = "/v1/executions"

// HTTPConfig 远程执行服务配置
type HTTPConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	// Timeout 单次 HTTP 请求超时；执行整体超时由适配器控制
	Timeout time.Duration
	// RateLimit 每秒请求数；0 表示不限速
	RateLimit float64
	Burst     int
	Headers   map[string]string
}

// HTTPBackend 把执行请求 POST 到远程执行服务
type HTTPBackend struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

type httpExecuteRequest struct {
	TaskID string                `json:"task_id"`
	Spec   *engine.ExecutionSpec `json:"spec"`
}

// NewHTTPBackend 创建 HTTP 后端
func NewHTTPBackend(cfg HTTPConfig, logger *zap.Logger) (*HTTPBackend, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("http backend: base url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	b := &HTTPBackend{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("component", "http_backend"), zap.String("backend", cfg.Name)),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return b, nil
}

// Name implements engine.Backend.
func (b *HTTPBackend) Name() string { return b.cfg.Name }

// Execute implements engine.Backend.
func (b *HTTPBackend) Execute(ctx context.Context, req *engine.BackendRequest) (map[string]any, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, MapTransportError(ctx, err, b.cfg.Name)
			}
			return nil, types.NewError(types.ErrRateLimited, "client rate limit exceeded").
				WithCause(err).WithBackend(b.cfg.Name)
		}
	}

	payload, err := json.Marshal(httpExecuteRequest{TaskID: req.TaskID, Spec: req.Spec})
	if err != nil {
		return nil, types.NewError(types.ErrValidation, "encode request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+ExecutionsPath, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrValidation, "build request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if b.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
	for k, v := range b.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, MapTransportError(ctx, err, b.cfg.Name)
	}
	defer resp.Body.Close()

	b.logger.Debug("backend responded",
		zap.String("task_id", req.TaskID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := readErrorMessage(resp.Body)
		return nil, MapHTTPError(resp.StatusCode, msg, b.cfg.Name, resp.Header)
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, types.NewError(types.ErrBackend, "decode response").
			WithCause(err).WithBackend(b.cfg.Name)
	}
	if r, ok := raw["result"]; ok {
		result, ok := r.(map[string]any)
		if !ok && r != nil {
			return nil, types.NewError(types.ErrBackend, fmt.Sprintf("result must be an object, got %T", r)).
				WithBackend(b.cfg.Name)
		}
		if result == nil {
			result = map[string]any{}
		}
		return result, nil
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}
