package main

import (
	"context"
	"net/http"

	"github.com/BaSui01/agentorch/api/handlers"
	"github.com/BaSui01/agentorch/config"
	"github.com/BaSui01/agentorch/internal/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// skipAuthPaths 不需要认证的端点
var skipAuthPaths = []string{"/health", "/healthz", "/version", "/metrics"}

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 agentorch 的 HTTP 服务
type Server struct {
	cfg    *config.Config
	app    *App
	logger *zap.Logger

	httpManager *server.Manager
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config, app *App, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, app: app, logger: logger}
}

// Handler 构建路由与中间件链。ctx 结束时限流器的清理协程退出。
func (s *Server) Handler(ctx context.Context) http.Handler {
	orch := s.app.Orchestrator()

	health := handlers.NewHealthHandler(Version, s.logger)
	for _, c := range s.app.checks {
		health.RegisterCheck(c)
	}
	workflows := handlers.NewWorkflowHandler(orch, s.cfg.Engine.DefaultExecutionType, s.cfg.Server.CORSAllowedOrigins, s.logger)
	executions := handlers.NewExecutionHandler(orch, s.logger)

	mux := http.NewServeMux()

	// 健康检查与指标
	mux.HandleFunc("GET /healthz", health.HandleHealthz)
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /version", health.HandleVersion(BuildTime, GitCommit))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.app.registry, promhttp.HandlerOpts{}))

	// 工作流
	mux.HandleFunc("POST /v1/workflows", workflows.HandleCreate)
	mux.HandleFunc("GET /v1/workflows", workflows.HandleList)
	mux.HandleFunc("GET /v1/workflows/{id}", workflows.HandleGet)
	mux.HandleFunc("DELETE /v1/workflows/{id}", workflows.HandleDelete)
	mux.HandleFunc("POST /v1/workflows/{id}/tasks", workflows.HandleAddTask)
	mux.HandleFunc("POST /v1/workflows/{id}/execute", workflows.HandleExecute)
	mux.HandleFunc("POST /v1/workflows/{id}/cancel", workflows.HandleCancel)
	mux.HandleFunc("GET /v1/workflows/{id}/events", workflows.HandleEvents)

	// 单次执行与引擎状态
	mux.HandleFunc("POST /v1/executions", executions.HandleExecute)
	mux.HandleFunc("GET /v1/engines", executions.HandleListEngines)
	mux.HandleFunc("GET /v1/breakers", executions.HandleListBreakers)
	mux.HandleFunc("POST /v1/breakers/{name}/reset", executions.HandleResetBreaker)

	// 运行历史仅在启用数据库时注册
	if s.app.store != nil {
		runs := handlers.NewRunHandler(s.app.store, s.logger)
		mux.HandleFunc("GET /v1/runs", runs.HandleList)
		mux.HandleFunc("GET /v1/runs/{id}", runs.HandleGet)
	}

	chain := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.app.metrics),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
	}
	if len(s.cfg.Auth.APIKeys) > 0 {
		chain = append(chain, APIKeyAuth(s.cfg.Auth.APIKeys, skipAuthPaths, s.logger))
	}
	if s.cfg.Auth.JWT.Enabled() {
		chain = append(chain, JWTAuth(s.cfg.Auth.JWT, skipAuthPaths, s.logger))
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		chain = append(chain, RateLimiter(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}
	return Chain(mux, chain...)
}

// Run 启动 HTTP 服务并阻塞到 ctx 结束或服务出错，随后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	handlerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.httpManager = server.NewManager(s.Handler(handlerCtx), server.ConfigFromSettings(s.cfg.Server), s.logger)
	s.logger.Info("HTTP server starting", zap.Int("port", s.cfg.Server.HTTPPort))
	return s.httpManager.Run(ctx)
}
