package handlers

import (
	"net/http"
	"time"

	"github.com/BaSui01/agentorch/engine"
	"github.com/BaSui01/agentorch/engine/circuitbreaker"
	"github.com/BaSui01/agentorch/orchestrator"
	"github.com/BaSui01/agentorch/types"
	"go.uber.org/zap"
)

// ExecutionHandler 单次执行、引擎状态与熔断器管理
type ExecutionHandler struct {
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

// NewExecutionHandler 创建执行处理器
func NewExecutionHandler(orch *orchestrator.Orchestrator, logger *zap.Logger) *ExecutionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecutionHandler{
		orch:   orch,
		logger: logger.With(zap.String("handler", "execution")),
	}
}

// ExecuteRequest 单次执行请求
type ExecuteRequest struct {
	Engine         string         `json:"engine,omitempty"`
	TaskID         string         `json:"task_id"`
	ExecutionType  string         `json:"execution_type,omitempty"`
	Parameters     map[string]any `json:"parameters"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	SkipCache      bool           `json:"skip_cache,omitempty"`
}

// EngineView 引擎状态
type EngineView struct {
	Name  string       `json:"name"`
	Stats engine.Stats `json:"stats"`
}

// BreakerView 某个引擎下的熔断器快照
type BreakerView struct {
	Engine   string                    `json:"engine"`
	Breakers []circuitbreaker.Snapshot `json:"breakers"`
}

// HandleExecute POST /v1/executions
func (h *ExecutionHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.TaskID == "" {
		WriteError(w, types.NewError(types.ErrValidation, "task_id is required"), h.logger)
		return
	}
	if req.TimeoutSeconds < 0 {
		WriteError(w, types.NewError(types.ErrValidation, "timeout_seconds must be >= 0"), h.logger)
		return
	}

	res, err := h.orch.Execute(r.Context(), req.Engine, &engine.ExecutionRequest{
		TaskID:        req.TaskID,
		ExecutionType: req.ExecutionType,
		Parameters:    req.Parameters,
		Timeout:       time.Duration(req.TimeoutSeconds) * time.Second,
		SkipCache:     req.SkipCache,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, res)
}

// HandleListEngines GET /v1/engines
func (h *ExecutionHandler) HandleListEngines(w http.ResponseWriter, r *http.Request) {
	names := h.orch.Engines()
	views := make([]EngineView, 0, len(names))
	for _, name := range names {
		a, err := h.orch.Engine(name)
		if err != nil {
			continue
		}
		views = append(views, EngineView{Name: name, Stats: a.Stats()})
	}
	WriteSuccess(w, views)
}

// HandleListBreakers GET /v1/breakers
func (h *ExecutionHandler) HandleListBreakers(w http.ResponseWriter, r *http.Request) {
	names := h.orch.Engines()
	views := make([]BreakerView, 0, len(names))
	for _, name := range names {
		a, err := h.orch.Engine(name)
		if err != nil {
			continue
		}
		views = append(views, BreakerView{Engine: name, Breakers: a.BreakerStats()})
	}
	WriteSuccess(w, views)
}

// HandleResetBreaker POST /v1/breakers/{name}/reset[?engine=x]
// 未指定 engine 时重置所有引擎下同名熔断器。
func (h *ExecutionHandler) HandleResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	engines := h.orch.Engines()
	if only := r.URL.Query().Get("engine"); only != "" {
		if _, err := h.orch.Engine(only); err != nil {
			WriteError(w, err, h.logger)
			return
		}
		engines = []string{only}
	}

	reset := make([]string, 0, len(engines))
	for _, en := range engines {
		a, err := h.orch.Engine(en)
		if err != nil {
			continue
		}
		if reg := a.Breakers(); reg != nil && reg.Reset(name) {
			reset = append(reset, en)
		}
	}
	if len(reset) == 0 {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrValidation, "circuit breaker "+name+" not found", h.logger)
		return
	}
	h.logger.Info("circuit breaker reset", zap.String("breaker", name), zap.Strings("engines", reset))
	WriteSuccess(w, map[string]any{"breaker": name, "engines": reset})
}
