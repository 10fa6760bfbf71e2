package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/BaSui01/agentorch/engine"
	"github.com/BaSui01/agentorch/orchestrator"
	"github.com/BaSui01/agentorch/types"
	"github.com/BaSui01/agentorch/workflow"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// eventWriteTimeout 单条事件写入 websocket 的超时
const eventWriteTimeout = 5 * time.Second

// =============================================================================
// 🔀 工作流 Handler
// =============================================================================

// WorkflowHandler 工作流管理与执行处理器
type WorkflowHandler struct {
	orch           *orchestrator.Orchestrator
	logger         *zap.Logger
	defaultType    string
	originPatterns []string
}

// NewWorkflowHandler 创建工作流处理器。
// defaultType 是任务未声明 execution_type 且请求未指定时使用的类型；
// originPatterns 为允许的 websocket 来源（为空时仅同源）。
func NewWorkflowHandler(orch *orchestrator.Orchestrator, defaultType string, originPatterns []string, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{
		orch:           orch,
		logger:         logger.With(zap.String("handler", "workflow")),
		defaultType:    defaultType,
		originPatterns: originPatterns,
	}
}

// CreateWorkflowRequest 创建工作流请求。Definition 为 YAML 定义，与 Name/Tasks 二选一。
type CreateWorkflowRequest struct {
	Name        string              `json:"name,omitempty"`
	Description string              `json:"description,omitempty"`
	Tasks       []workflow.TaskSpec `json:"tasks,omitempty"`
	Definition  string              `json:"definition,omitempty"`
}

// ExecuteWorkflowRequest 执行工作流请求；请求体可省略
type ExecuteWorkflowRequest struct {
	Engine               string `json:"engine,omitempty"`
	DefaultExecutionType string `json:"default_execution_type,omitempty"`
	SkipCache            bool   `json:"skip_cache,omitempty"`
	TaskTimeoutSeconds   int    `json:"task_timeout_seconds,omitempty"`
}

// WorkflowView 工作流的 JSON 视图
type WorkflowView struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Status      workflow.Status  `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	Tasks       []*workflow.Task `json:"tasks"`
	// Order 为拓扑执行顺序；图中有环时为空，OrderError 说明原因
	Order      []string `json:"order,omitempty"`
	OrderError string   `json:"order_error,omitempty"`
}

// AsyncRunResponse 异步执行的响应
type AsyncRunResponse struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

// NewWorkflowView 生成工作流视图
func NewWorkflowView(w *workflow.Workflow) WorkflowView {
	v := WorkflowView{
		ID:          w.ID,
		Name:        w.Name,
		Description: w.Description,
		Status:      w.Status(),
		CreatedAt:   w.CreatedAt,
		Tasks:       w.Tasks(),
	}
	order, err := workflow.Order(w)
	if err != nil {
		v.OrderError = err.Error()
		return v
	}
	v.Order = make([]string, len(order))
	for i, t := range order {
		v.Order[i] = t.ID
	}
	return v
}

// HandleCreate POST /v1/workflows
func (h *WorkflowHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkflowRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	var (
		wf  *workflow.Workflow
		err error
	)
	if req.Definition != "" {
		wf, err = h.orch.LoadDefinition([]byte(req.Definition))
	} else {
		wf, err = h.orch.Define(&workflow.Definition{
			Name:        req.Name,
			Description: req.Description,
			Tasks:       req.Tasks,
		})
	}
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteStatus(w, http.StatusCreated, NewWorkflowView(wf))
}

// HandleList GET /v1/workflows
func (h *WorkflowHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	list := h.orch.Workflows()
	views := make([]WorkflowView, 0, len(list))
	for _, wf := range list {
		views = append(views, NewWorkflowView(wf))
	}
	WriteSuccess(w, views)
}

// HandleGet GET /v1/workflows/{id}
func (h *WorkflowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	wf, err := h.orch.Workflow(r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, NewWorkflowView(wf))
}

// HandleDelete DELETE /v1/workflows/{id}；运行中的工作流先被取消
func (h *WorkflowHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.orch.RemoveWorkflow(id) {
		WriteError(w, types.Errorf(types.ErrWorkflowNotFound, "workflow %s not found", id), h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAddTask POST /v1/workflows/{id}/tasks
func (h *WorkflowHandler) HandleAddTask(w http.ResponseWriter, r *http.Request) {
	var spec workflow.TaskSpec
	if err := DecodeJSONBody(w, r, &spec, h.logger); err != nil {
		return
	}
	id := r.PathValue("id")
	taskID, err := h.orch.AddTask(id, spec)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	wf, err := h.orch.Workflow(id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	task, _ := wf.Task(taskID)
	WriteStatus(w, http.StatusCreated, task)
}

// HandleExecute POST /v1/workflows/{id}/execute[?async=true]
// 同步执行返回汇总结果（失败体现在结果中）；异步执行返回 202 和 run ID。
func (h *WorkflowHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteWorkflowRequest
	if r.ContentLength != 0 {
		if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
			return
		}
	}
	if req.TaskTimeoutSeconds < 0 {
		WriteError(w, types.NewError(types.ErrValidation, "task_timeout_seconds must be >= 0"), h.logger)
		return
	}

	if req.DefaultExecutionType == "" {
		req.DefaultExecutionType = h.defaultType
	}

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	id := r.PathValue("id")
	opts := engine.WorkflowOptions{
		DefaultExecutionType: req.DefaultExecutionType,
		SkipCache:            req.SkipCache,
		TaskTimeout:          time.Duration(req.TaskTimeoutSeconds) * time.Second,
	}

	if async {
		runID, err := h.orch.Start(r.Context(), id, req.Engine, opts)
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		WriteStatus(w, http.StatusAccepted, AsyncRunResponse{WorkflowID: id, RunID: runID})
		return
	}

	res, err := h.orch.ExecuteWorkflow(r.Context(), id, req.Engine, opts)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, res)
}

// HandleCancel POST /v1/workflows/{id}/cancel
func (h *WorkflowHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.orch.Workflow(id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]bool{"cancelled": h.orch.Cancel(id)})
}

// HandleEvents GET /v1/workflows/{id}/events，以 websocket 推送运行事件
func (h *WorkflowHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.orch.Workflow(id); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	// 握手完成前订阅，客户端连上后不会漏掉事件
	events, unsubscribe := h.orch.Subscribe(id)
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		// Accept 已写出错误响应
		h.logger.Debug("websocket accept failed", zap.String("workflow_id", id), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// 客户端只读；CloseRead 在对端关闭时取消 ctx
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closing")
				return
			}
			if err := h.writeEvent(ctx, conn, ev); err != nil {
				h.logger.Debug("websocket write failed", zap.String("workflow_id", id), zap.Error(err))
				return
			}
		}
	}
}

func (h *WorkflowHandler) writeEvent(ctx context.Context, conn *websocket.Conn, ev orchestrator.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
