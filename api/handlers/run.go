package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/BaSui01/agentorch/internal/runstore"
	"github.com/BaSui01/agentorch/types"
	"go.uber.org/zap"
)

// maxListLimit 单次查询的最大条数
const maxListLimit = 500

// RunStore 运行记录查询接口
type RunStore interface {
	ListRuns(ctx context.Context, opts runstore.ListOptions) ([]runstore.WorkflowRun, error)
	GetRun(ctx context.Context, runID string) (*runstore.WorkflowRun, error)
}

// RunHandler 运行历史查询处理器
type RunHandler struct {
	store  RunStore
	logger *zap.Logger
}

// NewRunHandler 创建运行历史处理器
func NewRunHandler(store RunStore, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{store: store, logger: logger.With(zap.String("handler", "run"))}
}

// HandleList GET /v1/runs?workflow_id=&status=&limit=
func (h *RunHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := runstore.ListOptions{
		WorkflowID: q.Get("workflow_id"),
		Status:     q.Get("status"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxListLimit {
			WriteError(w, types.Errorf(types.ErrValidation, "limit must be between 1 and %d", maxListLimit), h.logger)
			return
		}
		opts.Limit = n
	}

	runs, err := h.store.ListRuns(r.Context(), opts)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, runs)
}

// HandleGet GET /v1/runs/{id}
func (h *RunHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, run)
}
