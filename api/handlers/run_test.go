package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/BaSui01/agentorch/internal/runstore"
	"github.com/BaSui01/agentorch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunStore struct {
	runs    []runstore.WorkflowRun
	lastOpt runstore.ListOptions
	err     error
}

func (f *fakeRunStore) ListRuns(_ context.Context, opts runstore.ListOptions) ([]runstore.WorkflowRun, error) {
	f.lastOpt = opts
	return f.runs, f.err
}

func (f *fakeRunStore) GetRun(_ context.Context, id string) (*runstore.WorkflowRun, error) {
	for i := range f.runs {
		if f.runs[i].ID == id {
			return &f.runs[i], nil
		}
	}
	return nil, types.Errorf(types.ErrWorkflowNotFound, "run %s not found", id)
}

func newRunMux(h *RunHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/runs", h.HandleList)
	mux.HandleFunc("GET /v1/runs/{id}", h.HandleGet)
	return mux
}

func TestRunHandler_List(t *testing.T) {
	store := &fakeRunStore{runs: []runstore.WorkflowRun{
		{ID: "r1", WorkflowID: "wf", Status: "completed", StartedAt: time.Now()},
	}}
	mux := newRunMux(NewRunHandler(store, nil))

	w := do(t, mux, http.MethodGet, "/v1/runs?workflow_id=wf&status=completed&limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	var runs []runstore.WorkflowRun
	decodeData(t, w, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)
	assert.Equal(t, runstore.ListOptions{WorkflowID: "wf", Status: "completed", Limit: 10}, store.lastOpt)
}

func TestRunHandler_ListErrors(t *testing.T) {
	store := &fakeRunStore{}
	mux := newRunMux(NewRunHandler(store, nil))

	for _, q := range []string{"limit=0", "limit=abc", "limit=501"} {
		w := do(t, mux, http.MethodGet, "/v1/runs?"+q, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}

	store.err = errors.New("db down")
	w := do(t, mux, http.MethodGet, "/v1/runs", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRunHandler_Get(t *testing.T) {
	store := &fakeRunStore{runs: []runstore.WorkflowRun{
		{ID: "r1", WorkflowID: "wf", Status: "failed", Tasks: []runstore.TaskRun{{RunID: "r1", TaskID: "a", Status: "failed"}}},
	}}
	mux := newRunMux(NewRunHandler(store, nil))

	w := do(t, mux, http.MethodGet, "/v1/runs/r1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var run runstore.WorkflowRun
	decodeData(t, w, &run)
	assert.Equal(t, "failed", run.Status)
	require.Len(t, run.Tasks, 1)
	assert.Equal(t, "a", run.Tasks[0].TaskID)

	w = do(t, mux, http.MethodGet, "/v1/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
