package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/BaSui01/agentorch/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Enabled = true
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = filepath.Join(t.TempDir(), "runs.db")
	cfg.Server.RateLimitRPS = 0
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	logger := zaptest.NewLogger(t)

	app, err := NewApp(ctx, cfg, logger)
	require.NoError(t, err)

	ts := httptest.NewServer(NewServer(cfg, app, logger).Handler(ctx))
	t.Cleanup(func() {
		ts.Close()
		cancel()
		assert.NoError(t, app.Close(context.Background()))
	})
	return ts
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func call(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, envelope) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &env))
	}
	return resp, env
}

func TestServer_HealthAndVersion(t *testing.T) {
	ts := newTestServer(t, testConfig(t))

	resp, _ := call(t, http.MethodGet, ts.URL+"/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	hr, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer hr.Body.Close()
	var health struct {
		Status string                    `json:"status"`
		Checks map[string]map[string]any `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(hr.Body).Decode(&health))
	assert.Equal(t, http.StatusOK, hr.StatusCode)
	assert.Equal(t, "healthy", health.Status)
	assert.Contains(t, health.Checks, "database")

	resp, env := call(t, http.MethodGet, ts.URL+"/version", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(env.Data), Version)
}

func TestServer_WorkflowLifecycleIsRecorded(t *testing.T) {
	ts := newTestServer(t, testConfig(t))

	resp, env := call(t, http.MethodPost, ts.URL+"/v1/workflows", map[string]any{
		"name": "nightly",
		"tasks": []map[string]any{
			{"id": "fetch", "name": "Fetch", "inputs": map[string]any{"image": "alpine:3"}},
			{"id": "score", "name": "Score", "depends_on": []string{"fetch"},
				"inputs": map[string]any{"image": "python:3"}},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var view struct {
		ID    string   `json:"id"`
		Order []string `json:"order"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, []string{"fetch", "score"}, view.Order)

	resp, env = call(t, http.MethodPost, ts.URL+"/v1/workflows/"+view.ID+"/execute", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result struct {
		RunID   string `json:"run_id"`
		Success bool   `json:"success"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.True(t, result.Success)
	require.NotEmpty(t, result.RunID)

	resp, env = call(t, http.MethodGet, ts.URL+"/v1/runs?workflow_id="+view.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, result.RunID, runs[0].ID)

	resp, env = call(t, http.MethodGet, ts.URL+"/v1/runs/"+result.RunID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(env.Data), `"task_id":"score"`)

	resp, _ = call(t, http.MethodGet, ts.URL+"/v1/engines", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, testConfig(t))

	call(t, http.MethodGet, ts.URL+"/v1/workflows", nil, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "agentorch_http_requests_total")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestServer_RunsRouteRequiresDatabase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Enabled = false
	ts := newTestServer(t, cfg)

	resp, _ := call(t, http.MethodGet, ts.URL+"/v1/runs", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_APIKeyAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.APIKeys = []string{"k1"}
	ts := newTestServer(t, cfg)

	resp, env := call(t, http.MethodGet, ts.URL+"/v1/workflows", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, errCodeUnauthorized, env.Error.Code)

	resp, _ = call(t, http.MethodGet, ts.URL+"/v1/workflows", nil, map[string]string{"X-API-Key": "k1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = call(t, http.MethodGet, ts.URL+"/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
