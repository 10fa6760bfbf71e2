package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BaSui01/agentorch/engine"
	"github.com/BaSui01/agentorch/workflow"
	"go.uber.org/zap"
)

// =============================================================================
// ▶️ run 命令：在本进程内执行工作流定义
// =============================================================================

func runWorkflow(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("f", "", "Workflow definition file (YAML)")
	configPath := fs.String("config", "", "Path to config file")
	execType := fs.String("type", "", "Default execution type")
	skipCache := fs.Bool("skip-cache", false, "Bypass the result cache")
	taskTimeout := fs.Duration("task-timeout", 0, "Per-task timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *file == "" {
		fmt.Fprintln(stderr, "run: -f <workflow.yaml> is required")
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	// stdout 留给结果 JSON
	cfg.Log.OutputPaths = []string{"stderr"}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	data, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to read workflow: %v\n", err)
		return 1
	}

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to assemble application: %v\n", err)
		return 1
	}
	defer func() {
		if err := app.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
	}()

	orch := app.Orchestrator()
	wf, err := orch.LoadDefinition(data)
	if err != nil {
		fmt.Fprintf(stderr, "Invalid workflow: %v\n", err)
		return 1
	}

	defaultType := *execType
	if defaultType == "" {
		defaultType = cfg.Engine.DefaultExecutionType
	}
	res, err := orch.ExecuteWorkflow(ctx, wf.ID, "", engine.WorkflowOptions{
		DefaultExecutionType: defaultType,
		SkipCache:            *skipCache,
		TaskTimeout:          *taskTimeout,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Execution failed: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		fmt.Fprintf(stderr, "Failed to write result: %v\n", err)
		return 1
	}
	if !res.Success {
		return 1
	}
	return 0
}

// =============================================================================
// ✅ validate 命令：校验定义并打印执行层级
// =============================================================================

func runValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("f", "", "Workflow definition file (YAML)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *file == "" {
		fmt.Fprintln(stderr, "validate: -f <workflow.yaml> is required")
		return 2
	}

	def, err := workflow.LoadDefinitionFile(*file)
	if err != nil {
		fmt.Fprintf(stderr, "Invalid workflow: %v\n", err)
		return 1
	}
	wf, err := def.Build()
	if err != nil {
		fmt.Fprintf(stderr, "Invalid workflow: %v\n", err)
		return 1
	}
	batches, err := workflow.ReadyBatches(wf)
	if err != nil {
		fmt.Fprintf(stderr, "Invalid workflow: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "%s: %d tasks, %d levels\n", wf.Name, wf.Len(), len(batches))
	for i, batch := range batches {
		ids := make([]string, len(batch))
		for j, t := range batch {
			ids[j] = t.ID
		}
		fmt.Fprintf(stdout, "  level %d: %s\n", i, strings.Join(ids, ", "))
	}
	return 0
}
