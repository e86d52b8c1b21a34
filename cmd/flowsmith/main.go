// =============================================================================
// FlowSmith 主入口
// =============================================================================
// 命令行入口点，包含工作流执行、定义校验、版本信息
//
// 使用方法:
//
//	flowsmith run -workflow pipeline.yaml              # 执行工作流
//	flowsmith run -workflow pipeline.yaml -input '{}'  # 指定运行输入
//	flowsmith validate -workflow pipeline.yaml         # 校验工作流定义
//	flowsmith version                                  # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/flowsmith/flowsmith"
	"github.com/flowsmith/flowsmith/config"
	"github.com/flowsmith/flowsmith/tools/openapi"
	"github.com/flowsmith/flowsmith/types"
	"github.com/flowsmith/flowsmith/workflow"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runRun(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🚀 run 命令
// =============================================================================

func runRun(args []string) {
	// 解析命令行参数
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	workflowPath := fs.String("workflow", "", "Path to the workflow definition (YAML or JSON)")
	inputJSON := fs.String("input", "{}", "Run input as a JSON object")
	toolsPath := fs.String("tools", "", "Path to a JSON file with tool definitions to register")
	openapiSource := fs.String("openapi", "", "OpenAPI document (URL or file) to import REST tools from")
	storeKind := fs.String("store", "memory", "Backing store: memory, redis or database")
	timeout := fs.Duration("timeout", 5*time.Minute, "How long to wait for the run to finish")
	fs.Parse(args)

	if *workflowPath == "" {
		fmt.Fprintln(os.Stderr, "Missing required flag: -workflow")
		fs.Usage()
		os.Exit(1)
	}

	var input map[string]any
	if err := json.Unmarshal([]byte(*inputJSON), &input); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid -input JSON: %v\n", err)
		os.Exit(1)
	}

	def, err := workflow.LoadDefinition(*workflowPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load workflow: %v\n", err)
		os.Exit(1)
	}

	// 加载配置
	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := flowsmith.NewLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting FlowSmith",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	opts := []flowsmith.Option{
		flowsmith.WithConfig(cfg),
		flowsmith.WithLogger(logger),
	}
	switch *storeKind {
	case "", "memory":
	case "redis":
		opts = append(opts, flowsmith.WithRedis())
	case "database":
		opts = append(opts, flowsmith.WithDatabase())
	default:
		fmt.Fprintf(os.Stderr, "Unknown store %q (supported: memory, redis, database)\n", *storeKind)
		os.Exit(1)
	}

	engine, err := flowsmith.New(opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build engine: %v\n", err)
		os.Exit(1)
	}

	if *toolsPath != "" {
		if err := registerToolFile(engine, *toolsPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to register tools: %v\n", err)
			os.Exit(1)
		}
	}

	if *openapiSource != "" {
		loadCtx, loadCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defs, err := engine.ImportOpenAPITools(loadCtx, *openapiSource, openapi.Options{})
		loadCancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to import OpenAPI tools: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("🔌 Imported %d tools from %s\n", len(defs), *openapiSource)
	}

	if err := engine.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start engine: %v\n", err)
		os.Exit(1)
	}

	code := executeRun(engine, def, input, *timeout)

	// 先停引擎再退出，让挂起的事件和日志落地
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := engine.Stop(stopCtx); err != nil {
		logger.Warn("Engine shutdown reported errors", zap.Error(err))
	}
	logger.Sync()

	if code != 0 {
		os.Exit(code)
	}
}

// executeRun submits the workflow and waits for the terminal state. It
// returns an exit code instead of exiting so the caller can stop the
// engine cleanly on every path.
func executeRun(engine *flowsmith.Engine, def *workflow.Definition, input map[string]any, timeout time.Duration) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := engine.RegisterWorkflow(ctx, def); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to register workflow: %v\n", err)
		return 1
	}

	runID, err := engine.SubmitRun(ctx, def.ID, input, workflow.RunOptions{Submitter: "cli"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to submit run: %v\n", err)
		return 1
	}

	fmt.Printf("🚀 Run %s submitted (workflow %s)\n", runID, def.Name)

	run, err := engine.AwaitRun(ctx, runID)
	if err != nil {
		// 超时或中断时尽力取消，避免残留运行
		cancelCtx, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelStop()
		if cancelErr := engine.CancelRun(cancelCtx, runID); cancelErr != nil {
			fmt.Fprintf(os.Stderr, "Failed to cancel run %s: %v\n", runID, cancelErr)
		}
		fmt.Fprintf(os.Stderr, "Run did not finish: %v\n", err)
		return 1
	}

	printRun(run)
	if run.Status != workflow.RunStatusCompleted {
		return 1
	}
	return 0
}

// registerToolFile loads tool definitions from a JSON file and registers
// each one. Function-type tools still need their handlers wired in code;
// the file form is meant for REST, browser and retrieval tools whose
// behavior lives entirely in the definition.
func registerToolFile(engine *flowsmith.Engine, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read tools file: %w", err)
	}

	var defs []types.ToolDefinition
	if err := json.Unmarshal(data, &defs); err != nil {
		return fmt.Errorf("parse tools file: %w", err)
	}

	for i := range defs {
		if err := engine.RegisterTool(&defs[i]); err != nil {
			return fmt.Errorf("register tool %s: %w", defs[i].ID, err)
		}
	}
	return nil
}

// printRun renders the terminal run state: overall status, per-node
// results in execution order, then the output document.
func printRun(run *workflow.Run) {
	fmt.Printf("\n📋 Run %s: %s", run.ID, run.Status)
	if run.Error != "" {
		fmt.Printf(" (%s)", run.Error)
	}
	fmt.Println()

	if len(run.Records) > 0 {
		records := make([]*workflow.NodeExecutionRecord, 0, len(run.Records))
		for _, rec := range run.Records {
			records = append(records, rec)
		}
		sort.Slice(records, func(i, j int) bool {
			if records[i].StartedAt.Equal(records[j].StartedAt) {
				return records[i].NodeID < records[j].NodeID
			}
			return records[i].StartedAt.Before(records[j].StartedAt)
		})

		fmt.Println("\nNodes:")
		for _, rec := range records {
			line := fmt.Sprintf("  %-24s %-10s", rec.NodeID, rec.Status)
			if !rec.StartedAt.IsZero() && !rec.FinishedAt.IsZero() {
				line += fmt.Sprintf("  %v", rec.FinishedAt.Sub(rec.StartedAt).Round(time.Millisecond))
			}
			if rec.Error != "" {
				line += "  " + rec.Error
			}
			fmt.Println(line)
		}
	}

	if run.Output != nil {
		data, err := json.MarshalIndent(run.Output, "", "  ")
		if err == nil {
			fmt.Printf("\nOutput:\n%s\n", data)
		}
	}
}

// =============================================================================
// ✅ validate 命令
// =============================================================================

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	workflowPath := fs.String("workflow", "", "Path to the workflow definition (YAML or JSON)")
	fs.Parse(args)

	if *workflowPath == "" {
		if rest := fs.Args(); len(rest) > 0 {
			*workflowPath = rest[0]
		}
	}
	if *workflowPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: flowsmith validate -workflow <file>")
		os.Exit(1)
	}

	data, err := os.ReadFile(*workflowPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read workflow: %v\n", err)
		os.Exit(1)
	}

	// 直接反序列化而不用 LoadDefinition：定义有效时也要展示告警
	var def workflow.Definition
	switch strings.ToLower(filepath.Ext(*workflowPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &def)
	case ".json":
		err = json.Unmarshal(data, &def)
	default:
		fmt.Fprintf(os.Stderr, "Unsupported definition format %q (supported: .yaml, .yml, .json)\n", filepath.Ext(*workflowPath))
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse workflow: %v\n", err)
		os.Exit(1)
	}

	result := workflow.ValidateDefinition(&def)
	for _, warning := range result.Warnings {
		fmt.Printf("⚠️  %s\n", warning)
	}
	if !result.Valid {
		for _, problem := range result.Errors {
			fmt.Fprintf(os.Stderr, "❌ %s\n", problem)
		}
		fmt.Fprintf(os.Stderr, "\n%s: invalid (%d errors, %d warnings)\n",
			*workflowPath, len(result.Errors), len(result.Warnings))
		os.Exit(1)
	}

	fmt.Printf("✅ %s: valid (%d nodes, %d edges, %d warnings)\n",
		*workflowPath, len(def.Nodes), len(def.Edges), len(result.Warnings))
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("FlowSmith %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`FlowSmith - Workflow Orchestration Engine

Usage:
  flowsmith <command> [options]

Commands:
  run       Execute a workflow definition and wait for the result
  validate  Validate a workflow definition without running it
  version   Show version information
  help      Show this help message

Options for 'run':
  -workflow <path>   Workflow definition file, YAML or JSON (required)
  -input <json>      Run input as a JSON object (default: {})
  -tools <path>      JSON file with tool definitions to register
  -openapi <source>  OpenAPI document (URL or file) to import REST tools from
  -config <path>     Path to configuration file (YAML)
  -store <kind>      Backing store: memory, redis or database (default: memory)
  -timeout <dur>     How long to wait for the run (default: 5m)

Options for 'validate':
  -workflow <path>   Workflow definition file, YAML or JSON (required)

Examples:
  flowsmith run -workflow pipeline.yaml
  flowsmith run -workflow pipeline.yaml -input '{"ticket_id": 42}'
  flowsmith run -workflow pipeline.yaml -store redis -timeout 10m
  flowsmith validate -workflow pipeline.yaml
  flowsmith version

Database migrations are managed by the separate flowsmith-migrate binary.`)
}
