// =============================================================================
// TaskFlow 主入口
// =============================================================================
// 工作流编排服务，包含控制 API、事件流、健康检查、Prometheus 指标与数据库迁移
//
// 使用方法:
//
//	taskflow serve --config config.yaml  # 启动服务（默认命令）
//	taskflow validate pipeline.yaml      # 离线校验工作流定义并打印执行层级
//	taskflow migrate up                  # 运行数据库迁移
//	taskflow health --path /ready        # 探测运行中的服务
//	taskflow version                     # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/taskflow/config"
	"github.com/BaSui01/taskflow/workflow"
	"github.com/BaSui01/taskflow/workflow/dsl"
)

// 构建时通过 -ldflags 注入
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

type command struct {
	name    string
	summary string
	run     func(args []string) int
}

var commands []command

func init() {
	commands = []command{
		{"serve", "Start the TaskFlow server (default)", runServe},
		{"validate", "Check workflow DSL files and print their levels", runValidate},
		{"migrate", "Database migration commands", runMigrate},
		{"health", "Probe a running server", runHealthCheck},
		{"version", "Show version information", func([]string) int { printVersion(os.Stdout); return 0 }},
		{"help", "Show this help message", func([]string) int { printUsage(os.Stdout); return 0 }},
	}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") && args[0] != "-h" && args[0] != "--help" {
		// taskflow --config x.yaml 等价于 taskflow serve --config x.yaml
		return runServe(args)
	}
	name, rest := args[0], args[1:]
	if name == "-h" || name == "--help" {
		name = "help"
	}
	for _, c := range commands {
		if c.name == name {
			return c.run(rest)
		}
	}
	fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", name)
	printUsage(os.Stderr)
	return 1
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	level := zap.NewAtomicLevelAt(parseLevel(cfg.Log.Level))
	logger := initLogger(cfg.Log, level)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting taskflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	srv, err := NewServer(cfg, *configPath, logger, level)
	if err != nil {
		logger.Error("failed to build server", zap.Error(err))
		return 1
	}
	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		return 1
	}
	logger.Info("taskflow stopped")
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewLoader().
		WithConfigPath(path).
		Strict().
		WithValidator((*config.Config).Validate).
		Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// runValidate 按 DSL 格式校验每个文件（支持 depends_on 与变量），全部通过时返回 0
func runValidate(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: taskflow validate <file.yaml|file.json>...")
		return 2
	}
	failed := 0
	for _, file := range args {
		if err := validateFile(os.Stdout, file); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", file, err)
			failed++
		}
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func validateFile(w io.Writer, file string) error {
	def, err := dsl.NewParser().ParseFile(file)
	if err != nil {
		return err
	}
	levels, err := workflow.BuildLevels(def)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%s: %s, %d nodes, %d levels\n", file, def.ID, len(def.Nodes), len(levels))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, l := range levels {
		fmt.Fprintf(tw, "  L%d\t%s\n", l.Index, strings.Join(l.Nodes, ", "))
	}
	return tw.Flush()
}

func runHealthCheck(args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	path := fs.String("path", "/health", "Probe path, /ready includes dependency checks")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Get(strings.TrimSuffix(*addr, "/") + *path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Println("OK")
	return 0
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "TaskFlow %s\n  Build Time: %s\n  Git Commit: %s\n", Version, BuildTime, GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, "TaskFlow - workflow orchestration engine\n\nUsage:\n  taskflow <command> [options]\n\nCommands:\n")
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(tw, "  %s\t%s\n", c.name, c.summary)
	}
	_ = tw.Flush()
	fmt.Fprint(w, `
Examples:
  taskflow serve --config /etc/taskflow/config.yaml
  taskflow validate examples/etl.yaml
  taskflow migrate up --db-type sqlite --db-url file:taskflow.db
  taskflow health --addr http://localhost:8080 --path /ready
`)
}

// =============================================================================
// 日志
// =============================================================================

func parseLevel(s string) zapcore.Level {
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

// initLogger 按配置构建 logger。level 由调用方持有，热重载时直接修改。
func initLogger(cfg config.LogConfig, level zap.AtomicLevel) *zap.Logger {
	zc := zap.NewProductionConfig()
	zc.Level = level
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Format == "console" {
		zc.Encoding = "console"
		zc.Development = true
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if len(cfg.OutputPaths) > 0 {
		zc.OutputPaths = cfg.OutputPaths
	}
	zc.DisableCaller = !cfg.EnableCaller
	zc.DisableStacktrace = !cfg.EnableStacktrace
	zc.Sampling = nil

	logger, err := zc.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
		logger.Warn("falling back to default logger", zap.Error(err))
	}
	return logger
}
