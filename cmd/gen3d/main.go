// =============================================================================
// gen3d 主入口
// =============================================================================
// 3D 生成服务入口，包含 HTTP/WebSocket 服务、命令行生成、健康检查
//
// 使用方法:
//
//	gen3d serve                                   # 启动服务
//	gen3d serve --config config.yaml              # 指定配置文件
//	gen3d generate --image front.png              # 单图生成
//	gen3d character --poses poses --name kyur     # 多视角角色生成
//	gen3d login                                   # MakerGrid 登录并打印令牌
//	gen3d health                                  # 健康检查
//	gen3d version                                 # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/digigami/config"
	"github.com/BaSui01/digigami/internal/telemetry"
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
	case "serve":
		runServe(os.Args[2:])
	case "generate":
		os.Exit(runGenerate(os.Args[2:]))
	case "character":
		os.Exit(runCharacter(os.Args[2:]))
	case "login":
		os.Exit(runLogin(os.Args[2:]))
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader, cfg := mustLoadConfig(*configPath)

	logger, level := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting gen3d",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	server := NewServer(cfg, loader, logger, level, otelProviders)

	if err := server.Start(context.Background()); err != nil {
		server.Shutdown()
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	if err := server.WaitForShutdown(context.Background()); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}

	logger.Info("gen3d stopped")
}

// mustLoadConfig 加载并校验配置，失败时退出
func mustLoadConfig(configPath string) (*config.Loader, *config.Config) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	return loader, cfg
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("OK")
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("gen3d %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`gen3d - image to 3D model generation service

Usage:
  gen3d <command> [options]

Commands:
  serve       Start the HTTP and WebSocket server
  generate    Generate a model from one image
  character   Generate a character model from a pose directory
  login       Exchange MakerGrid credentials for tokens
  version     Show version information
  health      Check server health
  help        Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Options for 'generate':
  --config <path>   Path to configuration file (YAML)
  --image <path>    Input image (PNG or JPEG)
  --backend <name>  tripo3d, meshy or makergrid (default: configured default)

Options for 'character':
  --config <path>   Path to configuration file (YAML)
  --poses <dir>     Directory holding <name>-<view>.png files
  --name <name>     Character name
  --backend <name>  Backend to use

Options for 'login':
  --config <path>   Path to configuration file (YAML)
  --username <u>    Overrides makergrid.username
  --password <p>    Overrides makergrid.password

Examples:
  gen3d serve --config /etc/gen3d/config.yaml
  gen3d generate --image front.png --backend meshy
  gen3d character --poses assets/poses --name kyur
  gen3d health --addr http://localhost:8080
  gen3d version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

// initLogger 构建 logger，并返回其级别句柄供热重载调整
func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	atomic := zap.NewAtomicLevelAt(level)

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             atomic,
		Development:       cfg.Format == "console",
		Encoding:          "json",
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}

	return logger, atomic
}

// applyLogLevel 热重载时调整日志级别，非法值保持不变
func applyLogLevel(level zap.AtomicLevel, name string, logger *zap.Logger) {
	parsed, err := zapcore.ParseLevel(name)
	if err != nil {
		logger.Warn("ignoring invalid log level", zap.String("level", name))
		return
	}
	if parsed == level.Level() {
		return
	}
	level.SetLevel(parsed)
	logger.Info("log level changed", zap.String("level", parsed.String()))
}
