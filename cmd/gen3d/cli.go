package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BaSui01/digigami/api/handlers"
	"github.com/BaSui01/digigami/config"
	"github.com/BaSui01/digigami/generation"
	"github.com/BaSui01/digigami/internal/history"
	"github.com/BaSui01/digigami/internal/storage"
	"github.com/BaSui01/digigami/threed"
	"github.com/BaSui01/digigami/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🧰 命令行生成
// =============================================================================

// cliRuntime 单次命令行生成所需的组件
type cliRuntime struct {
	cfg     *config.Config
	logger  *zap.Logger
	service *generation.Service
	closers []func() error
}

// newCLIRuntime 组装生成服务。CLI 日志写到 stderr，stdout 只输出结果 JSON。
func newCLIRuntime(ctx context.Context, configPath string) (*cliRuntime, error) {
	_, cfg := mustLoadConfig(configPath)
	logCfg := cfg.Log
	logCfg.OutputPaths = []string{"stderr"}
	logger, _ := initLogger(logCfg)

	store, err := storage.New(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	rt := &cliRuntime{cfg: cfg, logger: logger}
	var observers []generation.Observer
	if cfg.History.Enabled {
		repo, pool, err := history.Open(ctx, cfg.History.Database, logger)
		if err != nil {
			logger.Warn("history database not available, run will not be recorded", zap.Error(err))
		} else {
			observers = append(observers, history.NewRecorder(repo, logger))
			rt.closers = append(rt.closers, pool.Close)
		}
	}

	rt.service = generation.NewService(cfg.Generation, threed.NewClients(cfg.Backends, logger), store, logger,
		generation.WithDefaultBackend(cfg.Backends.Default),
		generation.WithObservers(observers...),
	)
	rt.closers = append(rt.closers, rt.service.Close)
	return rt, nil
}

func (rt *cliRuntime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("cleanup failed", zap.Error(err))
		}
	}
	_ = rt.logger.Sync()
}

// signalContext 在 SIGINT/SIGTERM 时取消，Ctrl-C 会取消正在进行的任务
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// backendOption 解析 --backend；空值使用默认后端
func backendOption(name string) (generation.Option, error) {
	if name == "" {
		return nil, nil
	}
	b, ok := threed.ParseBackend(name)
	if !ok {
		return nil, types.Errorf(types.ErrValidation, "unknown backend %q", name)
	}
	return generation.WithBackend(b), nil
}

// =============================================================================
// 🎯 generate / character
// =============================================================================

func runGenerate(args []string) int {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	imagePath := fs.String("image", "", "Input image (PNG or JPEG)")
	backend := fs.String("backend", "", "Backend name")
	quiet := fs.Bool("quiet", false, "Do not draw the progress bar")
	fs.Parse(args)

	if *imagePath == "" {
		fmt.Fprintln(os.Stderr, "generate: --image is required")
		return 2
	}
	backendOpt, err := backendOption(*backend)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate: %v\n", err)
		return 2
	}

	f, err := os.Open(*imagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate: %v\n", err)
		return 1
	}
	img, err := handlers.DecodeImage(f)
	f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate: %v\n", err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := newCLIRuntime(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate: %v\n", err)
		return 1
	}
	defer rt.close()

	bar := newProgressBar(os.Stderr, *quiet)
	task, err := rt.service.GenerateFromImage(ctx, img, backendOpt, generation.WithProgress(bar.Update))
	bar.Done()
	return printTask(os.Stdout, task, err)
}

func runCharacter(args []string) int {
	fs := flag.NewFlagSet("character", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	posesDir := fs.String("poses", "", "Directory holding <name>-<view>.png")
	name := fs.String("name", "", "Character name")
	backend := fs.String("backend", "", "Backend name")
	quiet := fs.Bool("quiet", false, "Do not draw the progress bar")
	fs.Parse(args)

	if *posesDir == "" || *name == "" {
		fmt.Fprintln(os.Stderr, "character: --poses and --name are required")
		return 2
	}
	backendOpt, err := backendOption(*backend)
	if err != nil {
		fmt.Fprintf(os.Stderr, "character: %v\n", err)
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()

	rt, err := newCLIRuntime(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "character: %v\n", err)
		return 1
	}
	defer rt.close()

	bar := newProgressBar(os.Stderr, *quiet)
	task, err := rt.service.GenerateCharacterFromPoses(ctx, *posesDir, *name, backendOpt, generation.WithProgress(bar.Update))
	bar.Done()
	return printTask(os.Stdout, task, err)
}

// printTask 输出任务 JSON；失败任务与错误返回非零退出码
func printTask(w io.Writer, task *threed.Task, err error) int {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if types.IsCode(err, types.ErrValidation) || types.IsCode(err, types.ErrUnsupported) {
			return 2
		}
		return 1
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(task)
	if task.Status != threed.StatusCompleted {
		return 1
	}
	return 0
}

// =============================================================================
// 🔑 login
// =============================================================================

func runLogin(args []string) int {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	username := fs.String("username", "", "MakerGrid username")
	password := fs.String("password", "", "MakerGrid password")
	fs.Parse(args)

	_, cfg := mustLoadConfig(*configPath)
	logCfg := cfg.Log
	logCfg.OutputPaths = []string{"stderr"}
	logger, _ := initLogger(logCfg)
	defer logger.Sync()

	mg := cfg.Backends.MakerGrid
	if *username != "" {
		mg.Username = *username
	}
	if *password != "" {
		mg.Password = *password
	}

	ctx, cancel := signalContext()
	defer cancel()

	tokens, err := threed.MakerGridLogin(ctx, mg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		return 1
	}
	return printTokens(os.Stdout, tokens)
}

// printTokens 打印令牌，便于写入 DIGIGAMI_MAKERGRID_TOKEN
func printTokens(w io.Writer, tokens *threed.MakerGridTokens) int {
	if name := tokens.Username(); name != "" {
		fmt.Fprintf(w, "user:    %s\n", name)
	}
	fmt.Fprintf(w, "access:  %s\n", tokens.Access)
	if tokens.Refresh != "" {
		fmt.Fprintf(w, "refresh: %s\n", tokens.Refresh)
	}
	if exp, ok := threed.TokenExpiry(tokens.Access); ok {
		fmt.Fprintf(w, "expires: %s (in %s)\n", exp.UTC().Format(time.RFC3339), time.Until(exp).Round(time.Second))
	}
	return 0
}

// =============================================================================
// 📈 进度条
// =============================================================================

const progressBarWidth = 30

// progressBar 在终端单行重绘进度
type progressBar struct {
	mu    sync.Mutex
	w     io.Writer
	quiet bool
	drawn bool
}

func newProgressBar(w io.Writer, quiet bool) *progressBar {
	return &progressBar{w: w, quiet: quiet}
}

// Update 满足 generation.ProgressFunc
func (b *progressBar) Update(percent float64, message string) {
	if b.quiet {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	fmt.Fprintf(b.w, "\r%s\x1b[K", renderBar(percent, message))
	b.drawn = true
}

// Done 结束当前行
func (b *progressBar) Done() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.drawn {
		fmt.Fprintln(b.w)
		b.drawn = false
	}
}

func renderBar(percent float64, message string) string {
	p := threed.ClampProgress(percent)
	filled := int(p / 100 * progressBarWidth)
	return fmt.Sprintf("[%s%s] %5.1f%% %s",
		strings.Repeat("#", filled),
		strings.Repeat("-", progressBarWidth-filled),
		p, message)
}
