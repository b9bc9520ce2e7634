package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/BaSui01/digigami/api/handlers"
	"github.com/BaSui01/digigami/config"
	"github.com/BaSui01/digigami/generation"
	"github.com/BaSui01/digigami/internal/database"
	"github.com/BaSui01/digigami/internal/events"
	"github.com/BaSui01/digigami/internal/history"
	"github.com/BaSui01/digigami/internal/metrics"
	"github.com/BaSui01/digigami/internal/server"
	"github.com/BaSui01/digigami/internal/storage"
	"github.com/BaSui01/digigami/internal/telemetry"
	"github.com/BaSui01/digigami/threed"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 gen3d 的主服务器
type Server struct {
	cfg    *config.Config
	loader *config.Loader
	logger *zap.Logger
	level  zap.AtomicLevel

	telemetry *telemetry.Providers

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 指标
	registry         *prometheus.Registry
	metricsCollector *metrics.Collector

	// 生成管线
	store       storage.ResultStore
	historyRepo *history.Repository
	historyPool *database.PoolManager
	publisher   *events.Publisher
	service     *generation.Service

	// Handlers
	healthHandler *handlers.HealthHandler
	gen3dHandler  *handlers.Gen3DHandler
	wsHandler     *handlers.WSHandler

	// 配置热重载
	watcher *config.Watcher

	// 长连接随服务关闭而取消
	connCtx    context.Context
	connCancel context.CancelFunc

	// Rate limiter 生命周期管理
	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, loader *config.Loader, logger *zap.Logger, level zap.AtomicLevel, otel *telemetry.Providers) *Server {
	connCtx, connCancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		loader:     loader,
		logger:     logger,
		level:      level,
		telemetry:  otel,
		connCtx:    connCtx,
		connCancel: connCancel,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start(ctx context.Context) error {
	// 1. 初始化指标收集器
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metricsCollector = metrics.NewCollector("gen3d", s.registry, s.logger)

	// 2. 初始化生成管线
	if err := s.initPipeline(ctx); err != nil {
		return fmt.Errorf("failed to init generation pipeline: %w", err)
	}

	// 3. 初始化 Handlers
	s.initHandlers()

	// 4. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 5. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 6. 配置热重载
	if err := s.startWatcher(ctx); err != nil {
		s.logger.Warn("config watcher not started", zap.Error(err))
	}

	s.logger.Info("All servers started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.String("metrics_addr", s.metricsAddr()),
		zap.Strings("backends", backendNames(s.service.Backends())),
		zap.Bool("history_enabled", s.historyRepo != nil),
		zap.Bool("events_enabled", s.publisher != nil),
		zap.Bool("hot_reload_enabled", s.watcher != nil),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initPipeline 组装存储、历史、事件与生成服务
func (s *Server) initPipeline(ctx context.Context) error {
	store, err := storage.New(s.cfg.Storage, s.logger)
	if err != nil {
		return err
	}
	s.store = store

	observers := []generation.Observer{s.metricsCollector}

	if s.cfg.History.Enabled {
		repo, pool, err := history.Open(ctx, s.cfg.History.Database, s.logger)
		if err != nil {
			s.logger.Warn("History database not available, history endpoints disabled", zap.Error(err))
		} else {
			s.historyRepo, s.historyPool = repo, pool
			observers = append(observers, history.NewRecorder(repo, s.logger))
		}
	}

	if s.cfg.Redis.Enabled {
		pub, err := events.NewPublisher(s.cfg.Redis, s.logger)
		if err != nil {
			s.logger.Warn("Redis not available, progress events disabled", zap.Error(err))
		} else {
			s.publisher = pub
			observers = append(observers, pub)
		}
	}

	clients := threed.NewClients(s.cfg.Backends, s.logger)
	if len(clients) == 0 {
		s.logger.Warn("no 3D generation backend configured, generate requests will fail")
	}

	s.service = generation.NewService(s.cfg.Generation, clients, s.store, s.logger,
		generation.WithDefaultBackend(s.cfg.Backends.Default),
		generation.WithObservers(observers...),
	)
	return nil
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(Version, s.logger)
	s.healthHandler.RegisterCheck(handlers.NewBackendsCheck(s.service.Backends, s.service.DefaultBackend))
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("storage", s.store.Ping))
	if s.historyPool != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.historyPool.Ping))
	}
	if s.publisher != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("redis", s.publisher.Ping))
	}

	opts := []handlers.Gen3DOption{
		handlers.WithPosesRoot(s.cfg.Poses.Root),
		handlers.WithMaxUploadBytes(s.cfg.Server.MaxUploadBytes),
	}
	if s.historyRepo != nil {
		opts = append(opts, handlers.WithHistory(s.historyRepo))
	}
	if s.publisher != nil {
		opts = append(opts, handlers.WithCluster(s.publisher))
	}
	s.gen3dHandler = handlers.NewGen3DHandler(s.service, s.logger, opts...)
	s.wsHandler = handlers.NewWSHandler(s.gen3dHandler, s.cfg.Server.WSOriginPatterns, s.logger)

	s.logger.Info("Handlers initialized")
}

// startWatcher 监听配置文件，仅在运行时应用日志级别
func (s *Server) startWatcher(ctx context.Context) error {
	if s.loader == nil || s.loader.ConfigPath() == "" {
		return nil
	}
	w, err := config.NewWatcher(s.loader, s.cfg, config.WithWatcherLogger(s.logger))
	if err != nil {
		return err
	}
	w.OnReload(func(old, updated *config.Config) {
		applyLogLevel(s.level, updated.Log.Level, s.logger)
		if old.Server.Addr != updated.Server.Addr || old.Storage != updated.Storage {
			s.logger.Warn("configuration change requires restart to take effect")
		}
	})
	if err := w.Start(ctx); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// publicPaths 不需要认证的路径
var publicPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}

// routes 构建路由表
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(BuildTime, GitCommit))

	// ========================================
	// 3D API 路由
	// ========================================
	s.gen3dHandler.Register(mux)
	mux.Handle("GET /ws/3d", BindContext(s.connCtx)(s.wsHandler))

	// 未单独配置 metrics 地址时挂在主端口
	if s.cfg.Server.MetricsAddr == "" {
		mux.Handle("/metrics", s.metricsHandler())
	}
	return mux
}

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := s.routes()

	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
	}
	if s.telemetry.Enabled() {
		middlewares = append(middlewares, OTelTracing())
	}
	middlewares = append(middlewares,
		MetricsMiddleware(s.metricsCollector),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
	)
	if s.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares,
			RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger))
	}
	if len(s.cfg.Server.APIKeys) > 0 {
		middlewares = append(middlewares,
			APIKeyAuth(s.cfg.Server.APIKeys, publicPaths, s.cfg.Server.AllowQueryAPIKey, s.logger))
	} else {
		s.logger.Warn("no API keys configured, 3D endpoints are unauthenticated")
	}

	s.httpManager = server.NewManager(Chain(mux, middlewares...), s.cfg.Server.HTTPConfig(), s.logger)
	s.httpManager.RegisterOnShutdown(s.connCancel)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.String("addr", s.httpManager.Addr()))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) metricsHandler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

func (s *Server) metricsAddr() string {
	if s.metricsManager != nil {
		return s.metricsManager.Addr()
	}
	return s.httpManager.Addr()
}

// startMetricsServer 在独立地址上暴露 /metrics
func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metricsHandler())

	serverConfig := server.DefaultConfig()
	serverConfig.Name = "metrics"
	serverConfig.Addr = s.cfg.Server.MetricsAddr
	serverConfig.ReadTimeout = s.cfg.Server.ReadTimeout
	serverConfig.ShutdownTimeout = s.cfg.Server.ShutdownTimeout

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.String("addr", s.metricsManager.Addr()))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 阻塞直到收到信号或 ctx 结束，然后优雅关闭
func (s *Server) WaitForShutdown(ctx context.Context) error {
	var err error
	if s.httpManager != nil {
		err = s.httpManager.WaitForShutdown(ctx)
	}
	s.Shutdown()
	return err
}

// Shutdown 优雅关闭所有服务。可重复调用。
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 0. 停止 rate limiter 清理 goroutine 与配置监听
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}

	// 1. 关闭 HTTP 服务器，并取消 WebSocket 会话
	s.connCancel()
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 3. 释放后端会话与外部连接
	if s.service != nil {
		if err := s.service.Close(); err != nil {
			s.logger.Error("Generation service shutdown error", zap.Error(err))
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("Event publisher shutdown error", zap.Error(err))
		}
		s.publisher = nil
	}
	if s.historyPool != nil {
		if err := s.historyPool.Close(); err != nil {
			s.logger.Error("History database shutdown error", zap.Error(err))
		}
		s.historyPool = nil
	}

	// 4. 刷新遥测数据
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}

func backendNames(bs []threed.Backend) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = b.String()
	}
	return out
}
