// =============================================================================
// 📦 Digigami 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"github.com/BaSui01/digigami/generation"
	"github.com/BaSui01/digigami/internal/database"
	"github.com/BaSui01/digigami/internal/events"
	"github.com/BaSui01/digigami/internal/server"
	"github.com/BaSui01/digigami/internal/storage"
	"github.com/BaSui01/digigami/internal/telemetry"
	"github.com/BaSui01/digigami/threed"
)

// DefaultMaxUploadBytes 是默认的上传大小上限
const DefaultMaxUploadBytes int64 = 20 << 20

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Backends:   threed.DefaultConfigs(),
		Generation: generation.DefaultConfig(),
		Storage:    storage.DefaultConfig(),
		History:    DefaultHistoryConfig(),
		Redis:      events.DefaultConfig(),
		Poses:      PosesConfig{},
		Log:        DefaultLogConfig(),
		Telemetry:  telemetry.DefaultConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	srv := server.DefaultConfig()
	return ServerConfig{
		Addr:            srv.Addr,
		ReadTimeout:     srv.ReadTimeout,
		WriteTimeout:    srv.WriteTimeout,
		IdleTimeout:     srv.IdleTimeout,
		ShutdownTimeout: srv.ShutdownTimeout,
		RateLimitRPS:    20,
		RateLimitBurst:  40,
		MaxUploadBytes:  DefaultMaxUploadBytes,
	}
}

// DefaultHistoryConfig 返回默认历史配置：启用，本地 sqlite
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		Enabled:  true,
		Database: database.DefaultConfig(),
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}
