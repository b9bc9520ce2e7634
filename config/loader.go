// =============================================================================
// 📦 Digigami 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("DIGIGAMI").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 旧版环境变量 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/digigami/generation"
	"github.com/BaSui01/digigami/internal/database"
	"github.com/BaSui01/digigami/internal/events"
	"github.com/BaSui01/digigami/internal/server"
	"github.com/BaSui01/digigami/internal/storage"
	"github.com/BaSui01/digigami/internal/telemetry"
	"github.com/BaSui01/digigami/threed"
	"github.com/BaSui01/digigami/types"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 gen3d 服务的完整配置结构
type Config struct {
	// Server HTTP 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Backends 各 3D 生成后端的凭据与默认参数
	Backends threed.Configs `yaml:"backends" env:"BACKENDS"`

	// Generation 编排器参数
	Generation generation.Config `yaml:"generation" env:"GENERATION"`

	// Storage 模型存储
	Storage storage.Config `yaml:"storage" env:"STORAGE"`

	// History 生成历史
	History HistoryConfig `yaml:"history" env:"HISTORY"`

	// Redis 集群事件镜像
	Redis events.Config `yaml:"redis" env:"REDIS"`

	// Poses 角色姿态目录
	Poses PosesConfig `yaml:"poses" env:"POSES"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry telemetry.Config `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// 监听地址
	Addr string `yaml:"addr" env:"ADDR"`
	// Metrics 监听地址，为空时 /metrics 挂在主端口上
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时；生成请求是长请求，默认 0 表示不限制
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 空闲超时
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// TLS 证书与私钥
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
	// API Keys，为空时关闭认证
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// 允许通过 ?api_key= 传递（WebSocket 浏览器客户端无法设置请求头）
	AllowQueryAPIKey bool `yaml:"allow_query_api_key" env:"ALLOW_QUERY_API_KEY"`
	// CORS 允许的来源
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// WebSocket 允许的来源主机模式
	WSOriginPatterns []string `yaml:"ws_origin_patterns" env:"WS_ORIGIN_PATTERNS"`
	// 每 IP 限流
	RateLimitRPS   int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 上传大小上限（字节）
	MaxUploadBytes int64 `yaml:"max_upload_bytes" env:"MAX_UPLOAD_BYTES"`
}

// HTTPConfig 转换为 server.Manager 的配置
func (s ServerConfig) HTTPConfig() server.Config {
	cfg := server.DefaultConfig()
	cfg.Name = "api"
	cfg.Addr = s.Addr
	cfg.ReadTimeout = s.ReadTimeout
	cfg.WriteTimeout = s.WriteTimeout
	cfg.IdleTimeout = s.IdleTimeout
	cfg.ShutdownTimeout = s.ShutdownTimeout
	cfg.TLSCertFile = s.TLSCertFile
	cfg.TLSKeyFile = s.TLSKeyFile
	return cfg
}

// HistoryConfig 生成历史配置
type HistoryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 数据库连接
	Database database.Config `yaml:"database" env:"DATABASE"`
}

// PosesConfig 角色姿态配置
type PosesConfig struct {
	// 姿态根目录；角色请求中的 poses_dir 相对于此目录解析
	Root string `yaml:"root" env:"ROOT"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	lookup     func(string) (string, bool)
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "DIGIGAMI",
		lookup:     os.LookupEnv,
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithLookup 替换环境变量来源（测试用）
func (l *Loader) WithLookup(lookup func(string) (string, bool)) *Loader {
	if lookup != nil {
		l.lookup = lookup
	}
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// ConfigPath 返回配置文件路径
func (l *Loader) ConfigPath() string { return l.configPath }

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 旧版环境变量 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 旧版部署使用的环境变量名
	if err := l.loadLegacyEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load legacy env: %w", err)
	}

	// 4. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 5. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// legacyEnv 把旧版变量名映射到配置字段
func legacyEnv(cfg *Config) map[string]reflect.Value {
	return map[string]reflect.Value{
		"DIGIGAMI_TRIPO3D_API_KEY":       reflect.ValueOf(&cfg.Backends.Tripo3D.APIKey).Elem(),
		"DIGIGAMI_MESHY_API_KEY":         reflect.ValueOf(&cfg.Backends.Meshy.APIKey).Elem(),
		"DIGIGAMI_MAKERGRID_TOKEN":       reflect.ValueOf(&cfg.Backends.MakerGrid.AccessToken).Elem(),
		"MAKERGRID_USERNAME":             reflect.ValueOf(&cfg.Backends.MakerGrid.Username).Elem(),
		"MAKERGRID_PASSWORD":             reflect.ValueOf(&cfg.Backends.MakerGrid.Password).Elem(),
		"DIGIGAMI_GEN3D_DEFAULT_BACKEND": reflect.ValueOf(&cfg.Backends.Default).Elem(),
		"DIGIGAMI_GEN3D_OUTPUT_DIR":      reflect.ValueOf(&cfg.Storage.OutputDir).Elem(),
		"DIGIGAMI_GEN3D_POLL_INTERVAL":   reflect.ValueOf(&cfg.Generation.PollInterval).Elem(),
		"DIGIGAMI_GEN3D_TIMEOUT":         reflect.ValueOf(&cfg.Generation.Timeout).Elem(),
	}
}

// loadLegacyEnv 读取旧版变量。旧版的时长以秒为单位的数字给出，也接受 "3s" 写法。
func (l *Loader) loadLegacyEnv(cfg *Config) error {
	for key, field := range legacyEnv(cfg) {
		value, ok := l.lookup(key)
		if !ok || value == "" {
			continue
		}
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			if secs, err := strconv.ParseFloat(value, 64); err == nil {
				field.SetInt(int64(secs * float64(time.Second)))
				continue
			}
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue, ok := l.lookup(envKey)
		if !ok || envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			out := parts[:0]
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			field.Set(reflect.ValueOf(out))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	// 服务器
	if _, port, err := net.SplitHostPort(c.Server.Addr); err != nil {
		add("server.addr %q is not host:port", c.Server.Addr)
	} else if n, perr := strconv.Atoi(port); perr != nil || n < 0 || n > 65535 {
		add("server.addr %q has an invalid port", c.Server.Addr)
	}
	if c.Server.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.Server.MetricsAddr); err != nil {
			add("server.metrics_addr %q is not host:port", c.Server.MetricsAddr)
		}
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.IdleTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		add("server timeouts must not be negative")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		add("server.tls_cert_file and server.tls_key_file must be set together")
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		add("server rate limits must not be negative")
	}
	if c.Server.MaxUploadBytes < 0 {
		add("server.max_upload_bytes must not be negative")
	}

	// 后端
	if d := strings.TrimSpace(c.Backends.Default); d != "" {
		if _, ok := threed.ParseBackend(strings.ToLower(d)); !ok {
			add("backends.default %q is not one of tripo3d, meshy, makergrid", d)
		}
	}

	// 编排器
	g := c.Generation
	if g.PollInterval <= 0 {
		add("generation.poll_interval must be positive")
	}
	if g.Timeout <= 0 {
		add("generation.timeout must be positive")
	} else if g.Timeout < g.PollInterval {
		add("generation.timeout (%s) is shorter than poll_interval (%s)", g.Timeout, g.PollInterval)
	}
	if g.ProgressCap <= 0 || g.ProgressCap > 100 {
		add("generation.progress_cap must be in (0, 100]")
	}
	if g.MaxConcurrent < 0 || g.PollRetries < 0 || g.PollRateLimit < 0 {
		add("generation limits must not be negative")
	}

	// 存储
	switch strings.ToLower(c.Storage.Driver) {
	case "", "local":
		if c.Storage.OutputDir == "" {
			add("storage.output_dir is required for the local driver")
		}
	case "minio", "s3":
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "" {
			add("storage.minio.endpoint and storage.minio.bucket are required")
		}
	default:
		add("storage.driver %q is not local or minio", c.Storage.Driver)
	}

	// 历史
	if c.History.Enabled {
		switch strings.ToLower(c.History.Database.Driver) {
		case "sqlite", "postgres", "mysql":
		default:
			add("history.database.driver %q is not sqlite, postgres or mysql", c.History.Database.Driver)
		}
		if err := c.History.Database.Pool.Validate(); err != nil {
			add("history.database.pool: %v", err)
		}
	}

	// Redis
	if c.Redis.Enabled && c.Redis.Addr == "" {
		add("redis.addr is required when redis is enabled")
	}

	// 日志
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		add("log.level %q is invalid", c.Log.Level)
	}
	if f := c.Log.Format; f != "json" && f != "console" {
		add("log.format %q is not json or console", f)
	}

	// 遥测
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		add("telemetry.sample_rate must be between 0 and 1")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		add("telemetry.otlp_endpoint is required when telemetry is enabled")
	}

	if len(errs) > 0 {
		return types.NewError(types.ErrConfiguration, "config validation errors: "+strings.Join(errs, "; "))
	}

	return nil
}
