package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/digigami/generation"
	"github.com/BaSui01/digigami/threed"
	"github.com/BaSui01/digigami/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 📡 Redis 进度发布器
// =============================================================================

// Config Redis 事件配置
type Config struct {
	// 是否启用
	Enabled bool `yaml:"enabled" json:"enabled" env:"ENABLED"`

	// Redis 地址
	Addr string `yaml:"addr" json:"addr" env:"ADDR"`

	// 密码
	Password string `yaml:"password" json:"-" env:"PASSWORD"`

	// 数据库编号
	DB int `yaml:"db" json:"db" env:"DB"`

	// 键与频道前缀
	ChannelPrefix string `yaml:"channel_prefix" json:"channel_prefix" env:"CHANNEL_PREFIX"`

	// 任务快照过期时间
	SnapshotTTL time.Duration `yaml:"snapshot_ttl" json:"snapshot_ttl" env:"SNAPSHOT_TTL"`

	// 单次 Redis 操作超时
	OpTimeout time.Duration `yaml:"op_timeout" json:"op_timeout" env:"OP_TIMEOUT"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries" env:"MAX_RETRIES"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size" env:"POOL_SIZE"`

	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Addr:          "localhost:6379",
		ChannelPrefix: "gen3d",
		SnapshotTTL:   time.Hour,
		OpTimeout:     2 * time.Second,
		MaxRetries:    3,
		PoolSize:      10,
		MinIdleConns:  2,
	}
}

// Kind 事件类型
type Kind string

const (
	KindStarted  Kind = "started"
	KindProgress Kind = "progress"
	KindFinished Kind = "finished"
)

// Event 是发布到频道的消息体
type Event struct {
	Kind      Kind           `json:"kind"`
	TaskID    string         `json:"task_id"`
	Backend   threed.Backend `json:"backend"`
	Status    threed.Status  `json:"status"`
	Percent   float64        `json:"percent"`
	Message   string         `json:"message,omitempty"`
	Multiview bool           `json:"multiview,omitempty"`
	ModelURL  string         `json:"model_url,omitempty"`
	LocalPath string         `json:"local_path,omitempty"`
	Error     string         `json:"error,omitempty"`
	ElapsedMS int64          `json:"elapsed_ms,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// ActiveTask 活动镜像中的条目
type ActiveTask struct {
	TaskID    string         `json:"task_id"`
	Backend   threed.Backend `json:"backend"`
	Multiview bool           `json:"multiview"`
	StartedAt time.Time      `json:"started_at"`
}

// Publisher 把生成生命周期写入 Redis
type Publisher struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
}

var _ generation.Observer = (*Publisher)(nil)

// NewPublisher 连接 Redis 并创建发布器
func NewPublisher(config Config, logger *zap.Logger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, types.Errorf(types.ErrConfiguration, "failed to connect to redis at %s: %v", config.Addr, err).WithCause(err)
	}

	p := NewPublisherFromClient(client, config, logger)
	p.logger.Info("redis event publisher initialized",
		zap.String("addr", config.Addr),
		zap.String("prefix", p.config.ChannelPrefix),
	)
	return p, nil
}

// NewPublisherFromClient 复用已有的 Redis 客户端
func NewPublisherFromClient(client *redis.Client, config Config, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.ChannelPrefix == "" {
		config.ChannelPrefix = def.ChannelPrefix
	}
	if config.SnapshotTTL <= 0 {
		config.SnapshotTTL = def.SnapshotTTL
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = def.OpTimeout
	}
	return &Publisher{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "events")),
		now:    time.Now,
	}
}

// =============================================================================
// 🔑 键名
// =============================================================================

// ActiveKey 活动镜像哈希
func (p *Publisher) ActiveKey() string { return p.config.ChannelPrefix + ":active" }

// ProgressChannel 任务进度频道
func (p *Publisher) ProgressChannel(taskID string) string {
	return fmt.Sprintf("%s:progress:%s", p.config.ChannelPrefix, taskID)
}

// SnapshotKey 任务最近状态
func (p *Publisher) SnapshotKey(taskID string) string {
	return fmt.Sprintf("%s:task:%s", p.config.ChannelPrefix, taskID)
}

// =============================================================================
// 🎯 Observer 实现
// =============================================================================

func (p *Publisher) TaskStarted(task *threed.Task, multiview bool) {
	entry, err := json.Marshal(ActiveTask{
		TaskID:    task.TaskID,
		Backend:   task.Backend,
		Multiview: multiview,
		StartedAt: p.now().UTC(),
	})
	if err != nil {
		return
	}
	ev := p.event(KindStarted, task)
	ev.Multiview = multiview

	p.exec("started", task.TaskID, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.HSet(ctx, p.ActiveKey(), task.TaskID, entry)
		p.queue(ctx, pipe, ev)
	})
}

func (p *Publisher) TaskProgress(task *threed.Task, percent float64, message string) {
	ev := p.event(KindProgress, task)
	ev.Percent = percent
	ev.Message = message

	p.exec("progress", task.TaskID, func(ctx context.Context, pipe redis.Pipeliner) {
		p.queue(ctx, pipe, ev)
	})
}

func (p *Publisher) TaskFinished(task *threed.Task, elapsed time.Duration, err error) {
	ev := p.event(KindFinished, task)
	ev.Percent = task.Progress
	ev.ElapsedMS = elapsed.Milliseconds()
	if err != nil && ev.Error == "" {
		ev.Error = types.Message(err)
	}

	p.exec("finished", task.TaskID, func(ctx context.Context, pipe redis.Pipeliner) {
		if task.TaskID != "" {
			pipe.HDel(ctx, p.ActiveKey(), task.TaskID)
		}
		p.queue(ctx, pipe, ev)
	})
}

func (p *Publisher) event(kind Kind, task *threed.Task) Event {
	return Event{
		Kind:      kind,
		TaskID:    task.TaskID,
		Backend:   task.Backend,
		Status:    task.Status,
		Percent:   task.Progress,
		ModelURL:  task.ModelURL,
		LocalPath: task.LocalPath,
		Error:     task.Error,
		Timestamp: p.now().UTC(),
	}
}

// queue 发布事件并刷新快照
func (p *Publisher) queue(ctx context.Context, pipe redis.Pipeliner, ev Event) {
	if ev.TaskID == "" {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	pipe.Publish(ctx, p.ProgressChannel(ev.TaskID), data)
	pipe.Set(ctx, p.SnapshotKey(ev.TaskID), data, p.config.SnapshotTTL)
}

func (p *Publisher) exec(event, taskID string, fill func(ctx context.Context, pipe redis.Pipeliner)) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || taskID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.OpTimeout)
	defer cancel()

	if _, err := p.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		fill(ctx, pipe)
		return nil
	}); err != nil {
		p.logger.Warn("redis publish failed",
			zap.String("event", event),
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	}
}

// =============================================================================
// 📖 读取
// =============================================================================

// Active 返回活动镜像
func (p *Publisher) Active(ctx context.Context) (map[string]ActiveTask, error) {
	raw, err := p.redis.HGetAll(ctx, p.ActiveKey()).Result()
	if err != nil {
		return nil, types.Errorf(types.ErrTransport, "read active tasks: %v", err).WithCause(err).WithRetryable(true)
	}
	out := make(map[string]ActiveTask, len(raw))
	for id, v := range raw {
		var a ActiveTask
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			p.logger.Debug("skipping malformed active entry", zap.String("task_id", id))
			continue
		}
		out[id] = a
	}
	return out, nil
}

// Snapshot 返回任务最近一次事件；不存在时 ok 为 false
func (p *Publisher) Snapshot(ctx context.Context, taskID string) (ev *Event, ok bool, err error) {
	raw, err := p.redis.Get(ctx, p.SnapshotKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, types.Errorf(types.ErrTransport, "read task snapshot: %v", err).WithCause(err).WithRetryable(true)
	}
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, types.Errorf(types.ErrPersistence, "malformed task snapshot: %v", err)
	}
	return &e, true, nil
}

// Subscribe 订阅单个任务的事件流。ctx 结束或收到 finished 事件后 channel 关闭。
func (p *Publisher) Subscribe(ctx context.Context, taskID string) (<-chan Event, error) {
	sub := p.redis.Subscribe(ctx, p.ProgressChannel(taskID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, types.Errorf(types.ErrTransport, "subscribe %s: %v", taskID, err).WithCause(err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Kind == KindFinished {
					return
				}
			}
		}
	}()
	return out, nil
}

// Ping 检查 Redis 连接
func (p *Publisher) Ping(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("event publisher is closed")
	}
	return p.redis.Ping(ctx).Err()
}

// Close 关闭 Redis 客户端
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.logger.Info("closing event publisher")
	return p.redis.Close()
}
