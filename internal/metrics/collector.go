package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/BaSui01/digigami/generation"
	"github.com/BaSui01/digigami/threed"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 生成指标
	generationsTotal   *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	generationsActive  *prometheus.GaugeVec
	failuresTotal      *prometheus.CounterVec
	progressEvents     *prometheus.CounterVec
	startedTotal       *prometheus.CounterVec

	active sync.Map // task_id -> struct{}
	logger *zap.Logger
}

var _ generation.Observer = (*Collector)(nil)

// NewCollector 在 reg 上注册全部指标。reg 为 nil 时使用默认注册表。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 生成指标
	c.generationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Finished 3D generations by outcome",
		},
		[]string{"backend", "outcome"},
	)

	c.generationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Time from vendor acceptance to the end of the polling loop",
			Buckets:   []float64{5, 15, 30, 60, 120, 180, 300, 600, 900},
		},
		[]string{"backend", "outcome"},
	)

	c.generationsActive = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generations_active",
			Help:      "Generations currently polling",
		},
		[]string{"backend"},
	)

	c.startedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_started_total",
			Help:      "Generations accepted by a vendor",
		},
		[]string{"backend", "multiview"},
	)

	c.failuresTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_failures_total",
			Help:      "Failed generations by failure stage",
		},
		[]string{"backend", "stage"},
	)

	c.progressEvents = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_progress_events_total",
			Help:      "Progress callbacks delivered after submission",
		},
		[]string{"backend"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🧊 生成生命周期（generation.Observer）
// =============================================================================

func (c *Collector) TaskStarted(task *threed.Task, multiview bool) {
	c.startedTotal.WithLabelValues(string(task.Backend), strconv.FormatBool(multiview)).Inc()
	c.active.Store(task.TaskID, struct{}{})
	c.generationsActive.WithLabelValues(string(task.Backend)).Inc()
}

func (c *Collector) TaskProgress(task *threed.Task, _ float64, _ string) {
	c.progressEvents.WithLabelValues(string(task.Backend)).Inc()
}

func (c *Collector) TaskFinished(task *threed.Task, elapsed time.Duration, err error) {
	backend := string(task.Backend)
	outcome := Outcome(task, err)

	c.generationsTotal.WithLabelValues(backend, outcome).Inc()
	if task.TaskID == "" {
		// 提交阶段失败，从未进入轮询
		c.failuresTotal.WithLabelValues(backend, generation.StageSubmit).Inc()
		return
	}

	// RetryDownload 完成的任务没有对应的 TaskStarted
	if _, ok := c.active.LoadAndDelete(task.TaskID); ok {
		c.generationsActive.WithLabelValues(backend).Dec()
	}
	c.generationDuration.WithLabelValues(backend, outcome).Observe(elapsed.Seconds())

	if outcome == "failed" {
		stage, _ := task.Metadata[generation.MetaFailureStage].(string)
		if stage == "" {
			stage = generation.StagePoll
		}
		c.failuresTotal.WithLabelValues(backend, stage).Inc()
	}
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// Outcome 把任务终态归类为 completed / failed / canceled
func Outcome(task *threed.Task, err error) string {
	switch {
	case err != nil:
		return "canceled"
	case task.Status == threed.StatusCompleted:
		return "completed"
	default:
		return "failed"
	}
}

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
