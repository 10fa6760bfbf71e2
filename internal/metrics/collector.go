// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
// 所有 Record* 方法对 nil 接收者安全，未配置指标时可直接传 nil。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 执行指标
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	executionAttempts *prometheus.HistogramVec
	retriesTotal      *prometheus.CounterVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 熔断器指标
	breakerState      *prometheus.GaugeVec
	breakerRejections *prometheus.CounterVec

	// 并发闸门指标
	gateInFlight *prometheus.GaugeVec
	gateWaiting  *prometheus.GaugeVec

	// 工作流指标
	workflowsTotal   *prometheus.CounterVec
	workflowDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到默认 Registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegisterer(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegisterer 创建指标收集器并注册到指定 Registerer
func NewCollectorWithRegisterer(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
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

	// 执行指标
	c.executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of task executions by outcome",
		},
		[]string{"backend", "execution_type", "outcome"}, // outcome: success, failure, cached, rejected
	)

	c.executionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Task execution duration in seconds, including retries",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"backend", "execution_type"},
	)

	c.executionAttempts = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_attempts",
			Help:      "Backend attempts per execution",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 13},
		},
		[]string{"backend"},
	)

	c.retriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of retries by triggering error code",
		},
		[]string{"backend", "code"},
	)

	// 缓存指标
	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"backend"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"backend"},
	)

	// 熔断器指标
	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"breaker"},
	)

	c.breakerRejections = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_rejections_total",
			Help:      "Total number of requests rejected by an open circuit breaker",
		},
		[]string{"breaker"},
	)

	// 并发闸门指标
	c.gateInFlight = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_in_flight",
			Help:      "Executions currently holding a concurrency permit",
		},
		[]string{"backend"},
	)

	c.gateWaiting = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_waiting",
			Help:      "Executions waiting for a concurrency permit",
		},
		[]string{"backend"},
	)

	// 工作流指标
	c.workflowsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Total number of workflow runs by final status",
		},
		[]string{"status"},
	)

	c.workflowDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"status"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// ⚙️ 执行指标记录
// =============================================================================

// RecordExecution 记录一次执行结果
func (c *Collector) RecordExecution(backend, executionType, outcome string, attempts int, duration time.Duration) {
	if c == nil {
		return
	}
	c.executionsTotal.WithLabelValues(backend, executionType, outcome).Inc()
	c.executionDuration.WithLabelValues(backend, executionType).Observe(duration.Seconds())
	if attempts > 0 {
		c.executionAttempts.WithLabelValues(backend).Observe(float64(attempts))
	}
}

// RecordRetry 记录一次重试
func (c *Collector) RecordRetry(backend, code string) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(backend, code).Inc()
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(backend string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(backend).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(backend string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(backend).Inc()
}

// =============================================================================
// 🔌 熔断器与闸门指标记录
// =============================================================================

// RecordBreakerState 记录熔断器状态（0=closed, 1=open, 2=half_open）
func (c *Collector) RecordBreakerState(breaker string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(breaker).Set(float64(state))
}

// RecordBreakerRejection 记录熔断拒绝
func (c *Collector) RecordBreakerRejection(breaker string) {
	if c == nil {
		return
	}
	c.breakerRejections.WithLabelValues(breaker).Inc()
}

// RecordGate 记录闸门占用
func (c *Collector) RecordGate(backend string, inFlight, waiting int64) {
	if c == nil {
		return
	}
	c.gateInFlight.WithLabelValues(backend).Set(float64(inFlight))
	c.gateWaiting.WithLabelValues(backend).Set(float64(waiting))
}

// =============================================================================
// 🧭 工作流指标记录
// =============================================================================

// RecordWorkflow 记录工作流运行结果
func (c *Collector) RecordWorkflow(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.workflowsTotal.WithLabelValues(status).Inc()
	c.workflowDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

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
		return "unknown_" + strconv.Itoa(code)
	}
}
