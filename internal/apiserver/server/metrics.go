// Package server Prometheus 指标导出
package server

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 包含所有 API Server 指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// 作业指标
	JobsTotal     *prometheus.GaugeVec
	StageDuration *prometheus.HistogramVec

	// 门禁指标
	GateDecisionsTotal *prometheus.CounterVec

	// 事件流指标
	StreamSubscribers   prometheus.Gauge
	WSConnectionsActive prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *Metrics
)

// NewMetrics 创建指标实例
// Prometheus 默认注册表不允许重复注册，进程内是单例：
// 重复调用返回同一实例，namespace 以首次调用为准。
func NewMetrics(namespace string) *Metrics {
	metricsOnce.Do(func() {
		metricsInst = newMetrics(namespace)
	})
	return metricsInst
}

func newMetrics(namespace string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		JobsTotal: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total jobs by status",
			},
			[]string{"status"},
		),
		StageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Stage execution duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"stage", "status"},
		),
		GateDecisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gate_decisions_total",
				Help:      "Total gate decisions by outcome and source",
			},
			[]string{"decision", "source"},
		),
		StreamSubscribers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "event_stream_subscribers",
				Help:      "Active event stream subscribers (NDJSON + WebSocket)",
			},
		),
		WSConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_connections_active",
				Help:      "Active WebSocket connections",
			},
		),
	}
}

// Middleware 创建 HTTP 指标中间件
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		// 包装 ResponseWriter 以捕获状态码
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)
		status := strconv.Itoa(wrapped.statusCode)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter 包装 http.ResponseWriter 以捕获状态码
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush 透传 http.Flusher（NDJSON 流式接口需要）
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// normalizePath 规范化路径，将作业 ID 替换为占位符，避免高基数
func normalizePath(path string) string {
	const prefix = "/api/v1/jobs/"
	if !strings.HasPrefix(path, prefix) {
		return path
	}
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" {
		return path
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 1 {
		return prefix + "{id}"
	}
	return prefix + "{id}/" + parts[1]
}

// MetricsHandler 返回 Prometheus HTTP Handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// ObserveStage 记录一次阶段执行的耗时与结果
// 实现 orchestrator.MetricsRecorder。
func (m *Metrics) ObserveStage(stage, status string, seconds float64) {
	m.StageDuration.WithLabelValues(stage, status).Observe(seconds)
}

// GateDecision 记录一次门禁决定
// 实现 orchestrator.MetricsRecorder。
func (m *Metrics) GateDecision(decision string, auto bool) {
	source := "operator"
	if auto {
		source = "watchdog"
	}
	m.GateDecisionsTotal.WithLabelValues(decision, source).Inc()
}

// SetJobsCount 设置某状态的作业数量
func (m *Metrics) SetJobsCount(status string, count int) {
	m.JobsTotal.WithLabelValues(status).Set(float64(count))
}

// StreamSubscribed NDJSON / WebSocket 订阅者上线
func (m *Metrics) StreamSubscribed() {
	m.StreamSubscribers.Inc()
}

// StreamUnsubscribed 订阅者下线
func (m *Metrics) StreamUnsubscribed() {
	m.StreamSubscribers.Dec()
}

// WSConnectionOpened WebSocket 连接打开
func (m *Metrics) WSConnectionOpened() {
	m.WSConnectionsActive.Inc()
}

// WSConnectionClosed WebSocket 连接关闭
func (m *Metrics) WSConnectionClosed() {
	m.WSConnectionsActive.Dec()
}
