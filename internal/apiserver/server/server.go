// Package server 路由配置与核心基础设施
//
// 本文件定义 HTTP API 路由，将请求分发到各领域独立包。
// 仍保留在本包的模块：
//   - events.go: 事件轮询与 NDJSON 流式接口（依赖 StreamManager）
//   - events_ws.go: WebSocket 事件网关
//   - metrics.go: Prometheus 指标
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"studio-orchestrator/internal/apiserver/auth"
	"studio-orchestrator/internal/apiserver/job"
	"studio-orchestrator/internal/eventlog"
	"studio-orchestrator/internal/model"
	"studio-orchestrator/internal/orchestrator"
	"studio-orchestrator/internal/storage"
	"studio-orchestrator/pkg/logging"
)

// Handler API 处理器
//
// Handler 是所有 HTTP API 的入口，负责：
//   - 路由请求到对应的处理函数
//   - 套接认证、限流与指标中间件
//   - 事件的轮询 / NDJSON 流 / WebSocket 三种消费方式
type Handler struct {
	store   storage.PersistentStore
	orch    *orchestrator.Orchestrator
	streams *eventlog.StreamManager
	limiter *auth.RateLimiter
	authCfg auth.Config
	metrics *Metrics
	logger  *logging.Logger
}

// NewHandler 创建 Handler 实例
func NewHandler(store storage.PersistentStore, orch *orchestrator.Orchestrator, streams *eventlog.StreamManager, limiter *auth.RateLimiter, authCfg auth.Config, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default("apiserver")
	}
	return &Handler{
		store:   store,
		orch:    orch,
		streams: streams,
		limiter: limiter,
		authCfg: authCfg,
		metrics: NewMetrics("studio"),
		logger:  logger,
	}
}

// GetMetrics 返回指标实例（编排器的指标回调挂在它上面）
func (h *Handler) GetMetrics() *Metrics {
	return h.metrics
}

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查（免认证、免限流）:
//   - GET /healthz
//
// 作业管理 (Job):
//   - POST   /api/v1/jobs                    - 创建作业
//   - GET    /api/v1/jobs                    - 列出作业
//   - GET    /api/v1/jobs/{id}               - 获取作业详情
//   - DELETE /api/v1/jobs/{id}               - 删除作业
//   - POST   /api/v1/jobs/{id}/start         - 启动
//   - POST   /api/v1/jobs/{id}/approve       - 批准门禁
//   - POST   /api/v1/jobs/{id}/reject        - 拒绝门禁（可附补丁）
//   - POST   /api/v1/jobs/{id}/resume        - 恢复
//   - POST   /api/v1/jobs/{id}/cancel        - 取消
//   - GET    /api/v1/jobs/{id}/gates/status  - 门禁状态
//   - GET    /api/v1/jobs/{id}/artifacts     - 产物列表
//
// 事件管理 (Event):
//   - GET    /api/v1/jobs/{id}/events        - 轮询（since 游标）
//   - GET    /api/v1/jobs/{id}/events/stream - NDJSON 实时流
//
// WebSocket:
//   - GET    /ws/jobs/{id}/events            - 实时事件推送
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /healthz", h.Health)

	// Prometheus 指标端点
	mux.Handle("GET /metrics", MetricsHandler())

	// Job 接口（job 包）
	jobHandler := job.NewHandler(h.store, h.orch)
	jobHandler.RegisterRoutes(mux)

	// Event 接口
	mux.HandleFunc("GET /api/v1/jobs/{id}/events", h.GetEvents)
	mux.HandleFunc("GET /api/v1/jobs/{id}/events/stream", h.StreamEvents)

	// 中间件链：指标 → 限流 → 认证 → 业务路由
	var handler http.Handler = mux
	handler = auth.Middleware(h.authCfg)(handler)
	if h.limiter != nil {
		handler = h.limiter.Middleware(handler)
	}
	handler = h.metrics.Middleware(handler)

	// WebSocket 绕过指标中间件（避免 http.Hijacker 包装问题），
	// 网关内部自行校验令牌
	topMux := http.NewServeMux()
	gateway := NewEventGateway(h.store, h.streams, h.authCfg, h.metrics, h.logger)
	topMux.HandleFunc("GET /ws/jobs/{id}/events", gateway.HandleWebSocket)
	topMux.Handle("/", handler)

	return topMux
}

// Health 健康检查：探测持久层连通性
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  "store unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RunJobGaugeLoop 周期性刷新按状态统计的作业数量指标
// 阻塞直到 ctx 取消；在独立 goroutine 中运行。
func (h *Handler) RunJobGaugeLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.refreshJobGauges(ctx)
		}
	}
}

// refreshJobGauges 扫描作业列表并刷新状态分布指标
func (h *Handler) refreshJobGauges(ctx context.Context) {
	jobs, err := h.store.ListJobs(ctx, 1000)
	if err != nil {
		h.logger.WithError(err).Warn("refresh job gauges failed")
		return
	}
	counts := make(map[model.JobStatus]int)
	for _, j := range jobs {
		counts[j.Status]++
	}
	for _, status := range []model.JobStatus{
		model.JobStatusQueued, model.JobStatusRunning, model.JobStatusNeedsApproval,
		model.JobStatusPaused, model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCanceled,
	} {
		h.metrics.SetJobsCount(string(status), counts[status])
	}
}

// writeJSON 输出 JSON 响应
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError 输出稳定错误种类 + 可读原因的错误响应
func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{
		"error":   kind,
		"message": message,
	})
}
