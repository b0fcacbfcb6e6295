// Package server WebSocket 事件网关
//
// 事件网关提供实时事件推送能力，支持前端实时监控作业执行过程。
// 使用 WebSocket 协议，支持双向通信。
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"studio-orchestrator/internal/apiserver/auth"
	"studio-orchestrator/internal/eventlog"
	"studio-orchestrator/internal/model"
	"studio-orchestrator/internal/storage"
	"studio-orchestrator/pkg/logging"
)

// upgrader WebSocket 升级器配置
//
// 配置说明：
//   - ReadBufferSize: 读缓冲区大小
//   - WriteBufferSize: 写缓冲区大小
//   - CheckOrigin: 跨域检查（当前允许所有来源，生产环境应限制）
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventGateway WebSocket 事件网关
//
// 事件网关负责：
//   - 管理 WebSocket 连接与令牌校验
//   - 从事件分发器接收实时事件并推送给客户端
//   - 断线重连时按 since 游标补发历史事件
//   - 作业进入终态时通知客户端并关闭连接
type EventGateway struct {
	store   storage.PersistentStore
	streams *eventlog.StreamManager
	authCfg auth.Config
	metrics *Metrics
	logger  *logging.Logger
}

// NewEventGateway 创建事件网关实例
func NewEventGateway(store storage.PersistentStore, streams *eventlog.StreamManager, authCfg auth.Config, metrics *Metrics, logger *logging.Logger) *EventGateway {
	if logger == nil {
		logger = logging.Default("ws-gateway")
	}
	return &EventGateway{
		store:   store,
		streams: streams,
		authCfg: authCfg,
		metrics: metrics,
		logger:  logger,
	}
}

// HandleWebSocket 处理 WebSocket 连接请求
//
// 路由: GET /ws/jobs/{id}/events
//
// 路径参数：
//   - id: 作业 ID
//
// 查询参数：
//   - token: 操作员令牌（浏览器 WebSocket 无法设置 Authorization 头）
//   - since: RFC3339Nano 时间游标（可选），用于断线重连恢复
//
// 推送消息格式：
//
//	事件消息：{"type": "event", "data": {...}}
//	状态消息：{"type": "status", "data": {"status": "completed"}}
//
// 客户端消息：
//
//	心跳：{"type": "ping"} -> 响应 {"type": "pong"}
func (g *EventGateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		http.Error(w, "job_id required", http.StatusBadRequest)
		return
	}

	if !g.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return
	}

	job, err := g.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_failure", "failed to get job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}

	since, ok := parseSince(r.URL.Query().Get("since"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "since must be RFC3339 timestamp")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.WithJobID(jobID).WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	g.metrics.WSConnectionOpened()
	defer g.metrics.WSConnectionClosed()
	g.metrics.StreamSubscribed()
	defer g.metrics.StreamUnsubscribed()

	g.logger.WithJobID(jobID).Info("websocket client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go g.readPump(conn, cancel)
	g.writePump(ctx, conn, jobID, since)
}

// authorized 校验令牌；优先 Authorization 头，其次 token 查询参数
func (g *EventGateway) authorized(r *http.Request) bool {
	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		token = h[7:]
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(g.authCfg.Token)) == 1
}

// readPump 读取客户端消息
//
// 在独立 goroutine 中运行，处理客户端发送的消息：
//   - 心跳消息（ping）：响应 pong
//   - 连接关闭：取消上下文
func (g *EventGateway) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				g.logger.WithError(err).Debug("websocket read error")
			}
			return
		}

		var req map[string]interface{}
		if json.Unmarshal(msg, &req) == nil {
			if req["type"] == "ping" {
				conn.WriteJSON(map[string]string{"type": "pong"})
			}
		}
	}
}

// writePump 向客户端推送事件
//
// 先订阅实时流再补发历史事件，两段重叠部分按事件 ID 去重。
// 作业进入终态时发送状态通知并关闭；订阅者消费过慢会被分发器
// 退订，连接随之结束，客户端按 since 游标重连补齐缺口。
func (g *EventGateway) writePump(ctx context.Context, conn *websocket.Conn, jobID string, since *time.Time) {
	ch, unsubscribe := g.streams.Subscribe(jobID)
	defer unsubscribe()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	var lastID int64

	backlog, err := g.store.ListEvents(ctx, jobID, maxEventLimit, since)
	if err != nil {
		g.logger.WithJobID(jobID).WithError(err).Error("websocket backlog read failed")
		return
	}
	for _, ev := range backlog {
		if !g.pushEvent(conn, *ev) {
			return
		}
		lastID = ev.ID
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, open := <-ch:
			if !open {
				// 分发器判定本订阅者过慢并退订
				return
			}
			// 心跳帧没有 ID，始终透传
			if ev.ID != 0 && ev.ID <= lastID {
				continue
			}
			if !g.pushEvent(conn, ev) {
				return
			}
			if ev.ID > lastID {
				lastID = ev.ID
			}

			// 终态事件推送状态通知并结束连接
			if terminalEvent(ev.Type) {
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				conn.WriteJSON(map[string]interface{}{
					"type": "status",
					"data": map[string]interface{}{"status": string(ev.Status)},
				})
				return
			}
		}
	}
}

// pushEvent 推送单条事件，返回连接是否仍可用
func (g *EventGateway) pushEvent(conn *websocket.Conn, ev model.Event) bool {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	msg := map[string]interface{}{
		"type": "event",
		"data": ev,
	}
	if err := conn.WriteJSON(msg); err != nil {
		g.logger.WithError(err).Debug("websocket write error")
		return false
	}
	return true
}

// terminalEvent 判断事件类型是否标志作业终态
func terminalEvent(t model.EventType) bool {
	switch t {
	case model.EventTypeJobCompleted, model.EventTypeJobFailed, model.EventTypeJobCanceled:
		return true
	}
	return false
}
