// Package server 事件管理接口
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// maxEventLimit 单次轮询返回的事件数上限
const maxEventLimit = 1000

// GetEvents 轮询获取作业事件
//
// 路由: GET /api/v1/jobs/{id}/events
//
// 查询参数:
//   - since: RFC3339Nano 时间游标（可选），只返回严格晚于该时刻的事件
//   - limit: 返回数量限制，默认 100，最大 1000
//
// 事件按 (timestamp, id) 升序返回；没有持久连接的客户端
// 用最后一条事件的时间戳作为下次轮询的 since，即可重建
// 与实时流一致的事件序列。
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_failure", "failed to get job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > maxEventLimit {
		limit = 100
	}

	since, ok := parseSince(r.URL.Query().Get("since"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "since must be RFC3339 timestamp")
		return
	}

	events, err := h.store.ListEvents(r.Context(), jobID, limit, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_failure", "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// StreamEvents 实时事件流（NDJSON，每行一个事件）
//
// 路由: GET /api/v1/jobs/{id}/events/stream
//
// 查询参数:
//   - since: RFC3339Nano 时间游标（可选），先补发晚于该时刻的历史事件
//
// 响应为 application/x-ndjson：先回放历史事件，然后持续推送
// 新事件；每 5 秒插入一条 heartbeat 帧，客户端据此区分
// "没有新事件"与"连接已死"。订阅者消费过慢会被分发器丢弃，
// 连接随之结束，客户端应退回轮询接口补齐缺口后重连。
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_failure", "failed to get job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	since, ok := parseSince(r.URL.Query().Get("since"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "since must be RFC3339 timestamp")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// 先订阅再读历史，两段之间产生的事件两边都有，按 ID 去重
	ch, cancel := h.streams.Subscribe(jobID)
	defer cancel()
	h.metrics.StreamSubscribed()
	defer h.metrics.StreamUnsubscribed()

	enc := json.NewEncoder(w)
	var lastID int64

	backlog, err := h.store.ListEvents(r.Context(), jobID, maxEventLimit, since)
	if err != nil {
		h.logger.WithJobID(jobID).WithError(err).Error("stream backlog read failed")
		return
	}
	for _, ev := range backlog {
		if err := enc.Encode(ev); err != nil {
			return
		}
		lastID = ev.ID
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				// 分发器判定本订阅者过慢并退订
				return
			}
			// 心跳帧没有 ID，始终透传
			if ev.ID != 0 && ev.ID <= lastID {
				continue
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			if ev.ID > lastID {
				lastID = ev.ID
			}
			flusher.Flush()
		}
	}
}

// parseSince 解析 since 游标；空串表示从头开始
func parseSince(raw string) (*time.Time, bool) {
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, false
	}
	utc := t.UTC()
	return &utc, true
}
