// Package eventlog 作业事件日志与实时分发
//
// 事件在确认前先落两份持久化副本（NDJSON 追加文件 + 数据库），
// 再尽力分发给实时订阅者。订阅端消费不及时不会阻塞流水线：
// 慢订阅者被丢弃并退订，客户端依靠轮询接口补齐缺口。
package eventlog

import (
	"sync"
	"time"

	"studio-orchestrator/internal/model"
	"studio-orchestrator/pkg/logging"
)

// subscriberBuffer 单个订阅者的通道缓冲大小
const subscriberBuffer = 64

// StreamManager 按作业分发事件给实时订阅者
//
// 发送永不阻塞：订阅者通道写满时直接丢弃该订阅者并退订，
// 由客户端通过轮询接口恢复。每个订阅者周期性收到心跳事件，
// 用于探测连接存活。
type StreamManager struct {
	mu   sync.RWMutex
	subs map[string]map[chan model.Event]struct{}

	interval time.Duration
	logger   *logging.Logger

	done   chan struct{}
	closed bool
}

// NewStreamManager 创建分发器并启动心跳广播
func NewStreamManager(heartbeatInterval time.Duration, logger *logging.Logger) *StreamManager {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 5 * time.Second
	}
	if logger == nil {
		logger = logging.Default("eventlog")
	}
	m := &StreamManager{
		subs:     make(map[string]map[chan model.Event]struct{}),
		interval: heartbeatInterval,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go m.heartbeatLoop()
	return m
}

// Subscribe 订阅指定作业的实时事件
// 返回只读通道和取消函数。取消函数幂等，退订后通道被关闭。
func (m *StreamManager) Subscribe(jobID string) (<-chan model.Event, func()) {
	ch := make(chan model.Event, subscriberBuffer)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if m.subs[jobID] == nil {
		m.subs[jobID] = make(map[chan model.Event]struct{})
	}
	m.subs[jobID][ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.remove(jobID, ch)
		})
	}
	return ch, cancel
}

// Publish 向作业的所有订阅者分发事件
// 通道写满的订阅者被当场丢弃并退订。
// 发送在读锁内进行：通道关闭只发生在写锁内，二者不会交叠。
func (m *StreamManager) Publish(event model.Event) {
	m.mu.RLock()
	var dropped []chan model.Event
	for ch := range m.subs[event.JobID] {
		select {
		case ch <- event:
		default:
			dropped = append(dropped, ch)
		}
	}
	m.mu.RUnlock()

	for _, ch := range dropped {
		m.logger.WithJobID(event.JobID).Warn("dropping slow event subscriber",
			"buffered", subscriberBuffer)
		m.remove(event.JobID, ch)
	}
}

// SubscriberCount 返回作业当前订阅者数量
func (m *StreamManager) SubscriberCount(jobID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[jobID])
}

// Close 停止心跳并关闭所有订阅者通道
func (m *StreamManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	for jobID, chans := range m.subs {
		for ch := range chans {
			close(ch)
		}
		delete(m.subs, jobID)
	}
	m.mu.Unlock()
}

// remove 退订并关闭通道
func (m *StreamManager) remove(jobID string, ch chan model.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if chans, ok := m.subs[jobID]; ok {
		if _, ok := chans[ch]; ok {
			delete(chans, ch)
			close(ch)
			if len(chans) == 0 {
				delete(m.subs, jobID)
			}
		}
	}
}

// heartbeatLoop 周期性向每个订阅者广播心跳事件
// 心跳只进实时流，不写事件日志也不入库。
func (m *StreamManager) heartbeatLoop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.RLock()
			jobIDs := make([]string, 0, len(m.subs))
			for jobID := range m.subs {
				jobIDs = append(jobIDs, jobID)
			}
			m.mu.RUnlock()

			for _, jobID := range jobIDs {
				m.Publish(model.HeartbeatEvent(jobID))
			}
		}
	}
}
