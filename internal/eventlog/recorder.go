package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"studio-orchestrator/internal/eventbus"
	"studio-orchestrator/internal/model"
	"studio-orchestrator/internal/storage"
	"studio-orchestrator/pkg/logging"
)

// jobLog 单个作业的追加日志文件，句柄懒打开并缓存
type jobLog struct {
	mu sync.Mutex
	f  *os.File
}

// Recorder 事件记录器
//
// Record 的写入顺序构成确认语义：
//  1. 追加到作业的 NDJSON 事件日志文件
//  2. 写入数据库
//  3. 尽力分发（实时订阅者、外部镜像、结构化日志）
//
// 1 或 2 失败时整个操作失败，调用方不得确认；
// 3 的失败只记日志，绝不向上传播。
type Recorder struct {
	dataDir string
	store   storage.EventStore
	streams *StreamManager
	bus     eventbus.Publisher
	logger  *logging.Logger

	mu   sync.Mutex
	logs map[string]*jobLog
}

// NewRecorder 创建事件记录器
// bus 可为 nil（未启用外部镜像）。
func NewRecorder(dataDir string, store storage.EventStore, streams *StreamManager, bus eventbus.Publisher, logger *logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.Default("eventlog")
	}
	return &Recorder{
		dataDir: dataDir,
		store:   store,
		streams: streams,
		bus:     bus,
		logger:  logger,
		logs:    make(map[string]*jobLog),
	}
}

// LogPath 作业事件日志文件路径
func (r *Recorder) LogPath(jobID string) string {
	return filepath.Join(r.dataDir, "jobs", jobID, "events.ndjson")
}

// Record 记录一条作业事件
// 时间戳为零值时补为当前 UTC 时间，否则归一化为 UTC。
func (r *Recorder) Record(ctx context.Context, event *model.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	} else {
		event.Timestamp = event.Timestamp.UTC()
	}

	if err := r.appendLine(event); err != nil {
		return fmt.Errorf("append event log: %w", err)
	}
	if err := r.store.AddEvent(ctx, event); err != nil {
		return fmt.Errorf("persist event: %w", err)
	}

	// 尽力分发，失败不影响已持久化的事件
	if r.streams != nil {
		r.streams.Publish(*event)
	}
	if r.bus != nil {
		if err := r.bus.PublishJobEvent(ctx, event); err != nil {
			r.logger.WithJobID(event.JobID).WithError(err).Warn("event mirror publish failed")
		}
	}
	r.logger.JobLog(string(event.Type), event.JobID, string(event.Stage))

	return nil
}

// ReadLog 读取作业事件日志，按文件顺序返回
// 日志文件不存在视为空日志。用于状态重放与排障。
func (r *Recorder) ReadLog(jobID string) ([]*model.Event, error) {
	f, err := os.Open(r.LogPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var events []*model.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev := &model.Event{}
		if err := json.Unmarshal(line, ev); err != nil {
			return nil, fmt.Errorf("parse event log line: %w", err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	return events, nil
}

// RemoveLog 删除作业事件日志并释放句柄（作业删除时调用）
func (r *Recorder) RemoveLog(jobID string) error {
	r.mu.Lock()
	jl, ok := r.logs[jobID]
	delete(r.logs, jobID)
	r.mu.Unlock()

	if ok {
		jl.mu.Lock()
		if jl.f != nil {
			jl.f.Close()
			jl.f = nil
		}
		jl.mu.Unlock()
	}

	if err := os.Remove(r.LogPath(jobID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close 关闭所有缓存的日志句柄
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for jobID, jl := range r.logs {
		jl.mu.Lock()
		if jl.f != nil {
			if err := jl.f.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			jl.f = nil
		}
		jl.mu.Unlock()
		delete(r.logs, jobID)
	}
	return firstErr
}

// appendLine 将事件序列化为一行 JSON 追加到作业日志
func (r *Recorder) appendLine(event *model.Event) error {
	jl := r.jobLog(event.JobID)

	jl.mu.Lock()
	defer jl.mu.Unlock()

	if jl.f == nil {
		path := r.LogPath(event.JobID)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		jl.f = f
	}

	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = jl.f.Write(line)
	return err
}

// jobLog 取出或创建作业的日志句柄槽
func (r *Recorder) jobLog(jobID string) *jobLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	jl, ok := r.logs[jobID]
	if !ok {
		jl = &jobLog{}
		r.logs[jobID] = jl
	}
	return jl
}
