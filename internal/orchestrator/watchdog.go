// Package orchestrator 门禁超时巡检
package orchestrator

import (
	"context"
	"errors"
	"time"

	"studio-orchestrator/internal/model"
	"studio-orchestrator/internal/storage"
	"studio-orchestrator/pkg/logging"
)

// scanLimit 单轮巡检最多检查的待审批作业数
const scanLimit = 200

// Watchdog 门禁超时巡检器
//
// 独立于请求处理的后台循环：按固定间隔扫描所有 needs_approval
// 的作业，对活动门禁已超过超时期限的执行等效于批准的操作，
// 来源标记为自动批准。
//
// 精度约定：巡检按固定间隔轮询而非逐门禁定时器，自动批准的
// 触发延迟最多比配置的超时晚一个巡检间隔。
//
// 与操作员批准的竞态由持久层 DecideGate 的条件更新仲裁：
// 恰好一方生效，巡检落败时收到冲突错误并直接跳过。
type Watchdog struct {
	store    storage.PersistentStore
	orch     *Orchestrator
	interval time.Duration
	logger   *logging.Logger
}

// NewWatchdog 创建巡检器；interval <= 0 时用 20s 默认值
func NewWatchdog(store storage.PersistentStore, orch *Orchestrator, interval time.Duration, logger *logging.Logger) *Watchdog {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	if logger == nil {
		logger = logging.Default("watchdog")
	}
	return &Watchdog{store: store, orch: orch, interval: interval, logger: logger}
}

// Run 运行巡检循环，ctx 取消时退出
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("gate timeout watchdog started", "interval", w.interval.String())
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("gate timeout watchdog stopped")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep 执行一轮巡检，返回本轮自动批准的门禁数
func (w *Watchdog) Sweep(ctx context.Context) int {
	jobs, err := w.store.ListJobsByStatus(ctx, model.JobStatusNeedsApproval, scanLimit)
	if err != nil {
		w.logger.WithError(err).Error("watchdog scan failed")
		return 0
	}

	now := time.Now().UTC()
	approved := 0
	for _, job := range jobs {
		gate, err := w.store.GetGate(ctx, job.ID, job.Stage)
		if err != nil {
			w.logger.WithJobID(job.ID).WithError(err).Error("watchdog gate lookup failed")
			continue
		}
		if gate == nil || !gate.Required || gate.IsDecided() || !gate.TimedOut(now) {
			continue
		}

		err = w.orch.AutoApproveGate(ctx, job.ID, job.Stage, gate.TimeoutSec)
		switch {
		case err == nil:
			approved++
			w.logger.WithJobID(job.ID).WithStage(string(job.Stage)).Info("gate auto-approved on timeout",
				"timeout_sec", gate.TimeoutSec)
		case errors.Is(err, storage.ErrConflict):
			// 操作员抢先决定，巡检落败
			w.logger.WithJobID(job.ID).WithStage(string(job.Stage)).Info("gate already decided, skipping auto-approval")
		default:
			w.logger.WithJobID(job.ID).WithError(err).Error("auto-approval failed")
		}
	}
	return approved
}
