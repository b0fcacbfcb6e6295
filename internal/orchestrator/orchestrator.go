// Package orchestrator 作业编排状态机
//
// 编排器驱动作业沿固定阶段顺序推进，在配置了门禁的阶段边界
// 暂停等待人工审批，并把每一次状态变更先写事件再答复调用方。
//
// 并发模型：
//   - 每个作业的阶段执行跑在独立 goroutine 上，API 请求不被阻塞
//   - 跨 goroutine 的协调全部经过持久层的条件更新
//     （TransitionJobStatus / DecideGate），进程内不持有跨 IO 的锁
//   - 操作员批准与超时自动批准的竞态由 DecideGate 的
//     WHERE 守卫仲裁：恰好一个生效，落败方收到冲突
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"studio-orchestrator/internal/artifactstore"
	"studio-orchestrator/internal/eventbus"
	"studio-orchestrator/internal/eventlog"
	"studio-orchestrator/internal/model"
	"studio-orchestrator/internal/storage"
	"studio-orchestrator/pkg/logging"
)

// nonTerminal 取消操作允许的来源状态集合
var nonTerminal = []model.JobStatus{
	model.JobStatusQueued,
	model.JobStatusRunning,
	model.JobStatusNeedsApproval,
	model.JobStatusPaused,
}

// Archiver 产物归档接口（作业删除前上传产物树，可选）
type Archiver interface {
	ArchiveJob(ctx context.Context, jobID, root string) error
}

// MetricsRecorder 编排器指标回调接口（可选）
type MetricsRecorder interface {
	// ObserveStage 记录一次阶段执行的耗时与结果
	ObserveStage(stage, status string, seconds float64)
	// GateDecision 记录一次门禁决定
	GateDecision(decision string, auto bool)
}

// Config 编排器依赖配置
type Config struct {
	Store     storage.PersistentStore
	Recorder  *eventlog.Recorder
	Artifacts *artifactstore.Manager
	Executor  StageExecutor

	// GatePolicy 服务级默认门禁策略；创建请求可覆盖
	GatePolicy []model.GatePolicy

	// StageTimeout 单阶段执行上限；0 表示不限
	StageTimeout time.Duration

	// Mirror 外部事件镜像（可选，删除作业时清理对应流）
	Mirror eventbus.Publisher

	// Archive 删除前的产物归档（可选）
	Archive Archiver

	// Metrics 指标回调（可选）
	Metrics MetricsRecorder

	Logger *logging.Logger
}

// Orchestrator 作业编排器
type Orchestrator struct {
	store        storage.PersistentStore
	recorder     *eventlog.Recorder
	artifacts    *artifactstore.Manager
	executor     StageExecutor
	policy       []model.GatePolicy
	stageTimeout time.Duration
	mirror       eventbus.Publisher
	archive      Archiver
	metrics      MetricsRecorder
	logger       *logging.Logger

	// runCtx 是所有后台阶段执行的根上下文，Shutdown 时取消
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	// stageCancels 作业 ID → 当前在跑阶段的取消函数
	stageCancels sync.Map
}

// New 创建编排器
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default("orchestrator")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:        cfg.Store,
		recorder:     cfg.Recorder,
		artifacts:    cfg.Artifacts,
		executor:     cfg.Executor,
		policy:       cfg.GatePolicy,
		stageTimeout: cfg.StageTimeout,
		mirror:       cfg.Mirror,
		archive:      cfg.Archive,
		metrics:      cfg.Metrics,
		logger:       logger,
		runCtx:       ctx,
		runCancel:    cancel,
	}
}

// Shutdown 停止后台阶段执行并等待收尾
// 在跑的执行器观察到取消后退出；等待超过 ctx 期限时直接返回。
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.runCancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// 作业操作
// ============================================================================

// CreateJobParams 创建作业的参数
type CreateJobParams struct {
	Slug     string
	Intent   string
	Operator string

	// Config 配置快照（JSON，对编排器不透明，创建后不再变更）
	Config json.RawMessage

	// Gates 作业级门禁策略；为空时使用服务级默认策略
	Gates []model.GatePolicy
}

// CreateJob 创建作业及其门禁，记录 job_created 事件
func (o *Orchestrator) CreateJob(ctx context.Context, params CreateJobParams) (*model.Job, error) {
	if params.Slug == "" {
		return nil, fmt.Errorf("slug is required")
	}

	policy := params.Gates
	if len(policy) == 0 {
		policy = o.policy
	}
	now := time.Now().UTC()
	gates := make([]*model.Gate, 0, len(policy))
	for _, rule := range policy {
		if !model.ValidStage(rule.Stage) {
			return nil, fmt.Errorf("gate policy: unknown stage %q", rule.Stage)
		}
		gates = append(gates, &model.Gate{
			Stage:      rule.Stage,
			Required:   rule.Required,
			TimeoutSec: rule.TimeoutSec,
			CreatedAt:  now,
		})
	}

	job := &model.Job{
		ID:        uuid.NewString(),
		Slug:      params.Slug,
		Intent:    params.Intent,
		Status:    model.JobStatusQueued,
		Stage:     model.Stages[0],
		Config:    params.Config,
		Operator:  params.Operator,
		Gates:     gates,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, g := range job.Gates {
		g.JobID = job.ID
	}

	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := o.record(ctx, job.ID, model.EventTypeJobCreated, job.Stage, model.JobStatusQueued,
		"job created", map[string]interface{}{
			"slug":     job.Slug,
			"operator": job.Operator,
			"gates":    len(job.Gates),
		}); err != nil {
		return nil, err
	}
	return job, nil
}

// StartJob 启动排队中的作业并在后台开始阶段执行
func (o *Orchestrator) StartJob(ctx context.Context, id string) error {
	if err := o.store.TransitionJobStatus(ctx, id, []model.JobStatus{model.JobStatusQueued}, model.JobStatusRunning, nil); err != nil {
		return err
	}

	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if err := o.record(ctx, id, model.EventTypeJobStarted, job.Stage, model.JobStatusRunning, "job started", nil); err != nil {
		return err
	}

	o.dispatch(id)
	return nil
}

// Recover 重新派发上一个进程遗留在 running 状态的作业
//
// 阶段执行不跨进程存活：崩溃时在跑的执行器随进程消失，
// 作业行却停在 running，没有任何 goroutine 会再推进它。
// 启动时调用一次，从各作业的当前阶段重新开始执行。
// 返回重新派发的作业数。
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	jobs, err := o.store.ListJobs(ctx, 1000)
	if err != nil {
		return 0, fmt.Errorf("list jobs for recovery: %w", err)
	}

	n := 0
	for _, job := range jobs {
		if job.Status != model.JobStatusRunning {
			continue
		}
		o.logger.JobLog("recover", job.ID, string(job.Stage))
		o.dispatch(job.ID)
		n++
	}
	return n, nil
}

// ApproveGate 操作员批准当前阶段的门禁
// 门禁已决时返回 ErrConflict（与超时自动批准的竞态由持久层仲裁）。
func (o *Orchestrator) ApproveGate(ctx context.Context, id string, stage model.Stage, operator, notes string) error {
	if err := o.checkActiveGate(ctx, id, stage); err != nil {
		return err
	}
	return o.resolveGate(ctx, id, stage, operator, notes, false, 0)
}

// AutoApproveGate 超时巡检触发的自动批准
// 与操作员批准完全等效，只是来源标记不同。
func (o *Orchestrator) AutoApproveGate(ctx context.Context, id string, stage model.Stage, timeoutSec int) error {
	return o.resolveGate(ctx, id, stage, "watchdog", "auto-approved after timeout", true, timeoutSec)
}

// RejectGate 操作员拒绝当前阶段的门禁，作业进入 paused
// patch 非空时先做 (阶段, 类型) 合法性校验，未知组合直接拒绝。
func (o *Orchestrator) RejectGate(ctx context.Context, id string, stage model.Stage, operator, notes string, patch json.RawMessage) error {
	if err := o.checkActiveGate(ctx, id, stage); err != nil {
		return err
	}
	if len(patch) > 0 {
		if _, err := model.ParsePatch(stage, patch); err != nil {
			return err
		}
	}

	if err := o.store.DecideGate(ctx, id, stage, false, operator, notes, patch, false); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.GateDecision("rejected", false)
	}

	if err := o.store.TransitionJobStatus(ctx, id,
		[]model.JobStatus{model.JobStatusNeedsApproval}, model.JobStatusPaused, nil); err != nil {
		return err
	}

	return o.record(ctx, id, model.EventTypeGateRejected, stage, model.JobStatusPaused,
		fmt.Sprintf("gate rejected at %s", stage), map[string]interface{}{
			"operator":  operator,
			"notes":     notes,
			"has_patch": len(patch) > 0,
		})
}

// ResumeJob 恢复被拒后暂停的作业
//
// 若被拒门禁携带补丁：先把补丁应用到该阶段的产物（同一路径
// 写入新内容），再把门禁重判为批准并带上补丁来源标记。
// 随后从门禁的下一个阶段继续执行——门禁阶段不重跑，
// 补丁后的产物就是该阶段的最终产物。
func (o *Orchestrator) ResumeJob(ctx context.Context, id string) error {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return storage.ErrNotFound
	}
	if job.Status != model.JobStatusPaused {
		return fmt.Errorf("%w: job is %s, not paused", storage.ErrConflict, job.Status)
	}

	gate := job.GateFor(job.Stage)
	if gate != nil && gate.IsRejected() && len(gate.Patch) > 0 {
		patch, artifact, err := o.applyPatch(ctx, job, gate)
		if err != nil {
			return fmt.Errorf("apply patch: %w", err)
		}
		if err := o.store.RedecideGateAfterPatch(ctx, id, gate.Stage); err != nil {
			return err
		}
		if err := o.record(ctx, id, model.EventTypePatchApplied, gate.Stage, "",
			fmt.Sprintf("patch %s applied to %s artifact", patch.Type, gate.Stage), map[string]interface{}{
				"patch_type": string(patch.Type),
				"artifact":   artifact.Path,
			}); err != nil {
			return err
		}
		// 重判也是一次门禁决定，和操作员批准一样单独成事件
		if err := o.record(ctx, id, model.EventTypeGateApproved, gate.Stage, "",
			fmt.Sprintf("gate approved at %s", gate.Stage), map[string]interface{}{
				"operator": "patch",
				"notes":    "patch applied",
			}); err != nil {
			return err
		}
	}

	return o.advance(ctx, id, job.Stage, model.JobStatusPaused,
		model.EventTypeJobResumed, "job resumed", nil)
}

// CancelJob 取消作业（任意非终态）
// 在跑的阶段执行器收到取消信号，但不等待其退出；
// 其之后的返回结果不再引起状态变更。
func (o *Orchestrator) CancelJob(ctx context.Context, id string) error {
	if err := o.store.TransitionJobStatus(ctx, id, nonTerminal, model.JobStatusCanceled, nil); err != nil {
		return err
	}

	if c, ok := o.stageCancels.Load(id); ok {
		c.(context.CancelFunc)()
	}

	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return o.record(ctx, id, model.EventTypeJobCanceled, job.Stage, model.JobStatusCanceled, "job canceled", nil)
}

// DeleteJob 删除作业：数据库行、产物树、事件日志与外部事件流。
// 配置了归档时先把产物树上传对象存储，归档失败则中止删除。
func (o *Orchestrator) DeleteJob(ctx context.Context, id string) error {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return storage.ErrNotFound
	}

	if o.archive != nil {
		if err := o.archive.ArchiveJob(ctx, id, o.artifacts.JobDir(id)); err != nil {
			return fmt.Errorf("archive job before delete: %w", err)
		}
	}

	if err := o.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	if err := o.recorder.RemoveLog(id); err != nil {
		o.logger.WithJobID(id).WithError(err).Warn("remove event log failed")
	}
	if err := o.artifacts.RemoveJob(id); err != nil {
		o.logger.WithJobID(id).WithError(err).Warn("remove artifact tree failed")
	}
	if o.mirror != nil {
		if err := o.mirror.DeleteJobEvents(ctx, id); err != nil {
			o.logger.WithJobID(id).WithError(err).Warn("delete mirrored event stream failed")
		}
	}

	o.logger.JobLog(string(model.EventTypeJobDeleted), id, string(job.Stage))
	return nil
}

// ============================================================================
// 门禁决定与推进
// ============================================================================

// checkActiveGate 校验 (作业, 阶段) 当前处于可决定状态
// 最终仲裁仍在 DecideGate 的条件更新；这里只为调用方
// 提供更准确的拒绝原因。
func (o *Orchestrator) checkActiveGate(ctx context.Context, id string, stage model.Stage) error {
	if !model.ValidStage(stage) {
		return fmt.Errorf("unknown stage %q", stage)
	}
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return storage.ErrNotFound
	}
	if job.Status != model.JobStatusNeedsApproval {
		return fmt.Errorf("%w: job is %s, not waiting for approval", storage.ErrConflict, job.Status)
	}
	if job.Stage != stage {
		return fmt.Errorf("%w: active gate is at %s, not %s", storage.ErrConflict, job.Stage, stage)
	}
	return nil
}

// resolveGate 批准门禁并推进作业（操作员与超时巡检共用）
func (o *Orchestrator) resolveGate(ctx context.Context, id string, stage model.Stage, by, notes string, auto bool, timeoutSec int) error {
	if err := o.store.DecideGate(ctx, id, stage, true, by, notes, nil, auto); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.GateDecision("approved", auto)
	}

	eventType := model.EventTypeGateApproved
	payload := map[string]interface{}{"operator": by, "notes": notes}
	if auto {
		eventType = model.EventTypeGateAutoApproved
		payload = map[string]interface{}{"timeout_sec": timeoutSec}
	}

	return o.advance(ctx, id, stage, model.JobStatusNeedsApproval,
		eventType, fmt.Sprintf("gate approved at %s", stage), payload)
}

// advance 把作业从 from 状态推进到门禁之后的下一阶段
//
// 门禁挂在最后一个阶段上时没有下一阶段，作业直接完成。
// 状态迁移失败（并发取消抢先）时不再推进。
func (o *Orchestrator) advance(ctx context.Context, id string, stage model.Stage, from model.JobStatus, eventType model.EventType, message string, payload map[string]interface{}) error {
	next := model.NextStage(stage)
	if next == "" {
		if err := o.store.TransitionJobStatus(ctx, id, []model.JobStatus{from}, model.JobStatusCompleted, nil); err != nil {
			return err
		}
		if err := o.record(ctx, id, eventType, stage, model.JobStatusCompleted, message, payload); err != nil {
			return err
		}
		return o.record(ctx, id, model.EventTypeJobCompleted, stage, model.JobStatusCompleted, "job completed", nil)
	}

	if err := o.store.TransitionJobStatus(ctx, id, []model.JobStatus{from}, model.JobStatusRunning, &next); err != nil {
		return err
	}
	if err := o.record(ctx, id, eventType, stage, model.JobStatusRunning, message, payload); err != nil {
		return err
	}

	o.dispatch(id)
	return nil
}

// ============================================================================
// 阶段执行循环
// ============================================================================

// dispatch 在后台 goroutine 启动作业的阶段执行循环
func (o *Orchestrator) dispatch(id string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runStages(id)
	}()
}

// runStages 从作业当前阶段开始逐阶段执行
//
// 每轮循环重新读取作业：并发的取消、拒绝或关停都会让
// 条件状态迁移落空，循环随之退出，不产生多余的状态变更。
func (o *Orchestrator) runStages(id string) {
	log := o.logger.WithJobID(id)

	for {
		if o.runCtx.Err() != nil {
			return
		}

		job, err := o.store.GetJob(o.runCtx, id)
		if err != nil {
			log.WithError(err).Error("load job for stage run failed")
			return
		}
		if job == nil || job.Status != model.JobStatusRunning {
			return
		}

		stage := job.Stage
		if err := o.record(o.runCtx, id, model.EventTypeStageStarted, stage, model.JobStatusRunning,
			fmt.Sprintf("stage %s started", stage), nil); err != nil {
			log.WithError(err).Error("record stage_started failed")
			return
		}

		outputs, err := o.executeStage(job, stage)
		if err != nil {
			o.failStage(id, stage, err)
			return
		}

		count, err := o.ingestOutputs(id, stage, outputs)
		if err != nil {
			o.failStage(id, stage, err)
			return
		}
		// 执行器"成功"但没有任何产物：该阶段的产物缺失，作业失败
		if count == 0 {
			o.failStage(id, stage, fmt.Errorf("stage %s produced no artifacts", stage))
			return
		}

		if err := o.record(o.runCtx, id, model.EventTypeStageCompleted, stage, model.JobStatusRunning,
			fmt.Sprintf("stage %s completed", stage), map[string]interface{}{"artifact_count": count}); err != nil {
			log.WithError(err).Error("record stage_completed failed")
			return
		}

		// 门禁检查：required 且未决的门禁阻塞推进
		if gate := job.GateFor(stage); gate != nil && gate.Blocks() {
			if err := o.store.TransitionJobStatus(o.runCtx, id,
				[]model.JobStatus{model.JobStatusRunning}, model.JobStatusNeedsApproval, nil); err != nil {
				// 并发取消抢先，作业已终态
				log.WithError(err).Info("gate pause transition lost, job no longer running")
				return
			}
			now := time.Now().UTC()
			if err := o.store.MarkGatePaused(o.runCtx, id, stage, now); err != nil {
				log.WithError(err).Warn("mark gate paused failed")
			}
			if err := o.record(o.runCtx, id, model.EventTypeGatePause, stage, model.JobStatusNeedsApproval,
				fmt.Sprintf("waiting for approval at %s", stage), nil); err != nil {
				log.WithError(err).Error("record gate_pause failed")
			}
			return
		}

		next := model.NextStage(stage)
		if next == "" {
			if err := o.store.TransitionJobStatus(o.runCtx, id,
				[]model.JobStatus{model.JobStatusRunning}, model.JobStatusCompleted, nil); err != nil {
				log.WithError(err).Info("completion transition lost, job no longer running")
				return
			}
			if err := o.record(o.runCtx, id, model.EventTypeJobCompleted, stage, model.JobStatusCompleted, "job completed", nil); err != nil {
				log.WithError(err).Error("record job_completed failed")
			}
			return
		}

		if err := o.store.TransitionJobStatus(o.runCtx, id,
			[]model.JobStatus{model.JobStatusRunning}, model.JobStatusRunning, &next); err != nil {
			// 取消或拒绝抢先，停止推进
			log.WithError(err).Info("stage advance transition lost, job no longer running")
			return
		}
	}
}

// executeStage 在独立的临时目录里跑一个阶段的执行器
// 取消函数登记在 stageCancels，CancelJob 据此中断在跑阶段。
func (o *Orchestrator) executeStage(job *model.Job, stage model.Stage) ([]StageOutput, error) {
	ctx := o.runCtx
	var cancel context.CancelFunc
	if o.stageTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.stageTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	o.stageCancels.Store(job.ID, cancel)
	defer func() {
		o.stageCancels.Delete(job.ID)
		cancel()
	}()

	outDir, err := os.MkdirTemp("", "stage-"+string(stage)+"-")
	if err != nil {
		return nil, fmt.Errorf("create stage scratch dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	start := time.Now()
	outputs, err := o.executor.Execute(ctx, job, stage, outDir)
	if o.metrics != nil {
		status := "completed"
		if err != nil {
			status = "failed"
		}
		o.metrics.ObserveStage(string(stage), status, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}

	// 临时目录在返回前被清理，这里立即收纳
	return outputs, nil
}

// ingestOutputs 把执行器产物收纳进产物树并登记数据库行
func (o *Orchestrator) ingestOutputs(id string, stage model.Stage, outputs []StageOutput) (int, error) {
	for _, out := range outputs {
		artifact, err := o.artifacts.Ingest(id, stage, out.Kind, out.Path)
		if err != nil {
			return 0, fmt.Errorf("ingest artifact %s: %w", out.Path, err)
		}
		artifact.Meta = out.Meta
		if err := o.store.AddArtifact(o.runCtx, artifact); err != nil {
			return 0, fmt.Errorf("register artifact %s: %w", artifact.Path, err)
		}
	}
	return len(outputs), nil
}

// failStage 执行器失败是作业的终态：没有编排器层面的自动重试
//
// 作业已被并发取消时不再迁移状态，失败结果只留日志。
func (o *Orchestrator) failStage(id string, stage model.Stage, cause error) {
	log := o.logger.WithJobID(id).WithStage(string(stage)).WithError(cause)

	if err := o.store.TransitionJobStatus(o.runCtx, id,
		[]model.JobStatus{model.JobStatusRunning}, model.JobStatusFailed, nil); err != nil {
		log.Info("stage failed after job left running state, no transition")
		return
	}
	if err := o.store.SetJobError(o.runCtx, id, cause.Error()); err != nil {
		log.WithError(err).Warn("record job error failed")
	}

	payload := map[string]interface{}{"error": cause.Error()}
	if err := o.record(o.runCtx, id, model.EventTypeStageFailed, stage, model.JobStatusFailed,
		fmt.Sprintf("stage %s failed", stage), payload); err != nil {
		log.WithError(err).Error("record stage_failed failed")
	}
	if err := o.record(o.runCtx, id, model.EventTypeJobFailed, stage, model.JobStatusFailed, "job failed", nil); err != nil {
		log.WithError(err).Error("record job_failed failed")
	}
	log.Error("stage execution failed, job terminal")
}

// record 组装并记录一条作业事件（先写后答）
func (o *Orchestrator) record(ctx context.Context, id string, eventType model.EventType, stage model.Stage, status model.JobStatus, message string, payload map[string]interface{}) error {
	var raw json.RawMessage
	if len(payload) > 0 {
		raw, _ = json.Marshal(payload)
	}
	return o.recorder.Record(ctx, &model.Event{
		JobID:   id,
		Type:    eventType,
		Stage:   stage,
		Status:  status,
		Message: message,
		Payload: raw,
	})
}
