// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在子包中：repository/ + driver/{sqlite,postgres}
//   - 初始化时通过依赖注入传入实现
//
// 事务语义：接口的每个方法都是一次完整事务。
// 跨实体的原子写（如创建作业时同时生成门禁）在单个方法内完成，
// 调用方不组合多个方法来构造事务。
package storage

import (
	"context"
	"encoding/json"
	"time"

	"studio-orchestrator/internal/model"
)

// ============================================================================
// 分域接口
// ============================================================================

// JobStore 作业存储接口
type JobStore interface {
	// CreateJob 创建作业及其全部门禁（同一事务）
	CreateJob(ctx context.Context, job *model.Job) error

	// GetJob 读取作业并装配门禁与产物；不存在时返回 (nil, nil)
	GetJob(ctx context.Context, id string) (*model.Job, error)

	// ListJobs 按创建时间倒序列出作业（不装配子对象）
	ListJobs(ctx context.Context, limit int) ([]*model.Job, error)

	// ListJobsByStatus 按状态列出作业，供超时巡检扫描 needs_approval
	ListJobsByStatus(ctx context.Context, status model.JobStatus, limit int) ([]*model.Job, error)

	// UpdateJobStatus 无条件更新状态（stage 为 nil 时保持当前阶段）
	UpdateJobStatus(ctx context.Context, id string, status model.JobStatus, stage *model.Stage) error

	// TransitionJobStatus 条件状态迁移：仅当当前状态在 from 集合内才写入。
	// 未命中时区分两种失败：作业不存在返回 ErrNotFound，
	// 状态不符返回 ErrConflict。并发调用恰好一个成功。
	TransitionJobStatus(ctx context.Context, id string, from []model.JobStatus, to model.JobStatus, stage *model.Stage) error

	// SetJobError 记录失败原因
	SetJobError(ctx context.Context, id string, errMsg string) error

	// DeleteJob 删除作业及其门禁、产物、事件（级联）
	DeleteJob(ctx context.Context, id string) error
}

// GateStore 审批门禁存储接口
type GateStore interface {
	// GetGate 读取门禁；不存在时返回 (nil, nil)
	GetGate(ctx context.Context, jobID string, stage model.Stage) (*model.Gate, error)

	// ListGates 按阶段顺序列出作业的全部门禁
	ListGates(ctx context.Context, jobID string) ([]*model.Gate, error)

	// DecideGate 写入门禁决定，仅当门禁未决时生效。
	// 这是操作员批准与超时自动批准之间竞态的唯一仲裁点：
	// 恰好一个写入成功，落败方收到 ErrConflict。
	DecideGate(ctx context.Context, jobID string, stage model.Stage, approved bool, by string, notes string, patch json.RawMessage, autoApproved bool) error

	// RedecideGateAfterPatch 补丁生效后把已拒绝的门禁重判为批准，
	// 来源标记为 "patch"。仅对已拒绝的门禁生效，否则返回 ErrConflict。
	RedecideGateAfterPatch(ctx context.Context, jobID string, stage model.Stage) error

	// MarkGatePaused 记录作业因本门禁进入待审批的时间，
	// 超时自动批准以此为计时起点
	MarkGatePaused(ctx context.Context, jobID string, stage model.Stage, pausedAt time.Time) error
}

// ArtifactStore 产物存储接口
type ArtifactStore interface {
	// AddArtifact 登记产物；同一 (job_id, stage, path) 重复登记时
	// 更新大小、摘要与元数据（补丁改写产物后重新登记）
	AddArtifact(ctx context.Context, artifact *model.Artifact) error

	// ListArtifacts 列出作业的全部产物
	ListArtifacts(ctx context.Context, jobID string) ([]*model.Artifact, error)
}

// EventStore 事件存储接口
type EventStore interface {
	// AddEvent 追加一条事件（写入成功后回填自增 ID）
	AddEvent(ctx context.Context, event *model.Event) error

	// ListEvents 按 (timestamp, id) 升序列出作业事件；
	// since 非 nil 时只返回严格晚于该时刻的事件
	ListEvents(ctx context.Context, jobID string, limit int, since *time.Time) ([]*model.Event, error)

	// CountEventsByJob 统计作业的事件数量
	CountEventsByJob(ctx context.Context, jobID string) (int, error)
}

// ============================================================================
// 组合接口
// ============================================================================

// PersistentStore 持久化存储组合接口
type PersistentStore interface {
	JobStore
	GateStore
	ArtifactStore
	EventStore

	// Ping 探测存储连通性（健康检查用）
	Ping(ctx context.Context) error

	Close() error
}
