// Package model 定义核心数据模型
//
// job.go 包含作业相关的数据模型定义：
//   - Job：内容生产流水线的一次作业
//   - JobStatus：作业状态枚举
//   - Stage：流水线阶段枚举（固定顺序）
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Stage - 流水线阶段
// ============================================================================

// Stage 表示内容生产流水线中的一个阶段
//
// 阶段顺序固定，作业只能沿此顺序单向推进：
//
//	outline → research → script → storyboard → assets →
//	animatics → audio → assemble → acceptance
//
// 为什么顺序固定？
//  1. 每个阶段消费上游产物：脚本依赖大纲，分镜依赖脚本
//  2. 审批门禁挂在阶段边界上，顺序可预测才能审
//  3. 回退通过"补丁 + 从门禁阶段重跑"实现，而不是倒退状态
type Stage string

const (
	// StageOutline 大纲：生成内容大纲
	StageOutline Stage = "outline"

	// StageResearch 调研：补充素材与事实核查
	StageResearch Stage = "research"

	// StageScript 脚本：撰写完整脚本文稿
	StageScript Stage = "script"

	// StageStoryboard 分镜：把脚本拆分为分镜节拍
	StageStoryboard Stage = "storyboard"

	// StageAssets 素材：生成或收集视觉素材
	StageAssets Stage = "assets"

	// StageAnimatics 动态分镜：粗剪动态样片
	StageAnimatics Stage = "animatics"

	// StageAudio 音频：配音、配乐与混音
	StageAudio Stage = "audio"

	// StageAssemble 合成：合成最终成片
	StageAssemble Stage = "assemble"

	// StageAcceptance 验收：最终质量验收
	StageAcceptance Stage = "acceptance"
)

// Stages 按流水线顺序排列的全部阶段
var Stages = []Stage{
	StageOutline,
	StageResearch,
	StageScript,
	StageStoryboard,
	StageAssets,
	StageAnimatics,
	StageAudio,
	StageAssemble,
	StageAcceptance,
}

// StageIndex 返回阶段在流水线中的序号，未知阶段返回 -1
func StageIndex(s Stage) int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// NextStage 返回下一个阶段；最后一个阶段或未知阶段返回空串
func NextStage(s Stage) Stage {
	idx := StageIndex(s)
	if idx < 0 || idx >= len(Stages)-1 {
		return ""
	}
	return Stages[idx+1]
}

// ValidStage 判断是否为合法阶段
func ValidStage(s Stage) bool {
	return StageIndex(s) >= 0
}

// ============================================================================
// JobStatus - 作业状态
// ============================================================================

// JobStatus 表示作业的生命周期状态
//
// 状态流转：
//
//	queued → running → needs_approval → running → ... → completed
//	                 ↘ failed                   ↘ paused → running
//	任意非终态 → canceled
//
// 终态：completed / failed / canceled，进入终态后状态不再改变。
//
// 为什么 needs_approval 是独立状态而不是 running 的子状态？
//  1. 等待审批时没有任何执行器在跑，资源视角与 running 完全不同
//  2. 操作员列表页需要一眼看到"哪些作业在等我"
//  3. 超时自动批准的巡检器只需扫描这一个状态
type JobStatus string

const (
	// JobStatusQueued 排队中：已创建，等待启动
	JobStatusQueued JobStatus = "queued"

	// JobStatusRunning 执行中：某个阶段的执行器正在运行
	JobStatusRunning JobStatus = "running"

	// JobStatusNeedsApproval 待审批：阶段已完成，等待门禁决定
	JobStatusNeedsApproval JobStatus = "needs_approval"

	// JobStatusPaused 已暂停：门禁被拒绝，等待操作员处理后恢复
	JobStatusPaused JobStatus = "paused"

	// JobStatusCompleted 已完成：全部阶段执行完毕（终态）
	JobStatusCompleted JobStatus = "completed"

	// JobStatusFailed 已失败：执行器出错或产物缺失（终态）
	JobStatusFailed JobStatus = "failed"

	// JobStatusCanceled 已取消：操作员主动终止（终态）
	JobStatusCanceled JobStatus = "canceled"
)

// IsTerminal 判断是否为终态
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// ValidJobStatus 判断是否为合法状态
func ValidJobStatus(s JobStatus) bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusNeedsApproval,
		JobStatusPaused, JobStatusCompleted, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// ============================================================================
// Job - 作业
// ============================================================================

// Job 表示内容生产流水线的一次作业
//
// 一个 Job 从创意意图出发，沿固定阶段顺序推进，
// 在配置了门禁的阶段边界暂停等待人工审批，
// 最终产出一组产物（Artifacts）。
//
// 关键约束：
//   - 阶段只进不退：Stage 的序号在非终态期间单调不减
//   - 配置快照不可变：Config 在创建时固化，补丁不修改它
//   - 终态不可逆：completed/failed/canceled 之后拒绝一切状态变更
//
// 字段说明：
//   - ID：唯一标识符（UUID）
//   - Slug：人类可读的短名，如 "spring-launch-teaser"
//   - Intent：创意意图描述，执行器的输入之一
//   - Status：作业状态
//   - Stage：当前阶段
//   - Config：创建时固化的配置快照（JSON，内容对编排器不透明）
//   - Operator：创建者
type Job struct {
	ID        string          `json:"id" db:"id"`                 // 作业唯一标识
	Slug      string          `json:"slug" db:"slug"`             // 可读短名
	Intent    string          `json:"intent" db:"intent"`         // 创意意图
	Status    JobStatus       `json:"status" db:"status"`         // 作业状态
	Stage     Stage           `json:"stage" db:"stage"`           // 当前阶段
	Config    json.RawMessage `json:"config,omitempty" db:"config"` // 配置快照
	Operator  string          `json:"operator,omitempty" db:"operator"` // 创建者
	Error     *string         `json:"error,omitempty" db:"error"` // 失败原因
	CreatedAt time.Time       `json:"created_at" db:"created_at"` // 创建时间
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"` // 更新时间

	// Gates 本作业的全部门禁（按阶段顺序），读取时从门禁表装配
	Gates []*Gate `json:"gates,omitempty" db:"-"`

	// Artifacts 本作业已登记的产物，读取时从产物表装配
	Artifacts []*Artifact `json:"artifacts,omitempty" db:"-"`
}

// IsTerminal 判断作业是否处于终态
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// GateFor 返回指定阶段的门禁，不存在时返回 nil
func (j *Job) GateFor(stage Stage) *Gate {
	for _, g := range j.Gates {
		if g.Stage == stage {
			return g
		}
	}
	return nil
}
