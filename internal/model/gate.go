// Package model 定义核心数据模型
//
// gate.go 包含审批门禁相关的数据模型定义：
//   - Gate：阶段审批门禁
//   - GatePolicy：创建作业时的门禁配置
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Gate - 审批门禁
// ============================================================================

// Gate 表示挂在某个阶段上的人工审批门禁
//
// 门禁以 (JobID, Stage) 唯一标识，在作业创建时与作业同一事务生成。
// 阶段执行成功后，若该阶段存在 required 且未决的门禁，
// 作业进入 needs_approval 等待决定。
//
// 决定的三态语义：
//   - Approved == nil：未决
//   - *Approved == true：已批准（操作员批准、超时自动批准、或补丁后重判）
//   - *Approved == false：已拒绝
//
// 决定一旦写入即不可变，唯一例外是"拒绝 + 补丁 + 恢复"路径：
// 恢复作业时补丁生效，门禁被重判为批准并带上补丁来源标记。
//
// 竞态仲裁：操作员批准与超时自动批准可能同时发生，
// 持久层的条件更新是唯一仲裁者，恰好一个写入生效，
// 落败方收到"门禁已决"冲突错误。
type Gate struct {
	// JobID 所属作业
	JobID string `json:"job_id" db:"job_id"`

	// Stage 门禁挂载的阶段
	Stage Stage `json:"stage" db:"stage"`

	// Required 是否必须审批；false 的门禁永不阻塞推进
	Required bool `json:"required" db:"required"`

	// Approved 决定三态：nil 未决 / true 批准 / false 拒绝
	Approved *bool `json:"approved" db:"approved"`

	// By 决定者；操作员名，补丁重判时为 "patch"
	By string `json:"by,omitempty" db:"decided_by"`

	// Notes 审批意见（可选）
	Notes string `json:"notes,omitempty" db:"notes"`

	// Patch 拒绝时附带的修正补丁（可选，JSON）
	Patch json.RawMessage `json:"patch,omitempty" db:"patch"`

	// AutoApproved 是否由超时巡检自动批准
	AutoApproved bool `json:"auto_approved" db:"auto_approved"`

	// TimeoutSec 超时秒数；0 表示永不自动批准
	TimeoutSec int `json:"timeout_sec,omitempty" db:"timeout_sec"`

	// PausedAt 作业因本门禁进入 needs_approval 的时间，
	// 超时自动批准以此为起点计时
	PausedAt *time.Time `json:"paused_at,omitempty" db:"paused_at"`

	// DecidedAt 决定写入时间
	DecidedAt *time.Time `json:"decided_at,omitempty" db:"decided_at"`

	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// IsDecided 判断门禁是否已决
func (g *Gate) IsDecided() bool {
	return g.Approved != nil
}

// IsRejected 判断门禁是否被拒绝
func (g *Gate) IsRejected() bool {
	return g.Approved != nil && !*g.Approved
}

// Blocks 判断门禁当前是否阻塞推进
//
// 只有 required 且未决的门禁才阻塞；required=false 的门禁
// 仅作记录，永不阻塞。
func (g *Gate) Blocks() bool {
	return g.Required && !g.IsDecided()
}

// TimedOut 判断门禁是否已超过自动批准期限
func (g *Gate) TimedOut(now time.Time) bool {
	if g.TimeoutSec <= 0 || g.PausedAt == nil {
		return false
	}
	return now.Sub(*g.PausedAt) >= time.Duration(g.TimeoutSec)*time.Second
}

// ============================================================================
// GatePolicy - 门禁配置
// ============================================================================

// GatePolicy 描述创建作业时某个阶段的门禁配置
//
// 作业级策略覆盖服务级默认策略；未配置门禁的阶段总是自动推进。
type GatePolicy struct {
	// Stage 门禁挂载的阶段
	Stage Stage `json:"stage" yaml:"stage"`

	// Required 是否必须审批
	Required bool `json:"required" yaml:"required"`

	// TimeoutSec 超时自动批准秒数；0 表示永不自动批准
	TimeoutSec int `json:"timeout_sec,omitempty" yaml:"timeout_sec"`
}
