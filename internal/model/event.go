// Package model 定义核心数据模型
//
// event.go 包含事件相关的数据模型定义：
//   - Event：作业状态变更事件（事件日志的基本单元）
//   - EventType：事件类型枚举
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// EventType - 事件类型
// ============================================================================

// EventType 定义事件的类型
//
// 事件分类：
//  1. 作业生命周期：job_created, job_started, job_resumed,
//     job_completed, job_failed, job_canceled, job_deleted
//  2. 阶段事件：stage_started, stage_completed, stage_failed
//  3. 门禁事件：gate_pause, gate_approved, gate_rejected, gate_auto_approved
//  4. 补丁事件：patch_applied
//  5. 流控制帧：heartbeat（只在订阅流中出现，不落库）
type EventType string

const (
	// === 作业生命周期事件 ===

	// EventTypeJobCreated 作业已创建
	EventTypeJobCreated EventType = "job_created"

	// EventTypeJobStarted 作业开始执行
	EventTypeJobStarted EventType = "job_started"

	// EventTypeJobResumed 作业从暂停恢复
	EventTypeJobResumed EventType = "job_resumed"

	// EventTypeJobCompleted 作业全部阶段完成（终态）
	EventTypeJobCompleted EventType = "job_completed"

	// EventTypeJobFailed 作业失败（终态）
	EventTypeJobFailed EventType = "job_failed"

	// EventTypeJobCanceled 作业被取消（终态）
	EventTypeJobCanceled EventType = "job_canceled"

	// EventTypeJobDeleted 作业及其数据被删除
	EventTypeJobDeleted EventType = "job_deleted"

	// === 阶段事件 ===

	// EventTypeStageStarted 阶段开始执行
	EventTypeStageStarted EventType = "stage_started"

	// EventTypeStageCompleted 阶段执行成功
	// Payload: {"artifacts": 2}
	EventTypeStageCompleted EventType = "stage_completed"

	// EventTypeStageFailed 阶段执行失败
	// Payload: {"error": "..."}
	EventTypeStageFailed EventType = "stage_failed"

	// === 门禁事件 ===

	// EventTypeGatePause 因门禁进入待审批
	EventTypeGatePause EventType = "gate_pause"

	// EventTypeGateApproved 门禁被操作员批准
	// Payload: {"operator": "...", "notes": "..."}
	EventTypeGateApproved EventType = "gate_approved"

	// EventTypeGateRejected 门禁被操作员拒绝
	// Payload: {"operator": "...", "notes": "...", "has_patch": true}
	EventTypeGateRejected EventType = "gate_rejected"

	// EventTypeGateAutoApproved 门禁超时自动批准
	// Payload: {"timeout_sec": 600}
	EventTypeGateAutoApproved EventType = "gate_auto_approved"

	// === 补丁事件 ===

	// EventTypePatchApplied 补丁已应用到产物
	// Payload: {"patch_type": "text_replace", "artifact": "..."}
	EventTypePatchApplied EventType = "patch_applied"

	// === 流控制帧 ===

	// EventTypeHeartbeat 心跳帧：证明订阅流仍然存活。
	// 只出现在订阅通道和流式响应中，不写入事件日志。
	EventTypeHeartbeat EventType = "heartbeat"
)

// ============================================================================
// Event - 作业事件
// ============================================================================

// Event 表示作业的一次状态变更
//
// 事件是作业历史的规范记录：每次状态变更恰好产生一条事件，
// 且在调用方收到响应之前已经持久化（先写后答）。
// 从空状态回放一个作业的全部事件，必须能重建出
// 作业、门禁与产物的最终状态（见 Replay）。
//
// 排序：作业内按 (Timestamp, ID) 全序，自增 ID 打破同时间戳并列。
//
// 字段说明：
//   - ID：自增主键
//   - JobID：所属作业
//   - Type：事件类型
//   - Stage：相关阶段（可选）
//   - Status：变更后的作业状态（可选）
//   - Message：人类可读描述
//   - Payload：事件数据（JSON）
type Event struct {
	ID        int64           `json:"id" db:"id"`                         // 事件 ID
	JobID     string          `json:"job_id" db:"job_id"`                 // 所属作业
	Type      EventType       `json:"type" db:"type"`                     // 事件类型
	Stage     Stage           `json:"stage,omitempty" db:"stage"`         // 相关阶段
	Status    JobStatus       `json:"status,omitempty" db:"status"`       // 变更后状态
	Message   string          `json:"message,omitempty" db:"message"`     // 可读描述
	Payload   json.RawMessage `json:"payload,omitempty" db:"payload"`     // 事件数据
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`           // 事件时间
}

// HeartbeatEvent 构造一条心跳帧（不落库，仅用于订阅流）
func HeartbeatEvent(jobID string) Event {
	return Event{
		JobID:     jobID,
		Type:      EventTypeHeartbeat,
		Timestamp: time.Now().UTC(),
	}
}
