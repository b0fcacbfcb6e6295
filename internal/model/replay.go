// Package model 定义核心数据模型
//
// replay.go 实现事件回放：从作业的事件序列重建派生状态。
package model

import "encoding/json"

// ============================================================================
// Replay - 事件回放
// ============================================================================

// ReplayGate 回放得到的门禁派生状态
type ReplayGate struct {
	Approved     *bool  // 决定三态
	By           string // 决定者
	AutoApproved bool   // 是否超时自动批准
}

// ReplayState 回放得到的作业派生状态
//
// 事件日志是作业历史的规范记录：给定一个作业的全部事件
// （按 (Timestamp, ID) 升序），Replay 必须能重建出与持久层
// 一致的作业状态、门禁决定与产物计数。测试以此校验
// "每次状态变更恰好一条事件"的不变量。
type ReplayState struct {
	Status    JobStatus          // 最终作业状态
	Stage     Stage              // 最终阶段
	Gates     map[Stage]*ReplayGate // 各阶段门禁决定
	Artifacts map[Stage]int      // 各阶段产物计数
}

// Replay 从事件序列重建作业派生状态
//
// events 必须按 (Timestamp, ID) 升序排列，即 ListEvents 的返回顺序。
// 心跳帧不落库，因此回放中不应出现；出现时被忽略。
func Replay(events []*Event) *ReplayState {
	st := &ReplayState{
		Gates:     make(map[Stage]*ReplayGate),
		Artifacts: make(map[Stage]int),
	}

	for _, ev := range events {
		// 事件行直接携带变更后的状态与阶段
		if ev.Status != "" {
			st.Status = ev.Status
		}
		if ev.Stage != "" {
			st.Stage = ev.Stage
		}

		switch ev.Type {
		case EventTypeStageCompleted:
			var p struct {
				ArtifactCount int `json:"artifact_count"`
			}
			if len(ev.Payload) > 0 && json.Unmarshal(ev.Payload, &p) == nil {
				st.Artifacts[ev.Stage] += p.ArtifactCount
			}

		case EventTypeGateApproved:
			approved := true
			g := &ReplayGate{Approved: &approved}
			var p struct {
				Operator string `json:"operator"`
			}
			if len(ev.Payload) > 0 && json.Unmarshal(ev.Payload, &p) == nil {
				g.By = p.Operator
			}
			st.Gates[ev.Stage] = g

		case EventTypeGateAutoApproved:
			approved := true
			st.Gates[ev.Stage] = &ReplayGate{Approved: &approved, AutoApproved: true}

		case EventTypeGateRejected:
			rejected := false
			g := &ReplayGate{Approved: &rejected}
			var p struct {
				Operator string `json:"operator"`
			}
			if len(ev.Payload) > 0 && json.Unmarshal(ev.Payload, &p) == nil {
				g.By = p.Operator
			}
			st.Gates[ev.Stage] = g

		case EventTypePatchApplied:
			// 补丁生效后门禁被重判为批准，来源标记为 "patch"
			approved := true
			st.Gates[ev.Stage] = &ReplayGate{Approved: &approved, By: "patch"}

		case EventTypeHeartbeat:
			// 心跳帧不参与回放
		}
	}

	return st
}
