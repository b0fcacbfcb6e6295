// Package model 定义核心数据模型
//
// patch.go 包含补丁相关的数据模型定义：
//   - Patch：拒绝门禁时附带的修正补丁
//   - PatchType：补丁类型枚举（与阶段绑定）
package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownPatch 表示 (阶段, 补丁类型) 组合不被支持
var ErrUnknownPatch = errors.New("unknown patch type for stage")

// ============================================================================
// PatchType - 补丁类型
// ============================================================================

// PatchType 表示补丁的类型
//
// 补丁类型与阶段绑定：每种类型只对特定阶段合法，
// 其余组合在拒绝门禁时即被显式拒绝，而不是静默忽略。
type PatchType string

const (
	// PatchTypeTextReplace 脚本阶段：字面文本替换
	// 字段：find, replace
	PatchTypeTextReplace PatchType = "text_replace"

	// PatchTypeSectionReplace 脚本阶段：按分节定界符替换
	// 字段：section, replace；定界符形如 [[name]] ... [[/name]]
	PatchTypeSectionReplace PatchType = "section_replace"

	// PatchTypeBeatDurations 分镜阶段：调整命名节拍的时长
	// 字段：beats（节拍名 → 秒数）
	PatchTypeBeatDurations PatchType = "beat_durations"

	// PatchTypeLevelAdjust 音频阶段：电平调整指令。
	// 不改写既有产物，记录为下一次音频阶段执行的输入指令。
	// 字段：gain_db
	PatchTypeLevelAdjust PatchType = "level_adjust"
)

// patchStages (阶段, 类型) 合法组合表
var patchStages = map[PatchType]Stage{
	PatchTypeTextReplace:    StageScript,
	PatchTypeSectionReplace: StageScript,
	PatchTypeBeatDurations:  StageStoryboard,
	PatchTypeLevelAdjust:    StageAudio,
}

// ============================================================================
// Patch - 修正补丁
// ============================================================================

// Patch 表示拒绝门禁时附带的修正补丁
//
// 语义：操作员拒绝门禁时可以附上一个小修正；
// 恢复作业时编排器应用补丁，把门禁重判为批准并带上
// 补丁来源标记，然后从门禁所在阶段继续。
//
// 只有与门禁阶段匹配的补丁类型才被接受（见 patchStages）。
type Patch struct {
	// Type 补丁类型
	Type PatchType `json:"type"`

	// Find 要查找的字面文本（text_replace）
	Find string `json:"find,omitempty"`

	// Section 分节名（section_replace）
	Section string `json:"section,omitempty"`

	// Replace 替换文本（text_replace / section_replace）
	Replace string `json:"replace,omitempty"`

	// Beats 节拍名到秒数的映射（beat_durations）
	Beats map[string]float64 `json:"beats,omitempty"`

	// GainDB 电平增益，单位 dB（level_adjust）
	GainDB float64 `json:"gain_db,omitempty"`
}

// ParsePatch 解析并校验补丁
//
// stage 是补丁将要作用的阶段（即被拒门禁的阶段）。
// 类型与阶段不匹配、或必填字段缺失时返回 ErrUnknownPatch
// 或具体的字段错误。
func ParsePatch(stage Stage, raw json.RawMessage) (*Patch, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty patch")
	}

	var p Patch
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}

	want, ok := patchStages[p.Type]
	if !ok || want != stage {
		return nil, fmt.Errorf("%w: type=%q stage=%q", ErrUnknownPatch, p.Type, stage)
	}

	switch p.Type {
	case PatchTypeTextReplace:
		if p.Find == "" {
			return nil, fmt.Errorf("text_replace patch: find is required")
		}
	case PatchTypeSectionReplace:
		if p.Section == "" {
			return nil, fmt.Errorf("section_replace patch: section is required")
		}
	case PatchTypeBeatDurations:
		if len(p.Beats) == 0 {
			return nil, fmt.Errorf("beat_durations patch: beats is required")
		}
		for name, sec := range p.Beats {
			if sec < 0 {
				return nil, fmt.Errorf("beat_durations patch: beat %q has negative duration", name)
			}
		}
	case PatchTypeLevelAdjust:
		// gain_db 为 0 也是合法指令
	}

	return &p, nil
}
