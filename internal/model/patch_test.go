// Package model 定义核心数据模型的测试
package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParsePatch_ScriptTextReplace 验证脚本阶段的字面替换补丁
func TestParsePatch_ScriptTextReplace(t *testing.T) {
	raw := json.RawMessage(`{"type":"text_replace","find":"旧台词","replace":"新台词"}`)

	p, err := ParsePatch(StageScript, raw)
	require.NoError(t, err)
	assert.Equal(t, PatchTypeTextReplace, p.Type)
	assert.Equal(t, "旧台词", p.Find)
	assert.Equal(t, "新台词", p.Replace)
}

// TestParsePatch_ScriptSectionReplace 验证脚本阶段的分节替换补丁
func TestParsePatch_ScriptSectionReplace(t *testing.T) {
	raw := json.RawMessage(`{"type":"section_replace","section":"intro","replace":"新的开场"}`)

	p, err := ParsePatch(StageScript, raw)
	require.NoError(t, err)
	assert.Equal(t, PatchTypeSectionReplace, p.Type)
	assert.Equal(t, "intro", p.Section)
}

// TestParsePatch_StoryboardBeats 验证分镜阶段的节拍时长补丁
func TestParsePatch_StoryboardBeats(t *testing.T) {
	raw := json.RawMessage(`{"type":"beat_durations","beats":{"opening":3.5,"reveal":2}}`)

	p, err := ParsePatch(StageStoryboard, raw)
	require.NoError(t, err)
	assert.Equal(t, PatchTypeBeatDurations, p.Type)
	assert.Equal(t, 3.5, p.Beats["opening"])
	assert.Equal(t, 2.0, p.Beats["reveal"])
}

// TestParsePatch_AudioLevelAdjust 验证音频阶段的电平补丁
func TestParsePatch_AudioLevelAdjust(t *testing.T) {
	raw := json.RawMessage(`{"type":"level_adjust","gain_db":-3}`)

	p, err := ParsePatch(StageAudio, raw)
	require.NoError(t, err)
	assert.Equal(t, PatchTypeLevelAdjust, p.Type)
	assert.Equal(t, -3.0, p.GainDB)
}

// TestParsePatch_UnknownCombination 验证 (阶段, 类型) 不匹配被显式拒绝
func TestParsePatch_UnknownCombination(t *testing.T) {
	tests := []struct {
		name  string
		stage Stage
		raw   string
	}{
		{
			name:  "text_replace on storyboard",
			stage: StageStoryboard,
			raw:   `{"type":"text_replace","find":"a","replace":"b"}`,
		},
		{
			name:  "beat_durations on script",
			stage: StageScript,
			raw:   `{"type":"beat_durations","beats":{"x":1}}`,
		},
		{
			name:  "level_adjust on outline",
			stage: StageOutline,
			raw:   `{"type":"level_adjust","gain_db":1}`,
		},
		{
			name:  "made-up type",
			stage: StageScript,
			raw:   `{"type":"color_grade"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePatch(tt.stage, json.RawMessage(tt.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnknownPatch)
		})
	}
}

// TestParsePatch_MissingFields 验证必填字段缺失被拒绝
func TestParsePatch_MissingFields(t *testing.T) {
	// text_replace 缺 find
	_, err := ParsePatch(StageScript, json.RawMessage(`{"type":"text_replace","replace":"b"}`))
	require.Error(t, err)

	// section_replace 缺 section
	_, err = ParsePatch(StageScript, json.RawMessage(`{"type":"section_replace","replace":"b"}`))
	require.Error(t, err)

	// beat_durations 缺 beats
	_, err = ParsePatch(StageStoryboard, json.RawMessage(`{"type":"beat_durations"}`))
	require.Error(t, err)

	// beat_durations 负时长
	_, err = ParsePatch(StageStoryboard, json.RawMessage(`{"type":"beat_durations","beats":{"x":-1}}`))
	require.Error(t, err)

	// 空补丁
	_, err = ParsePatch(StageScript, nil)
	require.Error(t, err)
}
