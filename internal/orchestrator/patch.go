// Package orchestrator 补丁引擎
//
// 补丁是按 (阶段, 补丁类型) 分发的带标签联合：每种合法组合
// 一个处理函数，未知组合在拒绝门禁时即被拒绝（见 model.ParsePatch），
// 这里对落库后的补丁做二次校验兜底。
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"studio-orchestrator/internal/model"
)

// applyPatch 把门禁携带的补丁应用到对应阶段的产物
//
// 脚本与分镜补丁改写产物文件本身（同一路径写入新内容，
// 产物行的大小与摘要随之更新）；音频补丁不改文件，
// 把电平指令记录到产物元数据，供下一次音频阶段执行消费。
// 返回解析后的补丁与被改写（或被标注）的产物。
func (o *Orchestrator) applyPatch(ctx context.Context, job *model.Job, gate *model.Gate) (*model.Patch, *model.Artifact, error) {
	patch, err := model.ParsePatch(gate.Stage, gate.Patch)
	if err != nil {
		return nil, nil, err
	}

	artifact := stageArtifact(job, gate.Stage)
	if artifact == nil {
		return nil, nil, fmt.Errorf("no artifact recorded for stage %s", gate.Stage)
	}
	name := filepath.Base(artifact.Path)

	switch patch.Type {
	case model.PatchTypeTextReplace, model.PatchTypeSectionReplace:
		data, err := o.artifacts.ReadFile(job.ID, gate.Stage, name)
		if err != nil {
			return nil, nil, fmt.Errorf("read script artifact: %w", err)
		}
		var out []byte
		if patch.Type == model.PatchTypeTextReplace {
			out, err = patchTextReplace(data, patch)
		} else {
			out, err = patchSectionReplace(data, patch)
		}
		if err != nil {
			return nil, nil, err
		}
		updated, err := o.artifacts.WriteFile(job.ID, gate.Stage, name, out)
		if err != nil {
			return nil, nil, fmt.Errorf("rewrite script artifact: %w", err)
		}
		updated.Kind = artifact.Kind
		if err := o.store.AddArtifact(ctx, updated); err != nil {
			return nil, nil, fmt.Errorf("register patched artifact: %w", err)
		}
		return patch, updated, nil

	case model.PatchTypeBeatDurations:
		data, err := o.artifacts.ReadFile(job.ID, gate.Stage, name)
		if err != nil {
			return nil, nil, fmt.Errorf("read storyboard artifact: %w", err)
		}
		out, err := patchBeatDurations(data, patch)
		if err != nil {
			return nil, nil, err
		}
		updated, err := o.artifacts.WriteFile(job.ID, gate.Stage, name, out)
		if err != nil {
			return nil, nil, fmt.Errorf("rewrite storyboard artifact: %w", err)
		}
		updated.Kind = artifact.Kind
		if err := o.store.AddArtifact(ctx, updated); err != nil {
			return nil, nil, fmt.Errorf("register patched artifact: %w", err)
		}
		return patch, updated, nil

	case model.PatchTypeLevelAdjust:
		meta, err := mergeGainDirective(artifact.Meta, patch.GainDB)
		if err != nil {
			return nil, nil, err
		}
		artifact.Meta = meta
		if err := o.store.AddArtifact(ctx, artifact); err != nil {
			return nil, nil, fmt.Errorf("record level directive: %w", err)
		}
		return patch, artifact, nil

	default:
		return nil, nil, fmt.Errorf("%w: type=%q stage=%q", model.ErrUnknownPatch, patch.Type, gate.Stage)
	}
}

// stageArtifact 选出阶段的主产物
//
// 优先取类别与阶段对应的产物（脚本阶段取 script，分镜阶段取
// storyboard，音频阶段取 audio），否则取该阶段最早登记的产物。
func stageArtifact(job *model.Job, stage model.Stage) *model.Artifact {
	var preferred model.ArtifactKind
	switch stage {
	case model.StageScript:
		preferred = model.ArtifactKindScript
	case model.StageStoryboard:
		preferred = model.ArtifactKindStoryboard
	case model.StageAudio:
		preferred = model.ArtifactKindAudio
	}

	var first *model.Artifact
	for _, a := range job.Artifacts {
		if a.Stage != stage {
			continue
		}
		if a.Kind == preferred {
			return a
		}
		if first == nil {
			first = a
		}
	}
	return first
}

// patchTextReplace 字面文本替换，替换全部出现
func patchTextReplace(data []byte, p *model.Patch) ([]byte, error) {
	text := string(data)
	if !strings.Contains(text, p.Find) {
		return nil, fmt.Errorf("text_replace patch: %q not found in script", p.Find)
	}
	return []byte(strings.ReplaceAll(text, p.Find, p.Replace)), nil
}

// patchSectionReplace 替换 [[name]] ... [[/name]] 定界符之间的内容
// 定界符本身保留，只替换中间文本。
func patchSectionReplace(data []byte, p *model.Patch) ([]byte, error) {
	text := string(data)
	open := "[[" + p.Section + "]]"
	closing := "[[/" + p.Section + "]]"

	start := strings.Index(text, open)
	if start < 0 {
		return nil, fmt.Errorf("section_replace patch: section %q not found", p.Section)
	}
	bodyStart := start + len(open)
	end := strings.Index(text[bodyStart:], closing)
	if end < 0 {
		return nil, fmt.Errorf("section_replace patch: section %q is not closed", p.Section)
	}
	end += bodyStart

	var sb strings.Builder
	sb.WriteString(text[:bodyStart])
	sb.WriteString("\n")
	sb.WriteString(strings.TrimSpace(p.Replace))
	sb.WriteString("\n")
	sb.WriteString(text[end:])
	return []byte(sb.String()), nil
}

// storyboardBeat 分镜文档中的一个节拍
// 补丁引擎只认识节拍部分，文档的其余字段原样透传。
type storyboardBeat struct {
	Name     string  `json:"name"`
	Duration float64 `json:"duration"`
}

// patchBeatDurations 调整命名节拍的时长
// 补丁中出现而文档里不存在的节拍名是错误，不做静默忽略。
func patchBeatDurations(data []byte, p *model.Patch) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("beat_durations patch: parse storyboard: %w", err)
	}
	var beats []storyboardBeat
	if err := json.Unmarshal(doc["beats"], &beats); err != nil {
		return nil, fmt.Errorf("beat_durations patch: parse beats: %w", err)
	}

	index := make(map[string]int, len(beats))
	for i, b := range beats {
		index[b.Name] = i
	}
	for name, sec := range p.Beats {
		i, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("beat_durations patch: beat %q not in storyboard", name)
		}
		beats[i].Duration = sec
	}

	raw, err := json.Marshal(beats)
	if err != nil {
		return nil, err
	}
	doc["beats"] = raw
	return json.Marshal(doc)
}

// mergeGainDirective 把电平指令合并进产物元数据
func mergeGainDirective(meta json.RawMessage, gainDB float64) (json.RawMessage, error) {
	m := make(map[string]interface{})
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &m); err != nil {
			return nil, fmt.Errorf("level_adjust patch: parse artifact meta: %w", err)
		}
	}
	m["gain_db"] = gainDB
	return json.Marshal(m)
}
