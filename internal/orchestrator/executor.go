// Package orchestrator 阶段执行器契约
//
// 执行器是编排器眼中的黑盒：给定 (作业, 阶段, 输出目录)，
// 产出零或多个文件并描述其类别，或者返回错误。
// 编排器不关心产物是如何算出来的；重试（如果有）是执行器自己的事，
// 编排器只看最终结果。
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"studio-orchestrator/internal/model"
)

// StageOutput 执行器产出的一个文件
type StageOutput struct {
	// Kind 产物类别；为空时由收纳器按扩展名推断
	Kind model.ArtifactKind `json:"kind,omitempty"`

	// Path 产物文件路径（执行器临时目录内）
	Path string `json:"path"`

	// Meta 附加元数据（JSON，可选）
	Meta json.RawMessage `json:"meta,omitempty"`
}

// StageExecutor 阶段执行器接口
//
// Execute 在 outDir 下产出文件并返回产物清单。
// ctx 取消时执行器应尽快退出；编排器不会强杀，
// 但取消后的返回结果不再引起任何状态变更。
type StageExecutor interface {
	Execute(ctx context.Context, job *model.Job, stage model.Stage, outDir string) ([]StageOutput, error)
}

// ============================================================================
// SimExecutor - 内置模拟执行器
// ============================================================================

// SimExecutor 模拟执行器：每个阶段写出一个像样的占位产物。
// 开发模式与编排器测试使用；外部命令版见 CommandExecutor 与 cmd/mock-stage。
type SimExecutor struct {
	// Delay 每阶段的模拟耗时；0 表示立即返回
	Delay time.Duration

	// FailAt 非空时在该阶段返回错误，用于测试失败路径
	FailAt model.Stage
}

// Execute 写出当前阶段的模拟产物
func (e *SimExecutor) Execute(ctx context.Context, job *model.Job, stage model.Stage, outDir string) ([]StageOutput, error) {
	if e.Delay > 0 {
		select {
		case <-time.After(e.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.FailAt != "" && stage == e.FailAt {
		return nil, fmt.Errorf("simulated failure at stage %s", stage)
	}

	name, kind, body := simArtifact(job, stage)
	path := filepath.Join(outDir, name)
	if err := os.WriteFile(path, body, 0644); err != nil {
		return nil, fmt.Errorf("write sim artifact: %w", err)
	}
	return []StageOutput{{Kind: kind, Path: path}}, nil
}

// simArtifact 按阶段生成占位产物内容
func simArtifact(job *model.Job, stage model.Stage) (string, model.ArtifactKind, []byte) {
	switch stage {
	case model.StageOutline:
		return "outline.md", model.ArtifactKindText,
			[]byte(fmt.Sprintf("# Outline: %s\n\n- hook\n- body\n- call to action\n", job.Slug))
	case model.StageResearch:
		return "research.md", model.ArtifactKindText,
			[]byte(fmt.Sprintf("# Research notes\n\nintent: %s\n", job.Intent))
	case model.StageScript:
		return "script.md", model.ArtifactKindScript,
			[]byte("[[intro]]\nWelcome to the show.\n[[/intro]]\n\n[[body]]\nMain narration goes here.\n[[/body]]\n")
	case model.StageStoryboard:
		return "storyboard.json", model.ArtifactKindStoryboard,
			[]byte(`{"beats":[{"name":"intro","duration":3.0},{"name":"body","duration":12.0},{"name":"outro","duration":2.5}]}`)
	case model.StageAssets:
		return "assets.json", model.ArtifactKindData,
			[]byte(`{"images":["frame-001.png","frame-002.png"]}`)
	case model.StageAnimatics:
		return "animatic.json", model.ArtifactKindData,
			[]byte(`{"cuts":[{"at":0.0},{"at":3.0},{"at":15.0}]}`)
	case model.StageAudio:
		return "mix.json", model.ArtifactKindAudio,
			[]byte(`{"tracks":["voice","music"],"lufs":-14.0}`)
	case model.StageAssemble:
		return "final.json", model.ArtifactKindVideo,
			[]byte(`{"container":"mp4","duration":17.5}`)
	case model.StageAcceptance:
		return "acceptance.json", model.ArtifactKindData,
			[]byte(`{"checks":["duration","loudness","captions"],"passed":true}`)
	default:
		return string(stage) + ".txt", model.ArtifactKindText, []byte(string(stage) + "\n")
	}
}

// ============================================================================
// CommandExecutor - 外部命令执行器
// ============================================================================

// manifestName 命令执行器的产物清单文件名
const manifestName = "manifest.json"

// stageManifest 外部命令写入输出目录的产物清单
type stageManifest struct {
	Artifacts []StageOutput `json:"artifacts"`
}

// CommandExecutor 通过外部命令执行阶段
//
// 约定：命令通过环境变量接收 JOB_ID、JOB_STAGE、JOB_OUTPUT_DIR、
// JOB_INTENT 与 JOB_CONFIG（配置快照原文），在输出目录产出文件，
// 并写一个 manifest.json 列出产物清单。退出码非零视为阶段失败。
type CommandExecutor struct {
	// Command 被调用的可执行文件（如 bin/mock-stage）
	Command string

	// Args 附加在命令后的固定参数
	Args []string
}

// Execute 运行外部命令并读取产物清单
func (e *CommandExecutor) Execute(ctx context.Context, job *model.Job, stage model.Stage, outDir string) ([]StageOutput, error) {
	if e.Command == "" {
		return nil, fmt.Errorf("command executor: no command configured")
	}

	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Env = append(os.Environ(),
		"JOB_ID="+job.ID,
		"JOB_STAGE="+string(stage),
		"JOB_OUTPUT_DIR="+outDir,
		"JOB_INTENT="+job.Intent,
		"JOB_CONFIG="+string(job.Config),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("stage command failed: %w: %s", err, truncate(out, 512))
	}

	data, err := os.ReadFile(filepath.Join(outDir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("read stage manifest: %w", err)
	}
	var mf stageManifest
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse stage manifest: %w", err)
	}

	// 清单中的相对路径相对于输出目录
	for i := range mf.Artifacts {
		if !filepath.IsAbs(mf.Artifacts[i].Path) {
			mf.Artifacts[i].Path = filepath.Join(outDir, mf.Artifacts[i].Path)
		}
	}
	return mf.Artifacts, nil
}

// truncate 截断命令输出避免错误信息过长
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
