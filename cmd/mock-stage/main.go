// Package main Mock Stage - 模拟外部阶段执行器
//
// 按 CommandExecutor 的契约行事：从环境变量读取作业上下文，
// 在输出目录产出当前阶段的占位产物，并写 manifest.json。
// 用于 command 执行器模式的端到端联调。
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type manifestEntry struct {
	Kind string `json:"kind,omitempty"`
	Path string `json:"path"`
}

type manifest struct {
	Artifacts []manifestEntry `json:"artifacts"`
}

func main() {
	jobID := os.Getenv("JOB_ID")
	stage := os.Getenv("JOB_STAGE")
	outDir := os.Getenv("JOB_OUTPUT_DIR")
	intent := os.Getenv("JOB_INTENT")

	if jobID == "" || stage == "" || outDir == "" {
		fmt.Fprintln(os.Stderr, "mock-stage: JOB_ID, JOB_STAGE and JOB_OUTPUT_DIR are required")
		os.Exit(1)
	}

	// 模拟一点执行耗时，让事件流观感更真实
	time.Sleep(200 * time.Millisecond)

	name, kind, body := stageArtifact(jobID, stage, intent)
	if err := os.WriteFile(filepath.Join(outDir, name), body, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "mock-stage: write artifact: %v\n", err)
		os.Exit(1)
	}

	mf := manifest{Artifacts: []manifestEntry{{Kind: kind, Path: name}}}
	data, _ := json.Marshal(mf)
	if err := os.WriteFile(filepath.Join(outDir, "manifest.json"), data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "mock-stage: write manifest: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("mock-stage: %s/%s done\n", jobID, stage)
}

// stageArtifact 按阶段生成占位产物
func stageArtifact(jobID, stage, intent string) (string, string, []byte) {
	switch stage {
	case "outline":
		return "outline.md", "text",
			[]byte(fmt.Sprintf("# Outline (%s)\n\n- hook\n- body\n- call to action\n", jobID))
	case "research":
		return "research.md", "text",
			[]byte(fmt.Sprintf("# Research notes\n\nintent: %s\n", intent))
	case "script":
		return "script.md", "script",
			[]byte("[[intro]]\nWelcome to the show.\n[[/intro]]\n\n[[body]]\nMain narration goes here.\n[[/body]]\n")
	case "storyboard":
		return "storyboard.json", "storyboard",
			[]byte(`{"beats":[{"name":"intro","duration":3.0},{"name":"body","duration":12.0},{"name":"outro","duration":2.5}]}`)
	case "assets":
		return "assets.json", "data",
			[]byte(`{"images":["frame-001.png","frame-002.png"]}`)
	case "animatics":
		return "animatic.json", "data",
			[]byte(`{"cuts":[{"at":0.0},{"at":3.0},{"at":15.0}]}`)
	case "audio":
		return "mix.json", "audio",
			[]byte(`{"tracks":["voice","music"],"lufs":-14.0}`)
	case "assemble":
		return "final.json", "video",
			[]byte(`{"container":"mp4","duration":17.5}`)
	case "acceptance":
		return "acceptance.json", "data",
			[]byte(`{"checks":["duration","loudness","captions"],"passed":true}`)
	default:
		return stage + ".txt", "text", []byte(stage + "\n")
	}
}
