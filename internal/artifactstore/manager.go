// Package artifactstore 产物存储管理器
//
// 负责把阶段执行器产出的文件收纳进每作业、每阶段的目录树，
// 并计算校验和。数据库里的产物行永远指向收纳后的路径，
// 不指向执行器的临时输出位置。
package artifactstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"studio-orchestrator/internal/model"
)

// Manager 产物存储管理器
type Manager struct {
	baseDir string // 作业目录树根，<data>/jobs
}

// NewManager 创建产物存储管理器
func NewManager(dataDir string) *Manager {
	if dataDir == "" {
		dataDir = "./data"
	}
	baseDir := filepath.Join(dataDir, "jobs")
	os.MkdirAll(baseDir, 0755)

	return &Manager{baseDir: baseDir}
}

// JobDir 作业目录
func (m *Manager) JobDir(jobID string) string {
	return filepath.Join(m.baseDir, jobID)
}

// StageDir 作业的阶段产物目录
func (m *Manager) StageDir(jobID string, stage model.Stage) string {
	return filepath.Join(m.baseDir, jobID, string(stage))
}

// Ingest 将源文件收纳进作业的阶段目录并登记为产物
// kind 为空时根据扩展名与阶段推断。返回的产物指向收纳后的路径。
func (m *Manager) Ingest(jobID string, stage model.Stage, kind model.ArtifactKind, srcPath string) (*model.Artifact, error) {
	dir := m.StageDir(jobID, stage)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建阶段目录失败: %w", err)
	}

	dst := filepath.Join(dir, filepath.Base(srcPath))
	size, checksum, err := copyWithChecksum(srcPath, dst)
	if err != nil {
		return nil, fmt.Errorf("收纳产物失败: %w", err)
	}

	if kind == "" {
		kind = InferKind(stage, dst)
	}

	return &model.Artifact{
		JobID:     jobID,
		Stage:     stage,
		Kind:      kind,
		Path:      dst,
		SizeBytes: size,
		Checksum:  checksum,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// WriteFile 直接在阶段目录写入产物内容（补丁改写、模拟执行器使用）
func (m *Manager) WriteFile(jobID string, stage model.Stage, name string, data []byte) (*model.Artifact, error) {
	dir := m.StageDir(jobID, stage)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建阶段目录失败: %w", err)
	}

	dst := filepath.Join(dir, name)
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return nil, fmt.Errorf("写入产物失败: %w", err)
	}

	sum := sha256.Sum256(data)
	return &model.Artifact{
		JobID:     jobID,
		Stage:     stage,
		Kind:      InferKind(stage, dst),
		Path:      dst,
		SizeBytes: int64(len(data)),
		Checksum:  hex.EncodeToString(sum[:]),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// ReadFile 读取阶段目录内的产物内容（补丁引擎使用）
func (m *Manager) ReadFile(jobID string, stage model.Stage, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(m.StageDir(jobID, stage), name))
}

// Enumerate 遍历作业目录树枚举全部产物
// 只访问合法阶段名的子目录，事件日志等旁路文件不计入。
// kind 由扩展名推断。用于数据库登记缺失时的目录自检。
func (m *Manager) Enumerate(jobID string) ([]*model.Artifact, error) {
	var artifacts []*model.Artifact

	for _, stage := range model.Stages {
		dir := m.StageDir(jobID, stage)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("读取阶段目录失败: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			artifacts = append(artifacts, &model.Artifact{
				JobID:     jobID,
				Stage:     stage,
				Kind:      InferKind(stage, path),
				Path:      path,
				SizeBytes: info.Size(),
				CreatedAt: info.ModTime().UTC(),
			})
		}
	}

	return artifacts, nil
}

// RemoveJob 删除作业的整棵目录树（含事件日志）
func (m *Manager) RemoveJob(jobID string) error {
	return os.RemoveAll(m.JobDir(jobID))
}

// InferKind 根据扩展名与阶段推断产物类型
func InferKind(stage model.Stage, path string) model.ArtifactKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".mp3", ".flac", ".ogg", ".aac":
		return model.ArtifactKindAudio
	case ".mp4", ".mov", ".webm", ".avi", ".mkv":
		return model.ArtifactKindVideo
	case ".png", ".jpg", ".jpeg", ".webp", ".gif":
		return model.ArtifactKindImage
	case ".json", ".yaml", ".yml", ".csv", ".ndjson":
		if stage == model.StageStoryboard {
			return model.ArtifactKindStoryboard
		}
		return model.ArtifactKindData
	case ".md", ".txt":
		switch stage {
		case model.StageScript:
			return model.ArtifactKindScript
		case model.StageStoryboard:
			return model.ArtifactKindStoryboard
		default:
			return model.ArtifactKindText
		}
	default:
		return model.ArtifactKindData
	}
}

// copyWithChecksum 复制文件并同步计算 SHA-256
func copyWithChecksum(src, dst string) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, "", err
	}
	defer out.Close()

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, h), in)
	if err != nil {
		os.Remove(dst)
		return 0, "", err
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}
