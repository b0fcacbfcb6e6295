// Package model 定义核心数据模型
//
// artifact.go 包含产物相关的数据模型定义：
//   - Artifact：阶段产出的文件产物
//   - ArtifactKind：产物类别枚举
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// ArtifactKind - 产物类别
// ============================================================================

// ArtifactKind 表示产物的类别
type ArtifactKind string

const (
	// ArtifactKindScript 脚本文稿
	ArtifactKindScript ArtifactKind = "script"

	// ArtifactKindStoryboard 分镜文档
	ArtifactKindStoryboard ArtifactKind = "storyboard"

	// ArtifactKindAudio 音频
	ArtifactKindAudio ArtifactKind = "audio"

	// ArtifactKindVideo 视频
	ArtifactKindVideo ArtifactKind = "video"

	// ArtifactKindImage 图像
	ArtifactKindImage ArtifactKind = "image"

	// ArtifactKindText 纯文本（大纲、调研笔记等）
	ArtifactKindText ArtifactKind = "text"

	// ArtifactKindData 结构化数据（JSON、清单等）
	ArtifactKindData ArtifactKind = "data"
)

// ============================================================================
// Artifact - 产物
// ============================================================================

// Artifact 表示某个阶段产出并已入库的文件产物
//
// 执行器在临时目录产出文件，产物管理器把文件复制进
// 按作业、按阶段组织的产物树后登记 Artifact 行。
// Path 永远指向入库后的副本，不指向执行器的临时路径。
//
// 字段说明：
//   - ID：自增主键
//   - JobID：所属作业
//   - Stage：产出阶段
//   - Kind：产物类别
//   - Path：入库后的存储路径
//   - SizeBytes：文件大小
//   - Checksum：内容摘要（sha256，十六进制）
//   - Meta：附加元数据（JSON，如音频增益指令）
type Artifact struct {
	ID        int64           `json:"id" db:"id"`                     // 产物 ID
	JobID     string          `json:"job_id" db:"job_id"`             // 所属作业
	Stage     Stage           `json:"stage" db:"stage"`               // 产出阶段
	Kind      ArtifactKind    `json:"kind" db:"kind"`                 // 产物类别
	Path      string          `json:"path" db:"path"`                 // 存储路径
	SizeBytes int64           `json:"size_bytes" db:"size_bytes"`     // 文件大小
	Checksum  string          `json:"checksum,omitempty" db:"checksum"` // sha256 摘要
	Meta      json.RawMessage `json:"meta,omitempty" db:"meta"`       // 附加元数据
	CreatedAt time.Time       `json:"created_at" db:"created_at"`     // 登记时间
}
