// Package storage 存储层领域错误
//
// 这些错误用于隔离业务层与底层存储引擎的错误类型。
// 错误值由 repository 层定义（它负责翻译底层驱动错误），
// 此处重导出，调用方统一通过 storage 包引用。
package storage

import "studio-orchestrator/internal/storage/repository"

var (
	// ErrNotFound 实体不存在
	ErrNotFound = repository.ErrNotFound

	// ErrConflict 并发冲突或状态守卫失败
	// 例如：门禁已决、作业已处于终态
	ErrConflict = repository.ErrConflict

	// ErrDuplicate 唯一键冲突（INSERT 重复 ID）
	ErrDuplicate = repository.ErrDuplicate
)
